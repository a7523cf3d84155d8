package persistence

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type InMemoryStoreSuite struct {
	StoreSuite
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = NewInMemoryStore()
}

func TestInMemoryStore(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}
