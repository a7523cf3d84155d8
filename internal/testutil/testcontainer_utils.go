// Package testutil starts the shared containers used by integration tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"
)

// SkipIfShort skips container-backed tests under -short.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}
}

// sharedContainer starts one container per test binary. Containers are
// reaped by testcontainers when the binary exits.
type sharedContainer struct {
	once     sync.Once
	endpoint string
	err      error
}

func (c *sharedContainer) get(t *testing.T, start func(ctx context.Context) (string, error)) string {
	t.Helper()
	SkipIfShort(t)

	c.once.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		c.endpoint, c.err = start(ctx)
	})
	if c.err != nil {
		t.Skipf("container unavailable: %v", c.err)
	}
	return c.endpoint
}
