package triage

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChunks_DeterministicPrefixes(t *testing.T) {
	words := strings.Split("the quick brown fox jumps over the lazy dog", " ")

	a := chunks("issue-1reasoning-initial", words, " ", 0.7)
	b := chunks("issue-1reasoning-initial", words, " ", 0.7)
	assert.Equal(t, a, b)
	assert.Equal(t, strings.Join(words, " "), a[len(a)-1])

	for i := 1; i < len(a); i++ {
		assert.True(t, strings.HasPrefix(a[i], a[i-1]), "chunk %d does not extend the previous one", i)
		added := len(strings.Fields(a[i])) - len(strings.Fields(a[i-1]))
		assert.Contains(t, []int{1, 2}, added)
	}
}

func TestChunks_EmptyInput(t *testing.T) {
	assert.Empty(t, chunks("seed", nil, " ", 0.7))
}

func TestReasoning_DurationSeconds(t *testing.T) {
	assert.Equal(t, 1, Reasoning{}.DurationSeconds())
	assert.Equal(t, 4, Reasoning{Think: 4 * time.Second}.DurationSeconds())
	assert.Equal(t, 2, Reasoning{Think: 1600 * time.Millisecond}.DurationSeconds())
}

func TestPacing(t *testing.T) {
	assert.Zero(t, NoPacing.of(time.Second))
	assert.Equal(t, time.Second, DefaultPacing.of(time.Second))
	assert.Equal(t, 500*time.Millisecond, Pacing{Enabled: true, Scale: 0.5}.of(time.Second))
	assert.Equal(t, time.Second, Pacing{Enabled: true}.of(time.Second))
}
