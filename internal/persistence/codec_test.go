package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lorenzkrinner/gitfix/pkg/api"
)

// Step results are encoded as their concrete type and must decode without
// any gob.Register call.
func TestEncodeResult_UnregisteredStructRoundTrip(t *testing.T) {
	in := api.TriageResult{Classification: api.ClassificationFixable, Reasoning: "stale closure"}

	data, err := EncodeResult(in)
	require.NoError(t, err)

	out, err := DecodeResult[api.TriageResult](data)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestEncodeResult_ScalarRoundTrip(t *testing.T) {
	data, err := EncodeResult(3)
	require.NoError(t, err)

	out, err := DecodeResult[int](data)
	require.NoError(t, err)
	require.Equal(t, 3, out)
}

func TestEncodeResult_InstanceKeepsNilTriage(t *testing.T) {
	in := api.WorkflowInstance{
		ID:        "issue-1",
		Status:    api.StatusAnalyzing,
		CreatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	data, err := EncodeResult(in)
	require.NoError(t, err)

	out, err := DecodeResult[api.WorkflowInstance](data)
	require.NoError(t, err)
	require.Nil(t, out.Triage)
	require.Equal(t, in.ID, out.ID)
	require.True(t, in.CreatedAt.Equal(out.CreatedAt))
}

func TestDecodeResult_EmptyIsZero(t *testing.T) {
	out, err := DecodeResult[string](nil)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestDecodeResult_TypeMismatch(t *testing.T) {
	data, err := EncodeResult("not a number")
	require.NoError(t, err)

	_, err = DecodeResult[int](data)
	require.Error(t, err)
}
