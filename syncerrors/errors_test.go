package syncerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorNameAndCode(t *testing.T) {
	assert.Equal(t, "TreeFull", GetErrorName(ErrFTreeFull))
	assert.Equal(t, "F1", GetErrorCode(ErrFTreeFull))
	assert.Equal(t, "F1_TreeFull", GetErrorCodeWithName(ErrFTreeFull))
	assert.Equal(t, "No Error", GetErrorName(nil))
	assert.Equal(t, "", GetErrorCode(errors.New("plain")))
}

func TestKindOfSentinels(t *testing.T) {
	cases := []struct {
		err  error
		kind Kind
	}{
		{ErrYCancelled, KindCancelled},
		{fmt.Errorf("apply: %w", ErrFTreeFull), KindTreeFull},
		{ErrFUnsupportedVersion, KindUnsupportedVersion},
		{ErrFMalformed, KindSerialization},
		{fmt.Errorf("check: %w", ErrSCorruption), KindCorruption},
		{ErrNUnavailable, KindNetwork},
		{ErrNConnectionReset, KindConnection},
		{fmt.Errorf("fetch: %w", ErrPShortRange), KindProtocol},
		{ErrSWriteFailed, KindStorage},
		{errors.New("mystery"), KindUnknown},
	}
	for _, c := range cases {
		assert.Equal(t, c.kind, KindOf(c.err), c.err.Error())
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindNetwork, errors.New("dial"))))
	assert.True(t, Retryable(fmt.Errorf("wrapped: %w", ErrNTimeout)))
	assert.True(t, Retryable(&Error{Kind: KindStatus, Transient: true, Err: errors.New("internal")}))
	assert.False(t, Retryable(&Error{Kind: KindStatus, Err: errors.New("unimplemented")}))
	assert.False(t, Retryable(ErrFTreeFull))
	assert.False(t, Retryable(New(KindProtocol, ErrPMalformedBlock)))
}

func TestAtKeepsClassification(t *testing.T) {
	base := New(KindNetwork, ErrNTimeout)
	err := At(base, 2010, "fetch")

	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, KindNetwork, se.Kind)
	assert.Equal(t, uint64(2010), se.Height)
	assert.Equal(t, "fetch", se.Stage)
	assert.ErrorIs(t, err, ErrNTimeout)
	assert.Contains(t, err.Error(), "at height 2010")

	// Unclassified errors pick up their sentinel kind.
	err = At(fmt.Errorf("append: %w", ErrFTreeFull), 5, "apply")
	assert.Equal(t, KindTreeFull, KindOf(err))
	assert.Nil(t, At(nil, 1, "x"))
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.False(t, IsFatal(ErrYCancelled))
	assert.False(t, IsFatal(ErrSCorruption))
	assert.False(t, IsFatal(ErrNUnavailable))
	assert.True(t, IsFatal(ErrFTreeFull))
	assert.True(t, IsFatal(ErrYReorgUnrecoverable))
}
