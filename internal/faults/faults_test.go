package faults

import (
	"errors"
	"fmt"
	"testing"
	"time"

	perrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindsAreDistinct(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("bad magic")
	cases := []struct {
		name string
		err  error
		is   func(error) bool
		code perrors.ErrorCode
	}{
		{"validation", Validation("missing poweroff"), IsValidation, CodeValidation},
		{"transient", Transient(errors.New("connection reset"), "launch instance"), IsTransient, CodeTransientRemote},
		{"structural", Structural(sentinel, "read boot record"), IsStructural, CodeStructuralFormat},
		{"timeout", Timeout("pending wait", time.Hour), IsTimeout, CodeTimeout},
		{"ambiguous", Ambiguous("i-123"), IsAmbiguous, CodeAmbiguousCompletion},
	}

	predicates := []func(error) bool{IsValidation, IsTransient, IsStructural, IsTimeout, IsAmbiguous}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.True(t, tc.is(tc.err))
			assert.Equal(t, tc.code, Kind(tc.err))

			matches := 0
			for _, p := range predicates {
				if p(tc.err) {
					matches++
				}
			}
			assert.Equal(t, 1, matches, "error should match exactly one kind")
		})
	}
}

func TestStructuralKeepsSentinel(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("checksum mismatch")
	err := fmt.Errorf("parse catalog: %w", Structural(sentinel, "validation entry"))

	require.ErrorIs(t, err, sentinel)
	assert.True(t, IsStructural(err))
}

func TestClassification(t *testing.T) {
	t.Parallel()

	assert.True(t, IsRetryable(Transient(nil, "image store unavailable")))
	assert.True(t, IsRetryable(Timeout("volume ready", time.Minute)))
	assert.False(t, IsRetryable(Validation("bad input")))
	assert.False(t, IsRetryable(Ambiguous("i-1")))
}

func TestKindSurvivesJoin(t *testing.T) {
	t.Parallel()

	joined := errors.Join(errors.New("delete image"), Transient(errors.New("503"), "delete volume"))
	assert.True(t, IsTransient(joined))
	assert.False(t, IsValidation(joined))
}

func TestWithContextKeepsKind(t *testing.T) {
	t.Parallel()

	err := WithContext(Validation("conflicting install media"), "flag", "install-iso-url")
	assert.True(t, IsValidation(err))

	var pe perrors.PlatformError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "install-iso-url", pe.Context()["flag"])
	assert.Nil(t, WithContext(nil, "k", "v"))
}
