package code

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBands(t *testing.T) {
	t.Run("caller", func(t *testing.T) {
		require.True(t, TooLate.IsCallerError())
		require.True(t, AuthRealmMissing.IsCallerError())
		require.False(t, OK.IsCallerError())
	})

	t.Run("every band", func(t *testing.T) {
		require.True(t, DaemonStarted.IsInformational())
		require.True(t, RequestCompleted.IsSuccessEvent())
		require.True(t, PoolMemoryExhausted.IsTransient())
		require.True(t, HostHeaderMissing.IsClientError())
		require.True(t, PollWaitFailed.IsInternalError())
		require.True(t, AppNoAction.IsAppError())
		require.False(t, AppNoAction.IsClientError())
	})
}

func TestText(t *testing.T) {
	t.Run("every code is described", func(t *testing.T) {
		for c, text := range descriptions {
			require.NotEmpty(t, text, uint32(c))
			require.Equal(t, text, c.Error())
		}
	})

	t.Run("unknown", func(t *testing.T) {
		require.Equal(t, "unknown status code 9999", Text(9999))
	})
}

func TestAsError(t *testing.T) {
	var err error = TooLate
	wrapped := fmt.Errorf("set option: %w", err)
	require.ErrorIs(t, wrapped, TooLate)
	require.False(t, errors.Is(wrapped, AlreadyStarted))

	var c Code
	require.True(t, errors.As(wrapped, &c))
	require.Equal(t, TooLate, c)
}
