package crawler

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorForStatus(t *testing.T) {
	t.Parallel()

	require.NoError(t, ErrorForStatus(http.StatusOK))
	require.NoError(t, ErrorForStatus(http.StatusFound))
	require.ErrorIs(t, ErrorForStatus(http.StatusForbidden), ErrBlocked)
	require.ErrorIs(t, ErrorForStatus(http.StatusServiceUnavailable), ErrBlocked)
	require.ErrorIs(t, ErrorForStatus(http.StatusNotFound), ErrNotFound)
	require.ErrorIs(t, ErrorForStatus(http.StatusTooManyRequests), ErrRateLimited)

	err := ErrorForStatus(http.StatusInternalServerError)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrBlocked))
}
