package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseState(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"waiting", "active", "completed", "failed"} {
		st, err := ParseState(name)
		require.NoError(t, err)
		assert.Equal(t, State(name), st)
	}

	_, err := ParseState("delayed")
	assert.Error(t, err)
}
