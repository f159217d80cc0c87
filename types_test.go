package lockagent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockStateText(t *testing.T) {
	for _, s := range []LockState{Unlocked, Locked, NotificationOnly, ShutdownWarning} {
		b, err := json.Marshal(s)
		require.NoError(t, err)
		var got LockState
		require.NoError(t, json.Unmarshal(b, &got))
		assert.Equal(t, s, got)
	}

	b, err := json.Marshal(ShutdownWarning)
	require.NoError(t, err)
	assert.Equal(t, `"shutdown_warning"`, string(b))

	var s LockState
	assert.Error(t, json.Unmarshal([]byte(`"asleep"`), &s))
}
