package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bravos/lockagent"
)

type stubAgent struct {
	passwords chan string
}

func (s *stubAgent) Snapshot() lockagent.Snapshot {
	return lockagent.Snapshot{State: lockagent.Locked, Mode: lockagent.ModeEmergencyOffline}
}
func (s *stubAgent) SubmitPassword(text string) { s.passwords <- text }
func (s *stubAgent) RequestShutdown()           {}
func (s *stubAgent) RequestRestart()            {}

func TestStartStatusServerRequiresAgent(t *testing.T) {
	_, _, _, err := StartStatusServer(context.Background(), StatusConfig{})
	assert.ErrorIs(t, err, ErrNilAgent)
}

func TestStatusServerLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agent := &stubAgent{passwords: make(chan string, 1)}

	_, addr, errCh, err := StartStatusServer(ctx, StatusConfig{ListenAddr: "127.0.0.1:0", Agent: agent})
	require.NoError(t, err)
	base := "http://" + addr.String()

	resp, err := http.Get(base + "/api/status")
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "locked", body["state"])
	assert.Equal(t, "emergency_offline", body["mode"])

	resp, err = http.Post(base+"/api/password", "application/json", strings.NewReader(`{"password":"emergency123"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "emergency123", <-agent.passwords)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	cancel()
	select {
	case err, ok := <-errCh:
		assert.False(t, ok, "unexpected serve error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestStatusServerBindFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agent := &stubAgent{passwords: make(chan string, 1)}

	_, addr, _, err := StartStatusServer(ctx, StatusConfig{ListenAddr: "127.0.0.1:0", Agent: agent})
	require.NoError(t, err)
	_, _, _, err = StartStatusServer(ctx, StatusConfig{ListenAddr: addr.String(), Agent: agent})
	assert.Error(t, err)
}
