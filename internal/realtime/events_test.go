package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveaudio/backend/internal/models"
	"github.com/liveaudio/backend/internal/registry"
	"github.com/liveaudio/backend/pkg/utils"
)

func TestEncodeEvent(t *testing.T) {
	raw, err := encodeEvent(EventLiveModeChanged, liveModePayload{Mode: registry.ModeMic})
	require.NoError(t, err)

	var frame envelope
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, EventLiveModeChanged, frame.Event)
	assert.Empty(t, frame.ReqID)
	assert.JSONEq(t, `{"mode":"mic"}`, string(frame.Data))
}

func TestResponseFrameOmitsEmptyFields(t *testing.T) {
	raw, err := json.Marshal(responseFrame{Event: "response", ReqID: "7", OK: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"response","reqId":"7","ok":true}`, string(raw))

	raw, err = json.Marshal(responseFrame{Event: "response", OK: false, Error: "channel not found"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"response","ok":false,"error":"channel not found"}`, string(raw))
}

func TestSetLiveModePayloadCarriesMode(t *testing.T) {
	var p setLiveModePayload
	require.NoError(t, json.Unmarshal([]byte(`{"mode":"preshow"}`), &p))
	assert.Equal(t, registry.ModePreshow, registry.NormalizeLiveMode(p.Mode))

	require.NoError(t, json.Unmarshal([]byte(`{"mode":"shout"}`), &p))
	assert.Equal(t, registry.ModeNone, registry.NormalizeLiveMode(p.Mode))

	raw, err := encodeEvent(EventLiveModeChanged, liveModePayload{Mode: registry.ModeTestTone})
	require.NoError(t, err)
	var frame envelope
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.JSONEq(t, `{"mode":"testtone"}`, string(frame.Data))
}

func TestCodeMatches(t *testing.T) {
	plain := "483920"
	hash, err := utils.HashCode("112233")
	require.NoError(t, err)

	withPlain := &models.Session{BroadcastCode: &plain}
	withHash := &models.Session{BroadcastCodeHash: &hash}

	assert.True(t, codeMatches(withPlain, "483920"))
	assert.False(t, codeMatches(withPlain, "000000"))
	assert.True(t, codeMatches(withHash, "112233"))
	assert.False(t, codeMatches(withHash, "483920"))
	assert.False(t, codeMatches(withPlain, ""))
}

func TestSameIdentity(t *testing.T) {
	assert.True(t, sameIdentity(
		registry.Identity{UserID: "u1", Name: "Alice"},
		registry.Identity{UserID: "u1", Name: "Renamed"},
	))
	assert.False(t, sameIdentity(
		registry.Identity{UserID: "u1", Name: "Alice"},
		registry.Identity{UserID: "u2", Name: "Alice"},
	))
	// Without user IDs the trimmed, case-folded name decides.
	assert.True(t, sameIdentity(
		registry.Identity{Name: " Alice "},
		registry.Identity{Name: "alice"},
	))
	assert.False(t, sameIdentity(
		registry.Identity{Name: "Alice"},
		registry.Identity{Name: "Bob"},
	))
}
