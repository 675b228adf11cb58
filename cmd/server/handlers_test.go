package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilemud/core/pkg/admission"
	"github.com/tilemud/core/pkg/config"
	"github.com/tilemud/core/pkg/lobby"
	"github.com/tilemud/core/pkg/persistence"
	"github.com/tilemud/core/pkg/protocol"
	"github.com/tilemud/core/pkg/room"
)

// fakeClientHandle captures every envelope sent to it for assertions.
type fakeClientHandle struct {
	sent []protocol.Envelope
}

func (f *fakeClientHandle) Send(env protocol.Envelope) error {
	f.sent = append(f.sent, env)
	return nil
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	logrus.SetOutput(io.Discard)
	t.Cleanup(func() { logrus.SetOutput(os.Stderr) })

	cfg, err := config.Load()
	require.NoError(t, err)

	application, err := buildApp(context.Background(), cfg)
	require.NoError(t, err)
	return application
}

func TestHandleSessionBootstrap_ReturnsCharacterSnapshot(t *testing.T) {
	a := newTestApp(t)

	body, _ := json.Marshal(bootstrapRequestBody{CharacterID: "char-1"})
	req := httptest.NewRequest(http.MethodPost, "/api/session/bootstrap", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer user-1-token")
	rec := httptest.NewRecorder()

	a.handleSessionBootstrap(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp bootstrapResponseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "char-1", resp.State.Character.CharacterID)
	assert.Equal(t, "user-1-token", resp.Session.UserID)
	assert.Nil(t, resp.Realtime)
}

func TestHandleSessionBootstrap_MissingAuthIsUnauthorized(t *testing.T) {
	a := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/api/session/bootstrap", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()

	a.handleSessionBootstrap(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleMatchmaking_AllocatesInstance(t *testing.T) {
	a := newTestApp(t)

	body, _ := json.Marshal(matchmakingRequestBody{Mode: "matchmaking", RulesetVersion: "1.0.0"})
	req := httptest.NewRequest(http.MethodPost, "/matchmaking", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	a.handleMatchmaking(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["instanceId"])
	assert.Equal(t, "1.0.0", resp["rulesetVersion"])
}

func TestHandleConnect_SuccessReturnsConnectionConfigAndHeaders(t *testing.T) {
	a := newTestApp(t)

	created, err := a.lobby.CreateOrJoin(lobby.CreateOrJoinInput{Mode: lobby.ModeMatchmaking, RulesetVersion: "1.0.0"})
	require.NoError(t, err)

	body, _ := json.Marshal(connectRequestBody{CharacterID: "char-1", ClientVersion: a.cfg.CurrentClientBuild})
	req := httptest.NewRequest(http.MethodPost, "/instances/"+created.InstanceID+"/connect", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer user-1-token")
	rec := httptest.NewRecorder()

	a.handleConnect(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))
	assert.NotEmpty(t, rec.Header().Get("X-Response-Time"))

	var resp connectResponseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Outcome)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "CONNECTED", resp.UIState)
	require.NotNil(t, resp.ConnectionConfig)
	assert.Greater(t, resp.ConnectionConfig.HeartbeatIntervalMs, int64(0))
}

func TestHandleConnect_MissingAuthTokenReturnsUnauthorized(t *testing.T) {
	a := newTestApp(t)

	created, err := a.lobby.CreateOrJoin(lobby.CreateOrJoinInput{Mode: lobby.ModeMatchmaking, RulesetVersion: "1.0.0"})
	require.NoError(t, err)

	body, _ := json.Marshal(connectRequestBody{CharacterID: "char-1", ClientVersion: a.cfg.CurrentClientBuild})
	req := httptest.NewRequest(http.MethodPost, "/instances/"+created.InstanceID+"/connect", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	a.handleConnect(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var resp connectResponseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "authentication_required", resp.Reason)
}

func TestHandleConnect_UnknownInstanceReturnsNotFound(t *testing.T) {
	a := newTestApp(t)

	body, _ := json.Marshal(connectRequestBody{CharacterID: "char-1", ClientVersion: a.cfg.CurrentClientBuild})
	req := httptest.NewRequest(http.MethodPost, "/instances/does-not-exist/connect", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer user-1-token")
	rec := httptest.NewRecorder()

	a.handleConnect(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleConnect_EmptyInstanceIDIsBadRequest(t *testing.T) {
	a := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/instances//connect", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()

	a.handleConnect(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleQueueStatus_ReportsLobbyCapacity(t *testing.T) {
	a := newTestApp(t)

	created, err := a.lobby.CreateOrJoin(lobby.CreateOrJoinInput{Mode: lobby.ModeMatchmaking, RulesetVersion: "1.0.0"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/instances/"+created.InstanceID+"/queue/status", nil)
	rec := httptest.NewRecorder()

	a.handleQueueStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp, "serverCapacity")
	assert.Contains(t, resp, "queueCapacity")
}

func TestHandleQueueStatus_UnknownInstanceIsNotFound(t *testing.T) {
	a := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/instances/does-not-exist/queue/status", nil)
	rec := httptest.NewRecorder()

	a.handleQueueStatus(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDumpRoomStates_WritesOneFilePerLiveRoom(t *testing.T) {
	a := newTestApp(t)

	created, err := a.lobby.CreateOrJoin(lobby.CreateOrJoinInput{Mode: lobby.ModeMatchmaking, RulesetVersion: "1.0.0"})
	require.NoError(t, err)

	dir := t.TempDir()
	store, err := persistence.NewFileStore(dir)
	require.NoError(t, err)
	a.stateDump = store

	a.dumpRoomStates()

	var loaded map[string]interface{}
	require.NoError(t, store.Load(created.InstanceID+".yaml", &loaded))
	assert.Equal(t, created.InstanceID, loaded["instanceid"])
}

func TestDispatchIntent_SixthChatWithinWindowIsRateLimited(t *testing.T) {
	a := newTestApp(t)

	created, err := a.lobby.CreateOrJoin(lobby.CreateOrJoinInput{Mode: lobby.ModeMatchmaking, RulesetVersion: "1.0.0"})
	require.NoError(t, err)
	entry, ok := a.lobby.Get(created.InstanceID)
	require.True(t, ok)

	client := &fakeClientHandle{}
	_, err = entry.Room.Join(room.JoinOptions{PlayerID: "p1", SessionID: "sess-1"}, client)
	require.NoError(t, err)

	chatEnv := func(seq int64) protocol.Envelope {
		env, encErr := protocol.Encode(protocol.IntentTypeChat, protocol.IntentChat{Message: "hi", Sequence: seq})
		require.NoError(t, encErr)
		return env
	}

	for i := int64(1); i <= 5; i++ {
		a.dispatchIntent(entry.Room, "sess-1", "p1", chatEnv(i))
	}
	require.Len(t, client.sent, 5, "first five chats within the window must be broadcast, not rejected")
	for _, env := range client.sent {
		assert.Equal(t, protocol.EventTypeStateDelta, env.Type)
	}

	a.dispatchIntent(entry.Room, "sess-1", "p1", chatEnv(6))

	require.Len(t, client.sent, 6)
	last := client.sent[5]
	assert.Equal(t, protocol.EventTypeError, last.Type)
	var gotErr protocol.EventError
	require.NoError(t, json.Unmarshal(last.Payload, &gotErr))
	assert.Equal(t, "CHAT_RATE_LIMIT_EXCEEDED", gotErr.Code)
	assert.Equal(t, protocol.ErrorCategoryRateLimit, gotErr.Category)
	assert.GreaterOrEqual(t, gotErr.RetryAfterSeconds, 1)
}

func TestStatusForResult_MapsCatalogReasonsToDocumentedCodes(t *testing.T) {
	a := newTestApp(t)

	cases := map[string]int{
		"authentication_required": http.StatusUnauthorized,
		"character_not_found":     http.StatusNotFound,
		"character_not_owned":     http.StatusForbidden,
		"already_in_session":      http.StatusConflict,
		"maintenance":             http.StatusServiceUnavailable,
		"queue_full":              http.StatusTooManyRequests,
		"grace_period_expired":    http.StatusGone,
	}

	for reason, wantStatus := range cases {
		result := admission.Result{Outcome: admission.OutcomeFailed, Err: a.catalog.New(reason)}
		got := statusForResult(result)
		assert.Equal(t, wantStatus, got, "reason %q", reason)
	}
}
