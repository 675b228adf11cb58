package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tilemud/core/internal/transport"
	"github.com/tilemud/core/pkg/action"
	"github.com/tilemud/core/pkg/admission"
	"github.com/tilemud/core/pkg/board"
	"github.com/tilemud/core/pkg/lobby"
	"github.com/tilemud/core/pkg/protocol"
	"github.com/tilemud/core/pkg/ratelimit"
	"github.com/tilemud/core/pkg/room"
	"github.com/tilemud/core/pkg/session"
)

// protocolVersion is the §6.3 envelope/intent protocol version this core
// speaks, reported by session bootstrap and the websocket handshake ack.
const protocolVersion = "1.0.0"

type bootstrapRequestBody struct {
	CharacterID    string `json:"characterId"`
	ReconnectToken string `json:"reconnectToken"`
}

type bootstrapSessionInfo struct {
	SessionID          string `json:"sessionId"`
	UserID             string `json:"userId"`
	Status             string `json:"status"`
	ProtocolVersion    string `json:"protocolVersion"`
	LastSequenceNumber int64  `json:"lastSequenceNumber"`
}

type bootstrapStateInfo struct {
	Character characterSnapshot `json:"character"`
}

type bootstrapReconnectInfo struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type bootstrapRealtimeInfo struct {
	Room   string `json:"room"`
	RoomID string `json:"roomId"`
}

type bootstrapResponseBody struct {
	Version   string                  `json:"version"`
	IssuedAt  time.Time               `json:"issuedAt"`
	Session   bootstrapSessionInfo    `json:"session"`
	State     bootstrapStateInfo      `json:"state"`
	Reconnect bootstrapReconnectInfo  `json:"reconnect"`
	Realtime  *bootstrapRealtimeInfo  `json:"realtime,omitempty"`
}

// handleSessionBootstrap implements §6.2's POST /api/session/bootstrap: it
// authenticates the bearer token, resolves the caller's character snapshot
// via the (externally-owned) character profile source, and if the caller
// already holds a live session for that character, reports its instance so
// the client can skip straight to GET /ws instead of POST /matchmaking.
func (a *app) handleSessionBootstrap(w http.ResponseWriter, r *http.Request) {
	authToken := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	userID, ok := a.auth.Verify(r.Context(), authToken)
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var body bootstrapRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	snapshot, found := a.profile.Snapshot(r.Context(), userID, body.CharacterID)
	if !found {
		http.Error(w, "character not found", http.StatusNotFound)
		return
	}

	resp := bootstrapResponseBody{
		Version:  protocolVersion,
		IssuedAt: time.Now().UTC(),
		Session: bootstrapSessionInfo{
			UserID:          userID,
			Status:          "bootstrapped",
			ProtocolVersion: protocolVersion,
		},
		State: bootstrapStateInfo{Character: snapshot},
	}

	if existing := a.sessions.ListSessions(session.Filter{CharacterID: body.CharacterID}); len(existing) > 0 {
		sess := existing[0]
		resp.Session.SessionID = sess.SessionID
		resp.Session.Status = string(sess.Status)
		resp.Session.LastSequenceNumber = sess.LastSequenceNumber
		resp.Reconnect = bootstrapReconnectInfo{Token: body.ReconnectToken}
		if _, ok := a.lobby.Get(sess.InstanceID); ok {
			resp.Realtime = &bootstrapRealtimeInfo{Room: sess.InstanceID, RoomID: sess.InstanceID}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// matchmakingRequestBody is the body of POST /matchmaking, this
// entrypoint's own pre-step to resolve the instanceId §6.1's
// `POST /instances/{id}/connect` assumes the caller already has (the spec
// leaves how a client learns {id} to the Lobby / Router, §4.16).
type matchmakingRequestBody struct {
	Mode           string `json:"mode"`
	RulesetVersion string `json:"rulesetVersion"`
}

// handleMatchmaking resolves or allocates a Battle Room instance via the
// Lobby, returning the instanceId the client then calls
// POST /instances/{id}/connect against.
func (a *app) handleMatchmaking(w http.ResponseWriter, r *http.Request) {
	var body matchmakingRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	mode := lobby.ModeMatchmaking
	if body.Mode == string(lobby.ModeSolo) {
		mode = lobby.ModeSolo
	}

	result, err := a.lobby.CreateOrJoin(lobby.CreateOrJoinInput{Mode: mode, RulesetVersion: body.RulesetVersion})
	if err != nil {
		writeConnectError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"instanceId":     result.InstanceID,
		"rulesetVersion": result.RulesetVersion,
	})
}

// connectRequestBody is the POST /instances/{id}/connect body (§6.1).
type connectRequestBody struct {
	CharacterID       string `json:"characterId"`
	ClientVersion     string `json:"clientVersion"`
	ReconnectionToken string `json:"reconnectionToken"`
	ReplaceExisting   bool   `json:"replaceExisting"`
	ConfirmationToken string `json:"confirmationToken"`
}

// connectionConfig is the §6.1 success payload's connectionConfig object.
type connectionConfig struct {
	HeartbeatIntervalMs  int64 `json:"heartbeatInterval"`
	ReconnectDelayMs     int64 `json:"reconnectDelay"`
	MaxReconnectAttempts int   `json:"maxReconnectAttempts"`
}

type existingSessionInfo struct {
	SessionID string `json:"sessionId"`
	ExpiresAt string `json:"expiresAt"`
}

type connectResponseBody struct {
	Outcome           string               `json:"outcome"`
	SessionID         string               `json:"sessionId,omitempty"`
	ReconnectionToken string               `json:"reconnectionToken,omitempty"`
	UIState           string               `json:"uiState,omitempty"`
	WebsocketURL      string               `json:"websocketUrl,omitempty"`
	ConnectionConfig  *connectionConfig    `json:"connectionConfig,omitempty"`
	Position          int                  `json:"position,omitempty"`
	EstimatedWaitMs   int64                `json:"estimatedWait,omitempty"`
	Reason            string               `json:"reason,omitempty"`
	ErrorMessage      string               `json:"errorMessage,omitempty"`
	ExistingSession   *existingSessionInfo `json:"existingSession,omitempty"`
	ReplacementOptions []string            `json:"replacementOptions,omitempty"`
	MaintenanceInfo   map[string]interface{} `json:"maintenanceInfo,omitempty"`
}

// handleConnect implements §6.1's POST /instances/{id}/connect: the
// Admission Controller's ordered checks, run against the instanceId
// already present in the URL.
func (a *app) handleConnect(w http.ResponseWriter, r *http.Request) {
	instanceID := strings.TrimPrefix(r.URL.Path, "/instances/")
	instanceID = strings.TrimSuffix(instanceID, "/connect")
	if instanceID == "" {
		http.Error(w, "instance id required", http.StatusBadRequest)
		return
	}

	var body connectRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	start := time.Now()
	authToken := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	result := a.admission.Attempt(r.Context(), admission.Request{
		InstanceID:        instanceID,
		AuthToken:         authToken,
		CharacterID:       body.CharacterID,
		ClientVersion:     body.ClientVersion,
		ClientIP:          clientIP(r),
		ReconnectionToken: body.ReconnectionToken,
		ReplaceExisting:   body.ReplaceExisting,
		ConfirmationToken: body.ConfirmationToken,
	})
	elapsed := time.Since(start)
	a.metrics.RecordAdmission(instanceID, string(result.Outcome), rejectReason(result), elapsed)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Response-Time", elapsed.String())
	w.Header().Set("X-Correlation-Id", result.CorrelationID)
	w.Header().Set("X-Admission-Timeout", fmt.Sprintf("%d", a.cfg.AdmissionTimeoutMs))
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", a.cfg.AdmissionRateLimit))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", a.cfg.AdmissionRateWindowSeconds))

	resp := connectResponseBody{Outcome: string(result.Outcome)}
	switch result.Outcome {
	case admission.OutcomeSuccess:
		resp.SessionID = result.SessionID
		resp.ReconnectionToken = result.ReconnectToken
		resp.UIState = "CONNECTED"
		resp.WebsocketURL = fmt.Sprintf("/ws?sessionId=%s", result.SessionID)
		resp.ConnectionConfig = &connectionConfig{
			HeartbeatIntervalMs:  15000,
			ReconnectDelayMs:     1000,
			MaxReconnectAttempts: 5,
		}
	case admission.OutcomeQueued:
		resp.Position = result.Position
		resp.EstimatedWaitMs = result.EstimatedWait.Milliseconds()
		resp.SessionID = result.SessionID
	default:
		if result.Err != nil {
			resp.Reason = result.Err.Entry.Reason
			resp.ErrorMessage = result.Err.Entry.HumanMessage
			if result.Err.Entry.Reason == "already_in_session" && result.ExistingSession != nil {
				resp.ExistingSession = &existingSessionInfo{SessionID: result.ExistingSession.SessionID}
				resp.ReplacementOptions = []string{"replaceExisting", "confirmationToken"}
			}
			if result.Err.Entry.Reason == "maintenance" {
				resp.MaintenanceInfo = result.Err.Details
			}
		}
		if result.RetryAfter > 0 {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(result.RetryAfter.Seconds())))
		}
	}

	w.WriteHeader(statusForResult(result))
	_ = json.NewEncoder(w).Encode(resp)
}

// handleQueueStatus implements §6.1's GET /instances/{id}/queue/status.
func (a *app) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	instanceID := strings.TrimPrefix(r.URL.Path, "/instances/")
	instanceID = strings.TrimSuffix(instanceID, "/queue/status")

	seatsTaken, seatCapacity, queueLen, queueCapacity, found := a.lobby.Capacity(instanceID)
	if !found {
		http.Error(w, "instance not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"position":          queueLen,
		"estimatedWait":     (time.Duration(queueLen+1) * 5 * time.Second).Milliseconds(),
		"queueLength":       queueLen,
		"queueCapacity":     queueCapacity,
		"serverCapacity":    seatCapacity,
		"activeConnections": seatsTaken,
	})
}

func rejectReason(result admission.Result) string {
	if result.Err == nil {
		return ""
	}
	return result.Err.Entry.Reason
}

func statusForOutcome(outcome admission.Outcome) int {
	switch outcome {
	case admission.OutcomeSuccess:
		return http.StatusOK
	case admission.OutcomeQueued:
		return http.StatusAccepted
	}
	return http.StatusForbidden
}

// statusForResult refines statusForOutcome's OutcomeFailed case by the
// specific catalog reason, matching the status codes §6.1 documents per
// rejection (authentication_required -> 401, queue_full -> 429, and so on).
func statusForResult(result admission.Result) int {
	if result.Outcome != admission.OutcomeFailed || result.Err == nil {
		return statusForOutcome(result.Outcome)
	}

	switch result.Err.Entry.Reason {
	case "authentication_required":
		return http.StatusUnauthorized
	case "version_mismatch":
		return http.StatusUpgradeRequired
	case "character_not_found":
		return http.StatusNotFound
	case "character_not_owned":
		return http.StatusForbidden
	case "already_in_session":
		return http.StatusConflict
	case "invalid_request":
		return http.StatusUnprocessableEntity
	case "maintenance":
		return http.StatusServiceUnavailable
	case "queue_full":
		return http.StatusTooManyRequests
	case "not_found":
		return http.StatusNotFound
	case "grace_period_expired":
		return http.StatusGone
	case "rate_limit_exceeded":
		return http.StatusTooManyRequests
	default:
		return http.StatusForbidden
	}
}

func writeConnectError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(connectResponseBody{Outcome: "failed", ErrorMessage: err.Error()})
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	return host
}

// newWebSocketHandler builds the GET /ws handler: it upgrades the
// connection, joins the caller's session to its Battle Room, and runs the
// read loop until the connection closes.
func (a *app) newWebSocketHandler(allowedOrigins []string) http.HandlerFunc {
	upgrader := transport.NewUpgrader(allowedOrigins)

	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("sessionId")
		sess, ok := a.sessions.Get(sessionID)
		if !ok {
			http.Error(w, "unknown session", http.StatusUnauthorized)
			return
		}

		entry, ok := a.lobby.Get(sess.InstanceID)
		if !ok || entry.Room == nil {
			http.Error(w, "instance not found", http.StatusNotFound)
			return
		}

		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logrus.WithError(err).Warn("websocket upgrade failed")
			return
		}
		conn := transport.NewConn(raw)
		defer conn.Close()

		a.metrics.SetActiveConnections(int(atomic.AddInt64(&a.connCount, 1)))
		defer a.metrics.SetActiveConnections(int(atomic.AddInt64(&a.connCount, -1)))

		snapshot, err := entry.Room.Join(room.JoinOptions{
			PlayerID:  sess.CharacterID,
			SessionID: sess.SessionID,
		}, conn)
		if err != nil {
			logrus.WithError(err).Warn("room join failed")
			return
		}

		ackEnv, err := protocol.Encode(protocol.EventTypeAck, protocol.EventAck{
			Reason:         "handshake",
			AcknowledgedAt: time.Now().UTC(),
			SessionID:      sess.SessionID,
		})
		if err == nil {
			_ = conn.Send(ackEnv)
		}
		_ = snapshot

		conn.ReadLoop(func(env protocol.Envelope) {
			a.dispatchIntent(entry.Room, sess.SessionID, sess.CharacterID, env)
		})

		_, _ = entry.Room.Leave(sess.CharacterID, false)
	}
}

// dispatchIntent decodes one client-submitted envelope and routes it to
// the owning Room. Unrecognized intent types and decode failures are
// logged and otherwise ignored, matching the read loop's "one bad frame
// doesn't end the connection" contract.
func (a *app) dispatchIntent(r *room.Room, sessionID, playerID string, env protocol.Envelope) {
	switch env.Type {
	case protocol.IntentTypeMove:
		var intent protocol.IntentMove
		if err := json.Unmarshal(env.Payload, &intent); err != nil {
			logrus.WithError(err).Warn("failed to decode intent.move")
			return
		}
		if _, err := r.Move(sessionID, playerID, intent.Direction, intent.Magnitude, intent.Sequence); err != nil {
			logrus.WithError(err).Warn("move rejected")
		}

	case protocol.IntentTypeChat:
		var intent protocol.IntentChat
		if err := json.Unmarshal(env.Payload, &intent); err != nil {
			logrus.WithError(err).Warn("failed to decode intent.chat")
			return
		}

		if decision := a.limiter.Enforce("chat_in_instance", sessionID); !decision.Allowed {
			a.rejectChatRateLimit(r, playerID, intent.Sequence, decision)
			return
		}

		env, err := protocol.Encode(protocol.EventTypeStateDelta, protocol.EventStateDelta{
			Sequence: intent.Sequence,
			IssuedAt: time.Now().UTC(),
			Effects: []protocol.EffectEntry{{
				Type:     "chat",
				Metadata: map[string]interface{}{"playerId": playerID, "message": intent.Message},
			}},
		})
		if err == nil {
			r.Broadcast(env)
		}

	case protocol.IntentTypeAction:
		var intent protocol.IntentAction
		if err := json.Unmarshal(env.Payload, &intent); err != nil {
			logrus.WithError(err).Warn("failed to decode intent.action")
			return
		}
		a.dispatchTilePlacement(r, sessionID, playerID, intent)

	default:
		logrus.WithField("type", env.Type).Warn("unrecognized intent type")
	}
}

// rejectChatRateLimit unicasts a CHAT_RATE_LIMIT_EXCEEDED event.error to the
// offending player when the chat_in_instance sliding window rejects their
// message (§6.3, testable property 13).
func (a *app) rejectChatRateLimit(r *room.Room, playerID string, sequence int64, decision ratelimit.Decision) {
	retryAfterSeconds := int((time.Duration(decision.RetryAfterMs) * time.Millisecond).Round(time.Second).Seconds())
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}

	entry := a.catalog.New("chat_rate_limit_exceeded")
	env, err := protocol.Encode(protocol.EventTypeError, protocol.EventError{
		IntentType:        protocol.IntentTypeChat,
		Sequence:          sequence,
		Code:              "CHAT_RATE_LIMIT_EXCEEDED",
		Category:          protocol.ErrorCategoryRateLimit,
		Retryable:         entry.Entry.Retryable,
		Message:           entry.Entry.HumanMessage,
		RetryAfterSeconds: retryAfterSeconds,
	})
	if err != nil {
		logrus.WithError(err).Warn("failed to encode chat rate limit rejection")
		return
	}
	if sendErr := r.Unicast(playerID, env); sendErr != nil {
		logrus.WithError(sendErr).WithField("playerId", playerID).Warn("failed to deliver chat rate limit rejection")
	}
}

// dispatchTilePlacement maps an intent.action whose metadata describes a
// tile placement onto the Action Pipeline; any other action kind is out of
// this core's scope (Non-goals: game rules beyond tile placement adjacency
// and basic movement).
func (a *app) dispatchTilePlacement(r *room.Room, sessionID, playerID string, intent protocol.IntentAction) {
	tileType, _ := intent.Metadata["tileType"].(string)
	x, xok := toInt(intent.Metadata["x"])
	y, yok := toInt(intent.Metadata["y"])
	if tileType == "" || !xok || !yok {
		logrus.Warn("intent.action did not describe a tile placement, dropping")
		return
	}

	result := r.SubmitAction(action.ActionRequest{
		Type:      action.KindTilePlacement,
		RequestID: intent.ActionID,
		Sequence:  intent.Sequence,
		PlayerID:  playerID,
		Position:  board.Position{X: x, Y: y},
		TileType:  tileType,
	}, sessionID)

	if !result.Accepted {
		logrus.WithField("reason", result.Reason).Warn("tile placement not accepted")
	}
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case string:
		parsed, err := strconv.Atoi(n)
		return parsed, err == nil
	default:
		return 0, false
	}
}

// drainRooms is called on a ticker by runTickers: it drains each live
// room's Action Pipeline and broadcasts the resulting acks/state deltas.
func (a *app) drainRooms() {
	for _, r := range a.lobby.Rooms() {
		processed := r.ProcessActionQueue(context.Background())
		for _, p := range processed {
			a.broadcastProcessed(r, p)
		}
	}
}

func (a *app) broadcastProcessed(r *room.Room, p room.ProcessedAction) {
	if p.Resolution.Status == action.StatusRejected {
		reason := ""
		if p.Resolution.Err != nil {
			reason = p.Resolution.Err.Entry.Reason
		}
		env, err := protocol.Encode(protocol.EventTypeError, protocol.EventError{
			Code:      reason,
			Category:  protocol.ErrorCategoryConsistency,
			Message:   fmt.Sprintf("action rejected: %s", p.Resolution.RejectReason),
			Retryable: false,
		})
		if err == nil {
			_ = r.Unicast(p.PlayerID, env)
		}
		return
	}

	effects := make([]protocol.EffectEntry, 0, len(p.Resolution.Effects))
	for _, e := range p.Resolution.Effects {
		effects = append(effects, protocol.EffectEntry{
			Type:     e.Type,
			ActionID: p.ActionID,
			Metadata: e.Data,
		})
	}

	env, err := protocol.Encode(protocol.EventTypeStateDelta, protocol.EventStateDelta{
		IssuedAt: time.Now().UTC(),
		Effects:  effects,
	})
	if err == nil {
		r.Broadcast(env)
	}

	if p.Durability != nil {
		ackEnv, err := protocol.Encode(protocol.EventTypeAck, protocol.EventAck{
			Sequence:       p.Resolution.Tick,
			Status:         protocol.AckStatusApplied,
			AcknowledgedAt: time.Now().UTC(),
			Durability: &protocol.DurabilityInfo{
				Persisted:     true,
				ActionEventID: p.Durability.ActionID,
				PersistedAt:   p.Durability.PersistedAt,
			},
		})
		if err == nil {
			_ = r.Unicast(p.PlayerID, ackEnv)
		}
	}
}
