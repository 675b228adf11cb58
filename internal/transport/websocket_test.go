package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilemud/core/pkg/protocol"
)

func TestAllowedOrigins_ExplicitOverrideSplitsAndTrims(t *testing.T) {
	got := AllowedOrigins(" http://a.example , http://b.example", "")
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, got)
}

func TestAllowedOrigins_DefaultsCoverLocalhostAndListenAddr(t *testing.T) {
	got := AllowedOrigins("", "0.0.0.0:9090")
	joined := strings.Join(got, ",")
	assert.Contains(t, joined, "http://localhost:9090")
	assert.Contains(t, joined, "https://127.0.0.1:9090")
	assert.Contains(t, joined, "0.0.0.0:9090")
}

func TestNewUpgrader_RejectsDisallowedOrigin(t *testing.T) {
	upgrader := NewUpgrader([]string{"http://allowed.example"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}

func TestConn_Send_DeliversEnvelopeToClient(t *testing.T) {
	upgrader := NewUpgrader(nil)
	var serverConn *Conn
	ready := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConn = NewConn(raw)
		close(ready)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer client.Close()

	<-ready

	env, err := protocol.Encode(protocol.IntentTypeMove, protocol.MoveDelta[protocol.DirectionNorth])
	require.NoError(t, err)
	require.NoError(t, serverConn.Send(env))

	var got protocol.Envelope
	require.NoError(t, client.ReadJSON(&got))
	assert.Equal(t, protocol.IntentTypeMove, got.Type)
}

func TestConn_ReadLoop_InvokesHandleUntilClose(t *testing.T) {
	upgrader := NewUpgrader(nil)
	var wg sync.WaitGroup
	wg.Add(1)

	var mu sync.Mutex
	var received []protocol.Envelope

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn := NewConn(raw)
		go func() {
			defer wg.Done()
			conn.ReadLoop(func(env protocol.Envelope) {
				mu.Lock()
				received = append(received, env)
				mu.Unlock()
			})
		}()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	env, err := protocol.Encode(protocol.IntentTypeChat, map[string]string{"text": "hi"})
	require.NoError(t, err)
	require.NoError(t, client.WriteJSON(env))

	client.Close()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, protocol.IntentTypeChat, received[0].Type)
}

func TestEncode_ProducesValidJSON(t *testing.T) {
	data, err := Encode(protocol.IntentTypeMove, protocol.MoveDelta[protocol.DirectionEast])
	require.NoError(t, err)
	assert.Contains(t, string(data), protocol.IntentTypeMove)
}

func TestOrderHosts_PrioritizesHostnamesThenLocalhostThenIPs(t *testing.T) {
	hosts := map[string]struct{}{
		"203.0.113.5": {},
		"localhost":   {},
		"game.example": {},
	}
	got := orderHosts(hosts)
	require.Len(t, got, 3)
	assert.Equal(t, "game.example", got[0])
	assert.Equal(t, "localhost", got[1])
	assert.Equal(t, "203.0.113.5", got[2])
}

func TestConn_Close_SucceedsOnOpenConnection(t *testing.T) {
	upgrader := NewUpgrader(nil)
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn := NewConn(raw)
		require.NoError(t, conn.Close())
		close(done)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer client.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server handler did not complete")
	}
}
