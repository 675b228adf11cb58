// Package transport is the thin websocket glue between an HTTP connection
// and a pkg/room.ClientHandle: it owns framing only, never game semantics.
// Grounded on the teacher's pkg/server/websocket.go (origin-checked
// upgrader, mutex-guarded connection, read loop that stops on the first
// decode error) adapted from JSON-RPC request/response framing to this
// core's envelope/intent framing (§6.1–§6.3).
package transport

import (
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tilemud/core/pkg/protocol"
)

// Conn wraps a gorilla websocket connection with a write mutex, since
// gorilla forbids concurrent writers on one connection. It implements
// pkg/room's ClientHandle.
type Conn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	log  *logrus.Entry
}

// NewConn wraps an already-upgraded websocket connection.
func NewConn(conn *websocket.Conn) *Conn {
	return &Conn{conn: conn, log: logrus.WithField("component", "transport.Conn")}
}

// Send writes one envelope as a JSON text frame, safe for concurrent callers.
func (c *Conn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(env)
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.conn.Close() }

// ReadLoop blocks reading one protocol.Envelope per frame, invoking handle
// for each until the connection errors or closes. The first read error
// (including a clean close) ends the loop; handle errors are logged but do
// not end it, matching the teacher's read-loop shape where a single
// malformed message does not tear down the whole connection.
func (c *Conn) ReadLoop(handle func(protocol.Envelope)) {
	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.log.WithError(err).Debug("websocket read loop ending")
			return
		}
		handle(env)
	}
}

// orderHosts sorts candidate origin hosts into a stable priority order:
// custom hostnames first, then localhost, then bare IPs.
func orderHosts(hosts map[string]struct{}) []string {
	var hostnames, localhosts, ips []string
	for host := range hosts {
		switch {
		case host == "localhost":
			localhosts = append(localhosts, host)
		case net.ParseIP(host) != nil:
			ips = append(ips, host)
		default:
			hostnames = append(hostnames, host)
		}
	}
	sort.Strings(hostnames)
	sort.Strings(localhosts)
	sort.Strings(ips)

	out := make([]string, 0, len(hosts))
	out = append(out, hostnames...)
	out = append(out, localhosts...)
	out = append(out, ips...)
	return out
}

// AllowedOrigins builds the CORS-style allow list for the websocket
// upgrader: an explicit comma-separated override, or a same-host default
// covering localhost/127.0.0.1/the listen address on both http and https.
func AllowedOrigins(explicit string, listenAddr string) []string {
	if explicit != "" {
		parts := strings.Split(explicit, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}

	hosts := map[string]struct{}{"localhost": {}, "127.0.0.1": {}}
	port := "8080"
	if listenAddr != "" {
		if host, p, err := net.SplitHostPort(listenAddr); err == nil {
			if host != "" {
				hosts[host] = struct{}{}
			}
			if p != "" {
				port = p
			}
		}
	}

	var out []string
	for _, host := range orderHosts(hosts) {
		out = append(out, "http://"+host+":"+port, "https://"+host+":"+port)
	}
	return out
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == origin {
			return true
		}
	}
	return false
}

// NewUpgrader builds a websocket.Upgrader whose CheckOrigin rejects any
// Origin header not present in allowedOrigins.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			allowed := originAllowed(origin, allowedOrigins)
			if !allowed {
				logrus.WithField("origin", origin).Warn("websocket connection rejected: origin not allowed")
			}
			return allowed
		},
	}
}

// Encode is a convenience wrapper matching protocol.Encode's signature,
// kept here so handlers in cmd/server don't need to import both packages
// just to build an error envelope on an upgrade failure.
func Encode(msgType string, payload interface{}) ([]byte, error) {
	env, err := protocol.Encode(msgType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
