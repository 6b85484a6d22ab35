package driftsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsMessage is the JSON format for WebSocket sync frames.
type wsMessage struct {
	Type          string         `json:"type"`
	Operation     *wireOperation `json:"operation,omitempty"`
	RemoteVersion uint64         `json:"remote_version,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// WSTransportConfig configures the WebSocket transport.
type WSTransportConfig struct {
	// URL of the sync endpoint (ws:// or wss://).
	URL string `json:"url" yaml:"url"`

	// Headers are sent with the handshake (auth tokens).
	Headers map[string]string `json:"headers" yaml:"headers"`

	// HandshakeTimeout bounds the initial dial.
	HandshakeTimeout time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`

	// WriteTimeout bounds writing one frame.
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// ReadTimeout bounds waiting for the remote verdict.
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`
}

// DefaultWSTransportConfig returns default configuration.
func DefaultWSTransportConfig() WSTransportConfig {
	return WSTransportConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      30 * time.Second,
	}
}

// WSTransport delivers operations over a persistent WebSocket connection.
// The connection is dialed lazily on first send and re-dialed after any
// failure, so an engine that starts offline costs nothing until traffic
// actually flows.
type WSTransport struct {
	config WSTransportConfig
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSTransport creates a WebSocket transport.
func NewWSTransport(config WSTransportConfig) (*WSTransport, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("websocket transport: url is required")
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 30 * time.Second
	}

	return &WSTransport{
		config: config,
		dialer: &websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
	}, nil
}

// Send writes the operation frame and waits for the remote verdict frame.
// Sends are serialized; the engine delivers one operation at a time anyway.
func (t *WSTransport) Send(ctx context.Context, op Operation) (SendOutcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, err := t.connection(ctx)
	if err != nil {
		return SendOutcome{}, err
	}

	env := encodeWireOperation(op)
	frame, err := json.Marshal(wsMessage{Type: "operation", Operation: &env})
	if err != nil {
		return SendOutcome{}, newTransportError(ClassPermanent, fmt.Sprintf("encode operation: %v", err), 0, err)
	}

	_ = conn.SetWriteDeadline(deadlineFrom(ctx, t.config.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.dropConn()
		return SendOutcome{}, err
	}

	_ = conn.SetReadDeadline(deadlineFrom(ctx, t.config.ReadTimeout))
	_, resp, err := conn.ReadMessage()
	if err != nil {
		t.dropConn()
		return SendOutcome{}, err
	}

	var msg wsMessage
	if err := json.Unmarshal(resp, &msg); err != nil {
		t.dropConn()
		return SendOutcome{}, newTransportError(ClassTransient, fmt.Sprintf("malformed verdict frame: %v", err), 0, err)
	}

	switch msg.Type {
	case "accepted":
		return SendOutcome{Kind: SendAccepted}, nil
	case "conflict":
		return SendOutcome{Kind: SendConflict, RemoteVersion: msg.RemoteVersion}, nil
	case "rejected":
		return SendOutcome{Kind: SendRejected, Reason: msg.Reason}, nil
	default:
		t.dropConn()
		return SendOutcome{}, newTransportError(ClassTransient, "unexpected frame type: "+msg.Type, 0, nil)
	}
}

// Close tears down the connection if one is open.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := t.conn.Close()
	t.conn = nil
	return err
}

// connection returns the live connection, dialing if needed. Caller holds mu.
func (t *WSTransport) connection(ctx context.Context) (*websocket.Conn, error) {
	if t.conn != nil {
		return t.conn, nil
	}

	header := http.Header{}
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.config.URL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	t.conn = conn
	return conn, nil
}

// dropConn discards the connection after a failure so the next send
// re-dials. Caller holds mu.
func (t *WSTransport) dropConn() {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}

// deadlineFrom picks the context deadline when present, else now+fallback.
func deadlineFrom(ctx context.Context, fallback time.Duration) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(fallback)
}

var _ Transport = (*WSTransport)(nil)
