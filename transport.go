package driftsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SendOutcomeKind is the remote verdict on a delivered operation.
type SendOutcomeKind int

const (
	// SendAccepted means the remote applied the operation.
	SendAccepted SendOutcomeKind = iota
	// SendConflict means the remote holds a newer version of the entity.
	SendConflict
	// SendRejected means the remote refused the operation outright.
	SendRejected
)

// String returns the outcome kind name.
func (k SendOutcomeKind) String() string {
	switch k {
	case SendAccepted:
		return "accepted"
	case SendConflict:
		return "conflict"
	case SendRejected:
		return "rejected"
	}
	return "unknown"
}

// SendOutcome is a verdict delivered by the remote. It is only meaningful
// when Send returned a nil error; a non-nil error means no verdict arrived
// and Classify decides whether the attempt is retryable.
type SendOutcome struct {
	Kind SendOutcomeKind

	// RemoteVersion is the remote's current entity version. Set on
	// SendConflict when the remote includes it, zero otherwise.
	RemoteVersion uint64

	// Reason carries the remote's explanation for SendRejected.
	Reason string
}

// Transport delivers operations to the remote endpoint.
type Transport interface {
	// Send delivers one operation and reports the remote verdict.
	// Implementations must respect ctx cancellation.
	Send(ctx context.Context, op Operation) (SendOutcome, error)
}

// wireOperation is the JSON envelope sent to HTTP and WebSocket remotes.
type wireOperation struct {
	ID            string `json:"id"`
	EntityID      string `json:"entity_id"`
	EntityKind    string `json:"entity_kind,omitempty"`
	EntityVersion uint64 `json:"entity_version"`
	Kind          string `json:"kind"`
	Payload       []byte `json:"payload,omitempty"`
}

func encodeWireOperation(op Operation) wireOperation {
	return wireOperation{
		ID:            string(op.ID),
		EntityID:      op.EntityID,
		EntityKind:    op.EntityKind,
		EntityVersion: op.EntityVersion,
		Kind:          op.Kind.String(),
		Payload:       op.Payload,
	}
}

// conflictResponse is the body a remote may attach to a conflict verdict.
type conflictResponse struct {
	RemoteVersion uint64 `json:"remote_version"`
}

// HTTPTransportConfig configures the HTTP transport.
type HTTPTransportConfig struct {
	// Endpoint receives operation envelopes via POST.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Headers are added to every request (auth tokens, tenant ids).
	Headers map[string]string `json:"headers" yaml:"headers"`

	// Timeout bounds a single request when the caller's context has no
	// earlier deadline.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// Client overrides the HTTP client, mainly for tests.
	Client HTTPDoer `json:"-" yaml:"-"`
}

// DefaultHTTPTransportConfig returns default configuration.
func DefaultHTTPTransportConfig() HTTPTransportConfig {
	return HTTPTransportConfig{
		Timeout: 30 * time.Second,
	}
}

// HTTPTransport posts operation envelopes to a sync endpoint.
type HTTPTransport struct {
	config HTTPTransportConfig
	client HTTPDoer
}

// NewHTTPTransport creates an HTTP transport.
func NewHTTPTransport(config HTTPTransportConfig) (*HTTPTransport, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("http transport: endpoint is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	return &HTTPTransport{
		config: config,
		client: client,
	}, nil
}

// Send posts the operation and maps the HTTP status to a verdict.
func (t *HTTPTransport) Send(ctx context.Context, op Operation) (SendOutcome, error) {
	body, err := json.Marshal(encodeWireOperation(op))
	if err != nil {
		return SendOutcome{}, newTransportError(ClassPermanent, fmt.Sprintf("encode operation: %v", err), 0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return SendOutcome{}, newTransportError(ClassPermanent, fmt.Sprintf("build request: %v", err), 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	// Remotes can dedupe redelivered operations on this key.
	req.Header.Set("Idempotency-Key", string(op.ID))
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return SendOutcome{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return SendOutcome{Kind: SendAccepted}, nil

	case resp.StatusCode == http.StatusConflict:
		outcome := SendOutcome{Kind: SendConflict}
		var hint conflictResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&hint); err == nil {
			outcome.RemoteVersion = hint.RemoteVersion
		}
		return outcome, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return SendOutcome{}, newTransportError(ClassTransient,
			fmt.Sprintf("remote returned status %d", resp.StatusCode), resp.StatusCode, nil)

	default:
		reason, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return SendOutcome{
			Kind:   SendRejected,
			Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, bytes.TrimSpace(reason)),
		}, nil
	}
}

var _ Transport = (*HTTPTransport)(nil)
