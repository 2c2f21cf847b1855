package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fernhealth/scribed/internal/fault"
)

// Sink delivers one audit event to the remote audit store. A nil
// return acknowledges delivery; failures must be classified as
// fault.Transient (retry with backoff) or fault.Permanent (straight
// to dead-letter). Sinks must tolerate duplicate delivery.
type Sink interface {
	Deliver(ctx context.Context, eventType string, payload json.RawMessage) error
}

// HTTPSink posts events as JSON to a remote collector endpoint.
// 2xx acknowledges; 4xx is a permanent rejection; anything else,
// including transport errors, is transient.
type HTTPSink struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSink creates a sink targeting the given collector URL.
func NewHTTPSink(endpoint string, timeout time.Duration) (*HTTPSink, error) {
	if endpoint == "" {
		return nil, errors.New("sink endpoint is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type sinkEnvelope struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *HTTPSink) Deliver(ctx context.Context, eventType string, payload json.RawMessage) error {
	body, err := json.Marshal(sinkEnvelope{EventType: eventType, Payload: payload})
	if err != nil {
		return fault.Permanent(fmt.Errorf("marshal event: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fault.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fault.Transient(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fault.Permanent(fmt.Errorf("collector rejected event: status %d", resp.StatusCode))
	default:
		return fault.Transient(fmt.Errorf("collector unavailable: status %d", resp.StatusCode))
	}
}

// NATSSink publishes events onto a NATS subject tree
// (<prefix>.<event_type>). Publish failures are transient; only a
// payload that cannot be marshaled is permanent.
type NATSSink struct {
	conn          *nats.Conn
	subjectPrefix string
	flushTimeout  time.Duration
}

// NewNATSSink creates a sink over an established NATS connection.
func NewNATSSink(conn *nats.Conn, subjectPrefix string) (*NATSSink, error) {
	if conn == nil {
		return nil, errors.New("nats connection is required")
	}
	if subjectPrefix == "" {
		subjectPrefix = "scribed.audit"
	}
	return &NATSSink{
		conn:          conn,
		subjectPrefix: subjectPrefix,
		flushTimeout:  5 * time.Second,
	}, nil
}

func (s *NATSSink) Deliver(_ context.Context, eventType string, payload json.RawMessage) error {
	body, err := json.Marshal(sinkEnvelope{EventType: eventType, Payload: payload})
	if err != nil {
		return fault.Permanent(fmt.Errorf("marshal event: %w", err))
	}
	if err := s.conn.Publish(s.subjectPrefix+"."+eventType, body); err != nil {
		return fault.Transient(err)
	}
	if err := s.conn.FlushTimeout(s.flushTimeout); err != nil {
		return fault.Transient(err)
	}
	return nil
}

// LogSink writes events to the structured log and acknowledges them.
// Useful for development and for deployments without a collector.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that logs every event at info level.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(_ context.Context, eventType string, payload json.RawMessage) error {
	s.logger.Info("audit event",
		zap.String("event_type", eventType),
		zap.ByteString("payload", payload))
	return nil
}
