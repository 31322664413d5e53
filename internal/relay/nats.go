// Package relay forwards collaborator calls to the services that own credit
// balances and subscriptions over NATS request/reply.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"paybridge/internal/ingest"
)

// Subject suffixes appended to the configured prefix.
const (
	SubjectPurchase     = "purchase.process"
	SubjectActivate     = "subscription.activate"
	SubjectUpdate       = "subscription.update"
	SubjectDeactivate   = "subscription.deactivate"
	defaultPrefix       = "payments"
	defaultRelayTimeout = 5 * time.Second
)

// ErrRejected is returned when a collaborator replies with ok=false.
var ErrRejected = errors.New("collaborator rejected request")

// Requester is the subset of *nats.Conn used by the relay.
type Requester interface {
	RequestMsgWithContext(ctx context.Context, msg *nats.Msg) (*nats.Msg, error)
}

// Reply is the body collaborators answer with.
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Config configures a NATSRelay.
type Config struct {
	SubjectPrefix string
	Timeout       time.Duration
	Logger        *slog.Logger
}

// NATSRelay implements ingest.Collaborators by sending one request per call.
type NATSRelay struct {
	conn    Requester
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

var _ ingest.Collaborators = (*NATSRelay)(nil)

// NewNATSRelay creates a relay over conn.
func NewNATSRelay(conn Requester, cfg Config) *NATSRelay {
	prefix := strings.TrimSuffix(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = defaultPrefix
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRelayTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSRelay{
		conn:    conn,
		prefix:  prefix,
		timeout: timeout,
		logger:  logger,
	}
}

// Connect dials url with reconnect handling logged through logger.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err.Error())
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

func (r *NATSRelay) ProcessPurchase(ctx context.Context, p ingest.Purchase) error {
	return r.request(ctx, SubjectPurchase, p.SourceEventID, p)
}

func (r *NATSRelay) ActivateSubscription(ctx context.Context, a ingest.Activation) error {
	return r.request(ctx, SubjectActivate, a.SourceEventID, a)
}

func (r *NATSRelay) UpdateSubscription(ctx context.Context, u ingest.SubscriptionUpdate) error {
	return r.request(ctx, SubjectUpdate, u.SourceEventID, u)
}

func (r *NATSRelay) DeactivateSubscription(ctx context.Context, d ingest.Deactivation) error {
	return r.request(ctx, SubjectDeactivate, d.SourceEventID, d)
}

// Subject returns the full subject for suffix.
func (r *NATSRelay) Subject(suffix string) string {
	return r.prefix + "." + suffix
}

func (r *NATSRelay) request(ctx context.Context, suffix, eventID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", suffix, err)
	}

	msg := nats.NewMsg(r.Subject(suffix))
	msg.Data = data
	if eventID != "" {
		msg.Header.Set(nats.MsgIdHdr, eventID)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	resp, err := r.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return fmt.Errorf("request %s for event %s: %w", msg.Subject, eventID, err)
	}

	var reply Reply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return fmt.Errorf("decode reply from %s: %w", msg.Subject, err)
	}
	if !reply.OK {
		reason := reply.Error
		if reason == "" {
			reason = "no reason given"
		}
		return fmt.Errorf("%w: %s: %s", ErrRejected, msg.Subject, reason)
	}

	r.logger.DebugContext(ctx, "collaborator acknowledged",
		"subject", msg.Subject,
		"event_id", eventID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
