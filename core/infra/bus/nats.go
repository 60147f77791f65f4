package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cordum/masher/core/infra/logging"
	"github.com/cordum/masher/core/infra/tlsutil"
	"github.com/nats-io/nats.go"
)

// NatsBus is a thin wrapper over a NATS connection carrying JSON payloads.
// Delivery is core NATS (at most once): a push request is never redelivered
// to a second masher while the first is still composing.
type NatsBus struct {
	nc *nats.Conn
}

const envTLSPrefix = "MASHER_NATS"

var (
	errNilBus      = errors.New("nats bus not initialized")
	errEmptyTopic  = errors.New("empty subject")
	errNilHandler  = errors.New("nil handler")
	errNilMessage  = errors.New("nil payload")
	errEmptyPrefix = errors.New("empty topic prefix")
)

// NewNatsBus dials NATS at the provided URL. MASHER_NATS_TLS_* configures TLS.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("masherd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("bus", "connection closed")
		}),
	}
	tlsConfig, err := tlsutil.Build("nats", nil, tlsutil.FilesFromEnv(envTLSPrefix))
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts = append(opts, nats.Secure(tlsConfig))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBus{nc: nc}, nil
}

// Close drains and shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}

// Subject joins a topic base ("org.fedoraproject.prod.") and a suffix.
func Subject(base, suffix string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", errEmptyPrefix
	}
	if !strings.HasSuffix(base, ".") {
		base += "."
	}
	suffix = strings.Trim(strings.TrimSpace(suffix), ".")
	if suffix == "" {
		return "", errEmptyTopic
	}
	return base + suffix, nil
}

// Publish sends raw bytes on the given subject.
func (b *NatsBus) Publish(subject string, data []byte) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if data == nil {
		return errNilMessage
	}
	return b.nc.Publish(subject, data)
}

// PublishJSON encodes v and publishes it.
func (b *NatsBus) PublishJSON(subject string, v any) error {
	if v == nil {
		return errNilMessage
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	return b.Publish(subject, data)
}

// Subscribe attaches a subscription; handler errors are logged and dropped.
// A non-empty queue load-balances messages across subscribers.
func (b *NatsBus) Subscribe(subject, queue string, handler func([]byte) error) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if handler == nil {
		return errNilHandler
	}
	cb := func(msg *nats.Msg) {
		if err := handler(msg.Data); err != nil {
			logging.Error("bus", "handler error", "subject", msg.Subject, "error", err)
		}
	}
	if queue == "" {
		_, err := b.nc.Subscribe(subject, cb)
		return err
	}
	_, err := b.nc.QueueSubscribe(subject, queue, cb)
	return err
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func (b *NatsBus) ConnectedURL() string {
	if b == nil || b.nc == nil {
		return ""
	}
	return b.nc.ConnectedUrl()
}
