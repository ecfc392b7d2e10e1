package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SideChannelConfig configures the optional NATS mirror. It is never
// the broker's core transport — the in-process Queue/Topic types are —
// it exists only so external observers can watch broker events without
// coupling the broker itself to a message bus. The broker reports only
// dead-lettering through its EventHook.
type SideChannelConfig struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
	SubjectPrefix  string
}

// SideChannel publishes Events to NATS subjects, adapted from the
// teacher's pkg/messaging/nats.go Client down to the publish path the
// broker actually needs; subscribe/JetStream consumption is dropped
// since nothing in this repo consumes its own mirrored events back.
type SideChannel struct {
	conn   *nats.Conn
	mu     sync.RWMutex
	log    *zap.Logger
	prefix string

	connected  bool
	reconnects int
}

// NewSideChannel connects to NATS and returns a SideChannel publisher.
func NewSideChannel(cfg SideChannelConfig, log *zap.Logger) (*SideChannel, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	sc := &SideChannel{
		conn:      conn,
		log:       log.With(zap.String("component", "broker.sidechannel")),
		prefix:    cfg.SubjectPrefix,
		connected: true,
	}

	conn.SetReconnectHandler(func(nc *nats.Conn) {
		sc.mu.Lock()
		sc.reconnects++
		sc.connected = true
		sc.mu.Unlock()
		sc.log.Info("nats side channel reconnected")
	})
	conn.SetDisconnectErrHandler(func(nc *nats.Conn, err error) {
		sc.mu.Lock()
		sc.connected = false
		sc.mu.Unlock()
		sc.log.Warn("nats side channel disconnected", zap.Error(err))
	})

	return sc, nil
}

// Hook returns an EventHook that mirrors broker events to NATS
// subjects of the form "<prefix>.<kind>". Publish failures are logged
// and swallowed: the side channel must never affect broker semantics.
func (sc *SideChannel) Hook() EventHook {
	return func(kind string, payload map[string]interface{}) {
		event, err := NewEvent(kind, "", "broker", payload, EventMetadata{Source: "meshcore.broker"})
		if err != nil {
			sc.log.Error("failed to build side-channel event", zap.Error(err))
			return
		}
		raw, err := EncodeEvent(event)
		if err != nil {
			sc.log.Error("failed to encode side-channel event", zap.Error(err))
			return
		}
		subject := kind
		if sc.prefix != "" {
			subject = sc.prefix + "." + kind
		}
		if err := sc.conn.Publish(subject, raw); err != nil {
			sc.log.Warn("side-channel publish failed", zap.String("subject", subject), zap.Error(err))
		}
	}
}

// Connected reports the current connection state.
func (sc *SideChannel) Connected() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.connected
}

// Close drains and closes the underlying NATS connection.
func (sc *SideChannel) Close() {
	sc.conn.Drain()
}
