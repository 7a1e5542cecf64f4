//go:build !no_nats

package telemetry

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"lorawan-node/internal/node"
)

// NATSConfig holds NATS publisher configuration.
type NATSConfig struct {
	URL           string
	Username      string
	Password      string
	ReconnectWait time.Duration
	MaxReconnects int
}

// NATSPublisher publishes node events on lorawan.node.<device>.<event>
// and accepts operator keys on lorawan.node.<device>.input.
type NATSPublisher struct {
	nc     *nats.Conn
	events *node.EventBus
	input  Input
	device string
	logger *slog.Logger
	unsub  func()
	sub    *nats.Subscription
}

// Subject returns the subject of one node stream.
func Subject(device, suffix string) string {
	return "lorawan.node." + device + "." + suffix
}

// NewNATSPublisher connects to the NATS server.
func NewNATSPublisher(events *node.EventBus, input Input, device string, cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	logger = logger.With("component", "nats")
	nc, err := nats.Connect(cfg.URL,
		nats.Name("lorawan-node-"+device),
		nats.UserInfo(cfg.Username, cfg.Password),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSPublisher{
		nc:     nc,
		events: events,
		input:  input,
		device: device,
		logger: logger,
	}, nil
}

// Start subscribes to operator input and node events.
func (p *NATSPublisher) Start() error {
	sub, err := p.nc.Subscribe(Subject(p.device, "input"), p.handleInput)
	if err != nil {
		return fmt.Errorf("subscribe input: %w", err)
	}
	p.sub = sub
	p.unsub = p.events.OnAll(p.handleEvent)
	p.logger.Info("NATS publisher started", "subject", Subject(p.device, ">"))
	return nil
}

// Rebind moves the publisher to the event bus of a new node instance.
func (p *NATSPublisher) Rebind(events *node.EventBus) {
	if p.unsub != nil {
		p.unsub()
	}
	p.events = events
	p.unsub = events.OnAll(p.handleEvent)
}

// Stop unsubscribes and drains the connection.
func (p *NATSPublisher) Stop() {
	if p.unsub != nil {
		p.unsub()
	}
	if p.sub != nil {
		if err := p.sub.Unsubscribe(); err != nil {
			p.logger.Warn("unsubscribe input", "err", err)
		}
	}
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("NATS drain", "err", err)
	}
	p.logger.Info("NATS publisher stopped")
}

func (p *NATSPublisher) handleEvent(ev node.Event) {
	msg := eventMsg(p.device, NewMessage(p.device, ev, time.Now()))
	if err := p.nc.PublishMsg(msg); err != nil {
		p.logger.Warn("NATS publish", "subject", msg.Subject, "err", err)
	}
}

// eventMsg builds the NATS message of m. The message id doubles as the
// JetStream deduplication id.
func eventMsg(device string, m Message) *nats.Msg {
	msg := nats.NewMsg(Subject(device, m.Type))
	msg.Header.Set(nats.MsgIdHdr, m.ID)
	msg.Data = mustJSON(m)
	return msg
}

func (p *NATSPublisher) handleInput(msg *nats.Msg) {
	keys := ParseInput(msg.Data)
	if len(keys) == 0 {
		p.logger.Warn("empty NATS input", "subject", msg.Subject)
		return
	}
	n := p.input.Feed(keys...)
	if msg.Reply != "" {
		if err := msg.Respond(mustJSON(map[string]int{"accepted": n})); err != nil {
			p.logger.Warn("NATS respond", "err", err)
		}
	}
}
