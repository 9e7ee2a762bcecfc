package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lucasnoah/agentgate/internal/audit"
)

// Inbound is a chat message arriving over NATS.
type Inbound struct {
	Requester string `json:"requester"`
	Channel   string `json:"channel"`
	Text      string `json:"text"`
	Locale    string `json:"locale,omitempty"`
}

// InboundHandler answers an inbound message. An empty reply sends nothing.
type InboundHandler func(ctx context.Context, in Inbound) (reply string, err error)

// Bus publishes notifications and lifecycle events on NATS and feeds inbound
// chat messages to a handler.
//
//	<prefix>.outbound.<channel>.<requester>   notifications and replies
//	<prefix>.sessions.<session_id>.<phase>    lifecycle events
//	<prefix>.inbound.<channel>                inbound messages
type Bus struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
	sub    *nats.Subscription
}

// Connect dials url and returns a Bus publishing under prefix.
func Connect(url, prefix string, logger *zap.Logger) (*Bus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("agentgate"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return NewBus(nc, prefix, logger), nil
}

// NewBus wraps an existing connection.
func NewBus(nc *nats.Conn, prefix string, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{nc: nc, prefix: prefix, logger: logger}
}

// OutboundSubject is where messages for a requester are published.
func (b *Bus) OutboundSubject(channel, requester string) string {
	return fmt.Sprintf("%s.outbound.%s.%s", b.prefix, token(channel), token(requester))
}

// SessionSubject is where lifecycle events for a session are published.
func (b *Bus) SessionSubject(sessionID, phase string) string {
	if phase == "" {
		phase = "session"
	}
	return fmt.Sprintf("%s.sessions.%s.%s", b.prefix, token(sessionID), token(phase))
}

// token makes s safe as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Notify publishes n to the requester's outbound subject.
func (b *Bus) Notify(_ context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := b.nc.Publish(b.OutboundSubject(n.Channel, n.Requester), data); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// WriteAudit publishes an audit entry as a lifecycle event.
func (b *Bus) WriteAudit(_ context.Context, e audit.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.nc.Publish(b.SessionSubject(e.SessionID, string(e.Phase)), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe feeds <prefix>.inbound.> to h. Replies go to the message's reply
// subject when set, otherwise to the sender's outbound subject.
func (b *Bus) Subscribe(ctx context.Context, h InboundHandler) error {
	sub, err := b.nc.Subscribe(b.prefix+".inbound.>", func(msg *nats.Msg) {
		var in Inbound
		if err := json.Unmarshal(msg.Data, &in); err != nil {
			b.logger.Warn("discarding malformed inbound message", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if in.Channel == "" {
			in.Channel = strings.TrimPrefix(msg.Subject, b.prefix+".inbound.")
		}
		reply, err := h(ctx, in)
		if err != nil {
			b.logger.Error("inbound handler failed", zap.String("requester", in.Requester), zap.Error(err))
			return
		}
		if reply == "" {
			return
		}
		out := Notification{Requester: in.Requester, Channel: in.Channel, Locale: in.Locale, Text: reply}
		data, _ := json.Marshal(out)
		if msg.Reply != "" {
			err = msg.Respond(data)
		} else {
			err = b.nc.Publish(b.OutboundSubject(in.Channel, in.Requester), data)
		}
		if err != nil {
			b.logger.Warn("send reply", zap.String("requester", in.Requester), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe inbound: %w", err)
	}
	b.sub = sub
	return nil
}

// Close drains the connection.
func (b *Bus) Close() error {
	if b.nc == nil {
		return nil
	}
	return b.nc.Drain()
}

var (
	_ Notifier     = (*Bus)(nil)
	_ audit.Writer = (*Bus)(nil)
)
