package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes each envelope on <prefix>.<event type>. The event id is
// set as Nats-Msg-Id so a JetStream stream on those subjects drops
// redeliveries.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	url    string
}

func DialNATS(url, prefix string) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name("foreman"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSSink{conn: nc, prefix: prefix, url: url}, nil
}

// Subject maps an event type to its NATS subject.
func Subject(prefix, eventType string) string {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		return eventType
	}
	return prefix + "." + eventType
}

func (s *NATSSink) Name() string { return "nats:" + s.url }

func (s *NATSSink) Accepts(string) bool { return true }

func (s *NATSSink) Deliver(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(Subject(s.prefix, env.Type))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, strconv.FormatInt(env.ID, 10))
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", msg.Subject, err)
	}
	return s.conn.FlushWithContext(ctx)
}

func (s *NATSSink) Close() {
	s.conn.Close()
}
