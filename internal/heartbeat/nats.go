package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ChuLiYu/rankwatch/pkg/types"
)

// SubjectPrefix namespaces heartbeat subjects per run.
const SubjectPrefix = "rankwatch.heartbeat."

// Subject returns the NATS subject heartbeats of one run are published on.
func Subject(runID string) string {
	return SubjectPrefix + runID
}

// ConnectNATS dials a NATS server with settings suited to a lossy
// heartbeat stream: reconnect forever, short connect timeout.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	opts := []nats.Option{
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.Timeout(5 * time.Second),
	}
	if name != "" {
		opts = append(opts, nats.Name(name))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// NATSSender publishes heartbeats with core NATS (at-most-once).
type NATSSender struct {
	conn    *nats.Conn
	subject string
	owned   bool
}

// NewNATSSender publishes on Subject(runID) over an existing connection.
// Close leaves the connection open.
func NewNATSSender(conn *nats.Conn, runID string) *NATSSender {
	return &NATSSender{conn: conn, subject: Subject(runID)}
}

// DialNATS connects and returns a sender that owns its connection.
func DialNATS(url, runID string) (*NATSSender, error) {
	nc, err := ConnectNATS(url, "rankwatch-agent")
	if err != nil {
		return nil, err
	}
	return &NATSSender{conn: nc, subject: Subject(runID), owned: true}, nil
}

// Send buffers the record in the client; it does not wait for the server.
func (s *NATSSender) Send(hb types.Heartbeat) error {
	if s.conn.IsClosed() {
		return nats.ErrConnectionClosed
	}
	return s.conn.Publish(s.subject, Encode(hb))
}

func (s *NATSSender) Close() error {
	if s.owned {
		s.conn.Close()
	}
	return nil
}

// NATSReceiver subscribes to one run's heartbeat subject.
type NATSReceiver struct {
	conn    *nats.Conn
	subject string
	dec     *decoder
}

// NewNATSReceiver subscribes lazily in Run.
func NewNATSReceiver(conn *nats.Conn, runID string, opts Options) *NATSReceiver {
	return &NATSReceiver{conn: conn, subject: Subject(runID), dec: newDecoder("nats", opts)}
}

// Run delivers heartbeats until ctx is done.
func (r *NATSReceiver) Run(ctx context.Context, sink Sink) error {
	sub, err := r.conn.Subscribe(r.subject, func(m *nats.Msg) {
		r.dec.handle(m.Data, sink)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", r.subject, err)
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	return nil
}

func (r *NATSReceiver) Stats() Stats {
	return r.dec.stats()
}

// Close is a no-op; the connection belongs to the caller.
func (r *NATSReceiver) Close() error {
	return nil
}
