package heartbeat

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/rankwatch/pkg/types"
)

// Sender emits heartbeats. Send never blocks on the receiver; delivery is
// best-effort and at-most-once, and an error only means this record is lost.
type Sender interface {
	Send(hb types.Heartbeat) error
	Close() error
}

// Sink consumes decoded heartbeats. Deliver must not block for long.
type Sink interface {
	Deliver(hb types.Heartbeat)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(hb types.Heartbeat)

func (f SinkFunc) Deliver(hb types.Heartbeat) { f(hb) }

// Receiver reads heartbeats off a transport until ctx is done.
type Receiver interface {
	Run(ctx context.Context, sink Sink) error
	Stats() Stats
	Close() error
}

// Stats counts what a receiver has seen.
type Stats struct {
	Received  uint64
	Malformed uint64
}

// Options tune a receiver.
type Options struct {
	Logger *slog.Logger

	// OnMalformed is called for every dropped record, typically a metrics hook.
	OnMalformed func(err error)

	// WarnEvery bounds how often malformed records are logged. Default 10s.
	WarnEvery time.Duration
}

// decoder is shared by every transport: decode, count, deliver.
type decoder struct {
	log         *slog.Logger
	onMalformed func(error)
	warn        *rate.Limiter

	received  atomic.Uint64
	malformed atomic.Uint64
}

func newDecoder(transport string, opts Options) *decoder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	every := opts.WarnEvery
	if every <= 0 {
		every = 10 * time.Second
	}
	return &decoder{
		log:         logger.With("component", "heartbeat", "transport", transport),
		onMalformed: opts.OnMalformed,
		warn:        rate.NewLimiter(rate.Every(every), 1),
	}
}

func (d *decoder) handle(b []byte, sink Sink) {
	hb, err := Decode(b)
	if err != nil {
		total := d.malformed.Add(1)
		if d.onMalformed != nil {
			d.onMalformed(err)
		}
		if d.warn.Allow() {
			d.log.Warn("dropping malformed heartbeat", "error", err, "bytes", len(b), "malformed_total", total)
		}
		return
	}
	d.received.Add(1)
	sink.Deliver(hb)
}

func (d *decoder) stats() Stats {
	return Stats{Received: d.received.Load(), Malformed: d.malformed.Load()}
}
