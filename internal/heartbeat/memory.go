package heartbeat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/rankwatch/pkg/types"
)

// ErrClosed is returned by senders of a closed in-memory channel.
var ErrClosed = errors.New("heartbeat: channel closed")

// Memory is an in-process channel for single-host runs and tests. Records
// are encoded on the way in so the receive path matches the network one.
// A full buffer drops the record, like a lost datagram.
type Memory struct {
	ch        chan []byte
	dec       *decoder
	dropped   atomic.Uint64
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewMemory creates a channel that buffers up to size records.
func NewMemory(size int, opts Options) *Memory {
	if size <= 0 {
		size = 1024
	}
	return &Memory{ch: make(chan []byte, size), dec: newDecoder("memory", opts)}
}

// Send implements Sender.
func (m *Memory) Send(hb types.Heartbeat) error {
	return m.SendRaw(Encode(hb))
}

// SendRaw injects an already encoded record.
func (m *Memory) SendRaw(b []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	select {
	case m.ch <- b:
	default:
		m.dropped.Add(1)
	}
	return nil
}

// Dropped counts records lost to a full buffer.
func (m *Memory) Dropped() uint64 {
	return m.dropped.Load()
}

// Run implements Receiver.
func (m *Memory) Run(ctx context.Context, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b, ok := <-m.ch:
			if !ok {
				return nil
			}
			m.dec.handle(b, sink)
		}
	}
}

func (m *Memory) Stats() Stats {
	return m.dec.stats()
}

// Close stops Run once buffered records are drained.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.ch)
		m.mu.Unlock()
	})
	return nil
}
