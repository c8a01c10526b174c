package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/ChuLiYu/rankwatch/pkg/types"
)

// maxDatagram comfortably exceeds any record Encode produces.
const maxDatagram = 1024

// UDPSender writes one datagram per heartbeat.
type UDPSender struct {
	conn *net.UDPConn
}

// DialUDP connects a sender to the supervisor's heartbeat address.
func DialUDP(addr string) (*UDPSender, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve heartbeat address %q: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial heartbeat address %q: %w", addr, err)
	}
	return &UDPSender{conn: conn}, nil
}

func (s *UDPSender) Send(hb types.Heartbeat) error {
	_, err := s.conn.Write(Encode(hb))
	return err
}

func (s *UDPSender) Close() error {
	return s.conn.Close()
}

// UDPReceiver listens for heartbeat datagrams.
type UDPReceiver struct {
	conn      *net.UDPConn
	dec       *decoder
	closeOnce sync.Once
}

// ListenUDP binds the receiver. Use "127.0.0.1:0" for an ephemeral port.
func ListenUDP(addr string, opts Options) (*UDPReceiver, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve listen address %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %q: %w", addr, err)
	}
	return &UDPReceiver{conn: conn, dec: newDecoder("udp", opts)}, nil
}

// Addr is the bound address, useful with an ephemeral port.
func (r *UDPReceiver) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// Run reads datagrams until ctx is done or the receiver is closed.
func (r *UDPReceiver) Run(ctx context.Context, sink Sink) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			r.Close()
		case <-done:
		}
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("heartbeat udp read: %w", err)
		}
		r.dec.handle(buf[:n], sink)
	}
}

func (r *UDPReceiver) Stats() Stats {
	return r.dec.stats()
}

func (r *UDPReceiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.conn.Close()
	})
	return err
}
