// Package heartbeat answers the robot's cloud liveness probes so it keeps
// its Wi-Fi up with no internet path. One UDP socket and one TCP listener
// share a port and the same packet classification.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/serphen/roborock-offline/internal/protocol"
	"go.uber.org/zap"
)

const maxDatagram = 1024

// Options configures a Responder.
type Options struct {
	// Address is the host:port both listeners bind.
	Address string
	// ReadTimeout bounds each TCP read so a silent robot cannot pin a
	// handler forever. Zero selects a 90s default.
	ReadTimeout time.Duration
	Metrics     *Metrics
}

// Responder owns the heartbeat listeners.
type Responder struct {
	log     *zap.Logger
	opts    Options
	metrics *Metrics

	mu  sync.Mutex
	udp *net.UDPConn
	tcp net.Listener

	// now split out for tests.
	now func() time.Time
}

// NewResponder wires a responder; Start binds and serves.
func NewResponder(log *zap.Logger, opts Options) *Responder {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 90 * time.Second
	}
	return &Responder{log: log, opts: opts, metrics: opts.Metrics, now: time.Now}
}

// Start binds both listeners and serves until ctx is canceled. It blocks.
func (r *Responder) Start(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp", r.opts.Address)
	if err != nil {
		return fmt.Errorf("resolve heartbeat address %s: %w", r.opts.Address, err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", r.opts.Address, err)
	}
	tcp, err := net.Listen("tcp", r.opts.Address)
	if err != nil {
		udp.Close()
		return fmt.Errorf("listen tcp %s: %w", r.opts.Address, err)
	}
	r.mu.Lock()
	r.udp, r.tcp = udp, tcp
	r.mu.Unlock()
	r.log.Info("heartbeat responder listening",
		zap.String("udp", udp.LocalAddr().String()),
		zap.String("tcp", tcp.Addr().String()))

	go func() {
		<-ctx.Done()
		udp.Close()
		tcp.Close()
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- r.serveUDP(udp) }()
	go func() { errCh <- r.serveTCP(ctx, tcp) }()

	// Either loop dying means the responder can no longer honor its
	// contract; take the surviving listener down with it so the second
	// loop unwinds instead of serving half-alive.
	err = <-errCh
	udp.Close()
	tcp.Close()
	if err2 := <-errCh; err == nil {
		err = err2
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Addr reports the bound TCP address; valid only after Start has bound.
func (r *Responder) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tcp == nil {
		return nil
	}
	return r.tcp.Addr()
}

// UDPAddr reports the bound UDP address; valid only after Start has bound.
func (r *Responder) UDPAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.udp == nil {
		return nil
	}
	return r.udp.LocalAddr()
}

func (r *Responder) serveUDP(udp *net.UDPConn) error {
	buf := make([]byte, maxDatagram)
	for {
		n, peer, err := udp.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("heartbeat udp read: %w", err)
		}
		if reply := r.handlePacket(buf[:n], peer.String(), "udp"); reply != nil {
			if _, err := udp.WriteToUDP(reply, peer); err != nil {
				r.log.Warn("heartbeat udp reply failed",
					zap.String("peer", peer.String()), zap.Error(err))
			}
		}
	}
}

func (r *Responder) serveTCP(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("heartbeat tcp accept: %w", err)
		}
		go r.handleConn(ctx, conn)
	}
}

// handleConn reassembles length-prefixed probes off one TCP connection.
// Unclassified but well-formed messages leave the connection open, matching
// the robot's expectations; malformed input closes it.
func (r *Responder) handleConn(ctx context.Context, conn net.Conn) {
	r.metrics.incConn()
	defer r.metrics.decConn()
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	peer := conn.RemoteAddr().String()
	hdr := make([]byte, 4)
	for {
		if err := conn.SetReadDeadline(r.now().Add(r.opts.ReadTimeout)); err != nil {
			return
		}
		if _, err := io.ReadFull(conn, hdr); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				r.log.Debug("heartbeat tcp read ended", zap.String("peer", peer), zap.Error(err))
			}
			return
		}
		length, ok := protocol.ReadBeaconLength(hdr)
		if !ok || length > maxDatagram {
			r.metrics.recordMalformed()
			r.log.Warn("heartbeat tcp header malformed", zap.String("peer", peer))
			return
		}
		pkt := make([]byte, length)
		copy(pkt, hdr)
		if _, err := io.ReadFull(conn, pkt[4:]); err != nil {
			r.log.Debug("heartbeat tcp body read failed", zap.String("peer", peer), zap.Error(err))
			return
		}
		if reply := r.handlePacket(pkt, peer, "tcp"); reply != nil {
			if err := conn.SetWriteDeadline(r.now().Add(r.opts.ReadTimeout)); err != nil {
				return
			}
			if _, err := conn.Write(reply); err != nil {
				r.log.Warn("heartbeat tcp reply failed", zap.String("peer", peer), zap.Error(err))
				return
			}
		}
	}
}

// handlePacket classifies one probe and returns the reply to send, if any.
func (r *Responder) handlePacket(pkt []byte, peer, transport string) []byte {
	kind, reply := protocol.ClassifyBeacon(pkt, r.now())
	switch kind {
	case protocol.BeaconMalformed:
		r.metrics.recordMalformed()
		r.log.Debug("heartbeat packet malformed",
			zap.String("peer", peer), zap.String("transport", transport), zap.Int("len", len(pkt)))
		return nil
	case protocol.BeaconHello:
		r.log.Info("heartbeat hello",
			zap.Uint32("did", protocol.BeaconDID(pkt)), zap.String("peer", peer), zap.String("transport", transport))
	case protocol.BeaconPing:
		r.log.Debug("heartbeat ping",
			zap.Uint32("did", protocol.BeaconDID(pkt)), zap.String("peer", peer), zap.String("transport", transport))
	case protocol.BeaconOther:
		r.log.Info("heartbeat message ignored",
			zap.Uint32("did", protocol.BeaconDID(pkt)), zap.String("peer", peer), zap.String("transport", transport))
	}
	r.metrics.recordProbe(kind.String(), transport)
	return reply
}
