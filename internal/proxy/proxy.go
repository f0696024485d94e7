// Package proxy terminates the app's session connection to the robot,
// decodes each frame with the pre-shared device key, answers peer-connection
// negotiation requests itself, and relays everything else to the robot
// byte-exact. The robot-to-app direction is a plain byte pipe: frames we do
// not synthesize are never altered.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/serphen/roborock-offline/internal/identity"
	"github.com/serphen/roborock-offline/internal/protocol"
	"go.uber.org/zap"
)

// Options configures the interception proxy.
type Options struct {
	// Address is the host:port the TCP listener binds.
	Address string
	// TargetAddress is the robot address used when transparent original-
	// destination recovery is unavailable or points back at the proxy.
	TargetAddress string
	// ReadTimeout bounds each frame read from the app side.
	ReadTimeout time.Duration
	// DialTimeout bounds the upstream connection to the robot.
	DialTimeout time.Duration
	// MaxPayload caps the frame payload length field; zero selects the
	// codec default.
	MaxPayload int
	Rules      RuleTable
	Metrics    *Metrics
}

// Proxy owns the session listener. All sessions share only the read-only
// device identity and rule table; everything mutable is session-scoped.
type Proxy struct {
	log     *zap.Logger
	opts    Options
	device  identity.DeviceIdentity
	cipher  *protocol.Cipher
	metrics *Metrics

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup

	// split out for tests.
	lookupDst func(*net.TCPConn) (string, error)
	now       func() time.Time
}

// New wires a proxy for the given device. Start binds and serves.
func New(log *zap.Logger, device identity.DeviceIdentity, opts Options) *Proxy {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 90 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return &Proxy{
		log:       log,
		opts:      opts,
		device:    device,
		cipher:    protocol.NewCipher(device.LocalKey),
		metrics:   opts.Metrics,
		lookupDst: originalDst,
		now:       time.Now,
	}
}

// Start binds the listener and serves until ctx is canceled, then waits for
// in-flight sessions to unwind. It blocks.
func (p *Proxy) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.opts.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", p.opts.Address, err)
	}
	p.mu.Lock()
	p.ln = ln
	p.mu.Unlock()
	p.log.Info("session proxy listening",
		zap.String("address", ln.Addr().String()),
		zap.String("device", p.device.DUID),
		zap.String("name", p.device.Name))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			p.wg.Wait()
			return fmt.Errorf("accept: %w", err)
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handleSession(ctx, conn)
		}()
	}
	p.wg.Wait()
	return nil
}

// Addr reports the bound address; valid only after Start has bound.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

// resolveTarget picks the robot address for one accepted connection.
func (p *Proxy) resolveTarget(conn net.Conn) (string, error) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		if dst, err := p.lookupDst(tcp); err == nil {
			// A destination equal to our own bind means the REDIRECT
			// rule looped traffic we originated; fall back.
			if self := p.Addr(); self == nil || dst != self.String() {
				return dst, nil
			}
		} else {
			p.log.Debug("original destination lookup failed", zap.Error(err))
		}
	}
	if p.opts.TargetAddress != "" {
		return p.opts.TargetAddress, nil
	}
	return "", errors.New("no robot target: original destination unavailable and no target_address configured")
}

func (p *Proxy) handleSession(ctx context.Context, client net.Conn) {
	defer client.Close()

	target, err := p.resolveTarget(client)
	if err != nil {
		p.metrics.recordError("no_target")
		p.log.Error("session rejected", zap.String("peer", client.RemoteAddr().String()), zap.Error(err))
		return
	}

	robot, err := net.DialTimeout("tcp", target, p.opts.DialTimeout)
	if err != nil {
		p.metrics.recordError("dial")
		p.log.Error("robot dial failed",
			zap.String("peer", client.RemoteAddr().String()),
			zap.String("target", target), zap.Error(err))
		return
	}
	defer robot.Close()

	s := &session{
		proxy:     p,
		client:    client,
		robot:     robot,
		crypto:    protocol.NewSessionCrypto(p.cipher),
		createdAt: p.now(),
		log: p.log.With(
			zap.String("peer", client.RemoteAddr().String()),
			zap.String("target", target)),
	}
	p.metrics.incSession()
	defer p.metrics.decSession()
	s.log.Info("session established")

	stop := context.AfterFunc(ctx, func() {
		client.Close()
		robot.Close()
	})
	defer stop()

	// Robot-to-app is relayed verbatim; only the app-to-robot direction
	// carries requests worth inspecting.
	pipeDone := make(chan struct{})
	go func() {
		defer close(pipeDone)
		_, _ = io.Copy(client, robot)
		client.Close()
	}()

	s.relay()
	robot.Close()
	<-pipeDone
	s.log.Info("session closed",
		zap.Duration("lifetime", p.now().Sub(s.createdAt)),
		zap.String("last_method", s.lastMethod))
}

// session is owned by exactly one worker goroutine; nothing here is shared.
type session struct {
	proxy      *Proxy
	client     net.Conn
	robot      net.Conn
	crypto     *protocol.SessionCrypto
	log        *zap.Logger
	lastMethod string
	createdAt  time.Time
}

// relay runs the steady-state loop: decode, decrypt, classify, rewrite or
// forward. Any framing/crypto/transport failure ends the session; a
// desynchronized encrypted stream cannot be resumed.
func (s *session) relay() {
	fr := protocol.NewFrameReader(s.client, s.proxy.opts.MaxPayload)
	for {
		if err := s.client.SetReadDeadline(s.proxy.now().Add(s.proxy.opts.ReadTimeout)); err != nil {
			return
		}
		f, err := fr.Next()
		if err != nil {
			s.closeReason(err)
			return
		}
		outcome, err := s.handleFrame(f)
		if err != nil {
			s.closeReason(err)
			return
		}
		s.proxy.metrics.recordFrame(outcome)
	}
}

func (s *session) closeReason(err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		s.log.Debug("peer closed session")
	case errors.Is(err, protocol.ErrFraming):
		s.proxy.metrics.recordError("framing")
		s.log.Warn("session framing error", zap.String("last_method", s.lastMethod), zap.Error(err))
	case errors.Is(err, protocol.ErrCrypto):
		s.proxy.metrics.recordError("crypto")
		s.log.Warn("session crypto error", zap.String("last_method", s.lastMethod), zap.Error(err))
	default:
		s.proxy.metrics.recordError("transport")
		s.log.Warn("session transport error", zap.String("last_method", s.lastMethod), zap.Error(err))
	}
}

// handleFrame processes one inbound frame and reports the outcome label.
func (s *session) handleFrame(f protocol.Frame) (string, error) {
	plain, err := s.crypto.Decrypt(protocol.FromPeer, f)
	if err != nil {
		return "", err
	}

	if f.Control() || len(plain) == 0 {
		return "control", s.forward(f)
	}

	msg, ok := protocol.ParseMessage(plain)
	if !ok {
		return "passthrough", s.forward(f)
	}
	s.lastMethod = msg.Method

	rewrite, ok := s.proxy.opts.Rules.Lookup(msg.Method)
	if !ok {
		return "passthrough", s.forward(f)
	}

	reply, err := rewrite(msg)
	if err != nil {
		// Forwarding a half-handled negotiation request upstream would
		// hand the app a cloud relay again; fail the session instead.
		return "", fmt.Errorf("rewrite %s: %w", msg.Method, err)
	}
	if err := s.respond(f, reply); err != nil {
		return "", err
	}
	s.log.Info("request intercepted",
		zap.String("method", msg.Method), zap.Int64("request_id", msg.ID))
	return "intercepted", nil
}

// forward re-encodes the frame unchanged toward the robot. The cipher is
// deterministic per (timestamp, key), so the wire bytes match the original
// frame exactly.
func (s *session) forward(f protocol.Frame) error {
	wire, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	if err := s.robot.SetWriteDeadline(s.proxy.now().Add(s.proxy.opts.ReadTimeout)); err != nil {
		return err
	}
	if _, err := s.robot.Write(wire); err != nil {
		return fmt.Errorf("forward to robot: %w", err)
	}
	return nil
}

// respond encrypts and writes a synthesized reply back to the originating
// connection. Nothing reaches the robot for this frame.
func (s *session) respond(req protocol.Frame, reply protocol.Message) error {
	payload, err := protocol.EncodeReply(reply)
	if err != nil {
		return err
	}
	rf := protocol.Frame{
		Seq:       req.Seq + 1,
		Random:    req.Random,
		Timestamp: uint32(s.proxy.now().Unix()),
		Protocol:  req.Protocol,
	}
	if err := s.crypto.Encrypt(protocol.ToPeer, &rf, payload); err != nil {
		return err
	}
	wire, err := protocol.Encode(rf)
	if err != nil {
		return err
	}
	if err := s.client.SetWriteDeadline(s.proxy.now().Add(s.proxy.opts.ReadTimeout)); err != nil {
		return err
	}
	if _, err := s.client.Write(wire); err != nil {
		return fmt.Errorf("reply to app: %w", err)
	}
	return nil
}
