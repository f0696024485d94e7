package heartbeat

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func startResponder(t *testing.T) (*Responder, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := NewResponder(zaptest.NewLogger(t), Options{
		Address:     "127.0.0.1:0",
		ReadTimeout: 2 * time.Second,
	})
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("responder did not stop")
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for r.Addr() == nil || r.UDPAddr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("responder did not bind")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return r, cancel
}

func helloProbe() []byte {
	pkt := make([]byte, 32)
	pkt[0] = 0x21
	pkt[1] = 0x31
	binary.BigEndian.PutUint16(pkt[2:4], 32)
	for i := 4; i < 12; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

func pingProbe(did uint32) []byte {
	pkt := make([]byte, 32)
	pkt[0] = 0x21
	pkt[1] = 0x31
	binary.BigEndian.PutUint16(pkt[2:4], 32)
	binary.BigEndian.PutUint32(pkt[8:12], did)
	return pkt
}

func TestUDPHelloReply(t *testing.T) {
	r, _ := startResponder(t)

	conn, err := net.Dial("udp", r.UDPAddr().String())
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(helloProbe()); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply := make([]byte, 64)
	n, err := conn.Read(reply)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if n != 32 {
		t.Fatalf("reply length %d", n)
	}
	ts := binary.BigEndian.Uint32(reply[12:16])
	if d := time.Since(time.Unix(int64(ts), 0)); d < 0 || d > time.Minute {
		t.Fatalf("timestamp slot not current: %d", ts)
	}
}

func TestTCPPingEchoAndIgnore(t *testing.T) {
	r, _ := startResponder(t)

	conn, err := net.Dial("tcp", r.Addr().String())
	if err != nil {
		t.Fatalf("dial tcp: %v", err)
	}
	defer conn.Close()

	ping := pingProbe(0xA1B2C3D4)
	if _, err := conn.Write(ping); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply := make([]byte, 32)
	if _, err := readFull(conn, reply); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(reply, ping) {
		t.Fatal("ping not echoed verbatim")
	}

	// A well-formed but unclassified message is ignored and the
	// connection stays open for the next probe.
	other := make([]byte, 64)
	other[0] = 0x21
	other[1] = 0x31
	binary.BigEndian.PutUint16(other[2:4], 64)
	binary.BigEndian.PutUint32(other[8:12], 7)
	if _, err := conn.Write(other); err != nil {
		t.Fatalf("write other: %v", err)
	}
	if _, err := conn.Write(ping); err != nil {
		t.Fatalf("write second ping: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFull(conn, reply); err != nil {
		t.Fatalf("read second echo: %v", err)
	}
	if !bytes.Equal(reply, ping) {
		t.Fatal("second ping not echoed")
	}
}

func TestMalformedDoesNotKillListener(t *testing.T) {
	r, _ := startResponder(t)

	bad, err := net.Dial("udp", r.UDPAddr().String())
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer bad.Close()
	if _, err := bad.Write([]byte{0xde, 0xad, 0xbe, 0xef}); err != nil {
		t.Fatalf("write junk: %v", err)
	}
	bad.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, err := bad.Read(make([]byte, 16)); err == nil {
		t.Fatal("malformed packet must not be answered")
	}

	// Listener still alive for valid probes.
	good, err := net.Dial("udp", r.UDPAddr().String())
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer good.Close()
	if _, err := good.Write(pingProbe(1)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	good.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := good.Read(make([]byte, 64)); err != nil {
		t.Fatalf("listener dead after malformed packet: %v", err)
	}
}

func TestDeadServeLoopUnblocksStart(t *testing.T) {
	r := NewResponder(zaptest.NewLogger(t), Options{
		Address:     "127.0.0.1:0",
		ReadTimeout: 2 * time.Second,
	})
	done := make(chan error, 1)
	go func() { done <- r.Start(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for r.Addr() == nil || r.UDPAddr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("responder did not bind")
		}
		time.Sleep(10 * time.Millisecond)
	}
	udpAddr := r.UDPAddr().String()

	// Kill the TCP accept loop out from under the responder, as fd
	// exhaustion would.
	r.mu.Lock()
	tcp := r.tcp
	r.mu.Unlock()
	tcp.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start still blocked after a serve loop died")
	}

	// The UDP listener must have been torn down with it, not left serving
	// half-alive.
	conn, err := net.Dial("udp", udpAddr)
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(pingProbe(1)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, err := conn.Read(make([]byte, 64)); err == nil {
		t.Fatal("UDP listener still answering after the TCP loop died")
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
