package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/serphen/roborock-offline/internal/identity"
	"github.com/serphen/roborock-offline/internal/protocol"
	"go.uber.org/zap/zaptest"
)

const testKey = "4jqPcqZh2tXJrdNO"

// fakeRobot accepts one connection per session and reports every byte it
// receives.
type fakeRobot struct {
	ln       net.Listener
	received chan []byte
}

func startFakeRobot(t *testing.T) *fakeRobot {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("robot listen: %v", err)
	}
	r := &fakeRobot{ln: ln, received: make(chan []byte, 16)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						r.received <- append([]byte(nil), buf[:n]...)
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return r
}

func startProxy(t *testing.T, target string) *Proxy {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	p := New(zaptest.NewLogger(t), identity.DeviceIdentity{LocalKey: testKey, DUID: "test-duid"}, Options{
		Address:       "127.0.0.1:0",
		TargetAddress: target,
		ReadTimeout:   2 * time.Second,
		DialTimeout:   time.Second,
		Rules:         DefaultRules("turn:192.168.8.1:3478", "mitm_user", "mitm_password"),
	})
	p.lookupDst = func(*net.TCPConn) (string, error) {
		return "", errors.New("no nat state in tests")
	}

	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("proxy did not stop")
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for p.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("proxy did not bind")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return p
}

func rpcFrame(t *testing.T, c *protocol.Cipher, seq uint32, body string) []byte {
	t.Helper()
	ts := uint32(time.Now().Unix())
	f := protocol.Frame{
		Seq:       seq,
		Random:    4242,
		Timestamp: ts,
		Protocol:  protocol.ProtoRPCRequest,
		Payload:   c.Encrypt([]byte(body), ts),
	}
	wire, err := protocol.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return wire
}

func TestPassthroughIsByteIdentical(t *testing.T) {
	robot := startFakeRobot(t)
	p := startProxy(t, robot.ln.Addr().String())
	c := protocol.NewCipher(testKey)

	conn, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	wire := rpcFrame(t, c, 1, `{"id":900,"method":"get_status","params":[]}`)
	if _, err := conn.Write(wire); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-robot.received:
		if !bytes.Equal(got, wire) {
			t.Fatalf("passthrough altered bytes:\n got %x\nwant %x", got, wire)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("robot never received the forwarded frame")
	}
}

func TestOpaquePayloadPassesThrough(t *testing.T) {
	robot := startFakeRobot(t)
	p := startProxy(t, robot.ln.Addr().String())
	c := protocol.NewCipher(testKey)

	conn, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	// Valid frame, valid crypto, but the plaintext is not an RPC shape.
	wire := rpcFrame(t, c, 1, "\x00\x01binary map fragment")
	if _, err := conn.Write(wire); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case got := <-robot.received:
		if !bytes.Equal(got, wire) {
			t.Fatal("opaque payload altered in flight")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("opaque frame not forwarded")
	}
}

func TestNegotiationIntercepted(t *testing.T) {
	robot := startFakeRobot(t)
	p := startProxy(t, robot.ln.Addr().String())
	c := protocol.NewCipher(testKey)

	conn, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(rpcFrame(t, c, 10, `{"id":77,"method":"get_turn_server","params":[]}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	fr := protocol.NewFrameReader(conn, 0)
	reply, err := fr.Next()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Seq != 11 {
		t.Fatalf("reply seq %d, want request+1", reply.Seq)
	}
	plain, err := c.Decrypt(reply.Payload, reply.Timestamp)
	if err != nil {
		t.Fatalf("decrypt reply: %v", err)
	}
	var body struct {
		ID     int64 `json:"id"`
		Result struct {
			URL  string `json:"url"`
			User string `json:"user"`
		} `json:"result"`
	}
	if err := json.Unmarshal(plain, &body); err != nil {
		t.Fatalf("unmarshal reply %s: %v", plain, err)
	}
	if body.ID != 77 {
		t.Fatalf("reply id %d", body.ID)
	}
	if body.Result.URL != "turn:192.168.8.1:3478" {
		t.Fatalf("reply must point at the bridge, got %s", body.Result.URL)
	}

	// The negotiation request must never reach the robot.
	select {
	case got := <-robot.received:
		t.Fatalf("robot received %d bytes for an intercepted request", len(got))
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWrappedNegotiationIntercepted(t *testing.T) {
	robot := startFakeRobot(t)
	p := startProxy(t, robot.ln.Addr().String())
	c := protocol.NewCipher(testKey)

	inner := `{"id":31,"method":"get_turn_server","params":[]}`
	env, err := json.Marshal(map[string]any{
		"dps": map[string]string{"101": inner},
		"t":   time.Now().Unix(),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	conn, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(rpcFrame(t, c, 1, string(env))); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	fr := protocol.NewFrameReader(conn, 0)
	reply, err := fr.Next()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	plain, err := c.Decrypt(reply.Payload, reply.Timestamp)
	if err != nil {
		t.Fatalf("decrypt reply: %v", err)
	}
	if !strings.Contains(string(plain), `"102"`) {
		t.Fatalf("wrapped request must get a dps-wrapped reply, got %s", plain)
	}
}

func TestSequenceRegressionClosesSession(t *testing.T) {
	robot := startFakeRobot(t)
	p := startProxy(t, robot.ln.Addr().String())
	c := protocol.NewCipher(testKey)

	conn, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(rpcFrame(t, c, 50, `{"id":1,"method":"get_status"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	<-robot.received

	if _, err := conn.Write(rpcFrame(t, c, 49, `{"id":2,"method":"get_status"}`)); err != nil {
		t.Fatalf("write regressed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	if err == nil {
		t.Fatal("expected teardown after sequence regression")
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		t.Fatal("proxy left the session open after sequence regression")
	}
}

func TestMalformedFrameClosesSession(t *testing.T) {
	robot := startFakeRobot(t)
	p := startProxy(t, robot.ln.Addr().String())

	conn, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("2.0garbagegarbagegarbagegarbage")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected connection teardown after malformed frame")
	}
}

func TestConcurrentSessionsAreIsolated(t *testing.T) {
	robot := startFakeRobot(t)
	p := startProxy(t, robot.ln.Addr().String())
	c := protocol.NewCipher(testKey)

	dial := func() net.Conn {
		conn, err := net.Dial("tcp", p.Addr().String())
		if err != nil {
			t.Fatalf("dial proxy: %v", err)
		}
		return conn
	}
	a := dial()
	defer a.Close()
	b := dial()
	defer b.Close()

	// Session B starts below session A's sequence; independent counters
	// must accept that.
	if _, err := a.Write(rpcFrame(t, c, 100, fmt.Sprintf(`{"id":1,"method":"get_turn_server","params":["%s"]}`, "a"))); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if _, err := b.Write(rpcFrame(t, c, 5, fmt.Sprintf(`{"id":2,"method":"get_turn_server","params":["%s"]}`, "b"))); err != nil {
		t.Fatalf("write b: %v", err)
	}

	readReplyID := func(conn net.Conn) int64 {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		fr := protocol.NewFrameReader(conn, 0)
		f, err := fr.Next()
		if err != nil {
			t.Fatalf("read reply: %v", err)
		}
		plain, err := c.Decrypt(f.Payload, f.Timestamp)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		var body struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(plain, &body); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return body.ID
	}

	if id := readReplyID(a); id != 1 {
		t.Fatalf("session a got reply for id %d", id)
	}
	if id := readReplyID(b); id != 2 {
		t.Fatalf("session b got reply for id %d", id)
	}
}
