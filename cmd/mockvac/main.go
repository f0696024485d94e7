// mockvac exercises a running bridge end to end without a real robot. It
// speaks both wire protocols:
//
//	-role heartbeat  sends a hello and a ping probe, prints the replies
//	-role robot      listens like a robot: answers RPC requests with "ok"
//	-role app        dials the proxy and issues get_turn_server
//
// Typical session: start the bridge with target_address pointing at a
// `mockvac -role robot`, then run `mockvac -role app` and check the TURN url
// in the reply points at the bridge.
package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/serphen/roborock-offline/internal/protocol"
)

type vacConfig struct {
	role      string
	addr      string
	localKey  string
	timeout   time.Duration
	transport string
}

func main() {
	cfg := parseConfig()
	var err error
	switch cfg.role {
	case "heartbeat":
		err = runHeartbeat(cfg)
	case "robot":
		err = runRobot(cfg)
	case "app":
		err = runApp(cfg)
	}
	if err != nil {
		log.Fatalf("mockvac %s failed: %v", cfg.role, err)
	}
}

func parseConfig() vacConfig {
	var cfg vacConfig
	flag.StringVar(&cfg.role, "role", "app", "Role to play (heartbeat|robot|app)")
	flag.StringVar(&cfg.addr, "addr", "127.0.0.1:58867", "Bridge address (or listen address for -role robot)")
	flag.StringVar(&cfg.localKey, "key", "", "Device local key (required for robot and app roles)")
	flag.StringVar(&cfg.transport, "transport", "udp", "Transport for heartbeat probes (udp|tcp)")
	flag.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "I/O timeout")
	flag.Parse()

	switch cfg.role {
	case "heartbeat":
	case "robot", "app":
		if cfg.localKey == "" {
			log.Fatal("-key is required for robot and app roles")
		}
	default:
		log.Fatalf("unsupported role %s", cfg.role)
	}
	return cfg
}

func runHeartbeat(cfg vacConfig) error {
	conn, err := net.Dial(cfg.transport, cfg.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.addr, err)
	}
	defer conn.Close()

	probe := func(name string, pkt []byte) error {
		conn.SetDeadline(time.Now().Add(cfg.timeout))
		if _, err := conn.Write(pkt); err != nil {
			return fmt.Errorf("send %s: %w", name, err)
		}
		reply := make([]byte, 64)
		n, err := conn.Read(reply)
		if err != nil {
			return fmt.Errorf("read %s reply: %w", name, err)
		}
		log.Printf("%s reply (%d bytes): %x", name, n, reply[:n])
		return nil
	}

	hello := make([]byte, 32)
	hello[0] = 0x21
	hello[1] = 0x31
	binary.BigEndian.PutUint16(hello[2:4], 32)
	for i := 4; i < 12; i++ {
		hello[i] = 0xFF
	}
	if err := probe("hello", hello); err != nil {
		return err
	}

	ping := make([]byte, 32)
	ping[0] = 0x21
	ping[1] = 0x31
	binary.BigEndian.PutUint16(ping[2:4], 32)
	binary.BigEndian.PutUint32(ping[8:12], 0xCAFED00D)
	return probe("ping", ping)
}

// runRobot accepts proxy connections and answers every decodable RPC
// request with {"result":"ok"}, like an agreeable robot.
func runRobot(cfg vacConfig) error {
	ln, err := net.Listen("tcp", cfg.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.addr, err)
	}
	defer ln.Close()
	log.Printf("mock robot listening on %s", ln.Addr())

	cipher := protocol.NewCipher(cfg.localKey)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go serveRobotConn(conn, cipher)
	}
}

func serveRobotConn(conn net.Conn, cipher *protocol.Cipher) {
	defer conn.Close()
	crypto := protocol.NewSessionCrypto(cipher)
	fr := protocol.NewFrameReader(conn, 0)
	for {
		f, err := fr.Next()
		if err != nil {
			log.Printf("robot conn done: %v", err)
			return
		}
		plain, err := crypto.Decrypt(protocol.FromPeer, f)
		if err != nil {
			log.Printf("robot decrypt: %v", err)
			return
		}
		msg, ok := protocol.ParseMessage(plain)
		if !ok {
			log.Printf("robot got opaque payload (%d bytes)", len(plain))
			continue
		}
		log.Printf("robot got %s (id %d)", msg.Method, msg.ID)

		body, err := protocol.EncodeReply(protocol.Message{
			ID: msg.ID, Result: json.RawMessage(`"ok"`), Wrapped: msg.Wrapped,
		})
		if err != nil {
			log.Printf("robot encode reply: %v", err)
			return
		}
		rf := protocol.Frame{
			Seq:       f.Seq + 1,
			Random:    f.Random,
			Timestamp: uint32(time.Now().Unix()),
			Protocol:  f.Protocol,
		}
		if err := crypto.Encrypt(protocol.ToPeer, &rf, body); err != nil {
			log.Printf("robot encrypt: %v", err)
			return
		}
		wire, err := protocol.Encode(rf)
		if err != nil {
			log.Printf("robot encode: %v", err)
			return
		}
		if _, err := conn.Write(wire); err != nil {
			log.Printf("robot write: %v", err)
			return
		}
	}
}

func runApp(cfg vacConfig) error {
	conn, err := net.DialTimeout("tcp", cfg.addr, cfg.timeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.addr, err)
	}
	defer conn.Close()

	cipher := protocol.NewCipher(cfg.localKey)
	ts := uint32(time.Now().Unix())
	req := protocol.Frame{
		Seq:       1,
		Random:    uint32(time.Now().UnixNano() & 0xFFFF),
		Timestamp: ts,
		Protocol:  protocol.ProtoRPCRequest,
		Payload:   cipher.Encrypt([]byte(`{"id":1,"method":"get_turn_server","params":[]}`), ts),
	}
	wire, err := protocol.Encode(req)
	if err != nil {
		return err
	}
	conn.SetDeadline(time.Now().Add(cfg.timeout))
	if _, err := conn.Write(wire); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	fr := protocol.NewFrameReader(conn, 0)
	reply, err := fr.Next()
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	plain, err := cipher.Decrypt(reply.Payload, reply.Timestamp)
	if err != nil {
		return fmt.Errorf("decrypt reply: %w", err)
	}
	log.Printf("get_turn_server reply: %s", plain)
	return nil
}
