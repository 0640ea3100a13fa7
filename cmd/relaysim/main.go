package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaynet/relay-core/internal/transport"
)

const minPayloadLen = 16

type simConfig struct {
	nodeAddr string
	username string
	target   string
	role     string
	payload  []byte
	timeout  time.Duration
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("relay sim failed: %v", err)
	}
	log.Printf("relay sim role %s completed", cfg.role)
}

func parseConfig() simConfig {
	var cfg simConfig
	var payload string
	flag.StringVar(&cfg.nodeAddr, "node", "127.0.0.1:3000", "relay websocket address")
	flag.StringVar(&cfg.username, "username", "sim-sender", "username to register for this run")
	flag.StringVar(&cfg.target, "target", "", "target identity to relay to (sender mode)")
	flag.StringVar(&cfg.role, "role", "sender", "role for this run (sender|receiver)")
	flag.StringVar(&payload, "payload", "integration-payload-012345", "payload to relay")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "overall timeout for the flow")
	flag.Parse()

	switch cfg.role {
	case "sender", "receiver":
	default:
		log.Fatalf("unsupported role %s (expected sender or receiver)", cfg.role)
	}

	cfg.payload = []byte(payload)
	for len(cfg.payload) < minPayloadLen {
		cfg.payload = append(cfg.payload, '0')
	}
	return cfg
}

func run(cfg simConfig) error {
	url := fmt.Sprintf("ws://%s/ws", cfg.nodeAddr)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	identity, err := register(conn, cfg.username)
	if err != nil {
		return err
	}
	log.Printf("registered as identity %s", identity)

	switch cfg.role {
	case "sender":
		return runSender(conn, cfg)
	default:
		return runReceiver(conn, cfg)
	}
}

func register(conn *websocket.Conn, username string) (string, error) {
	if err := conn.WriteJSON(transport.InEvent{Type: transport.TypeRegisterMaster, Username: username, Salt: "sim-salt", KDFParams: "{}"}); err != nil {
		return "", fmt.Errorf("send register_master: %w", err)
	}
	var out transport.OutEvent
	if err := conn.ReadJSON(&out); err != nil {
		return "", fmt.Errorf("read registered: %w", err)
	}
	if out.Type != transport.TypeRegistered {
		return "", fmt.Errorf("expected registered, got %s: %s", out.Type, out.Message)
	}
	return out.Identity, nil
}

func runSender(conn *websocket.Conn, cfg simConfig) error {
	if cfg.target == "" {
		return fmt.Errorf("sender role requires -target")
	}
	if err := conn.WriteJSON(transport.InEvent{Type: transport.TypeRelay, To: cfg.target, Payload: cfg.payload}); err != nil {
		return fmt.Errorf("send relay: %w", err)
	}
	var out transport.OutEvent
	if err := conn.ReadJSON(&out); err != nil {
		return fmt.Errorf("read dispatch_status: %w", err)
	}
	if out.Type == transport.TypeErrorMsg {
		return fmt.Errorf("relay rejected: %s %s", out.ErrorKind, out.Message)
	}
	if out.Type != transport.TypeDispatchStatus {
		return fmt.Errorf("expected dispatch_status, got %s", out.Type)
	}
	log.Printf("dispatch status for %s: %s", out.MsgID, out.Status)
	return nil
}

func runReceiver(conn *websocket.Conn, cfg simConfig) error {
	deadline := time.Now().Add(cfg.timeout)
	_ = conn.SetReadDeadline(deadline)

	var out transport.OutEvent
	if err := conn.ReadJSON(&out); err != nil {
		return fmt.Errorf("read relay_push: %w", err)
	}
	if out.Type != transport.TypeRelayPush {
		return fmt.Errorf("expected relay_push, got %s", out.Type)
	}
	if !bytes.Equal(out.Payload, cfg.payload) {
		return fmt.Errorf("received payload mismatch: %x vs %x", out.Payload, cfg.payload)
	}
	return conn.WriteJSON(transport.InEvent{Type: transport.TypeMsgAck, To: out.From, MsgID: out.MsgID})
}
