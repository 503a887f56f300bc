package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/resolver"
)

func TestDialFallsBackToNextCandidate(t *testing.T) {
	// 第一个候选指向无人监听的端口，第二个候选可达
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	dead, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadPort := dead.Addr().(*net.TCPAddr).Port
	_ = dead.Close()

	candidates := []resolver.Candidate{
		{IP: net.ParseIP("127.0.0.1"), Host: "first.example.", Port: deadPort},
		{IP: net.ParseIP("127.0.0.1"), Host: "second.example.", Port: port},
	}

	conn, err := Dial(context.Background(), candidates, "", 2*time.Second, time.Second)
	if err != nil {
		t.Fatalf("Dial must fall back to the second candidate, got %v", err)
	}
	defer conn.Close()

	if err := conn.Send([]byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	server := <-accepted
	buf := make([]byte, 4)
	if _, err := io.ReadFull(server, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("payload lost: %q %v", buf, err)
	}
}

func TestDialEmptyCandidates(t *testing.T) {
	if _, err := Dial(context.Background(), nil, "", time.Second, time.Second); err != ErrNoCandidates {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}
