package dsc_test

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/metamatt/stargate/internal/dsc"
)

func TestReflectorAuthAndForward(t *testing.T) {
	t.Parallel()

	forwarded := make(chan string, 1)
	refl, err := dsc.NewReflector(nil, 0, "secret", func(line string) error {
		forwarded <- line
		return nil
	})
	if err != nil {
		t.Fatalf("NewReflector: %v", err)
	}
	t.Cleanup(func() { refl.Close() })

	addr := refl.Addr()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial reflector: %v", err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)

	banner, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read banner: %v", err)
	}
	if banner != "5053CD\r\n" {
		t.Fatalf("banner = %q, want %q", banner, "5053CD\r\n")
	}

	auth := dsc.Encode(5, "secret")
	conn.Write([]byte(auth + "\r\n"))
	resp, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read auth response: %v", err)
	}
	if resp != "5051CB\r\n" {
		t.Fatalf("auth response = %q, want %q", resp, "5051CB\r\n")
	}

	cmd := dsc.Encode(20, "11")
	conn.Write([]byte(cmd + "\r\n"))

	select {
	case got := <-forwarded:
		if got != cmd {
			t.Fatalf("forwarded = %q, want %q", got, cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command was not forwarded to panel")
	}
}

func TestReflectorRejectsBadPassword(t *testing.T) {
	t.Parallel()

	refl, err := dsc.NewReflector(nil, 0, "secret", func(line string) error {
		t.Fatal("should not forward before authentication")
		return nil
	})
	if err != nil {
		t.Fatalf("NewReflector: %v", err)
	}
	t.Cleanup(func() { refl.Close() })

	conn, err := net.Dial("tcp", refl.Addr())
	if err != nil {
		t.Fatalf("dial reflector: %v", err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	r.ReadString('\n') // banner

	conn.Write([]byte(dsc.Encode(5, "wrong") + "\r\n"))
	resp, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read auth response: %v", err)
	}
	if resp != "5050CA\r\n" {
		t.Fatalf("auth response = %q, want %q", resp, "5050CA\r\n")
	}
}

func TestReflectorForwardsPanelFramesToAuthenticatedChildren(t *testing.T) {
	t.Parallel()

	refl, err := dsc.NewReflector(nil, 0, "secret", func(line string) error { return nil })
	if err != nil {
		t.Fatalf("NewReflector: %v", err)
	}
	t.Cleanup(func() { refl.Close() })

	conn, err := net.Dial("tcp", refl.Addr())
	if err != nil {
		t.Fatalf("dial reflector: %v", err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	r.ReadString('\n') // banner
	conn.Write([]byte(dsc.Encode(5, "secret") + "\r\n"))
	r.ReadString('\n') // auth ok

	panelFrame := dsc.Encode(609, "003")
	// Give the server a moment to mark the child authenticated before we
	// push a panel-originated frame through it.
	time.Sleep(50 * time.Millisecond)
	refl.ToChildren(panelFrame)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read forwarded panel frame: %v", err)
	}
	if got != panelFrame+"\r\n" {
		t.Fatalf("forwarded frame = %q, want %q", got, panelFrame+"\r\n")
	}
}
