package lutron_test

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/metamatt/stargate/internal/devicemodel"
	"github.com/metamatt/stargate/internal/eventbus"
	"github.com/metamatt/stargate/internal/lutron"
	"github.com/metamatt/stargate/internal/persistence"
)

func newTestHouse(t *testing.T) *devicemodel.House {
	t.Helper()
	store, err := persistence.Open(context.Background(), nil, filepath.Join(t.TempDir(), "stargate.db"))
	if err != nil {
		t.Fatalf("persistence.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	house, err := devicemodel.New(context.Background(), store, "Test House")
	if err != nil {
		t.Fatalf("devicemodel.New: %v", err)
	}
	return house
}

func newTestGateway(t *testing.T) (*lutron.Gateway, *eventbus.Bus) {
	t.Helper()
	house := newTestHouse(t)
	bus := eventbus.New()
	layout, err := lutron.ParseLayout([]byte(sampleXML))
	if err != nil {
		t.Fatalf("ParseLayout: %v", err)
	}
	gw, err := lutron.New(context.Background(), nil, house, bus, lutron.Config{Host: "unused"}, layout, nil)
	if err != nil {
		t.Fatalf("lutron.New: %v", err)
	}
	return gw, bus
}

func TestLoginHandshakeSendsCredentialsAndUnblocksOnReadyPrompt(t *testing.T) {
	t.Parallel()
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := lutron.ConnectOverConn(clientConn, nil, "bob", "secret")
		errc <- err
	}()

	r := bufio.NewReader(serverConn)
	serverConn.Write([]byte("login: "))
	line, _ := r.ReadString('\n')
	if line != "bob\r\n" {
		t.Fatalf("username line = %q, want %q", line, "bob\r\n")
	}

	serverConn.Write([]byte("password: "))
	line, _ = r.ReadString('\n')
	if line != "secret\r\n" {
		t.Fatalf("password line = %q, want %q", line, "secret\r\n")
	}

	serverConn.Write([]byte("\r\nGNET> \x00"))

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("handshake returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
}

func TestLoginHandshakeFailsWithoutReadyPrompt(t *testing.T) {
	t.Parallel()
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := lutron.ConnectOverConn(clientConn, nil, "bob", "secret")
		errc <- err
	}()

	r := bufio.NewReader(serverConn)
	serverConn.Write([]byte("login: "))
	r.ReadString('\n')
	serverConn.Write([]byte("password: "))
	r.ReadString('\n')
	serverConn.Close() // hang up instead of sending GNET>

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("expected error when peer hangs up before GNET> prompt")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not return")
	}
}

func TestHandleLineOrdersLEDBeforeButtonRegex(t *testing.T) {
	t.Parallel()
	gw, bus := newTestGateway(t)

	var fired []eventbus.DeviceID
	bus.SubscribeAll(func(device eventbus.DeviceID, synthetic bool) {
		fired = append(fired, device)
	})

	// This line would match both the LED and button regexes; LED must win.
	gw.Dispatch("~DEVICE,10,81,9,1")

	if got, ok := gw.PeekLEDState(10, 81); !ok || !got {
		t.Fatalf("LED cache = (%v, %v), want (true, true)", got, ok)
	}
	if len(fired) != 0 {
		t.Fatalf("LED updates must not publish device events, got %d", len(fired))
	}
}

func TestHandleLineRecordsButtonPressAndPublishes(t *testing.T) {
	t.Parallel()
	gw, bus := newTestGateway(t)

	var fired int
	bus.SubscribeAll(func(device eventbus.DeviceID, synthetic bool) { fired++ })

	gw.Dispatch("~DEVICE,10,1,3") // action 3 == pressed

	if got, ok := gw.PeekButtonState(10, 1); !ok || !got {
		t.Fatalf("button cache = (%v, %v), want (true, true)", got, ok)
	}
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestHandleLineStripsPromptPrefix(t *testing.T) {
	t.Parallel()
	gw, _ := newTestGateway(t)

	gw.Dispatch("\rGNET> ~OUTPUT,5,1,100.00")

	level, ok := gw.PeekOutputLevel(5)
	if !ok || level != 100.0 {
		t.Fatalf("output cache = (%v, %v), want (100, true)", level, ok)
	}
}
