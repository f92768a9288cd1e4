package notify_test

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/metamatt/stargate/internal/config"
	"github.com/metamatt/stargate/internal/notify"
)

// fakeSMTP is a minimal plaintext SMTP server sufficient to exercise
// net/smtp's SendMail dialogue: greeting, EHLO, MAIL/RCPT/DATA, QUIT.
type fakeSMTP struct {
	ln       net.Listener
	received chan receivedMail
}

type receivedMail struct {
	from string
	to   string
	body string
}

func newFakeSMTP(t *testing.T) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeSMTP{ln: ln, received: make(chan receivedMail, 4)}
	go s.serve(t)
	return s
}

func (s *fakeSMTP) addr() string { return s.ln.Addr().String() }

func (s *fakeSMTP) close() { _ = s.ln.Close() }

func (s *fakeSMTP) serve(t *testing.T) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(t, conn)
	}
}

func (s *fakeSMTP) handle(t *testing.T, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	fmt.Fprintf(conn, "220 fake.smtp ready\r\n")

	var mail receivedMail
	inData := false
	var dataBuf strings.Builder

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				t.Logf("fakeSMTP read: %v", err)
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if inData {
			if line == "." {
				inData = false
				mail.body = dataBuf.String()
				s.received <- mail
				fmt.Fprintf(conn, "250 OK\r\n")
				continue
			}
			dataBuf.WriteString(line)
			dataBuf.WriteString("\n")
			continue
		}

		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
			fmt.Fprintf(conn, "250-fake.smtp\r\n250 AUTH PLAIN\r\n")
		case strings.HasPrefix(upper, "MAIL FROM:"):
			mail.from = line[len("MAIL FROM:"):]
			fmt.Fprintf(conn, "250 OK\r\n")
		case strings.HasPrefix(upper, "RCPT TO:"):
			mail.to = line[len("RCPT TO:"):]
			fmt.Fprintf(conn, "250 OK\r\n")
		case upper == "DATA":
			inData = true
			fmt.Fprintf(conn, "354 go ahead\r\n")
		case upper == "QUIT":
			fmt.Fprintf(conn, "221 bye\r\n")
			return
		default:
			fmt.Fprintf(conn, "250 OK\r\n")
		}
	}
}

func testConfig(smtpAddr string) config.NotificationsConfig {
	return config.NotificationsConfig{
		Email: config.EmailConfig{
			SMTPHost: smtpAddr,
			Sender:   "stargate@example.com",
		},
		Recipients: map[string][]config.Recipient{
			"someone": {{"email", "someone@example.com"}},
			"nobody":  {{"unknown-method", "nobody@example.com"}},
		},
	}
}

func TestNotifySendsEmailToConfiguredAlias(t *testing.T) {
	srv := newFakeSMTP(t)
	defer srv.close()

	n := notify.New(slog.Default(), testConfig(srv.addr()))

	if err := n.Notify(context.Background(), "someone", "Alarm", "Front door is open"); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	select {
	case got := <-srv.received:
		if !strings.Contains(got.from, "stargate@example.com") {
			t.Errorf("from = %q, want stargate@example.com", got.from)
		}
		if !strings.Contains(got.to, "someone@example.com") {
			t.Errorf("to = %q, want someone@example.com", got.to)
		}
		if !strings.Contains(got.body, "Front door is open") {
			t.Errorf("body = %q, missing expected text", got.body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivered mail")
	}
}

func TestNotifyUnknownAliasReturnsError(t *testing.T) {
	n := notify.New(slog.Default(), testConfig("127.0.0.1:0"))

	err := n.Notify(context.Background(), "does-not-exist", "subject", "body")
	if err == nil {
		t.Fatal("expected error for unknown alias")
	}
}

func TestNotifyUnsupportedMethodIsSkippedNotFatal(t *testing.T) {
	n := notify.New(slog.Default(), testConfig("127.0.0.1:0"))

	// "nobody" only has an unsupported method recipient; this should not
	// error, matching the original's log-and-skip behavior for methods
	// other than email.
	if err := n.Notify(context.Background(), "nobody", "subject", "body"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
}

func TestCanNotify(t *testing.T) {
	cfg := testConfig("smtp.example.com:25")
	n := notify.New(slog.Default(), cfg)

	if !n.CanNotify("someone") {
		t.Error("CanNotify(someone) = false, want true")
	}
	if n.CanNotify("nobody") {
		t.Error("CanNotify(nobody) = true, want false (unsupported method)")
	}
	if n.CanNotify("absent") {
		t.Error("CanNotify(absent) = true, want false (no recipients)")
	}
}

func TestCanNotifyFalseWhenEmailNotConfigured(t *testing.T) {
	cfg := config.NotificationsConfig{
		Recipients: map[string][]config.Recipient{
			"someone": {{"email", "someone@example.com"}},
		},
	}
	n := notify.New(slog.Default(), cfg)

	if n.CanNotify("someone") {
		t.Error("CanNotify(someone) = true, want false (no smtp_host/sender configured)")
	}
}
