package healthcheck_test

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/metamatt/stargate/internal/healthcheck"
)

func TestServerRespondsWithConfiguredMessage(t *testing.T) {
	srv := healthcheck.NewServer("127.0.0.1:0", "all systems go")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	srv.Handler.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Result().Body)
	if string(body) != "all systems go\n" {
		t.Errorf("body = %q, want %q", body, "all systems go\n")
	}
}

func TestServerDefaultsToOK(t *testing.T) {
	srv := healthcheck.NewServer("127.0.0.1:0", "")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/anything", nil)
	srv.Handler.ServeHTTP(rec, req)

	body, _ := io.ReadAll(rec.Result().Body)
	if string(body) != "ok\n" {
		t.Errorf("body = %q, want %q", body, "ok\n")
	}
}
