package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestLiveness(t *testing.T) {
	srv := NewServer(zerolog.Nop())
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if string(body) != LivenessBody {
		t.Fatalf("неожиданное тело %q", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := NewServer(zerolog.Nop())
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
}

func TestShutdownBeforeStart(t *testing.T) {
	srv := NewServer(zerolog.Nop())
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
}
