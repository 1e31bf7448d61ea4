package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	rtsup "recworker/internal/runtime/supervisor"
	logx "recworker/pkg/logx"
)

func TestServerServesAndStops(t *testing.T) {
	t.Parallel()
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "pong") })
	s := New(Config{Name: "test", Addr: "127.0.0.1:0"}, h, logx.Nop())
	sup := rtsup.New(context.Background(), rtsup.WithLogger(logx.Nop()))
	s.Start(sup)

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("listener not ready")
	}
	resp, err := http.Get("http://" + s.Addr() + "/")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "pong" {
		t.Fatalf("body = %q", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("stop: %v", err)
	}
}

func TestInsecureBindRefused(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "0.0.0.0:0"}, http.NotFoundHandler(), logx.Nop())
	if err := s.serveOnce(context.Background()); !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("err = %v", err)
	}
}

func TestWithAuth(t *testing.T) {
	t.Parallel()
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := WithAuth("s3cret", ok)
	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"none", "/", "", http.StatusUnauthorized},
		{"query", "/?token=s3cret", "", http.StatusNoContent},
		{"bad query", "/?token=nope", "Bearer s3cret", http.StatusUnauthorized},
		{"bearer", "/", "Bearer s3cret", http.StatusNoContent},
		{"bad bearer", "/", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)
			if rec.Code != tt.want {
				t.Fatalf("code = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:1":    true,
		"[::1]:9":        true,
		":8080":          false,
		"10.0.0.1:80":    false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}
