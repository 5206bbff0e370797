package scandriver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/reposweep/reposweep/internal/config"
)

func TestWaitForComputeEngine_CompletesWhenQueueEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"queue":[]}`))
	}))
	defer srv.Close()

	d := New(config.ScannerConfig{
		HostURL:                 srv.URL,
		Token:                   "tok",
		WaitForCETimeoutSeconds: 5,
		WaitForCEPollSeconds:    1,
	})

	done := make(chan struct{})
	go func() {
		d.waitForComputeEngine(context.Background(), "acme_widgets_abc123")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("expected wait to return promptly when queue is empty")
	}
}

func TestWaitForComputeEngine_UnauthorizedAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := New(config.ScannerConfig{
		HostURL:                 srv.URL,
		Token:                   "tok",
		WaitForCETimeoutSeconds: 5,
		WaitForCEPollSeconds:    1,
	})

	done := make(chan struct{})
	go func() {
		d.waitForComputeEngine(context.Background(), "acme_widgets_abc123")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("expected 401 to abort the wait promptly")
	}
}

func TestWaitForComputeEngine_TerminalStatusStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"current":{"id":"task-1","status":"SUCCESS"}}`))
	}))
	defer srv.Close()

	d := New(config.ScannerConfig{
		HostURL:                 srv.URL,
		Token:                   "tok",
		WaitForCETimeoutSeconds: 5,
		WaitForCEPollSeconds:    1,
	})

	done := make(chan struct{})
	go func() {
		d.waitForComputeEngine(context.Background(), "acme_widgets_abc123")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("expected terminal status to stop the wait promptly")
	}
}

func TestWaitForComputeEngine_MissingCredentialsNoops(t *testing.T) {
	d := New(config.ScannerConfig{})
	done := make(chan struct{})
	go func() {
		d.waitForComputeEngine(context.Background(), "acme_widgets_abc123")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected missing credentials to return immediately")
	}
}
