package supervisor_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/vocorch/internal/supervisor"
)

func TestStartAdoptsAlreadyHealthyProcess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sup := supervisor.New(supervisor.Config{
		ProgramName: "/bin/true",
		HealthURL:   srv.URL,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sup.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStartSpawnsAndWritesPIDFile(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	pidFile := filepath.Join(dir, "proc.pid")

	sup := supervisor.New(supervisor.Config{
		ProgramName:   "/bin/sleep",
		Args:          []string{"5"},
		HealthURL:     srv.URL,
		PIDFilePath:   pidFile,
		HealthTimeout: 2 * time.Second,
	})

	go func() {
		time.Sleep(200 * time.Millisecond)
		healthy.Store(true)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sup.Stop()

	if _, err := os.Stat(pidFile); err != nil {
		t.Fatalf("expected pid file to be written: %v", err)
	}
}

func TestStopRemovesPIDFile(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	pidFile := filepath.Join(dir, "proc.pid")

	sup := supervisor.New(supervisor.Config{
		ProgramName:   "/bin/sleep",
		Args:          []string{"5"},
		HealthURL:     srv.URL,
		PIDFilePath:   pidFile,
		HealthTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Force a real spawn path: first health check must fail once so Start
	// doesn't take the "adopt" shortcut, which never writes a pid file.
	first := true
	srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if first {
			first = false
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sup.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed after stop, stat err=%v", err)
	}
}
