// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"
)

// --- HTTPServer lifecycle ---

func TestHTTPServerLifecycle(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	handler := http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusOK)
		fmt.Fprintf(writer, "ok")
	})

	server := NewHTTPServer(HTTPServerConfig{
		Address:         "127.0.0.1:0", // OS-assigned port
		Handler:         handler,
		ShutdownTimeout: 2 * time.Second,
		Logger:          logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Serve(ctx)
	}()

	// Wait for the server to be ready. t.Context() is cancelled
	// when the test deadline passes, so no wall-clock timeout needed.
	select {
	case <-server.Ready():
	case <-t.Context().Done():
		t.Fatal("server did not become ready before test deadline")
	}

	// Verify we can reach the server.
	address := server.Addr().String()
	response, err := http.Get("http://" + address + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Errorf("GET /healthz status = %d, want 200", response.StatusCode)
	}
	responseBody, _ := io.ReadAll(response.Body)
	if string(responseBody) != "ok" {
		t.Errorf("GET /healthz body = %q, want %q", responseBody, "ok")
	}

	// Cancel the context to trigger shutdown.
	cancel()

	select {
	case err := <-serveDone:
		if err != nil {
			t.Errorf("Serve() = %v, want nil", err)
		}
	case <-t.Context().Done():
		t.Fatal("server did not shut down before test deadline")
	}
}

func TestHTTPServerPanicsOnMissingConfig(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	tests := []struct {
		name   string
		config HTTPServerConfig
	}{
		{
			name:   "missing_address",
			config: HTTPServerConfig{Handler: handler, Logger: logger},
		},
		{
			name:   "missing_handler",
			config: HTTPServerConfig{Address: ":0", Logger: logger},
		},
		{
			name:   "missing_logger",
			config: HTTPServerConfig{Address: ":0", Handler: handler},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if r := recover(); r == nil {
					t.Error("NewHTTPServer did not panic")
				}
			}()
			NewHTTPServer(tt.config)
		})
	}
}

// --- Admin token verification ---

func TestVerifyAdminToken(t *testing.T) {
	hash, err := HashAdminToken("correct-horse")
	if err != nil {
		t.Fatalf("HashAdminToken: %v", err)
	}

	t.Run("valid", func(t *testing.T) {
		if err := VerifyAdminToken(hash, "correct-horse"); err != nil {
			t.Errorf("VerifyAdminToken() = %v, want nil", err)
		}
	})

	t.Run("wrong_token", func(t *testing.T) {
		if err := VerifyAdminToken(hash, "battery-staple"); !errors.Is(err, ErrBadToken) {
			t.Errorf("VerifyAdminToken() = %v, want ErrBadToken", err)
		}
	})

	t.Run("empty_token", func(t *testing.T) {
		if err := VerifyAdminToken(hash, ""); !errors.Is(err, ErrBadToken) {
			t.Errorf("VerifyAdminToken() = %v, want ErrBadToken", err)
		}
	})

	t.Run("no_hash_configured", func(t *testing.T) {
		err := VerifyAdminToken("", "correct-horse")
		if err == nil {
			t.Fatal("VerifyAdminToken() = nil, want error")
		}
		if errors.Is(err, ErrBadToken) {
			t.Error("missing config should not report a token mismatch")
		}
	})

	t.Run("garbage_hash", func(t *testing.T) {
		if err := VerifyAdminToken("not-a-bcrypt-hash", "anything"); !errors.Is(err, ErrBadToken) {
			t.Errorf("VerifyAdminToken() = %v, want ErrBadToken", err)
		}
	})
}
