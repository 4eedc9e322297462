// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

package statedb

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{
		Path:   filepath.Join(t.TempDir(), "state.db"),
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return db
}

func TestGetMissing(t *testing.T) {
	db := openTestDB(t)

	_, found, err := db.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Error("Get on absent key reported found")
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	want := []byte(`{"state":"open","failures":3}`)
	if err := db.Set(ctx, "circuitBreakerState", want); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, found, err := db.Get(ctx, "circuitBreakerState")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("Get did not find the stored key")
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Get = %q, want %q", got, want)
	}
}

func TestSetReplaces(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Set(ctx, "k", []byte("first")); err != nil {
		t.Fatalf("Set first: %v", err)
	}
	if err := db.Set(ctx, "k", []byte("second")); err != nil {
		t.Fatalf("Set second: %v", err)
	}

	got, _, err := db.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("Get = %q, want second", got)
	}
}

func TestDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := db.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, found, _ := db.Get(ctx, "k"); found {
		t.Error("key present after Delete")
	}

	// Deleting an absent key is a no-op.
	if err := db.Delete(ctx, "k"); err != nil {
		t.Errorf("Delete absent key: %v", err)
	}
}

func TestKeyStore(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	store := db.KeyStore("circuitBreakerState")

	if _, found, err := store.Load(ctx); err != nil || found {
		t.Fatalf("Load before Save = found %v, err %v; want false, nil", found, err)
	}

	blob := []byte(`{"state":"closed"}`)
	if err := store.Save(ctx, blob); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, found, err := store.Load(ctx)
	if err != nil || !found {
		t.Fatalf("Load after Save = found %v, err %v", found, err)
	}
	if !bytes.Equal(got, blob) {
		t.Errorf("Load = %q, want %q", got, blob)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	logger := slog.New(slog.DiscardHandler)
	ctx := context.Background()

	db, err := Open(Config{Path: path, Logger: logger})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Set(ctx, "k", []byte("survives")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(Config{Path: path, Logger: logger})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, found, err := reopened.Get(ctx, "k")
	if err != nil || !found {
		t.Fatalf("Get after reopen = found %v, err %v", found, err)
	}
	if string(got) != "survives" {
		t.Errorf("Get = %q, want survives", got)
	}
}
