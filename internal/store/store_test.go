package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"collabtext/diffsync/internal/diffsync"
)

func exercise(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()
	a := diffsync.EntityKey{Type: "document", ID: id}
	b := diffsync.EntityKey{Type: "note", ID: id}

	if got, err := s.Load(ctx, a); err != nil || got != "" {
		t.Fatalf("load of missing entity: %q, %v", got, err)
	}
	if err := s.Save(ctx, a, "first"); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, a, "héllo, wörld"); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, b, "other"); err != nil {
		t.Fatal(err)
	}
	if got, err := s.Load(ctx, a); err != nil || got != "héllo, wörld" {
		t.Errorf("load a: %q, %v", got, err)
	}
	if got, err := s.Load(ctx, b); err != nil || got != "other" {
		t.Errorf("load b: %q, %v", got, err)
	}
}

func TestMemory(t *testing.T) {
	s, err := Open(context.Background(), DriverMemory, "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	exercise(t, s)
}

func TestBolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entities.db")
	s, err := Open(context.Background(), DriverBolt, path)
	if err != nil {
		t.Fatal(err)
	}
	exercise(t, s)
	ek := diffsync.EntityKey{Type: "document", ID: "kept"}
	if err := s.Save(context.Background(), ek, "durable"); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// Values survive a reopen.
	b, err := OpenBolt(path)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	got, err := b.Load(context.Background(), ek)
	if err != nil || got != "durable" {
		t.Errorf("after reopen: %q, %v", got, err)
	}
}

// The sqlite driver needs cgo.
func TestSQLite(t *testing.T) {
	if os.Getenv("CGO_ENABLED") == "0" {
		t.Skip("sqlite3 requires cgo")
	}
	s, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "entities.sqlite3"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	exercise(t, s)
}

func TestPostgres(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	s, err := Open(context.Background(), DriverPostgres, url)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	exercise(t, s)
}

func TestUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mongo", ""); err == nil {
		t.Error("expected an error")
	}
}
