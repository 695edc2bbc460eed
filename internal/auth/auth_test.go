package auth

import (
	"context"
	"errors"
	"testing"

	"collabtext/diffsync/internal/diffsync"
)

func TestPolicy(t *testing.T) {
	p := &Policy{EntityTypes: []string{"document"}, ReadOnly: []string{"viewer"}}
	doc := diffsync.EntityKey{Type: "document", ID: "d"}
	secret := diffsync.EntityKey{Type: "secret", ID: "s"}
	ctx := context.Background()

	tests := []struct {
		name    string
		check   func() error
		allowed bool
	}{
		{"read document", func() error { return p.CanRead(ctx, "viewer", doc) }, true},
		{"write document", func() error { return p.CanWrite(ctx, "editor", doc) }, true},
		{"viewer writes", func() error { return p.CanWrite(ctx, "viewer", doc) }, false},
		{"read other type", func() error { return p.CanRead(ctx, "editor", secret) }, false},
		{"write other type", func() error { return p.CanWrite(ctx, "editor", secret) }, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.check()
			if tc.allowed && err != nil {
				t.Fatalf("denied: %v", err)
			}
			if !tc.allowed && !errors.Is(err, diffsync.ErrUnauthorized) {
				t.Fatalf("got %v, want %v", err, diffsync.ErrUnauthorized)
			}
		})
	}

	var open Policy
	if err := open.CanWrite(ctx, "anyone", secret); err != nil {
		t.Errorf("empty policy denied: %v", err)
	}
}

func TestPolicyGatesManager(t *testing.T) {
	m := diffsync.NewManager(&diffsync.Deps{Gate: &Policy{ReadOnly: []string{"viewer"}}})
	ctx := context.Background()
	doc := diffsync.EntityKey{Type: "document", ID: "d"}
	if _, err := m.Start(ctx, "viewer", doc); err != nil {
		t.Fatal(err)
	}
	_, err := m.Patch(ctx, "viewer", doc, nil)
	if diffsync.CodeOf(err) != diffsync.CodeUnauthorized {
		t.Errorf("got %v", err)
	}
}
