// Package auth provides access gates for sync sessions.
package auth

import (
	"context"
	"slices"

	"collabtext/diffsync/internal/diffsync"
)

// Policy is a diffsync.Gate driven by configuration. An empty policy
// allows everything.
type Policy struct {
	// EntityTypes, when set, lists the only entity types clients may
	// synchronize.
	EntityTypes []string `yaml:"entityTypes"`
	// ReadOnly lists client ids that may start sessions but not patch.
	ReadOnly []string `yaml:"readOnly"`
}

func (p *Policy) CanRead(_ context.Context, clientID string, ek diffsync.EntityKey) error {
	if len(p.EntityTypes) > 0 && !slices.Contains(p.EntityTypes, ek.Type) {
		return diffsync.NewError(diffsync.CodeUnauthorized, "entity type %q is not synchronized", ek.Type)
	}
	return nil
}

func (p *Policy) CanWrite(ctx context.Context, clientID string, ek diffsync.EntityKey) error {
	if err := p.CanRead(ctx, clientID, ek); err != nil {
		return err
	}
	if slices.Contains(p.ReadOnly, clientID) {
		return diffsync.NewError(diffsync.CodeUnauthorized, "client %s is read only", clientID)
	}
	return nil
}
