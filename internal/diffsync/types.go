package diffsync

import (
	"github.com/google/uuid"

	"collabtext/diffsync/internal/diff"
)

// Version counts edits flowing in one direction of a session.
type Version uint64

// EntityKey identifies a synchronized entity.
type EntityKey struct {
	Type string `json:"entityType"`
	ID   string `json:"entityId"`
}

func (k EntityKey) String() string {
	return k.Type + "/" + k.ID
}

func (k EntityKey) validate() error {
	if k.Type == "" || k.ID == "" {
		return NewError(CodeInvalidRequest, "entityType and entityId are required")
	}
	return nil
}

// SessionKey identifies a session: one client synchronizing one entity.
type SessionKey struct {
	ClientID string
	Entity   EntityKey
}

func (k SessionKey) String() string {
	return k.ClientID + "@" + k.Entity.String()
}

// State is a session's lifecycle state.
type State int

const (
	StateStarted State = iota + 1
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "STARTED"
	case StateActive:
		return "ACTIVE"
	case StateEnded:
		return "ENDED"
	}
	return "UNKNOWN"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PatchEntry is one client edit: a patch computed against the client's
// shadow when it believed the session stood at (N, M).
type PatchEntry struct {
	ID      uuid.UUID  `json:"id"`
	Patches diff.Patch `json:"patches"`
	N       Version    `json:"n"`
	M       Version    `json:"m"`
}

// Notification message types.
const (
	TypeAck   = "ACK"
	TypePatch = "PATCH"
)

// Notification topics.
const (
	TopicAck   = "diffSync.ack"
	TopicPatch = "diffSync.patch"
)

// AckMessage tells the originating client its patch was applied.
type AckMessage struct {
	Type     string    `json:"type"`
	ID       uuid.UUID `json:"id"`
	ClientID string    `json:"clientId"`
	N        Version   `json:"n"`
	M        Version   `json:"m"`
}

// PatchMessage carries a server edit to a co-editor. ClientID names the
// client whose edit caused it; N and M are the recipient's versions once the
// patch is applied.
type PatchMessage struct {
	Type     string     `json:"type"`
	ID       uuid.UUID  `json:"id"`
	ClientID string     `json:"clientId"`
	N        Version    `json:"n"`
	M        Version    `json:"m"`
	Patches  diff.Patch `json:"patches"`
}

// Notification is an outbound message addressed to a single client.
// Exactly one of Ack and Patch is set.
type Notification struct {
	To     string        `json:"to"`
	Entity EntityKey     `json:"entity"`
	Ack    *AckMessage   `json:"ack,omitempty"`
	Patch  *PatchMessage `json:"patch,omitempty"`
}

// Topic returns the message type the transport sends n under.
func (n Notification) Topic() string {
	if n.Ack != nil {
		return TopicAck
	}
	return TopicPatch
}

// Outcome is the fate of an accepted patch entry.
type Outcome string

const (
	OutcomeAccepted  Outcome = "ACCEPTED"
	OutcomeDuplicate Outcome = "DUPLICATE"
)

// EntryResult reports how one patch entry was handled.
type EntryResult struct {
	ID      uuid.UUID `json:"id"`
	Outcome Outcome   `json:"outcome"`
	Fuzzy   bool      `json:"fuzzy,omitempty"`
}

// PatchResult is returned from Manager.Patch.
type PatchResult struct {
	Results []EntryResult `json:"results"`
	N       Version       `json:"n"`
	M       Version       `json:"m"`
}

// StartResult is returned from Manager.Start. Text is the value the
// session's shadow was seeded with.
type StartResult struct {
	Text string  `json:"text"`
	N    Version `json:"n"`
	M    Version `json:"m"`
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ClientID string    `json:"clientId"`
	Entity   EntityKey `json:"entity"`
	State    State     `json:"state"`
	Shadow   string    `json:"shadow"`
	N        Version   `json:"n"`
	M        Version   `json:"m"`
	Pending  int       `json:"pending"`
}

// EntityInfo is a point-in-time view of an entity held in memory.
type EntityInfo struct {
	Key      EntityKey     `json:"key"`
	Text     string        `json:"text"`
	Revision uint64        `json:"revision"`
	Sessions []SessionInfo `json:"sessions"`
}
