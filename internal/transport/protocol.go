// Package transport carries the sync protocol over websockets and serves
// the read-only HTTP views.
package transport

import (
	"encoding/json"

	"collabtext/diffsync/internal/diffsync"
)

// Message types.
const (
	TypeHello = "diff.sync.hello"
	TypeStart = "diff.sync.start"
	TypePatch = "diff.sync.patch"
	TypeEnd   = "diff.sync.end"
	TypeError = "error"

	// Replies carry the request type with this suffix.
	okSuffix = ".ok"
)

// OK returns the reply type for request type t.
func OK(t string) string {
	return t + okSuffix
}

// Envelope frames every websocket message. Requests carry an ID; replies
// echo it in ReplyTo. Notifications carry neither.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"replyTo,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// HelloBody is sent once per connection and names the client id the
// server assigned or accepted.
type HelloBody struct {
	ClientID string `json:"clientId"`
}

// EntityRequest is the body of start and end requests.
type EntityRequest struct {
	diffsync.EntityKey
}

// PatchRequest is the body of a patch request.
type PatchRequest struct {
	diffsync.EntityKey
	Patches []diffsync.PatchEntry `json:"patches"`
}

// AckBody is the body of a diffSync.ack notification.
type AckBody struct {
	diffsync.EntityKey
	diffsync.AckMessage
}

// PatchBody is the body of a diffSync.patch notification.
type PatchBody struct {
	diffsync.EntityKey
	diffsync.PatchMessage
}

// ErrorBody is the body of an error reply.
type ErrorBody = diffsync.Error

func encode(env Envelope, body any) ([]byte, error) {
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		env.Body = b
	}
	return json.Marshal(env)
}

// notificationEnvelope frames n the way it is sent to its client.
func notificationEnvelope(n diffsync.Notification) ([]byte, error) {
	env := Envelope{Type: n.Topic()}
	if n.Ack != nil {
		return encode(env, AckBody{EntityKey: n.Entity, AckMessage: *n.Ack})
	}
	return encode(env, PatchBody{EntityKey: n.Entity, PatchMessage: *n.Patch})
}
