package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"collabtext/diffsync/internal/broadcast"
	"collabtext/diffsync/internal/diffsync"
)

var doc1 = diffsync.EntityKey{Type: "document", ID: "doc1"}

type fixture struct {
	mgr   *diffsync.Manager
	store *diffsync.MemStore
	ts    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hub := broadcast.NewHub(nil)
	store := diffsync.NewMemStore()
	mgr := diffsync.NewManager(&diffsync.Deps{Store: store, Notifier: hub})
	srv := &Server{Manager: mgr, Broker: hub}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		hub.Close()
	})
	return &fixture{mgr: mgr, store: store, ts: ts}
}

func (f *fixture) dial(t *testing.T, clientID string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, "ws"+strings.TrimPrefix(f.ts.URL, "http")+"/ws", clientID, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func next(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case env, ok := <-c.Notifications():
		if !ok {
			t.Fatal("connection closed")
		}
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
	return Envelope{}
}

func TestSyncOverWebsocket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.Save(ctx, doc1, "hello"); err != nil {
		t.Fatal(err)
	}
	a := f.dial(t, "A")
	b := f.dial(t, "B")
	if a.ClientID != "A" {
		t.Errorf("client id %q", a.ClientID)
	}

	res, err := a.Start(ctx, doc1)
	if err != nil {
		t.Fatal(err)
	}
	if d := cmp.Diff(diffsync.StartResult{Text: "hello"}, res); d != "" {
		t.Errorf("start (-want +got):\n%s", d)
	}
	if _, err := b.Start(ctx, doc1); err != nil {
		t.Fatal(err)
	}

	p := f.mgr.Engine().Make("hello", "hello world")
	e := diffsync.PatchEntry{ID: uuid.New(), Patches: p}
	pr, err := a.Patch(ctx, doc1, []diffsync.PatchEntry{e})
	if err != nil {
		t.Fatal(err)
	}
	want := diffsync.PatchResult{Results: []diffsync.EntryResult{{ID: e.ID, Outcome: diffsync.OutcomeAccepted}}, N: 1}
	if d := cmp.Diff(want, pr); d != "" {
		t.Errorf("patch (-want +got):\n%s", d)
	}

	env := next(t, a)
	if env.Type != diffsync.TopicAck {
		t.Fatalf("A got %q", env.Type)
	}
	ek, ack, err := DecodeAck(env)
	if err != nil {
		t.Fatal(err)
	}
	if ek != doc1 || ack.ID != e.ID || ack.N != 1 || ack.M != 0 || ack.Type != diffsync.TypeAck {
		t.Errorf("ack %v %+v", ek, ack)
	}

	env = next(t, b)
	if env.Type != diffsync.TopicPatch {
		t.Fatalf("B got %q", env.Type)
	}
	ek, pm, err := DecodePatch(env)
	if err != nil {
		t.Fatal(err)
	}
	wantPM := diffsync.PatchMessage{Type: diffsync.TypePatch, ID: e.ID, ClientID: "A", N: 0, M: 1, Patches: p}
	if d := cmp.Diff(wantPM, pm); d != "" || ek != doc1 {
		t.Errorf("patch message (-want +got):\n%s", d)
	}

	if err := a.End(ctx, doc1); err != nil {
		t.Fatal(err)
	}
	_, err = a.Patch(ctx, doc1, []diffsync.PatchEntry{{ID: uuid.New()}})
	if !errors.Is(err, diffsync.ErrSessionNotFound) {
		t.Errorf("patch after end: %v", err)
	}
}

func TestProtocolErrors(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "")
	if c.ClientID == "" {
		t.Fatal("no client id assigned")
	}
	ctx := context.Background()

	err := c.Call(ctx, "diff.sync.frobnicate", struct{}{}, nil)
	if !errors.Is(err, diffsync.ErrInvalidRequest) {
		t.Errorf("unknown type: %v", err)
	}
	_, err = c.Start(ctx, diffsync.EntityKey{Type: "document"})
	if !errors.Is(err, diffsync.ErrInvalidRequest) {
		t.Errorf("missing id: %v", err)
	}
	err = c.Call(ctx, TypePatch, json.RawMessage(`{"entityType":"document","entityId":"d","patches":[{"id":"`+uuid.NewString()+`","patches":{"oops":1},"n":0,"m":0}]}`), nil)
	if !errors.Is(err, diffsync.ErrMalformedPatch) {
		t.Errorf("bad patch: %v", err)
	}
}

func TestDisconnectEndsSessions(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, "A")
	if _, err := c.Start(context.Background(), doc1); err != nil {
		t.Fatal(err)
	}
	key := diffsync.SessionKey{ClientID: "A", Entity: doc1}
	if _, ok := f.mgr.Session(key); !ok {
		t.Fatal("session missing")
	}
	c.Close()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := f.mgr.Session(key); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session outlived its connection")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHTTPViews(t *testing.T) {
	f := newFixture(t)
	if err := f.store.Save(context.Background(), doc1, "stored"); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(f.ts.URL + "/entities/document/doc1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var info diffsync.EntityInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if d := cmp.Diff(diffsync.EntityInfo{Key: doc1, Text: "stored"}, info); d != "" {
		t.Errorf("entity (-want +got):\n%s", d)
	}

	resp, err = http.Get(f.ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status %d", resp.StatusCode)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := map[string]int{
		diffsync.CodeInvalidRequest:  http.StatusBadRequest,
		diffsync.CodeUnauthorized:    http.StatusForbidden,
		diffsync.CodeSessionNotFound: http.StatusNotFound,
		diffsync.CodeVersionConflict: http.StatusConflict,
		diffsync.CodeMalformedPatch:  http.StatusUnprocessableEntity,
		diffsync.CodeInternal:        http.StatusInternalServerError,
	}
	for code, want := range tests {
		if got := httpStatus(code); got != want {
			t.Errorf("%s: %d, want %d", code, got, want)
		}
	}
}
