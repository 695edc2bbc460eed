package main

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/grandcat/zeroconf"

	"collabtext/diffsync/internal/diff"
	"collabtext/diffsync/internal/diffsync"
)

func TestReconcile(t *testing.T) {
	eng := diff.New(diff.DefaultOptions())
	tests := []struct {
		name                  string
		server, local, synced string
		haveSynced            bool
		want                  string
	}{
		{
			name:   "first run keeps the file",
			server: "remote", local: "local text",
			want: "local text",
		},
		{
			name:   "untouched file takes the server text",
			server: "hello brave world", local: "hello world", synced: "hello world", haveSynced: true,
			want: "hello brave world",
		},
		{
			name:   "offline edits merge into the server text",
			server: "hello brave world", local: "hello world!", synced: "hello world", haveSynced: true,
			want: "hello brave world!",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := reconcile(eng, tc.server, tc.local, tc.synced, tc.haveSynced); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.db")
	st, err := openState(path)
	if err != nil {
		t.Fatal(err)
	}
	calls := 0
	newID := func() string { calls++; return "generated" }
	id, err := st.clientID(newID)
	if err != nil || id != "generated" {
		t.Fatalf("client id %q, %v", id, err)
	}
	ek := diffsync.EntityKey{Type: "document", ID: "notes.txt"}
	if _, ok, _ := st.synced(ek); ok {
		t.Error("synced text before any sync")
	}
	if err := st.setSynced(ek, "v1"); err != nil {
		t.Fatal(err)
	}
	st.Close()

	st, err = openState(path)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if id, _ := st.clientID(newID); id != "generated" || calls != 1 {
		t.Errorf("client id %q after %d calls", id, calls)
	}
	if text, ok, err := st.synced(ek); err != nil || !ok || text != "v1" {
		t.Errorf("synced %q %v %v", text, ok, err)
	}
}

func TestServiceURL(t *testing.T) {
	e := zeroconf.NewServiceEntry("diffsync-host", "_diffsync._tcp", "local.")
	e.Port = 8081
	if got := serviceURL(e); got != "" {
		t.Errorf("entry without address: %q", got)
	}
	e.AddrIPv4 = []net.IP{net.IPv4(192, 168, 1, 7)}
	e.Text = []string{"path=/sync/ws"}
	if got, want := serviceURL(e), "ws://192.168.1.7:8081/sync/ws"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
