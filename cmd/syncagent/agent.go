package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"collabtext/diffsync/internal/diff"
	"collabtext/diffsync/internal/diffsync"
	"collabtext/diffsync/internal/syncclient"
	"collabtext/diffsync/internal/transport"
)

// errResync means the server lost the session and it must be restarted.
var errResync = errors.New("resync required")

// mirror keeps a local file and one entity in sync.
type mirror struct {
	log      *slog.Logger
	eng      *diff.Engine
	state    *state
	path     string
	key      diffsync.EntityKey
	interval time.Duration

	doc     *syncclient.Doc
	written string // last text this agent wrote to or read from the file
}

func (a *mirror) readFile() (string, error) {
	b, err := os.ReadFile(a.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	return string(b), err
}

func (a *mirror) writeFile(text string) error {
	tmp := a.path + ".syncagent"
	if err := os.WriteFile(tmp, []byte(text), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, a.path); err != nil {
		return err
	}
	a.written = text
	return nil
}

// reconcile folds local changes made while disconnected into the server's
// text. Edits since the last synchronized text are replayed onto the
// server's text fuzzily; without a synced text the local file wins.
func reconcile(eng *diff.Engine, server, local, synced string, haveSynced bool) string {
	switch {
	case local == synced && haveSynced:
		return server
	case !haveSynced:
		return local
	}
	merged, err := eng.ApplyFuzzy(server, eng.Make(synced, local))
	if err != nil {
		return local
	}
	return merged
}

// start opens the session and brings file and session together. Local
// text the server lacks goes out as the first patch.
func (a *mirror) start(ctx context.Context, c *transport.Client) error {
	res, err := c.Start(ctx, a.key)
	if err != nil {
		return err
	}
	local, err := a.readFile()
	if err != nil {
		return err
	}
	synced, haveSynced, err := a.state.synced(a.key)
	if err != nil {
		return err
	}
	want := reconcile(a.eng, res.Text, local, synced, haveSynced)

	a.doc = syncclient.New(a.eng, a.key, res)
	entries := a.doc.Edit(want)
	if want != local {
		if err := a.writeFile(want); err != nil {
			return err
		}
	}
	a.written = want
	a.log.Info("session started", "entity", a.key.String(), "bytes", len(want), "pending", len(entries))
	return a.send(ctx, c, entries)
}

func (a *mirror) send(ctx context.Context, c *transport.Client, entries []diffsync.PatchEntry) error {
	if len(entries) == 0 {
		return nil
	}
	res, err := c.Patch(ctx, a.key, entries)
	switch code := diffsync.CodeOf(err); {
	case err == nil:
		a.doc.Accepted(res)
		if len(a.doc.Pending()) == 0 {
			return a.state.setSynced(a.key, a.doc.Text())
		}
		return nil
	case code == diffsync.CodeVersionConflict || code == diffsync.CodeSessionNotFound:
		a.log.Warn("server requested resync", "err", err)
		return errResync
	default:
		return err
	}
}

func (a *mirror) notify(env transport.Envelope) error {
	switch env.Type {
	case diffsync.TopicAck:
		ek, ack, err := transport.DecodeAck(env)
		if err != nil || ek != a.key {
			return err
		}
		a.doc.Ack(ack)
	case diffsync.TopicPatch:
		ek, p, err := transport.DecodePatch(env)
		if err != nil || ek != a.key {
			return err
		}
		changed, err := a.doc.Patch(p)
		if err != nil {
			a.log.Warn("server patch does not apply", "m", p.M, "err", err)
			return errResync
		}
		if changed {
			if err := a.writeFile(a.doc.Text()); err != nil {
				return err
			}
			a.log.Debug("applied server patch", "from", p.ClientID, "m", p.M)
		}
	}
	if len(a.doc.Pending()) == 0 {
		return a.state.setSynced(a.key, a.doc.Text())
	}
	return nil
}

// session runs one connection until it fails or ctx ends.
func (a *mirror) session(ctx context.Context, c *transport.Client) error {
	if err := a.start(ctx, c); err != nil && !errors.Is(err, errResync) {
		return err
	}
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		var err error
		select {
		case <-ctx.Done():
			_ = c.End(context.Background(), a.key)
			return ctx.Err()
		case env, ok := <-c.Notifications():
			if !ok {
				return fmt.Errorf("connection lost: %w", c.Err())
			}
			err = a.notify(env)
		case <-ticker.C:
			var text string
			if text, err = a.readFile(); err != nil {
				break
			}
			if text != a.written {
				a.written = text
				err = a.send(ctx, c, a.doc.Edit(text))
			} else {
				// Resend anything the server has not acknowledged.
				err = a.send(ctx, c, a.doc.Pending())
			}
		}
		if errors.Is(err, errResync) {
			err = a.start(ctx, c)
		}
		if err != nil && !errors.Is(err, errResync) {
			return err
		}
	}
}
