// Command syncagent mirrors a local file into a synchronized entity.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"collabtext/diffsync/internal/diff"
	"collabtext/diffsync/internal/diffsync"
	"collabtext/diffsync/internal/transport"
)

func main() {
	if err := mainInner(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	server := flag.String("server", "", "websocket URL of the sync server; empty browses mDNS")
	service := flag.String("service", "_diffsync._tcp", "mDNS service to browse for")
	file := flag.String("file", "", "file to mirror")
	entityType := flag.String("type", "document", "entity type")
	entityID := flag.String("id", "", "entity id; defaults to the file name")
	statePath := flag.String("state", "", "agent state file; defaults to <file>.syncagent.db")
	interval := flag.Duration("interval", 500*time.Millisecond, "how often the file is checked for changes")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	var handler slog.Handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	if isatty.IsTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	log := slog.New(handler)
	slog.SetDefault(log)

	if *file == "" {
		return errors.New("-file is required")
	}
	if *entityID == "" {
		*entityID = filepath.Base(*file)
	}
	if *statePath == "" {
		*statePath = *file + ".syncagent.db"
	}

	st, err := openState(*statePath)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer st.Close()
	clientID, err := st.clientID(uuid.NewString)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := &mirror{
		log:      log.With("clientId", clientID),
		eng:      diff.New(diff.DefaultOptions()),
		state:    st,
		path:     *file,
		key:      diffsync.EntityKey{Type: *entityType, ID: *entityID},
		interval: *interval,
	}

	// Reconnect until interrupted.
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	return backoff.RetryNotify(func() error {
		url := *server
		if url == "" {
			dctx, stop := context.WithTimeout(ctx, 15*time.Second)
			defer stop()
			var err error
			if url, err = discover(dctx, log, *service); err != nil {
				return err
			}
		}
		c, err := transport.Dial(ctx, url, clientID, log)
		if err != nil {
			return err
		}
		defer c.Close()
		b.Reset()
		err = m.session(ctx, c)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		log.Warn("sync interrupted, reconnecting", "err", err, "in", d)
	})
}
