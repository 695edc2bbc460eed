// Command syncd serves differential synchronization over websockets.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/gops/agent"
	"github.com/grandcat/zeroconf"
	"github.com/mattn/go-isatty"
	"github.com/redis/go-redis/v9"

	"collabtext/diffsync/internal/broadcast"
	"collabtext/diffsync/internal/config"
	"collabtext/diffsync/internal/diff"
	"collabtext/diffsync/internal/diffsync"
	"collabtext/diffsync/internal/store"
	"collabtext/diffsync/internal/transport"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func slogLevel() slog.Level {
	if os.Getenv("DEBUG") != "" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// newLogger logs JSON, or text when stderr is a terminal.
func newLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: slogLevel()}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// retry runs op with exponential backoff for up to a minute.
func retry(ctx context.Context, log *slog.Logger, what string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = time.Minute
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		log.Warn("retrying", "what", what, "err", err, "in", d)
	})
}

func mainInner() error {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	log := newLogger()
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if cfg.GopsAddr != "" {
		if err := agent.Listen(agent.Options{Addr: cfg.GopsAddr}); err != nil {
			log.Warn("gops agent failed", "err", err)
		} else {
			defer agent.Close()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to the store ---
	var st store.Store
	if err := retry(ctx, log, "store", func() error {
		var err error
		st, err = store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
		return err
	}); err != nil {
		return fmt.Errorf("could not open %s store: %w", cfg.Store.Driver, err)
	}
	defer st.Close()
	log.Info("store ready", "driver", cfg.Store.Driver)

	// --- Connect the broker ---
	var broker broadcast.Broker
	switch cfg.Broker {
	case config.BrokerRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := retry(ctx, log, "redis", func() error { return rdb.Ping(ctx).Err() }); err != nil {
			return fmt.Errorf("could not connect to redis: %w", err)
		}
		broker = broadcast.NewRedis(rdb, log)
		log.Info("connected to redis", "addr", cfg.RedisAddr)
	default:
		broker = broadcast.NewHub(log)
	}
	defer broker.Close()

	mgr := diffsync.NewManager(&diffsync.Deps{
		Config:   cfg.SyncConfig(),
		Engine:   diff.New(cfg.DiffOptions()),
		Store:    st,
		Notifier: broker,
		Gate:     &cfg.Auth,
		Log:      log,
	})
	srv := &transport.Server{Manager: mgr, Broker: broker, Gate: &cfg.Auth, Log: log}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	httpServer := &http.Server{Handler: srv.Handler()}

	wg := new(sync.WaitGroup)
	runErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		runErr <- mgr.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server listen failed", "err", err)
			cancel()
		}
	}()
	log.Info("sync server listening", "addr", ln.Addr().String())

	if cfg.ServiceName != "" {
		if mdns, err := advertise(cfg.ServiceName, ln.Addr()); err != nil {
			log.Warn("failed to register mDNS service", "err", err)
		} else {
			defer mdns.Shutdown()
			log.Info("mDNS service registered", "service", cfg.ServiceName)
		}
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		log.Info("signal caught", "sig", sig)
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	_ = httpServer.Shutdown(shutdownCtx)
	cancel()
	wg.Wait()
	if err := <-runErr; err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	log.Info("stopped")
	return nil
}

func advertise(service string, addr net.Addr) (*zeroconf.Server, error) {
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	host, _ := os.Hostname()
	return zeroconf.Register(
		"diffsync-"+host,
		service,
		"local.",
		port,
		[]string{"path=/ws"},
		nil,
	)
}
