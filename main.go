package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/robertlestak/contract-txcache/internal/aggregate"
	"github.com/robertlestak/contract-txcache/internal/api"
	"github.com/robertlestak/contract-txcache/internal/config"
	"github.com/robertlestak/contract-txcache/internal/output"
	"github.com/robertlestak/contract-txcache/internal/scheduler"
	log "github.com/sirupsen/logrus"
)

func init() {
	ll, err := log.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		ll = log.InfoLevel
	}
	log.SetLevel(ll)
}

// setup loads config and a ready scheduler whose snapshot has been loaded
// from the store.
func setup(ctx context.Context) (*config.Config, *scheduler.Scheduler, error) {
	l := log.WithFields(log.Fields{
		"func": "setup",
	})
	cfg, err := config.Load()
	if err != nil {
		l.Error(err)
		return nil, nil, err
	}
	s, err := newScheduler(cfg)
	if err != nil {
		l.Error(err)
		return nil, nil, err
	}
	if err := s.Init(ctx); err != nil {
		l.Error(err)
		return nil, nil, err
	}
	return cfg, s, nil
}

func server() error {
	l := log.WithFields(log.Fields{
		"func": "server",
	})
	l.Info("start")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cfg, s, err := setup(ctx)
	if err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		l.Error(err)
		return err
	}
	defer s.Stop()
	srv := &api.Server{
		Engine:       s,
		AdminToken:   cfg.AdminToken,
		RefreshLimit: newRefreshLimit(cfg.RefreshRateLimit),
		CORS: api.CORSOptions{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedHeaders: cfg.CORSAllowedHeaders,
			AllowedMethods: cfg.CORSAllowedMethods,
			Debug:          cfg.CORSDebug,
		},
	}
	hs := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := hs.Shutdown(sctx); err != nil {
			l.Error(err)
		}
	}()
	l.Infof("Listening on port %s", cfg.Port)
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.Error(err)
		return err
	}
	return nil
}

func refresh(args []string) error {
	fs := flag.NewFlagSet("refresh", flag.ExitOnError)
	format := fs.String("format", "", "print snapshot after refresh (json, csv, hourly)")
	fs.Parse(args)
	ctx := context.Background()
	_, s, err := setup(ctx)
	if err != nil {
		return err
	}
	if err := s.TriggerRefresh(ctx); err != nil {
		return err
	}
	if *format != "" {
		return output.Write(os.Stdout, s.Snapshot(), *format)
	}
	return nil
}

func backfill(args []string) error {
	l := log.WithFields(log.Fields{
		"func": "backfill",
	})
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	from := fs.String("from", "", "first day (YYYY-MM-DD)")
	to := fs.String("to", "", "last day (YYYY-MM-DD)")
	fs.Parse(args)
	r := aggregate.Range{From: *from, To: *to}
	if _, err := r.Days(); err != nil {
		l.Error(err)
		return err
	}
	ctx := context.Background()
	_, s, err := setup(ctx)
	if err != nil {
		return err
	}
	return s.TriggerBackfill(ctx, r)
}

func reconcile() error {
	ctx := context.Background()
	_, s, err := setup(ctx)
	if err != nil {
		return err
	}
	if err := s.Reconcile(ctx); err != nil {
		return err
	}
	snap := s.Snapshot()
	log.WithFields(log.Fields{
		"func":     "reconcile",
		"total":    snap.TotalTransactions,
		"observed": snap.ObservedTotal,
		"drift":    snap.Drift,
	}).Info("reconciled")
	return nil
}

func override(args []string) error {
	fs := flag.NewFlagSet("override", flag.ExitOnError)
	day := fs.String("day", "", "day (YYYY-MM-DD)")
	total := fs.String("total", "", "authoritative total for the day")
	fs.Parse(args)
	n, err := strconv.ParseInt(*total, 10, 64)
	if err != nil {
		return errors.New("total must be an integer")
	}
	ctx := context.Background()
	_, s, err := setup(ctx)
	if err != nil {
		return err
	}
	return s.Override(ctx, *day, n)
}

func snapshot(args []string) error {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	format := fs.String("format", "json", "output format (json, csv, hourly)")
	fs.Parse(args)
	_, s, err := setup(context.Background())
	if err != nil {
		return err
	}
	return output.Write(os.Stdout, s.Snapshot(), *format)
}

func main() {
	l := log.WithFields(log.Fields{
		"func": "main",
	})
	if len(os.Args) < 2 {
		l.Error("no command")
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "server":
		err = server()
	case "refresh":
		err = refresh(os.Args[2:])
	case "backfill":
		err = backfill(os.Args[2:])
	case "reconcile":
		err = reconcile()
	case "override":
		err = override(os.Args[2:])
	case "snapshot":
		err = snapshot(os.Args[2:])
	default:
		l.Errorf("unknown command %q", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		l.Error(err)
		os.Exit(1)
	}
}
