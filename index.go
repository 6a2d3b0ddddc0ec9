package main

import (
	"time"

	"github.com/robertlestak/contract-txcache/internal/aggregate"
	"github.com/robertlestak/contract-txcache/internal/cache"
	"github.com/robertlestak/contract-txcache/internal/config"
	"github.com/robertlestak/contract-txcache/internal/scheduler"
	"github.com/robertlestak/contract-txcache/internal/upstream"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

func newStore(cfg *config.Config) (cache.Store, error) {
	l := log.WithFields(log.Fields{
		"func":  "newStore",
		"store": cfg.Store,
	})
	if cfg.Store == "redis" {
		rs, err := cache.NewRedisStore(cfg.RedisHost, cfg.RedisPort, cfg.RedisKey)
		if err != nil {
			l.Error(err)
			return nil, err
		}
		return rs, nil
	}
	l.Infof("using file %s", cfg.CacheFile)
	return cache.NewFileStore(cfg.CacheFile), nil
}

func newUpstream(cfg *config.Config) *upstream.Client {
	c := upstream.NewClient(cfg.UpstreamURL, cfg.MonitoredAddress, cfg.UpstreamTimeout)
	c.JWT = cfg.UpstreamToken
	c.Retry.MaxRetries = cfg.MaxRetries
	return c
}

func newScheduler(cfg *config.Config) (*scheduler.Scheduler, error) {
	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}
	return scheduler.New(scheduler.Options{
		Address:           cfg.MonitoredAddress,
		Source:            newUpstream(cfg),
		Store:             store,
		Engine:            aggregate.New(cfg.HourlyWindowDays),
		MaxPages:          cfg.MaxPages,
		BackfillMaxPages:  cfg.BackfillMaxPages,
		InitialLookback:   time.Duration(cfg.InitialLookbackDays) * 24 * time.Hour,
		AutoUpdate:        cfg.AutoUpdate,
		RefreshInterval:   cfg.RefreshInterval,
		ReconcileInterval: cfg.ReconcileInterval,
		CycleTimeout:      cfg.CycleTimeout,
		BackfillTimeout:   cfg.BackfillTimeout,
	}), nil
}

func newRefreshLimit(every time.Duration) *rate.Limiter {
	if every <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(every), 1)
}
