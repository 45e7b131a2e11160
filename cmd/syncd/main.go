// Command syncd runs the field sync core as a standalone daemon. The
// mobile build embeds the same packages behind the host bridge; this
// binary exists for desktop use and soak testing against a real
// backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fieldscout/synccore/internal/auth"
	"github.com/fieldscout/synccore/internal/backend"
	"github.com/fieldscout/synccore/internal/config"
	"github.com/fieldscout/synccore/internal/connectivity"
	"github.com/fieldscout/synccore/internal/journal"
	"github.com/fieldscout/synccore/internal/logging"
	"github.com/fieldscout/synccore/internal/models"
	"github.com/fieldscout/synccore/internal/overlay"
	"github.com/fieldscout/synccore/internal/poller"
	"github.com/fieldscout/synccore/internal/queue"
	"github.com/fieldscout/synccore/internal/store"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := logrus.InfoLevel
	if *verbose {
		level = logrus.DebugLevel
	}
	logging.Init(os.Stdout, level)

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "syncd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg = config.Default()
		err = cfg.Validate()
	}
	if err != nil {
		return err
	}

	logging.Info("syncd starting", map[string]interface{}{"version": Version})

	dir, err := store.Open(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	jnl, err := journal.Open(cfg.Storage.DataDir, cfg.Storage.JournalFile)
	if err != nil {
		return err
	}
	defer jnl.Close()

	classifier := connectivity.New(nil)

	client := backend.NewClient(backend.Config{
		BaseURL:        cfg.Backend.BaseURL,
		APIKey:         cfg.Backend.APIKey,
		RequestTimeout: cfg.Backend.RequestTimeout.Std(),
		PullTimeout:    cfg.Backend.PullTimeout.Std(),
	}, nil)

	session := store.NewDocument[models.Credential](dir, "session")
	authMgr := auth.New(client, classifier, session, nil, auth.Config{
		RefreshInterval:  cfg.Auth.RefreshInterval.Std(),
		BackoffBase:      cfg.Auth.BackoffBase.Std(),
		BackoffCap:       cfg.Auth.BackoffCap.Std(),
		TransitionWindow: cfg.Connectivity.TransitionWindow.Std(),
	}, nil)
	client.SetTokenProvider(authMgr)

	q, err := queue.New(dir, client, classifier, authMgr, jnl, queue.Config{
		BackoffBase: cfg.Queue.BackoffBase.Std(),
		BackoffCap:  cfg.Queue.BackoffCap.Std(),
	}, nil)
	if err != nil {
		return err
	}
	defer q.Stop()

	overlayColl := store.NewCollection[models.OverlayRecord](dir, "overlay")
	cache, err := overlay.New(overlayColl, cfg.Overlay.PredictionTTL.Std(), nil)
	if err != nil {
		return err
	}

	orch := poller.New(poller.Config{
		Interval:     cfg.Poll.Interval.Std(),
		BulkInterval: cfg.Poll.BulkInterval.Std(),
		PullTimeout:  cfg.Backend.PullTimeout.Std(),
		LogEvery:     cfg.Poll.LogEvery,
	}, classifier, func() bool {
		return authMgr.State() == auth.StateAuthenticated ||
			authMgr.State() == auth.StateRefreshPending
	}, jnl)

	requests := &poller.Snapshot[models.ServiceRequest]{}
	orch.AddChannel(poller.NewReportsChannel(client, q, cfg.Poll.LogEvery))
	orch.AddChannel(poller.NewRequestsChannel(client, requests, orch.ForceBulkRefresh, cfg.Poll.LogEvery, nil))
	orch.AddChannel(poller.NewFeatureStatesChannel(client, cache, cfg.Poll.LogEvery))
	orch.SetBulkChannel(poller.NewBulkChannel(func(ctx context.Context) error {
		// The bulk layer rebuild re-pulls everything the fast channels
		// cover in one pass, so a forced trigger converges immediately.
		remote, err := client.ListSourceReports(ctx)
		if err != nil {
			return err
		}
		q.MergeRemote(remote)
		states, err := client.ListFeatureStates(ctx)
		if err != nil {
			return err
		}
		cache.ApplyAuthoritative(states)
		return nil
	}, cfg.Poll.LogEvery))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := authMgr.Restore(ctx); err != nil {
		logging.Error("session restore failed", err, nil)
	}

	go observePaths(ctx, classifier, cfg)
	go corroborateAP(ctx, classifier, cfg)
	go drainOnReconnect(ctx, classifier, q)

	// Flush anything startup reconciliation re-queued; offline the
	// drain stops at the gate and arms its own recheck.
	go q.Drain(ctx)

	orch.Start(ctx)
	defer orch.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logging.Info("syncd stopping", nil)
	return nil
}

// observePaths feeds the classifier in lieu of an OS path monitor: a
// cheap reachability check against the backend stands in for the
// preferred-path observer, and interface presence stands in for the
// WiFi association observer.
func observePaths(ctx context.Context, c *connectivity.Classifier, cfg *config.Config) {
	probe := &http.Client{Timeout: 3 * time.Second}
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	check := func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, cfg.Backend.BaseURL, nil)
		if err != nil {
			return
		}
		resp, err := probe.Do(req)
		if err == nil {
			resp.Body.Close()
		}
		c.ReportPreferredPath(err == nil)

		if cfg.Hardware.Interface != "" {
			iface, err := net.InterfaceByName(cfg.Hardware.Interface)
			c.ReportInterfacePath(err == nil && iface.Flags&net.FlagUp != 0)
		}
	}

	check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// drainOnReconnect flushes the operation queue as soon as an internet
// path reappears, so offline-authored work is sent immediately instead
// of waiting for the next local mutation or retry tick.
func drainOnReconnect(ctx context.Context, c *connectivity.Classifier, q *queue.Queue) {
	events, cancel := c.Subscribe()
	defer cancel()

	online := c.State().HasInternetPath
	for {
		select {
		case <-ctx.Done():
			return
		case state := <-events:
			if state.HasInternetPath && !online {
				go q.Drain(ctx)
			}
			online = state.HasInternetPath
		}
	}
}

// corroborateAP probes the hardware endpoint whenever the interface
// associates without a confirmed classification, and feeds the result
// back into the classifier.
func corroborateAP(ctx context.Context, c *connectivity.Classifier, cfg *config.Config) {
	if cfg.Hardware.BaseURL == "" {
		return
	}
	pinned := backend.NewPinnedClient(cfg.Hardware.BaseURL, cfg.Hardware.Interface, cfg.Hardware.Timeout.Std())

	events, cancel := c.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case state := <-events:
			if state.APState != models.APAssociatedUnconfirmed {
				continue
			}
			if pinned.Probe(ctx) {
				c.ReportIsolatedAPConfirmed(true)
			}
		}
	}
}
