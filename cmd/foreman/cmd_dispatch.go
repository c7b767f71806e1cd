package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"foreman/pkg/config"
	"foreman/pkg/effects"
	"foreman/pkg/store"
	"foreman/pkg/workorder"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

// newDispatchCmd creates the "foreman dispatch" subcommand. By default it
// runs one ProcessBatch pass and exits; --follow keeps draining the queue,
// waking on database file changes with a fallback poll ticker as a safety
// net.
func newDispatchCmd(configPath *string) *cobra.Command {
	var follow bool
	var maxEvents int

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Process pending effect-queue events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, st, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			log := newLogger()
			d := buildDispatcher(cfg, st, log)
			limit := maxEvents
			if limit <= 0 {
				limit = cfg.Dispatch.MaxEvents
			}

			if !follow {
				sum, err := d.ProcessBatch(cmd.Context(), limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "claimed=%d succeeded=%d failed=%d\n",
					sum.Claimed, sum.Succeeded, sum.Failed)
				return nil
			}
			return followLoop(cmd.Context(), d, cfg, limit, log)
		},
	}

	cmd.Flags().BoolVar(&follow, "follow", false, "keep draining the queue until interrupted")
	cmd.Flags().IntVar(&maxEvents, "max-events", 0, "events claimed per pass (0 = config default)")
	return cmd
}

// buildDispatcher wires the handler registry against the store and the
// configured side-effect targets.
func buildDispatcher(cfg config.Config, st *store.Store, log *slog.Logger) *effects.Dispatcher {
	client := effects.NewSideEffectClient(nil, effects.DefaultRetryConfig(), 0, log)
	registry := effects.NewRegistry()
	effects.RegisterDefaults(registry, st, client, map[workorder.EventType]string{
		workorder.EventRepoSync:      cfg.Targets.RepoSync,
		workorder.EventChatNotify:    cfg.Targets.ChatNotify,
		workorder.EventDocSync:       cfg.Targets.DocSync,
		workorder.EventWebhookFanout: cfg.Targets.Webhook,
	}, log)
	return effects.NewDispatcher(st, registry, log)
}

// followLoop drains the queue whenever the database changes. fsnotify on
// the database directory gives prompt wakeups; the poll ticker catches
// anything the watcher misses. Falls back to pure polling if the watcher
// cannot be created.
func followLoop(ctx context.Context, d *effects.Dispatcher, cfg config.Config, limit int, log *slog.Logger) error {
	pass := func() {
		if _, err := d.ProcessBatch(ctx, limit); err != nil {
			log.Error("dispatch pass failed", "error", err)
		}
	}
	pass()

	ticker := time.NewTicker(cfg.Dispatch.PollInterval.Std())
	defer ticker.Stop()

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		// Close the created handle, not the watcher variable: the variable
		// is cleared below when the directory cannot be watched.
		w := watcher
		defer func() { _ = w.Close() }()
		if err := watcher.Add(filepath.Dir(cfg.DBPath)); err != nil {
			log.Warn("watch database dir failed, polling only", "error", err)
			watcher = nil
		}
	} else {
		log.Warn("fsnotify unavailable, polling only", "error", err)
		watcher = nil
	}

	for {
		if watcher != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-watcher.Events:
				pass()
			case werr := <-watcher.Errors:
				if werr != nil {
					log.Warn("watcher error", "error", werr)
				}
			case <-ticker.C:
				pass()
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pass()
		}
	}
}
