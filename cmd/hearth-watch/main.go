// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// hearth-watch connects to a Matrix homeserver, follows the /sync
// stream, and prints a line for every change the reconciliation engine
// derives: room names, member changes, timeline messages, receipts,
// and presence. On exit it writes a state snapshot (when configured)
// so the next run resumes the stream instead of re-syncing from
// scratch.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/hearth-foundation/hearth/lib/config"
	"github.com/hearth-foundation/hearth/lib/ref"
	"github.com/hearth-foundation/hearth/messaging"
	"github.com/hearth-foundation/hearth/syncer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var logLevel string
	var noSnapshot bool

	flagSet := pflag.NewFlagSet("hearth-watch", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "config file path (default: $HEARTH_CONFIG)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolVar(&noSnapshot, "no-snapshot", false, "skip snapshot restore and save even when configured")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	var cfg config.Config
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return watch(ctx, cfg, logger, !noSnapshot)
}

func watch(ctx context.Context, cfg config.Config, logger *slog.Logger, useSnapshot bool) error {
	userID, err := ref.ParseUserID(cfg.Homeserver.UserID)
	if err != nil {
		return fmt.Errorf("homeserver.user_id: %w", err)
	}
	token, err := cfg.AccessToken()
	if err != nil {
		return err
	}
	filter, err := cfg.SyncFilter()
	if err != nil {
		return err
	}

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Homeserver.URL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	session, err := client.SessionFromToken(userID, token)
	if err != nil {
		return err
	}

	// The token must belong to the configured account; syncing with
	// someone else's token would silently build the wrong view.
	actual, err := session.WhoAmI(ctx)
	if err != nil {
		return fmt.Errorf("verifying access token: %w", err)
	}
	if actual != userID {
		return fmt.Errorf("access token belongs to %s, config names %s", actual, userID)
	}

	engine, err := syncer.NewEngine(syncer.EngineConfig{
		Self:           userID,
		Logger:         logger,
		ResolveInvites: cfg.Profiles.ResolveInvites,
	})
	if err != nil {
		return err
	}
	resolver := syncer.NewResolver(session, engine)
	defer resolver.Stop()

	loop, err := syncer.NewLoop(syncer.LoopConfig{
		Session:    session,
		Engine:     engine,
		TimeoutMS:  cfg.Sync.TimeoutMS,
		MaxBackoff: cfg.Sync.MaxBackoff,
		Filter:     filter,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	snapshotPath := cfg.Snapshot.Path
	if useSnapshot && snapshotPath != "" {
		snapshot, err := syncer.ReadSnapshotFile(snapshotPath)
		switch {
		case err == nil:
			if err := engine.Restore(snapshot); err != nil {
				return fmt.Errorf("restoring snapshot: %w", err)
			}
			loop.SetCursor(snapshot.NextBatch)
			logger.Info("snapshot restored",
				"path", snapshotPath,
				"rooms", len(snapshot.Rooms),
				"cursor", snapshot.NextBatch,
			)
		case errors.Is(err, os.ErrNotExist):
			logger.Info("no snapshot to restore", "path", snapshotPath)
		default:
			// A corrupt snapshot is not fatal: start from an empty
			// engine and a fresh initial sync.
			logger.Warn("snapshot unusable, starting fresh", "path", snapshotPath, "error", err)
		}
	}

	var printers sync.WaitGroup
	printers.Add(1)
	go func() {
		defer printers.Done()
		for notification := range engine.Notifications() {
			printNotification(notification)
		}
	}()

	runErr := loop.Run(ctx)
	engine.Close()
	printers.Wait()

	if useSnapshot && snapshotPath != "" && loop.Cursor() != "" {
		tag, err := syncer.ParseCompressionTag(cfg.Snapshot.Compression)
		if err != nil {
			tag = syncer.CompressionLZ4
		}
		if err := syncer.WriteSnapshotFile(snapshotPath, engine.Snapshot(loop.Cursor()), tag); err != nil {
			logger.Warn("snapshot save failed", "path", snapshotPath, "error", err)
		} else {
			logger.Info("snapshot saved", "path", snapshotPath, "cursor", loop.Cursor())
		}
	}
	return runErr
}

func printNotification(notification syncer.Notification) {
	switch n := notification.(type) {
	case syncer.RoomNameChange:
		fmt.Printf("room %s is now %q\n", n.RoomID, n.Name)
	case syncer.MemberChange:
		fmt.Printf("member %s in %s: %s\n", n.Member.UserID, n.Member.RoomID, strings.Join(n.Fields, ", "))
	case syncer.TimelineAppend:
		fmt.Printf("event %s in %s from %s (%s)\n", n.Event.ID, n.RoomID, n.Event.Sender, n.Event.Type)
	case syncer.ReceiptChange:
		fmt.Printf("receipt %s by %s on %s\n", n.Update.Type, n.Update.UserID, n.Update.EventID)
	case syncer.PresenceChange:
		fmt.Printf("presence %s: %s\n", n.After.ID, n.After.Presence)
	case syncer.LifecycleChange:
		if n.Err != nil {
			fmt.Printf("sync %s -> %s (%v)\n", n.From, n.To, n.Err)
		} else {
			fmt.Printf("sync %s -> %s\n", n.From, n.To)
		}
	case syncer.SectionProblem:
		fmt.Printf("skipped %s section in %s: %v\n", n.Section, n.RoomID, n.Err)
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})), nil
}
