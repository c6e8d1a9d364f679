package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaytrail/internal/mirror"
	"github.com/agentworkforce/relaytrail/internal/projection"
	"github.com/agentworkforce/relaytrail/internal/watch"
)

const shutdownTimeout = 10 * time.Second

func newSyncCommand(flags *globalFlags) *cobra.Command {
	var (
		once     bool
		interval time.Duration
		jitter   float64
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Mirror new submissions into the archive on a jittered interval",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			if err := requireUser(cfg); err != nil {
				return err
			}
			if cmd.Flags().Changed("interval") {
				cfg.SyncInterval = interval
			}
			if cmd.Flags().Changed("interval-jitter") {
				cfg.SyncIntervalJitter = jitter
			}
			rt, err := openRuntime(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()
			orch, err := rt.orchestrator()
			if err != nil {
				return err
			}
			return runSyncLoop(cmd.Context(), rt, orch, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run one sync and exit")
	cmd.Flags().DurationVar(&interval, "interval", 0, "sync interval (RELAYTRAIL_SYNC_INTERVAL)")
	cmd.Flags().Float64Var(&jitter, "interval-jitter", 0, "sync interval jitter ratio 0.0-1.0 (RELAYTRAIL_SYNC_INTERVAL_JITTER)")
	return cmd
}

func runSyncLoop(ctx context.Context, rt *runtime, orch *mirror.Orchestrator, once bool) error {
	result := orch.Sync(ctx, rt.cfg.UserID)
	if once {
		if !result.Success && result.Outcome != mirror.OutcomeLockHeld {
			return result.Err
		}
		return nil
	}

	schedule := newSyncSchedule(rt.cfg.SyncInterval, rt.cfg.SyncIntervalJitter, nil)
	timer := time.NewTimer(schedule.next())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			rt.logger.Info("sync stopping", "reason", ctx.Err())
			return nil
		case <-timer.C:
			orch.Sync(ctx, rt.cfg.UserID)
			timer.Reset(schedule.next())
		}
	}
}

func newPollCommand(flags *globalFlags) *cobra.Command {
	var (
		draftsDir string
		interval  time.Duration
		once      bool
	)
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Capture editor snapshots from a drafts directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			if err := requireUser(cfg); err != nil {
				return err
			}
			if cmd.Flags().Changed("drafts-dir") {
				cfg.DraftsDir = draftsDir
			}
			if cmd.Flags().Changed("interval") {
				cfg.PollInterval = interval
			}
			if strings.TrimSpace(cfg.DraftsDir) == "" {
				return errors.New("drafts directory is required (--drafts-dir or RELAYTRAIL_DRAFTS_DIR)")
			}
			rt, err := openRuntime(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()
			poller, err := watch.NewPoller(watch.Options{
				Dir:      cfg.DraftsDir,
				UserID:   cfg.UserID,
				Engine:   rt.engine,
				Visits:   rt.repo,
				Interval: cfg.PollInterval,
				Clock:    rt.clock,
				Logger:   rt.logger,
			})
			if err != nil {
				return err
			}
			if once {
				result, err := poller.Scan(cmd.Context())
				rt.logger.Info("draft scan", "drafts", result.Drafts, "written", result.Written, "unchanged", result.Unchanged, "resets", result.Resets)
				return err
			}
			rt.logger.Info("polling drafts", "dir", cfg.DraftsDir, "interval", cfg.PollInterval)
			return poller.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&draftsDir, "drafts-dir", "", "directory of <subject>.<ext> drafts (RELAYTRAIL_DRAFTS_DIR)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "scan interval (RELAYTRAIL_POLL_INTERVAL)")
	cmd.Flags().BoolVar(&once, "once", false, "scan once and exit")
	return cmd
}

func newServeCommand(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the archive over HTTP and websocket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.ListenAddr = addr
			}
			rt, err := openRuntime(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()
			source, err := rt.source()
			if err != nil {
				return err
			}
			handler := projection.NewServer(source, projection.ServerConfig{
				Token:          cfg.APIToken,
				StreamInterval: cfg.StreamInterval,
				Gatherer:       rt.registry,
				Clock:          rt.clock,
				Logger:         rt.logger,
			})
			return serveHTTP(cmd.Context(), rt, cfg.ListenAddr, handler)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (RELAYTRAIL_LISTEN_ADDR)")
	return cmd
}

func serveHTTP(ctx context.Context, rt *runtime, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("relaytrail listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newMountCommand(flags *globalFlags) *cobra.Command {
	var allowOther bool
	cmd := &cobra.Command{
		Use:   "mount <mountpoint>",
		Short: "Expose the archive as a read-only filesystem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			if err := requireUser(cfg); err != nil {
				return err
			}
			rt, err := openRuntime(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()
			source, err := rt.source()
			if err != nil {
				return err
			}
			server, err := projection.Mount(projection.MountOptions{
				Mountpoint: args[0],
				Source:     source,
				UserID:     cfg.UserID,
				AllowOther: allowOther,
				Logger:     rt.logger,
			})
			if err != nil {
				return err
			}
			rt.logger.Info("archive mounted", "mountpoint", args[0], "user", cfg.UserID)
			go func() {
				<-cmd.Context().Done()
				if err := server.Unmount(); err != nil {
					rt.logger.Warn("unmount failed", "err", err)
				}
			}()
			server.Wait()
			return nil
		},
	}
	cmd.Flags().BoolVar(&allowOther, "allow-other", false, "let other users read the mount")
	return cmd
}
