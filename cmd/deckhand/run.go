package main

import (
	"errors"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hullworks/deckhand/core"
	"github.com/hullworks/deckhand/internal/appconfig"
	"github.com/hullworks/deckhand/internal/envsync"
	"github.com/hullworks/deckhand/internal/eventbus"
	"github.com/hullworks/deckhand/internal/hub"
	"github.com/hullworks/deckhand/internal/muxsession"
	"github.com/hullworks/deckhand/internal/uploads"
	"github.com/hullworks/deckhand/internal/version"
	"github.com/hullworks/deckhand/schema"
	"pkt.systems/pslog"
)

func newRunCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the session agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			fileCfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			cfg, err := fileCfg.AgentConfig()
			if err != nil {
				return err
			}

			bus := eventbus.New(logger)
			registry := muxsession.NewRegistry(muxsession.Config{
				SessionName:  cfg.SessionName,
				WindowPrefix: cfg.WindowPrefix,
				SocketPath:   cfg.TmuxSocket,
				RuntimeDir:   filepath.Join(cfg.StateDir, "run"),
			}, bus, logger)

			envStore, err := envsync.NewStore(cfg.StateDir, logger)
			if err != nil {
				return err
			}
			staging, err := uploads.NewStaging(cfg.UploadDir, logger)
			if err != nil {
				return err
			}

			svc, err := core.NewService(cfg, core.Deps{
				Session: registry,
				Env:     envsync.New(envStore, registry, logger),
				Stager:  staging,
				Bus:     bus,
				Logger:  logger,
				Version: version.Current(),
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := svc.Start(ctx); err != nil {
				if errors.Is(err, schema.ErrTmuxMissing) {
					logger.Error("tmux binary not found; the agent cannot manage a session", "err", err)
				}
				return err
			}
			defer svc.Stop()

			conn := hub.New(hub.Options{
				URL:               cfg.HubURL,
				AgentID:           cfg.AgentID,
				Token:             cfg.Token,
				Version:           version.Current(),
				HeartbeatInterval: cfg.HeartbeatInterval,
				BackoffBase:       cfg.BackoffBase,
				BackoffMax:        cfg.BackoffMax,
				MaxAttempts:       cfg.MaxReconnectAttempts,
				Handler:           svc,
				Stats:             svc.Heartbeat,
				Logger:            logger,
			})
			svc.AttachHub(conn)
			conn.Connect(ctx)
			defer func() { _ = conn.Close() }()

			logger.Info("agent running",
				"agent", cfg.AgentID, "session", cfg.SessionName, "hub", cfg.HubURL)

			select {
			case <-ctx.Done():
				// Tabs outlive the agent process on purpose.
				logger.Info("shutting down, session left running", "session", cfg.SessionName)
				return nil
			case <-conn.Done():
				if ctx.Err() == nil {
					return schema.ErrReconnectExhausted
				}
				return nil
			}
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}
