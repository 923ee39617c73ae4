package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leonletto/livewire/internal/client"
	"github.com/leonletto/livewire/internal/mirror"
	"github.com/leonletto/livewire/internal/statesync"
)

type modeEvent struct {
	TS           time.Time `json:"ts"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	RuntimeEpoch string    `json:"runtime_epoch,omitempty"`
	LastSeq      int64     `json:"last_seq"`
}

func syncCmd() *cobra.Command {
	var mirrorPath string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Mirror server state into SQLite and report sync mode changes",
		Long: `Keep a local SQLite mirror of server-side state.

A state handshake runs on every connect. Pushes are applied in sequence;
a gap or a backend restart triggers a full resync. Each mode change is
printed until the command is interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if mirrorPath != "" {
				cfg.Sync.MirrorPath = mirrorPath
			}
			if cfg.Sync.MirrorPath == "" {
				cfg.Sync.MirrorPath = mirror.InMemory
			}
			logger := newLogger(cfg)
			defer func() { _ = logger.Sync() }()

			store, err := mirror.Open(cfg.Sync.MirrorPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			c, err := newClient(cfg, logger)
			if err != nil {
				return err
			}
			defer c.Disconnect()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runSync(ctx, cmd.OutOrStdout(), c, store, cfg.StateSyncConfig(), logger)
		},
	}
	cmd.Flags().StringVar(&mirrorPath, "mirror", "", "SQLite mirror path (or LIVEWIRE_MIRROR_PATH; in memory when empty)")
	return cmd
}

// runSync drives a coordinator until ctx ends, recording the cursor in
// the mirror whenever the state becomes healthy.
func runSync(ctx context.Context, out io.Writer, c *client.Client, store *mirror.Store, cfg statesync.Config, logger *zap.Logger) error {
	cur, ok, err := store.Cursor(ctx)
	if err != nil {
		return err
	}
	if ok {
		cfg.ResumeEpoch = cur.RuntimeEpoch
		cfg.ResumeSeq = cur.Seq
		logger.Info("resuming mirror", zap.String("runtime_epoch", cur.RuntimeEpoch), zap.Int64("seq", cur.Seq))
	}
	coord := statesync.New(c, store, cfg, logger.Named("statesync"))

	events := make(chan modeEvent, 16)
	coord.OnModeChange(func(ch statesync.ModeChange) {
		st := coord.State()
		ev := modeEvent{TS: time.Now(), From: ch.From.String(), To: ch.To.String(), RuntimeEpoch: st.RuntimeEpoch, LastSeq: st.LastSeq}
		select {
		case events <- ev:
		default:
			logger.Warn("mode change dropped from output", zap.String("to", ev.To))
		}
	})
	coord.Start()
	defer coord.Stop()

	if err := c.Connect(ctx); err != nil {
		logger.Warn("initial connect failed, retrying in background", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			st := coord.State()
			if st.RuntimeEpoch != "" {
				if err := store.RecordCursor(context.Background(), st.RuntimeEpoch, st.LastSeq); err != nil {
					return err
				}
			}
			return nil
		case ev := <-events:
			if ev.To == statesync.ModeHealthy.String() {
				if err := store.RecordCursor(ctx, ev.RuntimeEpoch, ev.LastSeq); err != nil {
					logger.Warn("record cursor", zap.Error(err))
				}
			}
			err := printResult(out, ev, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "%s %s -> %s (epoch %s, seq %d)\n",
					ev.TS.Format(time.TimeOnly), ev.From, ev.To, ev.RuntimeEpoch, ev.LastSeq)
			})
			if err != nil {
				return err
			}
		}
	}
}
