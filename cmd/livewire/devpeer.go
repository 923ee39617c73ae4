package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	ws "github.com/leonletto/livewire/internal/websocket"
)

func devpeerCmd() *cobra.Command {
	var (
		addr string
		tick time.Duration
	)
	cmd := &cobra.Command{
		Use:   "devpeer",
		Short: "Run a local backend for development",
		Long: `Run an in-process backend that serves the credential endpoint and the
websocket protocol.

It answers "echo" requests, serves the state handshake on the configured
sync events, and with --tick pushes a counter into the state every
interval.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.DevPeer.Addr
			}
			logger := newLogger(cfg)
			defer func() { _ = logger.Sync() }()

			opts := []ws.Option{ws.WithLogger(logger.Named("devpeer")), ws.WithTokenTTL(cfg.DevPeer.TokenTTL)}
			if cfg.DevPeer.RuntimeID != "" {
				opts = append(opts, ws.WithRuntimeID(cfg.DevPeer.RuntimeID))
			}
			server := ws.NewServer(addr, opts...)
			server.Handle("echo", "echo", func(_ context.Context, req *ws.Request) (any, error) {
				return req.Envelope.Data, nil
			})
			feed := ws.NewStateFeed(server, cfg.Sync.RequestEvent, cfg.Sync.PushEvent)

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			if err := server.Start(ctx); err != nil {
				return err
			}
			defer func() { _ = server.Stop() }()

			fmt.Fprintf(os.Stderr, "websocket:   %s\ncredentials: %s\n", server.URL(), server.CredentialURL())

			var ticks <-chan time.Time
			if tick > 0 {
				t := time.NewTicker(tick)
				defer t.Stop()
				ticks = t.C
			}
			var n int64
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticks:
					n++
					if _, err := feed.Set("counter", n); err != nil {
						logger.Warn("push counter", zap.Error(err))
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	cmd.Flags().DurationVar(&tick, "tick", 0, "Push a counter state change at this interval")
	return cmd
}
