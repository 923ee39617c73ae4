package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/leonletto/livewire/internal/client"
	"github.com/leonletto/livewire/internal/connection"
	"github.com/leonletto/livewire/internal/protocol"
)

// sendFlags are the addressing options shared by the sending commands.
type sendFlags struct {
	include       []string
	exclude       []string
	excludeSids   []string
	correlationID string
	timeout       time.Duration
}

func (f *sendFlags) register(cmd *cobra.Command, op protocol.Op) {
	switch op {
	case protocol.OpEmit, protocol.OpRequest:
		cmd.Flags().StringSliceVar(&f.include, "include", nil, "Only these handler ids")
		cmd.Flags().StringSliceVar(&f.exclude, "exclude", nil, "Skip these handler ids")
	case protocol.OpRequestAll:
		cmd.Flags().StringSliceVar(&f.exclude, "exclude", nil, "Skip these handler ids")
	case protocol.OpBroadcast:
		cmd.Flags().StringSliceVar(&f.excludeSids, "exclude-sid", nil, "Skip these session ids")
	}
	cmd.Flags().StringVar(&f.correlationID, "correlation-id", "", "Correlation id (generated when empty)")
	if op.AwaitsReply() {
		cmd.Flags().DurationVar(&f.timeout, "timeout", 30*time.Second, "Reply timeout (0 waits indefinitely)")
	}
}

func (f *sendFlags) options() protocol.Options {
	return protocol.Options{
		IncludeHandlers: f.include,
		ExcludeHandlers: f.exclude,
		ExcludeSids:     f.excludeSids,
		CorrelationID:   f.correlationID,
		Timeout:         f.timeout,
	}
}

// readData returns the JSON payload from args[1], or stdin when it is "-".
func readData(cmd *cobra.Command, args []string) (json.RawMessage, error) {
	if len(args) < 2 {
		return nil, nil
	}
	raw := []byte(args[1])
	if args[1] == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("data is not valid JSON")
	}
	return raw, nil
}

// withClient runs fn against a connected client and disconnects after.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	c, err := newClient(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Disconnect()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	return fn(ctx, c)
}

func emitCmd() *cobra.Command {
	var flags sendFlags
	cmd := &cobra.Command{
		Use:   "emit EVENT [JSON|-]",
		Short: "Send an event to the server's handlers",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readData(cmd, args)
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				return c.Emit(ctx, args[0], data, flags.options())
			})
		},
	}
	flags.register(cmd, protocol.OpEmit)
	return cmd
}

func broadcastCmd() *cobra.Command {
	var flags sendFlags
	cmd := &cobra.Command{
		Use:   "broadcast EVENT [JSON|-]",
		Short: "Send an event to every other session",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readData(cmd, args)
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				return c.Broadcast(ctx, args[0], data, flags.options())
			})
		},
	}
	flags.register(cmd, protocol.OpBroadcast)
	return cmd
}

func requestCmd() *cobra.Command {
	var flags sendFlags
	cmd := &cobra.Command{
		Use:   "request EVENT [JSON|-]",
		Short: "Send a request and print the handler's reply",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readData(cmd, args)
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				resp, err := c.Request(ctx, args[0], data, flags.options())
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), resp, func(w io.Writer) {
					printEntries(w, "", resp.Results)
				})
			})
		},
	}
	flags.register(cmd, protocol.OpRequest)
	return cmd
}

func requestAllCmd() *cobra.Command {
	var flags sendFlags
	cmd := &cobra.Command{
		Use:   "request-all EVENT [JSON|-]",
		Short: "Send a request to every responder and print all replies",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readData(cmd, args)
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				results, err := c.RequestAll(ctx, args[0], data, flags.options())
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), results, func(w io.Writer) {
					if len(results) == 0 {
						_, _ = fmt.Fprintln(w, "No responders.")
					}
					for _, r := range results {
						sid := r.SID
						if sid == "" {
							sid = "(no reply)"
						}
						_, _ = fmt.Fprintf(w, "%s:\n", sid)
						printEntries(w, "  ", r.Results)
					}
				})
			})
		},
	}
	flags.register(cmd, protocol.OpRequestAll)
	return cmd
}

func printEntries(w io.Writer, indent string, entries []protocol.ResultEntry) {
	for _, e := range entries {
		if e.OK {
			_, _ = fmt.Fprintf(w, "%s%s ok %s\n", indent, e.HandlerID, e.Data)
			continue
		}
		code := "unknown"
		if e.Error != nil {
			code = e.Error.Code
		}
		_, _ = fmt.Fprintf(w, "%s%s failed: %s\n", indent, e.HandlerID, code)
	}
}

func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen EVENT...",
		Short: "Print deliveries for the given events until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				out := cmd.OutOrStdout()
				deliveries := make(chan listened, 64)
				for _, event := range args {
					c.On(event, func(d *protocol.Delivery) {
						select {
						case deliveries <- listened{Event: event, Delivery: d}:
						default:
							fmt.Fprintf(os.Stderr, "dropping %s delivery %s: output too slow\n", event, d.EventID())
						}
					})
				}
				c.OnDisconnect(func(reason string) {
					fmt.Fprintf(os.Stderr, "disconnected: %s\n", reason)
				})
				c.OnConnect(func(info connection.ConnectInfo) {
					if info.RuntimeChanged {
						fmt.Fprintf(os.Stderr, "backend restarted: runtime %s\n", info.RuntimeID)
					}
				})

				if err := c.Connect(ctx); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "listening on %s\n", strings.Join(args, ", "))

				for {
					select {
					case <-ctx.Done():
						return nil
					case l := <-deliveries:
						err := printResult(out, l, func(w io.Writer) {
							_, _ = fmt.Fprintf(w, "%s %s from %s: %s\n",
								l.Delivery.TS().Local().Format(time.TimeOnly), l.Event, l.Delivery.HandlerID(), l.Delivery.RawData())
						})
						if err != nil {
							return err
						}
					}
				}
			})
		},
	}
}

type listened struct {
	Event    string             `json:"event"`
	Delivery *protocol.Delivery `json:"delivery"`
}
