package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cmdward/cmdward/internal/approval"
	"github.com/cmdward/cmdward/internal/daemon"
)

var (
	flagWatchAutoAllow bool
	flagWatchBy        string
)

func init() {
	watchCmd.Flags().BoolVar(&flagWatchAutoAllow, "auto-allow", false, "automatically allow every parked request (use with care)")
	watchCmd.Flags().StringVar(&flagWatchBy, "by", defaultResolver(), "resolver identity for --auto-allow")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream approval events as NDJSON",
	Long: `Stream approval events in NDJSON format for programmatic consumption.

Events are received in real-time via IPC subscription and written to stdout
as newline-delimited JSON objects.

Event types:
  exec.approval.requested - New request parked, awaiting a decision
  exec.approval.resolved  - Request resolved (decision null means timeout)`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	client := daemon.NewIPCClient(cfg.Daemon.SocketPath)
	defer client.Close()

	events, err := client.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to events: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := enc.Encode(event); err != nil {
				return fmt.Errorf("encoding event: %w", err)
			}
			if flagWatchAutoAllow && event.Type == approval.EventRequested {
				if id := eventRequestID(event); id != "" {
					go autoAllow(ctx, cfg.Daemon.SocketPath, id, enc)
				}
			}
		}
	}
}

// eventRequestID digs the record id out of a broadcast payload, which arrives
// as generic JSON after the round trip.
func eventRequestID(event daemon.Event) string {
	payload, ok := event.Payload.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := payload["id"].(string)
	return id
}

// autoAllow resolves a parked request on its own connection. The subscription
// connection stays dedicated to the event stream.
func autoAllow(ctx context.Context, socketPath, id string, enc *json.Encoder) {
	client := daemon.NewIPCClient(socketPath)
	defer client.Close()

	if _, err := client.Resolve(ctx, id, approval.DecisionAllowOnce, flagWatchBy); err != nil {
		enc.Encode(map[string]any{
			"type":  "auto_allow_error",
			"id":    id,
			"error": err.Error(),
		})
	}
}
