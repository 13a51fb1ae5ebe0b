package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orchestra-mcp/realtime/config"
	"github.com/orchestra-mcp/realtime/src/realtime"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var errConnectTimeout = errors.New("timed out waiting for broker connection")

// clientFlags binds the connection flags shared by tap and send. Values
// default to the environment.
func clientFlags(cmd *cobra.Command) *config.ClientConfig {
	cfg := config.ClientConfigFromEnv()
	cmd.Flags().StringVar(&cfg.URL, "url", cfg.URL, "Broker endpoint (ws://, wss://, http:// or https://)")
	cmd.Flags().StringVar(&cfg.Transport, "transport", cfg.Transport, "Transport: auto, websocket, sockjs or xhr")
	cmd.Flags().DurationVar(&cfg.ReconnectDelay, "reconnect-delay", cfg.ReconnectDelay, "Delay between reconnect attempts")
	return cfg
}

func newTapCommand(logger *zerolog.Logger) *cobra.Command {
	var cfg *config.ClientConfig
	cmd := &cobra.Command{
		Use:   "tap <topic>...",
		Short: "Subscribe to topics and print every message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := realtime.Dial(cfg, *logger)
			if err != nil {
				return err
			}
			defer client.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			out := make(chan types.Message, 64)
			for _, topic := range args {
				sub := client.Subscribe(topic, func(msg types.Message) {
					select {
					case out <- msg:
					case <-ctx.Done():
					}
				})
				defer sub.Unsubscribe()
			}

			for {
				select {
				case msg := <-out:
					if err := enc.Encode(struct {
						Topic string `json:"topic"`
						Data  any    `json:"data"`
					}{msg.Topic, msg.Data}); err != nil {
						return err
					}
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
	cfg = clientFlags(cmd)
	return cmd
}

func newSendCommand(logger *zerolog.Logger) *cobra.Command {
	var (
		cfg  *config.ClientConfig
		wait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send <destination> <json>",
		Short: "Send one message once connected",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := realtime.Dial(cfg, *logger)
			if err != nil {
				return err
			}
			defer client.Close()

			deadline := time.Now().Add(wait)
			for client.State() != types.Connected {
				if time.Now().After(deadline) {
					return fmt.Errorf("%w after %s", errConnectTimeout, wait)
				}
				time.Sleep(50 * time.Millisecond)
			}

			var payload any = json.RawMessage(args[1])
			if !json.Valid([]byte(args[1])) {
				payload = args[1]
			}
			if err := client.Send(args[0], payload); err != nil {
				return err
			}
			logger.Info().Str("destination", args[0]).Msg("sent")
			return nil
		},
	}
	cfg = clientFlags(cmd)
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "How long to wait for the connection")
	return cmd
}
