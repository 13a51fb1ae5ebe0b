package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/orchestra-mcp/realtime/config"
	"github.com/orchestra-mcp/realtime/src/bridge"
	"github.com/orchestra-mcp/realtime/src/broker"
	"github.com/orchestra-mcp/realtime/src/demo"
	"github.com/orchestra-mcp/realtime/src/service"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// brokerRuntime owns the hub, its HTTP server and the optional bridge.
type brokerRuntime struct {
	cfg     *config.BrokerConfig
	logger  zerolog.Logger
	hub     *broker.Hub
	server  *broker.Server
	service *service.Service
	bridge  bridge.Bridge
}

func newBrokerRuntime(cfg *config.BrokerConfig, logger zerolog.Logger) *brokerRuntime {
	return &brokerRuntime{cfg: cfg, logger: logger}
}

// Activate creates the hub and service and starts the event loop.
func (r *brokerRuntime) Activate(redis *bridge.RedisConfig) {
	r.hub = broker.New(r.cfg, r.logger)
	r.service = service.New(r.hub, r.logger)
	r.server = broker.NewServer(r.hub, r.cfg, r.logger)

	go r.hub.Run()

	if redis != nil && redis.Enabled {
		r.initBridge(redis)
	}
}

// initBridge tries to start the Redis relay. If Redis is not reachable the
// broker runs standalone.
func (r *brokerRuntime) initBridge(cfg *bridge.RedisConfig) {
	rb := bridge.NewRedisBridge(cfg, r.hub, r.logger)
	if err := rb.Start(); err != nil {
		r.logger.Warn().Err(err).Msg("redis bridge unavailable, running standalone")
		_ = rb.Stop()
		return
	}
	r.bridge = rb
	r.hub.SetBridge(rb)
	r.logger.Info().Str("redis_addr", cfg.Addr).Msg("redis bridge connected")
}

// Deactivate stops the server, the bridge and the hub.
func (r *brokerRuntime) Deactivate() {
	if r.server != nil {
		if err := r.server.Shutdown(); err != nil {
			r.logger.Error().Err(err).Msg("server shutdown error")
		}
	}
	if r.bridge != nil {
		if err := r.bridge.Stop(); err != nil {
			r.logger.Error().Err(err).Msg("bridge stop error")
		}
		r.bridge = nil
	}
	if r.hub != nil {
		r.hub.Stop()
	}
}

func newBrokerCommand(logger *zerolog.Logger) *cobra.Command {
	cfg := config.DefaultBrokerConfig()
	var (
		runDemo  bool
		useRedis bool
	)
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run the development STOMP broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			redisCfg := bridge.RedisConfigFromEnv()
			if cmd.Flags().Changed("redis") {
				redisCfg.Enabled = useRedis
			}

			rt := newBrokerRuntime(cfg, *logger)
			rt.Activate(redisCfg)
			defer rt.Deactivate()

			if runDemo {
				go func() {
					if err := demo.Run(ctx, rt.service, demo.DefaultIntervals(), *logger); err != nil {
						logger.Warn().Err(err).Msg("demo publishers not started")
					}
				}()
			}

			errCh := make(chan error, 1)
			go func() { errCh <- rt.server.ListenAndServe() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				logger.Info().Msg("shutting down")
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	cmd.Flags().StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "STOMP endpoint path")
	cmd.Flags().IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "Maximum concurrent websocket clients (0 for no limit)")
	cmd.Flags().DurationVar(&cfg.HeartbeatSend, "heartbeat-send", cfg.HeartbeatSend, "Heart-beat interval offered to clients")
	cmd.Flags().DurationVar(&cfg.HeartbeatRecv, "heartbeat-recv", cfg.HeartbeatRecv, "Heart-beat interval expected from clients")
	cmd.Flags().BoolVar(&runDemo, "demo", false, "Publish demo data on /topic/heatmap, /topic/feed and /topic/radio")
	cmd.Flags().BoolVar(&useRedis, "redis", false, "Relay publications through Redis (overrides REDIS_BRIDGE)")
	return cmd
}
