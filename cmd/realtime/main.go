package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	var (
		level   string
		jsonLog bool
		logger  zerolog.Logger
	)

	root := &cobra.Command{
		Use:           "realtime",
		Short:         "Realtime STOMP client and development broker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := newLogger(level, jsonLog)
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
	}
	root.PersistentFlags().StringVar(&level, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&jsonLog, "log-json", false, "Emit JSON logs instead of console output")

	root.AddCommand(newBrokerCommand(&logger))
	root.AddCommand(newTapCommand(&logger))
	root.AddCommand(newSendCommand(&logger))

	if err := root.Execute(); err != nil {
		logger.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func newLogger(level string, asJSON bool) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, err
	}
	if asJSON {
		return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger(), nil
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}
