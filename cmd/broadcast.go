package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Berailitz/bupt-messager/internal/broadcast"
	"github.com/Berailitz/bupt-messager/internal/config"
	"github.com/Berailitz/bupt-messager/internal/logging"
)

// newBroadcastCmd creates the 'broadcast' subcommand, a one-shot operator
// message publish that bypasses the notice pipeline.
func newBroadcastCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broadcast <message>",
		Short: "Publishes a free-form operator message to the broker",
		Args:  cobra.MinimumNArgs(1),

		RunE: runBroadcastCommand,
	}
	return cmd
}

func runBroadcastCommand(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if !cfg.Broker.Enabled {
		return fmt.Errorf("broker is disabled in configuration")
	}

	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	broadcaster, err := broadcast.NewAMQP(broadcast.Config{
		URL:        cfg.Broker.URL,
		Exchange:   cfg.Broker.Exchange,
		RoutingKey: cfg.Broker.RoutingKey,
		QueueName:  cfg.Broker.QueueName,
	}, logger)
	if err != nil {
		return fmt.Errorf("init broker: %w", err)
	}
	defer func() {
		if cerr := broadcaster.Close(); cerr != nil {
			logger.Warn("broker close failed", zap.Error(cerr))
		}
	}()

	text := strings.Join(args, " ")
	if err := broadcaster.BroadcastText(cmd.Context(), text); err != nil {
		return fmt.Errorf("broadcast message: %w", err)
	}
	logger.Info("operator message published", zap.Int("length", len(text)))
	return nil
}
