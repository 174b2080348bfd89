package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/hemrs/internal/ingest"
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run a standalone MQTT broker",
	Long: `Run a standalone MQTT broker that sensor boards publish to and
"hemrs serve --mqtt-broker" subscribes to.`,
	RunE: runBroker,
}

func init() {
	rootCmd.AddCommand(brokerCmd)

	brokerCmd.Flags().String("listen", ":1883", "MQTT listen address")
	_ = viper.BindPFlag("broker.listen", brokerCmd.Flags().Lookup("listen"))
}

func runBroker(_ *cobra.Command, _ []string) error {
	logger := GetLogger("hemrs-broker")

	broker, err := ingest.NewBroker(&ingest.BrokerConfig{
		Logger:  logger,
		Address: viper.GetString("broker.listen"),
	})
	if err != nil {
		logger.Error("failed to create broker", "error", err)
		return err
	}

	if err := broker.Start(); err != nil {
		logger.Error("broker error", "error", err)
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	logger.Info("received shutdown signal", "signal", sig.String())

	return broker.Close()
}
