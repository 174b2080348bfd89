package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/hemrs/internal/exporter"
	"procodus.dev/hemrs/internal/ingest"
	"procodus.dev/hemrs/internal/service"
	"procodus.dev/hemrs/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the telemetry server",
	Long: `Run the telemetry server that:
- Stores devices, sensors and measurements in memory or PostgreSQL
- Caches the latest measurement per sensor in memory or Redis
- Serves the HTTP JSON API, /metrics and the gRPC API
- Ingests measurements from RabbitMQ and MQTT when configured`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server flags
	serveCmd.Flags().Int("http-port", 8080, "HTTP server port")
	serveCmd.Flags().Int("grpc-port", 9090, "gRPC server port (0 disables gRPC)")
	serveCmd.Flags().StringSlice("cors-origins", nil, "browser origins allowed to call the API")

	// Store flags
	serveCmd.Flags().String("store", service.DriverMemory, "store driver (memory, postgres)")
	serveCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	serveCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	serveCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	serveCmd.Flags().String("db-password", "", "PostgreSQL password")
	serveCmd.Flags().String("db-name", "hemrs", "PostgreSQL database name")
	serveCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")

	// Cache flags
	serveCmd.Flags().String("cache", service.DriverMemory, "latest measurement cache (memory, redis; redis requires the postgres store)")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address")
	serveCmd.Flags().String("redis-password", "", "Redis password")
	serveCmd.Flags().Int("redis-db", 0, "Redis database")

	// Ingestion flags
	serveCmd.Flags().String("rabbitmq-url", "", "RabbitMQ URL (empty disables AMQP ingestion)")
	serveCmd.Flags().String("queue-name", "hemrs-measurements", "RabbitMQ queue name for measurements")
	serveCmd.Flags().String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883 (empty disables MQTT ingestion)")
	serveCmd.Flags().String("mqtt-topic", ingest.DefaultTopic, "MQTT topic filter for measurements")
	serveCmd.Flags().Bool("mqtt-embedded", false, "run an embedded MQTT broker")
	serveCmd.Flags().String("mqtt-listen", ":1883", "listen address of the embedded MQTT broker")

	// Exporter flags
	serveCmd.Flags().Duration("exporter-interval", exporter.DefaultInterval, "refresh interval of the reading gauges")
	serveCmd.Flags().Duration("exporter-freshness", exporter.DefaultFreshness, "maximum age of an exported reading")

	// Bind flags to viper
	_ = viper.BindPFlag("serve.http.port", serveCmd.Flags().Lookup("http-port"))
	_ = viper.BindPFlag("serve.grpc.port", serveCmd.Flags().Lookup("grpc-port"))
	_ = viper.BindPFlag("serve.cors.origins", serveCmd.Flags().Lookup("cors-origins"))
	_ = viper.BindPFlag("serve.store.driver", serveCmd.Flags().Lookup("store"))
	_ = viper.BindPFlag("serve.db.host", serveCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("serve.db.port", serveCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("serve.db.user", serveCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("serve.db.password", serveCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("serve.db.name", serveCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("serve.db.sslmode", serveCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("serve.cache.driver", serveCmd.Flags().Lookup("cache"))
	_ = viper.BindPFlag("serve.redis.addr", serveCmd.Flags().Lookup("redis-addr"))
	_ = viper.BindPFlag("serve.redis.password", serveCmd.Flags().Lookup("redis-password"))
	_ = viper.BindPFlag("serve.redis.db", serveCmd.Flags().Lookup("redis-db"))
	_ = viper.BindPFlag("serve.amqp.url", serveCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("serve.amqp.queue", serveCmd.Flags().Lookup("queue-name"))
	_ = viper.BindPFlag("serve.mqtt.broker", serveCmd.Flags().Lookup("mqtt-broker"))
	_ = viper.BindPFlag("serve.mqtt.topic", serveCmd.Flags().Lookup("mqtt-topic"))
	_ = viper.BindPFlag("serve.mqtt.embedded", serveCmd.Flags().Lookup("mqtt-embedded"))
	_ = viper.BindPFlag("serve.mqtt.listen", serveCmd.Flags().Lookup("mqtt-listen"))
	_ = viper.BindPFlag("serve.exporter.interval", serveCmd.Flags().Lookup("exporter-interval"))
	_ = viper.BindPFlag("serve.exporter.freshness", serveCmd.Flags().Lookup("exporter-freshness"))
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := GetLogger("hemrs-serve")
	logger.Info("starting telemetry service")

	config := &service.ServerConfig{
		Logger:      logger,
		StoreDriver: viper.GetString("serve.store.driver"),
		DB: &store.DBConfig{
			Host:     viper.GetString("serve.db.host"),
			Port:     viper.GetInt("serve.db.port"),
			User:     viper.GetString("serve.db.user"),
			Password: viper.GetString("serve.db.password"),
			DBName:   viper.GetString("serve.db.name"),
			SSLMode:  viper.GetString("serve.db.sslmode"),
		},
		CacheDriver:       viper.GetString("serve.cache.driver"),
		RedisAddr:         viper.GetString("serve.redis.addr"),
		RedisPassword:     viper.GetString("serve.redis.password"),
		RedisDB:           viper.GetInt("serve.redis.db"),
		HTTPPort:          viper.GetInt("serve.http.port"),
		GRPCPort:          viper.GetInt("serve.grpc.port"),
		CORSOrigins:       getStringSlice("serve.cors.origins"),
		RabbitMQURL:       viper.GetString("serve.amqp.url"),
		QueueName:         viper.GetString("serve.amqp.queue"),
		MQTTBroker:        viper.GetString("serve.mqtt.broker"),
		MQTTTopic:         viper.GetString("serve.mqtt.topic"),
		MQTTEmbedded:      viper.GetBool("serve.mqtt.embedded"),
		MQTTListen:        viper.GetString("serve.mqtt.listen"),
		ExporterInterval:  viper.GetDuration("serve.exporter.interval"),
		ExporterFreshness: viper.GetDuration("serve.exporter.freshness"),
	}

	server, err := service.NewServer(config)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return err
	}

	logger.Info("server configuration",
		"store", config.StoreDriver,
		"cache", config.CacheDriver,
		"http_port", config.HTTPPort,
		"grpc_port", config.GRPCPort,
		"amqp_enabled", config.RabbitMQURL != "",
		"mqtt_broker", config.MQTTBroker,
		"mqtt_embedded", config.MQTTEmbedded,
		"exporter_interval", config.ExporterInterval.Round(time.Second),
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		return err
	}

	logger.Info("telemetry service stopped")
	return nil
}
