package logger_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/hemrs/pkg/logger"
)

func decodeEntry(buf *bytes.Buffer) map[string]any {
	var entry map[string]any
	ExpectWithOffset(1, json.Unmarshal(buf.Bytes(), &entry)).To(Succeed())
	return entry
}

var _ = Describe("Logger", func() {
	Describe("New", func() {
		It("should fall back to defaults with a nil config", func() {
			Expect(logger.New(nil)).NotTo(BeNil())
		})

		It("should not mutate the provided config", func() {
			cfg := &logger.Config{Level: slog.LevelDebug}
			Expect(logger.New(cfg)).NotTo(BeNil())
			Expect(cfg.Output).To(BeNil())
		})

		It("should tag records with the service name", func() {
			buf := &bytes.Buffer{}
			log := logger.New(&logger.Config{Output: buf, Service: "hemrs-serve"})

			log.Info("ready")

			Expect(decodeEntry(buf)).To(HaveKeyWithValue("service", "hemrs-serve"))
		})

		It("should include source information when asked", func() {
			buf := &bytes.Buffer{}
			log := logger.New(&logger.Config{Output: buf, AddSource: true})

			log.Info("with source")

			Expect(decodeEntry(buf)).To(HaveKey(slog.SourceKey))
		})

		It("should write logfmt lines in text format", func() {
			buf := &bytes.Buffer{}
			log := logger.New(&logger.Config{Output: buf, Format: "TEXT"})

			log.Info("measurement stored", "sensor_id", 1)

			Expect(buf.String()).To(ContainSubstring(`msg="measurement stored"`))
			Expect(buf.String()).To(ContainSubstring("sensor_id=1"))
		})
	})

	Describe("JSON output", func() {
		var (
			buf *bytes.Buffer
			log *slog.Logger
		)

		BeforeEach(func() {
			buf = &bytes.Buffer{}
			log = logger.New(&logger.Config{Level: slog.LevelInfo, Output: buf})
		})

		It("should include the standard and custom fields", func() {
			log.Info("measurement stored", "sensor_id", 3, "room", "kitchen")

			entry := decodeEntry(buf)
			Expect(entry).To(HaveKey("time"))
			Expect(entry).To(HaveKeyWithValue("level", "INFO"))
			Expect(entry).To(HaveKeyWithValue("msg", "measurement stored"))
			Expect(entry).To(HaveKeyWithValue("sensor_id", float64(3)))
			Expect(entry).To(HaveKeyWithValue("room", "kitchen"))
		})

		It("should carry context fields", func() {
			logger.WithContext(log, slog.String("request_id", "req-1")).Info("handled")
			Expect(decodeEntry(buf)).To(HaveKeyWithValue("request_id", "req-1"))
		})

		It("should tag the component", func() {
			logger.ForComponent(log, "amqp-consumer").Warn("requeued")
			entry := decodeEntry(buf)
			Expect(entry).To(HaveKeyWithValue("component", "amqp-consumer"))
			Expect(entry).To(HaveKeyWithValue("level", "WARN"))
		})
	})

	Describe("Level filtering", func() {
		DescribeTable("should respect the configured level",
			func(level slog.Level, logFunc func(*slog.Logger), shouldAppear bool) {
				buf := &bytes.Buffer{}
				logFunc(logger.New(&logger.Config{Level: level, Output: buf}))
				Expect(len(strings.TrimSpace(buf.String())) > 0).To(Equal(shouldAppear))
			},
			Entry("debug logged at debug", slog.LevelDebug, func(l *slog.Logger) { l.Debug("m") }, true),
			Entry("debug dropped at info", slog.LevelInfo, func(l *slog.Logger) { l.Debug("m") }, false),
			Entry("warn logged at info", slog.LevelInfo, func(l *slog.Logger) { l.Warn("m") }, true),
			Entry("info dropped at error", slog.LevelError, func(l *slog.Logger) { l.Info("m") }, false),
			Entry("error logged at error", slog.LevelError, func(l *slog.Logger) { l.Error("m") }, true),
		)
	})

	Describe("ParseLevel", func() {
		DescribeTable("should map names to levels",
			func(input string, expected slog.Level) {
				Expect(logger.ParseLevel(input)).To(Equal(expected))
			},
			Entry("debug", "debug", slog.LevelDebug),
			Entry("upper case", "DEBUG", slog.LevelDebug),
			Entry("info", "info", slog.LevelInfo),
			Entry("warn", "warn", slog.LevelWarn),
			Entry("warning", "warning", slog.LevelWarn),
			Entry("error with spaces", " error ", slog.LevelError),
			Entry("unknown", "verbose", slog.LevelInfo),
		)
	})

	Describe("LookupLevel", func() {
		It("should reject unknown names", func() {
			_, err := logger.LookupLevel("verbose")
			Expect(err).To(MatchError(ContainSubstring(`unknown log level "verbose"`)))
		})

		It("should treat an empty name as info", func() {
			level, err := logger.LookupLevel("")
			Expect(err).NotTo(HaveOccurred())
			Expect(level).To(Equal(slog.LevelInfo))
		})
	})

	Describe("DefaultConfig", func() {
		It("should default to JSON at info without source", func() {
			cfg := logger.DefaultConfig()
			Expect(cfg.Format).To(Equal(logger.FormatJSON))
			Expect(cfg.Level).To(Equal(slog.LevelInfo))
			Expect(cfg.AddSource).To(BeFalse())
		})
	})
})
