package exporter_test

import (
	"context"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/hemrs/internal/exporter"
	"procodus.dev/hemrs/internal/query"
	"procodus.dev/hemrs/internal/store"
	"procodus.dev/hemrs/pkg/metrics"
)

var _ = Describe("Exporter", func() {
	var (
		ctx    context.Context
		logger *slog.Logger
		st     *store.MemoryStore
		engine *query.Engine
		tm     *metrics.TelemetryMetrics
		now    time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
		st = store.NewMemoryStore()
		now = time.Unix(10_000, 0)

		var err error
		engine, err = query.NewEngine(&query.Config{Logger: logger, Store: st})
		Expect(err).NotTo(HaveOccurred())
		tm = metrics.NewTelemetryMetricsWith(prometheus.NewRegistry(), "test")

		d, err := st.CreateDevice(ctx, store.NewDevice{Name: "esp32-kitchen", Location: "kitchen"})
		Expect(err).NotTo(HaveOccurred())
		_, err = st.CreateSensor(ctx, store.NewSensor{DeviceID: d.ID, Kind: "dht11"})
		Expect(err).NotTo(HaveOccurred())
		_, err = st.CreateSensor(ctx, store.NewSensor{DeviceID: d.ID, Kind: "dht11"})
		Expect(err).NotTo(HaveOccurred())
	})

	newExporter := func() *exporter.Exporter {
		e, err := exporter.New(&exporter.Config{
			Logger:    logger,
			Query:     engine,
			Metrics:   tm,
			Freshness: time.Minute,
			Now:       func() time.Time { return now },
		})
		Expect(err).NotTo(HaveOccurred())
		return e
	}

	Describe("New", func() {
		It("should return error when config is nil", func() {
			e, err := exporter.New(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
			Expect(e).To(BeNil())
		})

		It("should return error when metrics are nil", func() {
			e, err := exporter.New(&exporter.Config{Logger: logger, Query: engine})
			Expect(err).To(MatchError(ContainSubstring("metrics cannot be nil")))
			Expect(e).To(BeNil())
		})

		It("should reject negative durations", func() {
			e, err := exporter.New(&exporter.Config{Logger: logger, Query: engine, Metrics: tm, Interval: -time.Second})
			Expect(err).To(HaveOccurred())
			Expect(e).To(BeNil())
		})
	})

	Describe("Refresh", func() {
		It("should export fresh readings only", func() {
			Expect(st.AppendMeasurement(ctx, store.Measurement{SensorID: 1, Timestamp: now.Unix() - 10, Room: "kitchen", Temperature: store.Float(21.5), Humidity: store.Float(44)})).To(Succeed())
			Expect(st.AppendMeasurement(ctx, store.Measurement{SensorID: 2, Timestamp: now.Unix() - 3600, Room: "kitchen", Temperature: store.Float(19)})).To(Succeed())

			Expect(newExporter().Refresh(ctx)).To(Succeed())

			Expect(testutil.ToFloat64(tm.MeasurementValue.WithLabelValues("esp32-kitchen", "kitchen", "1", "dht11", "temperature"))).To(Equal(21.5))
			Expect(testutil.ToFloat64(tm.MeasurementValue.WithLabelValues("esp32-kitchen", "kitchen", "1", "dht11", "humidity"))).To(Equal(44.0))
			Expect(testutil.CollectAndCount(tm.MeasurementValue)).To(Equal(2))
			Expect(testutil.ToFloat64(tm.MeasurementsTotal)).To(Equal(2.0))
			Expect(testutil.ToFloat64(tm.LastRefresh)).To(Equal(float64(now.Unix())))
		})

		It("should drop readings that went stale since the last refresh", func() {
			Expect(st.AppendMeasurement(ctx, store.Measurement{SensorID: 1, Timestamp: now.Unix(), Temperature: store.Float(21.5)})).To(Succeed())
			e := newExporter()
			Expect(e.Refresh(ctx)).To(Succeed())
			Expect(testutil.CollectAndCount(tm.MeasurementValue)).To(Equal(1))

			now = now.Add(time.Hour)
			Expect(e.Refresh(ctx)).To(Succeed())
			Expect(testutil.CollectAndCount(tm.MeasurementValue)).To(BeZero())
		})

		It("should update live series in place", func() {
			Expect(st.AppendMeasurement(ctx, store.Measurement{SensorID: 1, Timestamp: now.Unix() - 20, Temperature: store.Float(20)})).To(Succeed())
			Expect(st.AppendMeasurement(ctx, store.Measurement{SensorID: 2, Timestamp: now.Unix() - 20, Humidity: store.Float(50)})).To(Succeed())
			e := newExporter()
			Expect(e.Refresh(ctx)).To(Succeed())

			// A wholesale reset would detach this child from the vector.
			gauge := tm.MeasurementValue.WithLabelValues("esp32-kitchen", "kitchen", "1", "dht11", "temperature")

			Expect(st.AppendMeasurement(ctx, store.Measurement{SensorID: 1, Timestamp: now.Unix() - 10, Temperature: store.Float(23)})).To(Succeed())
			Expect(e.Refresh(ctx)).To(Succeed())

			Expect(testutil.ToFloat64(gauge)).To(Equal(23.0))
			Expect(testutil.CollectAndCount(tm.MeasurementValue)).To(Equal(2))
		})
	})

	Describe("Start", func() {
		It("should refresh immediately and stop on cancel", func() {
			runCtx, cancel := context.WithCancel(ctx)
			e := newExporter()
			e.Start(runCtx)

			Eventually(func() float64 { return testutil.ToFloat64(tm.LastRefresh) }).Should(Equal(float64(now.Unix())))

			cancel()
			finished := make(chan struct{})
			go func() {
				e.Wait()
				close(finished)
			}()
			Eventually(finished, time.Second).Should(BeClosed())
		})
	})
})
