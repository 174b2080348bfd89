// Package store runs the store contract against PostgreSQL.
package store

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"

	"procodus.dev/hemrs/internal/store"
	"procodus.dev/hemrs/internal/store/storetest"
	"procodus.dev/hemrs/pkg/metrics"
)

// openEmpty connects, migrates and truncates every table so ids start at 1.
func openEmpty() *gorm.DB {
	db, err := store.NewDB(dbConfig)
	Expect(err).NotTo(HaveOccurred())
	Expect(db.Exec("TRUNCATE measurements, sensors, devices RESTART IDENTITY CASCADE").Error).To(Succeed())
	return db
}

func newGormStore(m *metrics.StoreMetrics) *store.GormStore {
	s, err := store.NewGormStore(&store.GormStoreConfig{
		Logger:  testLogger,
		DB:      openEmpty(),
		Metrics: m,
	})
	Expect(err).NotTo(HaveOccurred())
	return s
}

var _ = Describe("GormStore", func() {
	Describe("contract", func() {
		storetest.DescribeContract(func() store.Store {
			return newGormStore(nil)
		})
	})

	Describe("persistence", func() {
		It("should keep data across connections", func() {
			ctx := context.Background()

			first := newGormStore(nil)
			device, err := first.CreateDevice(ctx, store.NewDevice{Name: "esp32-cellar", Location: "cellar"})
			Expect(err).NotTo(HaveOccurred())
			sensor, err := first.CreateSensor(ctx, store.NewSensor{DeviceID: device.ID, Kind: "DHT11"})
			Expect(err).NotTo(HaveOccurred())
			h := 71.0
			Expect(first.AppendMeasurement(ctx, store.Measurement{SensorID: sensor.ID, Timestamp: 1000, Humidity: &h})).To(Succeed())
			Expect(first.Close()).To(Succeed())

			db, err := store.NewDB(dbConfig)
			Expect(err).NotTo(HaveOccurred())
			second, err := store.NewGormStore(&store.GormStoreConfig{Logger: testLogger, DB: db})
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(second.Close)

			latest, ok, err := second.LatestMeasurementOf(ctx, sensor.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(latest.Humidity).To(HaveValue(Equal(71.0)))
			Expect(latest.Temperature).To(BeNil())
		})
	})

	Describe("metrics", func() {
		It("should count operations and report the pool", func() {
			ctx := context.Background()
			m := metrics.NewStoreMetricsWith(prometheus.NewRegistry(), "test")
			s := newGormStore(m)
			DeferCleanup(s.Close)

			_, err := s.CreateDevice(ctx, store.NewDevice{Name: "esp32-attic"})
			Expect(err).NotTo(HaveOccurred())
			_, err = s.GetDevice(ctx, 4242)
			Expect(err).To(MatchError(store.ErrNotFound))

			Expect(testutil.ToFloat64(m.OperationsTotal.WithLabelValues("create_device", "success"))).To(Equal(1.0))
			Expect(testutil.ToFloat64(m.OperationsTotal.WithLabelValues("get_device", "not_found"))).To(Equal(1.0))

			s.Stats()
			Expect(testutil.ToFloat64(m.ConnectionsOpen)).To(BeNumerically(">=", 1))
		})
	})
})
