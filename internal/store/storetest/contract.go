// Package storetest holds the behaviour every store.Store implementation must
// share, written as ginkgo specs so both the in-memory and the PostgreSQL
// suites can run them.
package storetest

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/hemrs/internal/store"
)

// Factory returns an empty store. It is called before every spec.
type Factory func() store.Store

// DescribeContract registers the store contract specs under the current container.
func DescribeContract(newStore Factory) {
	var (
		ctx context.Context
		s   store.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		s = newStore()
		DeferCleanup(func() {
			Expect(s.Close()).To(Succeed())
		})
	})

	Describe("devices", func() {
		It("should assign ids in creation order", func() {
			first, err := s.CreateDevice(ctx, store.NewDevice{Name: "esp32-kitchen", Location: "kitchen"})
			Expect(err).NotTo(HaveOccurred())
			second, err := s.CreateDevice(ctx, store.NewDevice{Name: "esp32-bedroom", Location: "bedroom"})
			Expect(err).NotTo(HaveOccurred())

			Expect(second.ID).To(BeNumerically(">", first.ID))

			devices, err := s.ListDevices(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(devices).To(Equal([]store.Device{first, second}))
		})

		It("should reject a device without a name", func() {
			_, err := s.CreateDevice(ctx, store.NewDevice{Location: "attic"})
			Expect(err).To(MatchError(store.ErrInvalid))
		})

		It("should return NotFound for an unknown device", func() {
			_, err := s.GetDevice(ctx, 4242)
			Expect(err).To(MatchError(store.ErrNotFound))
		})

		It("should update metadata but keep the id", func() {
			d, err := s.CreateDevice(ctx, store.NewDevice{Name: "esp32", Location: "hall"})
			Expect(err).NotTo(HaveOccurred())

			d.Name = "esp32-hall"
			d.Location = "upstairs hall"
			updated, err := s.UpdateDevice(ctx, d)
			Expect(err).NotTo(HaveOccurred())
			Expect(updated).To(Equal(d))

			got, err := s.GetDevice(ctx, d.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(d))
		})

		It("should not update an unknown device", func() {
			_, err := s.UpdateDevice(ctx, store.Device{ID: 99, Name: "ghost"})
			Expect(err).To(MatchError(store.ErrNotFound))
		})

		It("should return an empty list for an empty store", func() {
			devices, err := s.ListDevices(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(devices).To(BeEmpty())
		})
	})

	Describe("sensors", func() {
		var d1, d2 store.Device

		BeforeEach(func() {
			var err error
			d1, err = s.CreateDevice(ctx, store.NewDevice{Name: "d1", Location: "kitchen"})
			Expect(err).NotTo(HaveOccurred())
			d2, err = s.CreateDevice(ctx, store.NewDevice{Name: "d2", Location: "office"})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should list only the sensors of the requested device", func() {
			a, err := s.CreateSensor(ctx, store.NewSensor{DeviceID: d1.ID, Kind: "temperature", Unit: "C"})
			Expect(err).NotTo(HaveOccurred())
			_, err = s.CreateSensor(ctx, store.NewSensor{DeviceID: d2.ID, Kind: "humidity", Unit: "%"})
			Expect(err).NotTo(HaveOccurred())
			b, err := s.CreateSensor(ctx, store.NewSensor{DeviceID: d1.ID, Kind: "humidity", Unit: "%"})
			Expect(err).NotTo(HaveOccurred())

			sensors, err := s.ListSensors(ctx, d1.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(sensors).To(Equal([]store.Sensor{a, b}))
			for _, sensor := range sensors {
				Expect(sensor.DeviceID).To(Equal(d1.ID))
			}

			all, err := s.ListAllSensors(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(3))
		})

		It("should distinguish a device without sensors from an unknown device", func() {
			sensors, err := s.ListSensors(ctx, d2.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(sensors).NotTo(BeNil())
			Expect(sensors).To(BeEmpty())

			_, err = s.ListSensors(ctx, 999)
			Expect(err).To(MatchError(store.ErrNotFound))
		})

		It("should refuse orphan sensors", func() {
			_, err := s.CreateSensor(ctx, store.NewSensor{DeviceID: 999, Kind: "temperature"})
			Expect(err).To(MatchError(store.ErrNotFound))
		})

		It("should reject a sensor without a kind", func() {
			_, err := s.CreateSensor(ctx, store.NewSensor{DeviceID: d1.ID})
			Expect(err).To(MatchError(store.ErrInvalid))
		})

		It("should look up a sensor by id", func() {
			created, err := s.CreateSensor(ctx, store.NewSensor{DeviceID: d1.ID, Kind: "dht11", Name: "desk"})
			Expect(err).NotTo(HaveOccurred())

			got, err := s.GetSensor(ctx, created.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(created))

			_, err = s.GetSensor(ctx, created.ID+100)
			Expect(err).To(MatchError(store.ErrNotFound))
		})
	})

	Describe("measurements", func() {
		var s1, s2 store.Sensor

		BeforeEach(func() {
			d1, err := s.CreateDevice(ctx, store.NewDevice{Name: "d1", Location: "kitchen"})
			Expect(err).NotTo(HaveOccurred())
			s1, err = s.CreateSensor(ctx, store.NewSensor{DeviceID: d1.ID, Kind: "temperature"})
			Expect(err).NotTo(HaveOccurred())
			s2, err = s.CreateSensor(ctx, store.NewSensor{DeviceID: d1.ID, Kind: "humidity"})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should hold the kitchen scenario in order", func() {
			first := store.Measurement{SensorID: s1.ID, Timestamp: 100, Room: "kitchen", Temperature: store.Float(21.0), Humidity: store.Float(40)}
			second := store.Measurement{SensorID: s1.ID, Timestamp: 200, Room: "kitchen", Temperature: store.Float(22.0), Humidity: store.Float(42)}
			Expect(s.AppendMeasurement(ctx, first)).To(Succeed())
			Expect(s.AppendMeasurement(ctx, second)).To(Succeed())

			series, err := s.ListMeasurements(ctx, s1.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(series).To(Equal([]store.Measurement{first, second}))

			count, err := s.CountMeasurements(ctx, s1.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(int64(2)))

			latest, found, err := s.LatestMeasurement(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(latest).To(Equal(second))
		})

		It("should not share readings with callers", func() {
			v := 21.0
			Expect(s.AppendMeasurement(ctx, store.Measurement{SensorID: s1.ID, Timestamp: 100, Temperature: &v})).To(Succeed())
			v = 99

			series, err := s.ListMeasurements(ctx, s1.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(series).To(HaveLen(1))
			*series[0].Temperature += 1000

			latest, _, err := s.LatestMeasurementOf(ctx, s1.ID)
			Expect(err).NotTo(HaveOccurred())
			*latest.Temperature = -1

			overall, _, err := s.LatestMeasurement(ctx)
			Expect(err).NotTo(HaveOccurred())
			*overall.Temperature = -2

			series, err = s.ListMeasurements(ctx, s1.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(series[0].Temperature).To(HaveValue(Equal(21.0)))
			latest, _, err = s.LatestMeasurementOf(ctx, s1.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(latest.Temperature).To(HaveValue(Equal(21.0)))
		})

		It("should report Empty rather than an error when nothing is stored", func() {
			_, found, err := s.LatestMeasurement(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse())

			_, found, err = s.LatestMeasurementOf(ctx, s1.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse())

			series, err := s.ListMeasurements(ctx, s1.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(series).To(BeEmpty())

			total, err := s.TotalMeasurements(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(BeZero())
		})

		It("should reject duplicate and out of order timestamps", func() {
			Expect(s.AppendMeasurement(ctx, store.Measurement{SensorID: s1.ID, Timestamp: 200, Temperature: store.Float(20)})).To(Succeed())

			err := s.AppendMeasurement(ctx, store.Measurement{SensorID: s1.ID, Timestamp: 200, Temperature: store.Float(20.5)})
			Expect(err).To(MatchError(store.ErrDuplicate))

			err = s.AppendMeasurement(ctx, store.Measurement{SensorID: s1.ID, Timestamp: 150, Temperature: store.Float(19)})
			Expect(err).To(MatchError(store.ErrOutOfOrder))

			count, err := s.CountMeasurements(ctx, s1.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(int64(1)))
		})

		It("should keep per-sensor series independent", func() {
			Expect(s.AppendMeasurement(ctx, store.Measurement{SensorID: s1.ID, Timestamp: 300, Temperature: store.Float(20)})).To(Succeed())
			Expect(s.AppendMeasurement(ctx, store.Measurement{SensorID: s2.ID, Timestamp: 100, Humidity: store.Float(55)})).To(Succeed())

			total, err := s.TotalMeasurements(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(int64(2)))
		})

		It("should refuse orphan measurements", func() {
			err := s.AppendMeasurement(ctx, store.Measurement{SensorID: 999, Timestamp: 1, Temperature: store.Float(1)})
			Expect(err).To(MatchError(store.ErrNotFound))

			_, err = s.ListMeasurements(ctx, 999)
			Expect(err).To(MatchError(store.ErrNotFound))

			_, err = s.CountMeasurements(ctx, 999)
			Expect(err).To(MatchError(store.ErrNotFound))

			_, _, err = s.LatestMeasurementOf(ctx, 999)
			Expect(err).To(MatchError(store.ErrNotFound))
		})

		It("should reject a measurement without readings", func() {
			err := s.AppendMeasurement(ctx, store.Measurement{SensorID: s1.ID, Timestamp: 10, Room: "kitchen"})
			Expect(err).To(MatchError(store.ErrInvalid))
		})

		It("should pick the lowest sensor id on equal latest timestamps", func() {
			Expect(s.AppendMeasurement(ctx, store.Measurement{SensorID: s2.ID, Timestamp: 500, Humidity: store.Float(50)})).To(Succeed())
			Expect(s.AppendMeasurement(ctx, store.Measurement{SensorID: s1.ID, Timestamp: 500, Temperature: store.Float(21)})).To(Succeed())

			latest, found, err := s.LatestMeasurement(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(latest.SensorID).To(Equal(s1.ID))
		})

		It("should return a latest timestamp no lower than any stored one", func() {
			for i, ts := range []int64{10, 40, 90} {
				Expect(s.AppendMeasurement(ctx, store.Measurement{SensorID: s1.ID, Timestamp: ts, Temperature: store.Float(float64(i))})).To(Succeed())
			}
			for _, ts := range []int64{20, 60} {
				Expect(s.AppendMeasurement(ctx, store.Measurement{SensorID: s2.ID, Timestamp: ts, Humidity: store.Float(40)})).To(Succeed())
			}

			latest, found, err := s.LatestMeasurement(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			for _, id := range []int64{s1.ID, s2.ID} {
				series, err := s.ListMeasurements(ctx, id)
				Expect(err).NotTo(HaveOccurred())
				for _, m := range series {
					Expect(latest.Timestamp).To(BeNumerically(">=", m.Timestamp))
				}
			}

			perSensor, found, err := s.LatestMeasurementOf(ctx, s2.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(perSensor.Timestamp).To(Equal(int64(60)))
		})

		It("should serialize concurrent appends to one sensor", func() {
			const writers = 8
			var wg sync.WaitGroup
			errs := make(chan error, writers)
			for i := range writers {
				wg.Add(1)
				go func(ts int64) {
					defer GinkgoRecover()
					defer wg.Done()
					errs <- s.AppendMeasurement(ctx, store.Measurement{SensorID: s1.ID, Timestamp: 1000, Temperature: store.Float(float64(ts))})
				}(int64(i))
			}
			wg.Wait()
			close(errs)

			succeeded := 0
			for err := range errs {
				if err == nil {
					succeeded++
					continue
				}
				Expect(err).To(MatchError(store.ErrDuplicate))
			}
			Expect(succeeded).To(Equal(1))
		})
	})
}
