package store_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/hemrs/internal/store"
	"procodus.dev/hemrs/internal/store/storetest"
)

var _ = Describe("MemoryStore", func() {
	storetest.DescribeContract(func() store.Store {
		return store.NewMemoryStore()
	})

	Describe("returned slices", func() {
		It("should not alias internal state", func() {
			s := store.NewMemoryStore()
			d, err := s.CreateDevice(ctx(), store.NewDevice{Name: "d1"})
			Expect(err).NotTo(HaveOccurred())

			devices, err := s.ListDevices(ctx())
			Expect(err).NotTo(HaveOccurred())
			devices[0].Name = "mutated"

			got, err := s.GetDevice(ctx(), d.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Name).To(Equal("d1"))
		})
	})
})

var _ = Describe("Measurement", func() {
	DescribeTable("Newer",
		func(a, b store.Measurement, expected bool) {
			Expect(a.Newer(b)).To(Equal(expected))
		},
		Entry("later timestamp wins", store.Measurement{SensorID: 2, Timestamp: 200}, store.Measurement{SensorID: 1, Timestamp: 100}, true),
		Entry("earlier timestamp loses", store.Measurement{SensorID: 1, Timestamp: 100}, store.Measurement{SensorID: 2, Timestamp: 200}, false),
		Entry("equal timestamp, lower sensor wins", store.Measurement{SensorID: 1, Timestamp: 100}, store.Measurement{SensorID: 2, Timestamp: 100}, true),
		Entry("equal timestamp, higher sensor loses", store.Measurement{SensorID: 3, Timestamp: 100}, store.Measurement{SensorID: 2, Timestamp: 100}, false),
	)

	DescribeTable("Validate",
		func(m store.Measurement, valid bool) {
			err := m.Validate()
			if valid {
				Expect(err).NotTo(HaveOccurred())
			} else {
				Expect(err).To(MatchError(store.ErrInvalid))
			}
		},
		Entry("temperature only", store.Measurement{SensorID: 1, Timestamp: 1, Temperature: store.Float(20)}, true),
		Entry("humidity only", store.Measurement{SensorID: 1, Timestamp: 1, Humidity: store.Float(40)}, true),
		Entry("no readings", store.Measurement{SensorID: 1, Timestamp: 1, Room: "kitchen"}, false),
		Entry("missing sensor", store.Measurement{Timestamp: 1, Temperature: store.Float(20)}, false),
		Entry("negative timestamp", store.Measurement{SensorID: 1, Timestamp: -5, Temperature: store.Float(20)}, false),
	)
})
