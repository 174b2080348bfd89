package cache_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/hemrs/internal/cache"
	"procodus.dev/hemrs/internal/store"
)

var _ = Describe("Memory", func() {
	var (
		ctx context.Context
		c   *cache.Memory
	)

	BeforeEach(func() {
		ctx = context.Background()
		c = cache.NewMemory()
	})

	It("should miss for an unknown sensor", func() {
		_, found, err := c.Get(ctx, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeFalse())
	})

	It("should return the newest measurement", func() {
		Expect(c.Set(ctx, store.Measurement{SensorID: 1, Timestamp: 100, Temperature: store.Float(20)})).To(Succeed())
		Expect(c.Set(ctx, store.Measurement{SensorID: 1, Timestamp: 200, Temperature: store.Float(21)})).To(Succeed())

		m, found, err := c.Get(ctx, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(m.Timestamp).To(Equal(int64(200)))
	})

	It("should not regress to an older measurement", func() {
		Expect(c.Set(ctx, store.Measurement{SensorID: 1, Timestamp: 200, Temperature: store.Float(21)})).To(Succeed())
		Expect(c.Set(ctx, store.Measurement{SensorID: 1, Timestamp: 150, Temperature: store.Float(19)})).To(Succeed())

		m, _, err := c.Get(ctx, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(*m.Temperature).To(Equal(21.0))
	})

	It("should keep sensors apart", func() {
		Expect(c.Set(ctx, store.Measurement{SensorID: 1, Timestamp: 10, Humidity: store.Float(40)})).To(Succeed())

		_, found, err := c.Get(ctx, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeFalse())
	})

	It("should forget a deleted sensor", func() {
		Expect(c.Set(ctx, store.Measurement{SensorID: 1, Timestamp: 10, Humidity: store.Float(40)})).To(Succeed())
		Expect(c.Delete(ctx, 1)).To(Succeed())

		_, found, err := c.Get(ctx, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeFalse())
	})

	It("should accept an older measurement after a delete", func() {
		Expect(c.Set(ctx, store.Measurement{SensorID: 1, Timestamp: 200, Temperature: store.Float(21)})).To(Succeed())
		Expect(c.Delete(ctx, 1)).To(Succeed())
		Expect(c.Set(ctx, store.Measurement{SensorID: 1, Timestamp: 100, Temperature: store.Float(20)})).To(Succeed())

		m, found, err := c.Get(ctx, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(m.Timestamp).To(Equal(int64(100)))
	})

	It("should copy readings in and out", func() {
		v := 20.0
		Expect(c.Set(ctx, store.Measurement{SensorID: 1, Timestamp: 10, Temperature: &v})).To(Succeed())
		v = 99

		m, _, err := c.Get(ctx, 1)
		Expect(err).NotTo(HaveOccurred())
		*m.Temperature = -1

		again, _, err := c.Get(ctx, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(again.Temperature).To(HaveValue(Equal(20.0)))
	})
})
