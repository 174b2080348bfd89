package cache_test

import (
	"context"
	"log/slog"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/hemrs/internal/cache"
)

var _ = Describe("Redis", func() {
	var logger *slog.Logger

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	})

	Describe("NewRedis", func() {
		It("should return error when config is nil", func() {
			c, err := cache.NewRedis(context.Background(), nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
			Expect(c).To(BeNil())
		})

		It("should return error when logger is nil", func() {
			c, err := cache.NewRedis(context.Background(), &cache.RedisConfig{Addr: "localhost:6379"})
			Expect(err).To(MatchError(ContainSubstring("logger")))
			Expect(c).To(BeNil())
		})

		It("should return error when address is empty", func() {
			c, err := cache.NewRedis(context.Background(), &cache.RedisConfig{Logger: logger})
			Expect(err).To(MatchError(ContainSubstring("address")))
			Expect(c).To(BeNil())
		})

		It("should fail when nothing listens on the address", func() {
			c, err := cache.NewRedis(context.Background(), &cache.RedisConfig{Logger: logger, Addr: "localhost:1"})
			Expect(err).To(HaveOccurred())
			Expect(c).To(BeNil())
		})
	})

	It("should namespace keys per sensor", func() {
		Expect(cache.Key(42)).To(Equal("hemrs:latest:42"))
	})
})
