package store_test

import (
	"log/slog"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/hemrs/internal/store"
)

var _ = Describe("GormStore", func() {
	Describe("NewGormStore", func() {
		It("should return error when config is nil", func() {
			s, err := store.NewGormStore(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
			Expect(s).To(BeNil())
		})

		It("should return error when logger is nil", func() {
			s, err := store.NewGormStore(&store.GormStoreConfig{})
			Expect(err).To(MatchError(ContainSubstring("logger")))
			Expect(s).To(BeNil())
		})

		It("should return error when database is nil", func() {
			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
			s, err := store.NewGormStore(&store.GormStoreConfig{Logger: logger})
			Expect(err).To(MatchError(ContainSubstring("database")))
			Expect(s).To(BeNil())
		})
	})
})
