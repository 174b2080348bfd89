package store_test

import (
	"log/slog"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/hemrs/internal/store"
)

var _ = Describe("Database", func() {
	var logger *slog.Logger

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	})

	Describe("NewDB", func() {
		Context("with invalid configuration", func() {
			It("should return error when config is nil", func() {
				db, err := store.NewDB(nil)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("config cannot be nil"))
				Expect(db).To(BeNil())
			})

			It("should return error when logger is nil", func() {
				db, err := store.NewDB(&store.DBConfig{Host: "localhost", Port: 5432})
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("logger"))
				Expect(db).To(BeNil())
			})

			It("should return error when host is empty", func() {
				db, err := store.NewDB(&store.DBConfig{Logger: logger, Port: 5432})
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("host"))
				Expect(db).To(BeNil())
			})

			DescribeTable("should reject ports outside the valid range",
				func(port int) {
					db, err := store.NewDB(&store.DBConfig{Logger: logger, Host: "localhost", Port: port})
					Expect(err).To(HaveOccurred())
					Expect(err.Error()).To(ContainSubstring("port"))
					Expect(db).To(BeNil())
				},
				Entry("zero", 0),
				Entry("negative", -1),
				Entry("too large", 99999),
			)
		})

		Context("connection validation", func() {
			It("should fail when nothing listens on the port", func() {
				db, err := store.NewDB(&store.DBConfig{
					Logger:   logger,
					Host:     "localhost",
					Port:     9999,
					User:     "hemrs",
					Password: "hemrs",
					DBName:   "hemrs",
					SSLMode:  "disable",
				})
				Expect(err).To(HaveOccurred())
				Expect(db).To(BeNil())
			})
		})
	})

	Describe("DSN", func() {
		It("should render every field", func() {
			cfg := &store.DBConfig{
				Host:     "db.local",
				Port:     5433,
				User:     "hemrs",
				Password: "secret",
				DBName:   "telemetry",
				SSLMode:  "require",
			}
			Expect(cfg.DSN()).To(Equal("host=db.local port=5433 user=hemrs password=secret dbname=telemetry sslmode=require"))
		})
	})

	Describe("CloseDB", func() {
		It("should accept a nil connection", func() {
			Expect(store.CloseDB(nil, logger)).To(Succeed())
		})
	})
})
