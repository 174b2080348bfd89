package api_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/hemrs/internal/api"
	"procodus.dev/hemrs/internal/cache"
	"procodus.dev/hemrs/internal/ingest"
	"procodus.dev/hemrs/internal/query"
	"procodus.dev/hemrs/internal/store"
	"procodus.dev/hemrs/pkg/metrics"
)

var _ = Describe("Server", func() {
	var (
		ctx     context.Context
		logger  *slog.Logger
		st      *store.MemoryStore
		engine  *query.Engine
		ing     *ingest.Ingester
		reg     *prometheus.Registry
		apiM    *metrics.APIMetrics
		handler http.Handler
		d1, d2  store.Device
		s1, s2  store.Sensor
	)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req := httptest.NewRequest(method, path, reader)
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	decode := func(rec *httptest.ResponseRecorder, v any) {
		ExpectWithOffset(1, json.Unmarshal(rec.Body.Bytes(), v)).To(Succeed())
	}

	errorCode := func(rec *httptest.ResponseRecorder) api.ErrorCode {
		var body api.APIError
		decode(rec, &body)
		return body.Code
	}

	BeforeEach(func() {
		ctx = context.Background()
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
		st = store.NewMemoryStore()

		var err error
		d1, err = st.CreateDevice(ctx, store.NewDevice{Name: "d1", Location: "kitchen"})
		Expect(err).NotTo(HaveOccurred())
		d2, err = st.CreateDevice(ctx, store.NewDevice{Name: "d2", Location: "cellar"})
		Expect(err).NotTo(HaveOccurred())
		s1, err = st.CreateSensor(ctx, store.NewSensor{DeviceID: d1.ID, Kind: "temperature"})
		Expect(err).NotTo(HaveOccurred())
		s2, err = st.CreateSensor(ctx, store.NewSensor{DeviceID: d2.ID, Kind: "humidity"})
		Expect(err).NotTo(HaveOccurred())

		c := cache.NewMemory()
		engine, err = query.NewEngine(&query.Config{Logger: logger, Store: st, Cache: c})
		Expect(err).NotTo(HaveOccurred())
		ing, err = ingest.NewIngester(&ingest.Config{Logger: logger, Store: st, Cache: c})
		Expect(err).NotTo(HaveOccurred())

		reg = prometheus.NewRegistry()
		apiM = metrics.NewAPIMetricsWith(reg, "test")

		srv, err := api.NewServer(&api.ServerConfig{
			Logger:      logger,
			Query:       engine,
			Writer:      st,
			Ingester:    ing,
			Metrics:     apiM,
			Gatherer:    reg,
			CORSOrigins: []string{"http://localhost:5173"},
		})
		Expect(err).NotTo(HaveOccurred())
		handler = srv.Handler()
	})

	Describe("NewServer", func() {
		It("should return error when config is nil", func() {
			srv, err := api.NewServer(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
			Expect(srv).To(BeNil())
		})

		It("should return error when logger is nil", func() {
			srv, err := api.NewServer(&api.ServerConfig{Query: engine})
			Expect(err).To(MatchError(ContainSubstring("logger")))
			Expect(srv).To(BeNil())
		})

		It("should return error when query engine is nil", func() {
			srv, err := api.NewServer(&api.ServerConfig{Logger: logger})
			Expect(err).To(MatchError(ContainSubstring("query engine")))
			Expect(srv).To(BeNil())
		})

		It("should reject an invalid port", func() {
			srv, err := api.NewServer(&api.ServerConfig{Logger: logger, Query: engine, HTTPPort: 70000})
			Expect(err).To(MatchError(ContainSubstring("port")))
			Expect(srv).To(BeNil())
		})

		It("should require writer and ingester together", func() {
			srv, err := api.NewServer(&api.ServerConfig{Logger: logger, Query: engine, Writer: st})
			Expect(err).To(MatchError(ContainSubstring("together")))
			Expect(srv).To(BeNil())
		})
	})

	Context("kitchen scenario", func() {
		BeforeEach(func() {
			Expect(st.AppendMeasurement(ctx, store.Measurement{SensorID: s1.ID, Timestamp: 100, Room: "kitchen", Temperature: store.Float(21.0), Humidity: store.Float(40)})).To(Succeed())
			Expect(st.AppendMeasurement(ctx, store.Measurement{SensorID: s1.ID, Timestamp: 200, Room: "kitchen", Temperature: store.Float(22.0), Humidity: store.Float(42)})).To(Succeed())
		})

		It("should list measurements in order", func() {
			rec := do(http.MethodGet, "/api/devices/1/sensors/1/measurements", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))
			Expect(rec.Body.String()).To(MatchJSON(`[
				{"sensor_id":1,"ts":100,"room":"kitchen","temperature":21,"humidity":40},
				{"sensor_id":1,"ts":200,"room":"kitchen","temperature":22,"humidity":42}
			]`))
		})

		It("should count measurements", func() {
			rec := do(http.MethodGet, "/api/measurements/count", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(MatchJSON(`2`))
		})

		It("should return the latest measurement", func() {
			rec := do(http.MethodGet, "/api/measurements/latest", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(MatchJSON(`{"sensor_id":1,"ts":200,"room":"kitchen","temperature":22,"humidity":42}`))
		})

		It("should return per-sensor latest and stats", func() {
			rec := do(http.MethodGet, "/api/devices/1/sensors/1/measurements/latest", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"ts":200`))

			rec = do(http.MethodGet, "/api/devices/1/sensors/1/measurements/stats", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(MatchJSON(`{
				"sensor_id":1,"count":2,
				"temperature":{"min":21,"max":22,"mean":21.5},
				"humidity":{"min":40,"max":42,"mean":41}
			}`))

			rec = do(http.MethodGet, "/api/measurements/latest/all", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			var all []store.Measurement
			decode(rec, &all)
			Expect(all).To(HaveLen(1))
		})

		It("should list measurements of a whole device", func() {
			rec := do(http.MethodGet, "/api/devices/1/measurements", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			var series []store.Measurement
			decode(rec, &series)
			Expect(series).To(HaveLen(2))
		})
	})

	Describe("empty versus absent", func() {
		It("should return null for latest on an empty store", func() {
			rec := do(http.MethodGet, "/api/measurements/latest", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(MatchJSON(`null`))
		})

		It("should return an empty array for a device without sensors", func() {
			d3, err := st.CreateDevice(ctx, store.NewDevice{Name: "d3"})
			Expect(err).NotTo(HaveOccurred())

			rec := do(http.MethodGet, "/api/devices/"+itoa(d3.ID)+"/sensors", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(MatchJSON(`[]`))
		})

		It("should return an empty array for a sensor without measurements", func() {
			rec := do(http.MethodGet, "/api/devices/1/sensors/1/measurements", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(MatchJSON(`[]`))
		})

		It("should return 404 for an unknown device", func() {
			rec := do(http.MethodGet, "/api/devices/99/sensors", "")
			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(errorCode(rec)).To(Equal(api.ErrorCodeNotFound))
		})

		It("should return 404 mismatch for a sensor of another device", func() {
			rec := do(http.MethodGet, "/api/devices/1/sensors/"+itoa(s2.ID)+"/measurements", "")
			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(errorCode(rec)).To(Equal(api.ErrorCodeMismatch))
		})

		It("should return 400 for a malformed id", func() {
			rec := do(http.MethodGet, "/api/devices/abc/sensors", "")
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(errorCode(rec)).To(Equal(api.ErrorCodeBadRequest))
		})
	})

	Describe("listings", func() {
		It("should list devices and sensors", func() {
			rec := do(http.MethodGet, "/api/devices", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(MatchJSON(`[
				{"id":1,"name":"d1","location":"kitchen"},
				{"id":2,"name":"d2","location":"cellar"}
			]`))

			rec = do(http.MethodGet, "/api/sensors", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(MatchJSON(`[
				{"id":1,"device_id":1,"kind":"temperature"},
				{"id":2,"device_id":2,"kind":"humidity"}
			]`))

			rec = do(http.MethodGet, "/api/devices/2", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(MatchJSON(`{"id":2,"name":"d2","location":"cellar"}`))
		})
	})

	Describe("writes", func() {
		It("should provision a device and a sensor", func() {
			rec := do(http.MethodPost, "/api/devices", `{"name":"esp32-bath","location":"bathroom"}`)
			Expect(rec.Code).To(Equal(http.StatusCreated))
			var device store.Device
			decode(rec, &device)
			Expect(device.ID).To(Equal(int64(3)))

			rec = do(http.MethodPost, "/api/sensors", `{"device_id":3,"kind":"dht11","unit":"C"}`)
			Expect(rec.Code).To(Equal(http.StatusCreated))
			var sensor store.Sensor
			decode(rec, &sensor)
			Expect(sensor.DeviceID).To(Equal(int64(3)))
		})

		It("should update device metadata", func() {
			rec := do(http.MethodPut, "/api/devices/1", `{"name":"d1","location":"pantry"}`)
			Expect(rec.Code).To(Equal(http.StatusOK))

			got, err := st.GetDevice(ctx, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Location).To(Equal("pantry"))

			rec = do(http.MethodPut, "/api/devices/42", `{"name":"ghost"}`)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})

		It("should reject invalid provisioning", func() {
			rec := do(http.MethodPost, "/api/devices", `{"location":"nowhere"}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(errorCode(rec)).To(Equal(api.ErrorCodeValidationFailed))

			rec = do(http.MethodPost, "/api/sensors", `{"device_id":42,"kind":"dht11"}`)
			Expect(rec.Code).To(Equal(http.StatusNotFound))

			rec = do(http.MethodPost, "/api/devices", `{"name":`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(errorCode(rec)).To(Equal(api.ErrorCodeBadRequest))
		})

		It("should accept measurements and reject conflicts", func() {
			rec := do(http.MethodPost, "/api/measurements", `{"sensor_id":1,"ts":500,"room":"kitchen","temperature":23.5}`)
			Expect(rec.Code).To(Equal(http.StatusAccepted))

			rec = do(http.MethodPost, "/api/measurements", `{"sensor_id":1,"ts":500,"room":"kitchen","temperature":23.5}`)
			Expect(rec.Code).To(Equal(http.StatusConflict))
			Expect(errorCode(rec)).To(Equal(api.ErrorCodeConflict))

			rec = do(http.MethodPost, "/api/measurements", `{"sensor_id":1,"ts":600,"room":"kitchen"}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))

			rec = do(http.MethodGet, "/api/measurements/latest", "")
			Expect(rec.Body.String()).To(ContainSubstring(`"ts":500`))
		})

		It("should not expose write routes on a read only server", func() {
			srv, err := api.NewServer(&api.ServerConfig{Logger: logger, Query: engine, Gatherer: reg})
			Expect(err).NotTo(HaveOccurred())
			handler = srv.Handler()

			rec := do(http.MethodPost, "/api/devices", `{"name":"x"}`)
			Expect(rec.Code).To(Equal(http.StatusMethodNotAllowed))
		})
	})

	Describe("operational endpoints", func() {
		It("should answer health and ping", func() {
			rec := do(http.MethodGet, "/health", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(MatchJSON(`{"status":"ok"}`))

			rec = do(http.MethodGet, "/ping", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(Equal("pong"))
		})

		It("should record request metrics by route pattern", func() {
			do(http.MethodGet, "/api/devices/1/sensors", "")
			do(http.MethodGet, "/api/devices/2/sensors", "")

			counter := apiM.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "GET /api/devices/{device_id}/sensors", "200")
			Expect(testutil.ToFloat64(counter)).To(Equal(2.0))

			rec := do(http.MethodGet, "/metrics", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring("test_http_requests_total"))
		})

		It("should answer CORS preflight for allowed origins", func() {
			req := httptest.NewRequest(http.MethodOptions, "/api/devices", nil)
			req.Header.Set("Origin", "http://localhost:5173")
			req.Header.Set("Access-Control-Request-Method", http.MethodGet)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			Expect(rec.Header().Get("Access-Control-Allow-Origin")).To(Equal("http://localhost:5173"))
		})
	})

	Describe("Serve", func() {
		It("should serve until the context is canceled", func() {
			srv, err := api.NewServer(&api.ServerConfig{Logger: logger, Query: engine, Gatherer: reg})
			Expect(err).NotTo(HaveOccurred())

			lis, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())

			runCtx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() { done <- srv.Serve(runCtx, lis) }()

			Eventually(func() (int, error) {
				resp, err := http.Get("http://" + lis.Addr().String() + "/ping")
				if err != nil {
					return 0, err
				}
				defer resp.Body.Close()
				return resp.StatusCode, nil
			}, 2*time.Second).Should(Equal(http.StatusOK))

			cancel()
			Eventually(done, 5*time.Second).Should(Receive(BeNil()))
		})
	})
})
