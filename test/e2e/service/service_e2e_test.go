// Package service runs hemrs against PostgreSQL, Redis and RabbitMQ.
package service

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/hemrs/internal/ingest"
	"procodus.dev/hemrs/internal/producer"
	"procodus.dev/hemrs/pkg/client"
	"procodus.dev/hemrs/pkg/mq"
)

var _ = Describe("Service E2E", Ordered, func() {
	var (
		ctx    context.Context
		device client.Device
		sensor client.Sensor
	)

	BeforeAll(func() {
		ctx = context.Background()

		var err error
		device, err = httpClient.CreateDevice(ctx, client.NewDevice{Name: "esp32-kitchen", Location: "kitchen"})
		Expect(err).NotTo(HaveOccurred())
		sensor, err = httpClient.CreateSensor(ctx, client.NewSensor{DeviceID: device.ID, Kind: "DHT11"})
		Expect(err).NotTo(HaveOccurred())
	})

	It("should report an empty sensor before any measurement", func() {
		latest, err := httpClient.LatestOf(ctx, device.ID, sensor.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(latest.Outcome).To(Equal(client.Empty))
	})

	It("should accept measurements over HTTP", func() {
		t := 21.5
		ts := time.Now().Add(-time.Minute).Unix()
		_, err := httpClient.SubmitMeasurement(ctx, client.Message{SensorID: sensor.ID, DeviceID: device.ID, Timestamp: &ts, Room: "kitchen", Temperature: &t})
		Expect(err).NotTo(HaveOccurred())

		latest, err := httpClient.LatestOf(ctx, device.ID, sensor.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(latest.Outcome).To(Equal(client.Found))
		Expect(latest.Value.Timestamp).To(Equal(ts))
	})

	It("should reject an older measurement with a conflict", func() {
		t := 19.0
		ts := time.Now().Add(-time.Hour).Unix()
		_, err := httpClient.SubmitMeasurement(ctx, client.Message{SensorID: sensor.ID, Timestamp: &ts, Temperature: &t})

		var apiErr *client.Error
		Expect(errors.As(err, &apiErr)).To(BeTrue())
		Expect(apiErr.StatusCode).To(Equal(409))
		Expect(apiErr.Code).To(Equal("conflict"))
	})

	It("should ingest measurements published to RabbitMQ", func() {
		publisher, err := mq.New(&mq.Config{Logger: testLogger, URL: rabbitmqURL, Queue: queueName, Durable: true})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(publisher.Close)

		h := 55.0
		ts := time.Now().Unix()
		body, err := ingest.EncodeProtobuf(ingest.Message{SensorID: sensor.ID, DeviceID: device.ID, Timestamp: &ts, Room: "kitchen", Humidity: &h})
		Expect(err).NotTo(HaveOccurred())
		Expect(publisher.Publish(ctx, mq.ContentTypeProtobuf, body)).To(Succeed())

		Eventually(func() (int64, error) {
			latest, err := httpClient.LatestOf(ctx, device.ID, sensor.ID)
			return latest.Value.Timestamp, err
		}, 15*time.Second, 250*time.Millisecond).Should(Equal(ts))

		stats, err := httpClient.StatsOf(ctx, device.ID, sensor.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Outcome).To(Equal(client.Found))
	})

	It("should serve the same data over gRPC", func() {
		count, err := grpcClient.CountMeasurements(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(int64(2)))

		devices, err := grpcClient.ListDevices(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(devices).To(ContainElement(device))
	})

	It("should provision and feed simulated boards", func() {
		before, err := httpClient.Devices(ctx)
		Expect(err).NotTo(HaveOccurred())

		gen, err := producer.NewServer(&producer.ServerConfig{
			Logger:      testLogger,
			APIURL:      apiURL,
			RabbitMQURL: rabbitmqURL,
			QueueName:   queueName,
			Devices:     2,
			Interval:    200 * time.Millisecond,
		})
		Expect(err).NotTo(HaveOccurred())

		genCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- gen.Run(genCtx) }()
		DeferCleanup(func() {
			cancel()
			Eventually(done, 10*time.Second).Should(Receive(BeNil()))
		})

		Eventually(func() (int, error) {
			devices, err := httpClient.Devices(ctx)
			return len(devices.Value), err
		}, 15*time.Second, 250*time.Millisecond).Should(Equal(len(before.Value) + 2))

		Eventually(func() (int, error) {
			latest, err := httpClient.LatestPerSensor(ctx)
			return len(latest.Value), err
		}, 15*time.Second, 250*time.Millisecond).Should(Equal(3))
	})
})
