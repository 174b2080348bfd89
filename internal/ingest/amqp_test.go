package ingest_test

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/hemrs/internal/ingest"
	"procodus.dev/hemrs/internal/store"
	"procodus.dev/hemrs/pkg/mq"
	"procodus.dev/hemrs/pkg/mq/mock"
)

// acknowledger records acks and nacks by delivery tag.
type acknowledger struct {
	mu       sync.Mutex
	acked    []uint64
	requeued []uint64
}

func (a *acknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *acknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if requeue {
		a.requeued = append(a.requeued, tag)
	}
	return nil
}

func (a *acknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *acknowledger) Acked() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.acked...)
}

func (a *acknowledger) Requeued() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.requeued...)
}

// brokenStore fails every append with a transient error.
type brokenStore struct {
	*store.MemoryStore
}

func (brokenStore) AppendMeasurement(context.Context, store.Measurement) error {
	return context.DeadlineExceeded
}

var _ = Describe("AMQPConsumer", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		f      *fixture
		client *mock.MockClient
		acks   *acknowledger
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		DeferCleanup(cancel)
		f = newFixture()
		client = mock.NewMockClient()
		acks = &acknowledger{}
	})

	deliver := func(tag uint64, contentType string, body []byte) {
		client.Deliveries <- amqp.Delivery{
			Acknowledger: acks,
			DeliveryTag:  tag,
			ContentType:  contentType,
			Body:         body,
		}
	}

	start := func(ingester *ingest.Ingester) *ingest.AMQPConsumer {
		consumer, err := ingest.NewAMQPConsumer(&ingest.AMQPConsumerConfig{
			Logger:   testLogger(),
			Client:   client,
			Ingester: ingester,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(consumer.Start(ctx)).To(Succeed())
		return consumer
	}

	Describe("NewAMQPConsumer", func() {
		It("should return error when config is nil", func() {
			c, err := ingest.NewAMQPConsumer(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
			Expect(c).To(BeNil())
		})

		It("should return error when client is nil", func() {
			c, err := ingest.NewAMQPConsumer(&ingest.AMQPConsumerConfig{Logger: testLogger(), Ingester: f.ingester})
			Expect(err).To(MatchError(ContainSubstring("mq client")))
			Expect(c).To(BeNil())
		})

		It("should return error when ingester is nil", func() {
			c, err := ingest.NewAMQPConsumer(&ingest.AMQPConsumerConfig{Logger: testLogger(), Client: client})
			Expect(err).To(MatchError(ContainSubstring("ingester")))
			Expect(c).To(BeNil())
		})
	})

	It("should fail to start when consuming fails", func() {
		client.ConsumeError = mq.ErrNotConnected
		consumer, err := ingest.NewAMQPConsumer(&ingest.AMQPConsumerConfig{Logger: testLogger(), Client: client, Ingester: f.ingester})
		Expect(err).NotTo(HaveOccurred())
		Expect(consumer.Start(ctx)).To(MatchError(mq.ErrNotConnected))
	})

	It("should store JSON and protobuf messages and ack them", func() {
		consumer := start(f.ingester)

		deliver(1, mq.ContentTypeJSON, []byte(`{"sensor_id":1,"ts":100,"room":"kitchen","temperature":21}`))

		body, err := ingest.EncodeProtobuf(ingest.Message{SensorID: f.s1.ID, Timestamp: ts(200), Room: "kitchen", Temperature: store.Float(22)})
		Expect(err).NotTo(HaveOccurred())
		deliver(2, mq.ContentTypeProtobuf, body)

		Eventually(acks.Acked).Should(Equal([]uint64{1, 2}))

		count, err := f.store.CountMeasurements(ctx, f.s1.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(int64(2)))

		cancel()
		Expect(consumer.Stop()).To(Succeed())
		Expect(client.CloseCalls).To(Equal(1))
	})

	It("should ack and drop permanently bad messages", func() {
		start(f.ingester)

		deliver(1, mq.ContentTypeJSON, []byte(`not json`))
		deliver(2, mq.ContentTypeJSON, []byte(`{"sensor_id":999,"ts":1,"temperature":1}`))

		Eventually(acks.Acked).Should(Equal([]uint64{1, 2}))
		Expect(acks.Requeued()).To(BeEmpty())
		Expect(f.outcome(ingest.SourceAMQP, "not_found")).To(Equal(1.0))
	})

	It("should requeue messages that failed transiently", func() {
		ingester, err := ingest.NewIngester(&ingest.Config{Logger: testLogger(), Store: brokenStore{f.store}})
		Expect(err).NotTo(HaveOccurred())
		start(ingester)

		deliver(7, mq.ContentTypeJSON, []byte(`{"sensor_id":1,"ts":1,"temperature":1}`))

		Eventually(acks.Requeued).Should(Equal([]uint64{7}))
		Expect(acks.Acked()).To(BeEmpty())
	})
})
