package kafkabackend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/Kvazar-213452/FastYt/job"
)

// FlushTimeout in milliseconds given to the producer to flush pending
// messages on Stop.
const FlushTimeout = 5000

// Backend delivers callbacks by producing them to a Kafka topic.
type Backend struct {
	producer *kafka.Producer
	reports  chan job.Callback
	eventsWg *sync.WaitGroup
}

// ID returns "kafka".
func (b *Backend) ID() string {
	return "kafka"
}

// Start creates the producer. cfg entries are passed through to
// librdkafka verbatim (eg. "bootstrap.servers").
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	var err error

	kafkaCfg := make(kafka.ConfigMap)
	for k, v := range cfg {
		if err := kafkaCfg.SetKey(k, v); err != nil {
			return err
		}
	}

	b.producer, err = kafka.NewProducer(&kafkaCfg)
	if err != nil {
		return err
	}

	b.reports = make(chan job.Callback)
	b.eventsWg = new(sync.WaitGroup)

	b.eventsWg.Add(1)
	go func() {
		defer b.eventsWg.Done()
		b.transformStream(b.producer.Events())
	}()

	return nil
}

// Notify produces a message carrying cbInfo to topic.
func (b *Backend) Notify(topic string, cbInfo job.Callback) error {
	payload, err := cbInfo.Bytes()
	if err != nil {
		return err
	}

	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Value:          payload,
	}

	return b.producer.Produce(message, nil)
}

// DeliveryReports returns a channel of emitted callback events.
func (b *Backend) DeliveryReports() <-chan job.Callback {
	return b.reports
}

// Stop terminates b after flushing outstanding messages. An error is
// returned if (and only if) not all messages were flushed.
func (b *Backend) Stop() error {
	var err error

	unflushed := b.producer.Flush(FlushTimeout)
	if unflushed > 0 {
		err = fmt.Errorf("After %d ms there were still %d unflushed messages", FlushTimeout, unflushed)
	}

	b.producer.Close()
	b.eventsWg.Wait()
	close(b.reports)

	return err
}

// transformStream turns a producer event stream into delivery reports.
// It returns once events is closed.
func (b *Backend) transformStream(events <-chan kafka.Event) {
	for e := range events {
		switch ev := e.(type) {
		case *kafka.Message:
			var cbInfo job.Callback

			err := json.Unmarshal(ev.Value, &cbInfo)
			if err != nil {
				cbInfo.Delivered = false
				cbInfo.DeliveryError = fmt.Sprintf("Could not unmarshal value %s to a callback", ev.Value)
			} else {
				cbInfo.Delivered = true
				cbInfo.DeliveryError = ""

				if ev.TopicPartition.Error != nil {
					cbInfo.Delivered = false
					cbInfo.DeliveryError = ev.TopicPartition.Error.Error()
				}
			}

			b.reports <- cbInfo
		}
	}
}
