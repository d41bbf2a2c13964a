package kafkabackend

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/Kvazar-213452/FastYt/job"
)

func producedMessage(t *testing.T, cb job.Callback, tpErr error) *kafka.Message {
	t.Helper()
	payload, err := cb.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	topic := "callbacks"
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Error: tpErr},
		Value:          payload,
	}
}

// transformBackend runs transformStream over events without a live
// producer. Closing events terminates the stream.
func transformBackend(events chan kafka.Event) *Backend {
	b := &Backend{reports: make(chan job.Callback), eventsWg: new(sync.WaitGroup)}
	b.eventsWg.Add(1)
	go func() {
		defer b.eventsWg.Done()
		b.transformStream(events)
	}()
	return b
}

func report(t *testing.T, b *Backend) job.Callback {
	t.Helper()
	select {
	case cbInfo := <-b.DeliveryReports():
		return cbInfo
	case <-time.After(5 * time.Second):
		t.Fatal("Delivery report never arrived")
		return job.Callback{}
	}
}

func TestTransformStreamDelivered(t *testing.T) {
	events := make(chan kafka.Event, 1)
	defer close(events)
	b := transformBackend(events)

	cb := job.Callback{JobID: "job1", Success: true, SourceURL: "https://example.com/v",
		DownloadURL: "/file/job1"}
	events <- producedMessage(t, cb, nil)

	got := report(t, b)
	if !got.Delivered || got.DeliveryError != "" {
		t.Errorf("Expected a successful delivery report, got %+v", got)
	}
	if got.JobID != "job1" || got.DownloadURL != "/file/job1" {
		t.Errorf("Callback fields must survive the round trip: %+v", got)
	}
}

func TestTransformStreamProduceError(t *testing.T) {
	events := make(chan kafka.Event, 1)
	defer close(events)
	b := transformBackend(events)

	cb := job.Callback{JobID: "job1", Success: true}
	events <- producedMessage(t, cb, errors.New("Broker: Unknown topic or partition"))

	got := report(t, b)
	if got.Delivered {
		t.Error("Expected the report of a failed produce to be undelivered")
	}
	if got.DeliveryError != "Broker: Unknown topic or partition" {
		t.Errorf("Expected the broker error to be carried, got %q", got.DeliveryError)
	}
	if got.JobID != "job1" {
		t.Errorf("Expected the original callback fields, got %+v", got)
	}
}

func TestTransformStreamBadPayload(t *testing.T) {
	events := make(chan kafka.Event, 1)
	defer close(events)
	b := transformBackend(events)

	topic := "callbacks"
	events <- &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic},
		Value:          []byte("not json"),
	}

	got := report(t, b)
	if got.Delivered {
		t.Error("Expected an unparseable payload to report as undelivered")
	}
	if !strings.Contains(got.DeliveryError, "not json") {
		t.Errorf("Expected the offending payload in the report, got %q", got.DeliveryError)
	}
}

func TestTransformStreamEndsWithEvents(t *testing.T) {
	events := make(chan kafka.Event)
	b := transformBackend(events)

	close(events)
	done := make(chan struct{})
	go func() {
		b.eventsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("transformStream did not return after the event stream closed")
	}
}
