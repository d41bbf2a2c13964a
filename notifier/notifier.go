// Package notifier delivers completion callbacks. Jobs submitted with a
// callback_url get their terminal outcome pushed through the configured
// backend. Delivery is strictly best effort: a failed or dropped callback
// never changes a job's state.
package notifier

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/Kvazar-213452/FastYt/backend"
	"github.com/Kvazar-213452/FastYt/job"
)

// submitBuffer is how many undelivered callbacks may queue up before
// Submit starts dropping.
const submitBuffer = 100

// Notifier consumes terminal jobs and notifies their callback destinations
// through a delivery backend.
type Notifier struct {
	Log *log.Logger

	backend    backend.Backend
	backendCfg map[string]interface{}

	// topic is the destination for backends with a fixed one (kafka).
	// Per-job callback URLs are used otherwise.
	topic string

	concurrency int
	cbChan      chan job.Job
}

// New returns a Notifier delivering through b. For the kafka backend a
// non-empty topic is required.
func New(b backend.Backend, cfg map[string]interface{}, concurrency int, topic string, logger *log.Logger) (*Notifier, error) {
	if concurrency <= 0 {
		return nil, errors.New("notifier concurrency must be greater than 0")
	}
	if b.ID() == "kafka" && topic == "" {
		return nil, errors.New("kafka notifier backend needs a topic")
	}
	return &Notifier{
		Log:         logger,
		backend:     b,
		backendCfg:  cfg,
		topic:       topic,
		concurrency: concurrency,
		cbChan:      make(chan job.Job, submitBuffer),
	}, nil
}

// Submit enqueues a terminal job for callback delivery. It never blocks;
// when the queue is full the callback is dropped and logged.
func (n *Notifier) Submit(j job.Job) {
	select {
	case n.cbChan <- j:
	default:
		n.Log.Printf("Callback queue full, dropping callback for job %s", j.ID)
	}
}

// Start starts the backend and the delivery workers, and blocks until a
// message arrives on closeCh. It drains queued callbacks before replying.
func (n *Notifier) Start(closeCh chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.backend.Start(ctx, n.backendCfg); err != nil {
		n.Log.Println("Error starting notifier backend:", err)
		<-closeCh
		closeCh <- struct{}{}
		return
	}
	n.Log.Printf("Starting %d delivery workers (backend:%s)...", n.concurrency, n.backend.ID())

	var wg sync.WaitGroup
	wg.Add(n.concurrency)
	for i := 0; i < n.concurrency; i++ {
		go func() {
			defer wg.Done()
			for j := range n.cbChan {
				n.deliver(j)
			}
		}()
	}

	// Log the delivery reports until the backend closes the channel.
	var reportsWg sync.WaitGroup
	reportsWg.Add(1)
	go func() {
		defer reportsWg.Done()
		for cb := range n.backend.DeliveryReports() {
			if cb.Delivered {
				n.Log.Printf("Delivered callback for job %s", cb.JobID)
			} else {
				n.Log.Printf("Callback for job %s not delivered: %s", cb.JobID, cb.DeliveryError)
			}
		}
	}()

	<-closeCh
	close(n.cbChan)
	wg.Wait()
	if err := n.backend.Stop(); err != nil {
		n.Log.Println("Error stopping notifier backend:", err)
	}
	reportsWg.Wait()
	closeCh <- struct{}{}
}

func (n *Notifier) deliver(j job.Job) {
	cb := job.NewCallback(&j)

	dest := j.Settings.CallbackURL
	if n.topic != "" {
		dest = n.topic
	}

	if err := n.backend.Notify(dest, cb); err != nil {
		n.Log.Printf("Error delivering callback for job %s: %s", j.ID, err)
	}
}
