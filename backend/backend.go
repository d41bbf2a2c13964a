package backend

import (
	"context"

	"github.com/Kvazar-213452/FastYt/job"
)

// Backend is the interface that wraps the basic Notify method.
//
// Backend implementations deliver job completion callbacks through some
// channel (eg. HTTP, Kafka).
type Backend interface {
	// Start initializes the backend. It must be called once, before any
	// calls to Notify.
	Start(context.Context, map[string]interface{}) error

	// Notify delivers a callback to the given destination. For the HTTP
	// backend the destination is the callback URL a job was submitted
	// with; for Kafka it is a topic. Notify may be asynchronous, so a
	// nil error does NOT necessarily mean the callback was delivered.
	// Use DeliveryReports for the final outcome.
	Notify(string, job.Callback) error

	// ID returns a constant identifier for the concrete implementation.
	ID() string

	// DeliveryReports communicates the results of notifications. A
	// successful report still does not mean the callback was consumed
	// on the other end.
	DeliveryReports() <-chan job.Callback

	// Stop closes the delivery reports channel and performs
	// finalization. The backend is no longer usable afterwards.
	Stop() error
}
