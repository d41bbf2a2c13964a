package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Kvazar-213452/FastYt/job"
)

// DefaultClientTimeoutSec is the default request timeout in seconds.
const DefaultClientTimeoutSec = 30

// Based on http.DefaultTransport
//
// See https://golang.org/pkg/net/http/#RoundTripper
var transport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	MaxIdleConns:          100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

// Backend delivers a callback by POSTing it to the job's callback URL.
type Backend struct {
	client  *http.Client
	reports chan job.Callback
}

// ID returns "http".
func (b *Backend) ID() string {
	return "http"
}

// Start configures the client. cfg may carry a "timeout" in seconds.
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	timeout := time.Duration(DefaultClientTimeoutSec) * time.Second
	if cfgTimeout, ok := cfg["timeout"]; ok {
		t, err := cfgTimeout.(json.Number).Int64()
		if err != nil {
			return err
		}
		timeout = time.Duration(t) * time.Second
	}

	b.client = &http.Client{
		Transport: transport,
		Timeout:   timeout, // Larger than Dial + TLS timeouts
	}
	b.reports = make(chan job.Callback)
	return nil
}

// Notify POSTs cbInfo to url as JSON. Non-2xx responses are failures.
func (b *Backend) Notify(url string, cbInfo job.Callback) error {
	payload, err := cbInfo.Bytes()
	if err != nil {
		cbInfo.Delivered = false
		cbInfo.DeliveryError = err.Error()
		return err
	}

	res, err := b.client.Post(url, "application/json", bytes.NewBuffer(payload))
	if err != nil || res.StatusCode < 200 || res.StatusCode >= 300 {
		if err == nil {
			err = fmt.Errorf("Received Status: %s", res.Status)
		}
		cbInfo.Delivered = false
		cbInfo.DeliveryError = err.Error()
		return err
	}

	cbInfo.Delivered = true
	cbInfo.DeliveryError = ""
	b.reports <- cbInfo

	return nil
}

// DeliveryReports returns a channel of successfully emitted callbacks.
// Failures are returned directly by Notify as errors.
func (b *Backend) DeliveryReports() <-chan job.Callback {
	return b.reports
}

// Stop shuts down the backend.
func (b *Backend) Stop() error {
	close(b.reports)
	return nil
}
