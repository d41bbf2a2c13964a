package notifier

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	httpbackend "github.com/Kvazar-213452/FastYt/backend/http_backend"
	"github.com/Kvazar-213452/FastYt/job"
)

var testLog = log.New(os.Stderr, "[test-notifier] ", log.Ldate|log.Ltime)

func terminalJob(id, cbURL string, completed bool) job.Job {
	j := job.Job{
		ID:  id,
		URL: "https://example.com/watch?v=" + id,
		Settings: job.Settings{
			Format:      job.FormatMP4,
			Quality:     job.QualityHighest,
			CallbackURL: cbURL,
		},
	}
	if completed {
		j.State = job.StateCompleted
		j.Progress = 100
	} else {
		j.State = job.StateError
		j.Error = "Error while downloading: stream returned status code 403"
	}
	return j
}

func TestDeliversCallback(t *testing.T) {
	received := make(chan job.Callback, 1)
	cbServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cb job.Callback
		if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
			t.Error(err)
		}
		received <- cb
		w.WriteHeader(http.StatusAccepted)
	}))
	defer cbServer.Close()

	n, err := New(&httpbackend.Backend{}, map[string]interface{}{}, 2, "", testLog)
	if err != nil {
		t.Fatal(err)
	}

	closeCh := make(chan struct{})
	go n.Start(closeCh)
	defer func() {
		closeCh <- struct{}{}
		<-closeCh
	}()

	n.Submit(terminalJob("job1", cbServer.URL, true))

	select {
	case cb := <-received:
		if cb.JobID != "job1" || !cb.Success {
			t.Errorf("Unexpected callback: %+v", cb)
		}
		if cb.DownloadURL != "/file/job1" {
			t.Errorf("Unexpected download url: %q", cb.DownloadURL)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Callback never arrived")
	}
}

func TestFailedJobCallback(t *testing.T) {
	received := make(chan job.Callback, 1)
	cbServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cb job.Callback
		json.NewDecoder(r.Body).Decode(&cb)
		received <- cb
	}))
	defer cbServer.Close()

	n, err := New(&httpbackend.Backend{}, map[string]interface{}{}, 1, "", testLog)
	if err != nil {
		t.Fatal(err)
	}

	closeCh := make(chan struct{})
	go n.Start(closeCh)
	defer func() {
		closeCh <- struct{}{}
		<-closeCh
	}()

	n.Submit(terminalJob("job2", cbServer.URL, false))

	select {
	case cb := <-received:
		if cb.Success {
			t.Error("Expected success=false for an errored job")
		}
		if cb.Error == "" {
			t.Error("Expected the error message to be carried")
		}
		if cb.DownloadURL != "" {
			t.Errorf("Expected no download url, got %q", cb.DownloadURL)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Callback never arrived")
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(&httpbackend.Backend{}, nil, 0, "", testLog); err == nil {
		t.Error("Expected an error for zero concurrency")
	}
}
