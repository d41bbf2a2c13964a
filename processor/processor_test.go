package processor

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Kvazar-213452/FastYt/extractor"
	"github.com/Kvazar-213452/FastYt/filestore"
	"github.com/Kvazar-213452/FastYt/job"
	"github.com/Kvazar-213452/FastYt/muxer"
	"github.com/Kvazar-213452/FastYt/registry"
)

var testLog = log.New(os.Stderr, "[test-processor] ", log.Ldate|log.Ltime)

// mp4Payload carries the ftyp box signature so libmagic does not mistake it
// for text.
var mp4Payload = append([]byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'm', 'p', '4', '2'},
	[]byte("fake-mp4-payload-bytes")...)

type stubExtractor struct {
	info *extractor.Info
	err  error
}

func (s stubExtractor) Info(ctx context.Context, url string) (*extractor.Info, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.info, nil
}

// fakeMuxer copies inputs around instead of running ffmpeg.
type fakeMuxer struct {
	failMerge bool
	mu        sync.Mutex
	merges    int
}

func (m *fakeMuxer) Merge(ctx context.Context, videoPath, audioPath, outPath, format string) muxer.Result {
	m.mu.Lock()
	m.merges++
	m.mu.Unlock()
	if m.failMerge {
		return muxer.Result{Err: fmt.Errorf("merge blew up"), Output: "boom"}
	}
	return copyFile(videoPath, outPath)
}

func (m *fakeMuxer) Convert(ctx context.Context, inPath, outPath, format string, audioOnly bool) muxer.Result {
	return copyFile(inPath, outPath)
}

func copyFile(src, dest string) muxer.Result {
	data, err := os.ReadFile(src)
	if err != nil {
		return muxer.Result{Err: err}
	}
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return muxer.Result{Err: err}
	}
	return muxer.Result{OK: true}
}

type fakeScheduler struct {
	mu  sync.Mutex
	ids []string
}

func (s *fakeScheduler) Schedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
}

func (s *fakeScheduler) scheduled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, got := range s.ids {
		if got == id {
			return true
		}
	}
	return false
}

func streamServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/video", "/audio", "/muxed":
			w.Write(mp4Payload)
		case "/forbidden":
			w.WriteHeader(http.StatusForbidden)
		case "/page":
			w.Write([]byte("<html><body>This video is unavailable</body></html>"))
		default:
			http.NotFound(w, r)
		}
	}))
}

func testInfo(base string, streams ...extractor.Stream) *extractor.Info {
	return &extractor.Info{
		Title:     "Test Video",
		Duration:  125,
		Uploader:  "someone",
		Thumbnail: base + "/thumb.jpg",
		ViewCount: 42,
		Streams:   streams,
	}
}

func muxedStream(base string) extractor.Stream {
	return extractor.Stream{
		ID: "18", URL: base + "/muxed", Container: "mp4", Height: 360,
		HasVideo: true, HasAudio: true, Filesize: int64(len(mp4Payload)),
	}
}

func adaptiveStreams(base string) []extractor.Stream {
	return []extractor.Stream{
		{ID: "137", URL: base + "/video", Container: "mp4", Height: 1080,
			HasVideo: true, VideoCodec: "avc1", Filesize: int64(len(mp4Payload))},
		{ID: "140", URL: base + "/audio", Container: "m4a", Bitrate: 129,
			HasAudio: true, AudioCodec: "aac", Filesize: int64(len(mp4Payload))},
	}
}

func newTestProcessor(t *testing.T, ex extractor.Extractor, mx muxer.Muxer) (*Processor, *registry.Registry, *fakeScheduler) {
	t.Helper()
	reg := registry.New()
	store, err := filestore.NewFileSystem(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p, err := New(reg, ex, mx, store, t.TempDir(), testLog)
	if err != nil {
		t.Fatal(err)
	}
	p.MimePattern = ""
	sched := &fakeScheduler{}
	p.Cleanup = sched
	return p, reg, sched
}

func newJob(id, url string) *job.Job {
	return job.New(id, job.Request{
		URL:      url,
		Settings: job.Settings{Format: job.FormatMP4, Quality: job.QualityHighest},
	})
}

func waitTerminal(t *testing.T, reg *registry.Registry, id string) job.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		j, err := reg.Get(id)
		if err != nil {
			t.Fatalf("Job %s vanished: %s", id, err)
		}
		if j.State == job.StateCompleted || j.State == job.StateError {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Job %s never reached a terminal state", id)
	return job.Job{}
}

func TestProcessMuxedStream(t *testing.T) {
	srv := streamServer()
	defer srv.Close()

	ex := stubExtractor{info: testInfo(srv.URL, muxedStream(srv.URL))}
	p, reg, sched := newTestProcessor(t, ex, &fakeMuxer{})

	j := newJob("job1", srv.URL+"/watch")
	if err := p.Submit(j); err != nil {
		t.Fatal(err)
	}

	got := waitTerminal(t, reg, "job1")
	if got.State != job.StateCompleted {
		t.Fatalf("Expected completed, got %s (%s)", got.State, got.Error)
	}
	if got.Progress != 100 {
		t.Errorf("Expected progress 100, got %d", got.Progress)
	}
	if got.OutputFormat != "mp4" {
		t.Errorf("Expected output format mp4, got %q", got.OutputFormat)
	}
	if got.OutputPath == "" {
		t.Error("Expected an output path")
	}
	if _, err := os.Stat(got.OutputPath); err != nil {
		t.Errorf("Expected the artifact on disk: %s", err)
	}
	if got.Metadata.Title != "Test Video" || got.Metadata.DurationString != "2:05" {
		t.Errorf("Unexpected metadata: %+v", got.Metadata)
	}
	if got.Error != "" {
		t.Errorf("Completed job must carry no error, got %q", got.Error)
	}
	if !sched.scheduled("job1") {
		t.Error("Expected cleanup to be armed")
	}
}

func TestProcessAdaptivePair(t *testing.T) {
	srv := streamServer()
	defer srv.Close()

	ex := stubExtractor{info: testInfo(srv.URL, adaptiveStreams(srv.URL)...)}
	mx := &fakeMuxer{}
	p, reg, _ := newTestProcessor(t, ex, mx)

	j := newJob("job1", srv.URL+"/watch")
	if err := p.Submit(j); err != nil {
		t.Fatal(err)
	}

	got := waitTerminal(t, reg, "job1")
	if got.State != job.StateCompleted {
		t.Fatalf("Expected completed, got %s (%s)", got.State, got.Error)
	}
	if mx.merges != 1 {
		t.Errorf("Expected exactly one merge, got %d", mx.merges)
	}
	if got.OutputFormat != "mp4" {
		t.Errorf("Expected output format mp4, got %q", got.OutputFormat)
	}
	if got.DownloadedBytes == 0 || got.TotalBytes != got.DownloadedBytes {
		t.Errorf("Unexpected byte counters: %d/%d", got.DownloadedBytes, got.TotalBytes)
	}
}

func TestMergeFailureFallsBackToVideo(t *testing.T) {
	srv := streamServer()
	defer srv.Close()

	ex := stubExtractor{info: testInfo(srv.URL, adaptiveStreams(srv.URL)...)}
	p, reg, sched := newTestProcessor(t, ex, &fakeMuxer{failMerge: true})

	j := newJob("job1", srv.URL+"/watch")
	if err := p.Submit(j); err != nil {
		t.Fatal(err)
	}

	got := waitTerminal(t, reg, "job1")
	if got.State != job.StateCompleted {
		t.Fatalf("Expected completed despite merge failure, got %s (%s)", got.State, got.Error)
	}
	if got.OutputFormat != "mp4" {
		t.Errorf("Expected the video container, got %q", got.OutputFormat)
	}
	if _, err := os.Stat(got.OutputPath); err != nil {
		t.Errorf("Expected the video-only artifact on disk: %s", err)
	}
	if !sched.scheduled("job1") {
		t.Error("Expected cleanup to be armed")
	}
}

func TestExtractionFailure(t *testing.T) {
	ex := stubExtractor{err: &extractor.Error{URL: "u", Err: fmt.Errorf("video unavailable")}}
	p, reg, _ := newTestProcessor(t, ex, &fakeMuxer{})

	j := newJob("job1", "https://example.com/watch")
	if err := p.Submit(j); err != nil {
		t.Fatal(err)
	}

	got := waitTerminal(t, reg, "job1")
	if got.State != job.StateError {
		t.Fatalf("Expected error state, got %s", got.State)
	}
	if got.Progress != 0 {
		t.Errorf("Expected progress 0 on failure, got %d", got.Progress)
	}
	if got.Error == "" || got.OutputPath != "" {
		t.Errorf("Error job must carry a message and no output: %+v", got)
	}
}

func TestNoMatchingFormat(t *testing.T) {
	srv := streamServer()
	defer srv.Close()

	// Only a webm stream while the job wants mp4.
	info := testInfo(srv.URL, extractor.Stream{
		ID: "248", URL: srv.URL + "/video", Container: "webm", Height: 1080,
		HasVideo: true, Filesize: 100,
	})
	p, reg, _ := newTestProcessor(t, stubExtractor{info: info}, &fakeMuxer{})

	j := newJob("job1", srv.URL+"/watch")
	if err := p.Submit(j); err != nil {
		t.Fatal(err)
	}

	got := waitTerminal(t, reg, "job1")
	if got.State != job.StateError {
		t.Fatalf("Expected error state, got %s", got.State)
	}
	// The downloading transition happens only once sources are chosen, so
	// an unselectable job never carries download-phase fields.
	if got.Metadata.Title != "" {
		t.Errorf("Expected no metadata before selection, got %+v", got.Metadata)
	}
	if !got.StartedAt.Equal(got.CreatedAt) {
		t.Errorf("StartedAt must not advance for an unselectable job")
	}
}

func TestTransferFailure(t *testing.T) {
	srv := streamServer()
	defer srv.Close()

	info := testInfo(srv.URL, extractor.Stream{
		ID: "18", URL: srv.URL + "/forbidden", Container: "mp4", Height: 360,
		HasVideo: true, HasAudio: true, Filesize: 100,
	})
	p, reg, _ := newTestProcessor(t, stubExtractor{info: info}, &fakeMuxer{})

	j := newJob("job1", srv.URL+"/watch")
	if err := p.Submit(j); err != nil {
		t.Fatal(err)
	}

	got := waitTerminal(t, reg, "job1")
	if got.State != job.StateError {
		t.Fatalf("Expected error state, got %s", got.State)
	}
}

func TestHTMLPayloadRejected(t *testing.T) {
	srv := streamServer()
	defer srv.Close()

	info := testInfo(srv.URL, extractor.Stream{
		ID: "18", URL: srv.URL + "/page", Container: "mp4", Height: 360,
		HasVideo: true, HasAudio: true, Filesize: 100,
	})
	p, reg, _ := newTestProcessor(t, stubExtractor{info: info}, &fakeMuxer{})
	p.MimePattern = "!text/*"

	j := newJob("job1", srv.URL+"/watch")
	if err := p.Submit(j); err != nil {
		t.Fatal(err)
	}

	got := waitTerminal(t, reg, "job1")
	if got.State != job.StateError {
		t.Fatalf("Expected an html payload to fail the job, got %s", got.State)
	}
}

func TestAudioOnlyTranscode(t *testing.T) {
	srv := streamServer()
	defer srv.Close()

	ex := stubExtractor{info: testInfo(srv.URL, adaptiveStreams(srv.URL)...)}
	p, reg, _ := newTestProcessor(t, ex, &fakeMuxer{})

	j := job.New("job1", job.Request{
		URL: srv.URL + "/watch",
		Settings: job.Settings{
			Format: job.FormatMP3, Quality: job.QualityHighest, AudioOnly: true,
		},
	})
	if err := p.Submit(j); err != nil {
		t.Fatal(err)
	}

	got := waitTerminal(t, reg, "job1")
	if got.State != job.StateCompleted {
		t.Fatalf("Expected completed, got %s (%s)", got.State, got.Error)
	}
	if got.OutputFormat != "mp3" {
		t.Errorf("Expected mp3 output, got %q", got.OutputFormat)
	}
}

func TestNotifyOnTerminal(t *testing.T) {
	srv := streamServer()
	defer srv.Close()

	ex := stubExtractor{info: testInfo(srv.URL, muxedStream(srv.URL))}
	p, reg, _ := newTestProcessor(t, ex, &fakeMuxer{})

	notified := make(chan job.Job, 1)
	p.Notify = func(j job.Job) { notified <- j }

	j := job.New("job1", job.Request{
		URL: srv.URL + "/watch",
		Settings: job.Settings{
			Format: job.FormatMP4, Quality: job.QualityHighest,
			CallbackURL: "https://example.com/cb",
		},
	})
	if err := p.Submit(j); err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, reg, "job1")

	select {
	case got := <-notified:
		if got.ID != "job1" || got.State != job.StateCompleted {
			t.Errorf("Unexpected notification: %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Notification never arrived")
	}
}

func TestNoNotifyWithoutCallbackURL(t *testing.T) {
	srv := streamServer()
	defer srv.Close()

	ex := stubExtractor{info: testInfo(srv.URL, muxedStream(srv.URL))}
	p, reg, _ := newTestProcessor(t, ex, &fakeMuxer{})

	notified := make(chan job.Job, 1)
	p.Notify = func(j job.Job) { notified <- j }

	if err := p.Submit(newJob("job1", srv.URL+"/watch")); err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, reg, "job1")

	select {
	case <-notified:
		t.Error("Expected no notification without a callback url")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConcurrentSubmissions(t *testing.T) {
	srv := streamServer()
	defer srv.Close()

	ex := stubExtractor{info: testInfo(srv.URL, muxedStream(srv.URL))}
	p, reg, _ := newTestProcessor(t, ex, &fakeMuxer{})

	const jobs = 16
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("job%d", i)
			if err := p.Submit(newJob(id, srv.URL+"/watch")); err != nil {
				t.Error(err)
				return
			}
			// Poll while the worker runs, like a real client would.
			for k := 0; k < 50; k++ {
				if j, err := reg.Get(id); err == nil {
					if j.Progress < 0 || j.Progress > 100 {
						t.Errorf("Progress out of range: %d", j.Progress)
					}
					if j.State == job.StateCompleted {
						return
					}
				}
				time.Sleep(2 * time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < jobs; i++ {
		got := waitTerminal(t, reg, fmt.Sprintf("job%d", i))
		if got.State != job.StateCompleted {
			t.Errorf("Job %d: expected completed, got %s (%s)", i, got.State, got.Error)
		}
	}
}

// Submissions can arrive while Start is still spinning up its helpers; the
// worker must bind to the supervised context and the shutdown handshake
// must cover it. Run with -race.
func TestSubmitDuringStartup(t *testing.T) {
	srv := streamServer()
	defer srv.Close()

	ex := stubExtractor{info: testInfo(srv.URL, muxedStream(srv.URL))}
	p, reg, _ := newTestProcessor(t, ex, &fakeMuxer{})

	closeCh := make(chan struct{})
	submitErr := make(chan error, 1)
	go p.Start(closeCh)
	go func() {
		submitErr <- p.Submit(newJob("job1", srv.URL+"/watch"))
	}()

	if err := <-submitErr; err != nil {
		t.Fatal(err)
	}
	got := waitTerminal(t, reg, "job1")
	if got.State != job.StateCompleted {
		t.Fatalf("Expected completed, got %s (%s)", got.State, got.Error)
	}

	closeCh <- struct{}{}
	select {
	case <-closeCh:
	case <-time.After(10 * time.Second):
		t.Fatal("Processor never finished shutting down")
	}
}

func TestSubmitRejectedOnSickDisk(t *testing.T) {
	srv := streamServer()
	defer srv.Close()

	ex := stubExtractor{info: testInfo(srv.URL, muxedStream(srv.URL))}
	p, _, _ := newTestProcessor(t, ex, &fakeMuxer{})
	p.healthy = 0

	err := p.Submit(newJob("job1", srv.URL+"/watch"))
	if err != ErrDiskSick {
		t.Errorf("Expected ErrDiskSick, got %v", err)
	}
}

func TestScratchDirNotWritable(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("running as root, permissions are not enforced")
	}
	dir := t.TempDir()
	if err := os.Chmod(dir, 0500); err != nil {
		t.Fatal(err)
	}
	reg := registry.New()
	store, err := filestore.NewFileSystem(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(reg, stubExtractor{}, &fakeMuxer{}, store, dir, testLog); err == nil {
		t.Error("Expected an error for a read-only scratch dir")
	}
}

// Guard against the payload helper accidentally reading as empty.
func TestPayloadHelper(t *testing.T) {
	if len(mp4Payload) == 0 {
		t.Fatal("empty payload")
	}
	var _ io.Writer = countingWriter{}
}
