// Processor drives the download jobs. Each submitted job gets its own
// worker goroutine that walks the job through its states: resolve metadata
// through the extractor, pick source streams, transfer them over HTTP while
// publishing progress, and hand the result to ffmpeg when the streams need
// combining.
//
//   submit ──> fetching_info ──> downloading ──> processing ──> completed
//                   │                 │               │
//                   └────────────> error <────────────┘
//
// Shutdown is coordinated through a close channel handshake: the processor
// cancels its context, in-flight workers mark their jobs errored and the
// processor replies on the channel once they all returned.
package processor

import (
	"context"
	"crypto/tls"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Kvazar-213452/FastYt/diskcheck"
	"github.com/Kvazar-213452/FastYt/extractor"
	"github.com/Kvazar-213452/FastYt/filestore"
	"github.com/Kvazar-213452/FastYt/job"
	"github.com/Kvazar-213452/FastYt/mimetype"
	"github.com/Kvazar-213452/FastYt/muxer"
	perrors "github.com/Kvazar-213452/FastYt/processor/errors"
	"github.com/Kvazar-213452/FastYt/registry"
	"github.com/Kvazar-213452/FastYt/selector"
	"github.com/Kvazar-213452/FastYt/stats"
)

var (
	newChecker = diskcheck.New

	// Based on http.DefaultTransport. The response header timeout bounds
	// a stalled CDN; the body itself can take as long as the job context
	// allows.
	httpTransport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   4 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// Allow a single server-initiated renegotiation attempt, a few
		// CDN edges still require it.
		TLSClientConfig: &tls.Config{Renegotiation: tls.RenegotiateOnceAsClient},
	}
)

const (
	// Metric identifiers
	statsActiveWorkers = "workers"          // Gauge
	statsSpawned       = "spawnedWorkers"   // Counter
	statsCompleted     = "completions"      // Counter
	statsFailures      = "failures"         // Counter
	statsMergeFallback = "mergeFallbacks"   // Counter
	statsBytes         = "downloadedBytes"  // Counter
	statsRejected      = "rejectedSickDisk" // Counter

	// diskChecker settings
	diskHigh     = 95
	diskLow      = 90
	diskInterval = 1 * time.Minute

	// Interval between stats flushes.
	statsFlushInterval = 5 * time.Second
)

// ErrDiskSick is returned by Submit while the download disk is above the
// usage threshold.
var ErrDiskSick = errors.New("download disk is over capacity")

// Scheduler arms the deferred cleanup for a finished job.
type Scheduler interface {
	Schedule(id string)
}

type Processor struct {
	Registry  *registry.Registry
	Extractor extractor.Extractor
	Muxer     muxer.Muxer
	Store     filestore.Store

	// Cleanup is armed when a job completes. May be nil in tests.
	Cleanup Scheduler

	// Notify, when set, receives every job that reached a terminal
	// state. Used for completion callbacks.
	Notify func(j job.Job)

	// ScratchDir is where in-flight transfers are assembled before
	// being promoted into the store.
	ScratchDir string

	// Client performs the stream transfers.
	Client *http.Client

	// UserAgent sent with stream requests.
	UserAgent string

	// MimePattern validates the leading payload bytes of every stream
	// transfer. Empty disables validation.
	MimePattern string

	Log *log.Logger

	stats   *stats.Stats
	healthy int32
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// New returns a Processor, or an error if scratchDir is not writable or the
// mime pattern does not parse.
func New(reg *registry.Registry, ex extractor.Extractor, mx muxer.Muxer,
	store filestore.Store, scratchDir string, logger *log.Logger) (*Processor, error) {

	if err := os.MkdirAll(scratchDir, os.FileMode(0755)); err != nil {
		return nil, errors.New("Error creating scratch directory: " + err.Error())
	}
	// Verify we can write to scratchDir before accepting any job.
	tmpf, err := os.CreateTemp(scratchDir, "write-check-")
	if err != nil {
		return nil, errors.New("Error verifying scratch directory is writable: " + err.Error())
	}
	if _, err = tmpf.Write([]byte("a")); err != nil {
		tmpf.Close()
		os.Remove(tmpf.Name())
		return nil, errors.New("Error verifying scratch directory is writable: " + err.Error())
	}
	if err = tmpf.Close(); err != nil {
		return nil, errors.New("Error verifying scratch directory is writable: " + err.Error())
	}
	if err = os.Remove(tmpf.Name()); err != nil {
		return nil, errors.New("Error verifying scratch directory is writable: " + err.Error())
	}

	client := &http.Client{Transport: httpTransport}

	p := &Processor{
		Registry:    reg,
		Extractor:   ex,
		Muxer:       mx,
		Store:       store,
		ScratchDir:  scratchDir,
		Client:      client,
		MimePattern: mimetype.DefaultPattern,
		Log:         logger,
	}
	p.stats = stats.New("Processor", statsFlushInterval, func(m *expvar.Map) {
		p.Log.Printf("Stats: %s", m.String())
	})
	// Workers bind to p.ctx at Submit time; it must exist before Start so
	// that submissions arriving during startup are still supervised.
	p.ctx, p.cancel = context.WithCancel(context.Background())
	atomic.StoreInt32(&p.healthy, 1)
	return p, nil
}

// Start runs the processor's helper goroutines until a message arrives on
// closeCh. It waits for in-flight workers before replying on closeCh.
func (p *Processor) Start(closeCh chan struct{}) {
	p.Log.Println("Starting...")

	var helperWg sync.WaitGroup

	helperWg.Add(1)
	go func() {
		defer helperWg.Done()
		p.stats.Run(p.ctx)
	}()

	checker, err := newChecker(p.ScratchDir, diskHigh, diskLow, diskInterval)
	if err != nil {
		p.Log.Println("Error initializing disk checker:", err)
	} else {
		helperWg.Add(1)
		go func() {
			defer helperWg.Done()
			checker.Run(p.ctx)
		}()
	}

PROCESSOR_LOOP:
	for {
		var healthCh chan diskcheck.Health
		if checker != nil {
			healthCh = checker.C()
		}
		select {
		case health := <-healthCh:
			if health == diskcheck.Sick {
				p.Log.Println("Sick disk, rejecting new jobs...")
				atomic.StoreInt32(&p.healthy, 0)
			} else {
				p.Log.Println("Healthy disk, accepting jobs again...")
				atomic.StoreInt32(&p.healthy, 1)
			}
		case <-closeCh:
			break PROCESSOR_LOOP
		}
	}

	p.Log.Println("Shutting down...")
	p.cancel()
	p.wg.Wait()
	helperWg.Wait()
	closeCh <- struct{}{}
}

// Submit registers j and spawns its worker goroutine. It fails fast when
// the disk is over capacity.
func (p *Processor) Submit(j *job.Job) error {
	if atomic.LoadInt32(&p.healthy) == 0 {
		p.stats.Add(statsRejected, 1)
		return ErrDiskSick
	}
	if err := p.Registry.Add(j); err != nil {
		return err
	}

	p.wg.Add(1)
	p.stats.Add(statsSpawned, 1)
	go func() {
		defer p.wg.Done()
		p.stats.Add(statsActiveWorkers, 1)
		defer p.stats.Add(statsActiveWorkers, -1)
		p.process(p.ctx, j.ID)
	}()
	return nil
}

// process walks one job through its lifecycle. It never panics the process;
// every failure lands the job in the error state with a phase-tagged
// message.
func (p *Processor) process(ctx context.Context, id string) {
	jb, err := p.Registry.Get(id)
	if err != nil {
		p.Log.Printf("process: job %s vanished before start: %s", id, err)
		return
	}
	p.Log.Println("Processing", &jb)

	info, err := p.Extractor.Info(ctx, jb.URL)
	if err != nil {
		p.fail(id, perrors.E(perrors.PhaseInfo, err))
		return
	}

	sel, err := selector.Select(info.Streams, jb.Settings)
	if err != nil {
		p.fail(id, perrors.E(perrors.PhaseSelect, err))
		return
	}

	// The job stays in fetching_info until sources are chosen; only a job
	// with something to transfer ever polls as downloading.
	p.Registry.Update(id, func(j *job.Job) {
		j.Metadata = job.Metadata{
			Title:          info.Title,
			Duration:       info.Duration,
			DurationString: job.DurationString(info.Duration),
			Thumbnail:      info.Thumbnail,
			Uploader:       info.Uploader,
			ViewCount:      info.ViewCount,
		}
		j.State = job.StateDownloading
		j.StartedAt = time.Now()
	})

	t := newTracker(p.Registry, id, selectionSize(sel))

	var videoPath, audioPath string
	if sel.Video != nil {
		videoPath = p.scratchPath(id, "video", sel.Video.Container)
		defer os.Remove(videoPath)
		if err := p.transfer(ctx, sel.Video.URL, videoPath, t); err != nil {
			p.fail(id, perrors.E(perrors.PhaseTransfer, err))
			return
		}
	}
	if sel.Audio != nil {
		audioPath = p.scratchPath(id, "audio", sel.Audio.Container)
		defer os.Remove(audioPath)
		if err := p.transfer(ctx, sel.Audio.URL, audioPath, t); err != nil {
			p.fail(id, perrors.E(perrors.PhaseTransfer, err))
			return
		}
	}
	t.finished()

	name, outErr := p.assemble(ctx, id, jb.Settings, sel, videoPath, audioPath)
	if outErr != nil {
		p.fail(id, outErr)
		return
	}

	if !p.Store.Exists(name) {
		p.fail(id, perrors.Errorf(perrors.PhaseStore, "file not found after download"))
		return
	}
	size, err := p.Store.Size(name)
	if err != nil {
		p.fail(id, perrors.E(perrors.PhaseStore, err))
		return
	}

	p.Registry.Update(id, func(j *job.Job) {
		j.State = job.StateCompleted
		j.Progress = 100
		j.OutputPath = p.Store.Path(name)
		j.OutputFormat = filepath.Ext(name)[1:]
		j.DownloadedBytes = size
		j.TotalBytes = size
		j.Speed = 0
		j.ETA = 0
	})
	p.stats.Add(statsCompleted, 1)
	p.stats.Add(statsBytes, size)
	p.Log.Printf("Completed job %s (%s, %d bytes)", id, name, size)

	if p.Cleanup != nil {
		p.Cleanup.Schedule(id)
	}
	p.notifyTerminal(id)
}

// assemble turns the transferred scratch files into the final artifact and
// promotes it into the store, returning the stored file name.
func (p *Processor) assemble(ctx context.Context, id string, settings job.Settings,
	sel selector.Selection, videoPath, audioPath string) (string, error) {

	audioTarget := settings.AudioOnly || settings.Format == job.FormatMP3

	// Adaptive pair: copy the video bitstream, encode the audio to the
	// container codec. A failed merge degrades to the video stream alone
	// rather than failing the job.
	if sel.Video != nil && sel.Audio != nil {
		name := id + "." + settings.Format
		merged := p.scratchPath(id, "merged", settings.Format)
		defer os.Remove(merged)

		res := p.Muxer.Merge(ctx, videoPath, audioPath, merged, settings.Format)
		if res.OK {
			if err := p.Store.Promote(merged, name); err != nil {
				return "", perrors.E(perrors.PhaseStore, err)
			}
			return name, nil
		}

		p.stats.Add(statsMergeFallback, 1)
		p.Log.Printf("Merge failed for job %s, keeping video only: %s", id, res)
		name = id + "." + sel.Video.Container
		if err := p.Store.Promote(videoPath, name); err != nil {
			return "", perrors.E(perrors.PhaseStore, err)
		}
		return name, nil
	}

	// Single stream: either an audio-only transfer or a progressive file.
	src := videoPath
	container := ""
	if sel.Video != nil {
		container = sel.Video.Container
	} else {
		src = audioPath
		container = sel.Audio.Container
	}

	ext := settings.Format
	if audioTarget {
		ext = audioExt(settings.Format)
	}
	name := id + "." + ext

	// A payload already in the target container moves straight into the
	// store. mp3 targets always transcode; a muxed source for an audio
	// target needs its video track stripped.
	if container == ext && !(audioTarget && sel.Muxed) && settings.Format != job.FormatMP3 {
		if err := p.Store.Promote(src, name); err != nil {
			return "", perrors.E(perrors.PhaseStore, err)
		}
		return name, nil
	}

	converted := p.scratchPath(id, "converted", ext)
	defer os.Remove(converted)
	res := p.Muxer.Convert(ctx, src, converted, settings.Format, audioTarget)
	if !res.OK {
		return "", perrors.Errorf(perrors.PhaseMerge, "converting to %s: %s", ext, res)
	}
	if err := p.Store.Promote(converted, name); err != nil {
		return "", perrors.E(perrors.PhaseStore, err)
	}
	return name, nil
}

// transfer downloads url into dest, feeding byte counts to t. The leading
// payload bytes are validated against the mime pattern so an HTML error
// page served with a 200 fails the transfer.
func (p *Processor) transfer(ctx context.Context, url, dest string, t *tracker) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("stream returned status code %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	counted := countingWriter{w: out, t: t}

	if p.MimePattern != "" {
		validator, err := mimetype.New()
		if err != nil {
			// libmagic unavailable, transfer without validation.
			p.Log.Println("Could not create mime validator:", err)
		} else {
			defer validator.Close()
			validator.Reset(p.MimePattern)
			if err := validator.Read(io.TeeReader(resp.Body, counted)); err != nil {
				return err
			}
		}
	}

	if _, err := io.Copy(counted, resp.Body); err != nil {
		return err
	}
	return out.Sync()
}

// fail moves the job to the error state. A worker whose context was
// canceled during shutdown still lands here; the job reads as errored
// rather than stuck.
func (p *Processor) fail(id string, jerr error) {
	p.stats.Add(statsFailures, 1)
	p.Log.Printf("Job %s failed: %s", id, jerr)
	p.Registry.Update(id, func(j *job.Job) {
		j.State = job.StateError
		j.Error = jerr.Error()
		j.Progress = 0
		j.Speed = 0
		j.ETA = 0
	})
	p.notifyTerminal(id)
}

func (p *Processor) notifyTerminal(id string) {
	if p.Notify == nil {
		return
	}
	jb, err := p.Registry.Get(id)
	if err != nil {
		return
	}
	if jb.Settings.CallbackURL == "" {
		return
	}
	p.Notify(jb)
}

func (p *Processor) scratchPath(id, kind, ext string) string {
	return filepath.Join(p.ScratchDir, fmt.Sprintf("%s.%s.%s", id, kind, ext))
}

// selectionSize sums the advertised sizes of the chosen streams. Zero when
// any of them is unknown, which keeps the percentage honest.
func selectionSize(sel selector.Selection) int64 {
	var total int64
	if sel.Video != nil {
		if sel.Video.Filesize <= 0 {
			return 0
		}
		total += sel.Video.Filesize
	}
	if sel.Audio != nil {
		if sel.Audio.Filesize <= 0 {
			return 0
		}
		total += sel.Audio.Filesize
	}
	return total
}

// audioExt maps a requested format to the container an audio-only artifact
// is written in.
func audioExt(format string) string {
	switch format {
	case job.FormatMP3:
		return "mp3"
	case job.FormatWebM:
		return "webm"
	default:
		return "m4a"
	}
}
