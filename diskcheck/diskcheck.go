// Package diskcheck watches the disk holding the download directory and
// tells the processor when usage crosses a threshold. Media files are large;
// accepting a job that cannot fit on disk wastes bandwidth and leaves junk
// behind, so the processor stops admitting jobs while the disk is sick.
package diskcheck

import (
	"context"
	"errors"
	"log"
	"syscall"
	"time"
)

const (
	// Healthy means disk usage is below the thresholds.
	Healthy Health = Health(true)

	// Sick means disk usage climbed above the high threshold.
	Sick = Health(false)
)

var statfs = syscall.Statfs

// Checker reports disk health transitions over a channel. A message is only
// sent when the state changes, so readers never see the same state twice in
// a row. The disk is considered healthy at start.
type Checker interface {
	Run(ctx context.Context)
	C() chan Health
}

// Health is the disk health state.
type Health bool

func (h Health) String() string {
	if h == Healthy {
		return "healthy"
	}
	return "sick"
}

type diskChecker struct {
	interval time.Duration

	// path is the download directory whose filesystem is measured.
	path string

	// usage thresholds (%): above high the disk turns sick, at or below
	// low it recovers. The gap keeps the state from flapping.
	high, low diskUsage

	c chan Health
}

// diskUsage is a used-space percentage.
type diskUsage int

// New validates the thresholds (0 <= low < high <= 100), verifies the path
// is statable, and returns a checker.
func New(path string, high int, low int, interval time.Duration) (Checker, error) {
	if low >= high {
		return nil, errors.New("low threshold must be smaller than high")
	}
	if low < 0 || low > 100 {
		return nil, errors.New("low threshold must be between 0 and 100")
	}
	if high < 0 || high > 100 {
		return nil, errors.New("high threshold must be between 0 and 100")
	}
	if _, err := fetchDiskUsage(path); err != nil {
		return nil, err
	}

	return &diskChecker{
		path:     path,
		high:     diskUsage(high),
		low:      diskUsage(low),
		interval: interval,
		c:        make(chan Health),
	}, nil
}

func (d *diskChecker) C() chan Health {
	return d.c
}

// Run alternates between waiting for the disk to turn sick and waiting for
// it to recover, emitting each transition on C. It returns when ctx is
// canceled.
func (d *diskChecker) Run(ctx context.Context) {
	for {
		if err := d.waitFor(ctx, Sick); err != nil {
			return
		}
		if err := d.waitFor(ctx, Healthy); err != nil {
			return
		}
	}
}

// waitFor polls the disk at the configured interval until it reaches the
// target state, then announces the transition.
func (d *diskChecker) waitFor(ctx context.Context, target Health) error {
	tick := time.NewTicker(d.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			du, err := fetchDiskUsage(d.path)
			if err != nil {
				log.Printf("[diskcheck] Disk usage error: %v", err)
				continue
			}
			if target == Sick && du > d.high {
				d.c <- Sick
				return nil
			}
			if target == Healthy && du <= d.low {
				d.c <- Healthy
				return nil
			}
		}
	}
}

func fetchDiskUsage(path string) (diskUsage, error) {
	fs := syscall.Statfs_t{}
	if err := statfs(path, &fs); err != nil {
		return 0, errors.New("Could not get file system statistics: " + err.Error())
	}
	all := fs.Blocks * uint64(fs.Bsize)
	free := fs.Bfree * uint64(fs.Bsize)
	used := all - free
	usage := (float32(used) / float32(all)) * 100
	return diskUsage(usage), nil
}
