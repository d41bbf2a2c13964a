// Package stats wraps an expvar Map per component and periodically hands it
// to a report function, typically one that logs it.
package stats

import (
	"context"
	"expvar"
	"log"
	"time"
)

type Stats struct {
	*expvar.Map
	interval   time.Duration
	reportfunc func(m *expvar.Map)
}

// New returns a Stats reporter publishing under id. Publishing the same id
// twice reuses the existing map, so a component can rebuild its reporter
// with a fresh report function.
func New(id string, interval time.Duration, report func(*expvar.Map)) *Stats {
	var m *expvar.Map
	if v := expvar.Get(id); v != nil {
		m = v.(*expvar.Map)
	} else {
		m = expvar.NewMap(id)
	}
	return &Stats{m, interval, report}
}

// Run invokes the report function at the configured interval until ctx is
// canceled. A nil report function turns Run into a plain wait.
func (s *Stats) Run(ctx context.Context) {
	tick := time.NewTicker(s.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("Stats daemon exiting")
			return
		case <-tick.C:
			if s.reportfunc != nil {
				s.reportfunc(s.Map)
			}
		}
	}
}
