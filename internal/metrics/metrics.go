// Package metrics exposes Prometheus counters for the simulated kernel's
// hot paths, served by `idosctl serve-metrics` for long-running FUSE or
// boot-simulator sessions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FrameAllocations counts physical frames handed out by the allocator.
	FrameAllocations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idosnx_frame_allocations_total",
		Help: "Physical frames allocated from the bitmap.",
	})

	// SchedulerSwitches counts context switches.
	SchedulerSwitches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idosnx_scheduler_switches_total",
		Help: "Task context switches performed by the scheduler.",
	})

	// AsyncOpCompletions counts AsyncOp completion writes.
	AsyncOpCompletions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idosnx_asyncop_completions_total",
		Help: "AsyncOp completions signalled across address spaces.",
	})

	// CacheHits / CacheMisses count FAT sector cache lookups.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idosnx_sector_cache_hits_total",
		Help: "FAT sector cache lookups satisfied without disk I/O.",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idosnx_sector_cache_misses_total",
		Help: "FAT sector cache lookups that went to disk.",
	})

	// PageIns counts FileBacked page-in operations served by drivers.
	PageIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idosnx_page_ins_total",
		Help: "FileBacked pages filled by a driver's page-in path.",
	})

	// FreeFrames gauges the allocator's remaining capacity.
	FreeFrames = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "idosnx_free_frames",
		Help: "Physical frames currently free in the bitmap.",
	})
)

// Handler returns the scrape endpoint for the default registry.
func Handler() http.Handler { return promhttp.Handler() }
