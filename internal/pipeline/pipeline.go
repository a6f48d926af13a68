package pipeline

import (
	"context"
	"runtime"
	"sync"
	"time"

	"tracegraph/internal/backtrack"
	"tracegraph/internal/detect"
	"tracegraph/internal/eventstore"
	"tracegraph/internal/logger"
	"tracegraph/internal/metrics"
	"tracegraph/internal/rules"
	"tracegraph/pkg/models"
)

// Config sizes one analysis run.
type Config struct {
	// Workers bounds concurrent per-seed analyses. Zero or negative uses the
	// available parallelism.
	Workers   int
	Backtrack backtrack.Options
}

// SeedResult is the analysis outcome for one seed, indexed by the seed's
// position in event-store order.
type SeedResult struct {
	Index      int
	Event      *models.Event
	Tags       []string
	Trace      *models.Trace
	Detections []models.Detection
	Complete   bool
}

// Runner wires seed discovery, backtracking and signature matching over one
// immutable event store.
type Runner struct {
	store    *eventstore.Store
	matcher  *rules.Matcher
	tracker  *backtrack.Backtracker
	detector *detect.Matcher
	metrics  *metrics.Metrics
	cfg      Config
}

// NewRunner creates a runner. metrics may be nil.
func NewRunner(store *eventstore.Store, matcher *rules.Matcher, tracker *backtrack.Backtracker, detector *detect.Matcher, m *metrics.Metrics, cfg Config) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	return &Runner{
		store:    store,
		matcher:  matcher,
		tracker:  tracker,
		detector: detector,
		metrics:  m,
		cfg:      cfg,
	}
}

type seedJob struct {
	index int
	event *models.Event
	tags  []string
}

// Run discovers seeds in event-store order and analyzes each one on a worker
// pool. Results come back indexed by seed order, so output is deterministic
// regardless of worker scheduling. On cancellation the already-dispatched
// seeds may finish but unstarted ones are dropped, and ctx.Err is returned
// alongside the partial results.
func (r *Runner) Run(ctx context.Context) ([]SeedResult, error) {
	var seeds []seedJob
	for _, ev := range r.store.Events() {
		tags := r.matcher.Match(ev)
		if len(tags) == 0 {
			continue
		}
		seeds = append(seeds, seedJob{index: len(seeds), event: ev, tags: tags})
	}
	r.metrics.AddSeeds(len(seeds))
	logger.Infof("Seed scan complete: %d suspicious events out of %d", len(seeds), r.store.Len())

	if len(seeds) == 0 {
		return nil, ctx.Err()
	}

	results := make([]SeedResult, len(seeds))
	jobs := make(chan seedJob)

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if ctx.Err() != nil {
					continue
				}
				results[job.index] = r.analyze(job)
			}
		}()
	}

dispatch:
	for _, job := range seeds {
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- job:
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		done := 0
		for i := range results {
			if results[i].Trace != nil {
				done++
			}
		}
		logger.Warnf("Run cancelled after %d of %d seeds", done, len(seeds))
		return results, err
	}
	return results, nil
}

func (r *Runner) analyze(job seedJob) SeedResult {
	start := time.Now()
	trace := r.tracker.Backtrack(job.event, r.cfg.Backtrack)
	r.metrics.ObserveBacktrack(time.Since(start))
	r.metrics.IncTraces()

	detections, complete := r.detector.Detect(trace)
	if !complete {
		r.metrics.IncIncomplete()
		logger.Warnf("Seed %d: matching budget exhausted after %d detections", job.index, len(detections))
	}
	r.metrics.AddDetections(len(detections))

	return SeedResult{
		Index:      job.index,
		Event:      job.event,
		Tags:       job.tags,
		Trace:      trace,
		Detections: detections,
		Complete:   complete,
	}
}

// BuildSummary consolidates per-seed results into the end-of-run report.
// Seeds dropped by cancellation (nil trace) are excluded.
func BuildSummary(results []SeedResult, totalEvents int) *models.RunSummary {
	summary := &models.RunSummary{
		GeneratedAt: time.Now().UTC(),
		TotalEvents: totalEvents,
		Seeds:       make([]models.SeedReport, 0, len(results)),
	}
	for _, res := range results {
		if res.Trace == nil {
			continue
		}
		report := models.SeedReport{
			SeedIndex:          res.Index,
			Timestamp:          res.Event.Timestamp,
			Action:             res.Event.Action,
			MatchedTags:        res.Tags,
			Start:              res.Trace.Nodes[res.Trace.Seed].Key,
			NodeCount:          len(res.Trace.Nodes),
			EdgeCount:          len(res.Trace.Edges),
			Degraded:           res.Trace.Degraded,
			MatchingIncomplete: !res.Complete,
			Detections:         res.Detections,
		}
		for _, det := range res.Detections {
			report.Signatures = append(report.Signatures, det.Signature)
		}
		summary.Seeds = append(summary.Seeds, report)
		summary.TotalSeeds++
		summary.TotalDetections += len(res.Detections)
	}
	return summary
}
