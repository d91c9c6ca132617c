package worker

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pingsantohq/ingestcheck/internal/probe"
	"github.com/pingsantohq/ingestcheck/pkg/types"
)

// ResultSink receives completed probe results. Implementations must be safe
// for concurrent use.
type ResultSink interface {
	AddProbe(types.ProbeResult)
}

type ProbeFunc func(context.Context, types.ProbeTarget) types.ProbeResult

// DefaultWorkers is the pool size when none is configured.
func DefaultWorkers() int {
	return runtime.NumCPU() * 4
}

type Pool struct {
	jobs        <-chan Job
	results     ResultSink
	workerCount int
	prober      ProbeFunc
	logger      zerolog.Logger
	progress    rate.Sometimes
	total       int
	done        atomic.Int64
}

type PoolOption func(*Pool)

func WithWorkerCount(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workerCount = n
		}
	}
}

func WithProber(fn ProbeFunc) PoolOption {
	return func(p *Pool) {
		if fn != nil {
			p.prober = fn
		}
	}
}

func WithLogger(logger zerolog.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithTotal sets the expected job count used in progress logs.
func WithTotal(n int) PoolOption {
	return func(p *Pool) {
		p.total = n
	}
}

func NewPool(jobs <-chan Job, results ResultSink, opts ...PoolOption) *Pool {
	p := &Pool{
		jobs:        jobs,
		results:     results,
		workerCount: DefaultWorkers(),
		logger:      zerolog.Nop(),
		progress:    rate.Sometimes{First: 1, Interval: 2 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	if p.prober == nil {
		p.prober = probe.New(probe.Config{}, probe.Dependencies{Logger: p.logger}).Probe
	}
	if p.results == nil {
		p.results = &Collector{}
	}
	return p
}

// Start launches the workers. Every job read from the channel produces
// exactly one result; once ctx is cancelled the remaining jobs are drained
// as cancelled failures without probing.
func (p *Pool) Start(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	for i := 0; i < p.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runWorker(ctx)
		}()
	}
	return &wg
}

func (p *Pool) runWorker(ctx context.Context) {
	for job := range p.jobs {
		p.handleJob(ctx, job)
	}
}

func (p *Pool) handleJob(ctx context.Context, job Job) {
	var res types.ProbeResult
	if ctx.Err() != nil {
		res = types.ProbeResult{
			Target:  job.Target,
			Stage:   types.StageDNS,
			Outcome: types.OutcomeFail,
			Cause:   types.CauseCancelled,
			Detail:  "run cancelled before probe started",
		}
	} else {
		res = p.prober(ctx, job.Target)
		res.Target = job.Target
	}
	p.results.AddProbe(res)

	n := p.done.Add(1)
	p.progress.Do(func() {
		p.logger.Info().Int64("completed", n).Int("total", p.total).Msg("probing endpoints")
	})
}

// Collector is a ResultSink that keeps results in completion order.
type Collector struct {
	mu      sync.Mutex
	results []types.ProbeResult
}

func (c *Collector) AddProbe(res types.ProbeResult) {
	c.mu.Lock()
	c.results = append(c.results, res)
	c.mu.Unlock()
}

func (c *Collector) Results() []types.ProbeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.ProbeResult, len(c.results))
	copy(out, c.results)
	return out
}

// ProbeAll runs every target through a pool and waits for all results.
func ProbeAll(ctx context.Context, targets []types.ProbeTarget, opts ...PoolOption) []types.ProbeResult {
	sink := &Collector{}
	opts = append(opts, WithTotal(len(targets)))
	NewPool(Jobs(targets), sink, opts...).Start(ctx).Wait()
	return sink.Results()
}
