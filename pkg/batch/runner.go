package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/inference-client/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds batch runner configuration.
type Config struct {
	// MaxConcurrency is the maximum number of parallel chat calls.
	MaxConcurrency int `yaml:"max_concurrency"`

	// Timeout per request, including retries (0 = none).
	Timeout time.Duration `yaml:"timeout"`

	// ProgressEvery logs progress after this many completed requests (0 = never).
	ProgressEvery int `yaml:"progress_every"`
}

// DefaultConfig returns the default batch configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        2 * time.Minute,
		ProgressEvery:  50,
	}
}

// Chatter is satisfied by *client.Client.
type Chatter interface {
	Chat(ctx context.Context, req *models.Request) (*models.Response, error)
}

// Result is the outcome of one request.
type Result struct {
	Index    int
	Response *models.Response
	Err      error
	Duration time.Duration
}

// Summary counts outcomes of a batch.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
}

// Summarize counts successes and failures.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.Err != nil {
			s.Failed++
		} else {
			s.Succeeded++
		}
	}
	return s
}

// Runner executes requests with a bounded worker pool.
type Runner struct {
	chatter Chatter
	config  Config
	logger  zerolog.Logger
}

// NewRunner creates a new batch runner.
func NewRunner(chatter Chatter, config Config) *Runner {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.Timeout < 0 {
		config.Timeout = 0
	}

	return &Runner{
		chatter: chatter,
		config:  config,
		logger:  log.With().Str("component", "batch").Logger(),
	}
}

// Run sends every request and returns one Result per request, in input order.
//
// Individual failures are reported in their Result. If ctx ends, requests not
// yet started fail with the context error and Run returns it as well.
func (r *Runner) Run(ctx context.Context, reqs []*models.Request) ([]Result, error) {
	start := time.Now()
	results := make([]Result, len(reqs))
	if len(reqs) == 0 {
		return results, nil
	}

	workers := r.config.MaxConcurrency
	if workers > len(reqs) {
		workers = len(reqs)
	}

	r.logger.Info().
		Int("requests", len(reqs)).
		Int("workers", workers).
		Msg("Starting batch")

	queue := make(chan int)
	done := make(chan int, len(reqs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go r.worker(ctx, reqs, results, queue, done, &wg, i)
	}

	// Feed the queue until all requests are handed out or ctx ends.
	next := 0
feed:
	for ; next < len(reqs); next++ {
		select {
		case queue <- next:
		case <-ctx.Done():
			break feed
		}
	}
	close(queue)

	go func() {
		wg.Wait()
		close(done)
	}()

	completed := 0
	for range done {
		completed++
		if r.config.ProgressEvery > 0 && completed%r.config.ProgressEvery == 0 {
			r.logger.Info().
				Int("completed", completed).
				Int("total", len(reqs)).
				Float64("progress_pct", float64(completed)/float64(len(reqs))*100).
				Msg("Batch progress")
		}
	}

	var runErr error
	if next < len(reqs) {
		runErr = fmt.Errorf("batch cancelled (%d/%d requests started): %w", next, len(reqs), ctx.Err())
		for i := next; i < len(reqs); i++ {
			results[i] = Result{Index: i, Err: ctx.Err()}
		}
	}

	summary := Summarize(results)
	r.logger.Info().
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Dur("duration", time.Since(start)).
		Msg("Batch complete")

	return results, runErr
}

// worker processes request indices from the queue.
func (r *Runner) worker(ctx context.Context, reqs []*models.Request, results []Result, queue <-chan int, done chan<- int, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for idx := range queue {
		reqCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.config.Timeout > 0 {
			reqCtx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		}

		start := time.Now()
		resp, err := r.chatter.Chat(reqCtx, reqs[idx])
		cancel()

		if err != nil {
			r.logger.Debug().
				Err(err).
				Int("worker_id", workerID).
				Int("index", idx).
				Msg("Batch request failed")
		}

		results[idx] = Result{Index: idx, Response: resp, Err: err, Duration: time.Since(start)}
		processed++
		done <- idx
	}

	if processed > 0 {
		r.logger.Debug().
			Int("worker_id", workerID).
			Int("processed", processed).
			Msg("Worker completed")
	}
}
