package simulate

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/bawo/pkg/logger"
)

type simWorker struct {
	id    string
	token string
	rng   *rand.Rand
}

type counters struct {
	assigned, submitted, rejected atomic.Int64
	golden, consensus, review     atomic.Int64
	payouts                       atomic.Int64
}

// Run drives a full marketplace round over HTTP: a client funds and launches
// a project, workers drain it, and the project's progress is read back.
func Run(ctx context.Context, cfg *Config) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}
	log := logger.Get().Named("simulate")
	log.Info(ctx, "starting marketplace simulation",
		logger.String("baseURL", cfg.BaseURL),
		logger.Int("workers", cfg.Workers),
		logger.Int("concurrency", cfg.Concurrency),
		logger.Int("items", cfg.Items),
		logger.Int("goldenItems", cfg.GoldenItems),
		logger.Float64("accuracy", cfg.Accuracy))

	c := newHTTPClient(cfg.BaseURL, cfg.Timeout)

	if _, err := c.do(ctx, http.MethodGet, "/healthz", "", nil, nil, http.StatusOK); err != nil {
		return nil, fmt.Errorf("service health check failed: %w", err)
	}

	projectID, err := launch(ctx, c, cfg)
	if err != nil {
		return nil, fmt.Errorf("project launch failed: %w", err)
	}
	log.Info(ctx, "project launched", logger.String("projectID", projectID))

	workers, err := register(ctx, c, cfg)
	if err != nil {
		return nil, fmt.Errorf("worker registration failed: %w", err)
	}
	stats.WorkersRegistered = len(workers)

	var n counters
	drain(ctx, c, cfg, log, workers, &n)

	var ps projectStats
	if _, err := c.do(ctx, http.MethodGet, "/v1/projects/"+projectID, "", nil, &ps, http.StatusOK); err != nil {
		return nil, fmt.Errorf("project stats failed: %w", err)
	}

	stats.TasksAssigned = int(n.assigned.Load())
	stats.Submitted = int(n.submitted.Load())
	stats.Rejected = int(n.rejected.Load())
	stats.GoldenChecks = int(n.golden.Load())
	stats.ConsensusReached = int(n.consensus.Load())
	stats.ReviewNeeded = int(n.review.Load())
	stats.Payouts = int(n.payouts.Load())
	stats.PercentComplete = ps.PercentComplete
	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)

	displayFinalStats(ctx, log, stats)
	return stats, nil
}

func launch(ctx context.Context, c *HTTPClient, cfg *Config) (string, error) {
	var client clientResponse
	if _, err := c.do(ctx, http.MethodPost, "/v1/clients", "", map[string]string{"name": "simulation"}, &client, http.StatusCreated); err != nil {
		return "", err
	}
	if _, err := c.do(ctx, http.MethodPost, "/v1/clients/"+client.ID+"/deposits", "",
		map[string]string{"amount": cfg.Deposit}, nil, http.StatusOK); err != nil {
		return "", err
	}

	req := launchRequest{
		Name:         "simulation",
		Instructions: "Label the sentiment of each review.",
		Type:         taskType,
		PricePerTask: cfg.Price,
	}
	for i := range cfg.Items {
		req.Items = append(req.Items, fmt.Sprintf("simulated review #%d", i+1))
	}
	for i := range cfg.GoldenItems {
		req.Golden = append(req.Golden, goldenItem{Content: fmt.Sprintf("known review #%d", i+1), Answer: expectedLabel})
	}
	var out launchResponse
	if _, err := c.do(ctx, http.MethodPost, "/v1/clients/"+client.ID+"/projects", "", req, &out, http.StatusCreated); err != nil {
		return "", err
	}
	return out.Project.ID, nil
}

func register(ctx context.Context, c *HTTPClient, cfg *Config) ([]*simWorker, error) {
	workers := make([]*simWorker, 0, cfg.Workers)
	for i := range cfg.Workers {
		var out workerResponse
		body := map[string]any{"address": fmt.Sprintf("sim-wallet-%d", i+1)}
		if _, err := c.do(ctx, http.MethodPost, "/v1/workers", "", body, &out, http.StatusCreated); err != nil {
			return nil, err
		}
		seed := cfg.Seed + uint64(i)
		workers = append(workers, &simWorker{id: out.Worker.ID, token: out.Token, rng: rand.New(rand.NewPCG(seed, seed))})
	}
	return workers, nil
}

// drain runs workers through concurrency goroutines until every worker has
// been told there is nothing left for it.
func drain(ctx context.Context, c *HTTPClient, cfg *Config, log logger.Logger, workers []*simWorker, n *counters) {
	ch := make(chan *simWorker)
	var wg sync.WaitGroup
	for range max(cfg.Concurrency, 1) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range ch {
				work(ctx, c, cfg, log, w, n)
			}
		}()
	}
	for _, w := range workers {
		select {
		case <-ctx.Done():
		case ch <- w:
		}
	}
	close(ch)
	wg.Wait()
}

// work answers tasks for one worker. A worker sees each task at most once,
// so the loop is bounded by the project size.
func work(ctx context.Context, c *HTTPClient, cfg *Config, log logger.Logger, w *simWorker, n *counters) {
	for range cfg.Items + cfg.GoldenItems {
		if ctx.Err() != nil {
			return
		}
		var next nextTaskResponse
		code, err := c.do(ctx, http.MethodGet, "/v1/workers/"+w.id+"/tasks/next?type="+taskType, w.token, nil, &next,
			http.StatusOK, http.StatusNoContent)
		if err != nil {
			log.Warn(ctx, "next task failed", logger.String("workerID", w.id), logger.Error(err))
			return
		}
		if code == http.StatusNoContent {
			return
		}
		n.assigned.Add(1)

		answer := wrongLabel
		if w.rng.Float64() < cfg.Accuracy {
			answer = expectedLabel
		}
		var res submitResponse
		_, err = c.do(ctx, http.MethodPost, "/v1/tasks/"+next.Task.ID+"/responses", w.token, map[string]any{
			"worker_id":       w.id,
			"response":        answer,
			"latency_seconds": 2 + w.rng.Float64()*8,
		}, &res, http.StatusCreated)
		if err != nil {
			n.rejected.Add(1)
			var se *StatusError
			if !errors.As(err, &se) {
				log.Warn(ctx, "submit failed", logger.String("taskID", next.Task.ID), logger.Error(err))
				return
			}
			// Hand the task back so it does not count against the held limit.
			_, _ = c.do(ctx, http.MethodPost, "/v1/tasks/"+next.Task.ID+"/return", w.token,
				map[string]string{"worker_id": w.id}, nil, http.StatusNoContent)
			continue
		}
		n.submitted.Add(1)
		n.payouts.Add(int64(len(res.PayoutIDs)))
		if res.Golden != nil {
			n.golden.Add(1)
		}
		if res.Consensus != nil {
			switch res.Consensus.Decision {
			case "completed":
				n.consensus.Add(1)
			case "review_needed":
				n.review.Add(1)
			}
		}
		if cfg.Verbose {
			log.Info(ctx, "answer submitted",
				logger.String("workerID", w.id),
				logger.String("taskID", next.Task.ID),
				logger.String("answer", answer))
		}
	}
}

// displayFinalStats logs the final simulation statistics.
func displayFinalStats(ctx context.Context, log logger.Logger, stats *Stats) {
	var acceptRate, perSecond float64
	if total := stats.Submitted + stats.Rejected; total > 0 {
		acceptRate = float64(stats.Submitted) / float64(total) * PercentageMultiplier
	}
	if stats.Duration > 0 {
		perSecond = float64(stats.Submitted) / stats.Duration.Seconds()
	}
	log.Info(ctx, "final statistics",
		logger.Int("workersRegistered", stats.WorkersRegistered),
		logger.Int("tasksAssigned", stats.TasksAssigned),
		logger.Int("submitted", stats.Submitted),
		logger.Int("rejected", stats.Rejected),
		logger.Int("goldenChecks", stats.GoldenChecks),
		logger.Int("consensusReached", stats.ConsensusReached),
		logger.Int("reviewNeeded", stats.ReviewNeeded),
		logger.Int("payouts", stats.Payouts),
		logger.Float64("percentComplete", stats.PercentComplete),
		logger.Duration("duration", stats.Duration),
		logger.Float64("acceptRate", acceptRate),
		logger.Float64("submissionsPerSecond", perSecond))
}
