package main

import (
	"context"
	"flag"
	"os"
	"runtime"
	"time"

	"github.com/okian/bawo/internal/simulate"
)

// Default configuration constants.
const (
	defaultWorkers     = 9
	defaultItems       = 100
	defaultGolden      = 10
	defaultConcurrency = 2 // multiplier for runtime.NumCPU()
	defaultTimeout     = 30 * time.Second
	defaultRunTimeout  = 10 * time.Minute
)

func main() {
	var (
		baseURL     = flag.String("url", "http://localhost:9080", "Base URL of the service")
		workers     = flag.Int("workers", defaultWorkers, "Number of simulated workers")
		concurrency = flag.Int("concurrency", runtime.NumCPU()*defaultConcurrency, "Workers answering at once")
		items       = flag.Int("items", defaultItems, "Regular items in the project")
		golden      = flag.Int("golden", defaultGolden, "Golden items in the project")
		price       = flag.String("price", "0.10", "USD price per task")
		deposit     = flag.String("deposit", "100.00", "USD credited to the client")
		accuracy    = flag.Float64("accuracy", 0.9, "Probability a worker gives the expected label")
		seed        = flag.Uint64("seed", 1, "Answer generator seed")
		timeout     = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		logFile     = flag.String("log", "", "Log file (default: simulate_TIMESTAMP.log)")
		verbose     = flag.Bool("verbose", false, "Log every submission")
		help        = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		simulate.ShowHelp()
		return
	}

	closer, err := simulate.SetupLogging(*logFile, *verbose)
	if err != nil {
		os.Stderr.WriteString("Failed to setup logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = closer.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), defaultRunTimeout)
	defer cancel()

	cfg := &simulate.Config{
		BaseURL:     *baseURL,
		Workers:     *workers,
		Concurrency: *concurrency,
		Items:       *items,
		GoldenItems: *golden,
		Price:       *price,
		Deposit:     *deposit,
		Accuracy:    *accuracy,
		Seed:        *seed,
		Timeout:     *timeout,
		LogFile:     *logFile,
		Verbose:     *verbose,
	}
	if _, err := simulate.Run(ctx, cfg); err != nil {
		os.Stderr.WriteString("Simulation failed: " + err.Error() + "\n")
		cancel()
		os.Exit(1) //nolint:gocritic // cancel already called
	}
}
