package simulate

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/okian/bawo/pkg/logger"
)

// SetupLogging initializes the global logger writing to stdout and logFile.
// An empty logFile gets a timestamped name.
func SetupLogging(logFile string, verbose bool) (io.Closer, error) {
	if logFile == "" {
		logFile = "simulate_" + time.Now().Format("20060102_150405") + ".log"
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermission)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	if err := logger.Init(logger.WithOutput(io.MultiWriter(os.Stdout, file))); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	level := "info"
	if verbose {
		level = "debug"
	}
	_ = logger.SetLevelString(level)
	return file, nil
}

// ShowHelp prints usage information for the simulation tool.
func ShowHelp() {
	os.Stdout.WriteString(`bawo marketplace simulator
==========================

Launches a funded project on a running service and lets a simulated
workforce drain it over the public HTTP API.

Usage:
  go run ./cmd/simulate [options]

Options:
  -url string
        Base URL of the service (default "http://localhost:9080")
  -workers int
        Number of simulated workers (default 9)
  -concurrency int
        Workers answering at once (default CPU cores * 2)
  -items int
        Regular items in the project (default 100)
  -golden int
        Golden items in the project (default 10)
  -price string
        USD price per task (default "0.10")
  -deposit string
        USD credited to the client (default "100.00")
  -accuracy float
        Probability a worker gives the expected label (default 0.9)
  -seed uint
        Answer generator seed (default 1)
  -timeout duration
        HTTP request timeout (default 30s)
  -log string
        Log file (default: simulate_TIMESTAMP.log)
  -verbose
        Log every submission
  -help
        Show this help message

Examples:
  go run ./cmd/simulate -workers 30 -items 1000 -deposit 500
  go run ./cmd/simulate -accuracy 0.5 -verbose
`)
}
