// Package simulate drives a running marketplace over HTTP with a synthetic
// workforce and reports what the service paid and resolved.
package simulate

import "time"

// Config holds configuration for a marketplace simulation.
type Config struct {
	BaseURL     string        // Base URL of the service
	Workers     int           // Number of simulated workers
	Concurrency int           // Number of workers answering at once
	Items       int           // Regular items in the launched project
	GoldenItems int           // Golden items in the launched project
	Price       string        // USD price per task
	Deposit     string        // USD credited to the client before launch
	Accuracy    float64       // Probability a worker gives the expected label
	Seed        uint64        // Seed for the answer generator
	Timeout     time.Duration // HTTP request timeout
	LogFile     string        // Log file for simulation output
	Verbose     bool          // Log every submission
}

// Stats holds simulation statistics.
type Stats struct {
	WorkersRegistered int
	TasksAssigned     int
	Submitted         int
	Rejected          int
	GoldenChecks      int
	ConsensusReached  int
	ReviewNeeded      int
	Payouts           int
	PercentComplete   float64
	StartTime         time.Time
	EndTime           time.Time
	Duration          time.Duration
}

type clientResponse struct {
	ID string `json:"id"`
}

type launchResponse struct {
	Project struct {
		ID string `json:"id"`
	} `json:"project"`
	TaskCount int `json:"task_count"`
}

type workerResponse struct {
	Worker struct {
		ID string `json:"id"`
	} `json:"worker"`
	Token string `json:"token"`
}

type nextTaskResponse struct {
	Task struct {
		ID      string   `json:"id"`
		Content string   `json:"content"`
		Options []string `json:"options"`
	} `json:"task"`
}

type submitResponse struct {
	Golden *struct {
		Correct bool `json:"correct"`
	} `json:"golden"`
	Consensus *struct {
		Decision string `json:"decision"`
	} `json:"consensus"`
	PayoutIDs []string `json:"payout_ids"`
}

type projectStats struct {
	PercentComplete float64 `json:"percent_complete"`
}

type goldenItem struct {
	Content string `json:"content"`
	Answer  string `json:"answer"`
}

type launchRequest struct {
	Name         string       `json:"name"`
	Instructions string       `json:"instructions"`
	Type         string       `json:"task_type"`
	PricePerTask string       `json:"price_per_task"`
	Items        []string     `json:"items"`
	Golden       []goldenItem `json:"golden,omitempty"`
}
