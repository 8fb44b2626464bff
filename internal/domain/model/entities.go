package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Client funds projects from an escrowed balance.
type Client struct {
	ID         string          `gorm:"primaryKey;size:36" json:"id"`
	Name       string          `gorm:"size:128" json:"name"`
	BalanceUSD decimal.Decimal `gorm:"type:decimal(20,8)" json:"balance_usd"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Project is a batch of tasks launched by a client.
type Project struct {
	ID           string          `gorm:"primaryKey;size:36" json:"id"`
	ClientID     string          `gorm:"size:36;index" json:"client_id"`
	Name         string          `gorm:"size:128" json:"name"`
	Instructions string          `gorm:"type:text" json:"instructions"`
	Type         TaskType        `gorm:"column:task_type;size:32" json:"task_type"`
	PricePerTask decimal.Decimal `gorm:"type:decimal(20,8)" json:"price_per_task"`
	TotalTasks   int             `json:"total_tasks"`
	GoldenTasks  int             `json:"golden_tasks"`
	EscrowUSD    decimal.Decimal `gorm:"type:decimal(20,8)" json:"escrow_usd"`
	Status       ProjectStatus   `gorm:"size:16" json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Task is a unit of work. AssignedTo holds the workers currently working on
// it plus the ones that already answered; its length never exceeds the fan-out.
type Task struct {
	ID                  string          `gorm:"primaryKey;size:36" json:"id"`
	ProjectID           string          `gorm:"size:36;index" json:"project_id"`
	Position            int             `json:"position"`
	Content             string          `gorm:"type:text" json:"content"`
	Type                TaskType        `gorm:"column:task_type;size:32;index:idx_tasks_queue,priority:2" json:"task_type"`
	Options             StringList      `gorm:"type:text" json:"options"`
	PayAmount           decimal.Decimal `gorm:"type:decimal(20,8)" json:"pay_amount"`
	TimeLimitSeconds    int             `json:"time_limit_seconds"`
	IsGolden            bool            `gorm:"index:idx_tasks_queue,priority:3" json:"-"`
	GoldenAnswer        string          `gorm:"size:256" json:"-"`
	Status              TaskStatus      `gorm:"size:16;index:idx_tasks_queue,priority:1" json:"status"`
	AssignedTo          StringList      `gorm:"type:text" json:"-"`
	AssignedCount       int             `json:"assigned_count"`
	ConsensusLabel      string          `gorm:"size:256" json:"consensus_label,omitempty"`
	ConsensusConfidence float64         `json:"consensus_confidence,omitempty"`
	Version             int64           `json:"-"`
	CreatedAt           time.Time       `gorm:"index:idx_tasks_queue,priority:4" json:"created_at"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
}

// Response is one worker's answer to one task.
type Response struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	TaskID         string    `gorm:"size:36;uniqueIndex:idx_response_task_worker" json:"task_id"`
	WorkerID       string    `gorm:"size:36;uniqueIndex:idx_response_task_worker;index:idx_response_worker_time,priority:1" json:"worker_id"`
	Value          string    `gorm:"column:response;size:256" json:"response"`
	LatencySeconds float64   `json:"latency_seconds"`
	IsCorrect      *bool     `json:"is_correct,omitempty"`
	SubmittedAt    time.Time `gorm:"index:idx_response_worker_time,priority:2" json:"submitted_at"`
}

// TableName keeps the historical table name.
func (Response) TableName() string { return "task_responses" }

// Worker is a pseudonymous labeler identified by a payout address.
type Worker struct {
	ID                string          `gorm:"primaryKey;size:36" json:"id"`
	Address           string          `gorm:"size:128;uniqueIndex" json:"address"`
	VerificationLevel int             `json:"verification_level"`
	AccuracyRate      float64         `json:"accuracy_rate"`
	GoldenTotal       int64           `json:"golden_total"`
	GoldenCorrect     int64           `json:"golden_correct"`
	TasksCompleted    int64           `json:"tasks_completed"`
	Tier              Tier            `gorm:"size:16;index" json:"tier"`
	BalanceUSD        decimal.Decimal `gorm:"type:decimal(20,8)" json:"balance_usd"`
	ReferredBy        *string         `gorm:"size:36;index" json:"referred_by,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// PointsEntry is one grant of reward points. Reference, when set, makes the
// grant idempotent.
type PointsEntry struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	WorkerID   string     `gorm:"size:36;index:idx_points_worker,priority:1" json:"worker_id"`
	Points     int64      `json:"points"`
	Activity   Activity   `gorm:"column:activity_type;size:32" json:"activity_type"`
	Reference  *string    `gorm:"size:160;uniqueIndex" json:"-"`
	IssuedAt   time.Time  `gorm:"index:idx_points_worker,priority:2" json:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Redeemed   bool       `json:"redeemed"`
	RedeemedAt *time.Time `json:"redeemed_at,omitempty"`
}

// TableName keeps the historical table name.
func (PointsEntry) TableName() string { return "points_ledger" }

// RevenueMonth tracks recognized revenue and redemptions for one calendar month.
type RevenueMonth struct {
	Month             string          `gorm:"primaryKey;size:7" json:"month"`
	TotalRevenueUSD   decimal.Decimal `gorm:"type:decimal(20,8)" json:"total_revenue_usd"`
	PointsRedeemedUSD decimal.Decimal `gorm:"type:decimal(20,8)" json:"points_redeemed_usd"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// TableName keeps the historical table name.
func (RevenueMonth) TableName() string { return "revenue_tracking" }

// Transaction is an external payment record. IdempotencyKey encodes what the
// payment is for, so each payable event exists at most once.
type Transaction struct {
	ID             string          `gorm:"primaryKey;size:36" json:"id"`
	WorkerID       string          `gorm:"size:36;index" json:"worker_id"`
	AmountUSD      decimal.Decimal `gorm:"type:decimal(20,8)" json:"amount_usd"`
	FeeUSD         decimal.Decimal `gorm:"type:decimal(20,8)" json:"fee_usd"`
	Type           TxType          `gorm:"column:tx_type;size:32;index" json:"tx_type"`
	Destination    string          `gorm:"size:128" json:"destination"`
	Receipt        string          `gorm:"size:160" json:"receipt,omitempty"`
	Status         TxStatus        `gorm:"size:16;index" json:"status"`
	TaskID         *string         `gorm:"size:36;index" json:"task_id,omitempty"`
	IdempotencyKey string          `gorm:"size:160;uniqueIndex" json:"-"`
	Attempts       int             `json:"attempts"`
	ClaimedAt      *time.Time      `json:"-"`
	LastError      string          `gorm:"size:512" json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// StreakRecord marks a calendar day (UTC, YYYY-MM-DD) with completed work.
type StreakRecord struct {
	WorkerID       string `gorm:"primaryKey;size:36"`
	Day            string `gorm:"column:streak_date;primaryKey;size:10"`
	TasksCompleted int
}
