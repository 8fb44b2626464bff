// Package model contains the persisted marketplace entities and their closed
// enumerations.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// ErrUnknownValue is returned when parsing a string outside a closed enum.
var ErrUnknownValue = errors.New("unknown enum value")

// TaskType is the kind of judgment a task asks for.
type TaskType string

const (
	TaskSentiment      TaskType = "sentiment"
	TaskClassification TaskType = "classification"
	TaskRLHF           TaskType = "rlhf"
)

// TaskTypes lists every known task type.
var TaskTypes = []TaskType{TaskSentiment, TaskClassification, TaskRLHF}

// ParseTaskType validates s.
func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(s)
	if !slices.Contains(TaskTypes, t) {
		return "", fmt.Errorf("%w: task type %q", ErrUnknownValue, s)
	}
	return t, nil
}

// DefaultOptions returns the answer set used when a project does not supply one.
func (t TaskType) DefaultOptions() []string {
	switch t {
	case TaskSentiment:
		return []string{"positive", "negative", "neutral"}
	case TaskClassification:
		return []string{"Technology", "Sports", "Politics", "Entertainment", "Business"}
	case TaskRLHF:
		return []string{"A", "B"}
	}
	return nil
}

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	StatusPending      TaskStatus = "pending"
	StatusAssigned     TaskStatus = "assigned"
	StatusCompleted    TaskStatus = "completed"
	StatusReviewNeeded TaskStatus = "review_needed"
)

// Terminal reports whether no further responses are accepted.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusReviewNeeded
}

// Tier is a worker reputation category.
type Tier string

const (
	TierNewcomer Tier = "newcomer"
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierExpert   Tier = "expert"
)

// Rank orders tiers from newcomer (0) to expert (4).
func (t Tier) Rank() int {
	switch t {
	case TierBronze:
		return 1
	case TierSilver:
		return 2
	case TierGold:
		return 3
	case TierExpert:
		return 4
	}
	return 0
}

// Activity is the reason a points entry was issued.
type Activity string

const (
	ActivityTaskCompletion Activity = "task_completion"
	ActivityGoldenBonus    Activity = "golden_bonus"
	ActivityStreakBonus    Activity = "streak_bonus"
	ActivityReferralBonus  Activity = "referral_bonus"
	ActivityQualityBonus   Activity = "quality_bonus"
)

// Activities lists every points activity.
var Activities = []Activity{
	ActivityTaskCompletion, ActivityGoldenBonus, ActivityStreakBonus, ActivityReferralBonus, ActivityQualityBonus,
}

// Valid reports whether a is a known activity.
func (a Activity) Valid() bool { return slices.Contains(Activities, a) }

// TxType is the kind of external payment.
type TxType string

const (
	TxTaskPayment      TxType = "task_payment"
	TxWithdrawal       TxType = "withdrawal"
	TxReferralBonus    TxType = "referral_bonus"
	TxStreakBonus      TxType = "streak_bonus"
	TxPointsRedemption TxType = "points_redemption"
)

// Outgoing reports whether the transaction moves funds to the worker.
// Withdrawals carry a negative amount and never go through the rail here.
func (t TxType) Outgoing() bool {
	switch t {
	case TxTaskPayment, TxReferralBonus, TxStreakBonus, TxPointsRedemption:
		return true
	case TxWithdrawal:
		return false
	}
	return false
}

// TxStatus is the settlement state of a transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// ProjectStatus is the state of a client project.
type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectCompleted ProjectStatus = "completed"
)

// StringList is a JSON-encoded list column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = StringList{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("string list: unsupported source %T", src)
	}
	if len(raw) == 0 {
		*l = StringList{}
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("string list: %w", err)
	}
	*l = out
	return nil
}

// Contains reports whether id is present.
func (l StringList) Contains(id string) bool { return slices.Contains(l, id) }

// Without returns a copy with id removed.
func (l StringList) Without(id string) StringList {
	out := make(StringList, 0, len(l))
	for _, v := range l {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// With returns a copy with id appended.
func (l StringList) With(id string) StringList {
	out := make(StringList, 0, len(l)+1)
	out = append(out, l...)
	return append(out, id)
}
