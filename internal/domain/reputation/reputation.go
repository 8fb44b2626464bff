// Package reputation derives worker accuracy, tier and reputation score from
// accumulated golden-item outcomes and completed-task counts. It is pure: the
// persistence side lives in the workers service.
package reputation

import (
	"math"

	"github.com/okian/bawo/internal/domain/model"
)

// Default scoring configuration constants.
const (
	defaultAccuracyWeight   = 0.7
	defaultExperienceWeight = 0.3
	defaultExperienceCap    = 100
	maxScoreValue           = 100
)

// Threshold is the minimum (count, accuracy) pair for a tier.
type Threshold struct {
	Tier        model.Tier
	MinCount    int64
	MinAccuracy float64
}

// DefaultThresholds are ordered most senior first.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{Tier: model.TierExpert, MinCount: 1000, MinAccuracy: 95},
		{Tier: model.TierGold, MinCount: 500, MinAccuracy: 90},
		{Tier: model.TierSilver, MinCount: 100, MinAccuracy: 85},
		{Tier: model.TierBronze, MinCount: 10, MinAccuracy: 75},
	}
}

// Option applies a configuration option to the Tracker.
type Option func(*Tracker)

// WithThresholds replaces the tier table. Entries must be ordered most senior first.
func WithThresholds(th []Threshold) Option {
	return func(t *Tracker) {
		if len(th) > 0 {
			t.thresholds = append([]Threshold(nil), th...)
		}
	}
}

// WithScoreWeights sets how accuracy and experience blend into Score.
func WithScoreWeights(accuracy, experience float64) Option {
	return func(t *Tracker) {
		if accuracy >= 0 && experience >= 0 && accuracy+experience > 0 {
			t.accuracyWeight = accuracy
			t.experienceWeight = experience
		}
	}
}

// Stats is the aggregate a worker's reputation is computed from.
type Stats struct {
	GoldenTotal    int64
	GoldenCorrect  int64
	TasksCompleted int64
	Accuracy       float64
	Tier           model.Tier
}

// FromWorker extracts Stats from a persisted worker.
func FromWorker(w *model.Worker) Stats {
	return Stats{
		GoldenTotal:    w.GoldenTotal,
		GoldenCorrect:  w.GoldenCorrect,
		TasksCompleted: w.TasksCompleted,
		Accuracy:       w.AccuracyRate,
		Tier:           w.Tier,
	}
}

// Apply copies Stats back onto a worker.
func (s Stats) Apply(w *model.Worker) {
	w.GoldenTotal = s.GoldenTotal
	w.GoldenCorrect = s.GoldenCorrect
	w.TasksCompleted = s.TasksCompleted
	w.AccuracyRate = s.Accuracy
	w.Tier = s.Tier
}

// Tracker holds the tier table and score weights.
type Tracker struct {
	thresholds       []Threshold
	accuracyWeight   float64
	experienceWeight float64
	experienceCap    int64
}

// New creates a Tracker with the default tier table.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		thresholds:       DefaultThresholds(),
		accuracyWeight:   defaultAccuracyWeight,
		experienceWeight: defaultExperienceWeight,
		experienceCap:    defaultExperienceCap,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Tier returns the most senior tier whose thresholds are both met.
func (t *Tracker) Tier(count int64, accuracy float64) model.Tier {
	for _, th := range t.thresholds {
		if count >= th.MinCount && accuracy >= th.MinAccuracy {
			return th.Tier
		}
	}
	return model.TierNewcomer
}

// ApplyGolden folds one golden outcome into s. Accuracy is the share of
// correct golden answers, which is the running-average update
// (prior% x prior + hit) / (prior + 1) computed without drift.
func (t *Tracker) ApplyGolden(s Stats, correct bool) Stats {
	s.GoldenTotal++
	if correct {
		s.GoldenCorrect++
	}
	s.Accuracy = Accuracy(s.GoldenCorrect, s.GoldenTotal)
	s.TasksCompleted++
	s.Tier = t.Tier(s.TasksCompleted, s.Accuracy)
	return s
}

// ApplyCompletion counts a non-golden submission.
func (t *Tracker) ApplyCompletion(s Stats) Stats {
	s.TasksCompleted++
	s.Tier = t.Tier(s.TasksCompleted, s.Accuracy)
	return s
}

// Score blends accuracy with capped experience into 0..100.
func (t *Tracker) Score(s Stats) float64 {
	experience := math.Min(float64(s.TasksCompleted)/float64(t.experienceCap), 1) * maxScoreValue
	score := s.Accuracy*t.accuracyWeight + experience*t.experienceWeight
	return math.Round(math.Max(0, math.Min(maxScoreValue, score))*100) / 100
}

// Accuracy returns correct/total as a percentage, 0 when total is 0.
func Accuracy(correct, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(correct) * 100 / float64(total)
}

// Promoted reports whether next ranks above prev.
func Promoted(prev, next model.Tier) bool {
	return next.Rank() > prev.Rank()
}

// ScoreWeights exposes the blend used by Score so stores can rank by it.
func (t *Tracker) ScoreWeights() (accuracy, experience float64, experienceCap int64) {
	return t.accuracyWeight, t.experienceWeight, t.experienceCap
}
