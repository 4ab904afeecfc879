// Package signal scores the motion samples of a finished exercise session and
// decides how much of it is eligible for mining.
package signal

import (
	"fmt"
	"math"
	"strings"

	"github.com/FitChain-Labs/reward_layer/internal/app/domain/session"
)

// superhumanRate is the fixed ceiling above which a single reading disqualifies
// the whole session. No human cadence reaches this.
const superhumanRate = 10.0

// Config tunes the validator. Zero fields take the defaults.
type Config struct {
	MinRate                 float64
	MaxRate                 float64
	MinDurationSeconds      int
	VarianceThreshold       float64
	MaxConsecutiveIdentical int
	AccelerationThreshold   float64
	MiningRatio             float64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MinRate:                 0.5,
		MaxRate:                 5.0,
		MinDurationSeconds:      60,
		VarianceThreshold:       0.05,
		MaxConsecutiveIdentical: 10,
		AccelerationThreshold:   3.0,
		MiningRatio:             0.5,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MinRate <= 0 {
		c.MinRate = def.MinRate
	}
	if c.MaxRate <= 0 {
		c.MaxRate = def.MaxRate
	}
	if c.MinDurationSeconds <= 0 {
		c.MinDurationSeconds = def.MinDurationSeconds
	}
	if c.VarianceThreshold <= 0 {
		c.VarianceThreshold = def.VarianceThreshold
	}
	if c.MaxConsecutiveIdentical <= 0 {
		c.MaxConsecutiveIdentical = def.MaxConsecutiveIdentical
	}
	if c.AccelerationThreshold <= 0 {
		c.AccelerationThreshold = def.AccelerationThreshold
	}
	if c.MiningRatio <= 0 {
		c.MiningRatio = def.MiningRatio
	}
	return c
}

// Result is the validator verdict for one session.
type Result struct {
	Valid              bool     `json:"valid"`
	Reason             string   `json:"reason,omitempty"`
	ValidSeconds       int      `json:"valid_seconds"`
	MiningSeconds      int      `json:"mining_seconds"`
	SuspiciousPatterns []string `json:"suspicious_patterns,omitempty"`
}

// Validator is a pure function over a sample sequence; identical input yields
// an identical result.
type Validator struct {
	cfg Config
}

// New builds a validator, filling config defaults.
func New(cfg Config) *Validator {
	return &Validator{cfg: cfg.withDefaults()}
}

// Config exposes the effective thresholds.
func (v *Validator) Config() Config { return v.cfg }

// Validate scores the full ordered sample sequence of a finished session.
func (v *Validator) Validate(samples []session.MotionSample) Result {
	if len(samples) < 2 {
		return Result{Reason: "insufficient data: at least 2 motion samples required"}
	}

	rates := make([]float64, len(samples))
	for i, s := range samples {
		rates[i] = s.StepsPerSecond
	}

	variance := populationVariance(rates)

	patterns := v.suspiciousPatterns(rates)
	if len(patterns) > 0 {
		return Result{
			Reason:             "suspicious motion patterns: " + strings.Join(patterns, "; "),
			SuspiciousPatterns: patterns,
		}
	}

	validSeconds := 0
	longestRun := 0
	run := 0
	for _, rate := range rates {
		if rate >= v.cfg.MinRate && rate <= v.cfg.MaxRate {
			validSeconds++
			run++
			if run > longestRun {
				longestRun = run
			}
		} else {
			run = 0
		}
	}

	// Eligibility gates on the longest sustained run, not the scattered
	// total. ValidSeconds still reports the total.
	if longestRun < v.cfg.MinDurationSeconds {
		return Result{
			Reason:       fmt.Sprintf("insufficient sustained exercise: longest valid run %ds is below %ds", longestRun, v.cfg.MinDurationSeconds),
			ValidSeconds: validSeconds,
		}
	}

	if variance < v.cfg.VarianceThreshold {
		return Result{
			Reason:       fmt.Sprintf("excessive consistency: variance %.4f is below %.4f; motion looks mechanical", variance, v.cfg.VarianceThreshold),
			ValidSeconds: validSeconds,
		}
	}

	return Result{
		Valid:         true,
		ValidSeconds:  validSeconds,
		MiningSeconds: int(math.Floor(float64(validSeconds) * v.cfg.MiningRatio)),
	}
}

func (v *Validator) suspiciousPatterns(rates []float64) []string {
	var patterns []string

	if n := maxConsecutiveIdentical(rates); n > v.cfg.MaxConsecutiveIdentical {
		patterns = append(patterns, fmt.Sprintf("excessive consistency: %d consecutive identical readings (max %d)", n, v.cfg.MaxConsecutiveIdentical))
	}

	for i := 1; i < len(rates); i++ {
		if math.Abs(rates[i]-rates[i-1]) > v.cfg.AccelerationThreshold {
			patterns = append(patterns, fmt.Sprintf("impossible acceleration: rate jumped %.2f steps/s between consecutive samples", math.Abs(rates[i]-rates[i-1])))
			break
		}
	}

	if period, ratio, ok := repeatingPeriod(rates); ok {
		patterns = append(patterns, fmt.Sprintf("repeating pattern: period %d matches %.0f%% of samples", period, ratio*100))
	}

	for _, rate := range rates {
		if rate > superhumanRate {
			patterns = append(patterns, fmt.Sprintf("superhuman speed: %.2f steps/s exceeds the %.0f steps/s ceiling", rate, superhumanRate))
			break
		}
	}

	return patterns
}

func populationVariance(rates []float64) float64 {
	mean := 0.0
	for _, r := range rates {
		mean += r
	}
	mean /= float64(len(rates))

	variance := 0.0
	for _, r := range rates {
		variance += (r - mean) * (r - mean)
	}
	return variance / float64(len(rates))
}

func maxConsecutiveIdentical(rates []float64) int {
	longest := 1
	run := 1
	for i := 1; i < len(rates); i++ {
		if rates[i] == rates[i-1] {
			run++
			if run > longest {
				longest = run
			}
		} else {
			run = 1
		}
	}
	return longest
}

// repeatingPeriod looks for a short cycle (period 2-5) that the sequence keeps
// replaying, the signature of scripted sample generators.
func repeatingPeriod(rates []float64) (int, float64, bool) {
	const matchThreshold = 0.8

	for period := 2; period <= 5; period++ {
		if len(rates) < period*2 {
			break
		}
		matches := 0
		for i := period; i < len(rates); i++ {
			if rates[i] == rates[i-period] {
				matches++
			}
		}
		ratio := float64(matches) / float64(len(rates)-period)
		if ratio >= matchThreshold {
			return period, ratio, true
		}
	}
	return 0, 0, false
}
