// Package estimate computes bounded wait-time predictions for the visit
// queue from load, time and urgency signals. The estimator is a
// deterministic rule table, not a trained model.
package estimate

import (
	"fmt"
	"math"
	"time"

	"github.com/visitq/visitq/internal/domain/queue"
)

// Signal defaults, applied when the corresponding field is nil. Missing
// optional signals are part of the contract, never an error.
const (
	defaultPatientCount   = 10
	defaultLoad           = 0.5
	defaultServiceMins    = 15
	defaultEmergencyCases = 0
	defaultStaffCount     = 3
)

// Signals are the inputs to Predict. Optional fields are pointers; nil
// falls back to the documented default. When TimeOfDay or DayOfWeek is
// nil the wall clock is read, which makes the call non-deterministic —
// callers needing reproducibility must supply both.
type Signals struct {
	Urgency            queue.Urgency `json:"urgency,omitempty"`
	PatientCount       *int          `json:"patient_count,omitempty"`
	CurrentLoad        *float64      `json:"current_load,omitempty"`
	AverageServiceMins *int          `json:"average_service_mins,omitempty"`
	TimeOfDay          *int          `json:"time_of_day,omitempty"` // hour, 0..23
	DayOfWeek          *time.Weekday `json:"day_of_week,omitempty"`
	IsHoliday          *bool         `json:"is_holiday,omitempty"`
	EmergencyCases     *int          `json:"emergency_cases,omitempty"`
	StaffCount         *int          `json:"staff_count,omitempty"`
}

// Prediction is a bounded wait-time estimate. Factors lists one
// human-readable description per multiplicative adjustment actually
// applied; its length drives the confidence score, so it is populated
// deterministically.
type Prediction struct {
	EstimatedWaitMins int      `json:"estimated_wait_mins"`
	ConfidenceScore   float64  `json:"confidence_score"`
	MinWaitMins       int      `json:"min_wait_mins"`
	MaxWaitMins       int      `json:"max_wait_mins"`
	Factors           []string `json:"factors"`
}

func intOr(p *int, def int) int {
	if p != nil {
		return *p
	}
	return def
}

func floatOr(p *float64, def float64) float64 {
	if p != nil {
		return *p
	}
	return def
}

// Predict turns queue and context signals into a bounded prediction.
// Pure and stateless when TimeOfDay and DayOfWeek are supplied.
func Predict(s Signals) Prediction {
	patients := intOr(s.PatientCount, defaultPatientCount)
	load := floatOr(s.CurrentLoad, defaultLoad)
	serviceMins := intOr(s.AverageServiceMins, defaultServiceMins)
	emergencies := intOr(s.EmergencyCases, defaultEmergencyCases)
	staff := intOr(s.StaffCount, defaultStaffCount)
	if staff < 1 {
		staff = 1
	}
	holiday := s.IsHoliday != nil && *s.IsHoliday

	now := time.Now()
	hour := now.Hour()
	if s.TimeOfDay != nil {
		hour = *s.TimeOfDay
	}
	day := now.Weekday()
	if s.DayOfWeek != nil {
		day = *s.DayOfWeek
	}

	urgency := s.Urgency
	if urgency == "" {
		urgency = queue.UrgencyNormal
	}

	base := float64(patients) * float64(serviceMins) / float64(staff)
	var factors []string

	// 1. urgency — always logged
	uf := 1.0
	switch urgency {
	case queue.UrgencyEmergency:
		uf = 0.2
	case queue.UrgencyHigh:
		uf = 0.5
	case queue.UrgencyLow:
		uf = 1.3
	}
	base *= uf
	factors = append(factors, fmt.Sprintf("urgency %s (x%.2f)", urgency, uf))

	// 2. load — always logged, even at the neutral 1.0
	lf := 1 + (load-0.5)*2
	base *= lf
	factors = append(factors, fmt.Sprintf("current load %.2f (x%.2f)", load, lf))

	// 3. time of day — logged only when non-neutral
	switch {
	case (hour >= 10 && hour <= 12) || (hour >= 14 && hour <= 16):
		base *= 1.2
		factors = append(factors, "peak hours (x1.20)")
	case hour >= 22 || hour <= 6:
		base *= 0.8
		factors = append(factors, "off-peak hours (x0.80)")
	}

	// 4. day of week — logged only when non-neutral
	switch day {
	case time.Saturday, time.Sunday:
		base *= 1.3
		factors = append(factors, "weekend (x1.30)")
	case time.Monday:
		base *= 1.2
		factors = append(factors, "monday rush (x1.20)")
	}

	// 5. holiday
	if holiday {
		base *= 1.5
		factors = append(factors, "public holiday (x1.50)")
	}

	// 6. emergency load
	if emergencies > 0 {
		ef := 1 + 0.1*float64(emergencies)
		base *= ef
		factors = append(factors, fmt.Sprintf("%d emergency case(s) (x%.2f)", emergencies, ef))
	}

	// 5 percentage points of confidence per applied factor, floored at
	// 50%. Integer percent keeps the bound arithmetic exact.
	pct := 5 * len(factors)
	if pct > 50 {
		pct = 50
	}
	confidence := 1 - float64(pct)/100

	// display estimate rounds to the nearest 5 minutes, floored at 1
	est := int(math.Round(base/5) * 5)
	if est < 1 {
		est = 1
	}

	variability := float64(est*pct) / 100
	minWait := int(math.Round(float64(est) - variability))
	if minWait < 1 {
		minWait = 1
	}
	maxWait := int(math.Round(float64(est) + variability))

	return Prediction{
		EstimatedWaitMins: est,
		ConfidenceScore:   confidence,
		MinWaitMins:       minWait,
		MaxWaitMins:       maxWait,
		Factors:           factors,
	}
}

// Delta describes how queue signals moved since the prior prediction.
type Delta struct {
	PatientCount   int `json:"patient_count"`
	EmergencyCases int `json:"emergency_cases"`
}

// DefaultSmoothing is the exponential-moving-average weight Refine gives
// to the freshly nudged estimate over the prior one.
const DefaultSmoothing = 0.4

// Refine re-estimates against a prior prediction for streaming updates.
// It applies a directional nudge — fewer patients shortens the estimate
// and raises confidence, new emergencies lengthen it and lower
// confidence — then blends with the prior through an exponential moving
// average. Deterministic for identical inputs.
func Refine(prior Prediction, d Delta, smoothing float64) Prediction {
	if smoothing <= 0 || smoothing > 1 {
		smoothing = DefaultSmoothing
	}

	target := float64(prior.EstimatedWaitMins)
	confidence := prior.ConfidenceScore
	factors := append([]string(nil), prior.Factors...)

	if d.PatientCount < 0 {
		target -= 5
		confidence += 0.05
		factors = append(factors, "queue shrinking (-5m)")
	}
	if d.EmergencyCases > 0 {
		target += 10
		confidence -= 0.05
		factors = append(factors, "new emergency arrivals (+10m)")
	}

	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0.5 {
		confidence = 0.5
	}

	est := int(math.Round(smoothing*target + (1-smoothing)*float64(prior.EstimatedWaitMins)))
	if est < 1 {
		est = 1
	}

	variability := (1 - confidence) * float64(est)
	minWait := int(math.Round(float64(est) - variability))
	if minWait < 1 {
		minWait = 1
	}

	return Prediction{
		EstimatedWaitMins: est,
		ConfidenceScore:   confidence,
		MinWaitMins:       minWait,
		MaxWaitMins:       int(math.Round(float64(est) + variability)),
		Factors:           factors,
	}
}

// FromStats derives estimator signals from live queue statistics. Staff
// count and service time stay at their defaults unless the caller knows
// better.
func FromStats(st queue.Stats, urgency queue.Urgency) Signals {
	patients := st.Waiting + st.Ready
	emergencies := st.EmergencyOpen
	return Signals{
		Urgency:        urgency,
		PatientCount:   &patients,
		EmergencyCases: &emergencies,
	}
}
