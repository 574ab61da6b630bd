package estimate

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/visitq/visitq/internal/domain/queue"
)

func intPtr(v int) *int                   { return &v }
func floatPtr(v float64) *float64         { return &v }
func boolPtr(v bool) *bool                { return &v }
func dayPtr(d time.Weekday) *time.Weekday { return &d }

func within(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func fullSignals() Signals {
	return Signals{
		Urgency:            queue.UrgencyNormal,
		PatientCount:       intPtr(20),
		CurrentLoad:        floatPtr(0.5),
		AverageServiceMins: intPtr(15),
		TimeOfDay:          intPtr(11),
		DayOfWeek:          dayPtr(time.Wednesday),
		IsHoliday:          boolPtr(false),
		EmergencyCases:     intPtr(0),
		StaffCount:         intPtr(5),
	}
}

func TestPredictPeakHourNormal(t *testing.T) {
	// base = 20*15/5 = 60; urgency x1.0, load x1.0 (both logged),
	// peak hour x1.2 -> 72; Wednesday is neutral and not logged.
	p := Predict(fullSignals())

	if p.EstimatedWaitMins != 70 {
		t.Errorf("estimate = %d, want 70 (72 rounded to nearest 5)", p.EstimatedWaitMins)
	}
	if len(p.Factors) != 3 {
		t.Fatalf("factors = %v, want 3 entries", p.Factors)
	}
	if !within(p.ConfidenceScore, 0.85) {
		t.Errorf("confidence = %v, want 0.85", p.ConfidenceScore)
	}
	// variability = 0.15*70 = 10.5
	if p.MinWaitMins != 60 {
		t.Errorf("min = %d, want 60", p.MinWaitMins)
	}
	if p.MaxWaitMins != 81 {
		t.Errorf("max = %d, want 81", p.MaxWaitMins)
	}
}

func TestPredictDeterministic(t *testing.T) {
	s := fullSignals()
	if got, again := Predict(s), Predict(s); !reflect.DeepEqual(got, again) {
		t.Errorf("identical fully-specified signals diverged:\n%+v\n%+v", got, again)
	}
}

func TestPredictUrgencyFactor(t *testing.T) {
	base := fullSignals()

	cases := []struct {
		urgency queue.Urgency
		want    int
	}{
		// base 60, peak x1.2 = 72, then urgency factor, rounded to 5s
		{queue.UrgencyEmergency, 15}, // 72*0.2 = 14.4 -> 15
		{queue.UrgencyHigh, 35},      // 72*0.5 = 36 -> 35
		{queue.UrgencyNormal, 70},
		{queue.UrgencyLow, 95}, // 72*1.3 = 93.6 -> 95
	}
	for _, tc := range cases {
		s := base
		s.Urgency = tc.urgency
		if got := Predict(s).EstimatedWaitMins; got != tc.want {
			t.Errorf("urgency %s: estimate = %d, want %d", tc.urgency, got, tc.want)
		}
	}
}

func TestPredictLoadFactor(t *testing.T) {
	s := fullSignals()
	s.TimeOfDay = intPtr(8) // neutral hour

	s.CurrentLoad = floatPtr(1.0)
	if got := Predict(s).EstimatedWaitMins; got != 120 {
		t.Errorf("full load estimate = %d, want 120 (x2.0)", got)
	}

	s.CurrentLoad = floatPtr(0.0)
	if got := Predict(s).EstimatedWaitMins; got != 1 {
		t.Errorf("zero load estimate = %d, want floor of 1", got)
	}
}

func TestPredictOffPeakAndWeekend(t *testing.T) {
	s := fullSignals()
	s.TimeOfDay = intPtr(23)
	s.DayOfWeek = dayPtr(time.Saturday)

	p := Predict(s)
	// 60 * 0.8 * 1.3 = 62.4 -> 60
	if p.EstimatedWaitMins != 60 {
		t.Errorf("estimate = %d, want 60", p.EstimatedWaitMins)
	}
	// urgency, load, off-peak, weekend
	if len(p.Factors) != 4 {
		t.Errorf("factors = %v, want 4 entries", p.Factors)
	}
	if !within(p.ConfidenceScore, 0.8) {
		t.Errorf("confidence = %v, want 0.8", p.ConfidenceScore)
	}
}

func TestPredictHolidayAndEmergencies(t *testing.T) {
	s := fullSignals()
	s.TimeOfDay = intPtr(8)
	s.IsHoliday = boolPtr(true)
	s.EmergencyCases = intPtr(3)

	p := Predict(s)
	// 60 * 1.5 * 1.3 = 117 -> 115
	if p.EstimatedWaitMins != 115 {
		t.Errorf("estimate = %d, want 115", p.EstimatedWaitMins)
	}
	// urgency, load, holiday, emergency load
	if len(p.Factors) != 4 {
		t.Errorf("factors = %v, want 4 entries", p.Factors)
	}
}

func TestPredictBoundsSanity(t *testing.T) {
	// Stack every factor; confidence and bounds stay inside their floors.
	s := Signals{
		Urgency:            queue.UrgencyLow,
		PatientCount:       intPtr(40),
		CurrentLoad:        floatPtr(0.9),
		AverageServiceMins: intPtr(20),
		TimeOfDay:          intPtr(11),
		DayOfWeek:          dayPtr(time.Sunday),
		IsHoliday:          boolPtr(true),
		EmergencyCases:     intPtr(5),
		StaffCount:         intPtr(2),
	}
	p := Predict(s)
	if p.ConfidenceScore < 0.5 {
		t.Errorf("confidence = %v, below the 0.5 floor", p.ConfidenceScore)
	}
	if p.MinWaitMins < 1 {
		t.Errorf("min = %d, below the 1-minute floor", p.MinWaitMins)
	}
	if p.MaxWaitMins < p.MinWaitMins {
		t.Errorf("max %d < min %d", p.MaxWaitMins, p.MinWaitMins)
	}
}

func TestPredictDefaults(t *testing.T) {
	// Only time signals pinned; everything else falls back to the
	// documented defaults: 10 patients, 0.5 load, 15 min service,
	// 3 staff, no emergencies, no holiday.
	s := Signals{
		TimeOfDay: intPtr(8),
		DayOfWeek: dayPtr(time.Wednesday),
	}
	p := Predict(s)
	// base = 10*15/3 = 50, all applied factors neutral
	if p.EstimatedWaitMins != 50 {
		t.Errorf("estimate = %d, want 50", p.EstimatedWaitMins)
	}
	// urgency and load are logged even when neutral
	if len(p.Factors) != 2 {
		t.Errorf("factors = %v, want 2 entries", p.Factors)
	}
}

func TestRefineFewerPatientsShortens(t *testing.T) {
	prior := Prediction{EstimatedWaitMins: 60, ConfidenceScore: 0.85}

	got := Refine(prior, Delta{PatientCount: -3}, DefaultSmoothing)
	if got.EstimatedWaitMins >= prior.EstimatedWaitMins {
		t.Errorf("estimate = %d, want below prior %d", got.EstimatedWaitMins, prior.EstimatedWaitMins)
	}
	if got.ConfidenceScore <= prior.ConfidenceScore {
		t.Errorf("confidence = %v, want above prior %v", got.ConfidenceScore, prior.ConfidenceScore)
	}
	// EMA with smoothing 0.4: 0.4*55 + 0.6*60 = 58
	if got.EstimatedWaitMins != 58 {
		t.Errorf("estimate = %d, want 58", got.EstimatedWaitMins)
	}
}

func TestRefineNewEmergenciesLengthen(t *testing.T) {
	prior := Prediction{EstimatedWaitMins: 60, ConfidenceScore: 0.85}

	got := Refine(prior, Delta{EmergencyCases: 2}, DefaultSmoothing)
	if got.EstimatedWaitMins <= prior.EstimatedWaitMins {
		t.Errorf("estimate = %d, want above prior %d", got.EstimatedWaitMins, prior.EstimatedWaitMins)
	}
	if got.ConfidenceScore >= prior.ConfidenceScore {
		t.Errorf("confidence = %v, want below prior %v", got.ConfidenceScore, prior.ConfidenceScore)
	}
	// 0.4*70 + 0.6*60 = 64
	if got.EstimatedWaitMins != 64 {
		t.Errorf("estimate = %d, want 64", got.EstimatedWaitMins)
	}
}

func TestRefineDeterministic(t *testing.T) {
	prior := Prediction{EstimatedWaitMins: 45, ConfidenceScore: 0.8, Factors: []string{"urgency NORMAL (x1.00)"}}
	d := Delta{PatientCount: -1, EmergencyCases: 1}
	if a, b := Refine(prior, d, 0.4), Refine(prior, d, 0.4); !reflect.DeepEqual(a, b) {
		t.Errorf("refine diverged for identical inputs:\n%+v\n%+v", a, b)
	}
}

func TestRefineNoChangeKeepsPrior(t *testing.T) {
	prior := Prediction{EstimatedWaitMins: 60, ConfidenceScore: 0.85}
	got := Refine(prior, Delta{}, DefaultSmoothing)
	if got.EstimatedWaitMins != 60 || got.ConfidenceScore != 0.85 {
		t.Errorf("no-delta refine = %+v, want prior carried through", got)
	}
}

func TestRefineInvalidSmoothingFallsBack(t *testing.T) {
	prior := Prediction{EstimatedWaitMins: 60, ConfidenceScore: 0.85}
	want := Refine(prior, Delta{PatientCount: -1}, DefaultSmoothing)
	if got := Refine(prior, Delta{PatientCount: -1}, -2); !reflect.DeepEqual(got, want) {
		t.Errorf("smoothing fallback = %+v, want %+v", got, want)
	}
}

func TestFromStats(t *testing.T) {
	st := queue.Stats{Waiting: 6, Ready: 2, InService: 1, EmergencyOpen: 1}
	s := FromStats(st, queue.UrgencyHigh)

	if s.Urgency != queue.UrgencyHigh {
		t.Errorf("urgency = %s", s.Urgency)
	}
	if s.PatientCount == nil || *s.PatientCount != 8 {
		t.Errorf("patient count = %v, want 8 (waiting+ready)", s.PatientCount)
	}
	if s.EmergencyCases == nil || *s.EmergencyCases != 1 {
		t.Errorf("emergency cases = %v, want 1", s.EmergencyCases)
	}
}
