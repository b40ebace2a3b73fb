package schedule

import (
	"math"
	"time"

	"github.com/imkarma/tempo/internal/task"
)

const (
	minDaysDuration    = 0.1
	minMinutesDuration = 0.1
	minutesPerDay      = 1440
)

// ScoreResult is the urgency of one task and the instant it should
// realistically be finished by.
type ScoreResult struct {
	Score    float64
	IdealEnd time.Time
}

// Score computes the urgency of t at its position in chain. Tasks without
// a usable date window score 0 and report false.
func Score(t *task.Task, chain Chain, now time.Time, loc *time.Location) (ScoreResult, bool) {
	w, ok := t.Window()
	if !ok {
		return ScoreResult{}, false
	}

	daysPast := wholeDays(now.Sub(w.Start))
	span := w.End.Sub(w.Start)
	daysDuration := math.Max(wholeDays(span), minDaysDuration)
	minutesDuration := math.Max(span.Minutes(), minMinutesDuration)
	position := float64(chain.Index+1) / float64(chain.Count())
	insurance := t.Insurance()

	score := (daysPast+2)/(daysDuration*insurance*position) + 1/(minutesDuration/minutesPerDay+1)

	allotted := time.Duration(math.Round(minutesDuration * insurance * position * float64(time.Minute)))
	return ScoreResult{
		Score:    score,
		IdealEnd: w.Start.Add(allotted).In(loc),
	}, true
}

// wholeDays floors d to whole days, rounding toward negative infinity.
func wholeDays(d time.Duration) float64 {
	return math.Floor(d.Hours() / 24)
}
