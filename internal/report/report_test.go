package report

import (
	"math"
	"testing"
	"time"

	"github.com/lbricheux/pointeuse/internal/entry"
)

func day(d int, hour int) time.Time {
	return time.Date(2026, 3, d, hour, 0, 0, 0, time.UTC)
}

func stopped(userID, projectID, desc string, start time.Time, durationSec int64) entry.TimeEntry {
	end := start.Add(time.Duration(durationSec) * time.Second)
	return entry.TimeEntry{
		UserID:      userID,
		ProjectID:   projectID,
		Description: desc,
		StartTime:   start,
		EndTime:     &end,
		Duration:    durationSec,
		Status:      entry.StatusStopped,
		Date:        start.UTC().Format(entry.DateFormat),
	}
}

func TestAggregateByProject(t *testing.T) {
	entries := []entry.TimeEntry{
		stopped("u1", "proj-a", "api work", day(2, 9), 3600),
		stopped("u1", "proj-b", "review", day(2, 11), 1800),
	}

	s := Aggregate(entries, day(2, 0), day(2, 23), Options{})

	if s.TotalDuration != 5400 {
		t.Fatalf("expected totalDuration 5400, got %d", s.TotalDuration)
	}
	if s.TotalHours != 1.5 {
		t.Errorf("expected totalHours 1.5, got %v", s.TotalHours)
	}
	if s.EntriesCount != 2 {
		t.Errorf("expected 2 entries, got %d", s.EntriesCount)
	}

	if len(s.ByProject) != 2 {
		t.Fatalf("expected 2 project buckets, got %d", len(s.ByProject))
	}
	a, b := s.ByProject[0], s.ByProject[1]
	if a.Key != "proj-a" || a.Hours != 1 || a.Percentage != 66.67 {
		t.Errorf("bucket A wrong: %+v", a)
	}
	if b.Key != "proj-b" || b.Hours != 0.5 || b.Percentage != 33.33 {
		t.Errorf("bucket B wrong: %+v", b)
	}
}

func TestPercentagesSumToHundred(t *testing.T) {
	entries := []entry.TimeEntry{
		stopped("u1", "a", "", day(2, 8), 1000),
		stopped("u1", "b", "", day(2, 10), 1000),
		stopped("u1", "c", "", day(2, 12), 1000),
	}

	s := Aggregate(entries, day(2, 0), day(2, 23), Options{})

	var sum float64
	for _, b := range s.ByProject {
		sum += b.Percentage
	}
	if math.Abs(sum-100) > 0.05 {
		t.Errorf("percentages sum to %v, expected 100 within epsilon", sum)
	}
}

func TestEmptyPeriodHasNoPercentages(t *testing.T) {
	s := Aggregate(nil, day(1, 0), day(3, 23), Options{})

	if s.TotalDuration != 0 || s.TotalHours != 0 || s.EntriesCount != 0 {
		t.Errorf("empty aggregate not zeroed: %+v", s)
	}
	for _, b := range s.ByProject {
		if b.Percentage != 0 {
			t.Errorf("percentage must be 0 when total is 0, got %v", b.Percentage)
		}
	}
	if len(s.ByDay) != 3 {
		t.Errorf("expected 3 zero-filled days, got %d", len(s.ByDay))
	}
}

func TestByDayZeroFill(t *testing.T) {
	// Seven-day window with activity only on day 3.
	entries := []entry.TimeEntry{
		stopped("u1", "p", "", day(3, 14), 7200),
	}

	s := Aggregate(entries, day(1, 0), day(7, 23), Options{})

	if len(s.ByDay) != 7 {
		t.Fatalf("expected 7 day buckets, got %d", len(s.ByDay))
	}
	zeroDays := 0
	for i, d := range s.ByDay {
		wantDate := day(i+1, 0).Format(entry.DateFormat)
		if d.Date != wantDate {
			t.Errorf("bucket %d: expected date %s, got %s", i, wantDate, d.Date)
		}
		if d.Hours == 0 {
			zeroDays++
		}
	}
	if zeroDays != 6 {
		t.Errorf("expected 6 empty days, got %d", zeroDays)
	}
	if s.ByDay[2].Hours != 2 {
		t.Errorf("day 3 should carry 2h, got %v", s.ByDay[2].Hours)
	}
}

func TestPeriodFilterIsInclusiveOnStartTime(t *testing.T) {
	entries := []entry.TimeEntry{
		stopped("u1", "p", "on lower bound", day(2, 0), 60),
		stopped("u1", "p", "inside", day(2, 12), 60),
		stopped("u1", "p", "on upper bound", day(2, 23), 60),
		stopped("u1", "p", "before", day(1, 23), 60),
		stopped("u1", "p", "after", day(3, 0), 60),
	}

	s := Aggregate(entries, day(2, 0), day(2, 23), Options{})
	if s.EntriesCount != 3 {
		t.Errorf("expected 3 entries in period, got %d", s.EntriesCount)
	}
}

func TestEntryAttributedWhollyToStartDay(t *testing.T) {
	// Starts late on day 2, runs past midnight; all 4h land on day 2.
	entries := []entry.TimeEntry{
		stopped("u1", "p", "overnight", day(2, 22), 4*3600),
	}

	s := Aggregate(entries, day(2, 0), day(3, 23), Options{})
	if s.ByDay[0].Hours != 4 {
		t.Errorf("expected 4h on start day, got %v", s.ByDay[0].Hours)
	}
	if s.ByDay[1].Hours != 0 {
		t.Errorf("expected 0h on following day, got %v", s.ByDay[1].Hours)
	}
}

func TestTaskLabels(t *testing.T) {
	noTask := stopped("u1", "", "", day(2, 9), 600)
	withDesc := stopped("u1", "", "code review", day(2, 10), 600)
	withTask := stopped("u1", "", "", day(2, 11), 600)
	withTask.PersonalTaskID = "task-42"

	s := Aggregate([]entry.TimeEntry{noTask, withDesc, withTask}, day(2, 0), day(2, 23), Options{
		TaskTitle: func(e *entry.TimeEntry) string {
			if e.PersonalTaskID == "task-42" {
				return "Préparer la facture"
			}
			return ""
		},
	})

	labels := map[string]bool{}
	for _, b := range s.ByTask {
		labels[b.Label] = true
	}
	for _, want := range []string{NoTaskLabel, "code review", "Préparer la facture"} {
		if !labels[want] {
			t.Errorf("missing task bucket %q (got %v)", want, labels)
		}
	}
}

func TestNoProjectLabel(t *testing.T) {
	s := Aggregate([]entry.TimeEntry{stopped("u1", "", "", day(2, 9), 600)}, day(2, 0), day(2, 23), Options{})
	if len(s.ByProject) != 1 || s.ByProject[0].Label != NoProjectLabel {
		t.Errorf("expected %q bucket, got %+v", NoProjectLabel, s.ByProject)
	}
}

func TestAggregationIsReproducible(t *testing.T) {
	entries := []entry.TimeEntry{
		stopped("u1", "a", "x", day(2, 9), 3601),
		stopped("u1", "b", "y", day(2, 10), 1799),
		stopped("u1", "", "z", day(3, 10), 55),
	}

	first := Aggregate(entries, day(1, 0), day(5, 23), Options{})
	for i := 0; i < 5; i++ {
		again := Aggregate(entries, day(1, 0), day(5, 23), Options{})
		if again.TotalHours != first.TotalHours || again.TotalDuration != first.TotalDuration {
			t.Fatalf("totals differ between runs: %+v vs %+v", again, first)
		}
		for j := range first.ByProject {
			if again.ByProject[j] != first.ByProject[j] {
				t.Fatalf("project bucket %d differs: %+v vs %+v", j, again.ByProject[j], first.ByProject[j])
			}
		}
	}
}
