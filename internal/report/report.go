// Package report turns a set of reconciled time entries into per-project,
// per-task and per-day statistics for an aggregation period. All math is
// done in integer seconds; hours and percentages are computed once, at the
// edge, so aggregating the same input twice is bit-for-bit reproducible.
package report

import (
	"math"
	"sort"
	"time"

	"github.com/lbricheux/pointeuse/internal/entry"
)

// Fallback labels for entries carrying no project or task reference.
const (
	NoProjectLabel = "Sans projet"
	NoTaskLabel    = "Sans tâche"
)

// Bucket is one grouping row (a project or a task/description).
type Bucket struct {
	Key        string  `json:"key"`
	Label      string  `json:"label"`
	Duration   int64   `json:"duration"`
	Hours      float64 `json:"hours"`
	Percentage float64 `json:"percentage"`
	Entries    int     `json:"entries"`
}

// DayBucket is one calendar day of the period, present even when empty so
// chart series always have day-count length.
type DayBucket struct {
	Date     string  `json:"date"`
	Duration int64   `json:"duration"`
	Hours    float64 `json:"hours"`
	Entries  int     `json:"entries"`
}

// Summary is the aggregate over one period.
type Summary struct {
	TotalDuration int64       `json:"totalDuration"`
	TotalHours    float64     `json:"totalHours"`
	EntriesCount  int         `json:"entriesCount"`
	ByProject     []Bucket    `json:"byProject"`
	ByTask        []Bucket    `json:"byTask"`
	ByDay         []DayBucket `json:"byDay"`
}

// Options customize label resolution.
type Options struct {
	// ProjectName resolves a project id to a display label. Nil keeps ids.
	ProjectName func(projectID string) string
	// TaskTitle resolves an entry's task reference to a display label.
	// Nil falls back to the task id, then the description.
	TaskTitle func(e *entry.TimeEntry) string
}

// Aggregate computes the summary for entries whose start time falls within
// [from, to]. Entries are attributed wholly to their start day; they are
// never split across day boundaries.
func Aggregate(entries []entry.TimeEntry, from, to time.Time, opts Options) Summary {
	var (
		total    int64
		count    int
		projects = map[string]*Bucket{}
		tasks    = map[string]*Bucket{}
		days     = map[string]*DayBucket{}
	)

	for i := range entries {
		e := &entries[i]
		if !inPeriod(e.StartTime, from, to) {
			continue
		}
		total += e.Duration
		count++

		pk := e.ProjectID
		pb, ok := projects[pk]
		if !ok {
			pb = &Bucket{Key: pk, Label: projectLabel(pk, opts)}
			projects[pk] = pb
		}
		pb.Duration += e.Duration
		pb.Entries++

		tl := taskLabel(e, opts)
		tb, ok := tasks[tl]
		if !ok {
			tb = &Bucket{Key: tl, Label: tl}
			tasks[tl] = tb
		}
		tb.Duration += e.Duration
		tb.Entries++

		day := e.StartTime.In(from.Location()).Format(entry.DateFormat)
		db, ok := days[day]
		if !ok {
			db = &DayBucket{Date: day}
			days[day] = db
		}
		db.Duration += e.Duration
		db.Entries++
	}

	s := Summary{
		TotalDuration: total,
		TotalHours:    round2(float64(total) / 3600),
		EntriesCount:  count,
		ByProject:     finishBuckets(projects, total),
		ByTask:        finishBuckets(tasks, total),
		ByDay:         fillDays(days, from, to),
	}
	return s
}

func inPeriod(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}

func projectLabel(projectID string, opts Options) string {
	if projectID == "" {
		return NoProjectLabel
	}
	if opts.ProjectName != nil {
		if name := opts.ProjectName(projectID); name != "" {
			return name
		}
	}
	return projectID
}

func taskLabel(e *entry.TimeEntry, opts Options) string {
	if opts.TaskTitle != nil {
		if title := opts.TaskTitle(e); title != "" {
			return title
		}
	}
	if e.PersonalTaskID != "" {
		return e.PersonalTaskID
	}
	if e.SharedTaskID != "" {
		return e.SharedTaskID
	}
	if e.Description != "" {
		return e.Description
	}
	return NoTaskLabel
}

func finishBuckets(m map[string]*Bucket, total int64) []Bucket {
	out := make([]Bucket, 0, len(m))
	for _, b := range m {
		b.Hours = round2(float64(b.Duration) / 3600)
		if total > 0 {
			b.Percentage = round2(float64(b.Duration) / float64(total) * 100)
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Duration != out[j].Duration {
			return out[i].Duration > out[j].Duration
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// fillDays produces one bucket per calendar day of [from, to] inclusive,
// zero-filled where no entries landed.
func fillDays(m map[string]*DayBucket, from, to time.Time) []DayBucket {
	loc := from.Location()
	start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)
	end := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, loc)

	var out []DayBucket
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		key := d.Format(entry.DateFormat)
		if b, ok := m[key]; ok {
			b.Hours = round2(float64(b.Duration) / 3600)
			out = append(out, *b)
		} else {
			out = append(out, DayBucket{Date: key})
		}
	}
	return out
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
