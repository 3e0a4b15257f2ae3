package reconcile

import (
	"fmt"
	"time"

	"github.com/surajsub/etl-run-portal/db"
	"github.com/surajsub/etl-run-portal/models"
	"github.com/surajsub/etl-run-portal/orchestrator"
)

// Anomaly is a reported value that was not applied.
type Anomaly struct {
	Step     string // empty for the run itself
	Current  models.RunStatus
	Reported string
	Reason   string // backward | stale | unknown_status | unknown_level | unknown_step | unnamed_step
}

// unnamedStep stands in for the label of a step reported without one.
const unnamedStep = "<unnamed>"

func (a Anomaly) String() string {
	scope := "run"
	if a.Step != "" {
		scope = "step " + a.Step
	}
	return fmt.Sprintf("%s: %s (stored %s, reported %q)", scope, a.Reason, a.Current, a.Reported)
}

type StepChange struct {
	StepID uint
	Label  string
	Update db.StatusUpdate
}

// Plan is everything one report changes. It is computed without touching
// storage so the merge rules can be tested on their own.
type Plan struct {
	Run        *db.StatusUpdate
	Transition models.Transition
	Steps      []StepChange
	Logs       []db.Log
	Anomalies  []Anomaly
}

// StepLabels returns the declared labels followed by any reported label
// not among them.
func StepLabels(declared []string, report *orchestrator.Report) []string {
	seen := make(map[string]bool, len(declared))
	labels := make([]string, 0, len(declared)+len(report.Steps))
	for _, l := range declared {
		if !seen[l] {
			seen[l] = true
			labels = append(labels, l)
		}
	}
	for _, s := range report.Steps {
		if s.Label != "" && !seen[s.Label] {
			seen[s.Label] = true
			labels = append(labels, s.Label)
		}
	}
	return labels
}

// Merge folds report into the stored run and steps. Statuses only move
// forward; anything else becomes an anomaly.
func Merge(run *db.Run, steps []db.StepStatus, declared []string, report *orchestrator.Report, now time.Time) (*Plan, error) {
	if !run.Status.Valid() {
		return nil, fmt.Errorf("run %d: stored status %q is not valid", run.ID, run.Status)
	}
	p := &Plan{Transition: models.TransitionNoop}

	st, m := MapStatus(report.Status)
	switch m {
	case Unknown:
		p.Anomalies = append(p.Anomalies, Anomaly{Current: run.Status, Reported: report.Status, Reason: "unknown_status"})
	case Mapped:
		p.Transition = models.Advance(run.Status, st)
		switch p.Transition {
		case models.TransitionApply:
			upd := transition(st, run.StartedAt, report.StartedAt, report.FinishedAt, report.Error, now)
			if report.OutputPath != "" && st == models.StatusSuccess {
				out := report.OutputPath
				upd.OutputFilePath = &out
			}
			p.Run = &upd
		case models.TransitionBackward, models.TransitionStale:
			p.Anomalies = append(p.Anomalies, Anomaly{Current: run.Status, Reported: report.Status, Reason: p.Transition.String()})
		}
	}

	byLabel := make(map[string]*db.StepStatus, len(steps))
	for i := range steps {
		byLabel[steps[i].StepLabel] = &steps[i]
	}
	known := make(map[string]bool, len(declared))
	for _, l := range declared {
		known[l] = true
	}
	for _, rs := range report.Steps {
		if rs.Label == "" {
			// no row can hold it; the rest of the report still applies
			p.Anomalies = append(p.Anomalies, Anomaly{Step: unnamedStep, Reported: rs.Status, Reason: "unnamed_step"})
			continue
		}
		row, ok := byLabel[rs.Label]
		if !ok {
			return nil, fmt.Errorf("run %d: no step row for %q", run.ID, rs.Label)
		}
		if !row.Status.Valid() {
			return nil, fmt.Errorf("step %d: stored status %q is not valid", row.ID, row.Status)
		}
		if !known[rs.Label] {
			p.Anomalies = append(p.Anomalies, Anomaly{Step: rs.Label, Current: row.Status, Reported: rs.Status, Reason: "unknown_step"})
		}
		st, m := MapStatus(rs.Status)
		switch m {
		case Unknown:
			p.Anomalies = append(p.Anomalies, Anomaly{Step: rs.Label, Current: row.Status, Reported: rs.Status, Reason: "unknown_status"})
			continue
		case Unchanged:
			continue
		}
		switch t := models.Advance(row.Status, st); t {
		case models.TransitionApply:
			p.Steps = append(p.Steps, StepChange{
				StepID: row.ID,
				Label:  rs.Label,
				Update: transition(st, row.StartedAt, rs.StartedAt, rs.FinishedAt, rs.Error, now),
			})
		case models.TransitionBackward, models.TransitionStale:
			p.Anomalies = append(p.Anomalies, Anomaly{Step: rs.Label, Current: row.Status, Reported: rs.Status, Reason: t.String()})
		}
	}

	seen := map[string]bool{}
	for _, line := range report.Logs {
		lvl, ok := MapLogLevel(line.Level)
		if !ok {
			p.Anomalies = append(p.Anomalies, Anomaly{Step: line.StepLabel, Reported: line.Level, Reason: "unknown_level"})
		}
		ts := line.Timestamp.UTC()
		key := db.LogDedupKey(run.ID, ts, line.Message)
		if seen[key] {
			continue
		}
		seen[key] = true
		entry := db.Log{
			RunID:        run.ID,
			LogLevel:     lvl,
			Message:      line.Message,
			Timestamp:    ts,
			DagsterRunID: report.CorrelationID,
			DedupKey:     key,
		}
		if line.StepLabel != "" {
			label := line.StepLabel
			entry.StepLabel = &label
		}
		p.Logs = append(p.Logs, entry)
	}
	return p, nil
}

// transition builds the update for a forward move to st. started_at is
// only filled when still empty; terminal moves always get finished_at.
func transition(st models.RunStatus, storedStart, reportedStart, reportedFinish *time.Time, errMsg string, now time.Time) db.StatusUpdate {
	upd := db.StatusUpdate{Status: st}
	if storedStart == nil && st != models.StatusPending {
		start := now
		if reportedStart != nil {
			start = *reportedStart
		}
		upd.StartedAt = &start
	}
	if st.IsTerminal() {
		finish := now
		if reportedFinish != nil {
			finish = *reportedFinish
		}
		upd.FinishedAt = &finish
	}
	if st == models.StatusFailure && errMsg != "" {
		msg := errMsg
		upd.ErrorMessage = &msg
	}
	return upd
}
