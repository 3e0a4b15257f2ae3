package reconcile

import (
	"strings"

	"github.com/surajsub/etl-run-portal/models"
)

// Mapping says how a reported status was understood.
type Mapping int

const (
	// Mapped: the value translates to an internal status.
	Mapped Mapping = iota
	// Unchanged: the value is known to carry no progress information.
	Unchanged
	// Unknown: the value is not in the vocabulary. Treated as Unchanged
	// and reported as an anomaly.
	Unknown
)

// statusTable covers the Temporal execution and activity vocabularies and
// the Dagster run and step vocabularies.
var statusTable = map[string]models.RunStatus{
	"PENDING":     models.StatusPending,
	"QUEUED":      models.StatusPending,
	"NOT_STARTED": models.StatusPending,
	"MANAGED":     models.StatusPending,
	"STARTING":    models.StatusPending,
	"SCHEDULED":   models.StatusPending,

	"RUNNING":          models.StatusRunning,
	"STARTED":          models.StatusRunning,
	"IN_PROGRESS":      models.StatusRunning,
	"CANCELING":        models.StatusRunning,
	"CONTINUED_AS_NEW": models.StatusRunning,

	"SUCCESS":   models.StatusSuccess,
	"SUCCEEDED": models.StatusSuccess,
	"COMPLETED": models.StatusSuccess,

	"FAILURE":    models.StatusFailure,
	"FAILED":     models.StatusFailure,
	"ERROR":      models.StatusFailure,
	"TIMED_OUT":  models.StatusFailure,
	"TERMINATED": models.StatusFailure,

	"SKIPPED":   models.StatusSkipped,
	"CANCELED":  models.StatusSkipped,
	"CANCELLED": models.StatusSkipped,
}

var noProgress = map[string]bool{
	"":            true,
	"UNSPECIFIED": true,
	"UNKNOWN":     true,
}

func normalize(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	s = strings.TrimPrefix(s, "WORKFLOW_EXECUTION_STATUS_")
	return s
}

// MapStatus translates an orchestrator status. Every input yields exactly
// one outcome; the status is only meaningful when the outcome is Mapped.
func MapStatus(raw string) (models.RunStatus, Mapping) {
	key := normalize(raw)
	if st, ok := statusTable[key]; ok {
		return st, Mapped
	}
	if noProgress[key] {
		return "", Unchanged
	}
	return "", Unknown
}

var levelTable = map[string]models.LogLevel{
	"DEBUG":    models.LogInfo,
	"INFO":     models.LogInfo,
	"WARN":     models.LogWarning,
	"WARNING":  models.LogWarning,
	"ERROR":    models.LogError,
	"CRITICAL": models.LogError,
	"FATAL":    models.LogError,
}

// MapLogLevel translates a log level. Unknown levels are stored as info
// and reported false.
func MapLogLevel(raw string) (models.LogLevel, bool) {
	if lvl, ok := levelTable[normalize(raw)]; ok {
		return lvl, true
	}
	return models.LogInfo, false
}
