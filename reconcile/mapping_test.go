package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/surajsub/etl-run-portal/models"
)

func TestMapStatusIsTotal(t *testing.T) {
	cases := map[string]models.RunStatus{
		"WORKFLOW_EXECUTION_STATUS_RUNNING":   models.StatusRunning,
		"COMPLETED":                           models.StatusSuccess,
		"continued-as-new":                    models.StatusRunning,
		"TIMED_OUT":                           models.StatusFailure,
		"TERMINATED":                          models.StatusFailure,
		"CANCELED":                            models.StatusSkipped,
		"QUEUED":                              models.StatusPending,
		" success ":                           models.StatusSuccess,
		"Failure":                             models.StatusFailure,
		"SCHEDULED":                           models.StatusPending,
		"IN_PROGRESS":                         models.StatusRunning,
		"WORKFLOW_EXECUTION_STATUS_COMPLETED": models.StatusSuccess,
	}
	for raw, want := range cases {
		got, m := MapStatus(raw)
		assert.Equal(t, Mapped, m, raw)
		assert.Equal(t, want, got, raw)
	}

	for _, raw := range []string{"", "UNSPECIFIED", "WORKFLOW_EXECUTION_STATUS_UNSPECIFIED", "unknown"} {
		_, m := MapStatus(raw)
		assert.Equal(t, Unchanged, m, raw)
	}
	_, m := MapStatus("PAUSED")
	assert.Equal(t, Unknown, m)

	for raw, st := range statusTable {
		assert.True(t, st.Valid(), raw)
	}
}

func TestMapLogLevel(t *testing.T) {
	lvl, ok := MapLogLevel("warn")
	assert.True(t, ok)
	assert.Equal(t, models.LogWarning, lvl)

	lvl, ok = MapLogLevel("CRITICAL")
	assert.True(t, ok)
	assert.Equal(t, models.LogError, lvl)

	lvl, ok = MapLogLevel("TRACE")
	assert.False(t, ok)
	assert.Equal(t, models.LogInfo, lvl)
}
