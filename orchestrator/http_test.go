package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/runs":
			var s Submission
			require.NoError(t, json.NewDecoder(r.Body).Decode(&s))
			assert.Equal(t, uint(11), s.RunID)
			json.NewEncoder(w).Encode(map[string]string{"correlation_id": "dag-11"})
		case r.URL.Path == "/runs/dag-11":
			assert.NotEmpty(t, r.URL.Query().Get("since"))
			w.Write([]byte(`{"status":"STARTED","steps":[{"label":"extract","status":"SUCCESS"}],
				"logs":[{"level":"INFO","message":"hello","timestamp":"2026-04-01T12:00:00Z"}]}`))
		case r.URL.Path == "/runs" && r.URL.Query().Get("external_id") == "11":
			json.NewEncoder(w).Encode(map[string]string{"correlation_id": "dag-11"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "s3cret")
	ctx := context.Background()

	id, err := c.Submit(ctx, Submission{RunID: 11})
	require.NoError(t, err)
	assert.Equal(t, "dag-11", id)

	since := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	r, err := c.FetchStatus(ctx, id, &since)
	require.NoError(t, err)
	assert.Equal(t, "dag-11", r.CorrelationID)
	assert.Equal(t, "STARTED", r.Status)
	require.Len(t, r.Logs, 1)
	assert.Equal(t, "hello", r.Logs[0].Message)

	located, err := c.Locate(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, "dag-11", located)

	_, err = c.Locate(ctx, 12)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/runs/garbled":
			w.Write([]byte(`{"status":`))
		case "/runs/empty":
			w.Write([]byte(`{}`))
		case "/runs/slow":
			time.Sleep(200 * time.Millisecond)
			w.Write([]byte(`{"status":"SUCCESS"}`))
		default:
			http.Error(w, "boom", http.StatusBadGateway)
		}
	}))
	defer srv.Close()
	c := NewHTTPClient(srv.URL, "")
	ctx := context.Background()

	var perr *ParseError
	_, err := c.FetchStatus(ctx, "garbled", nil)
	assert.ErrorAs(t, err, &perr)
	_, err = c.FetchStatus(ctx, "empty", nil)
	assert.ErrorAs(t, err, &perr)

	_, err = c.FetchStatus(ctx, "other", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.NotErrorAs(t, err, &perr)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = c.FetchStatus(short, "slow", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPClientSubmitRejection(t *testing.T) {
	codes := map[string]int{"bad": http.StatusUnprocessableEntity, "down": http.StatusServiceUnavailable, "busy": http.StatusTooManyRequests}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var s Submission
		require.NoError(t, json.NewDecoder(r.Body).Decode(&s))
		http.Error(w, "no", codes[s.WorkflowName])
	}))
	defer srv.Close()
	c := NewHTTPClient(srv.URL, "")
	ctx := context.Background()

	_, err := c.Submit(ctx, Submission{RunID: 1, WorkflowName: "bad"})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "422")

	_, err = c.Submit(ctx, Submission{RunID: 2, WorkflowName: "down"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)

	_, err = c.Submit(ctx, Submission{RunID: 3, WorkflowName: "busy"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
}
