package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/surajsub/etl-run-portal/logger"
	enumspb "go.temporal.io/api/enums/v1"
	historypb "go.temporal.io/api/history/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
)

type TemporalOptions struct {
	HostPort     string
	Namespace    string
	TaskQueue    string
	WorkflowType string
}

// Temporal runs portal workflows as Temporal executions. The execution id
// is derived from the portal run id, so a submission whose reply was lost
// can still be found.
type Temporal struct {
	opts TemporalOptions
	log  *zap.Logger

	mu sync.RWMutex
	c  client.Client
}

// NewTemporal wraps an existing client. c may be nil when Connect is used.
func NewTemporal(c client.Client, opts TemporalOptions, log *zap.Logger) *Temporal {
	if log == nil {
		log = zap.NewNop()
	}
	return &Temporal{c: c, opts: opts, log: log}
}

// DialTemporal returns a dial function for Connect.
func DialTemporal(opts TemporalOptions, log *zap.Logger) func() (client.Client, error) {
	return func() (client.Client, error) {
		return client.Dial(client.Options{
			HostPort:  opts.HostPort,
			Namespace: opts.Namespace,
			Logger:    logger.NewZapAdapter(log),
		})
	}
}

// Connect keeps a healthy client in place until ctx is done: it dials,
// checks health every 10 seconds and redials when the check fails.
func (t *Temporal) Connect(ctx context.Context, dial func() (client.Client, error)) {
	go func() {
		for ctx.Err() == nil {
			c, err := dial()
			if err != nil {
				t.log.Warn("temporal unavailable, retrying in 5s", zap.Error(err))
				if !sleep(ctx, 5*time.Second) {
					return
				}
				continue
			}
			t.replaceClient(c)
			t.log.Info("connected to temporal", zap.String("host_port", t.opts.HostPort))

			for sleep(ctx, 10*time.Second) {
				if err := t.Ping(ctx); err != nil {
					t.log.Warn("temporal connection unhealthy, reconnecting", zap.Error(err))
					break
				}
			}
		}
		t.replaceClient(nil)
	}()
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (t *Temporal) replaceClient(c client.Client) {
	t.mu.Lock()
	if t.c != nil {
		t.c.Close()
	}
	t.c = c
	t.mu.Unlock()
}

func (t *Temporal) client() (client.Client, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.c == nil {
		return nil, ErrUnavailable
	}
	return t.c, nil
}

func (t *Temporal) Ping(ctx context.Context) error {
	c, err := t.client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err = c.CheckHealth(ctx, &client.CheckHealthRequest{})
	return err
}

// ExecutionID is the Temporal workflow id used for a portal run.
func ExecutionID(runID uint) string {
	return fmt.Sprintf("etl-run-%d", runID)
}

func (t *Temporal) Submit(ctx context.Context, s Submission) (string, error) {
	c, err := t.client()
	if err != nil {
		return "", err
	}
	opts := client.StartWorkflowOptions{
		ID:        ExecutionID(s.RunID),
		TaskQueue: t.opts.TaskQueue,
	}
	we, err := c.ExecuteWorkflow(ctx, opts, t.opts.WorkflowType, s)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return opts.ID, nil
		}
		var invalid *serviceerror.InvalidArgument
		var denied *serviceerror.PermissionDenied
		var missing *serviceerror.NamespaceNotFound
		if errors.As(err, &invalid) || errors.As(err, &denied) || errors.As(err, &missing) {
			return "", fmt.Errorf("%w: temporal: start workflow: %w", ErrRejected, err)
		}
		return "", fmt.Errorf("temporal: start workflow: %w", err)
	}
	t.log.Info("workflow started",
		zap.Uint("run_id", s.RunID),
		zap.String("workflow_id", we.GetID()),
		zap.String("temporal_run_id", we.GetRunID()))
	return we.GetID(), nil
}

func (t *Temporal) Locate(ctx context.Context, runID uint) (string, error) {
	c, err := t.client()
	if err != nil {
		return "", err
	}
	id := ExecutionID(runID)
	if _, err := c.DescribeWorkflowExecution(ctx, id, ""); err != nil {
		return "", translateTemporal(err)
	}
	return id, nil
}

func (t *Temporal) FetchStatus(ctx context.Context, correlationID string, since *time.Time) (*Report, error) {
	c, err := t.client()
	if err != nil {
		return nil, err
	}
	resp, err := c.DescribeWorkflowExecution(ctx, correlationID, "")
	if err != nil {
		return nil, translateTemporal(err)
	}
	info := resp.GetWorkflowExecutionInfo()
	if info == nil {
		return nil, &ParseError{Err: errors.New("describe response has no execution info")}
	}

	report := &Report{
		CorrelationID: correlationID,
		Status:        executionStatus(info.GetStatus()),
	}
	if ts := info.GetStartTime(); ts != nil {
		st := ts.AsTime()
		report.StartedAt = &st
	}
	if ts := info.GetCloseTime(); ts != nil {
		ct := ts.AsTime()
		report.FinishedAt = &ct
	}

	iter := c.GetWorkflowHistory(ctx, correlationID, "", false, enumspb.HISTORY_EVENT_FILTER_TYPE_ALL_EVENT)
	var events []*historypb.HistoryEvent
	for iter.HasNext() {
		event, err := iter.Next()
		if err != nil {
			return nil, translateTemporal(err)
		}
		events = append(events, event)
	}
	fold(report, events, since)
	return report, nil
}

func executionStatus(s enumspb.WorkflowExecutionStatus) string {
	name, ok := enumspb.WorkflowExecutionStatus_name[int32(s)]
	if !ok {
		return fmt.Sprintf("STATUS_%d", int32(s))
	}
	return strings.TrimPrefix(name, "WORKFLOW_EXECUTION_STATUS_")
}

// fold turns activity events into step reports and log lines. The step
// label is the activity id.
func fold(r *Report, events []*historypb.HistoryEvent, since *time.Time) {
	labels := map[int64]string{}
	steps := map[string]*StepReport{}
	var order []string

	emit := func(step, level, msg string, at time.Time) {
		if since != nil && at.Before(*since) {
			return
		}
		r.Logs = append(r.Logs, LogLine{StepLabel: step, Level: level, Message: msg, Timestamp: at})
	}
	update := func(scheduledID int64, status, errMsg string, at time.Time) string {
		label, ok := labels[scheduledID]
		if !ok {
			return ""
		}
		st := steps[label]
		st.Status = status
		switch status {
		case "STARTED":
			st.StartedAt = &at
		case "COMPLETED", "FAILED", "TIMED_OUT", "CANCELED":
			st.FinishedAt = &at
		}
		if errMsg != "" {
			st.Error = errMsg
		}
		return label
	}

	for _, ev := range events {
		at := ev.GetEventTime().AsTime()
		switch ev.GetEventType() {
		case enumspb.EVENT_TYPE_WORKFLOW_EXECUTION_STARTED:
			emit("", "INFO", "execution started", at)
		case enumspb.EVENT_TYPE_WORKFLOW_EXECUTION_COMPLETED:
			emit("", "INFO", "execution completed", at)
		case enumspb.EVENT_TYPE_WORKFLOW_EXECUTION_FAILED:
			msg := ev.GetWorkflowExecutionFailedEventAttributes().GetFailure().GetMessage()
			r.Error = msg
			emit("", "ERROR", "execution failed: "+msg, at)
		case enumspb.EVENT_TYPE_WORKFLOW_EXECUTION_TIMED_OUT:
			r.Error = "execution timed out"
			emit("", "ERROR", r.Error, at)
		case enumspb.EVENT_TYPE_WORKFLOW_EXECUTION_TERMINATED:
			reason := ev.GetWorkflowExecutionTerminatedEventAttributes().GetReason()
			r.Error = "terminated: " + reason
			emit("", "ERROR", r.Error, at)
		case enumspb.EVENT_TYPE_WORKFLOW_EXECUTION_CANCELED:
			emit("", "WARNING", "execution canceled", at)

		case enumspb.EVENT_TYPE_ACTIVITY_TASK_SCHEDULED:
			attrs := ev.GetActivityTaskScheduledEventAttributes()
			label := attrs.GetActivityId()
			labels[ev.GetEventId()] = label
			if _, ok := steps[label]; !ok {
				order = append(order, label)
				steps[label] = &StepReport{Label: label}
			}
			steps[label].Status = "SCHEDULED"
			steps[label].FinishedAt = nil
			emit(label, "INFO", fmt.Sprintf("activity %s scheduled", attrs.GetActivityType().GetName()), at)
		case enumspb.EVENT_TYPE_ACTIVITY_TASK_STARTED:
			if label := update(ev.GetActivityTaskStartedEventAttributes().GetScheduledEventId(), "STARTED", "", at); label != "" {
				emit(label, "INFO", "step started", at)
			}
		case enumspb.EVENT_TYPE_ACTIVITY_TASK_COMPLETED:
			if label := update(ev.GetActivityTaskCompletedEventAttributes().GetScheduledEventId(), "COMPLETED", "", at); label != "" {
				emit(label, "INFO", "step completed", at)
			}
		case enumspb.EVENT_TYPE_ACTIVITY_TASK_FAILED:
			attrs := ev.GetActivityTaskFailedEventAttributes()
			msg := attrs.GetFailure().GetMessage()
			if label := update(attrs.GetScheduledEventId(), "FAILED", msg, at); label != "" {
				emit(label, "ERROR", "step failed: "+msg, at)
			}
		case enumspb.EVENT_TYPE_ACTIVITY_TASK_TIMED_OUT:
			attrs := ev.GetActivityTaskTimedOutEventAttributes()
			msg := attrs.GetFailure().GetMessage()
			if label := update(attrs.GetScheduledEventId(), "TIMED_OUT", msg, at); label != "" {
				emit(label, "ERROR", "step timed out: "+msg, at)
			}
		case enumspb.EVENT_TYPE_ACTIVITY_TASK_CANCELED:
			if label := update(ev.GetActivityTaskCanceledEventAttributes().GetScheduledEventId(), "CANCELED", "", at); label != "" {
				emit(label, "WARNING", "step canceled", at)
			}
		}
	}

	r.Steps = make([]StepReport, 0, len(order))
	for _, label := range order {
		r.Steps = append(r.Steps, *steps[label])
	}
}

func translateTemporal(err error) error {
	var nf *serviceerror.NotFound
	if errors.As(err, &nf) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return fmt.Errorf("temporal: %w", err)
}
