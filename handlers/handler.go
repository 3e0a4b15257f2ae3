package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/surajsub/etl-run-portal/db"
	"github.com/surajsub/etl-run-portal/models"
	"github.com/surajsub/etl-run-portal/runs"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const healthTimeout = 3 * time.Second

func (a *API) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid login payload")
	}
	if req.Email == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email and password are required")
	}

	user, err := a.Engine.Attempt(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return err
	}
	token, exp, err := a.Tokens.Issue(user)
	if err != nil {
		return models.Internal("issue token", err)
	}
	return c.JSON(http.StatusOK, LoginResponse{Token: token, ExpiresAt: exp, User: user})
}

func (a *API) TriggerRun(c echo.Context) error {
	wfID, err := uintParam(c, "id")
	if err != nil {
		return err
	}
	in, err := decodeTrigger(c)
	if err != nil {
		return err
	}

	run, err := a.Runs.Trigger(c.Request().Context(), currentUser(c), wfID, in)
	if err != nil {
		if run != nil {
			return &runError{run: run, err: err}
		}
		return err
	}
	return c.JSON(http.StatusCreated, run)
}

// decodeTrigger accepts JSON or YAML bodies. An empty body triggers the
// workflow with its stored parameters only.
func decodeTrigger(c echo.Context) (runs.TriggerInput, error) {
	var in runs.TriggerInput
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return in, echo.NewHTTPError(http.StatusBadRequest, "cannot read body")
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return in, nil
	}

	contentType := strings.TrimSpace(strings.Split(c.Request().Header.Get(echo.HeaderContentType), ";")[0])
	switch contentType {
	case echo.MIMEApplicationJSON, "":
		err = json.Unmarshal(body, &in)
	case "application/x-yaml", "text/yaml", "application/yaml":
		err = yaml.Unmarshal(body, &in)
	default:
		return in, echo.NewHTTPError(http.StatusUnsupportedMediaType, "unsupported content type")
	}
	if err != nil {
		return in, echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	return in, nil
}

func (a *API) GetRun(c echo.Context) error {
	id, err := uintParam(c, "id")
	if err != nil {
		return err
	}
	detail, err := a.Runs.Get(c.Request().Context(), currentUser(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, detail)
}

func (a *API) ListRuns(c echo.Context) error {
	var f runs.ListFilter
	var err error
	if f.WorkflowID, err = optionalUint(c, "workflow_id"); err != nil {
		return err
	}
	if f.MinID, err = optionalUint(c, "min_id"); err != nil {
		return err
	}
	if f.MaxID, err = optionalUint(c, "max_id"); err != nil {
		return err
	}
	if s := c.QueryParam("status"); s != "" {
		st, err := models.ParseRunStatus(s)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		f.Status = &st
	}
	if f.Limit, err = intQuery(c, "limit"); err != nil {
		return err
	}
	if f.Offset, err = intQuery(c, "offset"); err != nil {
		return err
	}

	list, err := a.Runs.List(c.Request().Context(), currentUser(c), f)
	if err != nil {
		return err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = runs.DefaultListLimit
	}
	return c.JSON(http.StatusOK, RunList{Runs: list, Limit: min(limit, runs.MaxListLimit), Offset: f.Offset})
}

func (a *API) SyncRun(c echo.Context) error {
	id, err := uintParam(c, "id")
	if err != nil {
		return err
	}
	res, err := a.Runs.Sync(c.Request().Context(), currentUser(c), id)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, SyncResponse{Result: res})
	case res != nil && errors.Is(err, models.ErrStaleTransition):
		// the run had already finished; what was merged is still reported
		return c.JSON(http.StatusOK, SyncResponse{Result: res, Stale: true})
	default:
		return err
	}
}

func (a *API) GrantPermission(c echo.Context) error {
	wfID, err := uintParam(c, "id")
	if err != nil {
		return err
	}
	userID, err := uintParam(c, "user_id")
	if err != nil {
		return err
	}
	var req PermissionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid permission payload")
	}
	level, err := models.ParsePermissionLevel(req.PermissionLevel)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	p, err := a.Resolver.Grant(c.Request().Context(), currentUser(c), wfID, userID, level)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (a *API) RevokePermission(c echo.Context) error {
	wfID, err := uintParam(c, "id")
	if err != nil {
		return err
	}
	userID, err := uintParam(c, "user_id")
	if err != nil {
		return err
	}
	if err := a.Resolver.Revoke(c.Request().Context(), currentUser(c), wfID, userID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *API) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(a.Checks))}
	code := http.StatusOK
	for name, check := range a.Checks {
		if err := check.Ping(ctx); err != nil {
			a.Log.Warn("health check failed", zap.String("check", name), zap.Error(err))
			resp.Checks[name] = "unavailable"
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	return c.JSON(code, resp)
}

func uintParam(c echo.Context, name string) (uint, error) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return uint(v), nil
}

func optionalUint(c echo.Context, name string) (*uint, error) {
	s := c.QueryParam(name)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	u := uint(v)
	return &u, nil
}

func intQuery(c echo.Context, name string) (int, error) {
	s := c.QueryParam(name)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return v, nil
}

// runError carries the run a failed trigger still created.
type runError struct {
	run *db.Run
	err error
}

func (e *runError) Error() string { return e.err.Error() }
func (e *runError) Unwrap() error { return e.err }

// NewHTTPErrorHandler maps typed errors onto status codes. Internal errors
// are logged with the request id and hidden from the caller.
func NewHTTPErrorHandler(log *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		requestID, _ := c.Get("requestID").(string)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			msg, ok := he.Message.(string)
			if !ok {
				msg = http.StatusText(he.Code)
			}
			writeError(c, he.Code, ErrorResponse{Error: msg})
			return
		}

		e := models.AsError(err)
		resp := ErrorResponse{Error: e.Kind.String()}
		var re *runError
		if errors.As(err, &re) {
			resp.Run = re.run
		}

		code := http.StatusInternalServerError
		switch e.Kind {
		case models.KindInvalidCredentials:
			code = http.StatusUnauthorized
			remaining := e.RemainingAttempts
			resp.RemainingAttempts = &remaining
		case models.KindAccountLocked:
			code = http.StatusLocked
			until := e.LockedUntil
			resp.LockedUntil = &until
		case models.KindPermissionDenied:
			code = http.StatusForbidden
		case models.KindNotFound:
			code = http.StatusNotFound
		case models.KindWorkflowNotReady, models.KindStaleTransition:
			code = http.StatusConflict
		case models.KindSyncFailed:
			code = http.StatusBadGateway
			if e.Reason == models.SyncTimeout {
				code = http.StatusGatewayTimeout
			}
			resp.Reason = string(e.Reason)
		default:
			log.Error("internal error", zap.String("request_id", requestID), zap.Error(err))
			resp = ErrorResponse{
				Error:     "Internal server error. Please contact support with the request ID.",
				RequestID: requestID,
			}
		}
		writeError(c, code, resp)
	}
}

func writeError(c echo.Context, code int, resp ErrorResponse) {
	var err error
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, resp)
	}
	if err != nil {
		c.Logger().Error(err)
	}
}

func RequestIDMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		requestID := c.Request().Header.Get(echo.HeaderXRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("requestID", requestID)
		c.Response().Header().Set(echo.HeaderXRequestID, requestID)
		return next(c)
	}
}
