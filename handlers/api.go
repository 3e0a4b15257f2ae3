package handlers

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/surajsub/etl-run-portal/auth"
	"github.com/surajsub/etl-run-portal/db"
	"github.com/surajsub/etl-run-portal/permissions"
	"github.com/surajsub/etl-run-portal/runs"
	"go.uber.org/zap"
)

// UserStore reloads the authenticated user on every request.
type UserStore interface {
	GetUserByID(ctx context.Context, id uint) (*db.User, error)
}

// Checker is a dependency checked by /healthz.
type Checker interface {
	Ping(ctx context.Context) error
}

type API struct {
	Engine   *auth.Engine
	Tokens   *auth.Tokens
	Users    UserStore
	Resolver *permissions.Resolver
	Runs     *runs.Manager
	Checks   map[string]Checker

	Log    *zap.Logger
	Access *logrus.Logger

	LoginRate  float64
	LoginBurst int

	now func() time.Time
}

func (a *API) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now()
}

// RegisterRoutes installs the middleware chain and every endpoint on e.
func RegisterRoutes(e *echo.Echo, a *API) {
	if a.Log == nil {
		a.Log = zap.NewNop()
	}
	if a.Access == nil {
		a.Access = NewAccessLogger()
	}

	e.HTTPErrorHandler = NewHTTPErrorHandler(a.Log)
	e.Use(RequestIDMiddleware)
	e.Use(AccessLogMiddleware(a.Access))

	e.GET("/healthz", a.Health)

	limiter := newIPLimiter(a.LoginRate, a.LoginBurst)
	e.POST("/v1/login", a.Login, limiter.Middleware)

	v1 := e.Group("/v1", a.RequireAuth)
	v1.POST("/workflows/:id/runs", a.TriggerRun)
	v1.PUT("/workflows/:id/permissions/:user_id", a.GrantPermission)
	v1.DELETE("/workflows/:id/permissions/:user_id", a.RevokePermission)
	v1.GET("/runs", a.ListRuns)
	v1.GET("/runs/:id", a.GetRun)
	v1.POST("/runs/:id/sync", a.SyncRun)
}
