package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"oikion-live/bridge"
	"oikion-live/cache"
	"oikion-live/dashboard"
	"oikion-live/domain"
)

const (
	maxRecordBodyBytes = 1 << 20
	idempotencyHeader  = "Idempotency-Key"
)

type Authenticator interface {
	SessionFromAuthHeader(string) (Session, error)
}

// Store persists records and knows which organizations exist.
type Store interface {
	ResolveOrganization(ctx context.Context, organizationID string) error
	AddOrganization(ctx context.Context, organizationID, name string) error
	UpsertRecord(ctx context.Context, rec domain.Record) (bool, error)
	DeleteRecord(ctx context.Context, t domain.EntityType, organizationID, id string) error
}

type ChangeNotifier interface {
	NotifyChange(ctx context.Context, entityType domain.EntityType, entityID, organizationID string, op domain.Operation) (domain.ChangeEvent, error)
}

type DashboardReader interface {
	Summary(ctx context.Context, organizationID string, page dashboard.Page) (domain.DashboardSummary, error)
}

// Deduper remembers idempotency keys of committed writes.
type Deduper interface {
	Add(ctx context.Context, scope, key string) (bool, error)
	Remove(ctx context.Context, scope, key string) error
}

// Deps are the collaborators of the HTTP surface. Deduper, Registerer and
// Gatherer are optional.
type Deps struct {
	Store     Store
	Notifier  ChangeNotifier
	Dashboard DashboardReader
	Auth      Authenticator
	Deduper   Deduper
	Events    bridge.Subscriber
	Bridge    bridge.Options
	// Heartbeat is the interval of SSE keep-alive comments.
	Heartbeat  time.Duration
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Logger     *log.Logger
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	if d.Heartbeat <= 0 {
		d.Heartbeat = 25 * time.Second
	}
	if d.Registerer != nil {
		e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
			Subsystem:  "http",
			Registerer: d.Registerer,
			Skipper: func(c echo.Context) bool {
				return c.Path() == "/metrics" || c.Path() == "/api/stream"
			},
		}))
	}
	if d.Gatherer != nil {
		e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: d.Gatherer}))
	}

	e.POST("/api/organizations", postOrganization(d))
	e.PUT("/api/entities/:type/:id", putEntity(d))
	e.DELETE("/api/entities/:type/:id", deleteEntity(d))
	e.GET(dashboardRoute, getDashboard(d))
	e.GET("/api/stream", streamDashboard(d))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// statusFor maps domain and cache errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFoundOrganization):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrUnknownEntityType), errors.Is(err, domain.ErrUnknownOperation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFoundRecord):
		return http.StatusNotFound
	case errors.Is(err, cache.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// authenticate resolves the caller's session and checks its organization
// exists. The returned status is meaningful only with a non-nil error.
func authenticate(ctx context.Context, r *http.Request, d Deps) (Session, int, error) {
	sess, err := d.Auth.SessionFromAuthHeader(authHeader(r))
	if err != nil {
		if errors.Is(err, domain.ErrNotFoundOrganization) {
			return Session{}, http.StatusForbidden, err
		}
		return Session{}, http.StatusUnauthorized, err
	}
	if err := d.Store.ResolveOrganization(ctx, sess.OrganizationID); err != nil {
		return Session{}, statusFor(err), err
	}
	return sess, 0, nil
}

type recordRequest struct {
	Status string         `json:"status"`
	Title  string         `json:"title"`
	Fields map[string]any `json:"fields"`
}

type writeResponse struct {
	Record    *domain.Record   `json:"record,omitempty"`
	Operation domain.Operation `json:"operation,omitempty"`
	Sequence  uint64           `json:"sequence,omitempty"`
	Duplicate bool             `json:"duplicate,omitempty"`
}

func entityTarget(c echo.Context) (domain.EntityType, string, error) {
	t, err := domain.ParseEntityType(c.Param("type"))
	if err != nil {
		return "", "", err
	}
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return "", "", errors.New("missing entity id")
	}
	return t, id, nil
}

// commitFunc persists one write and reports the operation it performed.
type commitFunc func(ctx context.Context) (domain.Operation, *domain.Record, error)

// commitWrite runs commit at most once per idempotency key and notifies the
// change only after commit succeeded.
func commitWrite(c echo.Context, d Deps, sess Session, t domain.EntityType, id string, commit commitFunc) error {
	ctx := c.Request().Context()
	logger := d.Logger.WithFields(log.Fields{
		"org":         sess.OrganizationID,
		"entity_type": t,
		"entity_id":   id,
	})

	key := strings.TrimSpace(c.Request().Header.Get(idempotencyHeader))
	if key != "" && d.Deduper != nil {
		added, err := d.Deduper.Add(ctx, sess.OrganizationID, key)
		if err != nil {
			logger.WithError(err).Error("idempotency check failed")
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if !added {
			logger.WithField("idempotency_key", key).Info("duplicate write skipped")
			return c.JSON(http.StatusOK, writeResponse{Duplicate: true})
		}
	}

	op, rec, err := commit(ctx)
	if err != nil {
		if key != "" && d.Deduper != nil {
			if rerr := d.Deduper.Remove(context.WithoutCancel(ctx), sess.OrganizationID, key); rerr != nil {
				logger.WithError(rerr).Warn("unable to release idempotency key")
			}
		}
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			logger.WithError(err).Error("commit failed")
		}
		return c.String(status, err.Error())
	}

	resp := writeResponse{Record: rec, Operation: op}
	// The commit happened; a client hanging up now must not cost the
	// notification.
	ev, err := d.Notifier.NotifyChange(context.WithoutCancel(ctx), t, id, sess.OrganizationID, op)
	if err != nil {
		// The write is committed; live views catch up on the next change
		// or when the cached dashboard expires.
		logger.WithError(err).Error("change notification failed")
	} else {
		resp.Sequence = ev.Sequence
	}

	status := http.StatusOK
	if op == domain.OperationCreated {
		status = http.StatusCreated
	}
	return c.JSON(status, resp)
}

func putEntity(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		sess, status, err := authenticate(ctx, c.Request(), d)
		if err != nil {
			return c.String(status, err.Error())
		}
		t, id, err := entityTarget(c)
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}

		var body recordRequest
		dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxRecordBodyBytes))
		if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		return commitWrite(c, d, sess, t, id, func(ctx context.Context) (domain.Operation, *domain.Record, error) {
			rec := domain.Record{
				ID:             id,
				OrganizationID: sess.OrganizationID,
				EntityType:     t,
				Status:         body.Status,
				Title:          body.Title,
				Fields:         body.Fields,
			}
			created, err := d.Store.UpsertRecord(ctx, rec)
			if err != nil {
				return "", nil, err
			}
			if created {
				return domain.OperationCreated, &rec, nil
			}
			return domain.OperationUpdated, &rec, nil
		})
	}
}

func deleteEntity(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		sess, status, err := authenticate(ctx, c.Request(), d)
		if err != nil {
			return c.String(status, err.Error())
		}
		t, id, err := entityTarget(c)
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
		return commitWrite(c, d, sess, t, id, func(ctx context.Context) (domain.Operation, *domain.Record, error) {
			if err := d.Store.DeleteRecord(ctx, t, sess.OrganizationID, id); err != nil {
				return "", nil, err
			}
			return domain.OperationDeleted, nil, nil
		})
	}
}

func parsePage(c echo.Context) (dashboard.Page, error) {
	page := dashboard.Page{Size: dashboard.DefaultPageSize}
	if raw := strings.TrimSpace(c.QueryParam("page")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return page, errors.New("invalid page")
		}
		page.Number = n
	}
	if raw := strings.TrimSpace(c.QueryParam("pageSize")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > dashboard.MaxPageSize {
			return page, errors.New("invalid page size")
		}
		page.Size = n
	}
	return page, nil
}

func getDashboard(d Deps) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newDashboardRequestMetrics(ctx, d.Logger)
		c.SetRequest(c.Request().WithContext(spanCtx))
		ctx = spanCtx
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		sess, status, authErr := authenticate(ctx, c.Request(), d)
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.String(status, authErr.Error())
		}

		page, pageErr := parsePage(c)
		if pageErr != nil {
			metrics.SetErrorStage("invalid_page")
			return c.String(http.StatusBadRequest, pageErr.Error())
		}
		metrics.SetPage(page.Number, page.Size)

		computeStart := time.Now()
		summary, sumErr := d.Dashboard.Summary(ctx, sess.OrganizationID, page)
		metrics.ObserveCompute(time.Since(computeStart))
		if sumErr != nil {
			metrics.SetErrorStage("compute")
			d.Logger.WithError(sumErr).WithField("org", sess.OrganizationID).Error("dashboard compute failed")
			return c.String(statusFor(sumErr), sumErr.Error())
		}
		metrics.SetResult(summary.Partial, len(summary.RecentActivities))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, summary)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}
