package api

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"oikion-live/bridge"
	"oikion-live/domain"
)

// sseWriter serializes frames of one event stream.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) data(v any) error {
	payload, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.Grow(len(payload) + 8)
	buf.WriteString("data: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	return s.write(buf.Bytes())
}

func (s *sseWriter) comment(text string) error {
	return s.write([]byte(": " + text + "\n\n"))
}

// streamDashboard keeps a live dashboard open over server-sent events. Each
// debounced change in the session's organization pushes a fresh frame.
func streamDashboard(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		sess, status, err := authenticate(ctx, c.Request(), d)
		if err != nil {
			return c.String(status, err.Error())
		}
		types, err := domain.ParseEntityTypes(c.QueryParam("types"))
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
		page, err := parsePage(c)
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}

		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		h := c.Response().Header()
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set(echo.HeaderCacheControl, "no-cache")
		h.Set(echo.HeaderConnection, "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		c.Response().WriteHeader(http.StatusOK)
		flusher.Flush()

		logger := d.Logger.WithFields(log.Fields{
			"org":  sess.OrganizationID,
			"user": sess.UserID,
		})
		w := &sseWriter{w: c.Response(), flusher: flusher}
		view := bridge.New(d.Events, func(ctx context.Context) error {
			summary, err := d.Dashboard.Summary(ctx, sess.OrganizationID, page)
			if err != nil {
				return err
			}
			return w.data(summary)
		}, d.Bridge)
		defer view.Close()

		if err := view.Mount(ctx, sess.OrganizationID, types); err != nil {
			logger.WithError(err).Error("unable to mount stream")
			return nil
		}
		if err := view.RefreshNow(ctx); err != nil {
			logger.WithError(err).Warn("initial dashboard frame failed")
		}
		logger.Debug("stream opened")

		ticker := time.NewTicker(d.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Debug("stream closed")
				return nil
			case <-ticker.C:
				if err := w.comment("ping"); err != nil {
					return nil
				}
			}
		}
	}
}
