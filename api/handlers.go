package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"billing-pipeline/domain"
	"billing-pipeline/fanout"
)

const (
	defaultHistoryLimit       = 50
	maxHistoryLimit           = 100
	defaultNotificationsLimit = 5
	maxNotificationsLimit     = 50
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, store Storage, auth Authenticator, hub *fanout.Hub, ded Deduper, logger *log.Logger) {
	e.POST("/api/events", postEvent(store, auth, ded, logger))
	e.GET("/api/history/:entityType/:entityID", getHistory(store, auth))
	e.GET("/api/notifications", getNotifications(store, auth))
	e.GET("/api/notifications/stream", streamNotifications(hub, auth, defaultHeartbeatInterval, logger))
	e.GET("/api/notifications/since/:id", getNotificationsSince(store, auth))
	e.PATCH("/api/notifications/:id/read", markNotificationRead(store, auth))
	e.PATCH("/api/notifications/read-all", markAllNotificationsRead(store, auth))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func postEvent(store Storage, auth Authenticator, ded Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newEventRequestMetrics(ctx, logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		decodeStart := time.Now()
		lr := io.LimitReader(c.Request().Body, postEventMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		var ev domain.ChangeEvent
		decErr := dec.Decode(&ev)
		metrics.ObserveDecode(time.Since(decodeStart))
		if decErr != nil {
			metrics.SetErrorStage("decode")
			err = c.JSON(http.StatusBadRequest, postEventResponse{Error: "invalid body"})
			return err
		}

		// The actor is always the authenticated caller, never the payload.
		ev.ActorUserID = userID
		metrics.SetDedupKeyProvided(ev.DedupKey != "")
		if ev.DedupKey == "" {
			ev.DedupKey = uuid.NewString()
		}
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = time.Now().UTC()
		}
		if vErr := ev.Validate(); vErr != nil {
			metrics.SetErrorStage("validate")
			err = c.JSON(http.StatusBadRequest, postEventResponse{Error: vErr.Error()})
			return err
		}
		ev.FieldChanges = ev.EffectiveChanges()
		metrics.SetFieldChanges(len(ev.FieldChanges))
		if len(ev.FieldChanges) == 0 {
			// Every change was a no-op; nothing to record downstream.
			err = c.JSON(http.StatusAccepted, postEventResponse{DedupKey: ev.DedupKey})
			return err
		}

		if ded != nil {
			added, dedErr := ded.Add(ctx, userID, ev.DedupKey)
			if dedErr != nil {
				// The worker detects replays anyway; keep accepting events.
				logger.WithError(dedErr).Warn("event deduper unavailable")
			} else if !added {
				metrics.SetDuplicate(true)
				err = c.JSON(http.StatusAccepted, postEventResponse{DedupKey: ev.DedupKey, Duplicate: true})
				return err
			}
		}

		enqueueStart := time.Now()
		enqErr := store.EnqueueChangeEvent(ctx, ev)
		metrics.ObserveEnqueue(time.Since(enqueueStart))
		if enqErr != nil {
			if ded != nil {
				if rmErr := ded.Remove(ctx, userID, ev.DedupKey); rmErr != nil {
					logger.WithError(rmErr).Warn("failed to release dedup claim")
				}
			}
			metrics.SetErrorStage("enqueue")
			c.Logger().Error(enqErr)
			err = c.JSON(http.StatusInternalServerError, postEventResponse{Error: "failed to enqueue event"})
			return err
		}

		err = c.JSON(http.StatusAccepted, postEventResponse{DedupKey: ev.DedupKey})
		return err
	}
}

func getHistory(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		entityType := c.Param("entityType")
		if !domain.ValidEntityType(entityType) {
			return c.String(http.StatusBadRequest, "unknown entity type")
		}
		entityID, err := strconv.ParseInt(c.Param("entityID"), 10, 64)
		if err != nil || entityID <= 0 {
			return c.String(http.StatusBadRequest, "invalid entity id")
		}
		limit, ok := queryInt(c, "limit", defaultHistoryLimit, 1, maxHistoryLimit)
		if !ok {
			return c.String(http.StatusBadRequest, "invalid limit")
		}
		offset, ok := queryInt(c, "offset", 0, 0, maxQueryInt)
		if !ok {
			return c.String(http.StatusBadRequest, "invalid offset")
		}

		records, total, err := store.ListHistory(ctx, entityType, entityID, limit, offset)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to load history")
		}
		return c.JSON(http.StatusOK, historyResponse{Records: records, Total: total})
	}
}

func getNotifications(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		limit, ok := queryInt(c, "limit", defaultNotificationsLimit, 1, maxNotificationsLimit)
		if !ok {
			return c.String(http.StatusBadRequest, "invalid limit")
		}
		offset, ok := queryInt(c, "offset", 0, 0, maxQueryInt)
		if !ok {
			return c.String(http.StatusBadRequest, "invalid offset")
		}

		items, total, unread, err := store.ListNotifications(ctx, userID, limit, offset)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to load notifications")
		}
		return c.JSON(http.StatusOK, notificationsResponse{
			Notifications: items,
			Total:         total,
			UnreadCount:   unread,
		})
	}
}

func getNotificationsSince(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		sinceID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || sinceID < 0 {
			return c.String(http.StatusBadRequest, "invalid notification id")
		}

		items, err := store.ListNotificationsSince(ctx, userID, sinceID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to load notifications")
		}
		return c.JSON(http.StatusOK, items)
	}
}

func markNotificationRead(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			return c.String(http.StatusBadRequest, "invalid notification id")
		}

		if err := store.MarkNotificationRead(ctx, userID, id); err != nil {
			var notFound NotFoundError
			if errors.As(err, &notFound) {
				return c.String(http.StatusNotFound, "notification not found")
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to mark notification read")
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func markAllNotificationsRead(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		updated, err := store.MarkAllNotificationsRead(ctx, userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to mark notifications read")
		}
		return c.JSON(http.StatusOK, readAllResponse{Updated: updated})
	}
}
