package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"billing-pipeline/fanout"
)

const defaultHeartbeatInterval = 30 * time.Second

// streamNotifications serves the live notification feed over server-sent
// events. Heartbeat comments keep idle connections from being reaped by
// proxies. When the hub drops the connection as a slow consumer the handler
// simply ends the response; the client reconnects and backfills.
func streamNotifications(hub *fanout.Hub, auth Authenticator, heartbeat time.Duration, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var userID string
		var err error
		if token := c.QueryParam("token"); token != "" {
			userID, err = auth.UserIDFromToken(token)
		} else {
			userID, err = auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		}
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		resp := c.Response()
		resp.Header().Set(echo.HeaderContentType, "text/event-stream")
		resp.Header().Set("Cache-Control", "no-cache")
		resp.Header().Set("Connection", "keep-alive")
		// Tells buffering reverse proxies to pass frames through as written.
		resp.Header().Set("X-Accel-Buffering", "no")
		resp.WriteHeader(http.StatusOK)
		resp.Flush()

		conn := hub.Register(userID)
		defer conn.Close()

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		ctx := c.Request().Context()
		for {
			select {
			case <-ctx.Done():
				return nil
			case n, ok := <-conn.Events():
				if !ok {
					return nil
				}
				payload, mErr := sonic.Marshal(n)
				if mErr != nil {
					logger.WithError(mErr).Warn("failed to encode notification")
					continue
				}
				if _, wErr := fmt.Fprintf(resp, "data: %s\n\n", payload); wErr != nil {
					return nil
				}
				resp.Flush()
			case <-ticker.C:
				if _, wErr := fmt.Fprint(resp, ": heartbeat\n\n"); wErr != nil {
					return nil
				}
				resp.Flush()
			}
		}
	}
}
