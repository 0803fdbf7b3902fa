package api

import (
	"math"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const maxQueryInt = math.MaxInt32

// queryInt parses an optional integer query parameter, enforcing bounds.
// A missing parameter yields def; a malformed or out of range one yields
// ok=false.
func queryInt(c echo.Context, name string, def, min, max int) (int, bool) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || v > max {
		return 0, false
	}
	return v, true
}
