package middleware

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/labstack/echo/v4"
)

// ErrNoRequester is returned by RequesterID when the context carries no
// usable subject.
var ErrNoRequester = errors.New("invalid user_id in context")

// RequesterID returns the numeric subject stored by JWTAuth. Claims decode
// numbers as float64; string subjects are parsed.
func RequesterID(c echo.Context) (uint64, error) {
	switch t := c.Get(CtxUserID).(type) {
	case uint64:
		return t, nil
	case int64:
		if t > 0 {
			return uint64(t), nil
		}
	case float64:
		if t > 0 && t == float64(uint64(t)) {
			return uint64(t), nil
		}
	case json.Number:
		if n, err := strconv.ParseUint(t.String(), 10, 64); err == nil && n > 0 {
			return n, nil
		}
	case string:
		if n, err := strconv.ParseUint(t, 10, 64); err == nil && n > 0 {
			return n, nil
		}
	}
	return 0, ErrNoRequester
}

func requesterKey(c echo.Context) string {
	if id, err := RequesterID(c); err == nil {
		return strconv.FormatUint(id, 10)
	}
	return "anon"
}
