package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

const bearerPrefix = "Bearer "

// bearerToken extracts the JWT of a "Bearer <token>" header value.
func bearerToken(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errMissingAuthorization
	}
	if len(raw) <= len(bearerPrefix) || !strings.HasPrefix(raw, bearerPrefix) {
		return "", errBadAuthorization
	}
	token := raw[len(bearerPrefix):]
	if strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}

// authHeader returns the Authorization header, falling back to the token
// query parameter. EventSource clients cannot set headers.
func authHeader(r *http.Request) string {
	if h := r.Header.Get(echo.HeaderAuthorization); h != "" {
		return h
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return bearerPrefix + token
	}
	return ""
}
