package errors

import (
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		err    *Error
		status int
	}{
		{UnauthenticatedError("bad signature", nil), http.StatusUnauthorized},
		{ExpiredError("credential expired"), http.StatusUnauthorized},
		{MalformedError("not a token", nil), http.StatusBadRequest},
		{ValidationError("workspace required"), http.StatusBadRequest},
		{ForbiddenError("workspace not allowed"), http.StatusForbidden},
		{RateLimitedError(30), http.StatusTooManyRequests},
		{BusUnavailableError(nil), http.StatusServiceUnavailable},
		{InternalError("boom", nil), http.StatusInternalServerError},
		{TransportError("peer gone", nil), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.status, tt.err.HTTPStatus(), "type %s", tt.err.Type)
	}
}

func TestErrorStringAndUnwrap(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := TransportError("read failed", cause)

	assert.Equal(t, "transport: read failed: connection reset", err.Error())
	assert.True(t, stderrors.Is(err, cause))

	bare := ForbiddenError("nope")
	assert.Equal(t, "forbidden: nope", bare.Error())
	assert.Nil(t, stderrors.Unwrap(bare))
}

func TestRateLimitedErrorCarriesRetryAfter(t *testing.T) {
	err := RateLimitedError(42)
	assert.Equal(t, 42, err.Context["retry_after"])
}

func TestAsStructuredError(t *testing.T) {
	assert.Nil(t, AsStructuredError(nil))

	original := ValidationError("bad input")
	assert.Same(t, original, AsStructuredError(original))

	wrapped := AsStructuredError(stderrors.New("oops"))
	assert.Equal(t, TypeInternal, wrapped.Type)
	assert.EqualError(t, stderrors.Unwrap(wrapped), "oops")
}

func TestMiddlewareWritesStructuredResponse(t *testing.T) {
	e := echo.New()
	e.Use(Middleware())
	e.GET("/denied", func(c echo.Context) error {
		return ForbiddenError("workspace not allowed")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/denied", nil))

	require.Equal(t, http.StatusForbidden, rec.Code)
	// An empty context map is omitted from the wire shape.
	assert.JSONEq(t, `{"error":"workspace not allowed","type":"forbidden"}`, rec.Body.String())
}

func TestMiddlewareSetsRetryAfterHeader(t *testing.T) {
	e := echo.New()
	e.Use(Middleware())
	e.GET("/limited", func(c echo.Context) error {
		return RateLimitedError(30)
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/limited", nil))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestWrapHTTPError(t *testing.T) {
	err := WrapHTTPError(echo.NewHTTPError(http.StatusUnauthorized, "missing token"))
	assert.Equal(t, TypeUnauthenticated, err.Type)
	assert.Equal(t, "missing token", err.Message)

	err = WrapHTTPError(echo.NewHTTPError(http.StatusTeapot))
	assert.Equal(t, TypeInternal, err.Type)
}
