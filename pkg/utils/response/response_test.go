package response_test

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"codesandbox/pkg/errors"
	"codesandbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

func perform(t *testing.T, handler gin.HandlerFunc) (*httptest.ResponseRecorder, response.ErrorBody) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/", handler)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	var body response.ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec, body
}

func TestBadRequestWritesErrorKey(t *testing.T) {
	rec, body := perform(t, func(c *gin.Context) {
		response.BadRequest(c, "missing language or code")
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if body.Error != "missing language or code" || body.Code != errors.InvalidParams {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestErrorHidesInternalCause(t *testing.T) {
	rec, body := perform(t, func(c *gin.Context) {
		response.Error(c, stderrors.New("open /var/sandbox/ws-1: permission denied"))
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if body.Error != errors.InternalServerError.Message() {
		t.Fatalf("internal detail leaked: %q", body.Error)
	}
}

func TestBusyMapsToServiceUnavailable(t *testing.T) {
	rec, body := perform(t, func(c *gin.Context) {
		response.AbortWithError(c, errors.New(errors.SandboxBusy))
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if body.Code != errors.SandboxBusy {
		t.Fatalf("unexpected code %d", body.Code)
	}
}
