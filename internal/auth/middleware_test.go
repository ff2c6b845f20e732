package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newTestEngine(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(svc.Middleware())
	r.GET("/ping", func(c *gin.Context) {
		id, _ := KeyIDFromContext(c)
		c.String(http.StatusOK, id)
	})
	return r
}

func doGet(r http.Handler, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareDisabledWithoutKeys(t *testing.T) {
	svc := NewService([]string{"", "  "})
	if svc.Enabled() {
		t.Fatalf("blank keys must not enable auth")
	}
	if rec := doGet(newTestEngine(svc), nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMiddlewareChecksKeys(t *testing.T) {
	r := newTestEngine(NewService([]string{"alpha", "beta"}))

	if rec := doGet(r, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: expected 401, got %d", rec.Code)
	}
	if rec := doGet(r, map[string]string{"Authorization": "Bearer gamma"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: expected 401, got %d", rec.Code)
	}

	rec := doGet(r, map[string]string{"Authorization": "Bearer beta"})
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer key: expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() != 8 {
		t.Fatalf("expected an 8 char key id, got %q", rec.Body.String())
	}

	if rec := doGet(r, map[string]string{"X-API-Key": "alpha"}); rec.Code != http.StatusOK {
		t.Fatalf("header key: expected 200, got %d", rec.Code)
	}
}

func TestValidateKeyIDsAreStable(t *testing.T) {
	svc := NewService([]string{"alpha"})
	a, err := svc.ValidateKey("alpha")
	if err != nil {
		t.Fatalf("ValidateKey: %v", err)
	}
	b, _ := svc.ValidateKey("alpha")
	if a != b {
		t.Fatalf("key id changed between calls: %s vs %s", a, b)
	}
	if _, err := svc.ValidateKey(""); err != ErrMissingKey {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}
