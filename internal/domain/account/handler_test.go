package account

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/unihealth/unihealth/internal/platform/auth"
)

func newJSONContext(method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func TestHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	NewHandler(nil).RegisterRoutes(e.Group("/auth"))

	want := map[string]bool{
		"POST:/auth/signin": false,
		"POST:/auth/signup": false,
		"GET:/auth/me":      false,
	}
	for _, r := range e.Routes() {
		key := r.Method + ":" + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("missing route %s", route)
		}
	}
}

func TestHandler_SignUpThenSignIn(t *testing.T) {
	h := NewHandler(newTestService(t, newTestTree(t)))

	c, rec := newJSONContext(http.MethodPost, "/auth/signup", `{"name":"Ana","email":"ana@x.io","password":"secret1"}`)
	if err := h.SignUp(c); err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var created Session
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Token == "" || created.Identity.Email != "ana@x.io" {
		t.Fatalf("unexpected session: %+v", created)
	}

	c, rec = newJSONContext(http.MethodPost, "/auth/signin", `{"email":"ana@x.io","password":"secret1"}`)
	if err := h.SignIn(c); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_ErrorCodes(t *testing.T) {
	h := NewHandler(newTestService(t, newTestTree(t)))
	c, _ := newJSONContext(http.MethodPost, "/auth/signup", `{"email":"dup@x.io","password":"secret1"}`)
	if err := h.SignUp(c); err != nil {
		t.Fatalf("SignUp: %v", err)
	}

	tests := []struct {
		name    string
		handler echo.HandlerFunc
		body    string
		want    int
	}{
		{"malformed body", h.SignIn, `{`, http.StatusBadRequest},
		{"invalid email", h.SignUp, `{"email":"x","password":"secret1"}`, http.StatusBadRequest},
		{"duplicate email", h.SignUp, `{"email":"dup@x.io","password":"secret1"}`, http.StatusConflict},
		{"wrong password", h.SignIn, `{"email":"dup@x.io","password":"nope123"}`, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newJSONContext(http.MethodPost, "/", tt.body)
			if got := httpCode(t, tt.handler(c)); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestHandler_Me(t *testing.T) {
	svc := newTestService(t, newTestTree(t))
	sess, err := svc.Register(context.Background(), SignUpRequest{Name: "Ana", Email: "ana@x.io", Password: "secret1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	h := NewHandler(svc)

	c, rec := newJSONContext(http.MethodGet, "/auth/me", "")
	c.SetRequest(c.Request().WithContext(auth.WithUser(c.Request().Context(), sess.Identity.UID, "patient")))
	if err := h.Me(c); err != nil {
		t.Fatalf("Me: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"displayName":"Ana"`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}

	c, _ = newJSONContext(http.MethodGet, "/auth/me", "")
	if got := httpCode(t, h.Me(c)); got != http.StatusUnauthorized {
		t.Errorf("expected 401 without session, got %d", got)
	}
}
