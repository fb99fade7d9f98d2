package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runWithRoles(roles []string, mw echo.MiddlewareFunc) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithIdentity(context.Background(), "u1", roles))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return rec, mw(okHandler)(c)
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name    string
		roles   []string
		allowed bool
	}{
		{"clinician allowed", []string{"clinician"}, true},
		{"admin bypass", []string{"admin"}, true},
		{"one of many", []string{"viewer", "clinician"}, true},
		{"other role denied", []string{"billing"}, false},
		{"no roles denied", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := runWithRoles(tt.roles, RequireRole("clinician"))
			if tt.allowed {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				if rec.Code != http.StatusOK {
					t.Errorf("expected 200, got %d", rec.Code)
				}
				return
			}
			expectStatus(t, err, http.StatusForbidden)
		})
	}
}

func TestHasAnyRole(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		want  []string
		ok    bool
	}{
		{"no identity", nil, []string{"clinician"}, false},
		{"matching role", []string{"clinician"}, []string{"admin", "clinician"}, true},
		{"admin passes", []string{RoleAdmin}, []string{"clinician"}, true},
		{"other role", []string{"viewer"}, []string{"clinician"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithIdentity(context.Background(), "u1", tt.roles)
			if got := HasAnyRole(ctx, tt.want...); got != tt.ok {
				t.Errorf("HasAnyRole = %v, want %v", got, tt.ok)
			}
		})
	}
}
