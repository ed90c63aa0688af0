package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		sent       string
		wantStatus int
	}{
		{name: "valid token", configured: "secret", sent: "secret", wantStatus: http.StatusOK},
		{name: "wrong token", configured: "secret", sent: "guess", wantStatus: http.StatusUnauthorized},
		{name: "missing token", configured: "secret", sent: "", wantStatus: http.StatusUnauthorized},
		{name: "empty configured token locks admin out", configured: "", sent: "", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := NewAdminAuth(tt.configured)

			handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
			if tt.sent != "" {
				req.Header.Set("X-Admin-Token", tt.sent)
			}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
