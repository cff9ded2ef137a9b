package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
)

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse(http.StatusBadRequest, ErrCodeInvalidRule, "Rule name must not be empty")

	if resp.Error != "Bad Request" {
		t.Errorf("Expected Error 'Bad Request', got '%s'", resp.Error)
	}
	if resp.Message != "Rule name must not be empty" {
		t.Errorf("Expected Message 'Rule name must not be empty', got '%s'", resp.Message)
	}
	if resp.Code != ErrCodeInvalidRule {
		t.Errorf("Expected Code ErrCodeInvalidRule, got '%s'", resp.Code)
	}
}

func TestErrorResponse_WithFields(t *testing.T) {
	fields := map[string]string{
		"currentTime": "must be HH:MM:SS",
		"timeOfDay":   "must be one of nighttime morning afternoon evening",
	}

	resp := NewErrorResponse(http.StatusBadRequest, ErrCodeValidation, "Validation failed").
		WithFields(fields)

	if len(resp.Fields) != 2 {
		t.Errorf("Expected 2 fields, got %d", len(resp.Fields))
	}
	if resp.Fields["currentTime"] != "must be HH:MM:SS" {
		t.Errorf("Unexpected currentTime field: '%s'", resp.Fields["currentTime"])
	}
}

func TestErrorResponse_WithRequestID(t *testing.T) {
	resp := NewErrorResponse(http.StatusInternalServerError, ErrCodeInternal, "Internal error").
		WithRequestID("req-123")

	if resp.RequestID != "req-123" {
		t.Errorf("Expected RequestID 'req-123', got '%s'", resp.RequestID)
	}
}

// ---- helpers ----

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w http.ResponseWriter, r *http.Request)
		status int
		code   ErrorCode
	}{
		{"validation", func(w http.ResponseWriter, r *http.Request) {
			ValidationError(w, r, "Validation failed", map[string]string{"blocks": "is required"})
		}, http.StatusBadRequest, ErrCodeValidation},
		{"bad request", func(w http.ResponseWriter, r *http.Request) {
			BadRequestError(w, r, ErrCodeInvalidJSON, "Invalid JSON")
		}, http.StatusBadRequest, ErrCodeInvalidJSON},
		{"unauthorized", func(w http.ResponseWriter, r *http.Request) {
			UnauthorizedError(w, r, "missing bearer token")
		}, http.StatusUnauthorized, ErrCodeUnauthorized},
		{"not found", func(w http.ResponseWriter, r *http.Request) {
			NotFoundError(w, r, "Rule not found")
		}, http.StatusNotFound, ErrCodeNotFound},
		{"conflict", func(w http.ResponseWriter, r *http.Request) {
			ConflictError(w, r, ErrCodeRuleInUse, "Rule is used by 2 blocks")
		}, http.StatusConflict, ErrCodeRuleInUse},
		{"rate limited", func(w http.ResponseWriter, r *http.Request) {
			RateLimitedError(w, r, "Too many requests")
		}, http.StatusTooManyRequests, ErrCodeRateLimited},
		{"internal", func(w http.ResponseWriter, r *http.Request) {
			InternalError(w, r, "Store unavailable")
		}, http.StatusInternalServerError, ErrCodeInternal},
		{"too large", func(w http.ResponseWriter, r *http.Request) {
			RequestTooLargeError(w, r, "Request body exceeds limit")
		}, http.StatusRequestEntityTooLarge, ErrCodeRequestTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/admin/rules", nil)
			tt.write(w, r)

			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, w.Code)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Expected Content-Type 'application/json', got '%s'", ct)
			}

			var resp ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if resp.Code != tt.code {
				t.Errorf("Expected Code %s, got '%s'", tt.code, resp.Code)
			}
			if resp.Error != http.StatusText(tt.status) {
				t.Errorf("Expected Error '%s', got '%s'", http.StatusText(tt.status), resp.Error)
			}
		})
	}
}

func TestErrorResponse_CarriesChiRequestID(t *testing.T) {
	handler := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		NotFoundError(w, r, "Origin not found")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/content/1", nil))

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.RequestID == "" {
		t.Error("Expected request_id to be set by the RequestID middleware")
	}
}
