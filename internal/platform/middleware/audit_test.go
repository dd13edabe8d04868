package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ctflow/ctflow/internal/platform/auth"
)

// mockRecorder collects audit entries for assertions.
type mockRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
	err     error // if set, RecordAccess returns this error
}

func (m *mockRecorder) RecordAccess(entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return m.err
}

func (m *mockRecorder) last() AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[len(m.entries)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// newTestContext creates an echo context with optional request mutations.
func newTestContext(method, path string, opts ...func(*http.Request)) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return c, rec
}

func withAuth(userID, role string) func(*http.Request) {
	return func(req *http.Request) {
		ctx := req.Context()
		ctx = context.WithValue(ctx, auth.UserIDKey, userID)
		ctx = context.WithValue(ctx, auth.UserRoleKey, role)
		*req = *req.WithContext(ctx)
	}
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// --- Tests ---

func TestAudit_ScanRead(t *testing.T) {
	logger := zerolog.New(os.Stderr)
	rec := &mockRecorder{}
	scanID := uuid.New().String()

	c, _ := newTestContext(http.MethodGet,
		fmt.Sprintf("/api/v1/scans/%s", scanID),
		withAuth("user-1", "ed_physician"),
	)
	c.Set("request_id", "req-abc")

	mw := Audit(logger, rec)
	h := mw(okHandler)
	err := h(c)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("expected 1 audit entry, got %d", rec.count())
	}
	entry := rec.last()
	if entry.UserID != "user-1" {
		t.Errorf("expected user_id 'user-1', got %q", entry.UserID)
	}
	if entry.UserRole != "ed_physician" {
		t.Errorf("expected user_role 'ed_physician', got %q", entry.UserRole)
	}
	if entry.ResourceType != "scans" {
		t.Errorf("expected resource_type 'scans', got %q", entry.ResourceType)
	}
	if entry.ResourceID != scanID {
		t.Errorf("expected resource_id %q, got %q", scanID, entry.ResourceID)
	}
	if entry.Action != "read" {
		t.Errorf("expected action 'read', got %q", entry.Action)
	}
	if entry.RequestID != "req-abc" {
		t.Errorf("expected request_id 'req-abc', got %q", entry.RequestID)
	}
	if entry.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", entry.StatusCode)
	}
}

func TestAudit_TransitionAction(t *testing.T) {
	logger := zerolog.New(os.Stderr)
	rec := &mockRecorder{}
	scanID := uuid.New().String()

	c, _ := newTestContext(http.MethodPost,
		fmt.Sprintf("/api/v1/scans/%s/transition", scanID),
		withAuth("user-2", "technician"),
	)

	mw := Audit(logger, rec)
	h := mw(okHandler)
	err := h(c)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entry := rec.last()
	if entry.Action != "status_change" {
		t.Errorf("expected action 'status_change', got %q", entry.Action)
	}
	if entry.ResourceType != "scans" {
		t.Errorf("expected resource_type 'scans', got %q", entry.ResourceType)
	}
	if entry.ResourceID != scanID {
		t.Errorf("expected resource_id %q, got %q", scanID, entry.ResourceID)
	}
}

func TestAudit_PatientUpdate(t *testing.T) {
	logger := zerolog.New(os.Stderr)
	rec := &mockRecorder{}

	patientID := uuid.New().String()
	c, _ := newTestContext(http.MethodPut,
		fmt.Sprintf("/api/v1/patients/%s", patientID),
		withAuth("user-3", "admin"),
	)

	mw := Audit(logger, rec)
	h := mw(okHandler)
	err := h(c)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entry := rec.last()
	if entry.Action != "update" {
		t.Errorf("expected action 'update', got %q", entry.Action)
	}
	if entry.ResourceType != "patients" {
		t.Errorf("expected resource_type 'patients', got %q", entry.ResourceType)
	}
	if entry.ResourceID != patientID {
		t.Errorf("expected resource_id %q, got %q", patientID, entry.ResourceID)
	}
}

func TestAudit_SkipsNonAuditablePaths(t *testing.T) {
	logger := zerolog.New(os.Stderr)
	rec := &mockRecorder{}

	paths := []string{"/health", "/health/db", "/", "/other/path", "/api/v1/auth/login"}
	for _, path := range paths {
		c, _ := newTestContext(http.MethodGet, path)
		mw := Audit(logger, rec)
		h := mw(okHandler)
		err := h(c)
		if err != nil {
			t.Fatalf("unexpected error for path %s: %v", path, err)
		}
	}

	if rec.count() != 0 {
		t.Errorf("expected 0 audit entries for non-auditable paths, got %d", rec.count())
	}
}

func TestAudit_DeleteAction(t *testing.T) {
	logger := zerolog.New(os.Stderr)
	rec := &mockRecorder{}

	c, _ := newTestContext(http.MethodDelete,
		"/api/v1/scanners/"+uuid.New().String(),
		withAuth("user-5", "admin"),
	)

	mw := Audit(logger, rec)
	h := mw(okHandler)
	err := h(c)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entry := rec.last()
	if entry.Action != "delete" {
		t.Errorf("expected action 'delete', got %q", entry.Action)
	}
	if entry.ResourceType != "scanners" {
		t.Errorf("expected resource_type 'scanners', got %q", entry.ResourceType)
	}
}

func TestAudit_RecorderError_DoesNotBreakRequest(t *testing.T) {
	logger := zerolog.New(os.Stderr)
	rec := &mockRecorder{err: errors.New("database connection failed")}

	c, _ := newTestContext(http.MethodGet,
		"/api/v1/scans",
		withAuth("user-6", "ed_physician"),
	)

	mw := Audit(logger, rec)
	h := mw(okHandler)
	err := h(c)

	// The request should still succeed even if the recorder fails
	if err != nil {
		t.Fatalf("expected no error even when recorder fails, got: %v", err)
	}
}

func TestAudit_NoRecorder_LogOnly(t *testing.T) {
	logger := zerolog.New(os.Stderr)

	c, _ := newTestContext(http.MethodGet,
		"/api/v1/scans",
		withAuth("user-7", "ed_physician"),
	)

	// Pass no recorder -- should only log, not panic
	mw := Audit(logger)
	h := mw(okHandler)
	err := h(c)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAudit_CapturesIPAndUserAgent(t *testing.T) {
	logger := zerolog.New(os.Stderr)
	rec := &mockRecorder{}

	c, _ := newTestContext(http.MethodGet,
		"/api/v1/scans",
		withAuth("user-9", "ed_physician"),
		func(req *http.Request) {
			req.Header.Set("User-Agent", "CTFlow-Client/1.0")
		},
	)

	mw := Audit(logger, rec)
	h := mw(okHandler)
	err := h(c)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entry := rec.last()
	if entry.UserAgent != "CTFlow-Client/1.0" {
		t.Errorf("expected user_agent 'CTFlow-Client/1.0', got %q", entry.UserAgent)
	}
	// IP should be non-empty (httptest uses 192.0.2.1 by default)
	if entry.IPAddress == "" {
		t.Error("expected non-empty IP address")
	}
}

// --- Unit tests for helper functions ---

func TestIsAuditablePath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/api/v1/scans", true},
		{"/api/v1/patients/abc", true},
		{"/api/v1/auth/login", false},
		{"/api/v1/auth/logout", false},
		{"/health", false},
		{"/", false},
		{"/api/v1", false}, // no trailing slash
	}
	for _, tt := range tests {
		if got := isAuditablePath(tt.path); got != tt.want {
			t.Errorf("isAuditablePath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestPathAction(t *testing.T) {
	scanID := uuid.New().String()
	tests := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodGet, "/api/v1/scans", "read"},
		{http.MethodHead, "/api/v1/scans", "read"},
		{http.MethodPost, "/api/v1/scans", "create"},
		{http.MethodPut, "/api/v1/scans/" + scanID, "update"},
		{http.MethodPatch, "/api/v1/scans/" + scanID, "update"},
		{http.MethodDelete, "/api/v1/scans/" + scanID, "delete"},
		{http.MethodPost, "/api/v1/scans/" + scanID + "/transition", "status_change"},
		{http.MethodPost, "/api/v1/scans/classify", "classify"},
		{http.MethodPost, "/api/v1/queue/run", "queue_pass"},
		{http.MethodOptions, "/api/v1/scans", "read"},
	}
	for _, tt := range tests {
		if got := pathAction(tt.method, tt.path); got != tt.want {
			t.Errorf("pathAction(%q, %q) = %q, want %q", tt.method, tt.path, got, tt.want)
		}
	}
}

func TestExtractResourceType(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/scans", "scans"},
		{"/api/v1/scans/123", "scans"},
		{"/api/v1/patients", "patients"},
		{"/api/v1/scanners/abc/status", "scanners"},
		{"/other/path", "unknown"},
	}
	for _, tt := range tests {
		if got := extractResourceType(tt.path); got != tt.want {
			t.Errorf("extractResourceType(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestExtractResourceID(t *testing.T) {
	id := uuid.New().String()

	tests := []struct {
		name string
		path string
		want string
	}{
		{"scan path", fmt.Sprintf("/api/v1/scans/%s", id), id},
		{"scan transition path", fmt.Sprintf("/api/v1/scans/%s/transition", id), id},
		{"collection path", "/api/v1/scans", ""},
		{"non-uuid segment", "/api/v1/scans/ranked", ""},
		{"outside api", "/other/path", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractResourceID(tt.path)
			if got != tt.want {
				t.Errorf("extractResourceID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsUUIDLike(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{uuid.New().String(), true},
		{"not-a-uuid", false},
		{"", false},
		{"12345678-1234-1234-1234-123456789012", true},
	}
	for _, tt := range tests {
		if got := isUUIDLike(tt.input); got != tt.want {
			t.Errorf("isUUIDLike(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestAuditRecorderFunc(t *testing.T) {
	var called bool
	fn := AuditRecorderFunc(func(entry AuditEntry) error {
		called = true
		return nil
	})

	err := fn.RecordAccess(AuditEntry{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected function to be called")
	}
}
