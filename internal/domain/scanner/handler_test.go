package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestHandler() (*Handler, *echo.Echo, *Service) {
	svc, _ := newTestService()
	return NewHandler(svc), echo.New(), svc
}

func TestHandleCreateScanner(t *testing.T) {
	h, e, _ := newTestHandler()

	body := `{"code":"CT-01","name":"ED Scanner 1","daily_capacity":45}`
	req := httptest.NewRequest(http.MethodPost, "/scanners", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Create(c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var got Scanner
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.DailyCapacity != 45 {
		t.Errorf("expected capacity 45, got %d", got.DailyCapacity)
	}
	if got.Status != StatusAvailable {
		t.Errorf("expected available, got %s", got.Status)
	}
}

func TestHandleCreateScanner_MissingCode(t *testing.T) {
	h, e, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/scanners", strings.NewReader(`{"name":"x"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.Create(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandleGetScanner_ByCode(t *testing.T) {
	h, e, svc := newTestHandler()
	sc := newScanner(t, svc, "CT-07")

	req := httptest.NewRequest(http.MethodGet, "/scanners/CT-07", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("CT-07")

	if err := h.Get(c); err != nil {
		t.Fatalf("get: %v", err)
	}
	var got Scanner
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != sc.ID {
		t.Errorf("expected scanner %s, got %s", sc.ID, got.ID)
	}
}

func TestHandleSetStatus_Conflict(t *testing.T) {
	h, e, svc := newTestHandler()
	sc := newScanner(t, svc, "CT-01")
	if _, err := svc.SetStatus(context.Background(), sc.ID, StatusInUse, "tester", nil); err != nil {
		t.Fatalf("precondition: %v", err)
	}

	body := `{"status":"maintenance"}`
	req := httptest.NewRequest(http.MethodPatch, "/scanners/"+sc.ID.String()+"/status", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(sc.ID.String())

	err := h.SetStatus(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
	msg, ok := he.Message.(map[string]interface{})
	if !ok {
		t.Fatalf("expected structured conflict body, got %T", he.Message)
	}
	if _, ok := msg["allowed"]; !ok {
		t.Error("expected allowed moves in conflict body")
	}
}

func TestHandleSetStatus(t *testing.T) {
	h, e, svc := newTestHandler()
	sc := newScanner(t, svc, "CT-01")

	body := `{"status":"maintenance","note":"tube replacement"}`
	req := httptest.NewRequest(http.MethodPatch, "/scanners/"+sc.ID.String()+"/status", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(sc.ID.String())

	if err := h.SetStatus(c); err != nil {
		t.Fatalf("set status: %v", err)
	}
	var got Scanner
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != StatusMaintenance {
		t.Errorf("expected maintenance, got %s", got.Status)
	}
	if got.MaintenanceNote == nil || *got.MaintenanceNote != "tube replacement" {
		t.Error("expected note recorded")
	}
}

func TestHandleUtilization(t *testing.T) {
	h, e, svc := newTestHandler()
	newScanner(t, svc, "CT-01")
	newScanner(t, svc, "CT-02")

	req := httptest.NewRequest(http.MethodGet, "/scanners/utilization", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Utilization(c); err != nil {
		t.Fatalf("utilization: %v", err)
	}
	var got []UtilizationEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 entries, got %d", len(got))
	}
}
