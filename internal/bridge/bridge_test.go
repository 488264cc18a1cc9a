package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"sicalgate/internal/domain"
)

func testDescriptor() domain.OperationDescriptor {
	return domain.OperationDescriptor{
		Tercero: "A12345678",
		Fecha:   "15012026",
		Caja:    "200",
		Aplicaciones: []domain.LineItem{
			{Funcional: "338", Economica: "22799", Importe: "150,00"},
		},
	}
}

func TestSubmitSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/operations" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["tercero"] != "A12345678" {
			t.Errorf("tercero %v", req["tercero"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"num_operacion":   "220260001234",
			"total_operacion": 150.0,
			"status":          "completed",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	out, err := c.Submit(context.Background(), testDescriptor())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.NumOperacion != "220260001234" || out.TotalOperacion != 150 {
		t.Fatalf("outcome: %+v", out)
	}
}

func TestSubmitAgentReportedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status": "failed",
			"error":  "form rejected the tercero",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	_, err := c.Submit(context.Background(), testDescriptor())
	if err == nil || !strings.Contains(err.Error(), "form rejected the tercero") {
		t.Fatalf("got %v, want the agent's error surfaced", err)
	}
}

func TestSubmitHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	_, err := c.Submit(context.Background(), testDescriptor())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("got %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", apiErr.StatusCode)
	}
}

func TestConcurrentSubmitsShareOneClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"num_operacion": "220260001234",
			"status":        "completed",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Submit(context.Background(), testDescriptor())
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
}
