// Package bridge talks to the desktop automation agent that drives the
// accounting application's data-entry forms.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sicalgate/internal/domain"
	"sicalgate/internal/engine"
)

const defaultTimeout = 120 * time.Second

// Client submits operations to the automation agent over HTTP. It
// implements engine.Submitter. One client is shared by every concurrent
// caller, so the struct is read-only after construction.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client. A non-positive timeout selects the default.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		BaseURL:    baseURL,
		Timeout:    timeout,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// APIError wraps non-2xx responses from the agent.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agent error: status=%d body=%s", e.StatusCode, e.Body)
}

type submitRequest struct {
	Tercero      string            `json:"tercero"`
	Fecha        string            `json:"fecha"`
	Caja         string            `json:"caja"`
	Expediente   string            `json:"expediente"`
	FPago        string            `json:"f_pago"`
	TPago        string            `json:"t_pago"`
	Texto        string            `json:"texto"`
	Aplicaciones []domain.LineItem `json:"aplicaciones"`
	Finalize     bool              `json:"finalize"`
}

type submitResponse struct {
	NumOperacion   string  `json:"num_operacion"`
	TotalOperacion float64 `json:"total_operacion"`
	Status         string  `json:"status"`
	Error          string  `json:"error,omitempty"`
}

// Submit posts the operation to the agent and maps its reply onto an
// engine outcome. A reply with a failed status is an error even on HTTP
// 200.
func (c *Client) Submit(ctx context.Context, d domain.OperationDescriptor) (engine.SubmitOutcome, error) {
	req := submitRequest{
		Tercero:      d.Tercero,
		Fecha:        d.Fecha,
		Caja:         d.Caja,
		Expediente:   d.Expediente,
		FPago:        d.FPago,
		TPago:        d.TPago,
		Texto:        d.Texto,
		Aplicaciones: d.Aplicaciones,
		Finalize:     d.Finalize,
	}
	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "operations", req, &resp); err != nil {
		return engine.SubmitOutcome{}, err
	}
	if resp.Status == "failed" || resp.Error != "" {
		if resp.Error == "" {
			resp.Error = "agent reported failure"
		}
		return engine.SubmitOutcome{}, errors.New(resp.Error)
	}
	return engine.SubmitOutcome{
		NumOperacion:   resp.NumOperacion,
		TotalOperacion: resp.TotalOperacion,
	}, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
