// Package server exposes the operation gateway over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"sicalgate/internal/engine"
	"sicalgate/internal/ratelimit"
	"sicalgate/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"history row not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the gateway API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Sicalgate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerOperations(group, cfg.Engine)
	registerHistory(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var le ratelimit.LimitError
	if errors.As(err, &le) {
		return newAPIError(http.StatusTooManyRequests, "rate_limited", err.Error(), map[string]any{"window": le.Window.Name})
	}
	var he ratelimit.HoursError
	if errors.As(err, &he) {
		return newAPIError(http.StatusForbidden, "outside_business_hours", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "internal_error"
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Gateway security status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		resp := StatusResponse{
			Status:     "ok",
			Tokens:     e.Tokens.Stats(),
			RateLimits: e.Limits.Usage(),
		}
		if bh := e.Limits.Policy().BusinessHours; bh != nil {
			resp.BusinessHours = bh
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerOperations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-operation",
		Method:      http.MethodPost,
		Path:        "/operations",
		Summary:     "Execute an operation",
		Description: "Runs the duplicate check and security guards, then submits unless a policy stops it. The result is always terminal; inspect its status field.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body OperationRequest `json:"body"`
	}) (*struct {
		Body OperationResultBody `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Tercero == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "tercero is required", nil)
		}
		if e.Logger != nil {
			e.Logger.Printf("operation request from %s: tercero %s, policy %q",
				actorID, input.Body.Tercero, input.Body.DuplicatePolicy)
		}
		res := e.Execute(ctx, input.Body.descriptor())
		return &struct {
			Body OperationResultBody `json:"body"`
		}{Body: OperationResultBody{Result: res}}, nil
	})
}

func registerHistory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-history",
		Method:      http.MethodGet,
		Path:        "/history",
		Summary:     "List operation history",
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"100"`
		Status string `query:"status"`
		Search string `query:"search"`
	}) (*struct {
		Body HistoryListResponse `json:"body"`
	}, error) {
		if e.History == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "history_disabled", "operation history is not enabled", nil)
		}
		var (
			rows []repo.HistoryRecord
			err  error
		)
		if input.Search != "" {
			rows, err = e.History.Search(ctx, input.Search, input.Limit)
		} else {
			rows, err = e.History.List(ctx, input.Limit, input.Status)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HistoryListResponse `json:"body"`
		}{Body: HistoryListResponse{Items: rows}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "history-stats",
		Method:      http.MethodGet,
		Path:        "/history/stats",
		Summary:     "Operation history statistics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body repo.HistoryStats `json:"body"`
	}, error) {
		if e.History == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "history_disabled", "operation history is not enabled", nil)
		}
		stats, err := e.History.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body repo.HistoryStats `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-history",
		Method:      http.MethodGet,
		Path:        "/history/{id}",
		Summary:     "Get one history row",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body repo.HistoryRecord `json:"body"`
	}, error) {
		if e.History == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "history_disabled", "operation history is not enabled", nil)
		}
		rec, err := e.History.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body repo.HistoryRecord `json:"body"`
		}{Body: rec}, nil
	})
}
