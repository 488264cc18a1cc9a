package server

import (
	"sicalgate/internal/domain"
	"sicalgate/internal/ratelimit"
	"sicalgate/internal/repo"
	"sicalgate/internal/token"
)

// LineItemRequest is one budget application line in an operation request.
type LineItemRequest struct {
	Funcional string `json:"funcional" example:"338"`
	Economica string `json:"economica" example:"22799"`
	Importe   string `json:"importe" example:"1234,56"`
	Cuenta    string `json:"cuenta,omitempty"`
	Proyecto  string `json:"proyecto,omitempty"`
	Year      string `json:"year,omitempty"`
}

// OperationRequest is the POST /operations body.
type OperationRequest struct {
	Tercero           string            `json:"tercero" example:"A12345678"`
	Fecha             string            `json:"fecha" example:"15/01/2026"`
	Caja              string            `json:"caja,omitempty" example:"200"`
	Expediente        string            `json:"expediente,omitempty"`
	FPago             string            `json:"f_pago,omitempty"`
	TPago             string            `json:"t_pago,omitempty"`
	Texto             string            `json:"texto,omitempty"`
	Aplicaciones      []LineItemRequest `json:"aplicaciones"`
	DuplicatePolicy   string            `json:"duplicate_policy,omitempty" example:"check_only"`
	ConfirmationToken string            `json:"confirmation_token,omitempty"`
	CheckID           string            `json:"check_id,omitempty"`
}

func (r OperationRequest) descriptor() domain.OperationDescriptor {
	d := domain.OperationDescriptor{
		Tercero:           r.Tercero,
		Fecha:             r.Fecha,
		Caja:              r.Caja,
		Expediente:        r.Expediente,
		FPago:             r.FPago,
		TPago:             r.TPago,
		Texto:             r.Texto,
		DuplicatePolicy:   domain.DuplicatePolicy(r.DuplicatePolicy),
		ConfirmationToken: r.ConfirmationToken,
		CheckID:           r.CheckID,
	}
	for _, item := range r.Aplicaciones {
		d.Aplicaciones = append(d.Aplicaciones, domain.LineItem{
			Funcional: item.Funcional,
			Economica: item.Economica,
			Importe:   item.Importe,
			Cuenta:    item.Cuenta,
			Proyecto:  item.Proyecto,
			Year:      item.Year,
		})
	}
	return d
}

// OperationResultBody wraps a terminal operation result.
type OperationResultBody struct {
	Result domain.OperationResult `json:"result"`
}

// HistoryListResponse wraps history listings.
type HistoryListResponse struct {
	Items []repo.HistoryRecord `json:"items"`
}

// StatusResponse reports live security-state counters.
type StatusResponse struct {
	Status        string                   `json:"status" example:"ok"`
	Tokens        token.Stats              `json:"tokens"`
	RateLimits    []ratelimit.WindowUsage  `json:"rate_limits"`
	BusinessHours *ratelimit.BusinessHours `json:"business_hours,omitempty"`
}
