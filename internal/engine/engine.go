// Package engine orchestrates operation requests: duplicate checking,
// confirmation-token validation and rate limiting all run before the
// downstream form submission, which is the expensive, irreversible step.
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"sicalgate/internal/audit"
	"sicalgate/internal/domain"
	"sicalgate/internal/ratelimit"
	"sicalgate/internal/repo"
	"sicalgate/internal/token"
)

// SearchResult is what the duplicate-search collaborator returns.
type SearchResult struct {
	Matches  []domain.DuplicateMatch
	Criteria map[string]string
}

// DuplicateSearcher finds prior operations similar to the descriptor.
type DuplicateSearcher interface {
	Search(ctx context.Context, d domain.OperationDescriptor) (SearchResult, error)
}

// SubmitOutcome is what the form-submission collaborator returns on success.
type SubmitOutcome struct {
	NumOperacion   string
	TotalOperacion float64
}

// Submitter enters the operation into the downstream application. It is
// only ever invoked after every applicable guard has passed.
type Submitter interface {
	Submit(ctx context.Context, d domain.OperationDescriptor) (SubmitOutcome, error)
}

// Engine executes operation descriptors. Construct once at process start
// and share across callers; the token service and limiter carry their own
// locking.
type Engine struct {
	Tokens  *token.Service
	Limits  *ratelimit.Limiter
	Search  DuplicateSearcher
	Submit  Submitter
	Audit   audit.Sink
	History *repo.HistoryStore
	Logger  *log.Logger
	Now     func() time.Time
}

// New wires an engine with a default clock and logger.
func New(tokens *token.Service, limits *ratelimit.Limiter, search DuplicateSearcher, submit Submitter, sink audit.Sink) Engine {
	return Engine{
		Tokens: tokens,
		Limits: limits,
		Search: search,
		Submit: submit,
		Audit:  sink,
		Logger: log.Default(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// execState enumerates the orchestration states. The three early exits
// (check-only, abort-on-duplicate, guard rejection) each map to a
// transition into stateDone without ever reaching stateSubmit.
type execState int

const (
	stateStart execState = iota
	stateCheck
	stateAuthorize
	stateSubmit
	stateDone
)

// Execute runs one descriptor to a terminal result. It never panics on bad
// input and never returns a non-terminal status.
func (e Engine) Execute(ctx context.Context, d domain.OperationDescriptor) domain.OperationResult {
	start := e.now()
	res := domain.OperationResult{
		Status:          domain.StatusPending,
		InitTime:        start.UTC().Format(time.RFC3339),
		CompletedPhases: []domain.Phase{},
		SimiliarRecords: -1,
	}

	st := stateStart
	for st != stateDone {
		switch st {
		case stateStart:
			normalized, err := domain.Normalize(d)
			if err != nil {
				e.fail(&res, fmt.Sprintf("invalid operation: %v", err))
				st = stateDone
				break
			}
			d = normalized
			res.CompletedPhases = append(res.CompletedPhases, domain.Phase{
				Phase: "data_creation", Description: "Created operation data",
			})
			res.Status = domain.StatusInProgress
			if d.DuplicatePolicy == domain.PolicyForceCreate {
				st = stateAuthorize
			} else {
				st = stateCheck
			}

		case stateCheck:
			st = e.runDuplicateCheck(ctx, d, &res)

		case stateAuthorize:
			st = e.authorizeForceCreate(d, &res)

		case stateSubmit:
			e.runSubmit(ctx, d, &res)
			st = stateDone
		}
	}

	end := e.now()
	res.EndTime = end.UTC().Format(time.RFC3339)
	res.Duration = end.Sub(start).String()
	e.record(ctx, d, res, start, end)
	return res
}

// runDuplicateCheck handles check_only, abort_on_duplicate and
// warn_and_continue. check_only is always terminal; abort_on_duplicate is
// terminal only when matches exist.
func (e Engine) runDuplicateCheck(ctx context.Context, d domain.OperationDescriptor, res *domain.OperationResult) execState {
	found, err := e.Search.Search(ctx, d)
	if err != nil {
		e.logger().Printf("duplicate search failed for tercero %s: %v", d.Tercero, err)
		e.fail(res, fmt.Sprintf("duplicate search failed: %v", err))
		return stateDone
	}
	res.SimiliarRecords = len(found.Matches)
	res.DuplicateCheckMeta = &domain.CheckMetadata{
		CheckID:        d.CheckID,
		CheckTimestamp: e.now().UTC().Format(time.RFC3339),
		SearchCriteria: found.Criteria,
	}
	res.CompletedPhases = append(res.CompletedPhases, domain.Phase{
		Phase:       "duplicate_check",
		Description: fmt.Sprintf("Similar records checked: %d found", len(found.Matches)),
	})

	if len(found.Matches) > 0 {
		res.DuplicateDetails = found.Matches
		id, expiresAt := e.Tokens.Issue(d)
		res.ConfirmationToken = id
		res.TokenExpiresAtEpoch = float64(expiresAt.Unix())
		res.Status = domain.StatusPDuplicated

		switch d.DuplicatePolicy {
		case domain.PolicyCheckOnly, domain.PolicyAbortOnDuplicate:
			e.logger().Printf("found %d similar records for tercero %s, policy %s stops here",
				len(found.Matches), d.Tercero, d.DuplicatePolicy)
			return stateDone
		case domain.PolicyWarnAndContinue:
			e.logger().Printf("found %d similar records for tercero %s, continuing per policy",
				len(found.Matches), d.Tercero)
			res.Status = domain.StatusInProgress
			return stateSubmit
		}
	}

	if d.DuplicatePolicy == domain.PolicyCheckOnly {
		res.Status = domain.StatusCompleted
		return stateDone
	}
	return stateSubmit
}

// authorizeForceCreate validates the confirmation token and then the rate
// limiter, in that order, and writes exactly one audit record for the
// attempt. A token failure never reaches the rate limiter, so invalid
// requests cannot consume rate capacity.
func (e Engine) authorizeForceCreate(d domain.OperationDescriptor, res *domain.OperationResult) execState {
	if err := e.Tokens.ValidateAndConsume(d.ConfirmationToken, d); err != nil {
		e.audit(audit.ForceCreate(e.now(), d.Tercero, false, err.Error()))
		e.fail(res, fmt.Sprintf("Security validation failed: %v", err))
		return stateDone
	}
	if err := e.Limits.Allow(); err != nil {
		e.audit(audit.ForceCreate(e.now(), d.Tercero, true, err.Error()))
		e.fail(res, err.Error())
		return stateDone
	}
	e.audit(audit.ForceCreate(e.now(), d.Tercero, true, ""))
	res.CompletedPhases = append(res.CompletedPhases, domain.Phase{
		Phase: "security_validation", Description: "Force-create token and rate limit validated",
	})
	e.logger().Printf("force_create authorized for tercero %s", d.Tercero)
	return stateSubmit
}

// runSubmit invokes the downstream form-submission collaborator. All guards
// have passed by the time this runs.
func (e Engine) runSubmit(ctx context.Context, d domain.OperationDescriptor, res *domain.OperationResult) {
	var suma float64
	for _, app := range d.Aplicaciones {
		if v, err := domain.ParseImporte(app.Importe); err == nil {
			suma += v
		}
	}
	res.SumaAplicaciones = suma

	outcome, err := e.Submit.Submit(ctx, d)
	if err != nil {
		e.logger().Printf("submission failed for tercero %s: %v", d.Tercero, err)
		e.fail(res, fmt.Sprintf("submission failed: %v", err))
		return
	}
	res.NumOperacion = outcome.NumOperacion
	res.TotalOperacion = outcome.TotalOperacion
	res.CompletedPhases = append(res.CompletedPhases, domain.Phase{
		Phase: "data_entry", Description: "Operation entered into form",
	})
	res.Status = domain.StatusCompleted
}

func (e Engine) fail(res *domain.OperationResult, msg string) {
	res.Status = domain.StatusFailed
	res.Error = &msg
}

// audit appends a record; failures are logged but never surfaced into the
// operation result.
func (e Engine) audit(rec audit.Record) {
	if e.Audit == nil {
		return
	}
	if err := e.Audit.Append(rec); err != nil {
		e.logger().Printf("failed to write audit record: %v", err)
	}
}

// record persists the outcome in the history store when one is wired.
func (e Engine) record(ctx context.Context, d domain.OperationDescriptor, res domain.OperationResult, start, end time.Time) {
	if e.History == nil {
		return
	}
	taskID := d.CheckID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	rec := repo.HistoryRecord{
		ID:             uuid.NewString(),
		TaskID:         taskID,
		OperationType:  "ado220",
		NumOperacion:   res.NumOperacion,
		Fecha:          d.Fecha,
		Caja:           d.Caja,
		Tercero:        d.Tercero,
		Amount:         res.SumaAplicaciones,
		Texto:          d.Texto,
		TotalLineItems: len(d.Aplicaciones),
		Status:         string(res.Status),
		StartedAt:      start.UTC().Format(time.RFC3339),
		CompletedAt:    end.UTC().Format(time.RFC3339),
		DurationSecs:   end.Sub(start).Seconds(),
		ErrorMessage:   res.ErrorString(),
	}
	if len(d.Aplicaciones) > 0 {
		rec.Funcional = d.Aplicaciones[0].Funcional
		rec.Economica = d.Aplicaciones[0].Economica
		rec.Importe = d.Aplicaciones[0].Importe
	}
	if err := e.History.Insert(ctx, rec); err != nil {
		e.logger().Printf("failed to record operation history: %v", err)
	}
}
