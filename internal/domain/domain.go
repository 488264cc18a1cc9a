package domain

// DuplicatePolicy controls whether and how duplicate detection gates
// operation creation.
type DuplicatePolicy string

const (
	PolicyCheckOnly        DuplicatePolicy = "check_only"
	PolicyForceCreate      DuplicatePolicy = "force_create"
	PolicyAbortOnDuplicate DuplicatePolicy = "abort_on_duplicate"
	PolicyWarnAndContinue  DuplicatePolicy = "warn_and_continue"
)

// Valid reports whether the policy is one of the known values.
func (p DuplicatePolicy) Valid() bool {
	switch p {
	case PolicyCheckOnly, PolicyForceCreate, PolicyAbortOnDuplicate, PolicyWarnAndContinue:
		return true
	}
	return false
}

// Status states for operations.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusInProgress  Status = "IN_PROGRESS"
	StatusPDuplicated Status = "P_DUPLICATED" // possibly duplicated
	StatusCompleted   Status = "COMPLETED"
	StatusIncompleted Status = "INCOMPLETED"
	StatusFailed      Status = "FAILED"
)

// LineItem is one budget application line of an operation. The
// funcional/economica/importe triple identifies the line for duplicate
// detection and token binding; the remaining fields do not.
type LineItem struct {
	Funcional string `json:"funcional"`
	Economica string `json:"economica"`
	Importe   string `json:"importe"`
	Cuenta    string `json:"cuenta_pgp,omitempty"`
	Proyecto  string `json:"proyecto,omitempty"`
	Year      string `json:"year,omitempty"`
}

// OperationDescriptor is a normalized, policy-tagged operation request.
// Treat it as immutable once Normalize has accepted it: the binding hash
// computed at duplicate-check time must match the one recomputed at
// force-create time.
type OperationDescriptor struct {
	Tercero      string     `json:"tercero"`
	Fecha        string     `json:"fecha"` // DDMMYYYY after Normalize
	Caja         string     `json:"caja"`
	Expediente   string     `json:"expediente,omitempty"`
	FPago        string     `json:"fpago,omitempty"`
	TPago        string     `json:"tpago,omitempty"`
	Texto        string     `json:"texto,omitempty"`
	Aplicaciones []LineItem `json:"aplicaciones"`
	Finalize     bool       `json:"finalize,omitempty"`

	DuplicatePolicy   DuplicatePolicy `json:"duplicate_policy,omitempty"`
	ConfirmationToken string          `json:"duplicate_confirmation_token,omitempty"`
	CheckID           string          `json:"duplicate_check_id,omitempty"`
}

// DuplicateMatch summarizes one similar prior operation found by the
// duplicate search collaborator.
type DuplicateMatch struct {
	NumOperacion string `json:"num_operacion,omitempty"`
	Tercero      string `json:"tercero"`
	Fecha        string `json:"fecha"`
	Importe      string `json:"importe"`
	CreatedAt    string `json:"created_at,omitempty"`
}

// CheckMetadata echoes how a duplicate search was performed.
type CheckMetadata struct {
	CheckID        string            `json:"check_id,omitempty"`
	CheckTimestamp string            `json:"check_timestamp"`
	SearchCriteria map[string]string `json:"search_criteria"`
}

// Phase records a completed step of the operation workflow.
type Phase struct {
	Phase       string `json:"phase"`
	Description string `json:"description"`
}

// OperationResult is the outcome of one orchestrated operation. It is
// produced once per request and never mutated after return.
type OperationResult struct {
	Status           Status  `json:"status"`
	InitTime         string  `json:"init_time"`
	EndTime          string  `json:"end_time,omitempty"`
	Duration         string  `json:"duration,omitempty"`
	Error            *string `json:"error"`
	NumOperacion     string  `json:"num_operacion,omitempty"`
	TotalOperacion   float64 `json:"total_operacion,omitempty"`
	SumaAplicaciones float64 `json:"suma_aplicaciones,omitempty"`
	CompletedPhases  []Phase `json:"completed_phases"`

	// similiar_records_encountered keeps the historical wire spelling;
	// -1 means no duplicate check ran.
	SimiliarRecords      int              `json:"similiar_records_encountered"`
	DuplicateDetails     []DuplicateMatch `json:"duplicate_details,omitempty"`
	DuplicateCheckMeta   *CheckMetadata   `json:"duplicate_check_metadata,omitempty"`
	ConfirmationToken    string           `json:"duplicate_confirmation_token,omitempty"`
	TokenExpiresAtEpoch  float64          `json:"duplicate_token_expires_at,omitempty"`
}

// ErrorString returns the error message or "" when the result carries none.
func (r OperationResult) ErrorString() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}
