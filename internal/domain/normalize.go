package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Defaults applied during normalization when the inbound request omits a
// field. These mirror the values the legacy entry forms pre-fill.
const (
	DefaultCaja       = "200"
	DefaultFPago      = "10"
	DefaultTPago      = "10"
	DefaultTexto      = "ADO...."
	DefaultExpediente = "rbt-apunte-ADO"
)

// FinalizeSuffix on the operation text requests automatic finalization.
const FinalizeSuffix = "_FIN"

var (
	terceroPattern = regexp.MustCompile(`^[A-Z][0-9]{8}$|^[0-9]{8}[A-Z]$`)
	fechaPattern   = regexp.MustCompile(`^\d{8}$`)
	cajaDigits     = regexp.MustCompile(`\d+`)
)

// Normalize applies defaults and canonical formats to a descriptor and
// validates its structure. It returns the normalized copy; the input is not
// modified. Descriptors must pass Normalize before being hashed or executed.
func Normalize(d OperationDescriptor) (OperationDescriptor, error) {
	if d.DuplicatePolicy == "" {
		d.DuplicatePolicy = PolicyAbortOnDuplicate
	}
	if !d.DuplicatePolicy.Valid() {
		return d, fmt.Errorf("unknown duplicate_policy %q", d.DuplicatePolicy)
	}
	if d.Caja == "" {
		d.Caja = DefaultCaja
	}
	d.Caja = extractCajaCode(d.Caja)
	if d.FPago == "" {
		d.FPago = DefaultFPago
	}
	if d.TPago == "" {
		d.TPago = DefaultTPago
	}
	if d.Texto == "" {
		d.Texto = DefaultTexto
	}
	if d.Expediente == "" {
		d.Expediente = DefaultExpediente
	}
	if trimmed, ok := strings.CutSuffix(d.Texto, FinalizeSuffix); ok {
		d.Texto = trimmed
		d.Finalize = true
	}
	d.Fecha = toSicalDate(d.Fecha)

	if d.Tercero == "" {
		return d, fmt.Errorf("tercero is required")
	}
	if !terceroPattern.MatchString(d.Tercero) {
		return d, fmt.Errorf("tercero %q does not match the expected NIF/CIF shape", d.Tercero)
	}
	if !fechaPattern.MatchString(d.Fecha) {
		return d, fmt.Errorf("fecha %q must be DDMMYYYY", d.Fecha)
	}
	if len(d.Aplicaciones) == 0 {
		return d, fmt.Errorf("at least one line item is required")
	}
	items := make([]LineItem, len(d.Aplicaciones))
	copy(items, d.Aplicaciones)
	for i, item := range items {
		if item.Funcional == "" || item.Economica == "" {
			return d, fmt.Errorf("line item %d: funcional and economica are required", i+1)
		}
		amount, err := ParseImporte(item.Importe)
		if err != nil {
			return d, fmt.Errorf("line item %d: %w", i+1, err)
		}
		if amount <= 0 {
			return d, fmt.Errorf("line item %d: importe must be positive", i+1)
		}
	}
	d.Aplicaciones = items
	return d, nil
}

// ParseImporte parses an amount string, accepting both comma and dot decimal
// separators, and rejects more than two decimal places.
func ParseImporte(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("importe is required")
	}
	normalized := strings.ReplaceAll(s, ",", ".")
	if idx := strings.IndexByte(normalized, '.'); idx >= 0 && len(normalized)-idx-1 > 2 {
		return 0, fmt.Errorf("importe %q has more than two decimals", s)
	}
	v, err := strconv.ParseFloat(normalized, 64)
	if err != nil {
		return 0, fmt.Errorf("importe %q is not a number", s)
	}
	return v, nil
}

// toSicalDate converts DD/MM/YYYY or DD-MM-YYYY into DDMMYYYY. Dates already
// in DDMMYYYY form pass through unchanged.
func toSicalDate(fecha string) string {
	fecha = strings.TrimSpace(fecha)
	fecha = strings.ReplaceAll(fecha, "/", "")
	fecha = strings.ReplaceAll(fecha, "-", "")
	return fecha
}

// extractCajaCode pulls the numeric cash-register code out of values like
// "200 - CAJA GENERAL".
func extractCajaCode(caja string) string {
	if code := cajaDigits.FindString(caja); code != "" {
		return code
	}
	return strings.TrimSpace(caja)
}
