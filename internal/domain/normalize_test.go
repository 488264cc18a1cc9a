package domain

import (
	"strings"
	"testing"
)

func validDescriptor() OperationDescriptor {
	return OperationDescriptor{
		Tercero: "A12345678",
		Fecha:   "15/01/2026",
		Aplicaciones: []LineItem{
			{Funcional: "338", Economica: "22799", Importe: "150,00"},
		},
	}
}

func TestNormalizeDefaults(t *testing.T) {
	d, err := Normalize(validDescriptor())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if d.Caja != DefaultCaja {
		t.Fatalf("caja %q, want %q", d.Caja, DefaultCaja)
	}
	if d.FPago != DefaultFPago || d.TPago != DefaultTPago {
		t.Fatalf("payment defaults not applied: %q %q", d.FPago, d.TPago)
	}
	if d.Texto != DefaultTexto {
		t.Fatalf("texto %q, want %q", d.Texto, DefaultTexto)
	}
	if d.Expediente != DefaultExpediente {
		t.Fatalf("expediente %q, want %q", d.Expediente, DefaultExpediente)
	}
	if d.DuplicatePolicy != PolicyAbortOnDuplicate {
		t.Fatalf("policy %q, want abort_on_duplicate default", d.DuplicatePolicy)
	}
}

func TestNormalizeDateFormats(t *testing.T) {
	for _, in := range []string{"15/01/2026", "15-01-2026", "15012026"} {
		d := validDescriptor()
		d.Fecha = in
		out, err := Normalize(d)
		if err != nil {
			t.Fatalf("fecha %q: %v", in, err)
		}
		if out.Fecha != "15012026" {
			t.Fatalf("fecha %q normalized to %q, want 15012026", in, out.Fecha)
		}
	}
}

func TestNormalizeFinalizeSuffix(t *testing.T) {
	d := validDescriptor()
	d.Texto = "Pago factura_FIN"
	out, err := Normalize(d)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !out.Finalize {
		t.Fatal("finalize flag not set")
	}
	if out.Texto != "Pago factura" {
		t.Fatalf("texto %q, suffix should be stripped", out.Texto)
	}
}

func TestNormalizeCajaCodeExtraction(t *testing.T) {
	d := validDescriptor()
	d.Caja = "201 - CAJA OPERATIVA"
	out, err := Normalize(d)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if out.Caja != "201" {
		t.Fatalf("caja %q, want 201", out.Caja)
	}
}

func TestNormalizeRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*OperationDescriptor)
		wantErr string
	}{
		{"missing tercero", func(d *OperationDescriptor) { d.Tercero = "" }, "tercero is required"},
		{"bad tercero", func(d *OperationDescriptor) { d.Tercero = "XYZ" }, "NIF/CIF"},
		{"bad fecha", func(d *OperationDescriptor) { d.Fecha = "2026-01" }, "DDMMYYYY"},
		{"no line items", func(d *OperationDescriptor) { d.Aplicaciones = nil }, "at least one line item"},
		{"missing codes", func(d *OperationDescriptor) { d.Aplicaciones[0].Funcional = "" }, "funcional and economica"},
		{"bad importe", func(d *OperationDescriptor) { d.Aplicaciones[0].Importe = "abc" }, "not a number"},
		{"zero importe", func(d *OperationDescriptor) { d.Aplicaciones[0].Importe = "0" }, "must be positive"},
		{"negative importe", func(d *OperationDescriptor) { d.Aplicaciones[0].Importe = "-5,00" }, "must be positive"},
		{"unknown policy", func(d *OperationDescriptor) { d.DuplicatePolicy = "maybe" }, "unknown duplicate_policy"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := validDescriptor()
			tc.mutate(&d)
			_, err := Normalize(d)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	d := validDescriptor()
	if _, err := Normalize(d); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if d.Caja != "" || d.Texto != "" {
		t.Fatalf("input mutated: %+v", d)
	}
}

func TestParseImporte(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"150,00", 150, true},
		{"150.00", 150, true},
		{"150", 150, true},
		{"0,5", 0.5, true},
		{" 12,34 ", 12.34, true},
		{"12,345", 0, false},
		{"", 0, false},
		{"abc", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseImporte(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("ParseImporte(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Fatalf("ParseImporte(%q) should fail", tc.in)
		}
	}
}

func TestTerceroShapes(t *testing.T) {
	good := []string{"A12345678", "12345678Z"}
	bad := []string{"a12345678", "1234567Z", "A1234567", "AB1234567", ""}
	for _, v := range good {
		d := validDescriptor()
		d.Tercero = v
		if _, err := Normalize(d); err != nil {
			t.Fatalf("tercero %q should pass: %v", v, err)
		}
	}
	for _, v := range bad {
		d := validDescriptor()
		d.Tercero = v
		if _, err := Normalize(d); err == nil {
			t.Fatalf("tercero %q should fail", v)
		}
	}
}
