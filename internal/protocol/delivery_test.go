package protocol

import (
	"errors"
	"testing"
	"time"
)

func TestValidateServerEnvelope_Valid(t *testing.T) {
	raw := `{"handlerId":"chat","eventId":"evt_1","correlationId":"c1","ts":"2026-03-01T12:00:00.123Z","data":{"x":1}}`
	d, err := ValidateServerEnvelope([]byte(raw))
	if err != nil {
		t.Fatalf("ValidateServerEnvelope: %v", err)
	}
	if d.HandlerID() != "chat" || d.EventID() != "evt_1" || d.CorrelationID() != "c1" {
		t.Errorf("unexpected ids: %+v", d)
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 123e6, time.UTC)
	if !d.TS().Equal(want) {
		t.Errorf("TS = %v, want %v", d.TS(), want)
	}
	var v struct{ X int }
	if err := d.Decode(&v); err != nil || v.X != 1 {
		t.Errorf("Decode = %+v, %v", v, err)
	}
}

func TestValidateServerEnvelope_DataDefaults(t *testing.T) {
	for _, raw := range []string{
		`{"handlerId":"h","eventId":"e","correlationId":"c","ts":"2026-03-01T12:00:00Z"}`,
		`{"handlerId":"h","eventId":"e","correlationId":"c","ts":"2026-03-01T12:00:00Z","data":null}`,
	} {
		d, err := ValidateServerEnvelope([]byte(raw))
		if err != nil {
			t.Fatalf("ValidateServerEnvelope(%s): %v", raw, err)
		}
		if string(d.RawData()) != "{}" {
			t.Errorf("data = %s, want {}", d.RawData())
		}
	}
}

func TestValidateServerEnvelope_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{"not object", `[1,2]`, ""},
		{"malformed", `{"handlerId":`, ""},
		{"missing handlerId", `{"eventId":"e","correlationId":"c","ts":"2026-03-01T12:00:00Z"}`, "handlerId"},
		{"empty eventId", `{"handlerId":"h","eventId":"","correlationId":"c","ts":"2026-03-01T12:00:00Z"}`, "eventId"},
		{"null correlationId", `{"handlerId":"h","eventId":"e","correlationId":null,"ts":"2026-03-01T12:00:00Z"}`, "correlationId"},
		{"numeric handlerId", `{"handlerId":7,"eventId":"e","correlationId":"c","ts":"2026-03-01T12:00:00Z"}`, "handlerId"},
		{"missing ts", `{"handlerId":"h","eventId":"e","correlationId":"c"}`, "ts"},
		{"bad ts", `{"handlerId":"h","eventId":"e","correlationId":"c","ts":"yesterday"}`, "ts"},
		{"array data", `{"handlerId":"h","eventId":"e","correlationId":"c","ts":"2026-03-01T12:00:00Z","data":[1]}`, "data"},
		{"string data", `{"handlerId":"h","eventId":"e","correlationId":"c","ts":"2026-03-01T12:00:00Z","data":"x"}`, "data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateServerEnvelope([]byte(tt.raw))
			var envErr *EnvelopeError
			if !errors.As(err, &envErr) {
				t.Fatalf("error = %v, want EnvelopeError", err)
			}
			if envErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", envErr.Field, tt.field)
			}
			if !errors.Is(err, ErrInvalidEnvelope) {
				t.Errorf("error does not wrap ErrInvalidEnvelope")
			}
		})
	}
}

func TestDelivery_DataIsCopied(t *testing.T) {
	raw := `{"handlerId":"h","eventId":"e","correlationId":"c","ts":"2026-03-01T12:00:00Z","data":{"x":1}}`
	d, err := ValidateServerEnvelope([]byte(raw))
	if err != nil {
		t.Fatalf("ValidateServerEnvelope: %v", err)
	}

	m := d.Data()
	m["x"] = 99
	if d.Data()["x"] != 1.0 {
		t.Errorf("mutating Data() leaked into delivery")
	}

	b := d.RawData()
	b[0] = '['
	if d.RawData()[0] != '{' {
		t.Errorf("mutating RawData() leaked into delivery")
	}
}
