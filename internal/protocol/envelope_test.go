package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

var testTS = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		op      Op
		opts    Options
		wantErr bool
	}{
		{"emit include", OpEmit, Options{IncludeHandlers: []string{"a"}}, false},
		{"emit exclude", OpEmit, Options{ExcludeHandlers: []string{"a"}}, false},
		{"emit both", OpEmit, Options{IncludeHandlers: []string{"a"}, ExcludeHandlers: []string{"b"}}, true},
		{"emit sids", OpEmit, Options{ExcludeSids: []string{"s"}}, true},
		{"emit timeout", OpEmit, Options{Timeout: time.Second}, true},
		{"broadcast sids", OpBroadcast, Options{ExcludeSids: []string{"s"}}, false},
		{"broadcast include", OpBroadcast, Options{IncludeHandlers: []string{"a"}}, true},
		{"broadcast exclude", OpBroadcast, Options{ExcludeHandlers: []string{"a"}}, true},
		{"broadcast timeout", OpBroadcast, Options{Timeout: time.Second}, true},
		{"request include", OpRequest, Options{IncludeHandlers: []string{"a"}, Timeout: time.Second}, false},
		{"request both", OpRequest, Options{IncludeHandlers: []string{"a"}, ExcludeHandlers: []string{"b"}}, true},
		{"request sids", OpRequest, Options{ExcludeSids: []string{"s"}}, true},
		{"request negative timeout", OpRequest, Options{Timeout: -time.Second}, true},
		{"request_all exclude", OpRequestAll, Options{ExcludeHandlers: []string{"a"}, Timeout: time.Second}, false},
		{"request_all include", OpRequestAll, Options{IncludeHandlers: []string{"a"}}, true},
		{"request_all sids", OpRequestAll, Options{ExcludeSids: []string{"s"}}, true},
		{"unknown op", Op(42), Options{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate(tt.op)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidOption) {
				t.Errorf("error %v does not wrap ErrInvalidOption", err)
			}
		})
	}
}

func TestOp_StringRoundTrip(t *testing.T) {
	for _, op := range []Op{OpEmit, OpBroadcast, OpRequest, OpRequestAll} {
		got, ok := ParseOp(op.String())
		if !ok || got != op {
			t.Errorf("ParseOp(%q) = %v, %v", op.String(), got, ok)
		}
	}
	if _, ok := ParseOp("event"); ok {
		t.Error("ParseOp accepted an inbound kind")
	}
}

func TestBuildEnvelope_DataMustBeObject(t *testing.T) {
	for _, data := range []any{[]int{1, 2}, "text", 42, true, json.RawMessage(`[1]`)} {
		if _, err := BuildEnvelope(testTS, data, Options{}); !errors.Is(err, ErrDataNotObject) {
			t.Errorf("BuildEnvelope(%v) error = %v, want ErrDataNotObject", data, err)
		}
	}

	env, err := BuildEnvelope(testTS, nil, Options{})
	if err != nil {
		t.Fatalf("BuildEnvelope(nil): %v", err)
	}
	if string(env.Data) != "{}" {
		t.Errorf("nil data = %s, want {}", env.Data)
	}

	type payload struct {
		Name string `json:"name"`
	}
	env, err = BuildEnvelope(testTS, payload{Name: "x"}, Options{})
	if err != nil {
		t.Fatalf("BuildEnvelope(struct): %v", err)
	}
	if string(env.Data) != `{"name":"x"}` {
		t.Errorf("struct data = %s", env.Data)
	}
}

func TestBuildEnvelope_CorrelationID(t *testing.T) {
	env, err := BuildEnvelope(testTS, nil, Options{CorrelationID: "  req-1 "})
	if err != nil {
		t.Fatalf("BuildEnvelope: %v", err)
	}
	if env.CorrelationID != "req-1" {
		t.Errorf("CorrelationID = %q, want trimmed", env.CorrelationID)
	}

	if _, err := BuildEnvelope(testTS, nil, Options{CorrelationID: "   "}); !errors.Is(err, ErrInvalidCorrelationID) {
		t.Errorf("blank correlation id error = %v", err)
	}

	a, _ := BuildEnvelope(testTS, nil, Options{})
	b, _ := BuildEnvelope(testTS, nil, Options{})
	if a.CorrelationID == "" || a.CorrelationID == b.CorrelationID {
		t.Errorf("generated ids %q, %q", a.CorrelationID, b.CorrelationID)
	}
}

func TestNewCorrelationID_Prefix(t *testing.T) {
	id := NewCorrelationID("chat")
	if !strings.HasPrefix(id, "chat-") || len(id) != len("chat-")+36 {
		t.Errorf("NewCorrelationID(chat) = %q", id)
	}
	if id := NewCorrelationID(" "); len(id) != 36 {
		t.Errorf("blank prefix produced %q", id)
	}
}

func TestBuildEnvelope_NormalizesLists(t *testing.T) {
	env, err := BuildEnvelope(testTS, nil, Options{
		ExcludeSids:     []string{"s1", " s2 ", "s1", "", "  "},
		IncludeHandlers: []string{"", " "},
	})
	if err != nil {
		t.Fatalf("BuildEnvelope: %v", err)
	}
	if !reflect.DeepEqual(env.ExcludeSids, []string{"s1", "s2"}) {
		t.Errorf("ExcludeSids = %v", env.ExcludeSids)
	}
	if env.IncludeHandlers != nil {
		t.Errorf("blank list not omitted: %v", env.IncludeHandlers)
	}

	b, err := env.Encode(OpBroadcast, 0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.Contains(string(b), "includeHandlers") {
		t.Errorf("encoded envelope carries empty list: %s", b)
	}
}

func TestEnvelope_EncodeSizeCap(t *testing.T) {
	env, err := BuildEnvelope(testTS, map[string]any{"blob": strings.Repeat("x", 100)}, Options{})
	if err != nil {
		t.Fatalf("BuildEnvelope: %v", err)
	}
	_, err = env.Encode(OpEmit, 64)
	var sizeErr *SizeError
	if !errors.As(err, &sizeErr) || !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("Encode error = %v, want SizeError", err)
	}
	if sizeErr.Limit != 64 || sizeErr.Size <= 64 || sizeErr.Op != OpEmit {
		t.Errorf("SizeError = %+v", sizeErr)
	}
}

func TestEnvelope_EncodeDefaultCap(t *testing.T) {
	if testing.Short() {
		t.Skip("allocates more than 50 MiB")
	}
	env, err := BuildEnvelope(testTS, map[string]string{"blob": strings.Repeat("x", MaxPayloadBytes)}, Options{})
	if err != nil {
		t.Fatalf("BuildEnvelope: %v", err)
	}
	if _, err := env.Encode(OpRequest, 0); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("Encode error = %v, want ErrPayloadTooLarge", err)
	}
}

// An outbound envelope's data survives a reply built from it.
func TestEnvelope_RoundTripThroughDelivery(t *testing.T) {
	payloads := []any{
		nil,
		map[string]any{"x": 1.0},
		map[string]any{"nested": map[string]any{"list": []any{"a", "b"}}, "ok": true},
	}
	for _, data := range payloads {
		env, err := BuildEnvelope(testTS, data, Options{})
		if err != nil {
			t.Fatalf("BuildEnvelope(%v): %v", data, err)
		}

		reply, _ := json.Marshal(map[string]any{
			"handlerId":     "h1",
			"eventId":       "evt_1",
			"correlationId": env.CorrelationID,
			"ts":            env.TS.Format(time.RFC3339Nano),
			"data":          env.Data,
		})
		d, err := ValidateServerEnvelope(reply)
		if err != nil {
			t.Fatalf("ValidateServerEnvelope: %v", err)
		}

		var want map[string]any
		_ = json.Unmarshal(env.Data, &want)
		if !reflect.DeepEqual(d.Data(), want) {
			t.Errorf("data = %v, want %v", d.Data(), want)
		}
		if d.CorrelationID() != env.CorrelationID {
			t.Errorf("correlation id = %q, want %q", d.CorrelationID(), env.CorrelationID)
		}
	}
}
