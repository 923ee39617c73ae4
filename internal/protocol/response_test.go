package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeResponse(t *testing.T) {
	raw := json.RawMessage(`{"correlationId":"c1","results":[{"handlerId":"h","ok":true,"data":{"n":2}},{"handlerId":"g","ok":false,"error":{"code":"E_BUSY"}}]}`)
	resp, err := DecodeResponse(raw, "c1")
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	first, ok := resp.First()
	if !ok || !first.OK {
		t.Fatalf("First() = %+v, %v", first, ok)
	}
	var v struct{ N int }
	if err := first.Decode(&v); err != nil || v.N != 2 {
		t.Errorf("Decode = %+v, %v", v, err)
	}
	if resp.Results[1].OK || resp.Results[1].Error.Code != "E_BUSY" {
		t.Errorf("failed entry = %+v", resp.Results[1])
	}
	if err := resp.Results[1].Decode(&v); err == nil {
		t.Error("Decode of entry without data succeeded")
	}
}

func TestDecodeResponse_Mismatch(t *testing.T) {
	_, err := DecodeResponse(json.RawMessage(`{"correlationId":"other","results":[]}`), "c1")
	if !errors.Is(err, ErrCorrelationMismatch) {
		t.Fatalf("error = %v, want ErrCorrelationMismatch", err)
	}
}

func TestDecodeResponderResults(t *testing.T) {
	raw := json.RawMessage(`[
		{"sid":"s1","correlationId":"c1","results":[{"handlerId":"h","ok":true}]},
		{"sid":null,"correlationId":null,"results":[{"handlerId":"h","ok":false,"error":{"code":"E_FAIL"}}]}
	]`)
	results, err := DecodeResponderResults(raw, "c1")
	if err != nil {
		t.Fatalf("DecodeResponderResults: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len = %d", len(results))
	}
	if results[1].SID != "" || results[1].CorrelationID != "" {
		t.Errorf("null fields decoded as %+v", results[1])
	}
	if results[1].Results[0].OK {
		t.Error("failed responder reported ok")
	}

	_, err = DecodeResponderResults(json.RawMessage(`[{"sid":"s","correlationId":"zz","results":[]}]`), "c1")
	if !errors.Is(err, ErrCorrelationMismatch) {
		t.Errorf("error = %v, want ErrCorrelationMismatch", err)
	}
}

func TestResponse_FirstEmpty(t *testing.T) {
	var resp *Response
	if _, ok := resp.First(); ok {
		t.Error("First() on nil response reported ok")
	}
}
