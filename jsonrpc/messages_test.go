package jsonrpc_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/rpckit/sessiongate/jsonrpc"
)

func TestAnyMessageClassification(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    string
	}{
		{"request", `{"jsonrpc":"2.0","method":"ping","id":1}`, "request"},
		{"notification", `{"jsonrpc":"2.0","method":"progress"}`, "notification"},
		{"result response", `{"jsonrpc":"2.0","result":{},"id":"a"}`, "response"},
		{"error response", `{"jsonrpc":"2.0","error":{"code":-32601,"message":"nope"},"id":2}`, "response"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var msg jsonrpc.AnyMessage
			if err := json.Unmarshal([]byte(tc.payload), &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := msg.Type(); got != tc.want {
				t.Fatalf("type: want %q got %q", tc.want, got)
			}
		})
	}
}

func TestAnyMessageValidation(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"wrong version", `{"jsonrpc":"1.0","method":"ping","id":1}`},
		{"request with result", `{"jsonrpc":"2.0","method":"ping","result":{},"id":1}`},
		{"response with both", `{"jsonrpc":"2.0","result":{},"error":{"code":1,"message":"x"},"id":1}`},
		{"response with neither", `{"jsonrpc":"2.0","id":1}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var msg jsonrpc.AnyMessage
			if err := json.Unmarshal([]byte(tc.payload), &msg); err == nil {
				t.Fatalf("expected validation error for %s", tc.payload)
			}
		})
	}
}

func TestIsInitialize(t *testing.T) {
	var init jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"initialize","id":1,"params":{}}`), &init); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !init.IsInitialize() {
		t.Fatalf("expected initialize request to be recognized")
	}

	var note jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"initialize"}`), &note); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if note.IsInitialize() {
		t.Fatalf("initialize without an ID is a notification, not session creation")
	}
}

func TestErrorResponseCarriesNullID(t *testing.T) {
	res := jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidSession, "Bad Request: No valid session ID provided")
	b, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"id":null`) {
		t.Fatalf("protocol error must carry explicit null id, got %s", b)
	}
	if !strings.Contains(string(b), `-32000`) {
		t.Fatalf("expected invalid-session code, got %s", b)
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		str  string
	}{
		{"int", `7`, "7"},
		{"string", `"abc"`, "abc"},
		{"float", `1.5`, "1.5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var id jsonrpc.RequestID
			if err := json.Unmarshal([]byte(tc.raw), &id); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := id.String(); got != tc.str {
				t.Fatalf("string: want %q got %q", tc.str, got)
			}
			b, err := json.Marshal(&id)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(b) != tc.raw {
				t.Fatalf("round trip: want %s got %s", tc.raw, b)
			}
		})
	}
}
