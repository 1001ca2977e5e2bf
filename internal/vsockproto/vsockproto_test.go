package vsockproto

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestRequestRoundTrip_Command(t *testing.T) {
	wd := "/tmp"
	timeout := uint64(30)
	want := Request{
		Type: RequestCommand,
		Command: &Command{
			ID:             "cmd_1",
			Command:        "echo",
			Args:           []string{"hello"},
			WorkingDir:     &wd,
			TimeoutSeconds: &timeout,
		},
	}

	encoded, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(encoded, &raw); err != nil {
		t.Fatalf("unmarshal into map: %v", err)
	}
	if raw["type"] != "Command" {
		t.Fatalf(`encoded "type" = %v, want "Command"`, raw["type"])
	}

	var got Request
	if err := json.Unmarshal(encoded, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if got.Type != want.Type || got.Command == nil {
		t.Fatalf("got = %+v, want %+v", got, want)
	}
	if !reflect.DeepEqual(*got.Command, *want.Command) {
		t.Errorf("Command = %+v, want %+v", *got.Command, *want.Command)
	}
}

func TestRequestRoundTrip_HTTPProxy(t *testing.T) {
	want := Request{
		Type: RequestHTTPProxy,
		HTTPProxy: &HTTPProxyRequest{
			Method:  "POST",
			URL:     "https://example.com/x:y:z",
			Headers: map[string][]string{"Content-Type": {"application/json"}},
			Body:    []byte(`{"a":"x:y:z"}`),
		},
	}

	encoded, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got Request
	if err := json.Unmarshal(encoded, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if got.Type != want.Type || got.HTTPProxy == nil {
		t.Fatalf("got = %+v, want %+v", got, want)
	}
	if got.HTTPProxy.Method != want.HTTPProxy.Method || got.HTTPProxy.URL != want.HTTPProxy.URL {
		t.Errorf("HTTPProxy = %+v, want %+v", got.HTTPProxy, want.HTTPProxy)
	}
	if string(got.HTTPProxy.Body) != string(want.HTTPProxy.Body) {
		t.Errorf("Body = %q, want %q", got.HTTPProxy.Body, want.HTTPProxy.Body)
	}
}

func TestResponseRoundTrip_Command(t *testing.T) {
	want := Response{
		Type:    ResponseCommand,
		Command: &CommandResult{ID: "cmd_1", ExitCode: 0, Stdout: "hello\n", Stderr: ""},
	}

	encoded, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got Response
	if err := json.Unmarshal(encoded, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if got.Type != want.Type || got.Command == nil || *got.Command != *want.Command {
		t.Errorf("got = %+v, want %+v", got, want)
	}
}

func TestResponseRoundTrip_HTTPProxy(t *testing.T) {
	want := Response{
		Type: ResponseHTTPProxy,
		HTTPProxy: &HTTPProxyResponse{
			StatusCode: 500,
			Headers:    map[string][]string{},
			Error:      "connection refused",
		},
	}

	encoded, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got Response
	if err := json.Unmarshal(encoded, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if got.Type != want.Type || got.HTTPProxy == nil {
		t.Fatalf("got = %+v, want %+v", got, want)
	}
	if got.HTTPProxy.StatusCode != want.HTTPProxy.StatusCode || got.HTTPProxy.Error != want.HTTPProxy.Error {
		t.Errorf("HTTPProxy = %+v, want %+v", got.HTTPProxy, want.HTTPProxy)
	}
}

func TestUnmarshalRequest_UnknownType(t *testing.T) {
	var r Request
	if err := json.Unmarshal([]byte(`{"type":"Bogus"}`), &r); err == nil {
		t.Error("expected error for unknown request type")
	}
}
