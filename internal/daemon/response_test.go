package daemon

import (
	"encoding/json"
	"testing"
)

func TestResponseAddMessage(t *testing.T) {
	r := &Response{}

	r.AddMessage("hello", StatusInfo)
	r.AddMessage("warning", StatusWarn)

	if len(r.Messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(r.Messages))
	}
	if r.Messages[0].Message != "hello" || r.Messages[0].Status != "INFO" {
		t.Errorf("First message = %+v, want {hello, INFO}", r.Messages[0])
	}
	if r.Failed() {
		t.Error("Expected response without errors not to be failed")
	}

	r.AddMessage("boom", StatusError)
	if !r.Failed() {
		t.Error("Expected response with an error message to be failed")
	}
}

func TestResponseDataRoundTrip(t *testing.T) {
	r := &Response{}
	r.AddMessage("OK", StatusInfo)
	r.AddData(VersionInfo{Version: "v1.0.0", PID: 42})

	var parsed Response
	if err := json.Unmarshal([]byte(r.ToJSON()), &parsed); err != nil {
		t.Fatalf("ToJSON() produced invalid JSON: %v", err)
	}

	var info VersionInfo
	if err := parsed.DecodeData(&info); err != nil {
		t.Fatalf("DecodeData() error = %v", err)
	}
	if info.Version != "v1.0.0" || info.PID != 42 {
		t.Errorf("Unexpected data: %+v", info)
	}
}

func TestResponseWithoutData(t *testing.T) {
	r := &Response{}
	r.AddMessage("OK", StatusInfo)

	var parsed map[string]any
	if err := json.Unmarshal([]byte(r.ToJSON()), &parsed); err != nil {
		t.Fatalf("ToJSON() produced invalid JSON: %v", err)
	}
	if _, ok := parsed["data"]; ok {
		t.Error("Expected data to be omitted")
	}

	var info VersionInfo
	if err := r.DecodeData(&info); err != nil {
		t.Errorf("DecodeData() on empty data error = %v", err)
	}
}

func TestResponseAddDataUnencodable(t *testing.T) {
	r := &Response{}
	r.AddData(make(chan int))

	if r.Data != nil {
		t.Error("Expected no data for an unencodable value")
	}
	if !r.Failed() {
		t.Error("Expected an error message for an unencodable value")
	}
}
