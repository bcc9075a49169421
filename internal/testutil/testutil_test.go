package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAssertJSONResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.Header().Set("Content-Type", "application/json")
	rr.WriteHeader(http.StatusOK)
	rr.WriteString(`{"status":"ok","result":{"n":1}}`)

	resp := AssertJSONResponse(t, rr, "ok")
	result, ok := resp["result"].(map[string]interface{})
	if !ok || result["n"].(float64) != 1 {
		t.Errorf("result = %+v", resp["result"])
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/flows", map[string]string{"id": "x"})
	if req.Method != http.MethodPost || req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("request = %s %v", req.Method, req.Header)
	}
	var body map[string]string
	buf := make([]byte, 64)
	n, _ := req.Body.Read(buf)
	MustUnmarshalJSON(t, buf[:n], &body)
	if body["id"] != "x" {
		t.Errorf("body = %v", body)
	}
}

func TestSampleFlowIsValid(t *testing.T) {
	f := SampleFlow("flow_sample")
	f.Normalize()
	if err := f.Validate(); err != nil {
		t.Fatalf("SampleFlow invalid: %v", err)
	}
}

func TestNewSQLiteStore(t *testing.T) {
	s := NewSQLiteStore(t)
	if err := s.SaveFlow(context.Background(), SampleFlow("flow_sqlite")); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}
	got, err := s.GetFlow(context.Background(), "flow_sqlite")
	if err != nil || got.ID != "flow_sqlite" {
		t.Errorf("GetFlow = %+v, %v", got, err)
	}
}
