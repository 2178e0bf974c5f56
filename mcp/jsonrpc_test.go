package mcp

import (
	"encoding/json"
	"testing"
)

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		request Request
		wantErr bool
		code    int
	}{
		{
			name:    "valid_request",
			request: Request{JSONRPC: "2.0", Method: "ping", ID: float64(1)},
			wantErr: false,
		},
		{
			name:    "valid_notification",
			request: Request{JSONRPC: "2.0", Method: "notifications/initialized"},
			wantErr: false,
		},
		{
			name:    "wrong_version",
			request: Request{JSONRPC: "1.0", Method: "ping", ID: float64(1)},
			wantErr: true,
			code:    ErrCodeInvalidRequest,
		},
		{
			name:    "missing_version",
			request: Request{Method: "ping", ID: float64(1)},
			wantErr: true,
			code:    ErrCodeInvalidRequest,
		},
		{
			name:    "empty_method",
			request: Request{JSONRPC: "2.0", ID: float64(1)},
			wantErr: true,
			code:    ErrCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.request.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected validation error, got nil")
				}
				if err.Code != tt.code {
					t.Errorf("expected code %d, got %d", tt.code, err.Code)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestIsNotification(t *testing.T) {
	req := NewRequest("ping", nil, nil)
	if !req.IsNotification() {
		t.Error("request without id should be a notification")
	}

	req = NewRequest("ping", nil, 1)
	if req.IsNotification() {
		t.Error("request with id should not be a notification")
	}
}

func TestIsBatch(t *testing.T) {
	if !IsBatch([]byte(`  [{"jsonrpc":"2.0"}]`)) {
		t.Error("array payload should be detected as batch")
	}
	if IsBatch([]byte(`{"jsonrpc":"2.0"}`)) {
		t.Error("object payload should not be detected as batch")
	}
	if IsBatch(nil) {
		t.Error("empty payload should not be detected as batch")
	}
}

func TestResponseMarshalShape(t *testing.T) {
	resp := NewErrorResponse("abc", ErrCodeMethodNotFound, "method not found: nope", nil)
	data, err := resp.Marshal()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if decoded["jsonrpc"] != "2.0" {
		t.Errorf("expected jsonrpc 2.0, got %v", decoded["jsonrpc"])
	}
	if decoded["id"] != "abc" {
		t.Errorf("expected id abc, got %v", decoded["id"])
	}
	if _, hasResult := decoded["result"]; hasResult {
		t.Error("error response must not carry a result")
	}
	errObj, ok := decoded["error"].(map[string]interface{})
	if !ok {
		t.Fatal("expected error object")
	}
	if errObj["code"] != float64(ErrCodeMethodNotFound) {
		t.Errorf("expected code %d, got %v", ErrCodeMethodNotFound, errObj["code"])
	}

	ok2 := NewSuccessResponse(float64(7), map[string]interface{}{})
	data, err = ok2.Marshal()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	decoded = nil
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if _, hasError := decoded["error"]; hasError {
		t.Error("success response must not carry an error")
	}
	if _, hasResult := decoded["result"]; !hasResult {
		t.Error("success response must carry a result")
	}
}

func TestVersionDetector(t *testing.T) {
	d := NewVersionDetector()

	tests := []struct {
		requested string
		want      string
		wantErr   bool
	}{
		{requested: "2025-03-26", want: "2025-03-26"},
		{requested: "2024-11-05", want: "2024-11-05"},
		{requested: "draft", want: "draft"},
		{requested: "2025-06-18", want: "2025-06-18"}, // newer point revision
		{requested: "1999-01-01", wantErr: true},
		{requested: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := d.Validate(tt.requested)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Validate(%q): expected error", tt.requested)
			}
			continue
		}
		if err != nil {
			t.Errorf("Validate(%q): unexpected error: %v", tt.requested, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Validate(%q) = %q, want %q", tt.requested, got, tt.want)
		}
	}
}
