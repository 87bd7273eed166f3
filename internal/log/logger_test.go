// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestReconfigureWritesServiceField(t *testing.T) {
	var buf bytes.Buffer
	Reconfigure(Config{Level: "debug", Output: &buf, Service: "signaged-test", Version: "v0.0.0"})

	logger := WithComponent("transport")
	logger.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["service"] != "signaged-test" {
		t.Errorf("service = %v, want signaged-test", entry["service"])
	}
	if entry["component"] != "transport" {
		t.Errorf("component = %v, want transport", entry["component"])
	}
}

func TestWithContextAddsCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	Reconfigure(Config{Level: "debug", Output: &buf, Service: "signaged-test"})

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithConnectionID(ctx, "conn-9")

	logger := WithContext(ctx, Base())
	logger.Info().Msg("correlated")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["request_id"] != "req-1" {
		t.Errorf("request_id = %v, want req-1", entry["request_id"])
	}
	if entry["connection_id"] != "conn-9" {
		t.Errorf("connection_id = %v, want conn-9", entry["connection_id"])
	}
}
