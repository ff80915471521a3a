//go:build integration
// +build integration

package tests

import (
	"encoding/json"
	"testing"
)

func decodeJSONInto(t *testing.T, raw []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("failed to decode JSON payload: %v", err)
	}
}
