package broker

import "testing"

func TestChecksumIsStableAcrossKeyOrder(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": map[string]any{"y": 1, "x": 2}}
	b := map[string]any{"c": map[string]any{"x": 2, "y": 1}, "a": 2, "b": 1}

	sumA, _, err := checksum(a)
	if err != nil {
		t.Fatalf("checksum a failed: %v", err)
	}
	sumB, _, err := checksum(b)
	if err != nil {
		t.Fatalf("checksum b failed: %v", err)
	}
	if sumA != sumB {
		t.Errorf("expected identical checksums for reordered-but-equal payloads, got %s vs %s", sumA, sumB)
	}
	if len(sumA) != 16 {
		t.Errorf("expected a 16-character checksum prefix, got %d chars", len(sumA))
	}
}

func TestChecksumDiffersOnValueChange(t *testing.T) {
	sumA, _, _ := checksum(map[string]any{"a": 1})
	sumB, _, _ := checksum(map[string]any{"a": 2})
	if sumA == sumB {
		t.Error("expected different checksums for different payload values")
	}
}
