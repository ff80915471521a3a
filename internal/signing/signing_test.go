package signing

import "testing"

func TestSignEmptySecretDisablesSigning(t *testing.T) {
	s := NewHMACSigner("", func() int64 { return 1000 })
	sig, ts := s.Sign([]byte(`{"a":1}`))
	if sig != "" {
		t.Errorf("expected empty signature with empty secret, got %q", sig)
	}
	if ts != 1000 {
		t.Errorf("expected timestamp 1000, got %d", ts)
	}
}

func TestSignIsDeterministicForSameInputs(t *testing.T) {
	s := NewHMACSigner("secret", func() int64 { return 42 })
	sig1, _ := s.Sign([]byte("body"))
	sig2, _ := s.Sign([]byte("body"))
	if sig1 != sig2 {
		t.Error("expected identical signatures for identical timestamp and body")
	}
	if sig1 == "" {
		t.Error("expected a non-empty signature with a non-empty secret")
	}
}

func TestSignDiffersOnBodyChange(t *testing.T) {
	s := NewHMACSigner("secret", func() int64 { return 42 })
	sig1, _ := s.Sign([]byte("body-a"))
	sig2, _ := s.Sign([]byte("body-b"))
	if sig1 == sig2 {
		t.Error("expected different signatures for different bodies")
	}
}
