package keygen

import (
	"bytes"
	"regexp"
	"testing"
)

var tokenPattern = regexp.MustCompile(`^KEY-[A-Za-z0-9]{16}$`)

func TestGenerateFormatAndUniqueness(t *testing.T) {
	t.Parallel()

	gen := New()
	seen := make(map[string]struct{}, 5000)
	for i := 0; i < 5000; i++ {
		token, err := gen.Generate()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if !tokenPattern.MatchString(token) {
			t.Fatalf("token %q does not match format", token)
		}
		if !Valid(token) {
			t.Fatalf("Valid rejected generated token %q", token)
		}
		if _, dup := seen[token]; dup {
			t.Fatalf("duplicate token %q after %d generations", token, i)
		}
		seen[token] = struct{}{}
	}
}

func TestGenerateDeterministicReader(t *testing.T) {
	t.Parallel()

	seed := make([]byte, 4096)
	for i := range seed {
		seed[i] = byte(i % 251)
	}
	first, err := NewWithReader(bytes.NewReader(seed)).Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, err := NewWithReader(bytes.NewReader(seed)).Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if first != second {
		t.Fatalf("same entropy produced %q and %q", first, second)
	}
	if !tokenPattern.MatchString(first) {
		t.Fatalf("token %q does not match format", first)
	}
}

func TestGenerateEntropyFailure(t *testing.T) {
	t.Parallel()

	gen := NewWithReader(bytes.NewReader([]byte{1, 2, 3}))
	if _, err := gen.Generate(); err == nil {
		t.Fatal("expected error when entropy source runs dry")
	}
}

func TestValid(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"KEY-abcdEFGH01234567":  true,
		"KEY-abcdEFGH0123456":   false,
		"KEY-abcdEFGH012345678": false,
		"key-abcdEFGH01234567":  false,
		"KEY-abcdEFGH0123456_":  false,
		"":                      false,
	}
	for in, want := range cases {
		if got := Valid(in); got != want {
			t.Fatalf("Valid(%q)=%v want %v", in, got, want)
		}
	}
}
