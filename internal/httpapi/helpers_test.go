package httpapi

import (
	"io"
	"strings"
	"testing"
)

func TestDecodeJSONBody(t *testing.T) {
	t.Parallel()
	var dst struct {
		Key string `json:"key"`
	}
	if err := decodeJSONBody(strings.NewReader(`{"key":"k","extra":1}`), &dst, jsonDecodeOptions{}); err != nil || dst.Key != "k" {
		t.Fatalf("lenient decode: %v %+v", err, dst)
	}
	if err := decodeJSONBody(strings.NewReader(`{"key":"k","extra":1}`), &dst, jsonDecodeOptions{disallowUnknowns: true}); err == nil {
		t.Fatal("expected unknown field error")
	}
	if err := decodeJSONBody(strings.NewReader(""), &dst, jsonDecodeOptions{}); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
	if err := decodeJSONBody(strings.NewReader(""), &dst, jsonDecodeOptions{allowEmpty: true}); err != nil {
		t.Fatalf("allowEmpty: %v", err)
	}
	if err := decodeJSONBody(strings.NewReader(`{} {}`), &dst, jsonDecodeOptions{}); err == nil {
		t.Fatal("expected trailing value error")
	}
}
