package azure

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"pkt.systems/keyd/internal/storage"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "missing account", cfg: Config{Container: "keys", AccountKey: "k"}},
		{name: "missing container", cfg: Config{Account: "acct", AccountKey: "k"}},
		{name: "missing credentials", cfg: Config{Account: "acct", Container: "keys"}},
		{name: "shared key", cfg: Config{Account: "acct", Container: "keys", AccountKey: "k"}, ok: true},
		{name: "sas", cfg: Config{Account: "acct", Container: "keys", SASToken: "sv=1"}, ok: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validate(tc.cfg)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestAppendSASToken(t *testing.T) {
	got, err := appendSASToken("https://acct.blob.core.windows.net", "?sv=2024&sig=abc")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != "https://acct.blob.core.windows.net?sv=2024&sig=abc" {
		t.Fatalf("unexpected url %q", got)
	}
	got, err = appendSASToken("https://acct.blob.core.windows.net/?comp=list", "sv=2024")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != "https://acct.blob.core.windows.net/?comp=list&sv=2024" {
		t.Fatalf("unexpected url %q", got)
	}
}

func TestBlobNameEscaping(t *testing.T) {
	s := &Store{prefix: "keyd"}
	name, err := s.blobName("origins/2001%3Adb8%3A%3A1.json")
	if err != nil {
		t.Fatalf("blob name: %v", err)
	}
	if name != "keyd/origins/2001%253Adb8%253A%253A1.json" {
		t.Fatalf("unexpected blob name %q", name)
	}
	back, err := unescapeKey("origins/2001%253Adb8%253A%253A1.json")
	if err != nil {
		t.Fatalf("unescape: %v", err)
	}
	if back != "origins/2001%3Adb8%3A%3A1.json" {
		t.Fatalf("unexpected key %q", back)
	}
	if escapeKey("keys/") != "keys/" {
		t.Fatalf("trailing slash lost: %q", escapeKey("keys/"))
	}
	if _, err := s.blobName(""); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestErrorClassification(t *testing.T) {
	precondition := &azcore.ResponseError{StatusCode: http.StatusPreconditionFailed}
	missing := &azcore.ResponseError{StatusCode: http.StatusNotFound}
	busy := &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}
	exists := &azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "ContainerAlreadyExists"}

	if !isPreconditionFailed(precondition) || isPreconditionFailed(missing) {
		t.Fatal("precondition classification wrong")
	}
	if !isNotFound(missing) || isNotFound(precondition) {
		t.Fatal("not found classification wrong")
	}
	if !isContainerExists(exists) || isContainerExists(precondition) {
		t.Fatal("container exists classification wrong")
	}
	if !storage.IsTransient(wrapError(busy, "azure: upload")) {
		t.Fatal("503 should be transient")
	}
	if storage.IsTransient(wrapError(errors.New("boom"), "azure: upload")) {
		t.Fatal("plain error should not be transient")
	}
	if !isRetryable(context.DeadlineExceeded) {
		t.Fatal("deadline should be retryable")
	}
}
