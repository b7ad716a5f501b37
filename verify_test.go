package keyd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestVerifyStorePasses(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	stores := map[string]string{
		"memory": "mem://",
		"disk":   "disk://" + filepath.Join(t.TempDir(), "verify"),
		"redis":  "redis://" + mr.Addr(),
	}
	for provider, store := range stores {
		res, err := VerifyStore(context.Background(), Config{Store: store})
		if err != nil {
			t.Fatalf("%s: verify: %v", provider, err)
		}
		if res.Provider != provider {
			t.Fatalf("%s: provider %q", provider, res.Provider)
		}
		if !res.Passed() {
			for _, check := range res.Checks {
				if check.Err != nil {
					t.Fatalf("%s: check %s failed: %v", provider, check.Name, check.Err)
				}
			}
		}
		if len(res.Checks) != 8 {
			t.Fatalf("%s: expected 8 checks, got %d", provider, len(res.Checks))
		}
	}
}

func TestVerifyStoreLeavesLiveRecords(t *testing.T) {
	t.Parallel()
	root := filepath.Join(t.TempDir(), "live")
	cfg := Config{Store: "disk://" + root}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	issued, err := srv.Keys().Issue(context.Background(), "192.0.2.44")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	res, err := VerifyStore(context.Background(), cfg)
	if err != nil || !res.Passed() {
		t.Fatalf("verify: %v %+v", err, res.Checks)
	}

	srv, err = NewServer(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer srv.Close()
	if _, err := srv.Keys().Store().Get(context.Background(), issued.Key); err != nil {
		t.Fatalf("live key removed by verify: %v", err)
	}
}

func TestVerifyStoreRejectsBadConfig(t *testing.T) {
	t.Parallel()
	if _, err := VerifyStore(context.Background(), Config{Store: "s3://host-only"}); err == nil {
		t.Fatal("expected s3 config error")
	}
}
