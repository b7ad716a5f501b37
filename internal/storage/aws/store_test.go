package aws

import (
	"context"
	"errors"
	"syscall"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/keyd/internal/storage"
)

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Region: "eu-north-1"}); err == nil {
		t.Fatal("expected bucket error")
	}
	if _, err := New(Config{Bucket: "keys"}); err == nil {
		t.Fatal("expected region error")
	}
}

func TestNewTrimsPrefix(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	store, err := New(Config{Bucket: "keys", Region: "eu-north-1", Prefix: "/keyd/prod/", Endpoint: " localhost:9000 ", Insecure: true})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := store.Config().Prefix; got != "keyd/prod" {
		t.Fatalf("prefix = %q", got)
	}
	if got := store.object("keys/KEY-a.json"); got != "keyd/prod/keys/KEY-a.json" {
		t.Fatalf("object = %q", got)
	}
	if got := store.Config().Endpoint; got != "localhost:9000" {
		t.Fatalf("endpoint = %q", got)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		notFound     bool
		precondition bool
		retryable    bool
	}{
		{name: "no such key", err: &smithy.GenericAPIError{Code: "NoSuchKey"}, notFound: true},
		{name: "typed no such key", err: &types.NoSuchKey{}, notFound: true},
		{name: "precondition", err: &smithy.GenericAPIError{Code: "PreconditionFailed"}, precondition: true},
		{name: "conditional conflict", err: &smithy.GenericAPIError{Code: "ConditionalRequestConflict"}, precondition: true},
		{name: "slow down", err: &smithy.GenericAPIError{Code: "SlowDown"}, retryable: true},
		{name: "reset", err: syscall.ECONNRESET, retryable: true},
		{name: "deadline", err: context.DeadlineExceeded, retryable: true},
		{name: "plain", err: errors.New("boom")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isNotFound(tc.err); got != tc.notFound {
				t.Fatalf("isNotFound = %v", got)
			}
			if got := isPreconditionFailed(tc.err); got != tc.precondition {
				t.Fatalf("isPreconditionFailed = %v", got)
			}
			if got := isRetryable(tc.err); got != tc.retryable {
				t.Fatalf("isRetryable = %v", got)
			}
		})
	}
}

func TestClassifyPutObjectError(t *testing.T) {
	if got := classifyPutObjectError(&smithy.GenericAPIError{Code: "PreconditionFailed"}, false); got != storage.ErrCASMismatch {
		t.Fatalf("precondition: %v", got)
	}
	if got := classifyPutObjectError(&smithy.GenericAPIError{Code: "NoSuchKey"}, true); got != storage.ErrNotFound {
		t.Fatalf("missing with etag: %v", got)
	}
	if got := classifyPutObjectError(&smithy.GenericAPIError{Code: "AccessDenied"}, true); got != nil {
		t.Fatalf("access denied: %v", got)
	}
}

func TestApplySSEToPut(t *testing.T) {
	input := &s3.PutObjectInput{}
	applySSEToPut(input, "aws:kms", "key-1")
	if input.ServerSideEncryption != types.ServerSideEncryptionAwsKms || aws.ToString(input.SSEKMSKeyId) != "key-1" {
		t.Fatalf("unexpected sse %v %v", input.ServerSideEncryption, aws.ToString(input.SSEKMSKeyId))
	}
	input = &s3.PutObjectInput{}
	applySSEToPut(input, "", "")
	if input.ServerSideEncryption != "" {
		t.Fatalf("expected no sse, got %v", input.ServerSideEncryption)
	}
}

func TestWithTimeoutKeepsShorterDeadline(t *testing.T) {
	parent, cancelParent := context.WithTimeout(context.Background(), awsOpTimeout/2)
	defer cancelParent()
	ctx, cancel := withTimeout(parent)
	defer cancel()
	if ctx != parent {
		t.Fatal("expected parent context to be reused")
	}
}
