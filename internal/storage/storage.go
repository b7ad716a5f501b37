package storage

import (
	"context"
	"errors"
	"time"
)

// ContentTypeJSON is the content type recorded for JSON documents.
const ContentTypeJSON = "application/json"

// ErrNotFound indicates the requested key or resource is missing.
var (
	ErrNotFound       = errors.New("storage: not found")
	ErrCASMismatch    = errors.New("storage: cas mismatch")
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Object is a stored document together with its current entity tag.
type Object struct {
	Key          string
	Body         []byte
	ETag         string
	LastModified time.Time
}

// PutOptions tune a conditional write.
type PutOptions struct {
	// ExpectedETag performs a compare-and-swap against the current object.
	// When empty the write only succeeds if the object does not exist.
	ExpectedETag string
	// ContentType defaults to ContentTypeJSON.
	ContentType string
}

// Backend defines the conditional object operations the key stores rely on.
// Every mutation is atomic per object: PutObject either fully replaces the
// document or fails with ErrCASMismatch (or ErrNotFound when ExpectedETag
// names an object that no longer exists).
type Backend interface {
	GetObject(ctx context.Context, key string) (Object, error)
	PutObject(ctx context.Context, key string, body []byte, opts PutOptions) (string, error)
	// DeleteObject removes key. A non-empty expectedETag enforces CAS.
	DeleteObject(ctx context.Context, key string, expectedETag string) error
	// ListObjects returns the keys beneath prefix in lexical order.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// ContentTypeOrDefault returns the content type to record for opts.
func (o PutOptions) ContentTypeOrDefault() string {
	if o.ContentType == "" {
		return ContentTypeJSON
	}
	return o.ContentType
}
