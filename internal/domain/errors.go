package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

var (
	ErrItemNotFound      = errors.New("queue item not found")
	ErrInvalidItem       = errors.New("invalid queue item")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrEngineStopped     = errors.New("download engine is stopped")
)

// Kind classifies a failure for retry purposes.
type Kind string

const (
	KindTransient    Kind = "transient"
	KindNotFound     Kind = "not_found"
	KindRights       Kind = "rights"
	KindDecryption   Kind = "decryption"
	KindWrite        Kind = "write"
	KindCorruptEntry Kind = "corrupt_entry"
	KindCancelled    Kind = "cancelled"
)

// Permanent reports whether errors of this kind must never be retried automatically.
func (k Kind) Permanent() bool {
	switch k {
	case KindNotFound, KindRights, KindDecryption, KindCorruptEntry:
		return true
	}
	return false
}

// Error is a classified failure. Op names the pipeline step that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) error {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func TransientError(op string, err error) error  { return newError(KindTransient, op, err) }
func NotFoundError(op string, err error) error   { return newError(KindNotFound, op, err) }
func RightsError(op string, err error) error     { return newError(KindRights, op, err) }
func DecryptionError(op string, err error) error { return newError(KindDecryption, op, err) }
func WriteError(op string, err error) error      { return newError(KindWrite, op, err) }
func CorruptEntryError(op string, err error) error {
	return newError(KindCorruptEntry, op, err)
}

// classificationPolicy maps free-text collaborator errors to kinds. Rules are
// evaluated top to bottom and the first matching needle wins. Structured errors
// never reach this table.
//
//	rights       not available, unavailable in your region, geo-blocked, license, 403, 451
//	not_found    not found, does not exist, 404
//	decryption   decrypt, cipher
//	write        no space left, read-only file system, permission denied
//	transient    timeouts, resets, refused connections, 429, 5xx
var classificationPolicy = []struct {
	kind    Kind
	needles []string
}{
	{KindRights, []string{"not available", "not_available", "unavailable in your", "geo-blocked", "geoblocked", "license", "rights", "status 403", "status 451"}},
	{KindNotFound, []string{"not found", "does not exist", "status 404"}},
	{KindDecryption, []string{"decrypt", "cipher"}},
	{KindWrite, []string{"no space left", "read-only file system", "permission denied"}},
	{KindTransient, []string{"timeout", "timed out", "connection reset", "connection refused", "temporarily", "status 429", "status 500", "status 502", "status 503", "status 504"}},
}

// Classify returns the failure kind for err. Structured errors keep their kind;
// context cancellation maps to KindCancelled; deadlines and network errors are
// transient. Anything else goes through classificationPolicy and defaults to
// transient so it gets a bounded number of retries.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range classificationPolicy {
		for _, needle := range rule.needles {
			if strings.Contains(msg, needle) {
				return rule.kind
			}
		}
	}
	return KindTransient
}

// Reason returns the human-readable failure string stored in last_error.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
