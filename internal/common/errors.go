package common

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// NotFoundError is returned when the required value is not found.
type NotFoundError struct {
	Message string
}

func (nf NotFoundError) Error() string {
	return nf.Message
}

// NewNotFoundError creates a new instance of NotFoundError with the given message.
func NewNotFoundError(message string) NotFoundError {
	return NotFoundError{
		Message: message,
	}
}

// ResourceExhaustedError is returned when the global transaction table has no free slot.
type ResourceExhaustedError struct {
	Message string
}

func (re ResourceExhaustedError) Error() string {
	return re.Message
}

// NewResourceExhaustedError creates a new instance of ResourceExhaustedError with the given message.
func NewResourceExhaustedError(message string) ResourceExhaustedError {
	return ResourceExhaustedError{
		Message: message,
	}
}

// GxidExhaustedError is returned when the distributed transaction id space of the current epoch is used up.
// The coordinator has to be restarted to open a new epoch.
type GxidExhaustedError struct {
	Message string
}

func (ge GxidExhaustedError) Error() string {
	return ge.Message
}

// NewGxidExhaustedError creates a new instance of GxidExhaustedError with the given message.
func NewGxidExhaustedError(message string) GxidExhaustedError {
	return GxidExhaustedError{
		Message: message,
	}
}

// IdentifierTooLongError is returned when a global transaction identifier doesn't fit in its buffer.
type IdentifierTooLongError struct {
	Message string
}

func (it IdentifierTooLongError) Error() string {
	return it.Message
}

// NewIdentifierTooLongError creates a new instance of IdentifierTooLongError with the given message.
func NewIdentifierTooLongError(message string) IdentifierTooLongError {
	return IdentifierTooLongError{
		Message: message,
	}
}

// MalformedGidError is returned when a GID doesn't match the <timestamp>-<gxid> pattern.
type MalformedGidError struct {
	Gid string
}

func (mg MalformedGidError) Error() string {
	return fmt.Sprintf("malformed distributed transaction identifier %q", mg.Gid)
}

// NewMalformedGidError creates a new instance of MalformedGidError for the given gid.
func NewMalformedGidError(gid string) MalformedGidError {
	return MalformedGidError{
		Gid: gid,
	}
}

// TruncatedContextError is returned when a serialized dtx context is shorter than its layout requires.
type TruncatedContextError struct {
	Field string
	Need  int
	Have  int
}

func (tc TruncatedContextError) Error() string {
	return fmt.Sprintf("truncated dtx context: field %s needs %d bytes, %d left", tc.Field, tc.Need, tc.Have)
}

// NewTruncatedContextError creates a new instance of TruncatedContextError.
func NewTruncatedContextError(field string, need, have int) TruncatedContextError {
	return TruncatedContextError{
		Field: field,
		Need:  need,
		Have:  have,
	}
}

// InvalidStateError is returned when an operation is called on a transaction in the wrong dtx state.
type InvalidStateError struct {
	Message string
}

func (is InvalidStateError) Error() string {
	return is.Message
}

// NewInvalidStateError creates a new instance of InvalidStateError with the given message.
func NewInvalidStateError(message string) InvalidStateError {
	return InvalidStateError{
		Message: message,
	}
}

// BroadcastError is returned when a protocol command didn't succeed on every targeted segment.
// Details holds the aggregated per segment error text.
type BroadcastError struct {
	Command string
	Gid     string
	Details []string
}

func (be BroadcastError) Error() string {
	if len(be.Details) == 0 {
		return fmt.Sprintf("the distributed transaction '%s' broadcast failed to one or more segments (gid %s)", be.Command, be.Gid)
	}
	return fmt.Sprintf("the distributed transaction '%s' broadcast failed to one or more segments (gid %s): %s",
		be.Command, be.Gid, strings.Join(be.Details, "; "))
}

// NewBroadcastError creates a new instance of BroadcastError.
func NewBroadcastError(command, gid string, details []string) BroadcastError {
	return BroadcastError{
		Command: command,
		Gid:     gid,
		Details: details,
	}
}

// PrepareError is returned when PREPARE wasn't acknowledged by every segment.
// The transaction must be rolled back by the caller.
type PrepareError struct {
	Gid   string
	Cause error
}

func (pe PrepareError) Error() string {
	return fmt.Sprintf("prepare of distributed transaction %s failed: %v", pe.Gid, pe.Cause)
}

// Unwrap returns the broadcast failure behind the prepare error.
func (pe PrepareError) Unwrap() error {
	return pe.Cause
}

// NewPrepareError creates a new instance of PrepareError.
func NewPrepareError(gid string, cause error) PrepareError {
	return PrepareError{
		Gid:   gid,
		Cause: cause,
	}
}

// FatalError is returned when the coordinator can no longer run safely.
// The owner of the transaction manager is expected to terminate the process and let recovery finish the job.
type FatalError struct {
	Message string
}

func (fe FatalError) Error() string {
	return "fatal: " + fe.Message
}

// NewFatalError creates a new instance of FatalError with the given message.
func NewFatalError(message string) FatalError {
	return FatalError{
		Message: message,
	}
}

// RecoveryError is returned when in-doubt transactions remain after recovery.
type RecoveryError struct {
	Orphans []string
}

func (re RecoveryError) Error() string {
	return fmt.Sprintf("distributed transaction recovery left %d in-doubt transaction(s) unresolved: %s",
		len(re.Orphans), strings.Join(re.Orphans, ", "))
}

// NewRecoveryError creates a new instance of RecoveryError for the given orphaned gids.
func NewRecoveryError(orphans []string) RecoveryError {
	return RecoveryError{
		Orphans: orphans,
	}
}

// ReadOnlyError is returned when a distributed write is attempted while recovery is deferred.
type ReadOnlyError struct {
	Message string
}

func (ro ReadOnlyError) Error() string {
	return ro.Message
}

// NewReadOnlyError creates a new instance of ReadOnlyError with the given message.
func NewReadOnlyError(message string) ReadOnlyError {
	return ReadOnlyError{
		Message: message,
	}
}

// CorruptLogError is returned when the redo log can't be decoded.
type CorruptLogError struct {
	Message string
}

func (cl CorruptLogError) Error() string {
	return cl.Message
}

// NewCorruptLogError creates a new instance of CorruptLogError with the given message.
func NewCorruptLogError(message string) CorruptLogError {
	return CorruptLogError{
		Message: message,
	}
}

// StaleLogRecordWriterError is returned when the log record writer is in stale state.
type StaleLogRecordWriterError struct {
	Message string
}

func (slrw StaleLogRecordWriterError) Error() string {
	return slrw.Message
}

// NewStaleLogRecordWriterError creates a new instance of StaleLogRecordWriterError with the given message.
func NewStaleLogRecordWriterError(message string) StaleLogRecordWriterError {
	return StaleLogRecordWriterError{
		Message: message,
	}
}

// IsFatal reports whether err, or anything it wraps, is a FatalError.
func IsFatal(err error) bool {
	var fe FatalError
	return errors.As(err, &fe)
}

// IsNotFound reports whether err, or anything it wraps, is a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}
