package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyBatch is the sentinel matched by EmptyBatchError.
var ErrEmptyBatch = errors.New("delivery batch is empty")

// SchemaError reports every required input column absent from the upload.
type SchemaError struct {
	MissingColumns []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("missing columns: %s", strings.Join(e.MissingColumns, ", "))
}

// EmptyBatchError is returned when no rows survive normalization.
type EmptyBatchError struct {
	Source string
}

func (e *EmptyBatchError) Error() string {
	if e.Source == "" {
		return ErrEmptyBatch.Error()
	}
	return fmt.Sprintf("%s: %s", e.Source, ErrEmptyBatch)
}

func (e *EmptyBatchError) Is(target error) bool { return target == ErrEmptyBatch }

// MissingValueError lists the 1-based data rows with a blank required field.
type MissingValueError struct {
	Rows []int
}

func (e *MissingValueError) Error() string {
	parts := make([]string, len(e.Rows))
	for i, r := range e.Rows {
		parts[i] = fmt.Sprint(r)
	}
	return fmt.Sprintf("rows with missing required values: %s", strings.Join(parts, ", "))
}

// InvalidValueError reports a cell that could not be coerced.
type InvalidValueError struct {
	Row    int
	Column string
	Value  string
	Reason string
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("row %d column %q: invalid value %q: %s", e.Row, e.Column, e.Value, e.Reason)
}

// RegistryUnavailableError wraps a failed registry fetch.
type RegistryUnavailableError struct {
	Cause error
}

func (e *RegistryUnavailableError) Error() string {
	return fmt.Sprintf("farmer registry unavailable: %v", e.Cause)
}

func (e *RegistryUnavailableError) Unwrap() error { return e.Cause }

// UnknownFarmerError aborts a batch that references unregistered farmers.
type UnknownFarmerError struct {
	FarmerIDs []string
}

func (e *UnknownFarmerError) Error() string {
	return fmt.Sprintf("farmers not in registry: %s", strings.Join(e.FarmerIDs, ", "))
}

// InsertError means the bulk insert failed and nothing was committed.
type InsertError struct {
	Rows  int
	Cause error
}

func (e *InsertError) Error() string {
	return fmt.Sprintf("insert of %d delivery rows failed: %v", e.Rows, e.Cause)
}

func (e *InsertError) Unwrap() error { return e.Cause }

// ViewSchemaError reports an upstream quota view that no longer matches the expected shape.
type ViewSchemaError struct {
	Columns []string
	Reason  string
}

func (e *ViewSchemaError) Error() string {
	return fmt.Sprintf("quota view schema: %s (columns: %s)", e.Reason, strings.Join(e.Columns, ", "))
}

// ViewStaleError means the quota view did not reflect a commit within the wait bound.
type ViewStaleError struct {
	Want int64
	Got  int64
}

func (e *ViewStaleError) Error() string {
	return fmt.Sprintf("quota view not settled: revision %d, want >= %d", e.Got, e.Want)
}

// DeleteRPCError is a failed compensating delete. It is recorded, never fatal.
type DeleteRPCError struct {
	Lot       LotKey
	FarmerIDs []string
	Cause     error
}

func (e *DeleteRPCError) Error() string {
	return fmt.Sprintf("delete lot %s farmers [%s]: %v", e.Lot, strings.Join(e.FarmerIDs, ","), e.Cause)
}

func (e *DeleteRPCError) Unwrap() error { return e.Cause }

// ValidationFailedError is the business outcome of a rolled back batch.
type ValidationFailedError struct {
	Violations []Violation
	Removed    []LotRemoval
}

// LotRemoval enumerates the records taken back out of the store during rollback.
type LotRemoval struct {
	Lot       LotKey   `json:"lot"`
	FarmerIDs []string `json:"farmer_ids"`
	Deleted   int64    `json:"deleted"`
}

func (e *ValidationFailedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Severity == SeverityBlock {
			msgs = append(msgs, v.Message)
		}
	}
	return fmt.Sprintf("validation failed, batch rolled back: %s", strings.Join(msgs, "; "))
}
