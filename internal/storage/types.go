package storage

import (
	"errors"
	"fmt"

	"github.com/scrypster/agentmem/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrOutOfOrderTurn indicates a non-increasing turn index on append.
	ErrOutOfOrderTurn = errors.New("out of order turn")

	// ErrEmbeddingDimensionMismatch indicates a query vector and a stored
	// embedding of different dimensionality. This is a configuration error.
	ErrEmbeddingDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrStoreClosed indicates use of a handle after Close.
	ErrStoreClosed = errors.New("store handle closed")

	// ErrStorage marks a read or write failure against the persistence
	// backend. Only errors wrapping ErrStorage are worth retrying.
	ErrStorage = errors.New("storage error")

	// ErrInvalidScope is re-exported so storage callers need only one import.
	ErrInvalidScope = types.ErrInvalidScope
)

// Wrap annotates a backend failure so that errors.Is(err, ErrStorage) holds
// while the original cause stays reachable.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// IsRetryable reports whether err is a transient backend failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage)
}

// CheckThreadRecord validates rec against the handle's bound scope.
func CheckThreadRecord(bound types.Scope, rec *types.ThreadRecord) error {
	if rec == nil {
		return fmt.Errorf("%w: record is required", ErrInvalidInput)
	}
	if rec.TenantID != bound.TenantID || rec.AgentID != bound.AgentID || rec.SessionID != bound.SessionID {
		return fmt.Errorf("%w: thread record does not belong to %s", ErrInvalidScope, bound)
	}
	if rec.Key == "" {
		return fmt.Errorf("%w: record key is required", ErrInvalidInput)
	}
	return nil
}

// CheckSemanticRecord validates rec against the handle's bound scope.
func CheckSemanticRecord(bound types.Scope, rec *types.SemanticRecord) error {
	if rec == nil {
		return fmt.Errorf("%w: record is required", ErrInvalidInput)
	}
	if rec.TenantID != bound.TenantID || rec.AgentID != bound.AgentID || rec.UserID != bound.UserID {
		return fmt.Errorf("%w: semantic record does not belong to %s", ErrInvalidScope, bound)
	}
	if rec.Content == "" {
		return fmt.Errorf("%w: record content is required", ErrInvalidInput)
	}
	return nil
}

// RequireSession checks that scope can address a thread log.
func RequireSession(scope types.Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if !scope.HasSession() {
		return fmt.Errorf("%w: session id is required for thread memory", ErrInvalidScope)
	}
	return nil
}

// RequireUser checks that scope can address a semantic collection.
func RequireUser(scope types.Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if !scope.HasUser() {
		return fmt.Errorf("%w: user id is required for semantic memory", ErrInvalidScope)
	}
	return nil
}
