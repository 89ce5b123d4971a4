package types

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidScope indicates that a tenant, agent, session or user identifier
// is missing or does not match the scope a handle is bound to.
var ErrInvalidScope = errors.New("invalid scope")

// Scope identifies the isolation boundary of one memory manager.
// TenantID and AgentID are always required. SessionID scopes thread memory,
// UserID scopes semantic memory; at least one of the two must be set.
type Scope struct {
	TenantID  string `json:"tenant_id" yaml:"tenant_id"`
	AgentID   string `json:"agent_id" yaml:"agent_id"`
	SessionID string `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty" yaml:"user_id,omitempty"`
}

// Validate reports whether the scope carries enough identifiers to be used.
func (s Scope) Validate() error {
	if strings.TrimSpace(s.TenantID) == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidScope)
	}
	if strings.TrimSpace(s.AgentID) == "" {
		return fmt.Errorf("%w: agent id is required", ErrInvalidScope)
	}
	if strings.TrimSpace(s.SessionID) == "" && strings.TrimSpace(s.UserID) == "" {
		return fmt.Errorf("%w: session id or user id is required", ErrInvalidScope)
	}
	return nil
}

// HasSession reports whether thread memory is available for the scope.
func (s Scope) HasSession() bool { return s.SessionID != "" }

// HasUser reports whether semantic memory is available for the scope.
func (s Scope) HasUser() bool { return s.UserID != "" }

// Key returns the canonical cache key for the scope. Segments are
// path-escaped so that identifiers containing "/" cannot collide.
func (s Scope) Key() string {
	return strings.Join([]string{
		url.PathEscape(s.TenantID),
		url.PathEscape(s.AgentID),
		url.PathEscape(s.SessionID),
		url.PathEscape(s.UserID),
	}, "/")
}

// ThreadKey identifies the thread log the scope addresses. Scopes that
// differ only by user share it.
func (s Scope) ThreadKey() string {
	return strings.Join([]string{
		url.PathEscape(s.TenantID),
		url.PathEscape(s.AgentID),
		url.PathEscape(s.SessionID),
	}, "/")
}

// String implements fmt.Stringer.
func (s Scope) String() string {
	return fmt.Sprintf("tenant=%s agent=%s session=%s user=%s", s.TenantID, s.AgentID, s.SessionID, s.UserID)
}

// SameThread reports whether other addresses the same thread log.
func (s Scope) SameThread(other Scope) bool {
	return s.TenantID == other.TenantID && s.AgentID == other.AgentID && s.SessionID == other.SessionID
}

// SameSemantic reports whether other addresses the same semantic collection.
func (s Scope) SameSemantic(other Scope) bool {
	return s.TenantID == other.TenantID && s.AgentID == other.AgentID && s.UserID == other.UserID
}
