// Package types defines the core data structures for the agentmem memory
// subsystem: scopes, thread records, semantic records and the assembled
// context payload handed to the reasoning step.
package types

import "time"

// SourceKind identifies which memory tier produced a context entry.
type SourceKind string

const (
	// SourceThread marks an entry that came from short-term thread memory.
	SourceThread SourceKind = "thread"

	// SourceSemantic marks an entry that came from long-term semantic memory.
	SourceSemantic SourceKind = "semantic"
)

// Default retrieval sizes used when a caller passes zero.
const (
	DefaultRecentN = 10
	DefaultTopK    = 5
)

// now is the clock used when records are created without a timestamp.
var now = func() time.Time { return time.Now().UTC() }
