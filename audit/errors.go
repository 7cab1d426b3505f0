// Package audit provides structured, hierarchical audit trails for
// operations performed by the Chronos runtime: model invocations, tool
// executions, agent runs, MCP requests, and embedding calls.
package audit

import "errors"

// Error taxonomy for the audit subsystem. Callers should use errors.Is
// against these sentinels rather than matching on message text.
var (
	// ErrInvalidAuditEntry is returned when an Entry fails validation,
	// either at construction or when reconstructed via FromMap.
	ErrInvalidAuditEntry = errors.New("audit: invalid entry")

	// ErrInvalidStore is returned when a store name does not resolve to
	// any known backend or registered custom constructor.
	ErrInvalidStore = errors.New("audit: invalid store")

	// ErrMissingDatasource is returned when the JDBC-equivalent store is
	// configured without a datasource.
	ErrMissingDatasource = errors.New("audit: missing datasource")

	// ErrInvalidTableName is returned when a configured table identifier
	// fails the safe-identifier check.
	ErrInvalidTableName = errors.New("audit: invalid table name")

	// ErrNotConfigured is returned when a store operation is invoked
	// before Configure.
	ErrNotConfigured = errors.New("audit: store not configured")

	// ErrStoreIO wraps underlying I/O or SQL failures from a store.
	ErrStoreIO = errors.New("audit: store I/O error")

	// ErrCorruptEntry marks a persisted entry that could not be parsed
	// during a read. Readers skip and count these rather than failing.
	ErrCorruptEntry = errors.New("audit: corrupt entry")
)
