// Package errors provides structured error handling for the code-intelligence
// server. Every failure that crosses a component boundary carries a Kind so
// that callers can branch on behaviour instead of matching message strings.
package errors

// Kind classifies an error for propagation policy decisions.
type Kind string

const (
	// KindIo indicates a disk or socket failure. Retryable with bounded
	// backoff; never fatal to a worker loop.
	KindIo Kind = "IoErr"

	// KindSql indicates a SQL execution failure, including integrity
	// violations. Reported to the caller; the transaction is rolled back.
	KindSql Kind = "SqlError"

	// KindTxBusy indicates begin was called while a transaction is open.
	KindTxBusy Kind = "TxBusy"

	// KindUnknownTx indicates commit/rollback named a transaction the
	// driver does not know.
	KindUnknownTx Kind = "UnknownTx"

	// KindMigration indicates a schema migration aborted. The driver
	// refuses traffic until a repair RPC is invoked.
	KindMigration Kind = "MigrationErr"

	// KindFs indicates a file disappeared between queue and index.
	// Silently skipped; the file watcher eventually marks it deleted.
	KindFs Kind = "FsErr"

	// KindParse indicates a source file is unparseable. Recorded to the
	// indexing-errors table; needs_chunking is cleared so the file is not
	// retried every cycle without a change.
	KindParse Kind = "ParseErr"

	// KindExternal indicates a chunker/embedder failure. Routed through
	// the circuit breaker; never propagates past the vectorization worker.
	KindExternal Kind = "ExternalUnavailable"

	// KindCorruptDb indicates a failed integrity check at startup. The
	// driver refuses to serve until an explicit operator repair.
	KindCorruptDb Kind = "CorruptDb"

	// KindConfig indicates missing or malformed configuration. The main
	// process exits before starting workers.
	KindConfig Kind = "ConfigErr"

	// KindNotFound indicates a query addressed a row, node, or op that
	// does not exist.
	KindNotFound Kind = "NotFound"

	// KindConflict indicates a structural edit raced a concurrent change.
	KindConflict Kind = "Conflict"

	// KindInternal indicates a bug. Caught at the top of worker loops.
	KindInternal Kind = "Internal"
)

// retryable lists the kinds whose operations may be retried locally.
var retryable = map[Kind]bool{
	KindIo:       true,
	KindExternal: true,
}

// Retryable reports whether operations failing with this kind may be retried.
func (k Kind) Retryable() bool {
	return retryable[k]
}
