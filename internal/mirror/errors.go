package mirror

import "github.com/cockroachdb/errors"

// Sentinel errors classifying every failure of a sync pass.  Errors are
// associated with a sentinel via errors.Mark at the point of failure
// and tested with errors.Is, so wrapping never loses the kind.
var (
	// ErrCatalogUnavailable means the channel manifest could not be
	// fetched, verified or parsed.  The pass aborts before any transfer.
	ErrCatalogUnavailable = errors.New("catalog unavailable")

	// ErrTransient marks failures worth retrying: connection trouble,
	// timeouts, server errors, throttling, cancellation.
	ErrTransient = errors.New("transient failure")

	// ErrPermanent marks failures that retrying cannot fix, such as an
	// artifact missing from the origin.
	ErrPermanent = errors.New("permanent failure")

	// ErrVerification marks checksum or signature mismatches.  Never
	// retried: the origin content itself is wrong or tampered.
	ErrVerification = errors.New("verification failure")

	// ErrStorage marks local disk failures.  Pass-fatal: continuing
	// would risk publishing unverifiable state.
	ErrStorage = errors.New("storage failure")

	// ErrLedgerCorruption marks disagreement between the ledger and the
	// stored files.  Recovered by re-fetching, never by trusting either
	// side.
	ErrLedgerCorruption = errors.New("ledger does not match store")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsVerification reports whether err is a checksum or signature
// failure.
func IsVerification(err error) bool {
	return errors.Is(err, ErrVerification)
}

// IsStorage reports whether err is a local disk failure.
func IsStorage(err error) bool {
	return errors.Is(err, ErrStorage)
}

// ErrorKind names the failure class for summaries and logs.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrCatalogUnavailable):
		return "catalog-unavailable"
	case errors.Is(err, ErrVerification):
		return "verification"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrLedgerCorruption):
		return "ledger-corruption"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrPermanent):
		return "permanent"
	default:
		return "unknown"
	}
}
