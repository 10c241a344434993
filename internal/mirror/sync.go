package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/tcmirror/tcmirror/internal/artifact"
	"github.com/tcmirror/tcmirror/internal/catalog"
)

// SyncState tracks the orchestrator through one synchronization pass.
type SyncState int

const (
	StateIdle SyncState = iota
	StatePlanning
	StateFetching
	StateFinalizing
	StateDone
	StateFailed
)

func (s SyncState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlanning:
		return "planning"
	case StateFetching:
		return "fetching"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SyncOptions are the per-invocation knobs of the operational surface.
// Zero values fall back to the configuration file.
type SyncOptions struct {
	Concurrency      int
	RetryLimit       int
	Prune            bool
	DryRun           bool
	TolerateFailures bool
	NoPGPCheck       bool
	Quiet            bool

	// Verify re-hashes every ledgered file during planning instead of
	// the default size-only stat screen.  Slow but catches silent
	// content corruption.
	Verify bool
}

// FailedArtifact names one failed identity and its error kind so a
// retry run can be diagnosed without re-scanning the mirror.
type FailedArtifact struct {
	ID   string
	Kind string
	Err  string
}

// Summary is the aggregate result of one pass.  In dry-run mode the
// identity lists hold the plan instead of performed work.
type Summary struct {
	MirrorID string
	State    SyncState
	DryRun   bool
	Fetched  []string
	Skipped  []string
	Pruned   []string
	Failed   []FailedArtifact
}

// Log emits the summary through slog.
func (s *Summary) Log() {
	slog.Info("sync summary", "repo", s.MirrorID, "state", s.State.String(),
		"dry_run", s.DryRun, "fetched", len(s.Fetched), "skipped", len(s.Skipped),
		"pruned", len(s.Pruned), "failed", len(s.Failed))
	for _, f := range s.Failed {
		slog.Error("artifact failed", "repo", s.MirrorID, "artifact", f.ID, "kind", f.Kind, "error", f.Err)
	}
}

// Format renders the summary for terminal output.
func (s *Summary) Format() string {
	var b strings.Builder
	verb := "synchronized"
	if s.DryRun {
		verb = "planned (dry run)"
	}
	fmt.Fprintf(&b, "Mirror %s: %s\n", s.MirrorID, verb)
	fmt.Fprintf(&b, "  fetched: %d\n", len(s.Fetched))
	fmt.Fprintf(&b, "  skipped: %d\n", len(s.Skipped))
	fmt.Fprintf(&b, "  pruned:  %d\n", len(s.Pruned))
	fmt.Fprintf(&b, "  failed:  %d\n", len(s.Failed))
	for _, f := range s.Failed {
		fmt.Fprintf(&b, "    %s [%s]: %s\n", f.ID, f.Kind, f.Err)
	}
	return b.String()
}

// IndexProvider hands the orchestrator a complete catalog snapshot per
// channel, or fails atomically.
type IndexProvider interface {
	Catalog(ctx context.Context, channel string) (*catalog.Snapshot, error)
}

// Syncer composes store, ledger, differ and scheduler into one
// end-to-end synchronization pass for a single mirror.
type Syncer struct {
	id        string
	mc        *MirrorConfig
	opts      SyncOptions
	store     *Store
	ledger    *Ledger
	transport catalog.Transport
	provider  IndexProvider
	verifier  catalog.SigVerifier
	maxConns  int
	retry     RetryPolicy
	state     SyncState
}

// NewSyncer wires a Syncer for the given mirror ID.
func NewSyncer(config *Config, mirrorID string, opts SyncOptions) (*Syncer, error) {
	mc, ok := config.Mirrors[mirrorID]
	if !ok {
		return nil, errors.New("no such mirror: " + mirrorID)
	}
	if !IsValidID(mirrorID) {
		return nil, errors.New("invalid id: " + mirrorID)
	}
	if err := mc.Check(); err != nil {
		return nil, errors.Wrap(err, mirrorID)
	}

	store, err := NewStore(filepath.Join(config.Dir, mirrorID))
	if err != nil {
		return nil, errors.Wrap(err, mirrorID)
	}

	requireSig := !opts.NoPGPCheck && !mc.NoPGPCheck
	var verifier catalog.SigVerifier
	if requireSig {
		if mc.PGPKeyPath == "" {
			return nil, errors.Newf("PGP verification is required for repo '%s', but 'pgp_key_path' is not set", mirrorID)
		}
		pgpVerifier, err := NewPGPVerifier(mc.PGPKeyPath)
		if err != nil {
			return nil, errors.Wrap(err, mirrorID)
		}
		slog.Debug("trusted key loaded", "repo", mirrorID, "key_id", pgpVerifier.KeyID())
		verifier = pgpVerifier
	} else {
		slog.Warn("PGP verification disabled", "repo", mirrorID)
	}

	transport := NewHTTPTransport(mc.URL.URL, &config.TLS)

	maxConns := opts.Concurrency
	if maxConns <= 0 {
		maxConns = config.MaxConns
	}
	retryLimit := opts.RetryLimit
	if retryLimit <= 0 {
		retryLimit = config.RetryLimit
	}

	// The journal handle is the one resource the caller must release,
	// so it is acquired last; earlier failures leave nothing open.
	ledger, err := OpenLedger(filepath.Join(config.Dir, "."+mirrorID+".ledger"))
	if err != nil {
		return nil, errors.Wrap(err, mirrorID)
	}

	return &Syncer{
		id:        mirrorID,
		mc:        mc,
		opts:      opts,
		store:     store,
		ledger:    ledger,
		transport: transport,
		provider:  catalog.NewProvider(transport, verifier, requireSig, mirrorID),
		verifier:  verifier,
		maxConns:  maxConns,
		retry:     DefaultRetryPolicy(retryLimit),
	}, nil
}

// Close releases the ledger journal.
func (s *Syncer) Close() error {
	return s.ledger.Close()
}

// State returns the current orchestrator state.
func (s *Syncer) State() SyncState {
	return s.state
}

// Sync runs one full pass: Planning, Fetching, Finalizing.  The
// returned summary is valid even when err is non-nil; everything that
// succeeded stays committed, so a failed pass is always resumable.
func (s *Syncer) Sync(ctx context.Context) (*Summary, error) {
	summary := &Summary{MirrorID: s.id, DryRun: s.opts.DryRun}

	s.state = StatePlanning
	slog.Info("planning sync", "repo", s.id, "channels", s.mc.Channels)

	snapshots, refs, err := s.loadCatalogs(ctx)
	if err != nil {
		s.state = StateFailed
		summary.State = s.state
		return summary, errors.Mark(errors.Wrap(err, s.id), ErrCatalogUnavailable)
	}

	local := s.screenLedger(refs)
	plan := Plan(local, refs, PlanOptions{
		Prune:       s.opts.Prune || s.mc.Prune,
		OnRepublish: s.mc.RepublishPolicyOrDefault(),
	})
	slog.Info("sync plan computed", "repo", s.id, "fetch", len(plan.Fetch),
		"skip", len(plan.Skip), "remove", len(plan.Remove))

	if s.opts.DryRun {
		s.state = StateDone
		summary.State = s.state
		summary.Fetched = refIDs(plan.Fetch)
		summary.Skipped = refIDs(plan.Skip)
		for _, e := range plan.Remove {
			summary.Pruned = append(summary.Pruned, e.Ref.ID())
		}
		return summary, nil
	}

	s.state = StateFetching
	summary.Skipped = refIDs(plan.Skip)

	var totalBytes int64
	for _, ref := range plan.Fetch {
		totalBytes += int64(ref.Size()) // #nosec G115 - sizes validated non-negative at parse
	}
	progress := newProgressBar(totalBytes, s.opts.Quiet || len(plan.Fetch) == 0)

	fetcher := NewFetcher(s.transport, s.store, s.ledger, s.verifier, s.id, s.maxConns, s.retry)
	results, fatal := fetcher.Run(ctx, plan.Fetch, progress)
	progress.Finish()

	for _, r := range results {
		if r.Err == nil {
			summary.Fetched = append(summary.Fetched, r.Ref.ID())
			continue
		}
		summary.Failed = append(summary.Failed, FailedArtifact{
			ID:   r.Ref.ID(),
			Kind: ErrorKind(r.Err),
			Err:  r.Err.Error(),
		})
	}

	if fatal != nil {
		// Storage trouble: do not prune or republish; committed ledger
		// entries stay valid for the next run.
		s.state = StateFailed
		summary.State = s.state
		return summary, errors.Wrap(fatal, s.id)
	}

	s.state = StateFinalizing
	if err := s.finalize(ctx, plan, snapshots, summary); err != nil {
		s.state = StateFailed
		summary.State = s.state
		return summary, errors.Wrap(err, s.id)
	}

	if len(summary.Failed) > 0 && !s.opts.TolerateFailures && !s.mc.TolerateFailures {
		s.state = StateFailed
		summary.State = s.state
		return summary, errors.Newf("%s: %d of %d artifacts failed", s.id, len(summary.Failed), len(plan.Fetch))
	}

	s.state = StateDone
	summary.State = s.state
	slog.Info("sync succeeded", "repo", s.id, "fetched", len(summary.Fetched),
		"skipped", len(summary.Skipped), "pruned", len(summary.Pruned), "failed", len(summary.Failed))
	return summary, nil
}

// loadCatalogs fetches every configured channel and merges the entries.
// Channels may legitimately share artifacts; conflicting declarations
// for the same identity make the combined catalog unusable.
func (s *Syncer) loadCatalogs(ctx context.Context) ([]*catalog.Snapshot, []*artifact.Ref, error) {
	var snapshots []*catalog.Snapshot
	merged := make(map[string]*artifact.Ref)
	var refs []*artifact.Ref

	for _, channel := range s.mc.Channels {
		snap, err := s.provider.Catalog(ctx, channel)
		if err != nil {
			return nil, nil, err
		}
		snapshots = append(snapshots, snap)

		for _, ref := range applyFilters(s.id, snap.Refs, s.mc) {
			if prev, ok := merged[ref.ID()]; ok {
				if !prev.SameContent(ref) {
					return nil, nil, errors.Newf("channels disagree about %s", ref.ID())
				}
				continue
			}
			merged[ref.ID()] = ref
			refs = append(refs, ref)
		}
	}
	return snapshots, refs, nil
}

// screenLedger returns the ledger snapshot with entries whose stored
// file does not check out removed, so the differ plans a re-fetch for
// them.  This is the LedgerCorruption path: detect, re-verify, never
// crash.
func (s *Syncer) screenLedger(remote []*artifact.Ref) map[string]*LedgerEntry {
	inCatalog := make(map[string]bool, len(remote))
	for _, ref := range remote {
		inCatalog[ref.ID()] = true
	}

	local := s.ledger.Snapshot()
	for id, entry := range local {
		if s.entryIntact(entry) {
			continue
		}
		if !inCatalog[id] {
			// Orphaned row for a retracted artifact; pruning (when
			// enabled) cleans up the row without touching any file.
			continue
		}
		slog.Warn("ledger entry does not match stored file, forcing re-fetch",
			"repo", s.id, "artifact", id, "path", entry.LocalPath)
		delete(local, id)
	}
	return local
}

// entryIntact checks a ledger entry against the content store.  The
// default screen is a size-only stat; with Verify set the file is
// re-hashed against the recorded SHA-256.
func (s *Syncer) entryIntact(entry *LedgerEntry) bool {
	st, err := os.Stat(s.store.FullPath(entry.LocalPath))
	if err != nil || !st.Mode().IsRegular() || uint64(st.Size()) != entry.Ref.Size() { // #nosec G115 - stat size of regular file
		return false
	}
	if !s.opts.Verify {
		return true
	}
	if err := s.store.VerifyFile(entry.LocalPath, entry.Ref.Size(), entry.Ref.SHA256()); err != nil {
		slog.Warn("stored file failed deep verification",
			"repo", s.id, "artifact", entry.Ref.ID(), "error", err)
		return false
	}
	return true
}

// finalize applies pruning, republishes the verified catalog files and
// compacts the ledger.
func (s *Syncer) finalize(ctx context.Context, plan *SyncPlan, snapshots []*catalog.Snapshot, summary *Summary) error {
	for _, entry := range plan.Remove {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := s.pruneOne(entry); err != nil {
			return err
		}
		summary.Pruned = append(summary.Pruned, entry.Ref.ID())
	}

	// Republish catalog files last and only when the mirror is
	// complete enough to serve, so an origin-compatible client never
	// sees a manifest referencing artifacts that are not there.
	withinTolerance := len(summary.Failed) == 0 || s.opts.TolerateFailures || s.mc.TolerateFailures
	if withinTolerance {
		for _, snap := range snapshots {
			if _, err := s.store.PublishBytes(snap.RawPath, snap.Raw); err != nil {
				return err
			}
			if len(snap.Sig) > 0 {
				if _, err := s.store.PublishBytes(snap.SigPath, snap.Sig); err != nil {
					return err
				}
			}
		}
		slog.Info("catalog files republished", "repo", s.id, "channels", len(snapshots))
	} else {
		slog.Warn("skipping catalog republication, too many failures", "repo", s.id,
			"failed", len(summary.Failed))
	}

	return s.ledger.Compact()
}

// pruneOne removes the stored file and the ledger row as a unit: the
// file goes first, and the row is touched only if the file removal
// succeeded.  A crash in between leaves a row without a file, which the
// next run detects and repairs; there is no ordering that can leave an
// orphaned file with no row and no catalog entry pointing at it being
// trusted.
func (s *Syncer) pruneOne(entry *LedgerEntry) error {
	id := entry.Ref.ID()
	slog.Info("pruning retracted artifact", "repo", s.id, "artifact", id, "path", entry.LocalPath)

	if err := s.store.Remove(entry.LocalPath); err != nil {
		return errors.Wrapf(err, "prune %s", id)
	}
	if entry.Ref.SigPath() != "" {
		if err := s.store.Remove(entry.Ref.SigPath()); err != nil {
			return errors.Wrapf(err, "prune %s", id)
		}
	}
	return s.ledger.Remove(id)
}

func refIDs(refs []*artifact.Ref) []string {
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ID())
	}
	return ids
}
