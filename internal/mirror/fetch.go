package mirror

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/tcmirror/tcmirror/internal/artifact"
	"github.com/tcmirror/tcmirror/internal/catalog"
)

// FetchResult is the per-artifact outcome of one scheduler pass.
type FetchResult struct {
	Ref      *artifact.Ref
	Attempts int
	Err      error // nil on success; kind via ErrorKind
}

// Fetcher drives bounded-concurrency downloads of a fetch set with
// per-artifact retry and failure isolation.  Each worker performs the
// full fetch-verify-publish-record sequence for one artifact, so the
// intra-artifact ordering contract (verify before publish, publish
// before ledger record) holds trivially.
type Fetcher struct {
	transport catalog.Transport
	store     *Store
	ledger    *Ledger
	verifier  catalog.SigVerifier // nil disables artifact signature checks
	mirrorID  string
	semaphore chan struct{}
	retry     RetryPolicy
}

// NewFetcher constructs a Fetcher with at most maxConns downloads in
// flight at once.
func NewFetcher(transport catalog.Transport, store *Store, ledger *Ledger,
	verifier catalog.SigVerifier, mirrorID string, maxConns int, retry RetryPolicy) *Fetcher {
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	semaphore := make(chan struct{}, maxConns)
	for i := 0; i < maxConns; i++ {
		semaphore <- struct{}{}
	}

	return &Fetcher{
		transport: transport,
		store:     store,
		ledger:    ledger,
		verifier:  verifier,
		mirrorID:  mirrorID,
		semaphore: semaphore,
		retry:     retry,
	}
}

// Run executes the fetch set and returns one FetchResult per ref.
// Artifact-level failures are isolated; the returned error is non-nil
// only for pass-fatal conditions (storage failure), in which case the
// partial results are still returned.
func (f *Fetcher) Run(ctx context.Context, refs []*artifact.Ref, progress *progressBar) ([]FetchResult, error) {
	results := make(chan FetchResult, len(refs))

	group, workerCtx := errgroup.WithContext(ctx)

dispatch:
	for _, ref := range refs {
		select {
		case <-workerCtx.Done():
			// Stop issuing new fetches; in-flight workers finish or
			// fail cleanly on their own.
			results <- FetchResult{
				Ref: ref,
				Err: errors.Mark(workerCtx.Err(), ErrTransient),
			}
			continue dispatch
		case <-f.semaphore:
		}

		ref := ref
		group.Go(func() error {
			defer func() { f.semaphore <- struct{}{} }()

			res := f.fetchOne(workerCtx, ref, progress)
			results <- res
			if IsStorage(res.Err) {
				// Disk trouble threatens every in-flight publish;
				// cancel the rest of the pass.
				return res.Err
			}
			return nil
		})
	}

	fatal := group.Wait()
	close(results)

	collected := make([]FetchResult, 0, len(refs))
	for r := range results {
		collected = append(collected, r)
	}
	return collected, fatal
}

// fetchOne downloads, verifies, publishes and records one artifact,
// retrying transient failures per the retry policy.
func (f *Fetcher) fetchOne(ctx context.Context, ref *artifact.Ref, progress *progressBar) FetchResult {
	res := FetchResult{Ref: ref}

	for attempt := 1; attempt <= f.retry.MaxAttempts; attempt++ {
		res.Attempts = attempt
		if attempt > 1 {
			slog.Warn("retrying download", "repo", f.mirrorID, "path", ref.Path(),
				"attempt", attempt, "max_attempts", f.retry.MaxAttempts)
			if err := f.retry.sleepBackoff(ctx, attempt-1); err != nil {
				res.Err = errors.Mark(err, ErrTransient)
				return res
			}
		}

		err := f.attempt(ctx, ref, progress)
		if err == nil {
			res.Err = nil
			return res
		}
		res.Err = err
		if !IsTransient(err) {
			return res
		}
	}

	res.Err = errors.Mark(
		errors.Wrapf(res.Err, "download failed for %s after %d attempts", ref.Path(), res.Attempts),
		ErrTransient)
	return res
}

// attempt performs a single fetch-verify-publish-record sequence.
func (f *Fetcher) attempt(ctx context.Context, ref *artifact.Ref, progress *progressBar) error {
	select {
	case <-ctx.Done():
		return errors.Mark(ctx.Err(), ErrTransient)
	default:
	}

	body, status, err := f.transport.Get(ctx, ref.Path())
	if err != nil {
		return errors.Mark(errors.Wrap(err, ref.Path()), ErrTransient)
	}
	defer closeBody(body, ref.Path())

	if err := classifyStatus(status, ref.Path()); err != nil {
		return err
	}

	tempfile, err := f.store.TempFile()
	if err != nil {
		return err
	}
	published := false
	defer func() {
		if !published {
			closeAndRemoveFile(tempfile)
		}
	}()

	n, sum, err := artifact.CopyWithDigest(tempfile, progress.Reader(body))
	if err != nil {
		progress.Rewind(n)
		return errors.Mark(errors.Wrap(err, ref.Path()), ErrTransient)
	}

	if uint64(n) != ref.Size() || !bytes.Equal(sum, ref.SHA256()) {
		// Never trusted, never published: the temp file is discarded
		// by the deferred cleanup.
		progress.Rewind(n)
		return errors.Mark(errors.Newf("invalid checksum for %s", ref.Path()), ErrVerification)
	}

	sigStatus, sig, err := f.verifySignature(ctx, ref, tempfile)
	if err != nil {
		progress.Rewind(n)
		return err
	}

	localPath, err := f.store.Publish(ref.Path(), tempfile)
	if err != nil {
		progress.Rewind(n)
		return err
	}
	published = true
	if err := tempfile.Close(); err != nil {
		slog.Warn("failed to close published file handle", "repo", f.mirrorID, "error", err)
	}

	// Mirror the detached signature next to the body so origin clients
	// can verify against the mirror directly.
	if len(sig) > 0 {
		if _, err := f.store.PublishBytes(ref.SigPath(), sig); err != nil {
			return err
		}
	}

	entry := &LedgerEntry{
		Ref:         *ref,
		Signature:   sigStatus,
		LocalPath:   ref.Path(),
		CompletedAt: time.Now().UTC(),
	}
	if err := f.ledger.Record(entry); err != nil {
		return err
	}

	slog.Debug("artifact mirrored", "repo", f.mirrorID, "path", ref.Path(),
		"size", ref.Size(), "signature", string(sigStatus), "local", localPath)
	return nil
}

// verifySignature fetches the artifact's detached signature when the
// catalog declares one, verifies it against the body in the temp file,
// and hands the signature bytes back for mirroring.  With verification
// disabled the signature is still fetched and mirrored, just unchecked.
func (f *Fetcher) verifySignature(ctx context.Context, ref *artifact.Ref, tempfile *os.File) (SignatureStatus, []byte, error) {
	if ref.SigPath() == "" {
		return SignatureUnsigned, nil, nil
	}

	sigBody, status, err := f.transport.Get(ctx, ref.SigPath())
	if err != nil {
		return "", nil, errors.Mark(errors.Wrap(err, ref.SigPath()), ErrTransient)
	}
	defer closeBody(sigBody, ref.SigPath())

	if status != http.StatusOK {
		if status >= 500 {
			return "", nil, errors.Mark(errors.Newf("server error %d for %s", status, ref.SigPath()), ErrTransient)
		}
		// The catalog promised a signature; a missing one is a
		// verification failure, not a silent pass.
		return "", nil, errors.Mark(errors.Newf("status %d for declared signature %s", status, ref.SigPath()), ErrVerification)
	}

	sig, err := io.ReadAll(sigBody)
	if err != nil {
		return "", nil, errors.Mark(errors.Wrap(err, ref.SigPath()), ErrTransient)
	}

	if f.verifier == nil {
		return SignatureSkipped, sig, nil
	}

	if _, err := tempfile.Seek(0, io.SeekStart); err != nil {
		return "", nil, errors.Mark(errors.Wrap(err, "seek for signature check"), ErrStorage)
	}

	if err := f.verifier.VerifyDetachedReader(tempfile, sig); err != nil {
		if IsVerification(err) {
			return "", nil, errors.Wrap(err, ref.Path())
		}
		return "", nil, errors.Mark(errors.Wrap(err, ref.Path()), ErrVerification)
	}
	return SignatureVerified, sig, nil
}

// classifyStatus sorts HTTP statuses into the retry taxonomy.
func classifyStatus(status int, path string) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status >= 500 || status == http.StatusTooManyRequests:
		return errors.Mark(errors.Newf("server error %d for %s", status, path), ErrTransient)
	default:
		return errors.Mark(errors.Newf("status %d for %s", status, path), ErrPermanent)
	}
}

// closeBody closes a response body.
func closeBody(rc io.ReadCloser, path string) {
	if err := rc.Close(); err != nil {
		slog.Warn("failed to close response body", "path", path, "error", err)
	}
}

// closeAndRemoveFile closes and removes a temporary file.
func closeAndRemoveFile(f *os.File) {
	filename := f.Name()
	if err := f.Close(); err != nil {
		slog.Warn("failed to close temp file", "file", filename, "error", err)
	}
	if err := os.Remove(filename); err != nil {
		slog.Warn("failed to remove temp file", "file", filename, "error", err)
	}
}
