package mirror

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/tcmirror/tcmirror/internal/artifact"
)

// validatePath validates that a path is safe for use within the store
// directory.  It prevents directory traversal attacks by checking for:
// 1. Parent directory references (..)
// 2. Absolute paths
// Returns an error if the path is unsafe.
func validatePath(path string) error {
	cleanPath := filepath.Clean(path)

	if strings.Contains(cleanPath, "..") {
		return errors.New("unsafe path (contains directory traversal): " + path)
	}

	if filepath.IsAbs(cleanPath) {
		return errors.New("unsafe path (absolute path not allowed): " + path)
	}

	return nil
}

// Store manages the directory tree that mirrors the origin layout.
//
// Files are written to a temporary location first and atomically
// renamed into their final catalog-relative path, so a reader never
// observes a half-written artifact.  The Store records physical
// presence only; the Ledger is authoritative for logical completeness.
type Store struct {
	dir string
}

// NewStore constructs a Store rooted at dir, creating it if needed.
//
// dir must be an absolute path.
func NewStore(dir string) (*Store, error) {
	if !filepath.IsAbs(dir) {
		return nil, errors.New("none absolute: " + dir)
	}
	dir = filepath.Clean(dir)

	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Mark(err, ErrStorage)
	}
	st, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Mark(err, ErrStorage)
	}
	if !st.Mode().IsDir() {
		return nil, errors.New("not a directory: " + dir)
	}

	return &Store{dir: dir}, nil
}

// Dir returns the root directory of the Store.
func (s *Store) Dir() string {
	return s.dir
}

// TempFile creates a new temporary file inside the store root, so the
// final rename never crosses a filesystem boundary.
func (s *Store) TempFile() (*os.File, error) {
	f, err := os.CreateTemp(s.dir, "_tmp")
	if err != nil {
		return nil, errors.Mark(err, ErrStorage)
	}
	return f, nil
}

// FullPath returns the absolute path for a catalog-relative path.
func (s *Store) FullPath(relpath string) string {
	return filepath.Join(s.dir, filepath.Clean(relpath))
}

// Publish atomically relocates a verified temporary file to its final
// catalog-relative path.  The temp file must be fully written; Publish
// syncs it, fixes its mode, renames it and syncs the parent directory.
// Rename is atomic, so if two runs race on the same identity the loser
// simply overwrites the destination with identical verified bytes.
func (s *Store) Publish(relpath string, tmp *os.File) (string, error) {
	if err := validatePath(relpath); err != nil {
		return "", errors.Wrap(err, "Publish")
	}

	if err := tmp.Sync(); err != nil {
		return "", errors.Mark(errors.Wrap(err, "Publish: sync"), ErrStorage)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil { // #nosec G302 - mirrored artifacts are world readable
		return "", errors.Mark(errors.Wrap(err, "Publish: chmod"), ErrStorage)
	}

	fp := s.FullPath(relpath)
	if err := os.MkdirAll(filepath.Dir(fp), 0750); err != nil {
		return "", errors.Mark(errors.Wrap(err, "Publish: mkdir"), ErrStorage)
	}
	if err := os.Rename(tmp.Name(), fp); err != nil {
		return "", errors.Mark(errors.Wrap(err, "Publish: rename"), ErrStorage)
	}
	if err := DirSync(filepath.Dir(fp)); err != nil {
		return "", errors.Mark(errors.Wrap(err, "Publish"), ErrStorage)
	}
	return fp, nil
}

// PublishBytes atomically writes small verified content such as catalog
// manifests.
func (s *Store) PublishBytes(relpath string, data []byte) (string, error) {
	tmp, err := s.TempFile()
	if err != nil {
		return "", err
	}
	defer func() {
		// no-op when Publish already renamed the file
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(data); err != nil {
		return "", errors.Mark(errors.Wrap(err, "PublishBytes"), ErrStorage)
	}
	return s.Publish(relpath, tmp)
}

// Has reports physical presence of a catalog-relative path.
func (s *Store) Has(relpath string) bool {
	if validatePath(relpath) != nil {
		return false
	}
	st, err := os.Stat(s.FullPath(relpath))
	return err == nil && st.Mode().IsRegular()
}

// VerifyFile re-checks a stored file against a declared size and
// SHA-256, streaming the content through an incremental digest.  Used
// to detect store/ledger mismatches without trusting either side.
func (s *Store) VerifyFile(relpath string, size uint64, sha []byte) error {
	if err := validatePath(relpath); err != nil {
		return errors.Wrap(err, "VerifyFile")
	}

	f, err := os.Open(s.FullPath(relpath)) // #nosec G304 - path validated above
	if err != nil {
		return errors.Mark(errors.Wrap(err, "VerifyFile"), ErrLedgerCorruption)
	}
	defer f.Close()

	n, sum, err := artifact.CopyWithDigest(io.Discard, f)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "VerifyFile: "+relpath), ErrStorage)
	}
	if uint64(n) != size || !bytes.Equal(sum, sha) {
		return errors.Mark(errors.Newf("stored file %s does not match its ledger entry", relpath), ErrLedgerCorruption)
	}
	return nil
}

// Remove deletes a stored file.  A missing file is not an error, so
// pruning stays idempotent across interrupted runs.
func (s *Store) Remove(relpath string) error {
	if err := validatePath(relpath); err != nil {
		return errors.Wrap(err, "Remove")
	}

	err := os.Remove(s.FullPath(relpath))
	if err != nil && !os.IsNotExist(err) {
		return errors.Mark(errors.Wrap(err, "Remove"), ErrStorage)
	}
	if err := DirSync(filepath.Dir(s.FullPath(relpath))); err != nil && !os.IsNotExist(err) {
		return errors.Mark(errors.Wrap(err, "Remove"), ErrStorage)
	}
	return nil
}
