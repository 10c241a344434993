package mirror

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/tcmirror/tcmirror/internal/artifact"
)

const (
	ledgerJSON  = "ledger.json"
	journalName = "journal.log"
)

// SignatureStatus records how an artifact's signature was handled.
type SignatureStatus string

const (
	// SignatureVerified means a detached signature checked out.
	SignatureVerified SignatureStatus = "verified"
	// SignatureUnsigned means the catalog listed no signature.
	SignatureUnsigned SignatureStatus = "unsigned"
	// SignatureSkipped means verification was explicitly disabled.
	SignatureSkipped SignatureStatus = "skipped"
)

// LedgerEntry is the durable record of one successfully mirrored
// artifact.  An entry exists if and only if the artifact was fully
// downloaded, hash-verified, signature-handled and durably stored.
type LedgerEntry struct {
	Ref         artifact.Ref    `json:"ref"`
	Signature   SignatureStatus `json:"signature"`
	LocalPath   string          `json:"local_path"`
	CompletedAt time.Time       `json:"completed_at"`
}

type journalRecord struct {
	Op    string       `json:"op"` // "record" or "remove"
	ID    string       `json:"id,omitempty"`
	Entry *LedgerEntry `json:"entry,omitempty"`
}

// Ledger is the single source of truth for "is this artifact mirrored".
//
// On disk it is a compacted ledger.json snapshot plus an append-only,
// fsync'd journal of record/remove operations.  Loading replays the
// journal over the snapshot, so a crash at any point loses at most the
// operation being written, never previously committed entries.  All
// mutation goes through Record and Remove under a single writer lock.
type Ledger struct {
	dir string

	mu      sync.RWMutex
	entries map[string]*LedgerEntry
	journal *os.File
}

// OpenLedger loads (or creates) the ledger stored in dir.
func OpenLedger(dir string) (*Ledger, error) {
	if !filepath.IsAbs(dir) {
		return nil, errors.New("none absolute: " + dir)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Mark(err, ErrStorage)
	}

	l := &Ledger{
		dir:     dir,
		entries: make(map[string]*LedgerEntry),
	}
	if err := l.load(); err != nil {
		return nil, err
	}

	journal, err := os.OpenFile(filepath.Join(dir, journalName), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640) // #nosec G304,G302 - path under validated ledger dir
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "OpenLedger"), ErrStorage)
	}
	l.journal = journal
	return l, nil
}

func (l *Ledger) load() error {
	snapPath := filepath.Join(l.dir, ledgerJSON)
	f, err := os.Open(snapPath) // #nosec G304 - path under validated ledger dir
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return errors.Mark(err, ErrStorage)
	default:
		err = json.NewDecoder(f).Decode(&l.entries)
		if closeErr := f.Close(); closeErr != nil {
			slog.Warn("failed to close ledger snapshot", "error", closeErr)
		}
		if err != nil {
			return errors.Wrap(err, "Ledger.load: "+snapPath)
		}
	}

	return l.replayJournal()
}

// replayJournal applies journaled operations recorded after the last
// compaction.  A truncated trailing line (crash mid-write) is ignored;
// everything before it has already been fsync'd.
func (l *Ledger) replayJournal() error {
	jf, err := os.Open(filepath.Join(l.dir, journalName)) // #nosec G304 - path under validated ledger dir
	switch {
	case os.IsNotExist(err):
		return nil
	case err != nil:
		return errors.Mark(err, ErrStorage)
	}
	defer func() {
		if err := jf.Close(); err != nil {
			slog.Warn("failed to close ledger journal", "error", err)
		}
	}()

	scanner := bufio.NewScanner(jf)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	replayed := 0
	for scanner.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			slog.Warn("ignoring truncated ledger journal record", "error", err)
			break
		}
		switch rec.Op {
		case "record":
			if rec.Entry != nil {
				l.entries[rec.Entry.Ref.ID()] = rec.Entry
			}
		case "remove":
			delete(l.entries, rec.ID)
		default:
			return errors.Newf("unknown ledger journal op %q", rec.Op)
		}
		replayed++
	}
	if err := scanner.Err(); err != nil && err != io.ErrUnexpectedEOF {
		return errors.Mark(errors.Wrap(err, "replayJournal"), ErrStorage)
	}
	if replayed > 0 {
		slog.Debug("replayed ledger journal", "records", replayed)
	}
	return nil
}

func (l *Ledger) appendJournal(rec *journalRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "appendJournal")
	}
	data = append(data, '\n')
	if _, err := l.journal.Write(data); err != nil {
		return errors.Mark(errors.Wrap(err, "appendJournal"), ErrStorage)
	}
	if err := l.journal.Sync(); err != nil {
		return errors.Mark(errors.Wrap(err, "appendJournal"), ErrStorage)
	}
	return nil
}

// Record durably commits a completed artifact.  It must be called only
// after the content store has published the verified file.
func (l *Ledger) Record(e *LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.appendJournal(&journalRecord{Op: "record", Entry: e}); err != nil {
		return err
	}
	l.entries[e.Ref.ID()] = e
	return nil
}

// Lookup returns the entry for an identity, or nil.
func (l *Ledger) Lookup(id string) *LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[id]
}

// Remove durably forgets an identity.  Callers must delete the stored
// file first; see Syncer.pruneOne for the ordering argument.
func (l *Ledger) Remove(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[id]; !ok {
		return nil
	}
	if err := l.appendJournal(&journalRecord{Op: "remove", ID: id}); err != nil {
		return err
	}
	delete(l.entries, id)
	return nil
}

// Snapshot returns a copy of all entries for the differ.
func (l *Ledger) Snapshot() map[string]*LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := make(map[string]*LedgerEntry, len(l.entries))
	for id, e := range l.entries {
		snap[id] = e
	}
	return snap
}

// Len returns the number of recorded entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Compact writes the full entry set to a fresh snapshot, atomically
// replaces ledger.json and truncates the journal.  Run at the end of a
// pass; crashing anywhere in between leaves a loadable ledger.
func (l *Ledger) Compact() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tmp, err := os.CreateTemp(l.dir, "_ledger")
	if err != nil {
		return errors.Mark(errors.Wrap(err, "Compact"), ErrStorage)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	if err := enc.Encode(l.entries); err != nil {
		tmp.Close()
		return errors.Wrap(err, "Compact")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Mark(errors.Wrap(err, "Compact"), ErrStorage)
	}
	if err := tmp.Close(); err != nil {
		return errors.Mark(errors.Wrap(err, "Compact"), ErrStorage)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(l.dir, ledgerJSON)); err != nil {
		return errors.Mark(errors.Wrap(err, "Compact"), ErrStorage)
	}
	if err := DirSync(l.dir); err != nil {
		return errors.Mark(errors.Wrap(err, "Compact"), ErrStorage)
	}

	// The journal is safe to drop only after the snapshot is durable.
	if err := l.journal.Truncate(0); err != nil {
		return errors.Mark(errors.Wrap(err, "Compact"), ErrStorage)
	}
	if _, err := l.journal.Seek(0, io.SeekStart); err != nil {
		return errors.Mark(errors.Wrap(err, "Compact"), ErrStorage)
	}
	return nil
}

// Close releases the journal file handle.
func (l *Ledger) Close() error {
	return l.journal.Close()
}
