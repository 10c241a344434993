package mirror

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestLedger(t *testing.T, dir string) *Ledger {
	t.Helper()
	l, err := OpenLedger(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedgerRecordLookupRemove(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := openTestLedger(t, dir)

	ref := testRef("toolchain", "1.0", "x86_64-linux", "body")
	if err := l.Record(testEntry(ref)); err != nil {
		t.Fatal(err)
	}

	if got := l.Lookup(ref.ID()); got == nil || !got.Ref.SameContent(ref) {
		t.Fatal("recorded entry not found by lookup")
	}
	if l.Lookup("missing id") != nil {
		t.Error("lookup of unknown identity should return nil")
	}

	snap := l.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot has %d entries, want 1", len(snap))
	}
	delete(snap, ref.ID())
	if l.Len() != 1 {
		t.Error("mutating a snapshot must not touch the ledger")
	}

	if err := l.Remove(ref.ID()); err != nil {
		t.Fatal(err)
	}
	if l.Lookup(ref.ID()) != nil {
		t.Error("removed entry still visible")
	}
	// Removing twice is a no-op.
	if err := l.Remove(ref.ID()); err != nil {
		t.Fatal(err)
	}
}

// TestLedgerJournalSurvivesReopen checks that entries recorded without
// a compaction (as after a crash mid-pass) are replayed from the
// journal on the next open.
func TestLedgerJournalSurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := testRef("toolchain", "1.0", "x86_64-linux", "a")
	b := testRef("stdlib", "1.0", "x86_64-linux", "b")

	l := openTestLedger(t, dir)
	if err := l.Record(testEntry(a)); err != nil {
		t.Fatal(err)
	}
	if err := l.Record(testEntry(b)); err != nil {
		t.Fatal(err)
	}
	if err := l.Remove(b.ID()); err != nil {
		t.Fatal(err)
	}
	// No Compact: simulate a crash before Finalizing.
	l.Close()

	reopened := openTestLedger(t, dir)
	if reopened.Len() != 1 {
		t.Fatalf("replayed ledger has %d entries, want 1", reopened.Len())
	}
	if reopened.Lookup(a.ID()) == nil {
		t.Error("journaled record lost across reopen")
	}
	if reopened.Lookup(b.ID()) != nil {
		t.Error("journaled remove lost across reopen")
	}
}

func TestLedgerCompact(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := testRef("toolchain", "1.0", "x86_64-linux", "a")

	l := openTestLedger(t, dir)
	if err := l.Record(testEntry(a)); err != nil {
		t.Fatal(err)
	}
	if err := l.Compact(); err != nil {
		t.Fatal(err)
	}

	st, err := os.Stat(filepath.Join(dir, journalName))
	if err != nil {
		t.Fatal(err)
	}
	if st.Size() != 0 {
		t.Error("journal should be truncated after compaction")
	}
	l.Close()

	reopened := openTestLedger(t, dir)
	if reopened.Lookup(a.ID()) == nil {
		t.Error("compacted entry lost across reopen")
	}
}

// TestLedgerTruncatedJournal simulates a crash mid-append: the
// truncated trailing record is dropped, everything before it survives.
func TestLedgerTruncatedJournal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := testRef("toolchain", "1.0", "x86_64-linux", "a")

	l := openTestLedger(t, dir)
	if err := l.Record(testEntry(a)); err != nil {
		t.Fatal(err)
	}
	l.Close()

	jp := filepath.Join(dir, journalName)
	f, err := os.OpenFile(jp, os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"op":"record","entry":{"ref"`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	reopened := openTestLedger(t, dir)
	if reopened.Len() != 1 {
		t.Fatalf("ledger has %d entries after truncated journal, want 1", reopened.Len())
	}
	if reopened.Lookup(a.ID()) == nil {
		t.Error("entry before the truncated record should survive")
	}
}
