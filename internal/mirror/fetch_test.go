package mirror

import (
	"context"
	"crypto/sha256"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tcmirror/tcmirror/internal/artifact"
)

// fakeOrigin serves catalog-relative paths from an in-memory map and
// can fail the first N requests for a path with a server error.
type fakeOrigin struct {
	mu       sync.Mutex
	files    map[string][]byte
	failures map[string]int
	requests map[string]int
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{
		files:    make(map[string][]byte),
		failures: make(map[string]int),
		requests: make(map[string]int),
	}
}

func (o *fakeOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p := strings.TrimPrefix(r.URL.Path, "/")
	o.requests[p]++
	if o.failures[p] > 0 {
		o.failures[p]--
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	body, ok := o.files[p]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Write(body)
}

func (o *fakeOrigin) requestCount(p string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requests[p]
}

func newTestFetcher(t *testing.T, o *fakeOrigin) (*Fetcher, *Store, *Ledger) {
	t.Helper()

	srv := httptest.NewServer(o)
	t.Cleanup(srv.Close)

	base, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}

	store := newTestStore(t)
	ledger := openTestLedger(t, t.TempDir())
	retry := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	fetcher := NewFetcher(NewHTTPTransport(base, nil), store, ledger, nil, "test", 4, retry)
	return fetcher, store, ledger
}

func TestFetcherSuccess(t *testing.T) {
	t.Parallel()

	origin := newFakeOrigin()
	body := "toolchain body"
	ref := testRef("toolchain", "1.0", "x86_64-linux", body)
	origin.files[ref.Path()] = []byte(body)

	fetcher, store, ledger := newTestFetcher(t, origin)
	results, err := fetcher.Run(context.Background(), []*artifact.Ref{ref}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("unexpected results: %+v", results)
	}

	got, err := os.ReadFile(store.FullPath(ref.Path()))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != body {
		t.Error("published content does not match origin body")
	}

	entry := ledger.Lookup(ref.ID())
	if entry == nil {
		t.Fatal("completed artifact missing from ledger")
	}
	if entry.Signature != SignatureUnsigned {
		t.Errorf("signature status = %s, want %s", entry.Signature, SignatureUnsigned)
	}
}

func TestFetcherChecksumMismatch(t *testing.T) {
	t.Parallel()

	origin := newFakeOrigin()
	ref := testRef("toolchain", "1.0", "x86_64-linux", "expected body")
	origin.files[ref.Path()] = []byte("tampered body!")

	fetcher, store, ledger := newTestFetcher(t, origin)
	results, err := fetcher.Run(context.Background(), []*artifact.Ref{ref}, nil)
	if err != nil {
		t.Fatal(err)
	}
	res := results[0]
	if res.Err == nil {
		t.Fatal("checksum mismatch should fail the artifact")
	}
	if !IsVerification(res.Err) {
		t.Errorf("error kind = %s, want verification", ErrorKind(res.Err))
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, verification failures must not be retried", res.Attempts)
	}

	if store.Has(ref.Path()) {
		t.Error("unverified content must never be published")
	}
	if ledger.Lookup(ref.ID()) != nil {
		t.Error("failed artifact must not be recorded")
	}

	// The rejected temp file must be cleaned up.
	matches, err := filepath.Glob(filepath.Join(store.Dir(), "_tmp*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestFetcherRetriesServerError(t *testing.T) {
	t.Parallel()

	origin := newFakeOrigin()
	body := "flaky body"
	ref := testRef("toolchain", "1.1", "x86_64-linux", body)
	origin.files[ref.Path()] = []byte(body)
	origin.failures[ref.Path()] = 2

	fetcher, store, _ := newTestFetcher(t, origin)
	results, err := fetcher.Run(context.Background(), []*artifact.Ref{ref}, nil)
	if err != nil {
		t.Fatal(err)
	}
	res := results[0]
	if res.Err != nil {
		t.Fatal("transient errors within the retry budget should recover:", res.Err)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
	if !store.Has(ref.Path()) {
		t.Error("recovered artifact should be published")
	}
}

func TestFetcherExhaustsRetries(t *testing.T) {
	t.Parallel()

	origin := newFakeOrigin()
	ref := testRef("toolchain", "1.2", "x86_64-linux", "never served")
	origin.files[ref.Path()] = []byte("never served")
	origin.failures[ref.Path()] = 100

	fetcher, _, _ := newTestFetcher(t, origin)
	results, err := fetcher.Run(context.Background(), []*artifact.Ref{ref}, nil)
	if err != nil {
		t.Fatal(err)
	}
	res := results[0]
	if res.Err == nil {
		t.Fatal("exhausted retries should surface an error")
	}
	if !IsTransient(res.Err) {
		t.Errorf("error kind = %s, want transient", ErrorKind(res.Err))
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
}

func TestFetcherNotFoundIsPermanent(t *testing.T) {
	t.Parallel()

	origin := newFakeOrigin()
	ref := testRef("ghost", "1.0", "x86_64-linux", "absent")

	fetcher, _, _ := newTestFetcher(t, origin)
	results, err := fetcher.Run(context.Background(), []*artifact.Ref{ref}, nil)
	if err != nil {
		t.Fatal(err)
	}
	res := results[0]
	if res.Err == nil || IsTransient(res.Err) {
		t.Fatal("404 should be a permanent failure")
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, permanent failures must not be retried", res.Attempts)
	}
	if n := origin.requestCount(ref.Path()); n != 1 {
		t.Errorf("origin saw %d requests, want 1", n)
	}
}

func TestFetcherIsolatesFailures(t *testing.T) {
	t.Parallel()

	origin := newFakeOrigin()
	good1 := testRef("toolchain", "1.0", "x86_64-linux", "body one")
	bad := testRef("ghost", "1.0", "x86_64-linux", "body two")
	good2 := testRef("stdlib", "1.0", "x86_64-linux", "body three")
	origin.files[good1.Path()] = []byte("body one")
	origin.files[good2.Path()] = []byte("body three")

	fetcher, store, ledger := newTestFetcher(t, origin)
	results, err := fetcher.Run(context.Background(), []*artifact.Ref{good1, bad, good2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}

	var failed int
	for _, res := range results {
		if res.Err != nil {
			failed++
			if res.Ref.ID() != bad.ID() {
				t.Errorf("unexpected failure for %s: %v", res.Ref.ID(), res.Err)
			}
		}
	}
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	if !store.Has(good1.Path()) || !store.Has(good2.Path()) {
		t.Error("one bad artifact must not block the others")
	}
	if ledger.Len() != 2 {
		t.Errorf("ledger holds %d entries, want 2", ledger.Len())
	}
}

func TestFetcherMirrorsDeclaredSignature(t *testing.T) {
	t.Parallel()

	origin := newFakeOrigin()
	body := "signed body"
	sum := sha256.Sum256([]byte(body))
	ref := artifact.NewRef("toolchain", "1.0", "x86_64-linux",
		"dist/1.0/toolchain-x86_64-linux.tar.xz",
		"dist/1.0/toolchain-x86_64-linux.tar.xz.asc",
		uint64(len(body)), sum[:])
	origin.files[ref.Path()] = []byte(body)
	origin.files[ref.SigPath()] = []byte("-----BEGIN PGP SIGNATURE-----\nfake\n-----END PGP SIGNATURE-----\n")

	fetcher, store, ledger := newTestFetcher(t, origin)
	results, err := fetcher.Run(context.Background(), []*artifact.Ref{ref}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Err != nil {
		t.Fatal(results[0].Err)
	}

	if !store.Has(ref.SigPath()) {
		t.Error("declared signature should be mirrored next to the body")
	}
	entry := ledger.Lookup(ref.ID())
	if entry == nil {
		t.Fatal("artifact missing from ledger")
	}
	if entry.Signature != SignatureSkipped {
		t.Errorf("signature status = %s, want %s with verification disabled", entry.Signature, SignatureSkipped)
	}
}

func TestFetcherMissingDeclaredSignature(t *testing.T) {
	t.Parallel()

	origin := newFakeOrigin()
	body := "signed body"
	sum := sha256.Sum256([]byte(body))
	ref := artifact.NewRef("toolchain", "1.0", "x86_64-linux",
		"dist/1.0/toolchain-x86_64-linux.tar.xz",
		"dist/1.0/toolchain-x86_64-linux.tar.xz.asc",
		uint64(len(body)), sum[:])
	origin.files[ref.Path()] = []byte(body)

	fetcher, store, _ := newTestFetcher(t, origin)
	results, err := fetcher.Run(context.Background(), []*artifact.Ref{ref}, nil)
	if err != nil {
		t.Fatal(err)
	}
	res := results[0]
	if res.Err == nil || !IsVerification(res.Err) {
		t.Fatal("a missing declared signature should be a verification failure, got:", res.Err)
	}
	if store.Has(ref.Path()) {
		t.Error("artifact without its declared signature must not be published")
	}
}

func TestFetcherCancellation(t *testing.T) {
	t.Parallel()

	origin := newFakeOrigin()
	refs := make([]*artifact.Ref, 0, 8)
	for _, v := range []string{"1.0", "1.1", "1.2", "1.3", "1.4", "1.5", "1.6", "1.7"} {
		ref := testRef("toolchain", v, "x86_64-linux", "body "+v)
		origin.files[ref.Path()] = []byte("body " + v)
		refs = append(refs, ref)
	}

	fetcher, _, _ := newTestFetcher(t, origin)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := fetcher.Run(ctx, refs, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != len(refs) {
		t.Fatalf("got %d results, want %d", len(results), len(refs))
	}
	for _, res := range results {
		if res.Err == nil {
			continue
		}
		if !IsTransient(res.Err) {
			t.Errorf("cancellation for %s should be transient, got %s", res.Ref.ID(), ErrorKind(res.Err))
		}
	}
}
