package mirror

import (
	"sort"
	"testing"

	"github.com/tcmirror/tcmirror/internal/artifact"
)

func filteredIDs(refs []*artifact.Ref) []string {
	ids := planIDs(refs)
	sort.Strings(ids)
	return ids
}

func TestApplyFiltersTargets(t *testing.T) {
	t.Parallel()

	linux := testRef("toolchain", "1.0", "x86_64-linux", "a")
	darwin := testRef("toolchain", "1.0", "aarch64-darwin", "b")
	mc := &MirrorConfig{Targets: []string{"x86_64-linux"}}

	got := applyFilters("t", []*artifact.Ref{linux, darwin}, mc)
	if len(got) != 1 || got[0].Target() != "x86_64-linux" {
		t.Errorf("kept %v, want only the linux target", filteredIDs(got))
	}
}

func TestApplyFiltersExcludePatterns(t *testing.T) {
	t.Parallel()

	stable := testRef("toolchain", "1.0", "x86_64-linux", "a")
	rc := testRef("toolchain", "1.1-rc1", "x86_64-linux", "b")
	docs := testRef("toolchain-docs", "1.0", "x86_64-linux", "c")

	mc := &MirrorConfig{Filters: &ArtifactFilters{
		ExcludePatterns: []string{"*-rc*", "*-docs"},
	}}
	got := applyFilters("t", []*artifact.Ref{stable, rc, docs}, mc)
	if len(got) != 1 || got[0].ID() != stable.ID() {
		t.Errorf("kept %v, want only %s", filteredIDs(got), stable.ID())
	}
}

func TestApplyFiltersKeepVersions(t *testing.T) {
	t.Parallel()

	var refs []*artifact.Ref
	for _, v := range []string{"1.8", "1.9", "1.10", "1.11"} {
		refs = append(refs, testRef("toolchain", v, "x86_64-linux", "body "+v))
	}
	other := testRef("stdlib", "0.1", "x86_64-linux", "other")
	refs = append(refs, other)

	mc := &MirrorConfig{Filters: &ArtifactFilters{KeepVersions: 2}}
	got := applyFilters("t", refs, mc)

	want := []string{
		other.ID(),
		"toolchain 1.10 x86_64-linux",
		"toolchain 1.11 x86_64-linux",
	}
	ids := filteredIDs(got)
	if len(ids) != len(want) {
		t.Fatalf("kept %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("kept %v, want %v", ids, want)
			break
		}
	}
}

func TestApplyFiltersNoFilters(t *testing.T) {
	t.Parallel()

	refs := []*artifact.Ref{
		testRef("toolchain", "1.0", "x86_64-linux", "a"),
		testRef("stdlib", "1.0", "x86_64-linux", "b"),
	}
	got := applyFilters("t", refs, &MirrorConfig{})
	if len(got) != 2 {
		t.Errorf("kept %d refs, want 2", len(got))
	}
}
