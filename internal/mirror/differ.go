package mirror

import (
	"sort"

	version "github.com/knqyf263/go-deb-version"

	"github.com/tcmirror/tcmirror/internal/artifact"
)

// SyncPlan is the computed difference between the remote catalog and
// the local ledger.  Fetch and Skip partition the catalog entries;
// Remove lists ledger entries retracted upstream (only when pruning).
type SyncPlan struct {
	Fetch  []*artifact.Ref
	Skip   []*artifact.Ref
	Remove []*LedgerEntry
}

// PlanOptions tunes plan computation.
type PlanOptions struct {
	Prune       bool
	OnRepublish RepublishPolicy
}

// Plan computes a SyncPlan from the ledger snapshot and the remote
// catalog entries.  It performs no I/O; callers pass a ledger snapshot
// that has already been screened against the content store.
//
// An entry is fetched iff no ledger entry with matching identity and
// matching declared content exists.  A hash mismatch for a known
// identity (a yanked-and-republished artifact) forces re-fetch unless
// the republish policy says to keep the local copy.  Output ordering is
// deterministic for a given input pair: by name, then descending
// version, then target.
func Plan(local map[string]*LedgerEntry, remote []*artifact.Ref, opts PlanOptions) *SyncPlan {
	plan := &SyncPlan{}

	inCatalog := make(map[string]bool, len(remote))
	for _, ref := range remote {
		inCatalog[ref.ID()] = true

		entry, ok := local[ref.ID()]
		if !ok {
			plan.Fetch = append(plan.Fetch, ref)
			continue
		}
		if entry.Ref.SameContent(ref) {
			plan.Skip = append(plan.Skip, ref)
			continue
		}
		// Republished artifact: identity matches, content differs.
		if opts.OnRepublish == RepublishKeep {
			plan.Skip = append(plan.Skip, ref)
			continue
		}
		plan.Fetch = append(plan.Fetch, ref)
	}

	if opts.Prune {
		for id, entry := range local {
			if !inCatalog[id] {
				plan.Remove = append(plan.Remove, entry)
			}
		}
	}

	sortRefs(plan.Fetch)
	sortRefs(plan.Skip)
	sort.Slice(plan.Remove, func(i, j int) bool {
		return lessRef(&plan.Remove[i].Ref, &plan.Remove[j].Ref)
	})
	return plan
}

// sortRefs orders refs by name, then newest version first, then target.
func sortRefs(refs []*artifact.Ref) {
	sort.Slice(refs, func(i, j int) bool {
		return lessRef(refs[i], refs[j])
	})
}

func lessRef(a, b *artifact.Ref) bool {
	if a.Name() != b.Name() {
		return a.Name() < b.Name()
	}
	if a.Version() != b.Version() {
		return versionGreater(a.Version(), b.Version())
	}
	return a.Target() < b.Target()
}

// versionGreater compares versions Debian-style, falling back to string
// comparison when a version does not parse.
func versionGreater(a, b string) bool {
	va, err1 := version.NewVersion(a)
	vb, err2 := version.NewVersion(b)
	if err1 != nil || err2 != nil {
		return a > b
	}
	return va.GreaterThan(vb)
}
