package mirror

import (
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/tcmirror/tcmirror/internal/artifact"
)

// applyFilters screens catalog entries before planning: target
// selection, exclude patterns, then the keep_versions cap per
// name+target group (newest versions win).
func applyFilters(mirrorID string, refs []*artifact.Ref, mc *MirrorConfig) []*artifact.Ref {
	var kept []*artifact.Ref
	for _, ref := range refs {
		if !mc.WantsTarget(ref.Target()) {
			continue
		}
		if mc.Filters != nil && excludedByPattern(ref, mc.Filters.ExcludePatterns) {
			slog.Debug("excluding artifact by pattern", "repo", mirrorID,
				"artifact", ref.Name(), "version", ref.Version())
			continue
		}
		kept = append(kept, ref)
	}

	if mc.Filters == nil || mc.Filters.KeepVersions <= 0 {
		return kept
	}

	groups := make(map[string][]*artifact.Ref)
	for _, ref := range kept {
		key := ref.Name() + " " + ref.Target()
		groups[key] = append(groups[key], ref)
	}

	var filtered []*artifact.Ref
	dropped := 0
	for _, group := range groups {
		sort.Slice(group, func(i, j int) bool {
			if group[i].Version() != group[j].Version() {
				return versionGreater(group[i].Version(), group[j].Version())
			}
			return group[i].Target() < group[j].Target()
		})

		keep := len(group)
		if mc.Filters.KeepVersions < keep {
			keep = mc.Filters.KeepVersions
		}
		filtered = append(filtered, group[:keep]...)
		dropped += len(group) - keep
	}

	if dropped > 0 {
		slog.Info("version filtering complete", "repo", mirrorID,
			"total", len(kept), "kept", len(filtered), "filtered_out", dropped)
	}
	return filtered
}

func excludedByPattern(ref *artifact.Ref, patterns []string) bool {
	fullName := ref.Name() + "_" + ref.Version()
	for _, pattern := range patterns {
		if matched, _ := filepath.Match(pattern, ref.Name()); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, ref.Version()); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, fullName); matched {
			return true
		}
	}
	return false
}
