package catalog

import (
	"encoding/hex"
	"path"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"

	"github.com/tcmirror/tcmirror/internal/artifact"
)

// Snapshot is the parsed catalog of one channel at a point in time.
//
// Snapshots are ephemeral: they are rebuilt from the remote index on
// every sync pass and never persisted.  Raw holds the verified manifest
// bytes so the orchestrator can republish them into the mirror after a
// successful pass.
type Snapshot struct {
	Channel string
	Date    string
	Refs    []*artifact.Ref

	Raw     []byte
	RawPath string
	Sig     []byte
	SigPath string
}

// Lookup returns the ref with the given identity, or nil.
func (s *Snapshot) Lookup(id string) *artifact.Ref {
	for _, ref := range s.Refs {
		if ref.ID() == id {
			return ref
		}
	}
	return nil
}

type manifestTOML struct {
	Catalog struct {
		Channel string `toml:"channel"`
		Date    string `toml:"date"`
	} `toml:"catalog"`
	Artifacts []artifactTOML `toml:"artifacts"`
}

type artifactTOML struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	Target  string `toml:"target"`
	Path    string `toml:"path"`
	Sig     string `toml:"sig,omitempty"`
	Size    int64  `toml:"size"`
	SHA256  string `toml:"sha256"`
}

// validateRelPath rejects catalog-supplied paths that could escape the
// mirror directory.
func validateRelPath(p string) error {
	clean := path.Clean(p)
	if clean == "." || clean == "" {
		return errors.New("empty artifact path")
	}
	if path.IsAbs(clean) {
		return errors.New("unsafe path (absolute path not allowed): " + p)
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return errors.New("unsafe path (contains directory traversal): " + p)
	}
	return nil
}

// Parse decodes a catalog manifest.  It fails atomically: either every
// entry is well formed and the full snapshot is returned, or an error
// is returned and no partial snapshot escapes.
func Parse(channel string, raw []byte) (*Snapshot, error) {
	var m manifestTOML
	md, err := toml.Decode(string(raw), &m)
	if err != nil {
		return nil, errors.Wrap(err, "catalog manifest for channel "+channel)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, errors.Newf("catalog manifest for channel %s: unknown keys %v", channel, keys)
	}
	if m.Catalog.Channel != "" && m.Catalog.Channel != channel {
		return nil, errors.Newf("catalog manifest declares channel %q, expected %q", m.Catalog.Channel, channel)
	}

	snap := &Snapshot{
		Channel: channel,
		Date:    m.Catalog.Date,
		Raw:     raw,
		RawPath: ManifestPath(channel),
		SigPath: SignaturePath(channel),
	}

	seen := make(map[string]bool, len(m.Artifacts))
	for _, a := range m.Artifacts {
		ref, err := a.toRef()
		if err != nil {
			return nil, errors.Wrap(err, "catalog manifest for channel "+channel)
		}
		if seen[ref.ID()] {
			return nil, errors.New("duplicate catalog entry: " + ref.ID())
		}
		seen[ref.ID()] = true
		snap.Refs = append(snap.Refs, ref)
	}
	return snap, nil
}

func (a *artifactTOML) toRef() (*artifact.Ref, error) {
	if a.Name == "" || a.Version == "" || a.Target == "" {
		return nil, errors.Newf("incomplete artifact entry %q %q %q", a.Name, a.Version, a.Target)
	}
	if err := validateRelPath(a.Path); err != nil {
		return nil, errors.Wrap(err, a.Name)
	}
	if a.Sig != "" {
		if err := validateRelPath(a.Sig); err != nil {
			return nil, errors.Wrap(err, a.Name)
		}
	}
	if a.Size < 0 {
		return nil, errors.Newf("negative size for %s", a.Name)
	}
	sum, err := hex.DecodeString(a.SHA256)
	if err != nil {
		return nil, errors.Wrap(err, "sha256 for "+a.Name)
	}
	if len(sum) != 32 {
		return nil, errors.Newf("sha256 for %s has %d bytes, want 32", a.Name, len(sum))
	}
	return artifact.NewRef(a.Name, a.Version, a.Target, path.Clean(a.Path), a.Sig, uint64(a.Size), sum), nil
}

// ManifestPath returns the catalog-relative path of a channel manifest.
func ManifestPath(channel string) string {
	return path.Join(channel, "catalog.toml")
}

// CompressedManifestPath returns the path of the xz-compressed variant.
func CompressedManifestPath(channel string) string {
	return ManifestPath(channel) + ".xz"
}

// SignaturePath returns the path of the detached manifest signature.
func SignaturePath(channel string) string {
	return ManifestPath(channel) + ".asc"
}
