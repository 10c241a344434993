package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"math"

	"github.com/cockroachdb/errors"
)

// Ref identifies one mirrorable artifact as listed by a catalog.
//
// Name, Version and Target form the identity; two Refs with equal
// identity refer to the same logical artifact even when their declared
// content differs (a republished artifact keeps its identity but
// changes its SHA256).
type Ref struct {
	name    string
	version string
	target  string
	path    string
	sigPath string
	size    uint64
	sha256  []byte
}

// NewRef constructs a Ref. path is the catalog-relative location of the
// artifact body, sigPath the optional location of a detached signature.
func NewRef(name, version, target, path, sigPath string, size uint64, sha []byte) *Ref {
	return &Ref{
		name:    name,
		version: version,
		target:  target,
		path:    path,
		sigPath: sigPath,
		size:    size,
		sha256:  sha,
	}
}

// ID returns the identity key used by the ledger and the differ.
func (r *Ref) ID() string {
	return r.name + " " + r.version + " " + r.target
}

// Name returns the logical artifact name.
func (r *Ref) Name() string {
	return r.name
}

// Version returns the artifact version string.
func (r *Ref) Version() string {
	return r.version
}

// Target returns the platform variant the artifact was built for.
func (r *Ref) Target() string {
	return r.target
}

// Path returns the catalog-relative path of the artifact body.
func (r *Ref) Path() string {
	return r.path
}

// SigPath returns the catalog-relative path of the detached signature,
// or an empty string when the artifact is unsigned.
func (r *Ref) SigPath() string {
	return r.sigPath
}

// Size returns the declared number of bytes of the artifact body.
func (r *Ref) Size() uint64 {
	return r.size
}

// SHA256 returns the declared content hash.
func (r *Ref) SHA256() []byte {
	return r.sha256
}

// SameIdentity returns true if t refers to the same logical artifact.
func (r *Ref) SameIdentity(t *Ref) bool {
	if r == t {
		return true
	}
	return r.name == t.name && r.version == t.version && r.target == t.target
}

// SameContent returns true if t has the same identity, size and
// declared hash.  The differ uses this to detect republished artifacts.
func (r *Ref) SameContent(t *Ref) bool {
	if !r.SameIdentity(t) {
		return false
	}
	if r.size != t.size {
		return false
	}
	return bytes.Equal(r.sha256, t.sha256)
}

type refJSON struct {
	Name      string
	Version   string
	Target    string
	Path      string
	SigPath   string `json:",omitempty"`
	Size      int64
	SHA256Sum string
}

// MarshalJSON implements json.Marshaler
func (r *Ref) MarshalJSON() ([]byte, error) {
	if r.size > math.MaxInt64 {
		return nil, errors.Newf("artifact size %d exceeds maximum int64 value", r.size)
	}
	return json.Marshal(&refJSON{
		Name:      r.name,
		Version:   r.version,
		Target:    r.target,
		Path:      r.path,
		SigPath:   r.sigPath,
		Size:      int64(r.size),
		SHA256Sum: hex.EncodeToString(r.sha256),
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (r *Ref) UnmarshalJSON(data []byte) error {
	var rj refJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return err
	}
	if rj.Size < 0 {
		return errors.Newf("negative artifact size %d not allowed", rj.Size)
	}
	r.name = rj.Name
	r.version = rj.Version
	r.target = rj.Target
	r.path = rj.Path
	r.sigPath = rj.SigPath
	r.size = uint64(rj.Size)
	if rj.SHA256Sum != "" {
		sum, err := hex.DecodeString(rj.SHA256Sum)
		if err != nil {
			return errors.Wrap(err, "UnmarshalJSON SHA256Sum for "+rj.Name)
		}
		r.sha256 = sum
	} else {
		r.sha256 = nil
	}
	return nil
}

// CopyWithDigest copies from src to dst until EOF or an error, feeding
// every chunk through an incremental SHA-256 accumulator.  It returns
// the number of bytes copied and the final digest, so large artifacts
// are hashed without ever being buffered fully in memory.
func CopyWithDigest(dst io.Writer, src io.Reader) (int64, []byte, error) {
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(h, dst), src)
	if err != nil {
		return n, nil, err
	}
	return n, h.Sum(nil), nil
}
