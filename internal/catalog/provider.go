package catalog

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/ulikunitz/xz"
)

// Transport retrieves catalog-relative paths from the origin.  The
// returned status is the HTTP status code (or an equivalent for other
// backends); body is non-nil only for status 200.
type Transport interface {
	Get(ctx context.Context, relpath string) (io.ReadCloser, int, error)
}

// SigVerifier checks a detached armored signature over a message.
// VerifyDetached takes the message in memory (manifests are small);
// VerifyDetachedReader streams it, so artifact bodies are never
// buffered fully.  Implementations that cannot find a usable key must
// return an error, never a silent pass.
type SigVerifier interface {
	VerifyDetached(message, signature []byte) error
	VerifyDetachedReader(message io.Reader, signature []byte) error
}

// Provider fetches and verifies channel manifests from a remote index.
//
// A manifest is trusted only after its detached signature verifies.
// When requireSig is false (explicitly disabled verification), the
// signature file is still mirrored if present but not checked.
type Provider struct {
	transport  Transport
	verifier   SigVerifier
	requireSig bool
	mirrorID   string
}

// maxManifestBytes bounds manifest and signature reads.  The limit is
// enforced before signature verification, so an unauthenticated origin
// cannot exhaust memory with an oversized or decompression-bombed
// manifest.
const maxManifestBytes = 16 << 20

// readAllBounded reads r fully, failing if the content exceeds
// maxManifestBytes.
func readAllBounded(r io.Reader, what string) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxManifestBytes+1))
	if err != nil {
		return nil, err
	}
	if len(raw) > maxManifestBytes {
		return nil, errors.Newf("%s exceeds %d bytes", what, maxManifestBytes)
	}
	return raw, nil
}

// NewProvider constructs a Provider.
func NewProvider(transport Transport, verifier SigVerifier, requireSig bool, mirrorID string) *Provider {
	return &Provider{
		transport:  transport,
		verifier:   verifier,
		requireSig: requireSig,
		mirrorID:   mirrorID,
	}
}

// Catalog downloads, verifies and parses the manifest of one channel.
// It returns a complete snapshot or fails without side effects.
func (p *Provider) Catalog(ctx context.Context, channel string) (*Snapshot, error) {
	raw, err := p.fetchManifest(ctx, channel)
	if err != nil {
		return nil, err
	}

	sig, err := p.fetchSignature(ctx, channel)
	if err != nil {
		return nil, err
	}

	if p.requireSig {
		if len(sig) == 0 {
			return nil, errors.New("no catalog signature for channel " + channel)
		}
		if err := p.verifier.VerifyDetached(raw, sig); err != nil {
			return nil, errors.Wrap(err, "catalog signature for channel "+channel)
		}
		slog.Info("catalog signature verified", "repo", p.mirrorID, "channel", channel)
	}

	snap, err := Parse(channel, raw)
	if err != nil {
		return nil, err
	}
	snap.Sig = sig

	slog.Info("catalog loaded", "repo", p.mirrorID, "channel", channel, "artifacts", len(snap.Refs))
	return snap, nil
}

// fetchManifest prefers the xz-compressed manifest variant and falls
// back to the plain one when the origin does not publish it.
func (p *Provider) fetchManifest(ctx context.Context, channel string) ([]byte, error) {
	body, status, err := p.transport.Get(ctx, CompressedManifestPath(channel))
	if err != nil {
		return nil, errors.Wrap(err, "fetch catalog for channel "+channel)
	}
	if status == http.StatusOK {
		defer closeBody(body)
		xzr, err := xz.NewReader(body)
		if err != nil {
			return nil, errors.Wrap(err, "xz catalog for channel "+channel)
		}
		raw, err := readAllBounded(xzr, "xz catalog for channel "+channel)
		if err != nil {
			return nil, errors.Wrap(err, "xz catalog for channel "+channel)
		}
		return raw, nil
	}
	if body != nil {
		closeBody(body)
	}

	body, status, err = p.transport.Get(ctx, ManifestPath(channel))
	if err != nil {
		return nil, errors.Wrap(err, "fetch catalog for channel "+channel)
	}
	if status != http.StatusOK {
		if body != nil {
			closeBody(body)
		}
		return nil, errors.Newf("status %d for catalog of channel %s", status, channel)
	}
	defer closeBody(body)

	raw, err := readAllBounded(body, "catalog for channel "+channel)
	if err != nil {
		return nil, errors.Wrap(err, "read catalog for channel "+channel)
	}
	return raw, nil
}

func (p *Provider) fetchSignature(ctx context.Context, channel string) ([]byte, error) {
	body, status, err := p.transport.Get(ctx, SignaturePath(channel))
	if err != nil {
		return nil, errors.Wrap(err, "fetch catalog signature for channel "+channel)
	}
	if status == http.StatusNotFound {
		if body != nil {
			closeBody(body)
		}
		return nil, nil
	}
	if status != http.StatusOK {
		if body != nil {
			closeBody(body)
		}
		return nil, errors.Newf("status %d for catalog signature of channel %s", status, channel)
	}
	defer closeBody(body)

	sig, err := readAllBounded(body, "catalog signature for channel "+channel)
	if err != nil {
		return nil, errors.Wrap(err, "read catalog signature for channel "+channel)
	}
	return sig, nil
}

func closeBody(rc io.ReadCloser) {
	if err := rc.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}
