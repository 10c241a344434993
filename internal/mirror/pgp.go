package mirror

import (
	"bytes"
	"io"
	"os"

	"github.com/ProtonMail/gopenpgp/v3/crypto"
	"github.com/cockroachdb/errors"
)

// PGPVerifier verifies detached armored signatures against a single
// trusted public key loaded from disk.  Keyring management (import,
// trust decisions) stays outside the sync engine; the key file path
// comes from the mirror configuration.
type PGPVerifier struct {
	pgp *crypto.PGPHandle
	key *crypto.Key
}

// NewPGPVerifier loads an armored public key from keyPath.
func NewPGPVerifier(keyPath string) (*PGPVerifier, error) {
	armored, err := os.ReadFile(keyPath) // #nosec G304 - operator-supplied key path from validated config
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read PGP keyring from: %s", keyPath)
	}

	key, err := crypto.NewKeyFromArmored(string(armored))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse PGP keyring from: %s", keyPath)
	}

	return &PGPVerifier{
		pgp: crypto.PGP(),
		key: key,
	}, nil
}

// KeyID returns the hex key id of the trusted key.
func (v *PGPVerifier) KeyID() string {
	return v.key.GetHexKeyID()
}

// VerifyDetached checks an armored detached signature over message.
// Any failure, including "no usable key", is an error; there is no
// silent pass.
func (v *PGPVerifier) VerifyDetached(message, signature []byte) error {
	verifier, err := v.pgp.Verify().VerificationKey(v.key).New()
	if err != nil {
		return errors.Wrap(err, "failed to create verifier")
	}

	result, err := verifier.VerifyDetached(message, signature, crypto.Armor)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "PGP signature verification failed"), ErrVerification)
	}
	if sigErr := result.SignatureError(); sigErr != nil {
		return errors.Mark(errors.Wrap(sigErr, "PGP signature verification failed"), ErrVerification)
	}
	return nil
}

// VerifyDetachedReader checks an armored detached signature while
// streaming the message, so multi-gigabyte artifacts are verified
// without being buffered in memory.
func (v *PGPVerifier) VerifyDetachedReader(message io.Reader, signature []byte) error {
	verifier, err := v.pgp.Verify().VerificationKey(v.key).New()
	if err != nil {
		return errors.Wrap(err, "failed to create verifier")
	}

	reader, err := verifier.VerifyingReader(message, bytes.NewReader(signature), crypto.Armor)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "PGP signature verification failed"), ErrVerification)
	}
	result, err := reader.DiscardAllAndVerifySignature()
	if err != nil {
		return errors.Mark(errors.Wrap(err, "PGP signature verification failed"), ErrVerification)
	}
	if sigErr := result.SignatureError(); sigErr != nil {
		return errors.Mark(errors.Wrap(sigErr, "PGP signature verification failed"), ErrVerification)
	}
	return nil
}
