// Package keyvault turns stored credential blobs into usable signers.
//
// A credential on disk is a PEM private key, possibly protected by a
// passphrase. Decrypting yields a Key: a tagged value carrying the key
// kind and a uniform signing capability, so callers never branch on
// the underlying algorithm.
package keyvault

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Kind tags the algorithm family of a decrypted key.
type Kind string

const (
	KindRSA     Kind = "RSA"
	KindDSA     Kind = "DSA"
	KindECDSA   Kind = "ECDSA"
	KindEd25519 Kind = "Ed25519"
	KindUnknown Kind = "unknown"
)

// ErrPassphraseRequired is returned by Parse when the blob is
// passphrase-protected. Callers should prompt and retry with
// ParseWithPassphrase.
var ErrPassphraseRequired = errors.New("keyvault: passphrase required")

// Key is a decrypted credential: nickname, kind tag, and the signer
// that performs authentication. The private material lives only inside
// the signer; Key exposes no way to extract it.
type Key struct {
	nickname string
	kind     Kind
	signer   ssh.Signer
}

func (k *Key) Nickname() string   { return k.nickname }
func (k *Key) Kind() Kind         { return k.kind }
func (k *Key) Signer() ssh.Signer { return k.signer }

// Fingerprint returns the SHA256 fingerprint of the public half.
func (k *Key) Fingerprint() string {
	return ssh.FingerprintSHA256(k.signer.PublicKey())
}

// AuthorizedLine returns the public half in authorized_keys wire
// format, trailing newline stripped, for display and export.
func (k *Key) AuthorizedLine() string {
	line := ssh.MarshalAuthorizedKey(k.signer.PublicKey())
	return strings.TrimRight(string(line), "\n")
}

// Parse decrypts an unprotected PEM blob. Returns
// ErrPassphraseRequired when the blob needs a passphrase.
func Parse(nickname string, pemBytes []byte) (*Key, error) {
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, ErrPassphraseRequired
		}
		return nil, fmt.Errorf("keyvault: parse key %q: %w", nickname, err)
	}
	return fromSigner(nickname, signer), nil
}

// ParseWithPassphrase decrypts a passphrase-protected PEM blob. A
// wrong passphrase surfaces as an error from the underlying parser.
func ParseWithPassphrase(nickname string, pemBytes, passphrase []byte) (*Key, error) {
	signer, err := ssh.ParsePrivateKeyWithPassphrase(pemBytes, passphrase)
	if err != nil {
		return nil, fmt.Errorf("keyvault: decrypt key %q: %w", nickname, err)
	}
	return fromSigner(nickname, signer), nil
}

// IsEncrypted reports whether the blob requires a passphrase.
func IsEncrypted(pemBytes []byte) bool {
	_, err := ssh.ParsePrivateKey(pemBytes)
	var missing *ssh.PassphraseMissingError
	return errors.As(err, &missing)
}

func fromSigner(nickname string, signer ssh.Signer) *Key {
	return &Key{nickname: nickname, kind: kindOf(signer), signer: signer}
}

func kindOf(signer ssh.Signer) Kind {
	switch signer.PublicKey().Type() {
	case ssh.KeyAlgoRSA:
		return KindRSA
	case ssh.KeyAlgoDSA:
		return KindDSA
	case ssh.KeyAlgoECDSA256, ssh.KeyAlgoECDSA384, ssh.KeyAlgoECDSA521:
		return KindECDSA
	case ssh.KeyAlgoED25519:
		return KindEd25519
	}
	return KindUnknown
}
