// Package encrypt seals finished recording files with authenticated
// encryption. Every artifact carries a self-describing header (scheme, KDF
// cost, salt, nonce) so decryption needs nothing beyond the passphrase, and
// the header itself is bound to the ciphertext as associated data.
package encrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// Ext is appended to the source file name to form the artifact name.
	Ext = ".enc"

	// Scheme identifies the encryption this package writes: AES-256-GCM
	// with a PBKDF2-HMAC-SHA256 derived key.
	Scheme = "aes256gcm-pbkdf2"

	headerVersion = byte(0x1)
	saltSize      = 16
	keySize       = 32
	gcmTagSize    = 16
)

// headerMagic starts every encrypted artifact.
var headerMagic = []byte("CENC")

var (
	// ErrEncryptionFailed is returned when an artifact could not be
	// produced. The plaintext source is always left untouched.
	ErrEncryptionFailed = errors.New("encryption failed")

	// ErrDecryptionFailed is returned when ciphertext authentication
	// fails: a wrong passphrase, or an artifact tampered with on disk.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrNotArtifact is returned when a file does not carry an artifact
	// header this package understands.
	ErrNotArtifact = errors.New("not an encrypted artifact")
)

// Artifact describes one encrypted file and how it was produced.
type Artifact struct {
	Path            string `json:"path"`
	Source          string `json:"source"`
	Scheme          string `json:"scheme"`
	Salt            []byte `json:"salt"`
	Nonce           []byte `json:"nonce"`
	PlaintextBytes  int64  `json:"plaintext_bytes"`
	CiphertextBytes int64  `json:"ciphertext_bytes"`
}

// An Encryptor derives per-file keys from a passphrase and writes encrypted
// artifacts. It is safe for concurrent use.
type Encryptor struct {
	passphrase []byte
	iterations int
}

// NewEncryptor returns an Encryptor deriving keys from passphrase with the
// given PBKDF2 iteration count.
func NewEncryptor(passphrase string, iterations int) (*Encryptor, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase must not be empty")
	}
	if iterations < 1 {
		return nil, errors.Errorf("kdf iterations must be at least 1, got %d", iterations)
	}
	return &Encryptor{passphrase: []byte(passphrase), iterations: iterations}, nil
}

// EncryptFile seals the file at srcPath into a fresh artifact at dstPath.
// A new random salt and nonce are drawn per file. The artifact is written to
// a temporary file, synced and renamed, so dstPath never holds a partial
// artifact; on any failure the plaintext source is untouched.
func (e *Encryptor) EncryptFile(srcPath, dstPath string) (Artifact, error) {
	plaintext, err := os.ReadFile(srcPath) //nolint:gosec
	if err != nil {
		return Artifact{}, errors.Wrapf(ErrEncryptionFailed, "reading %s: %v", srcPath, err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return Artifact{}, errors.Wrapf(ErrEncryptionFailed, "drawing salt: %v", err)
	}
	aead, err := e.newAEAD(salt)
	if err != nil {
		return Artifact{}, errors.Wrapf(ErrEncryptionFailed, "%v", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Artifact{}, errors.Wrapf(ErrEncryptionFailed, "drawing nonce: %v", err)
	}

	header := encodeHeader(e.iterations, salt, nonce)
	sealed := aead.Seal(nil, nonce, plaintext, header)

	if err := writeFileAtomic(dstPath, header, sealed); err != nil {
		return Artifact{}, errors.Wrapf(ErrEncryptionFailed, "writing %s: %v", dstPath, err)
	}
	return Artifact{
		Path:            dstPath,
		Source:          strings.TrimSuffix(filepath.Base(dstPath), Ext),
		Scheme:          Scheme,
		Salt:            salt,
		Nonce:           nonce,
		PlaintextBytes:  int64(len(plaintext)),
		CiphertextBytes: int64(len(header) + len(sealed)),
	}, nil
}

func (e *Encryptor) newAEAD(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(e.passphrase, salt, e.iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// encodeHeader serializes the artifact preamble. Its exact bytes double as
// the AEAD associated data, so any tampering with the stored parameters
// fails authentication.
func encodeHeader(iterations int, salt, nonce []byte) []byte {
	header := make([]byte, 0, len(headerMagic)+1+1+len(Scheme)+4+1+len(salt)+1+len(nonce))
	header = append(header, headerMagic...)
	header = append(header, headerVersion)
	header = append(header, byte(len(Scheme)))
	header = append(header, Scheme...)
	header = binary.BigEndian.AppendUint32(header, uint32(iterations))
	header = append(header, byte(len(salt)))
	header = append(header, salt...)
	header = append(header, byte(len(nonce)))
	header = append(header, nonce...)
	return header
}

// writeFileAtomic writes header and body to path via a temporary file, fsync
// and rename. Partially written temporaries are removed on failure.
func writeFileAtomic(path string, header, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	//nolint:gosec
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	cleanup := func(err error) error {
		return multierr.Combine(err, os.Remove(tmpPath))
	}
	if _, err := f.Write(header); err != nil {
		return cleanup(multierr.Combine(err, f.Close()))
	}
	if _, err := f.Write(body); err != nil {
		return cleanup(multierr.Combine(err, f.Close()))
	}
	if err := f.Sync(); err != nil {
		return cleanup(multierr.Combine(err, f.Close()))
	}
	if err := f.Close(); err != nil {
		return cleanup(err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return cleanup(err)
	}
	return nil
}
