package encrypt

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	viamutils "go.viam.com/utils"
)

// Header is the self-describing preamble of an encrypted artifact.
type Header struct {
	Scheme     string
	Iterations int
	Salt       []byte
	Nonce      []byte

	// raw holds the exact serialized header bytes as found on disk; they
	// are the AEAD associated data for the ciphertext that follows.
	raw []byte
}

// ReadHeader reads just the artifact preamble from path.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return Header{}, err
	}
	defer viamutils.UncheckedErrorFunc(f.Close)
	return parseHeader(bufio.NewReader(f))
}

func parseHeader(r *bufio.Reader) (Header, error) {
	var h Header
	magic := make([]byte, len(headerMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return Header{}, errors.Wrapf(ErrNotArtifact, "reading magic: %v", err)
	}
	if !bytes.Equal(magic, headerMagic) {
		return Header{}, errors.Wrapf(ErrNotArtifact, "bad magic %q", magic)
	}
	h.raw = append(h.raw, magic...)

	version, err := r.ReadByte()
	if err != nil {
		return Header{}, errors.Wrapf(ErrNotArtifact, "reading version: %v", err)
	}
	if version != headerVersion {
		return Header{}, errors.Wrapf(ErrNotArtifact, "unsupported artifact version 0x%x", version)
	}
	h.raw = append(h.raw, version)

	scheme, err := readLenPrefixed(r, &h.raw)
	if err != nil {
		return Header{}, errors.Wrapf(ErrNotArtifact, "reading scheme: %v", err)
	}
	h.Scheme = string(scheme)

	var iterations [4]byte
	if _, err := io.ReadFull(r, iterations[:]); err != nil {
		return Header{}, errors.Wrapf(ErrNotArtifact, "reading kdf iterations: %v", err)
	}
	h.raw = append(h.raw, iterations[:]...)
	h.Iterations = int(binary.BigEndian.Uint32(iterations[:]))

	if h.Salt, err = readLenPrefixed(r, &h.raw); err != nil {
		return Header{}, errors.Wrapf(ErrNotArtifact, "reading salt: %v", err)
	}
	if h.Nonce, err = readLenPrefixed(r, &h.raw); err != nil {
		return Header{}, errors.Wrapf(ErrNotArtifact, "reading nonce: %v", err)
	}
	return h, nil
}

func readLenPrefixed(r *bufio.Reader, raw *[]byte) ([]byte, error) {
	size, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	*raw = append(*raw, size)
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	*raw = append(*raw, data...)
	return data, nil
}

// Decrypt opens the artifact at path with passphrase and returns the
// recovered plaintext. Authentication covers both the ciphertext and the
// stored header parameters.
func Decrypt(path, passphrase string) ([]byte, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, err
	}
	defer viamutils.UncheckedErrorFunc(f.Close)

	br := bufio.NewReader(f)
	h, err := parseHeader(br)
	if err != nil {
		return nil, err
	}
	if h.Scheme != Scheme {
		return nil, errors.Wrapf(ErrNotArtifact, "unsupported scheme %q", h.Scheme)
	}
	ciphertext, err := io.ReadAll(br)
	if err != nil {
		return nil, errors.Wrapf(ErrDecryptionFailed, "reading ciphertext: %v", err)
	}

	enc := Encryptor{passphrase: []byte(passphrase), iterations: h.Iterations}
	aead, err := enc.newAEAD(h.Salt)
	if err != nil {
		return nil, errors.Wrapf(ErrDecryptionFailed, "%v", err)
	}
	plaintext, err := aead.Open(nil, h.Nonce, ciphertext, h.raw)
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, "wrong passphrase or tampered artifact")
	}
	return plaintext, nil
}

// DecryptFile writes the plaintext recovered from path to dstPath.
func DecryptFile(path, passphrase, dstPath string) error {
	plaintext, err := Decrypt(path, passphrase)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(dstPath, plaintext, 0o600)
}

// VerifyPassphrase checks passphrase against the artifact at path by fully
// decrypting it, discarding the plaintext.
func VerifyPassphrase(path, passphrase string) error {
	_, err := Decrypt(path, passphrase)
	return err
}

// ListArtifacts walks root and describes every encrypted artifact under it,
// in lexical path order. Files without a recognizable header are skipped. A
// missing root yields an empty list.
func ListArtifacts(root string) ([]Artifact, error) {
	var artifacts []Artifact
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), Ext) {
			return nil
		}
		h, err := ReadHeader(path)
		if err != nil {
			if errors.Is(err, ErrNotArtifact) {
				return nil
			}
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		artifacts = append(artifacts, Artifact{
			Path:            path,
			Source:          strings.TrimSuffix(d.Name(), Ext),
			Scheme:          h.Scheme,
			Salt:            h.Salt,
			Nonce:           h.Nonce,
			PlaintextBytes:  info.Size() - int64(len(h.raw)) - gcmTagSize,
			CiphertextBytes: info.Size(),
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return artifacts, nil
}
