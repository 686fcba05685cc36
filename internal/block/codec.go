// Package block implements the authenticated block codec and the block
// manager that maps block indexes to host-file offsets (spec §4.A, §4.B).
package block

import (
	"crypto/rand"
	"fmt"

	"github.com/kristoffer-paulsson/archive7/errs"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// Size is the fixed on-disk ciphertext size of one block (BLOCK_SIZE).
	Size = 4096
	// HeaderSize is the packed size of a block's plaintext header fields:
	// previous(4) + next(4) + index(4) + stream(16) + digest(20).
	HeaderSize = 48
	// DataSize is the usable payload per block.
	DataSize = Size - HeaderSize - nonceSize - secretbox.Overhead

	nonceSize = 24
)

// Secret is the caller-supplied 32-byte symmetric key.
type Secret [32]byte

// seal encrypts plaintext (exactly HeaderSize+DataSize bytes) under secret,
// producing a ciphertext of exactly Size bytes: a random 24-byte nonce
// followed by the XSalsa20-Poly1305 sealed box.
func seal(secret *Secret, plaintext []byte) ([]byte, error) {
	if len(plaintext) != HeaderSize+DataSize {
		return nil, errs.New(errs.NotABlock, "block.seal")
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, errs.Wrap(errs.NotABlock, "block.seal", err)
	}
	out := make([]byte, 0, Size)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, plaintext, &nonce, (*[32]byte)(secret))
	if len(out) != Size {
		return nil, errs.Wrap(errs.NotABlock, "block.seal", fmt.Errorf("sealed length %d != %d", len(out), Size))
	}
	return out, nil
}

// open decrypts and authenticates ciphertext (exactly Size bytes) under
// secret. Returns errs.DigestMismatch on authentication failure, matching
// the spec's "Failure to authenticate -> CorruptBlock" (mapped here onto
// the DigestMismatch kind, since the SHA-1 cross-check in §3 serves the
// same "this block is corrupt" signal at the plaintext layer).
func open(secret *Secret, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) != Size {
		return nil, errs.New(errs.NotABlock, "block.open")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, (*[32]byte)(secret))
	if !ok {
		return nil, errs.New(errs.DigestMismatch, "block.open")
	}
	if len(plaintext) != HeaderSize+DataSize {
		return nil, errs.New(errs.NotABlock, "block.open")
	}
	return plaintext, nil
}
