// Package aesctr implements AES-128 in counter mode with a 64-bit counter.
//
// The 16-byte counter block is split into a fixed high half (the nonce) and a
// low half that is incremented once per block and wraps modulo 2^64 without
// carrying into the nonce. crypto/cipher's CTR stream carries across the full
// 128 bits, which differs once the low half overflows.
package aesctr

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrUnavailable is returned by SelfTest when a cipher does not produce the
// expected keystream.
var ErrUnavailable = errors.New("aes-ctr cipher unavailable")

// Cipher XORs src with the keystream for key and the initial counter block iv,
// writing the result to dst. dst and src may overlap entirely.
type Cipher interface {
	XORKeyStream(key, iv [16]byte, dst, src []byte) error
}

// Standard is the Cipher backed by crypto/aes.
type Standard struct{}

// XORKeyStream implements Cipher.
func (Standard) XORKeyStream(key, iv [16]byte, dst, src []byte) error {
	if len(dst) < len(src) {
		return errors.New("aesctr: output smaller than input")
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return fmt.Errorf("aesctr: %w", err)
	}
	NewStream(block, iv).XORKeyStream(dst, src)
	return nil
}

// Stream is a cipher.Stream with a 64-bit block counter.
type Stream struct {
	block   cipher.Block
	nonce   [8]byte
	counter uint64
	ks      [aes.BlockSize]byte
	used    int
}

var _ cipher.Stream = (*Stream)(nil)

// NewStream returns a stream starting at counter block iv.
func NewStream(block cipher.Block, iv [16]byte) *Stream {
	s := &Stream{block: block, used: aes.BlockSize}
	copy(s.nonce[:], iv[:8])
	s.counter = binary.BigEndian.Uint64(iv[8:])
	return s
}

// XORKeyStream implements cipher.Stream.
func (s *Stream) XORKeyStream(dst, src []byte) {
	if len(dst) < len(src) {
		panic("aesctr: output smaller than input")
	}
	for i := range src {
		if s.used == aes.BlockSize {
			s.refill()
		}
		dst[i] = src[i] ^ s.ks[s.used]
		s.used++
	}
}

func (s *Stream) refill() {
	var ctr [aes.BlockSize]byte
	copy(ctr[:8], s.nonce[:])
	binary.BigEndian.PutUint64(ctr[8:], s.counter)
	s.block.Encrypt(s.ks[:], ctr[:])
	s.counter++
	s.used = 0
}

// NIST SP 800-38A F.5.1, first block.
var (
	kaKey, _        = hex.DecodeString("2b7e151628aed2a6abf7158809cf4f3c")
	kaCounter, _    = hex.DecodeString("f0f1f2f3f4f5f6f7f8f9fafbfcfdfeff")
	kaPlaintext, _  = hex.DecodeString("6bc1bee22e409f96e93d7e117393172a")
	kaCiphertext, _ = hex.DecodeString("874d6191b620e3261bef6864990db6ce")
)

// SelfTest runs a known-answer test against c.
func SelfTest(c Cipher) error {
	if c == nil {
		return fmt.Errorf("%w: no cipher configured", ErrUnavailable)
	}
	var key, iv [16]byte
	copy(key[:], kaKey)
	copy(iv[:], kaCounter)

	out := make([]byte, len(kaPlaintext))
	if err := c.XORKeyStream(key, iv, out, kaPlaintext); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !bytes.Equal(out, kaCiphertext) {
		return fmt.Errorf("%w: known-answer test failed", ErrUnavailable)
	}
	return nil
}
