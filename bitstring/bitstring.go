// Package bitstring implements the compressed bitstring underlying the
// Bitstring Status List: a byte array of fixed-width status entries, packed
// most-significant-bit first, carried as base64url-encoded GZIP with no
// padding.
package bitstring

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"io"
	"strings"

	serrors "github.com/sigil-dev/sigil/errors"
)

// ByteLength returns the decoded length of a list with the given capacity
// and entry width: ceil(totalEntries * statusSize / 8).
func ByteLength(totalEntries, statusSize int64) int {
	return int((totalEntries*statusSize + 7) / 8)
}

// MaxValue returns the largest status value an entry of the given width can
// hold.
func MaxValue(statusSize int64) int64 {
	return int64(1)<<uint(statusSize) - 1
}

// NewList returns an all-zero bitstring sized for the given capacity.
func NewList(totalEntries, statusSize int64) []byte {
	return make([]byte, ByteLength(totalEntries, statusSize))
}

// EncodeList compresses and encodes a raw bitstring for storage.
func EncodeList(bits []byte) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(bits); err != nil {
		return "", serrors.InternalServerError("compressing bitstring: %s", err)
	}
	if err := zw.Close(); err != nil {
		return "", serrors.InternalServerError("compressing bitstring: %s", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeList reverses EncodeList. A decoded length different from
// expectedLen is a fatal corruption error; pass expectedLen <= 0 to skip
// the check.
func DecodeList(encoded string, expectedLen int) ([]byte, error) {
	// Stored lists are unpadded base64url, but accept padded input for
	// lists written by other implementations.
	compressed, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return nil, serrors.CorruptionError("bitstring is not valid base64url: %s", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, serrors.CorruptionError("bitstring is not valid gzip: %s", err)
	}
	bits, err := io.ReadAll(zr)
	if err != nil {
		return nil, serrors.CorruptionError("decompressing bitstring: %s", err)
	}
	if err := zr.Close(); err != nil {
		return nil, serrors.CorruptionError("decompressing bitstring: %s", err)
	}
	if expectedLen > 0 && len(bits) != expectedLen {
		return nil, serrors.CorruptionError(
			"decoded bitstring is %d bytes, expected %d", len(bits), expectedLen)
	}
	return bits, nil
}

// Get reads the statusSize-wide entry at the given index. Entries are
// packed MSB-first: an entry crossing a byte boundary has its high bits in
// the lower-address byte.
func Get(bits []byte, index, statusSize int64) (int64, error) {
	if err := checkBounds(bits, index, statusSize); err != nil {
		return 0, err
	}
	var value int64
	base := index * statusSize
	for j := int64(0); j < statusSize; j++ {
		off := base + j
		bit := (bits[off/8] >> uint(7-off%8)) & 1
		value = value<<1 | int64(bit)
	}
	return value, nil
}

// Set overwrites the statusSize-wide entry at the given index with value.
func Set(bits []byte, index, statusSize, value int64) error {
	if err := checkBounds(bits, index, statusSize); err != nil {
		return err
	}
	if value < 0 || value > MaxValue(statusSize) {
		return serrors.ValidationError(
			"status value %d does not fit in %d bits", value, statusSize)
	}
	base := index * statusSize
	for j := int64(0); j < statusSize; j++ {
		off := base + j
		mask := byte(1) << uint(7-off%8)
		if value>>uint(statusSize-1-j)&1 == 1 {
			bits[off/8] |= mask
		} else {
			bits[off/8] &^= mask
		}
	}
	return nil
}

func checkBounds(bits []byte, index, statusSize int64) error {
	if index < 0 {
		return serrors.ValidationError("bitstring index %d is negative", index)
	}
	if statusSize <= 0 || statusSize > 8 {
		return serrors.ValidationError("statusSize %d is outside [1, 8]", statusSize)
	}
	end := (index + 1) * statusSize
	if end > int64(len(bits))*8 {
		return serrors.ValidationError(
			"bitstring index %d with statusSize %d exceeds the %d-byte list",
			index, statusSize, len(bits))
	}
	return nil
}
