package protocol

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"errors"
	"io"
)

// ErrMessageTooLarge is returned when a message does not fit in
// PlaintextMaxLen bytes once compressed.
var ErrMessageTooLarge = errors.New("protocol: message too large once compressed")

// ErrWrongMessageSize is returned when a fixed-length wire field does not
// have the length its type requires.
var ErrWrongMessageSize = errors.New("protocol: wrong message size")

// ErrInvalidPadding is returned when a padded field's recorded length
// exceeds its padded capacity, which can only happen to corrupt or
// maliciously constructed input.
var ErrInvalidPadding = errors.New("protocol: invalid padding")

// Plaintext is a user or journalist message, DEFLATE-compressed and then
// padded to a fixed length so that ciphertext size never reveals message
// length. On the wire it is exactly PaddedCompressedStringLen bytes: a
// two-byte big-endian length prefix followed by PlaintextMaxLen bytes, only
// the first `length` of which are meaningful compressed bytes.
type Plaintext struct {
	Text string
}

// Pad compresses and pads text into the fixed PaddedCompressedStringLen wire
// form.
func Pad(text string) ([PaddedCompressedStringLen]byte, error) {
	var out [PaddedCompressedStringLen]byte

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return out, err
	}
	if _, err := w.Write([]byte(text)); err != nil {
		return out, err
	}
	if err := w.Close(); err != nil {
		return out, err
	}

	compressed := buf.Bytes()
	if len(compressed) > PlaintextMaxLen {
		return out, ErrMessageTooLarge
	}

	binary.BigEndian.PutUint16(out[:plaintextLenPrefix], uint16(len(compressed)))
	copy(out[plaintextLenPrefix:], compressed)
	return out, nil
}

// Unpad recovers the original text from a padded wire form produced by Pad.
func Unpad(padded [PaddedCompressedStringLen]byte) (string, error) {
	n := binary.BigEndian.Uint16(padded[:plaintextLenPrefix])
	if int(n) > PlaintextMaxLen {
		return "", ErrInvalidPadding
	}
	compressed := padded[plaintextLenPrefix : plaintextLenPrefix+int(n)]

	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
