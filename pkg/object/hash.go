package object

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// HashSize is the length of a raw SHA-1 digest.
const HashSize = sha1.Size

// ZeroHash is the all-zero id git uses for "no object".
const ZeroHash Hash = "0000000000000000000000000000000000000000"

// HashObject computes the SHA-1 of the envelope "type len\0content". The
// digest is always taken over the uncompressed record.
func HashObject(objType ObjectType, data []byte) Hash {
	h := sha1.New()
	h.Write(recordHeader(objType, len(data)))
	h.Write(data)
	return Hash(hex.EncodeToString(h.Sum(nil)))
}

// HashFromBytes converts a raw 20-byte digest to its hex form.
func HashFromBytes(raw []byte) (Hash, error) {
	if len(raw) != HashSize {
		return "", fmt.Errorf("raw hash length %d, expected %d", len(raw), HashSize)
	}
	return Hash(hex.EncodeToString(raw)), nil
}

// ParseHash normalizes and validates a hex object id.
func ParseHash(s string) (Hash, error) {
	h := Hash(strings.ToLower(strings.TrimSpace(s)))
	if err := ValidateHash(h); err != nil {
		return "", err
	}
	return h, nil
}

// ValidateHash checks that h is a 40-character lowercase hex string.
func ValidateHash(h Hash) error {
	if len(h) != 2*HashSize {
		return fmt.Errorf("hash length %d, expected %d", len(h), 2*HashSize)
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("hash %q contains non-hex character %q", string(h), c)
		}
	}
	return nil
}

// Bytes returns the raw 20-byte digest. It panics on an invalid hash; call
// ValidateHash first for untrusted input.
func (h Hash) Bytes() []byte {
	raw, err := hex.DecodeString(string(h))
	if err != nil || len(raw) != HashSize {
		panic(fmt.Sprintf("object: invalid hash %q", string(h)))
	}
	return raw
}

// Short returns the first seven hex characters, for display.
func (h Hash) Short() string {
	if len(h) < 7 {
		return string(h)
	}
	return string(h[:7])
}

func recordHeader(objType ObjectType, size int) []byte {
	buf := make([]byte, 0, len(objType)+22)
	buf = append(buf, objType...)
	buf = append(buf, ' ')
	buf = strconv.AppendInt(buf, int64(size), 10)
	return append(buf, 0)
}
