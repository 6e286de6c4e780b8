package object

import (
	"bytes"
	"fmt"
	"io"
	"math"
)

const (
	maxDeltaInsert = 0x7f
	maxDeltaCopy   = 0xffffff
)

func encodeDeltaVarint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	out := make([]byte, 0, 10)
	for v > 0 {
		b := byte(v & 0x7f)
		v >>= 7
		if v > 0 {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

func decodeDeltaVarint(r io.ByteReader) (uint64, error) {
	var (
		value uint64
		shift uint
	)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return value, nil
		}
		shift += 7
		if shift > 63 {
			return 0, fmt.Errorf("delta varint too large")
		}
	}
}

// encodeOfsDeltaDistance encodes a backward distance for OFS_DELTA entries.
func encodeOfsDeltaDistance(distance uint64) []byte {
	if distance == 0 {
		return []byte{0}
	}
	b := []byte{byte(distance & 0x7f)}
	for distance >>= 7; distance > 0; distance >>= 7 {
		distance--
		b = append([]byte{byte((distance & 0x7f) | 0x80)}, b...)
	}
	return b
}

// readOfsDeltaDistance decodes the OFS_DELTA base distance from r. Each
// continuation adds one before shifting, so encodings are unique.
func readOfsDeltaDistance(r io.ByteReader) (uint64, error) {
	c, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("ofs-delta distance: %w", err)
	}
	offset := uint64(c & 0x7f)
	for c&0x80 != 0 {
		if offset > (1<<56)-1 {
			return 0, fmt.Errorf("ofs-delta distance overflows")
		}
		c, err = r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("ofs-delta distance: %w", err)
		}
		offset = ((offset + 1) << 7) | uint64(c&0x7f)
	}
	return offset, nil
}

// DeltaOp is one delta instruction: either copy Size bytes of the base
// starting at Offset, or insert Data literally.
type DeltaOp struct {
	Insert []byte
	Offset uint32
	Size   uint32
}

// DeltaCopy returns an instruction copying base[offset:offset+size].
func DeltaCopy(offset, size uint32) DeltaOp {
	return DeltaOp{Offset: offset, Size: size}
}

// DeltaInsert returns an instruction inserting data literally.
func DeltaInsert(data []byte) DeltaOp {
	return DeltaOp{Insert: data}
}

// EncodeDelta serializes ops into a delta stream against base. Long copies
// and inserts are split to fit the instruction limits.
func EncodeDelta(base []byte, ops ...DeltaOp) []byte {
	var body bytes.Buffer
	var targetSize uint64
	for _, op := range ops {
		if op.Insert != nil {
			for pos := 0; pos < len(op.Insert); {
				chunk := min(len(op.Insert)-pos, maxDeltaInsert)
				body.WriteByte(byte(chunk))
				body.Write(op.Insert[pos : pos+chunk])
				pos += chunk
			}
			targetSize += uint64(len(op.Insert))
			continue
		}
		offset, remaining := op.Offset, op.Size
		for remaining > 0 {
			chunk := min(remaining, maxDeltaCopy)
			writeDeltaCopy(&body, offset, chunk)
			offset += chunk
			remaining -= chunk
		}
		targetSize += uint64(op.Size)
	}

	var out bytes.Buffer
	out.Write(encodeDeltaVarint(uint64(len(base))))
	out.Write(encodeDeltaVarint(targetSize))
	out.Write(body.Bytes())
	return out.Bytes()
}

func writeDeltaCopy(buf *bytes.Buffer, offset, size uint32) {
	cmd := byte(0x80)
	var args []byte
	for i := 0; i < 4; i++ {
		if b := byte(offset >> (8 * i)); b != 0 {
			cmd |= 1 << i
			args = append(args, b)
		}
	}
	// A size of 0x10000 is encoded by omitting every size byte.
	if size != 0x10000 {
		for i := 0; i < 3; i++ {
			if b := byte(size >> (8 * i)); b != 0 {
				cmd |= 1 << (4 + i)
				args = append(args, b)
			}
		}
	}
	buf.WriteByte(cmd)
	buf.Write(args)
}

// ComputeDelta returns a delta turning base into target. It copies the
// longest common prefix and suffix and inserts the middle literally.
func ComputeDelta(base, target []byte) []byte {
	limit := min(len(base), len(target), math.MaxInt32)
	prefix := 0
	for prefix < limit && base[prefix] == target[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < limit-prefix && base[len(base)-1-suffix] == target[len(target)-1-suffix] {
		suffix++
	}

	var ops []DeltaOp
	if prefix > 0 {
		ops = append(ops, DeltaCopy(0, uint32(prefix)))
	}
	if middle := target[prefix : len(target)-suffix]; len(middle) > 0 {
		ops = append(ops, DeltaInsert(middle))
	}
	if suffix > 0 {
		ops = append(ops, DeltaCopy(uint32(len(base)-suffix), uint32(suffix)))
	}
	return EncodeDelta(base, ops...)
}

// ApplyDelta applies delta instructions to base and returns the result.
// The declared base and result sizes must match exactly; any violation
// wraps ErrStreamCorrupt.
func ApplyDelta(base, delta []byte) ([]byte, error) {
	out, err := applyDelta(base, delta)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStreamCorrupt, err)
	}
	return out, nil
}

func applyDelta(base, delta []byte) ([]byte, error) {
	dr := bytes.NewReader(delta)

	baseSize, err := decodeDeltaVarint(dr)
	if err != nil {
		return nil, fmt.Errorf("read base size: %w", err)
	}
	if baseSize != uint64(len(base)) {
		return nil, fmt.Errorf("delta base size mismatch: got %d want %d", baseSize, len(base))
	}
	resultSize, err := decodeDeltaVarint(dr)
	if err != nil {
		return nil, fmt.Errorf("read result size: %w", err)
	}
	if resultSize > uint64(len(delta))*maxDeltaCopy+uint64(len(base)) {
		return nil, fmt.Errorf("delta result size %d is implausible", resultSize)
	}

	out := make([]byte, 0, resultSize)
	for dr.Len() > 0 {
		cmd, _ := dr.ReadByte()
		if cmd&0x80 != 0 {
			var offset, size uint64
			for i := 0; i < 4; i++ {
				if cmd&(1<<i) == 0 {
					continue
				}
				b, err := readDeltaCopyArgByte(dr, "offset", i)
				if err != nil {
					return nil, err
				}
				offset |= uint64(b) << (8 * i)
			}
			for i := 0; i < 3; i++ {
				if cmd&(1<<(4+i)) == 0 {
					continue
				}
				b, err := readDeltaCopyArgByte(dr, "size", i)
				if err != nil {
					return nil, err
				}
				size |= uint64(b) << (8 * i)
			}
			if size == 0 {
				size = 0x10000
			}
			if offset+size > uint64(len(base)) {
				return nil, fmt.Errorf("delta copy [%d,%d) out of bounds for base of %d bytes", offset, offset+size, len(base))
			}
			out = append(out, base[offset:offset+size]...)
		} else {
			if cmd == 0 {
				return nil, fmt.Errorf("invalid delta command: 0")
			}
			start := len(out)
			out = append(out, make([]byte, int(cmd))...)
			if _, err := io.ReadFull(dr, out[start:]); err != nil {
				return nil, fmt.Errorf("delta insert: %w", err)
			}
		}
		if uint64(len(out)) > resultSize {
			return nil, fmt.Errorf("delta result overflows declared size %d", resultSize)
		}
	}

	if uint64(len(out)) != resultSize {
		return nil, fmt.Errorf("delta result size mismatch: got %d expected %d", len(out), resultSize)
	}
	return out, nil
}

func readDeltaCopyArgByte(r io.ByteReader, field string, i int) (byte, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("delta copy %s byte %d: %w", field, i, err)
	}
	return b, nil
}
