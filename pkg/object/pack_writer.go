package object

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/klauspost/compress/zlib"
	"go.uber.org/multierr"
)

type packCountedWriter struct {
	w io.Writer
	n uint64
}

func (cw *packCountedWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += uint64(n)
	return n, err
}

func (cw *packCountedWriter) Count() uint64 {
	return cw.n
}

func compressPackPayload(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, multierr.Append(err, zw.Close())
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PackWriter writes git-compatible pack streams with zlib-compressed object
// entries. The trailer checksum is SHA-1 over all bytes preceding the trailer.
type PackWriter struct {
	out      io.Writer
	hasher   hash.Hash
	hashedW  io.Writer
	counter  *packCountedWriter
	expected uint32
	written  uint32
	finished bool
}

// NewPackWriter initializes a new writer and writes the fixed pack header.
func NewPackWriter(out io.Writer, numObjects uint32) (*PackWriter, error) {
	hasher := sha1.New()
	counter := &packCountedWriter{w: out}
	pw := &PackWriter{
		out:      out,
		hasher:   hasher,
		hashedW:  io.MultiWriter(counter, hasher),
		counter:  counter,
		expected: numObjects,
	}

	header := PackHeader{
		Version:    supportedPackVersion,
		NumObjects: numObjects,
	}
	if _, err := pw.hashedW.Write(header.Marshal()); err != nil {
		return nil, fmt.Errorf("write pack header: %w", err)
	}
	return pw, nil
}

// CurrentOffset returns the current byte offset in the pack stream (from pack
// start), excluding the trailing checksum written by Finish().
func (p *PackWriter) CurrentOffset() uint64 {
	return p.counter.Count()
}

func (p *PackWriter) checkWritable() error {
	if p.finished {
		return fmt.Errorf("pack writer already finished")
	}
	if p.written >= p.expected {
		return fmt.Errorf("pack object count exceeded: expected %d", p.expected)
	}
	return nil
}

// WriteEntry appends one full object entry to the pack stream.
func (p *PackWriter) WriteEntry(objType PackObjectType, data []byte) error {
	if err := p.checkWritable(); err != nil {
		return err
	}
	if objType.IsDelta() {
		return fmt.Errorf("write pack entry: %s requires a base", objType)
	}
	return p.writeEntry(objType, nil, data)
}

// WriteOfsDelta writes an OFS_DELTA entry whose base starts at baseOffset.
func (p *PackWriter) WriteOfsDelta(baseOffset uint64, delta []byte) error {
	if err := p.checkWritable(); err != nil {
		return err
	}
	current := p.CurrentOffset()
	if baseOffset >= current {
		return fmt.Errorf("base offset %d must be before current offset %d", baseOffset, current)
	}
	return p.writeEntry(PackOfsDelta, encodeOfsDeltaDistance(current-baseOffset), delta)
}

// WriteRefDelta writes a REF_DELTA entry against the object named base.
func (p *PackWriter) WriteRefDelta(base Hash, delta []byte) error {
	if err := p.checkWritable(); err != nil {
		return err
	}
	if err := ValidateHash(base); err != nil {
		return fmt.Errorf("ref-delta base: %w", err)
	}
	return p.writeEntry(PackRefDelta, base.Bytes(), delta)
}

func (p *PackWriter) writeEntry(objType PackObjectType, baseRef, data []byte) error {
	compressed, err := compressPackPayload(data)
	if err != nil {
		return fmt.Errorf("compress %s entry: %w", objType, err)
	}

	header := encodePackEntryHeader(objType, uint64(len(data)))
	if _, err := p.hashedW.Write(header); err != nil {
		return fmt.Errorf("write %s header: %w", objType, err)
	}
	if len(baseRef) > 0 {
		if _, err := p.hashedW.Write(baseRef); err != nil {
			return fmt.Errorf("write %s base: %w", objType, err)
		}
	}
	if _, err := p.hashedW.Write(compressed); err != nil {
		return fmt.Errorf("write %s payload: %w", objType, err)
	}

	p.written++
	return nil
}

// Finish validates object count, writes the trailing pack checksum, and returns
// that checksum as a hex digest.
func (p *PackWriter) Finish() (string, error) {
	if p.finished {
		return "", fmt.Errorf("pack writer already finished")
	}
	if p.written != p.expected {
		return "", fmt.Errorf("pack object count mismatch: wrote %d, expected %d", p.written, p.expected)
	}

	sum := p.hasher.Sum(nil)
	if _, err := p.out.Write(sum); err != nil {
		return "", fmt.Errorf("write pack trailer checksum: %w", err)
	}

	p.finished = true
	return hex.EncodeToString(sum), nil
}
