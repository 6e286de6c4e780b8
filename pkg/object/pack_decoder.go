package object

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/klauspost/compress/zlib"
	"go.uber.org/zap"

	"github.com/odvcencio/twig/pkg/metrics"
)

// DefaultMaxEntrySize caps the inflated size of a single pack entry.
const DefaultMaxEntrySize = 512 << 20

// PackTarget receives decoded objects. Read is consulted for ref-delta bases
// that are not part of the pack itself.
type PackTarget interface {
	Write(objType ObjectType, data []byte) (Hash, error)
	Read(h Hash) (ObjectType, []byte, error)
}

// DecodeResult summarizes a fully decoded pack stream.
type DecodeResult struct {
	Version       uint32
	Objects       int
	Deltas        int
	MaxChainDepth int
	Checksum      string
	// Hashes lists every registered object in registration order.
	Hashes []Hash
}

// Decoder turns a pack stream into stored objects.
type Decoder struct {
	target       PackTarget
	log          *zap.Logger
	metrics      *metrics.Transfer
	maxEntrySize uint64
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithDecodeLogger sets the decoder's logger.
func WithDecodeLogger(l *zap.Logger) DecoderOption {
	return func(d *Decoder) {
		if l != nil {
			d.log = l
		}
	}
}

// WithDecodeMetrics attaches transfer collectors.
func WithDecodeMetrics(m *metrics.Transfer) DecoderOption {
	return func(d *Decoder) { d.metrics = m }
}

// WithMaxEntrySize overrides DefaultMaxEntrySize.
func WithMaxEntrySize(n uint64) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxEntrySize = n
		}
	}
}

// NewDecoder returns a Decoder writing into target.
func NewDecoder(target PackTarget, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		target:       target,
		log:          zap.NewNop(),
		maxEntrySize: DefaultMaxEntrySize,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// DecodePack decodes r into target with a one-off Decoder.
func DecodePack(ctx context.Context, r io.Reader, target PackTarget, opts ...DecoderOption) (*DecodeResult, error) {
	return NewDecoder(target, opts...).Decode(ctx, r)
}

// Decode reads one complete pack stream from r. Objects are written to the
// target as soon as they are resolved; a failure part way through may leave
// some of them behind, but never reports success for a stream whose
// trailer does not verify.
func (d *Decoder) Decode(ctx context.Context, r io.Reader) (*DecodeResult, error) {
	st := &decodeState{
		Decoder:         d,
		sr:              newPackStreamReader(r),
		entryStarts:     make(map[uint64]struct{}),
		byOffset:        make(map[uint64]*resolvedEntry),
		byHash:          make(map[Hash]*resolvedEntry),
		pendingByOffset: make(map[uint64][]pendingDelta),
		pendingByHash:   make(map[Hash][]pendingDelta),
		result:          &DecodeResult{},
	}
	res, err := st.run(ctx)
	if err != nil {
		d.metrics.ObserveFailure(failureReason(err))
		d.log.Debug("pack decode failed",
			zap.Uint64("offset", st.sr.n),
			zap.Int("objects", st.result.Objects),
			zap.Error(err))
		return nil, err
	}
	d.metrics.ObservePack(int64(st.sr.n))
	d.log.Debug("pack decoded",
		zap.Uint32("version", res.Version),
		zap.Int("objects", res.Objects),
		zap.Int("deltas", res.Deltas),
		zap.Int("max_chain_depth", res.MaxChainDepth),
		zap.String("checksum", res.Checksum))
	return res, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrMalformedObject):
		return "malformed_object"
	case errors.Is(err, ErrUnresolvableDelta):
		return "unresolvable_delta"
	case errors.Is(err, ErrStreamCorrupt):
		return "stream_corrupt"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStreamCorrupt, fmt.Sprintf(format, args...))
}

// ---------------------------------------------------------------------------
// Stream reader
// ---------------------------------------------------------------------------

// packStreamReader counts and hashes every byte handed out. It implements
// io.ByteReader so zlib never reads past the end of an entry.
//
// err keeps the first failure of the underlying reader other than a bare
// EOF, so transport and remote errors survive zlib and framing layers.
type packStreamReader struct {
	r       *bufio.Reader
	hasher  hash.Hash
	n       uint64
	scratch [1]byte
	err     error
}

func newPackStreamReader(r io.Reader) *packStreamReader {
	return &packStreamReader{r: bufio.NewReaderSize(r, 64<<10), hasher: sha1.New()}
}

func (s *packStreamReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.n += uint64(n)
		s.hasher.Write(p[:n])
	}
	return n, s.note(err)
}

func (s *packStreamReader) ReadByte() (byte, error) {
	b, err := s.r.ReadByte()
	if err != nil {
		return 0, s.note(err)
	}
	s.n++
	s.scratch[0] = b
	s.hasher.Write(s.scratch[:])
	return b, nil
}

func (s *packStreamReader) note(err error) error {
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF && s.err == nil {
		s.err = err
	}
	return err
}

// readFailure reports a failed read. A recorded reader error is returned
// with its class intact; anything else means the stream ended early or
// does not parse.
func (st *decodeState) readFailure(what string, err error) error {
	if st.sr.err != nil {
		return fmt.Errorf("%s: %w", what, st.sr.err)
	}
	return corruptf("%s: %v", what, err)
}

// ---------------------------------------------------------------------------
// Decode state machine
// ---------------------------------------------------------------------------

type resolvedEntry struct {
	offset  uint64
	hash    Hash
	objType ObjectType
	data    []byte
	depth   int
}

type pendingDelta struct {
	offset uint64
	delta  []byte
}

type decodeState struct {
	*Decoder
	sr *packStreamReader
	zr io.ReadCloser

	entryStarts map[uint64]struct{}
	byOffset    map[uint64]*resolvedEntry
	byHash      map[Hash]*resolvedEntry

	pendingByOffset map[uint64][]pendingDelta
	pendingByHash   map[Hash][]pendingDelta
	pendingCount    int

	result *DecodeResult
}

func (st *decodeState) run(ctx context.Context) (*DecodeResult, error) {
	raw := make([]byte, packHeaderSize)
	if _, err := io.ReadFull(st.sr, raw); err != nil {
		return nil, st.readFailure("read pack header", err)
	}
	header, err := UnmarshalPackHeader(raw)
	if err != nil {
		return nil, err
	}
	st.result.Version = header.Version
	st.result.Hashes = make([]Hash, 0, header.NumObjects)

	for i := uint32(0); i < header.NumObjects; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := st.readEntry(); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
	}

	if st.pendingCount > 0 {
		return nil, fmt.Errorf("%w: %d deltas with missing bases", ErrUnresolvableDelta, st.pendingCount)
	}
	if err := st.readTrailer(); err != nil {
		return nil, err
	}
	return st.result, nil
}

func (st *decodeState) readEntry() error {
	offset := st.sr.n
	st.entryStarts[offset] = struct{}{}

	packType, size, err := readPackEntryHeader(st.sr)
	if err != nil {
		return st.readFailure("read entry", err)
	}
	if size > st.maxEntrySize {
		return corruptf("entry size %d exceeds limit %d", size, st.maxEntrySize)
	}

	switch packType {
	case PackCommit, PackTree, PackBlob, PackTag:
		objType, _ := packType.ObjectType()
		data, err := st.inflate(size)
		if err != nil {
			return err
		}
		return st.register(&resolvedEntry{offset: offset, objType: objType, data: data})

	case PackOfsDelta:
		distance, err := readOfsDeltaDistance(st.sr)
		if err != nil {
			return st.readFailure("ofs-delta distance", err)
		}
		if distance == 0 || distance > offset {
			return corruptf("ofs-delta distance %d out of range at offset %d", distance, offset)
		}
		baseOffset := offset - distance
		if _, ok := st.entryStarts[baseOffset]; !ok {
			return corruptf("ofs-delta base offset %d is not an entry start", baseOffset)
		}
		delta, err := st.inflate(size)
		if err != nil {
			return err
		}
		if base, ok := st.byOffset[baseOffset]; ok {
			return st.resolve(base, pendingDelta{offset: offset, delta: delta})
		}
		st.pendingByOffset[baseOffset] = append(st.pendingByOffset[baseOffset], pendingDelta{offset: offset, delta: delta})
		st.pendingCount++
		return nil

	case PackRefDelta:
		raw := make([]byte, HashSize)
		if _, err := io.ReadFull(st.sr, raw); err != nil {
			return st.readFailure("ref-delta base", err)
		}
		baseHash, _ := HashFromBytes(raw)
		delta, err := st.inflate(size)
		if err != nil {
			return err
		}
		pd := pendingDelta{offset: offset, delta: delta}
		if base, ok := st.byHash[baseHash]; ok {
			return st.resolve(base, pd)
		}
		objType, data, err := st.target.Read(baseHash)
		switch {
		case err == nil:
			return st.resolve(&resolvedEntry{hash: baseHash, objType: objType, data: data}, pd)
		case errors.Is(err, ErrObjectNotFound):
			st.pendingByHash[baseHash] = append(st.pendingByHash[baseHash], pd)
			st.pendingCount++
			return nil
		default:
			return fmt.Errorf("ref-delta base %s: %w", baseHash, err)
		}

	default:
		return corruptf("invalid entry type %d at offset %d", uint8(packType), offset)
	}
}

// inflate decompresses exactly one zlib stream and checks it against the
// size declared in the entry header.
func (st *decodeState) inflate(size uint64) ([]byte, error) {
	if st.zr == nil {
		zr, err := zlib.NewReader(st.sr)
		if err != nil {
			return nil, st.readFailure("zlib header", err)
		}
		st.zr = zr
	} else if err := st.zr.(zlib.Resetter).Reset(st.sr, nil); err != nil {
		return nil, st.readFailure("zlib header", err)
	}

	buf := bytes.NewBuffer(make([]byte, 0, size))
	if _, err := io.Copy(buf, io.LimitReader(st.zr, int64(size)+1)); err != nil {
		return nil, st.readFailure("decompress", err)
	}
	if uint64(buf.Len()) != size {
		return nil, corruptf("size mismatch header=%d decoded=%d", size, buf.Len())
	}
	// Drain to the end of the zlib stream so the checksum is consumed.
	var probe [1]byte
	if n, err := st.zr.Read(probe[:]); n != 0 || err != io.EOF {
		if n == 0 && st.sr.err != nil {
			return nil, st.readFailure("decompress", err)
		}
		return nil, corruptf("entry inflates past declared size %d", size)
	}
	return buf.Bytes(), nil
}

func (st *decodeState) resolve(base *resolvedEntry, pd pendingDelta) error {
	data, err := ApplyDelta(base.data, pd.delta)
	if err != nil {
		return fmt.Errorf("delta at offset %d: %w", pd.offset, err)
	}
	return st.register(&resolvedEntry{
		offset:  pd.offset,
		objType: base.objType,
		data:    data,
		depth:   base.depth + 1,
	})
}

// register stores e and then resolves every delta that was waiting on it,
// transitively, using an explicit worklist.
func (st *decodeState) register(e *resolvedEntry) error {
	work := []*resolvedEntry{e}
	for len(work) > 0 {
		cur := work[len(work)-1]
		work = work[:len(work)-1]

		if err := st.store(cur); err != nil {
			return err
		}

		waiting := st.pendingByOffset[cur.offset]
		delete(st.pendingByOffset, cur.offset)
		if byHash, ok := st.pendingByHash[cur.hash]; ok {
			waiting = append(waiting, byHash...)
			delete(st.pendingByHash, cur.hash)
		}
		st.pendingCount -= len(waiting)

		for _, pd := range waiting {
			data, err := ApplyDelta(cur.data, pd.delta)
			if err != nil {
				return fmt.Errorf("delta at offset %d: %w", pd.offset, err)
			}
			work = append(work, &resolvedEntry{
				offset:  pd.offset,
				objType: cur.objType,
				data:    data,
				depth:   cur.depth + 1,
			})
		}
	}
	return nil
}

func (st *decodeState) store(e *resolvedEntry) error {
	if _, err := Unmarshal(e.objType, e.data); err != nil {
		return fmt.Errorf("%s at offset %d: %w", e.objType, e.offset, err)
	}
	h, err := st.target.Write(e.objType, e.data)
	if err != nil {
		return fmt.Errorf("store %s at offset %d: %w", e.objType, e.offset, err)
	}
	e.hash = h

	st.byOffset[e.offset] = e
	if _, ok := st.byHash[h]; !ok {
		st.byHash[h] = e
	}

	res := st.result
	res.Objects++
	res.Hashes = append(res.Hashes, h)
	if e.depth > 0 {
		res.Deltas++
		res.MaxChainDepth = max(res.MaxChainDepth, e.depth)
	}
	st.metrics.ObserveObject(string(e.objType), e.depth > 0)
	return nil
}

func (st *decodeState) readTrailer() error {
	want := st.sr.hasher.Sum(nil)
	got := make([]byte, sha1.Size)
	if _, err := io.ReadFull(st.sr.r, got); err != nil {
		return st.readFailure("read trailer", st.sr.note(err))
	}
	if !bytes.Equal(got, want) {
		return corruptf("trailer checksum mismatch: got %x want %x", got, want)
	}
	if _, err := st.sr.r.ReadByte(); err != io.EOF {
		if err != nil {
			return st.readFailure("after trailer", st.sr.note(err))
		}
		return corruptf("trailing bytes after pack trailer")
	}
	st.sr.n += sha1.Size
	st.result.Checksum = hex.EncodeToString(got)
	return nil
}
