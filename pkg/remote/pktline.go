package remote

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	pktHeaderLen = 4
	// pktMaxLen is the largest pkt-line, header included.
	pktMaxLen = 65520
	// pktMaxData is the payload limit of one pkt-line.
	pktMaxData = pktMaxLen - pktHeaderLen
)

// pktKind distinguishes data lines from the special zero-length packets.
type pktKind int

const (
	pktData        pktKind = iota
	pktFlush               // 0000
	pktDelim               // 0001
	pktResponseEnd         // 0002
)

var errPktTooLong = errors.New("pkt-line payload too long")

// pktWriter emits pkt-lines to an underlying writer.
type pktWriter struct {
	w   io.Writer
	err error
}

func newPktWriter(w io.Writer) *pktWriter {
	return &pktWriter{w: w}
}

// Line writes one data line. An empty payload is not representable and is
// rejected.
func (p *pktWriter) Line(data []byte) error {
	if p.err != nil {
		return p.err
	}
	if len(data) == 0 {
		return errors.New("empty pkt-line")
	}
	if len(data) > pktMaxData {
		return errPktTooLong
	}
	var hdr [pktHeaderLen]byte
	copy(hdr[:], fmt.Sprintf("%04x", len(data)+pktHeaderLen))
	if _, p.err = p.w.Write(hdr[:]); p.err != nil {
		return p.err
	}
	_, p.err = p.w.Write(data)
	return p.err
}

// Linef writes a formatted text line.
func (p *pktWriter) Linef(format string, args ...any) error {
	return p.Line([]byte(fmt.Sprintf(format, args...)))
}

// Flush writes 0000.
func (p *pktWriter) Flush() error { return p.special("0000") }

// Delim writes 0001.
func (p *pktWriter) Delim() error { return p.special("0001") }

func (p *pktWriter) special(s string) error {
	if p.err != nil {
		return p.err
	}
	_, p.err = io.WriteString(p.w, s)
	return p.err
}

// pktReader parses pkt-lines from a buffered stream.
type pktReader struct {
	r   *bufio.Reader
	buf []byte
}

func newPktReader(r io.Reader) *pktReader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, pktMaxLen)
	}
	return &pktReader{r: br, buf: make([]byte, pktMaxLen)}
}

// Next returns the next packet. The payload slice is only valid until the
// following call. A clean end of input before any header byte is io.EOF.
func (p *pktReader) Next() (pktKind, []byte, error) {
	var hdr [pktHeaderLen]byte
	if _, err := io.ReadFull(p.r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, fmt.Errorf("pkt-line header: %w", err)
		}
		return 0, nil, err
	}
	n, err := strconv.ParseUint(string(hdr[:]), 16, 16)
	if err != nil {
		return 0, nil, fmt.Errorf("pkt-line header %q: %w", hdr[:], errMalformedPkt)
	}
	switch n {
	case 0:
		return pktFlush, nil, nil
	case 1:
		return pktDelim, nil, nil
	case 2:
		return pktResponseEnd, nil, nil
	case 3:
		return 0, nil, fmt.Errorf("pkt-line length 3: %w", errMalformedPkt)
	}
	if n > pktMaxLen {
		return 0, nil, fmt.Errorf("pkt-line length %d: %w", n, errMalformedPkt)
	}
	payload := p.buf[:n-pktHeaderLen]
	if _, err := io.ReadFull(p.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, fmt.Errorf("pkt-line payload: %w", err)
	}
	return pktData, payload, nil
}

// NextText reads a data line and returns it without its trailing newline.
// A line starting with "ERR " is returned as a *RemoteError.
func (p *pktReader) NextText() (pktKind, string, error) {
	kind, payload, err := p.Next()
	if err != nil || kind != pktData {
		return kind, "", err
	}
	line := string(bytes.TrimSuffix(payload, []byte("\n")))
	if msg, ok := strings.CutPrefix(line, "ERR "); ok {
		return kind, "", &RemoteError{Message: msg}
	}
	return kind, line, nil
}

// errMalformedPkt marks framing that no conforming peer produces.
var errMalformedPkt = errors.New("malformed pkt-line")
