package remote

import (
	"fmt"
	"io"
	"strings"
)

// Sideband channel identifiers.
const (
	SidebandData     byte = 0x01
	SidebandProgress byte = 0x02
	SidebandError    byte = 0x03
)

// sidebandMaxData is the payload of one side-band-64k frame after the
// channel byte.
const sidebandMaxData = pktMaxData - 1

// SidebandWriter multiplexes writes onto pkt-line sideband frames. Data
// written through Write goes to channel 1, split into maximal frames.
type SidebandWriter struct {
	pw *pktWriter
}

// NewSidebandWriter returns a writer framing onto w.
func NewSidebandWriter(w io.Writer) *SidebandWriter {
	return &SidebandWriter{pw: newPktWriter(w)}
}

func (sw *SidebandWriter) writeFrame(channel byte, data []byte) error {
	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, channel)
	frame = append(frame, data...)
	return sw.pw.Line(frame)
}

// Write sends p on the data channel.
func (sw *SidebandWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := min(len(p), sidebandMaxData)
		if err := sw.writeFrame(SidebandData, p[:n]); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// WriteProgress sends msg on the progress channel.
func (sw *SidebandWriter) WriteProgress(msg string) error {
	return sw.writeFrame(SidebandProgress, []byte(msg))
}

// WriteError sends msg on the error channel.
func (sw *SidebandWriter) WriteError(msg string) error {
	return sw.writeFrame(SidebandError, []byte(msg))
}

// Flush terminates the multiplexed stream.
func (sw *SidebandWriter) Flush() error {
	return sw.pw.Flush()
}

// SidebandDataReader presents sideband data frames as a sequential
// io.Reader. Progress frames are forwarded to a callback; an error frame
// ends the stream with a *RemoteError. A flush packet is the end of data.
type SidebandDataReader struct {
	pr         *pktReader
	onProgress func(string)
	buf        []byte
	err        error
}

// NewSidebandDataReader demultiplexes r. onProgress may be nil.
func NewSidebandDataReader(r io.Reader, onProgress func(string)) *SidebandDataReader {
	return newSidebandDataReader(newPktReader(r), onProgress)
}

func newSidebandDataReader(pr *pktReader, onProgress func(string)) *SidebandDataReader {
	return &SidebandDataReader{pr: pr, onProgress: onProgress}
}

func (dr *SidebandDataReader) Read(p []byte) (int, error) {
	for len(dr.buf) == 0 {
		if dr.err != nil {
			return 0, dr.err
		}
		dr.err = dr.fill()
	}
	n := copy(p, dr.buf)
	dr.buf = dr.buf[n:]
	return n, nil
}

func (dr *SidebandDataReader) fill() error {
	kind, payload, err := dr.pr.Next()
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	if err != nil {
		return err
	}
	switch kind {
	case pktFlush, pktResponseEnd:
		return io.EOF
	case pktDelim:
		return fmt.Errorf("sideband: unexpected delimiter: %w", errMalformedPkt)
	}
	if len(payload) == 0 {
		return fmt.Errorf("sideband: empty frame: %w", errMalformedPkt)
	}

	channel, body := payload[0], payload[1:]
	switch channel {
	case SidebandData:
		// Copy: the pkt reader reuses its buffer.
		dr.buf = append(dr.buf[:0], body...)
	case SidebandProgress:
		if dr.onProgress != nil {
			dr.onProgress(strings.TrimRight(string(body), "\r\n"))
		}
	case SidebandError:
		return &RemoteError{Message: strings.TrimRight(string(body), "\r\n")}
	default:
		return fmt.Errorf("sideband: unknown channel %d: %w", channel, errMalformedPkt)
	}
	return nil
}
