package remote

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/multierr"
)

// acceptEncoding is sent on every request. Setting it explicitly disables
// net/http's transparent gzip handling, so decodeBody sees the raw body.
const acceptEncoding = "zstd, gzip"

// decodeBody wraps body according to the Content-Encoding header. Closing
// the result closes body.
func decodeBody(contentEncoding string, body io.ReadCloser) (io.ReadCloser, error) {
	switch enc := strings.ToLower(strings.TrimSpace(contentEncoding)); enc {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("gzip body: %w", err), body.Close())
		}
		return &decodedBody{Reader: zr, closers: []io.Closer{zr, body}}, nil
	case "zstd":
		dec, err := zstd.NewReader(body)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("zstd body: %w", err), body.Close())
		}
		return &decodedBody{Reader: dec, closers: []io.Closer{zstdCloser{dec}, body}}, nil
	default:
		return nil, multierr.Append(fmt.Errorf("unsupported content encoding %q", enc), body.Close())
	}
}

type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (d *decodedBody) Close() error {
	var err error
	for _, c := range d.closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

type zstdCloser struct{ dec *zstd.Decoder }

func (z zstdCloser) Close() error {
	z.dec.Close()
	return nil
}

// encodeResponse picks the best encoding the client accepts and returns a
// writer that compresses into w. The caller must Close the writer.
func encodeResponse(w http.ResponseWriter, r *http.Request) (io.WriteCloser, error) {
	accepted := r.Header.Get("Accept-Encoding")
	switch {
	case acceptsEncoding(accepted, "zstd"):
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, err
		}
		w.Header().Set("Content-Encoding", "zstd")
		return enc, nil
	case acceptsEncoding(accepted, "gzip"):
		w.Header().Set("Content-Encoding", "gzip")
		return gzip.NewWriter(w), nil
	default:
		return nopWriteCloser{w}, nil
	}
}

// decodeRequest undoes a compressed request body, which git sends for
// large negotiation requests.
func decodeRequest(r *http.Request) (io.ReadCloser, error) {
	return decodeBody(r.Header.Get("Content-Encoding"), r.Body)
}

func acceptsEncoding(header, name string) bool {
	for _, part := range strings.Split(header, ",") {
		token, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(token), name) {
			continue
		}
		return strings.ReplaceAll(strings.TrimSpace(params), " ", "") != "q=0"
	}
	return false
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
