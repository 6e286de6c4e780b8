package remote

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/odvcencio/twig/pkg/metrics"
	"github.com/odvcencio/twig/pkg/object"
)

const (
	uploadPackService = "git-upload-pack"

	headerGitProtocol = "Git-Protocol"
	protocolV2        = "version=2"

	contentTypeRequest = "application/x-git-upload-pack-request"
	contentTypeResult  = "application/x-git-upload-pack-result"
	contentTypeAdvert  = "application/x-git-upload-pack-advertisement"

	// DefaultUserAgent is sent as User-Agent and as the agent capability.
	DefaultUserAgent = "twig/1.0"

	// errorBodyLimit caps how much of a rejected response is kept.
	errorBodyLimit = 64 << 10
)

// RefAdvertisement is the result of ref discovery.
type RefAdvertisement struct {
	// Version is the negotiated protocol version, 0 or 2.
	Version int
	// Refs maps full ref names (and "HEAD") to the object they point at.
	Refs map[string]object.Hash
	// Peeled maps annotated tag refs to the object the tag points at.
	Peeled map[string]object.Hash
	// Head is the symbolic target of HEAD, e.g. "refs/heads/main", or ""
	// when the server did not report one.
	Head         string
	Capabilities Capabilities
}

// Wants returns the distinct object ids the advertisement points at, sorted.
func (a *RefAdvertisement) Wants() []object.Hash {
	seen := make(map[object.Hash]struct{}, len(a.Refs))
	out := make([]object.Hash, 0, len(a.Refs))
	for _, h := range a.Refs {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Client speaks the smart-HTTP upload-pack protocol to one endpoint. Each
// call makes exactly one attempt; wrap calls in Retry to retry transport
// failures.
type Client struct {
	endpoint   Endpoint
	httpClient *http.Client
	log        *zap.Logger
	metrics    *metrics.Transfer
	userAgent  string
	timeout    time.Duration

	adv *RefAdvertisement
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the client's logger. Sideband progress is logged at
// debug level.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics attaches transfer collectors.
func WithMetrics(m *metrics.Transfer) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithUserAgent overrides DefaultUserAgent.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua = strings.TrimSpace(ua); ua != "" {
			c.userAgent = ua
		}
	}
}

// WithTimeout bounds each request, including reading its body.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// NewClient parses remoteURL and returns a client for it.
func NewClient(remoteURL string, opts ...ClientOption) (*Client, error) {
	endpoint, err := ParseEndpoint(remoteURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		endpoint:   endpoint,
		httpClient: http.DefaultClient,
		log:        zap.NewNop(),
		userAgent:  DefaultUserAgent,
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With(zap.String("remote", endpoint.BaseURL))
	return c, nil
}

// Endpoint returns the parsed endpoint.
func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

// DiscoverRefs asks the server for its refs, preferring protocol v2. A v2
// server is then queried with ls-refs; a v0 advertisement already holds
// the refs. An empty repository yields an empty map.
func (c *Client) DiscoverRefs(ctx context.Context) (*RefAdvertisement, error) {
	c.metrics.ObserveRequest("discover")
	body, err := c.do(ctx, http.MethodGet, c.endpoint.infoRefsURL(), "", nil)
	if err != nil {
		return nil, fmt.Errorf("discover refs: %w", err)
	}
	defer body.Close()

	pr := newPktReader(body)
	adv, err := parseAdvertisement(pr)
	if err != nil {
		return nil, fmt.Errorf("discover refs: %w", err)
	}
	if adv.Version == 2 {
		if err := c.lsRefs(ctx, adv); err != nil {
			return nil, fmt.Errorf("discover refs: %w", err)
		}
	}

	c.log.Debug("refs discovered",
		zap.Int("version", adv.Version),
		zap.Int("refs", len(adv.Refs)),
		zap.String("head", adv.Head))
	c.adv = adv
	return adv, nil
}

// parseAdvertisement reads the info/refs response up to and including the
// flush that ends it.
func parseAdvertisement(pr *pktReader) (*RefAdvertisement, error) {
	adv := &RefAdvertisement{
		Refs:         make(map[string]object.Hash),
		Peeled:       make(map[string]object.Hash),
		Capabilities: Capabilities{set: make(map[string][]string)},
	}

	kind, line, err := pr.NextText()
	if err != nil {
		return nil, err
	}
	// Smart-HTTP servers prefix the advertisement with a service banner and
	// a flush. Some v2 servers omit it.
	if kind == pktData && strings.HasPrefix(line, "# service=") {
		if kind, _, err = pr.NextText(); err != nil {
			return nil, err
		}
		if kind != pktFlush {
			return nil, fmt.Errorf("service banner not followed by flush: %w", errMalformedPkt)
		}
		if kind, line, err = pr.NextText(); err != nil {
			return nil, err
		}
	}

	if kind == pktData && line == "version 2" {
		adv.Version = 2
		for {
			kind, line, err := pr.NextText()
			if err != nil {
				return nil, err
			}
			if kind == pktFlush {
				return adv, nil
			}
			if kind != pktData {
				return nil, fmt.Errorf("capability advertisement: %w", errMalformedPkt)
			}
			adv.Capabilities.add(line)
		}
	}

	// v0: "<hash> <ref>\0<caps>" on the first line, "<hash> <ref>" after.
	first := true
	for ; ; kind, line, err = pr.NextText() {
		if err != nil {
			return nil, err
		}
		if kind == pktFlush {
			adv.finishV0()
			return adv, nil
		}
		if kind != pktData {
			return nil, fmt.Errorf("ref advertisement: %w", errMalformedPkt)
		}
		if first {
			refPart, caps, _ := strings.Cut(line, "\x00")
			adv.Capabilities = ParseCapabilities(caps)
			line = refPart
			first = false
		}
		if strings.HasPrefix(line, "shallow ") {
			continue
		}
		hash, name, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("ref line %q: %w", line, errMalformedPkt)
		}
		h, err := object.ParseHash(hash)
		if err != nil {
			return nil, fmt.Errorf("ref line %q: %w", line, err)
		}
		if name == "capabilities^{}" && h == object.ZeroHash {
			continue
		}
		if base, ok := strings.CutSuffix(name, "^{}"); ok {
			adv.Peeled[base] = h
			continue
		}
		adv.Refs[name] = h
	}
}

func (a *RefAdvertisement) finishV0() {
	for _, sym := range a.Capabilities.Values("symref") {
		if from, to, ok := strings.Cut(sym, ":"); ok && from == "HEAD" {
			a.Head = to
		}
	}
}

// lsRefs runs the v2 ls-refs command.
func (c *Client) lsRefs(ctx context.Context, adv *RefAdvertisement) error {
	if !adv.Capabilities.Has("ls-refs") {
		return &RemoteError{Message: "server does not offer ls-refs"}
	}
	c.metrics.ObserveRequest("ls-refs")

	var req bytes.Buffer
	pw := newPktWriter(&req)
	pw.Linef("command=ls-refs\n")
	c.writeV2Preamble(pw, adv)
	pw.Delim()
	pw.Linef("symrefs\n")
	pw.Linef("peel\n")
	if adv.Capabilities.HasValue("ls-refs", "unborn") {
		pw.Linef("unborn\n")
	}
	for _, prefix := range []string{"HEAD", "refs/heads/", "refs/tags/"} {
		pw.Linef("ref-prefix %s\n", prefix)
	}
	if err := pw.Flush(); err != nil {
		return err
	}

	body, err := c.do(ctx, http.MethodPost, c.endpoint.uploadPackURL(), contentTypeRequest, req.Bytes())
	if err != nil {
		return fmt.Errorf("ls-refs: %w", err)
	}
	defer body.Close()

	pr := newPktReader(body)
	for {
		kind, line, err := pr.NextText()
		if err != nil {
			return fmt.Errorf("ls-refs: %w", err)
		}
		if kind == pktFlush {
			return nil
		}
		if kind != pktData {
			return fmt.Errorf("ls-refs: %w", errMalformedPkt)
		}
		if err := adv.addV2Ref(line); err != nil {
			return fmt.Errorf("ls-refs: %w", err)
		}
	}
}

// addV2Ref parses "<oid> <name>( symref-target:<t>| peeled:<oid>)*".
func (a *RefAdvertisement) addV2Ref(line string) error {
	fields := strings.Split(line, " ")
	if len(fields) < 2 {
		return fmt.Errorf("ref line %q: %w", line, errMalformedPkt)
	}
	if fields[0] == "unborn" {
		for _, attr := range fields[2:] {
			if target, ok := strings.CutPrefix(attr, "symref-target:"); ok && fields[1] == "HEAD" {
				a.Head = target
			}
		}
		return nil
	}
	h, err := object.ParseHash(fields[0])
	if err != nil {
		return fmt.Errorf("ref line %q: %w", line, err)
	}
	name := fields[1]
	a.Refs[name] = h
	for _, attr := range fields[2:] {
		switch {
		case strings.HasPrefix(attr, "symref-target:"):
			if name == "HEAD" {
				a.Head = strings.TrimPrefix(attr, "symref-target:")
			}
		case strings.HasPrefix(attr, "peeled:"):
			peeled, err := object.ParseHash(strings.TrimPrefix(attr, "peeled:"))
			if err != nil {
				return fmt.Errorf("ref line %q: %w", line, err)
			}
			a.Peeled[name] = peeled
		}
	}
	return nil
}

func (c *Client) writeV2Preamble(pw *pktWriter, adv *RefAdvertisement) {
	if adv.Capabilities.Has("agent") {
		pw.Linef("agent=%s\n", c.userAgent)
	}
	if adv.Capabilities.Has("object-format") {
		pw.Linef("object-format=sha1\n")
	}
}

// NegotiateFetch requests a pack holding wants and everything they reach,
// and returns the demultiplexed pack stream. No haves are sent. Closing the
// stream releases the connection. An empty wants list returns an empty
// stream without contacting the server.
func (c *Client) NegotiateFetch(ctx context.Context, adv *RefAdvertisement, wants []object.Hash) (io.ReadCloser, error) {
	wants = dedupeHashes(wants)
	if len(wants) == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}
	if adv == nil {
		return nil, fmt.Errorf("fetch: ref advertisement is required")
	}
	for _, w := range wants {
		if err := object.ValidateHash(w); err != nil {
			return nil, fmt.Errorf("fetch: want: %w", err)
		}
	}
	c.metrics.ObserveRequest("fetch")

	var req bytes.Buffer
	var sideband bool
	if adv.Version == 2 {
		c.writeV2FetchRequest(&req, adv, wants)
		sideband = true
	} else {
		sideband = c.writeV0FetchRequest(&req, adv, wants)
	}

	body, err := c.do(ctx, http.MethodPost, c.endpoint.uploadPackURL(), contentTypeRequest, req.Bytes())
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	br := bufio.NewReaderSize(body, pktMaxLen)
	var stream io.Reader
	if adv.Version == 2 {
		stream, err = c.v2PackStream(br)
	} else {
		stream, err = c.v0PackStream(br, sideband)
	}
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("fetch: %w", err), body.Close())
	}
	return &packStream{Reader: stream, body: body}, nil
}

type packStream struct {
	io.Reader
	body io.Closer
}

func (p *packStream) Close() error { return p.body.Close() }

func (c *Client) writeV2FetchRequest(buf *bytes.Buffer, adv *RefAdvertisement, wants []object.Hash) {
	pw := newPktWriter(buf)
	pw.Linef("command=fetch\n")
	c.writeV2Preamble(pw, adv)
	pw.Delim()
	pw.Linef("ofs-delta\n")
	pw.Linef("no-progress\n")
	for _, w := range wants {
		pw.Linef("want %s\n", w)
	}
	pw.Linef("done\n")
	pw.Flush()
}

// writeV0FetchRequest writes the want list and reports whether sideband
// was negotiated.
func (c *Client) writeV0FetchRequest(buf *bytes.Buffer, adv *RefAdvertisement, wants []object.Hash) bool {
	var caps []string
	sideband := false
	switch {
	case adv.Capabilities.Has("side-band-64k"):
		caps = append(caps, "side-band-64k")
		sideband = true
	case adv.Capabilities.Has("side-band"):
		caps = append(caps, "side-band")
		sideband = true
	}
	for _, cp := range []string{"ofs-delta", "no-progress"} {
		if adv.Capabilities.Has(cp) {
			caps = append(caps, cp)
		}
	}
	if adv.Capabilities.Has("agent") {
		caps = append(caps, "agent="+c.userAgent)
	}

	pw := newPktWriter(buf)
	for i, w := range wants {
		if i == 0 && len(caps) > 0 {
			pw.Linef("want %s %s\n", w, strings.Join(caps, " "))
			continue
		}
		pw.Linef("want %s\n", w)
	}
	pw.Flush()
	pw.Linef("done\n")
	return sideband
}

// v2PackStream skips response sections until "packfile" and returns the
// demultiplexed pack data.
func (c *Client) v2PackStream(br *bufio.Reader) (io.Reader, error) {
	pr := newPktReader(br)
	for {
		kind, line, err := pr.NextText()
		if err == io.EOF {
			return nil, fmt.Errorf("response ended before packfile section: %w", io.ErrUnexpectedEOF)
		}
		if err != nil {
			return nil, err
		}
		switch {
		case kind == pktData && line == "packfile":
			return newSidebandDataReader(pr, c.progress), nil
		case kind == pktFlush:
			return nil, fmt.Errorf("response has no packfile section: %w", errMalformedPkt)
		}
		// acknowledgments, shallow-info, wanted-refs, packfile-uris and
		// their contents are not used by a fresh fetch.
	}
}

// v0PackStream skips NAK/ACK lines and returns the pack data, either raw
// or demultiplexed.
func (c *Client) v0PackStream(br *bufio.Reader, sideband bool) (io.Reader, error) {
	pr := newPktReader(br)
	for {
		peek, err := br.Peek(pktHeaderLen + 1)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("read negotiation response: %w", err)
		}
		if string(peek[:pktHeaderLen]) == "PACK" {
			if sideband {
				return nil, fmt.Errorf("raw pack on a sideband connection: %w", errMalformedPkt)
			}
			return br, nil
		}
		switch peek[pktHeaderLen] {
		case 'N', 'A', 's', 'E':
			// NAK, ACK, shallow, ERR
			if _, _, err := pr.NextText(); err != nil {
				return nil, err
			}
			continue
		}
		if !sideband {
			return nil, fmt.Errorf("unexpected data before pack: %w", errMalformedPkt)
		}
		return newSidebandDataReader(pr, c.progress), nil
	}
}

func (c *Client) progress(msg string) {
	c.log.Debug("remote progress", zap.String("message", msg))
}

// do sends one request and returns the decoded body of a 2xx response.
// Network failures become *TransportError and non-2xx responses
// *RemoteError.
func (c *Client) do(ctx context.Context, method, url, contentType string, body []byte) (io.ReadCloser, error) {
	var cancel context.CancelFunc = func() {}
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(headerGitProtocol, protocolV2)
	req.Header.Set("Accept-Encoding", acceptEncoding)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Accept", contentTypeResult)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, err
		}
		c.metrics.ObserveFailure("transport")
		return nil, &TransportError{Op: method, URL: url, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, readErr := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		cancel()
		closeErr := resp.Body.Close()
		if readErr != nil {
			c.metrics.ObserveFailure("transport")
			return nil, &TransportError{Op: method, URL: url, Err: multierr.Append(readErr, closeErr)}
		}
		text := strings.TrimSpace(string(msg))
		if text == "" {
			text = http.StatusText(resp.StatusCode)
		}
		c.metrics.ObserveFailure("rejected")
		return nil, &RemoteError{Status: resp.StatusCode, Message: text}
	}

	decoded, err := decodeBody(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		cancel()
		return nil, err
	}
	return &transportBody{rc: decoded, op: method, url: url, cancel: cancel}, nil
}

// transportBody marks read failures of the underlying connection as
// transport errors.
type transportBody struct {
	rc     io.ReadCloser
	op     string
	url    string
	cancel context.CancelFunc
}

func (b *transportBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil && err != io.EOF {
		var te *TransportError
		if !errors.As(err, &te) && !errors.Is(err, context.Canceled) {
			err = &TransportError{Op: b.op + " read", URL: b.url, Err: err}
		}
	}
	return n, err
}

func (b *transportBody) Close() error {
	defer b.cancel()
	return b.rc.Close()
}

func dedupeHashes(in []object.Hash) []object.Hash {
	seen := make(map[object.Hash]struct{}, len(in))
	out := make([]object.Hash, 0, len(in))
	for _, h := range in {
		h = object.Hash(strings.ToLower(strings.TrimSpace(string(h))))
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}
