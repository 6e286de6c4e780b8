package remote

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/odvcencio/twig/pkg/metrics"
	"github.com/odvcencio/twig/pkg/object"
	"github.com/odvcencio/twig/pkg/repo"
)

// requestBodyLimit caps a negotiation request.
const requestBodyLimit = 16 << 20

// deltaMinSaving is the fraction of a blob a delta must save before the
// server sends the delta instead of the full object.
const deltaMinSaving = 2

// UploadPackHandler serves a repository over smart-HTTP upload-pack:
// GET <prefix>/info/refs?service=git-upload-pack and
// POST <prefix>/git-upload-pack. Protocol v2 is used when the client sends
// Git-Protocol: version=2, v0 otherwise.
type UploadPackHandler struct {
	repo     *repo.Repo
	log      *zap.Logger
	metrics  *metrics.Transfer
	ofsDelta bool
	agent    string
}

// ServerOption configures an UploadPackHandler.
type ServerOption func(*UploadPackHandler)

// WithServerLogger sets the handler's logger.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(h *UploadPackHandler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithServerMetrics attaches transfer collectors.
func WithServerMetrics(m *metrics.Transfer) ServerOption {
	return func(h *UploadPackHandler) { h.metrics = m }
}

// WithOfsDeltas makes the server send similar blobs as ofs-deltas when the
// client accepts them.
func WithOfsDeltas(enabled bool) ServerOption {
	return func(h *UploadPackHandler) { h.ofsDelta = enabled }
}

// NewUploadPackHandler returns a handler serving r.
func NewUploadPackHandler(r *repo.Repo, opts ...ServerOption) *UploadPackHandler {
	h := &UploadPackHandler{
		repo:  r,
		log:   zap.NewNop(),
		agent: DefaultUserAgent,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *UploadPackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/info/refs"):
		h.serveInfoRefs(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/"+uploadPackService):
		h.serveUploadPack(w, r)
	default:
		http.NotFound(w, r)
	}
}

func wantsV2(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get(headerGitProtocol), ":") {
		if strings.TrimSpace(part) == protocolV2 {
			return true
		}
	}
	return false
}

func (h *UploadPackHandler) serveInfoRefs(w http.ResponseWriter, r *http.Request) {
	if svc := r.URL.Query().Get("service"); svc != uploadPackService {
		http.Error(w, fmt.Sprintf("unsupported service %q", svc), http.StatusForbidden)
		return
	}
	h.metrics.ObserveRequest("info-refs")

	var buf bytes.Buffer
	pw := newPktWriter(&buf)
	pw.Linef("# service=%s\n", uploadPackService)
	pw.Flush()
	if wantsV2(r) {
		pw.Linef("version 2\n")
		pw.Linef("agent=%s\n", h.agent)
		pw.Linef("ls-refs=unborn\n")
		pw.Linef("fetch\n")
		pw.Linef("object-format=sha1\n")
		pw.Flush()
	} else if err := h.writeV0Advertisement(pw); err != nil {
		h.fail(w, "advertise refs", err)
		return
	}

	w.Header().Set("Content-Type", contentTypeAdvert)
	w.Header().Set("Cache-Control", "no-cache")
	h.writeBody(w, r, buf.Bytes())
}

type advertisedRef struct {
	name   string
	hash   object.Hash
	peeled object.Hash
	symref string
}

// advertisedRefs lists HEAD (when it resolves) followed by every ref under
// refs/heads/ and refs/tags/ in name order. When HEAD names a branch that
// does not exist yet, that branch is returned as unborn.
func (h *UploadPackHandler) advertisedRefs(prefixes []string) (refs []advertisedRef, unborn string, err error) {
	if matchesPrefix("HEAD", prefixes) {
		head, err := h.repo.Head()
		if err != nil {
			return nil, "", err
		}
		target, err := h.repo.ResolveRef("HEAD")
		switch {
		case err == nil:
			ref := advertisedRef{name: "HEAD", hash: target}
			if strings.HasPrefix(head, "refs/") {
				ref.symref = head
			}
			refs = append(refs, ref)
		case errors.Is(err, repo.ErrRefNotFound):
			unborn = head
		default:
			return nil, "", err
		}
	}

	all, err := h.repo.ListRefs("refs/")
	if err != nil {
		return nil, "", err
	}
	for _, ref := range all {
		if !strings.HasPrefix(ref.Name, "refs/heads/") && !strings.HasPrefix(ref.Name, "refs/tags/") {
			continue
		}
		if !matchesPrefix(ref.Name, prefixes) {
			continue
		}
		ar := advertisedRef{name: ref.Name, hash: ref.Hash}
		if strings.HasPrefix(ref.Name, "refs/tags/") {
			if peeled, err := h.repo.Peel(ref.Hash); err == nil && peeled != ref.Hash {
				ar.peeled = peeled
			}
		}
		refs = append(refs, ar)
	}
	return refs, unborn, nil
}

func matchesPrefix(name string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func (h *UploadPackHandler) writeV0Advertisement(pw *pktWriter) error {
	refs, unborn, err := h.advertisedRefs(nil)
	if err != nil {
		return err
	}
	caps := []string{"side-band-64k", "ofs-delta", "no-progress"}
	for _, ref := range refs {
		if ref.symref != "" {
			caps = append(caps, "symref=HEAD:"+ref.symref)
		}
	}
	if unborn != "" {
		caps = append(caps, "symref=HEAD:"+unborn)
	}
	caps = append(caps, "agent="+h.agent)

	if len(refs) == 0 {
		pw.Linef("%s capabilities^{}\x00%s\n", object.ZeroHash, strings.Join(caps, " "))
		return pw.Flush()
	}
	for i, ref := range refs {
		if i == 0 {
			pw.Linef("%s %s\x00%s\n", ref.hash, ref.name, strings.Join(caps, " "))
		} else {
			pw.Linef("%s %s\n", ref.hash, ref.name)
		}
		if ref.peeled != "" {
			pw.Linef("%s %s^{}\n", ref.peeled, ref.name)
		}
	}
	return pw.Flush()
}

func (h *UploadPackHandler) serveUploadPack(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" && ct != contentTypeRequest {
		http.Error(w, fmt.Sprintf("unexpected content type %q", ct), http.StatusUnsupportedMediaType)
		return
	}
	body, err := decodeRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer body.Close()
	pr := newPktReader(io.LimitReader(body, requestBodyLimit))

	if wantsV2(r) {
		h.serveV2(w, r, pr)
		return
	}
	h.serveV0(w, r, pr)
}

// v2Request is one protocol v2 command with its capability and argument
// lines.
type v2Request struct {
	command string
	caps    []string
	args    []string
}

func readV2Request(pr *pktReader) (*v2Request, error) {
	kind, line, err := pr.NextText()
	if err != nil {
		return nil, err
	}
	cmd, ok := strings.CutPrefix(line, "command=")
	if kind != pktData || !ok {
		return nil, fmt.Errorf("expected command line, got %q", line)
	}
	req := &v2Request{command: cmd}
	inArgs := false
	for {
		kind, line, err := pr.NextText()
		if err != nil {
			return nil, err
		}
		switch kind {
		case pktFlush:
			return req, nil
		case pktDelim:
			if inArgs {
				return nil, fmt.Errorf("second delimiter in %s request", cmd)
			}
			inArgs = true
		case pktData:
			if inArgs {
				req.args = append(req.args, line)
			} else {
				req.caps = append(req.caps, line)
			}
		default:
			return nil, fmt.Errorf("unexpected packet in %s request", cmd)
		}
	}
}

func (h *UploadPackHandler) serveV2(w http.ResponseWriter, r *http.Request, pr *pktReader) {
	req, err := readV2Request(pr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.metrics.ObserveRequest(req.command)
	h.log.Debug("upload-pack request",
		zap.String("command", req.command),
		zap.Int("args", len(req.args)))

	switch req.command {
	case "ls-refs":
		h.serveLsRefs(w, r, req)
	case "fetch":
		h.serveV2Fetch(w, r, req)
	default:
		h.writeErrLine(w, r, fmt.Sprintf("unknown command %q", req.command))
	}
}

func (h *UploadPackHandler) serveLsRefs(w http.ResponseWriter, r *http.Request, req *v2Request) {
	var symrefs, peel, withUnborn bool
	var prefixes []string
	for _, arg := range req.args {
		switch {
		case arg == "symrefs":
			symrefs = true
		case arg == "peel":
			peel = true
		case arg == "unborn":
			withUnborn = true
		case strings.HasPrefix(arg, "ref-prefix "):
			prefixes = append(prefixes, strings.TrimPrefix(arg, "ref-prefix "))
		}
	}
	refs, unborn, err := h.advertisedRefs(prefixes)
	if err != nil {
		h.fail(w, "ls-refs", err)
		return
	}

	var buf bytes.Buffer
	pw := newPktWriter(&buf)
	if withUnborn && unborn != "" {
		if symrefs {
			pw.Linef("unborn HEAD symref-target:%s\n", unborn)
		} else {
			pw.Linef("unborn HEAD\n")
		}
	}
	for _, ref := range refs {
		line := string(ref.hash) + " " + ref.name
		if symrefs && ref.symref != "" {
			line += " symref-target:" + ref.symref
		}
		if peel && ref.peeled != "" {
			line += " peeled:" + string(ref.peeled)
		}
		pw.Linef("%s\n", line)
	}
	pw.Flush()

	w.Header().Set("Content-Type", contentTypeResult)
	h.writeBody(w, r, buf.Bytes())
}

// fetchRequest is a parsed want/have negotiation.
type fetchRequest struct {
	wants    []object.Hash
	haves    []object.Hash
	done     bool
	ofsDelta bool
	sideband bool
}

func (h *UploadPackHandler) serveV2Fetch(w http.ResponseWriter, r *http.Request, req *v2Request) {
	fr := &fetchRequest{sideband: true}
	for _, arg := range req.args {
		key, value, _ := strings.Cut(arg, " ")
		switch key {
		case "want":
			fr.wants = append(fr.wants, object.Hash(value))
		case "have":
			fr.haves = append(fr.haves, object.Hash(value))
		case "done":
			fr.done = true
		case "ofs-delta":
			fr.ofsDelta = true
		case "no-progress", "thin-pack", "include-tag":
		default:
			h.writeErrLine(w, r, fmt.Sprintf("unsupported fetch argument %q", key))
			return
		}
	}
	if err := h.checkWants(fr.wants); err != nil {
		h.writeErrLine(w, r, err.Error())
		return
	}

	w.Header().Set("Content-Type", contentTypeResult)
	h.streamResponse(w, r, func(out io.Writer) error {
		pw := newPktWriter(out)
		if !fr.done {
			pw.Linef("acknowledgments\n")
			common := 0
			for _, have := range fr.haves {
				if h.repo.Store.Has(have) {
					pw.Linef("ACK %s\n", have)
					common++
				}
			}
			if common == 0 {
				pw.Linef("NAK\n")
			}
			pw.Linef("ready\n")
			pw.Delim()
		}
		if err := pw.Linef("packfile\n"); err != nil {
			return err
		}
		return h.writePack(out, fr)
	})
}

func (h *UploadPackHandler) serveV0(w http.ResponseWriter, r *http.Request, pr *pktReader) {
	h.metrics.ObserveRequest("fetch")
	fr := &fetchRequest{}
	for !fr.done {
		kind, line, err := pr.NextText()
		if err == io.EOF {
			break
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if kind != pktData {
			continue
		}
		key, rest, _ := strings.Cut(line, " ")
		switch key {
		case "want":
			hash, caps, _ := strings.Cut(rest, " ")
			fr.wants = append(fr.wants, object.Hash(hash))
			for _, c := range strings.Fields(caps) {
				switch c {
				case "ofs-delta":
					fr.ofsDelta = true
				case "side-band-64k", "side-band":
					fr.sideband = true
				}
			}
		case "have":
			fr.haves = append(fr.haves, object.Hash(rest))
		case "done":
			fr.done = true
		}
	}
	if err := h.checkWants(fr.wants); err != nil {
		h.writeErrLine(w, r, err.Error())
		return
	}

	w.Header().Set("Content-Type", contentTypeResult)
	h.streamResponse(w, r, func(out io.Writer) error {
		if err := newPktWriter(out).Linef("NAK\n"); err != nil {
			return err
		}
		return h.writePack(out, fr)
	})
}

func (h *UploadPackHandler) checkWants(wants []object.Hash) error {
	if len(wants) == 0 {
		return errors.New("no wants")
	}
	for _, want := range wants {
		if object.ValidateHash(want) != nil || !h.repo.Store.Has(want) {
			return fmt.Errorf("upload-pack: not our ref %s", want)
		}
	}
	return nil
}

// writePack streams a pack holding everything reachable from the wants and
// not from the haves, framed on sideband when negotiated.
func (h *UploadPackHandler) writePack(out io.Writer, fr *fetchRequest) (err error) {
	store := h.repo.Store
	order, err := store.ReachableOrder(fr.wants)
	if err != nil {
		return err
	}
	exclude, err := store.ReachableSet(fr.haves)
	if err != nil {
		return err
	}
	objects := order[:0:0]
	for _, hash := range order {
		if _, skip := exclude[hash]; !skip {
			objects = append(objects, hash)
		}
	}

	packOut := out
	var sw *SidebandWriter
	if fr.sideband {
		sw = NewSidebandWriter(out)
		packOut = sw
		defer func() {
			if err != nil {
				// Best effort: the client sees the failure in-band.
				_ = sw.WriteError(err.Error())
				return
			}
			err = sw.Flush()
		}()
	}

	pw, err := object.NewPackWriter(packOut, uint32(len(objects)))
	if err != nil {
		return err
	}
	useDelta := h.ofsDelta && fr.ofsDelta
	var prevBlob []byte
	var prevOffset uint64
	deltas := 0
	for _, hash := range objects {
		objType, data, err := store.Read(hash)
		if err != nil {
			return err
		}
		packType, ok := object.PackTypeForObject(objType)
		if !ok {
			return fmt.Errorf("object %s: unsupported type %q", hash, objType)
		}
		offset := pw.CurrentOffset()
		if useDelta && objType == object.TypeBlob && prevBlob != nil {
			delta := object.ComputeDelta(prevBlob, data)
			if len(delta)*deltaMinSaving < len(data) {
				if err := pw.WriteOfsDelta(prevOffset, delta); err != nil {
					return err
				}
				deltas++
				prevBlob, prevOffset = data, offset
				continue
			}
		}
		if err := pw.WriteEntry(packType, data); err != nil {
			return err
		}
		if objType == object.TypeBlob {
			prevBlob, prevOffset = data, offset
		}
	}
	checksum, err := pw.Finish()
	if err != nil {
		return err
	}
	h.log.Debug("pack sent",
		zap.Int("objects", len(objects)),
		zap.Int("deltas", deltas),
		zap.String("checksum", checksum))
	return nil
}

// streamResponse writes a 200 response produced by fn through the
// negotiated content encoding. Failures after the header is sent can only
// be logged.
func (h *UploadPackHandler) streamResponse(w http.ResponseWriter, r *http.Request, fn func(io.Writer) error) {
	w.Header().Set("Cache-Control", "no-cache")
	enc, err := encodeResponse(w, r)
	if err != nil {
		h.fail(w, "encode response", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	err = multierr.Append(fn(enc), enc.Close())
	if err != nil {
		h.metrics.ObserveFailure("serve")
		h.log.Warn("upload-pack response failed", zap.Error(err))
	}
}

func (h *UploadPackHandler) writeBody(w http.ResponseWriter, r *http.Request, data []byte) {
	h.streamResponse(w, r, func(out io.Writer) error {
		_, err := out.Write(data)
		return err
	})
}

// writeErrLine reports a protocol-level refusal as an ERR pkt-line.
func (h *UploadPackHandler) writeErrLine(w http.ResponseWriter, r *http.Request, msg string) {
	h.log.Info("upload-pack refused", zap.String("reason", msg))
	var buf bytes.Buffer
	newPktWriter(&buf).Linef("ERR %s\n", msg)
	w.Header().Set("Content-Type", contentTypeResult)
	h.writeBody(w, r, buf.Bytes())
}

func (h *UploadPackHandler) fail(w http.ResponseWriter, op string, err error) {
	h.metrics.ObserveFailure("serve")
	h.log.Error("upload-pack failed", zap.String("op", op), zap.Error(err))
	http.Error(w, op+": internal error", http.StatusInternalServerError)
}
