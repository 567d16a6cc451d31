// Package proxy implements the forwarding handler: it classifies each
// incoming request, relays it to the matching upstream, tees the response
// back to the client while parsing it, and persists the interaction.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/sjson"

	"github.com/llmtap/llmtap/internal/config"
	"github.com/llmtap/llmtap/internal/model"
	"github.com/llmtap/llmtap/internal/provider"
	"github.com/llmtap/llmtap/internal/redact"
	"github.com/llmtap/llmtap/internal/store"
)

// Handler proxies one request end to end and owns its interaction record
// from creation to finalization.
type Handler struct {
	cfg      *config.Config
	registry *provider.Registry
	store    *store.Store
	client   *http.Client
	logger   *log.Logger
}

// New builds a Handler with a shared upstream transport. Idle connections
// are pooled per host and evicted after IdleConnTimeout, so repeated calls
// to one provider reuse a warm socket.
func New(cfg *config.Config, registry *provider.Registry, st *store.Store, logger *log.Logger) *Handler {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	return &Handler{
		cfg:      cfg,
		registry: registry,
		store:    st,
		client:   &http.Client{Transport: transport},
		logger:   logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	sessionID, path := SplitSessionPath(r.URL.Path)
	prov, parser, base := h.registry.Detect(path, r.Header)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		// Unreadable request: reject, record nothing.
		writeJSONError(w, http.StatusBadRequest, "client_malformed", err.Error())
		return
	}

	inter := &model.Interaction{
		ID:         model.NewID(),
		SessionID:  sessionID,
		StartedAt:  start.UTC(),
		Provider:   prov,
		Method:     r.Method,
		Path:       path,
		ClientAddr: r.RemoteAddr,
	}

	var info provider.RequestInfo
	if parser != nil && len(body) > 0 {
		info = parser.ParseRequest(body)
		inter.Model = info.Model
		inter.SystemPrompt = info.SystemPrompt
		inter.Messages = info.Messages
		inter.Tools = info.Tools
		inter.Images = info.Images
		inter.StreamRequested = info.Stream
	}

	headers := flattenHeader(r.Header)
	if h.cfg.Redact {
		headers = redact.Headers(headers)
	}
	inter.RequestHeaders = headers

	storedBody := body
	if h.cfg.Redact && h.cfg.RedactBody {
		storedBody = redact.Body(body)
	}
	inter.RequestBody = storedBody

	// Parent row lands before any chunk can reference it.
	h.store.CreateInteraction(inter)

	upstreamBody := body
	if h.cfg.InjectUsage && prov == model.ProviderOpenAI && info.Stream {
		if b, err := sjson.SetBytes(bytes.Clone(body), "stream_options.include_usage", true); err == nil {
			upstreamBody = b
		}
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if h.cfg.RequestTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, h.cfg.RequestTimeout)
		defer tcancel()
	}

	rc := &relayState{
		clientCtx: r.Context(),
		cancel:    cancel,
		idle:      h.cfg.IdleTimeout,
		start:     start,
	}
	if rc.idle > 0 {
		// Watchdog fires when upstream goes silent; each read re-arms it.
		rc.watchdog = time.AfterFunc(rc.idle, func() {
			rc.timedOut.Store(true)
			cancel()
		})
		defer rc.watchdog.Stop()
	}

	target := base + path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(upstreamBody))
	if err != nil {
		h.failBeforeResponse(w, inter, start, http.StatusBadGateway, "upstream_connect", err)
		return
	}
	copyRequestHeaders(req.Header, r.Header)

	resp, err := h.client.Do(req)
	if err != nil {
		kind, status := "upstream_connect", http.StatusBadGateway
		switch {
		case rc.timedOut.Load(), errors.Is(err, context.DeadlineExceeded):
			kind, status = "upstream_timeout", http.StatusGatewayTimeout
		case r.Context().Err() != nil:
			kind, status = "client_disconnect", http.StatusBadGateway
		}
		h.failBeforeResponse(w, inter, start, status, kind, err)
		return
	}
	defer resp.Body.Close()

	ttfb := msSince(start)
	inter.TTFBMillis = &ttfb
	inter.StatusCode = resp.StatusCode
	inter.ResponseHeaders = flattenHeader(resp.Header)
	inter.Streaming = isStreaming(resp, prov, info)

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	var acc provider.Accumulator
	if inter.Streaming && parser != nil {
		acc = parser.NewAccumulator()
	}

	res := h.relay(rc, w, resp.Body, acc, inter)

	inter.ResponseBody = res.body
	inter.ChunkCount = res.chunkSeq
	inter.TTFTMillis = res.ttftMs
	if res.errKind != "" {
		inter.Error = res.errKind
		if res.errDetail != "" {
			inter.Error += ": " + res.errDetail
		}
	}

	var asm provider.Assembly
	switch {
	case acc != nil:
		asm = acc.Finalize()
	case parser != nil && res.errKind == "" && resp.StatusCode < 400 && len(res.body) > 0:
		asm = parser.ParseResponse(res.body)
	}
	h.finalize(inter, start, asm)

	if res.errKind == "upstream_protocol" {
		// Mid-stream upstream failure: the record is queued, now slam the
		// downstream connection so the client sees a broken stream rather
		// than a clean end.
		panic(http.ErrAbortHandler)
	}
}

// failBeforeResponse handles failures where no upstream bytes reached the
// client yet: a synthesized status goes downstream and the interaction is
// recorded with the error kind.
func (h *Handler) failBeforeResponse(w http.ResponseWriter, inter *model.Interaction, start time.Time, status int, kind string, err error) {
	writeJSONError(w, status, kind, err.Error())
	inter.StatusCode = status
	inter.Error = kind + ": " + err.Error()
	h.finalize(inter, start, provider.Assembly{})
}

// finalize fills derived fields and queues the completed record. Best
// effort: every field that can be computed is, and nothing here can fail
// the response, which has already been sent.
func (h *Handler) finalize(inter *model.Interaction, start time.Time, asm provider.Assembly) {
	inter.CompletedAt = time.Now().UTC()
	inter.TotalLatencyMs = msSince(start)

	inter.ReconstructedText = asm.Text
	inter.ToolCalls = asm.ToolCalls
	inter.FinishReason = asm.FinishReason
	inter.Usage = asm.Usage
	if inter.Model == "" {
		inter.Model = asm.Model
	}
	if asm.Error != "" && inter.Error == "" {
		inter.Error = asm.Error
	}

	if inter.Usage == nil && inter.ReconstructedText != "" {
		inter.Usage = provider.EstimateUsage(inter.ReconstructedText)
	}
	inter.Cost = provider.EstimateCost(inter.Provider, inter.Model, inter.Usage)

	h.store.FinalizeInteraction(inter)
	h.logInteraction(inter)
}

func (h *Handler) logInteraction(i *model.Interaction) {
	if h.cfg.Quiet || h.logger == nil {
		return
	}
	line := fmt.Sprintf("%s %s %s -> %d (%.0fms", i.Provider, i.Method, i.Path, i.StatusCode, i.TotalLatencyMs)
	if i.Model != "" {
		line += ", model=" + i.Model
	}
	if i.Streaming {
		line += fmt.Sprintf(", %d chunks", i.ChunkCount)
	}
	if i.Error != "" {
		line += ", error=" + i.Error
	}
	h.logger.Print(line + ")")

	if h.cfg.Verbose && i.ReconstructedText != "" {
		text := i.ReconstructedText
		if len(text) > 120 {
			text = text[:120] + "..."
		}
		h.logger.Printf("  %s: %q", i.ID, text)
	}
}

// isStreaming reports whether the response body should be relayed
// incrementally. Ollama streams NDJSON under a plain application/json
// content type, so for it the request's stream flag decides.
func isStreaming(resp *http.Response, prov model.Provider, info provider.RequestInfo) bool {
	ct := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "text/event-stream"),
		strings.HasPrefix(ct, "application/x-ndjson"):
		return true
	case prov == model.ProviderOllama && strings.HasPrefix(ct, "application/json") && info.Stream:
		return true
	}
	return false
}

var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func skipHeader(canonical string, connectionTokens map[string]bool) bool {
	if hopByHop[canonical] || strings.HasPrefix(canonical, "Proxy-") {
		return true
	}
	return connectionTokens[canonical]
}

// connectionTokens collects header names listed in Connection values; RFC
// 7230 makes those hop-by-hop too.
func connectionTokens(h http.Header) map[string]bool {
	out := map[string]bool{}
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				out[http.CanonicalHeaderKey(tok)] = true
			}
		}
	}
	return out
}

// copyRequestHeaders forwards client headers upstream. Accept-Encoding is
// dropped so the transport negotiates gzip itself and hands back decoded
// bytes the parsers can read. Host is set from the upstream URL.
func copyRequestHeaders(dst, src http.Header) {
	conn := connectionTokens(src)
	for k, vv := range src {
		canonical := http.CanonicalHeaderKey(k)
		if skipHeader(canonical, conn) || canonical == "Accept-Encoding" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func copyResponseHeaders(dst, src http.Header) {
	conn := connectionTokens(src)
	for k, vv := range src {
		if skipHeader(http.CanonicalHeaderKey(k), conn) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// flattenHeader lowercases names and joins repeated values, matching how
// interactions are stored and queried.
func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		out[strings.ToLower(k)] = strings.Join(vv, ", ")
	}
	return out
}

func writeJSONError(w http.ResponseWriter, status int, kind, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q,"detail":%q}`, kind, detail)
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t)) / float64(time.Millisecond)
}
