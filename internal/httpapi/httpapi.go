// Package httpapi implements spec §6's seven wire endpoints as plain
// net/http handlers. The chi router in cmd/proxyd is the one router in
// this repo that mounts them; because they are plain net/http handlers,
// any router can mount the same request handling without reimplementing
// it against its own Context type. Each handler reduces to "parse body,
// call the model, write JSON or SSE", across the proxy's full
// multi-protocol surface.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relaymesh/llmproxy/internal/app"
	"github.com/relaymesh/llmproxy/internal/canonical"
	"github.com/relaymesh/llmproxy/internal/perror"
	"github.com/relaymesh/llmproxy/internal/proxy"
)

// SessionHeader is the header spec §6 uses to carry the client-chosen
// session id across requests; echoed back on every response so a client
// that didn't send one can pick up the generated id.
const SessionHeader = "X-Session-ID"

// Handlers binds spec §6's endpoints to one Services instance as plain
// http.HandlerFunc values, framework-agnostic by construction.
type Handlers struct {
	svc *app.Services
}

// New binds handlers to svc.
func New(svc *app.Services) *Handlers {
	return &Handlers{svc: svc}
}

// Root is the service-identification handler mounted at "/".
func (h *Handlers) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "llmproxy",
		"version": "1.0.0",
	})
}

// ChatCompletions serves the OpenAI chat-completions wire shape at
// "/v1/chat/completions" and its "/v1/responses" variant.
func (h *Handlers) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, proxy.OpenAI, "")
}

// AnthropicMessages serves the Anthropic Messages wire shape at
// "/anthropic/v1/messages".
func (h *Handlers) AnthropicMessages(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, proxy.Anthropic, "")
}

// Gemini serves both Gemini actions ("/v1beta/models/{model}:action"); the
// caller extracts modelAction from its own router's path param.
func (h *Handlers) Gemini(w http.ResponseWriter, r *http.Request, modelAction string) {
	model, action := SplitModelAction(modelAction)

	codec := proxy.Gemini
	if action == "streamGenerateContent" {
		codec = forceStreamCodec{proxy.Gemini}
	}
	h.serve(w, r, codec, model)
}

// SplitModelAction splits Gemini's "{model}:{action}" path segment on the
// last colon, since model names themselves never contain one.
func SplitModelAction(modelAction string) (model, action string) {
	i := strings.LastIndex(modelAction, ":")
	if i < 0 {
		return modelAction, ""
	}
	return modelAction[:i], modelAction[i+1:]
}

// forceStreamCodec wraps a FrontendCodec to force Stream=true after
// delegating, for wire protocols that signal streaming out-of-band
// (Gemini's :streamGenerateContent action rather than a body field).
type forceStreamCodec struct {
	proxy.FrontendCodec
}

func (c forceStreamCodec) ToCanonicalRequest(body []byte, pathModel string) (canonical.Request, error) {
	req, err := c.FrontendCodec.ToCanonicalRequest(body, pathModel)
	req.Stream = true
	return req, err
}

func (h *Handlers) serve(w http.ResponseWriter, r *http.Request, codec proxy.FrontendCodec, pathModel string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, perror.InvalidRequest("bad_body", "could not read request body"))
		return
	}

	reqCtx := proxy.RequestContext{
		SessionID: r.Header.Get(SessionHeader),
		UserAgent: r.Header.Get("User-Agent"),
	}

	result, streamResult, err := h.svc.Processor.Handle(r.Context(), codec, pathModel, body, reqCtx)
	if err != nil {
		writeError(w, err)
		return
	}

	if streamResult != nil {
		w.Header().Set(SessionHeader, streamResult.SessionID)
		writeStream(w, r.Context(), streamResult)
		return
	}

	w.Header().Set(SessionHeader, result.SessionID)
	writeJSON(w, http.StatusOK, result.Body)
}

// Models aggregates ListModels across every registered connector, for
// "/v1/models" and "/anthropic/v1/models". A backend whose ListModels call
// errors is simply omitted — spec makes no commitment about failing the
// whole listing for one bad connector.
func (h *Handlers) Models(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var data []map[string]interface{}
	for _, name := range h.svc.Registry.Names() {
		conn, err := h.svc.Registry.Get(name)
		if err != nil {
			continue
		}
		models, err := conn.ListModels(ctx)
		if err != nil {
			continue
		}
		for _, m := range models {
			data = append(data, map[string]interface{}{
				"id":      m,
				"object":  "model",
				"backend": name,
			})
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   data,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError translates a perror.Error (or any other error, defensively,
// as an internal error) into spec §7's wire error body.
func writeError(w http.ResponseWriter, err error) {
	pe, ok := perror.AsError(err)
	if !ok {
		pe = perror.Internal(err)
	}
	status := pe.HTTPStatus()
	if status == 0 {
		status = http.StatusInternalServerError
	}
	body := map[string]interface{}{
		"error": map[string]interface{}{
			"kind":    pe.Kind,
			"code":    pe.Code,
			"message": pe.Message,
		},
	}
	if len(pe.Attempts) > 0 {
		attempts := make([]map[string]interface{}, len(pe.Attempts))
		for i, a := range pe.Attempts {
			attempts[i] = map[string]interface{}{
				"backend": a.Backend,
				"model":   a.Model,
				"kind":    a.Kind,
				"reason":  a.Reason,
			}
		}
		body["error"].(map[string]interface{})["attempts"] = attempts
	}
	writeJSON(w, status, body)
}

// writeStream frames a StreamResult as a text/event-stream response,
// flushing each frame as it arrives and terminating with the "[DONE]"
// sentinel the OpenAI/Gemini wire protocols both expect. Always calls
// Close exactly once, whether the stream exhausts naturally, errors, or
// the client disconnects.
func writeStream(w http.ResponseWriter, ctx context.Context, sr *proxy.StreamResult) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)

	defer sr.Frames.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frames, err := sr.Frames.Next()
		for _, f := range frames {
			writeSSEFrame(w, f)
		}
		if canFlush {
			flusher.Flush()
		}

		if err != nil {
			if errors.Is(err, io.EOF) || isStreamTerminated(err) {
				w.Write([]byte("data: [DONE]\n\n"))
				if canFlush {
					flusher.Flush()
				}
			}
			return
		}
	}
}

// isStreamTerminated reports whether err is proxy's internal
// middleware-terminated-early sentinel, which ends a stream the same way
// io.EOF does from the client's point of view.
func isStreamTerminated(err error) bool {
	return err != nil && err.Error() == "stream terminated by middleware"
}

func writeSSEFrame(w http.ResponseWriter, f proxy.SSEFrame) {
	if f.Event != "" {
		w.Write([]byte("event: " + f.Event + "\n"))
	}
	payload, err := json.Marshal(f.Data)
	if err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
}
