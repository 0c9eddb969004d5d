// router.go builds the inbound chi router: spec.md §6's seven wire
// endpoints, mounted against internal/httpapi's framework-agnostic
// handlers. Grounded on the teacher's examples/chi-server (chi.NewRouter
// + middleware.Logger/Recoverer/Timeout + cors.Handler), generalised from
// its single /generate route to the proxy's full multi-protocol surface.
package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/relaymesh/llmproxy/internal/app"
	"github.com/relaymesh/llmproxy/internal/httpapi"
)

// NewRouter builds the full HTTP handler for one Services instance.
func NewRouter(svc *app.Services) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(svc.Config.ProxyTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"*"},
	}))

	h := httpapi.New(svc)

	r.Get("/", h.Root)
	r.Post("/v1/chat/completions", h.ChatCompletions)
	r.Post("/v1/responses", h.ChatCompletions)
	r.Post("/anthropic/v1/messages", h.AnthropicMessages)
	r.Get("/anthropic/v1/models", h.Models)
	r.Post("/v1beta/models/{modelAction}", func(w http.ResponseWriter, req *http.Request) {
		h.Gemini(w, req, chi.URLParam(req, "modelAction"))
	})
	r.Get("/v1/models", h.Models)

	return r
}
