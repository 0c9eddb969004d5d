// Package dispatch implements the backend service (spec §4.F): dispatch
// plan resolution, key/model rotation policies, rate limiting, retry and
// failover. Dispatch-plan resolution generalises the teacher's
// pkg/registry.parseModelString ("provider:model" colon-split) from a
// single pair to a full ordered plan.
package dispatch

import (
	"github.com/relaymesh/llmproxy/internal/backend"
	"github.com/relaymesh/llmproxy/internal/session"
)

// Step is one (backend, model, keyName) the service will attempt, in
// order.
type Step struct {
	Backend string
	Model   string
	KeyName string
}

// Routes is the set of routes the service consults when resolving a plan:
// session-scoped routes are checked first (and shadow an app-global route
// with the same name, per the DESIGN.md open-question decision), then
// app-global routes.
type Routes struct {
	Session map[string]session.Route
	Global  map[string]session.Route
}

func (r Routes) lookup(name string) (session.Route, bool) {
	if rt, ok := r.Session[name]; ok {
		return rt, true
	}
	rt, ok := r.Global[name]
	return rt, ok
}

// KeysFor resolves the ordered API key names for a backend; supplied by
// the caller (internal/backend.Registry.Keys) so this package carries no
// global state.
type KeysFor func(backendName string) []string

// BuildPlan resolves requestModel (spec §4.F step 1) into an ordered
// dispatch plan. oneoff, if non-nil, is consumed (the caller is
// responsible for clearing SessionState.OneoffRoute after one request).
func BuildPlan(requestModel string, routes Routes, oneoff *session.Route, defaultBackend string, keysFor KeysFor) []Step {
	if oneoff != nil {
		return expandRoute(*oneoff, keysFor)
	}

	if rt, ok := routes.lookup(requestModel); ok {
		return expandRoute(rt, keysFor)
	}

	if b, m, ok := backend.ParseBackendModel(requestModel); ok {
		return []Step{{Backend: b, Model: m}}
	}

	return []Step{{Backend: defaultBackend, Model: requestModel}}
}

// expandRoute walks a route's ordered elements, expanding each
// "backend:model" element against the backend's registered keys according
// to the route's rotation policy: "k" rotates keys within each element,
// "m" just walks the elements (the elements themselves are the model
// rotation), "km"/"mk" nest the two loops in the stated order.
func expandRoute(rt session.Route, keysFor KeysFor) []Step {
	var steps []Step

	appendElement := func(el string) {
		b, m, ok := backend.ParseBackendModel(el)
		if !ok {
			return
		}
		keys := keysFor(b)
		if len(keys) == 0 {
			keys = []string{""}
		}

		switch rt.Policy {
		case "k", "km", "mk":
			for _, k := range keys {
				steps = append(steps, Step{Backend: b, Model: m, KeyName: k})
			}
		default: // "m" and unrecognised policies: one attempt per element
			steps = append(steps, Step{Backend: b, Model: m})
		}
	}

	switch rt.Policy {
	case "mk":
		// model rotation outer, key rotation inner: elements already
		// define the model loop; appendElement supplies the inner key loop.
		for _, el := range rt.OrderedElements {
			appendElement(el)
		}
	case "km":
		// key rotation outer, model rotation inner: for each key, walk
		// every element once before advancing to the next key.
		b0, _, _ := backend.ParseBackendModel(firstOr(rt.OrderedElements, ""))
		keys := keysFor(b0)
		if len(keys) == 0 {
			keys = []string{""}
		}
		for _, k := range keys {
			for _, el := range rt.OrderedElements {
				b, m, ok := backend.ParseBackendModel(el)
				if !ok {
					continue
				}
				steps = append(steps, Step{Backend: b, Model: m, KeyName: k})
			}
		}
	default:
		for _, el := range rt.OrderedElements {
			appendElement(el)
		}
	}

	return steps
}

func firstOr(els []string, def string) string {
	if len(els) == 0 {
		return def
	}
	return els[0]
}
