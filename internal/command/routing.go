package command

import "github.com/relaymesh/llmproxy/internal/session"

// RegisterRouting wires the routing command family: set/unset backend and
// model overrides, one-shot overrides, and per-backend URL/project-dir
// overrides.
func RegisterRouting(r *Registry) {
	r.Register("set", func(args Args, s session.State) (session.State, string, bool) {
		s = s.Clone()
		if v, ok := args.Get("backend"); ok {
			s.OverrideBackend = v
		}
		if v, ok := args.Get("model"); ok {
			s.OverrideModel = v
		}
		if v, ok := args.Get("openai_url"); ok {
			if s.APIURLOverrides == nil {
				s.APIURLOverrides = map[string]string{}
			}
			s.APIURLOverrides["openai"] = v
		}
		if v, ok := args.Get("project-dir"); ok {
			s.ProjectDir = v
		}
		return s, "ok", true
	})

	r.Register("unset", func(args Args, s session.State) (session.State, string, bool) {
		s = s.Clone()
		target, _ := args.Get("")
		switch target {
		case "backend":
			s.OverrideBackend = ""
		case "model":
			s.OverrideModel = ""
		default:
			// bare "unset(backend)" / "unset(model)" arrive as Positional.
			switch args.Positional {
			case "backend":
				s.OverrideBackend = ""
			case "model":
				s.OverrideModel = ""
			}
		}
		return s, "ok", true
	})

	r.Register("oneoff", func(args Args, s session.State) (session.State, string, bool) {
		s = s.Clone()
		v := args.Positional
		if v == "" {
			if bv, ok := args.Get("backend"); ok {
				v = bv
			}
		}
		s.OneoffRoute = &session.Route{
			Name:            "__oneoff__",
			Policy:          "m",
			OrderedElements: []string{v},
		}
		return s, "ok (applies once)", true
	})
}
