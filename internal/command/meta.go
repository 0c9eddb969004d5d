package command

import "github.com/relaymesh/llmproxy/internal/session"

const interactiveBanner = `LLM proxy — interactive mode.
Use !/help to list commands, !/set(model=...) to pick a model,
!/create-failover-route(...) to define a failover route.`

const helpText = `Commands:
  set(backend=..|model=..|openai_url=..|project-dir=..)
  unset(backend|model)
  oneoff(backend/model)
  create-failover-route(name=.., policy=k|m|km|mk)
  delete-failover-route(name)
  route-append/route-prepend(name=.., element=..)
  route-clear(name) / route-list(name) / list-failover-routes
  max / medium / low / no-think
  hello / help`

// RegisterMeta wires the hello/help informational commands.
func RegisterMeta(r *Registry) {
	r.Register("hello", func(args Args, s session.State) (session.State, string, bool) {
		s = s.Clone()
		s.InteractiveMode = true
		return s, interactiveBanner, true
	})

	r.Register("help", func(args Args, s session.State) (session.State, string, bool) {
		return s, helpText, true
	})
}
