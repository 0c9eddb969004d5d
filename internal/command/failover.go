package command

import (
	"fmt"
	"strings"

	"github.com/relaymesh/llmproxy/internal/session"
)

// RegisterFailover wires the route-management command family.
func RegisterFailover(r *Registry) {
	r.Register("create-failover-route", func(args Args, s session.State) (session.State, string, bool) {
		name, _ := args.Get("name")
		policy, _ := args.Get("policy")
		if name == "" || policy == "" {
			return s, "usage: create-failover-route(name=..., policy=k|m|km|mk)", true
		}
		s = s.Clone()
		s.FailoverRoutes[name] = session.Route{Name: name, Policy: policy}
		return s, fmt.Sprintf("route %q created (policy %s)", name, policy), true
	})

	r.Register("delete-failover-route", func(args Args, s session.State) (session.State, string, bool) {
		name := args.Positional
		if name == "" {
			name, _ = args.Get("name")
		}
		s = s.Clone()
		delete(s.FailoverRoutes, name)
		return s, fmt.Sprintf("route %q deleted", name), true
	})

	r.Register("route-append", func(args Args, s session.State) (session.State, string, bool) {
		return mutateRoute(args, s, func(rt *session.Route, el string) {
			rt.OrderedElements = append(rt.OrderedElements, el)
		})
	})

	r.Register("route-prepend", func(args Args, s session.State) (session.State, string, bool) {
		return mutateRoute(args, s, func(rt *session.Route, el string) {
			rt.OrderedElements = append([]string{el}, rt.OrderedElements...)
		})
	})

	r.Register("route-clear", func(args Args, s session.State) (session.State, string, bool) {
		name, _ := args.Get("name")
		if name == "" {
			name = args.Positional
		}
		s = s.Clone()
		rt, ok := s.FailoverRoutes[name]
		if !ok {
			return s, fmt.Sprintf("no such route %q", name), true
		}
		rt.OrderedElements = nil
		s.FailoverRoutes[name] = rt
		return s, fmt.Sprintf("route %q cleared", name), true
	})

	r.Register("route-list", func(args Args, s session.State) (session.State, string, bool) {
		name, _ := args.Get("name")
		if name == "" {
			name = args.Positional
		}
		rt, ok := s.FailoverRoutes[name]
		if !ok {
			return s, fmt.Sprintf("no such route %q", name), true
		}
		return s, fmt.Sprintf("%s (%s): %s", rt.Name, rt.Policy, strings.Join(rt.OrderedElements, ", ")), true
	})

	r.Register("list-failover-routes", func(args Args, s session.State) (session.State, string, bool) {
		if len(s.FailoverRoutes) == 0 {
			return s, "no failover routes defined", true
		}
		var b strings.Builder
		for _, rt := range s.FailoverRoutes {
			fmt.Fprintf(&b, "%s (%s): %s\n", rt.Name, rt.Policy, strings.Join(rt.OrderedElements, ", "))
		}
		return s, strings.TrimRight(b.String(), "\n"), true
	})
}

func mutateRoute(args Args, s session.State, mutate func(*session.Route, string)) (session.State, string, bool) {
	name, _ := args.Get("name")
	element, _ := args.Get("element")
	if name == "" && args.Positional != "" {
		// `route-append(name, element)` may arrive as a bare positional
		// pair when callers don't use kwargs; split on the first comma.
		parts := strings.SplitN(args.Positional, ",", 2)
		if len(parts) == 2 {
			name = strings.TrimSpace(parts[0])
			element = strings.TrimSpace(parts[1])
		}
	}
	if name == "" || element == "" {
		return s, "usage: route-append(name=..., element=backend:model)", true
	}
	s = s.Clone()
	rt, ok := s.FailoverRoutes[name]
	if !ok {
		return s, fmt.Sprintf("no such route %q", name), true
	}
	mutate(&rt, element)
	s.FailoverRoutes[name] = rt
	return s, fmt.Sprintf("route %q updated", name), true
}
