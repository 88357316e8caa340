// Package policy decides whether a request may reach the media tunnel, which
// entry document it gets, and what an unauthenticated client may load. The
// policy is an ordered table of rules evaluated top to bottom; the first rule
// that matches decides.
package policy

import (
	"strings"
)

// TunnelPrefix is the lower-cased path prefix of the media tunnel.
const TunnelPrefix = "/media/"

// Action is the outcome of a policy rule.
type Action int

const (
	// Pass hands the request to the regular routes and static assets.
	Pass Action = iota
	// Tunnel hands the request to the media tunnel.
	Tunnel
	// Entry serves the entry document named in Decision.Target.
	Entry
	// Redirect sends the client to Decision.Target.
	Redirect
	// NotFound rejects the request as if the path did not exist.
	NotFound
	// Forbidden rejects the request with a 403.
	Forbidden
)

func (a Action) String() string {
	switch a {
	case Pass:
		return "pass"
	case Tunnel:
		return "tunnel"
	case Entry:
		return "entry"
	case Redirect:
		return "redirect"
	case NotFound:
		return "not_found"
	case Forbidden:
		return "forbidden"
	}
	return "unknown"
}

// Decision is the result of evaluating the policy for one request.
type Decision struct {
	Action Action
	// Target is the entry document or redirect location, when relevant.
	Target string
	// Rule is the name of the rule that produced the decision.
	Rule string
}

// Rule is a single row of the policy table.
type Rule struct {
	Name     string
	Match    func(rc *RequestContext, path string) bool
	Decision Decision
}

// Tables holds the path data the rules are built from.
type Tables struct {
	PremiumDocument   string
	GuestDocument     string
	GuestFiles        []string
	GuestPrefixes     []string
	ProtectedPrefixes []string
}

// Gate evaluates the policy table.
type Gate struct {
	rules []Rule
}

// NewGate builds the policy table from the given path data.
func NewGate(t Tables) *Gate {
	premium := strings.TrimPrefix(t.PremiumDocument, "/")
	guest := strings.TrimPrefix(t.GuestDocument, "/")

	roots := set("/", "/index.html", "")
	documents := set("/"+strings.ToLower(premium), "/"+strings.ToLower(guest), "/"+strings.ToLower(strings.TrimSuffix(premium, ".html")))
	guestFiles := set(lower(t.GuestFiles)...)
	guestPrefixes := lower(t.GuestPrefixes)
	protected := lower(t.ProtectedPrefixes)

	isTunnel := func(_ *RequestContext, p string) bool { return strings.HasPrefix(p, TunnelPrefix) }
	isRoot := func(_ *RequestContext, p string) bool { return roots[p] }

	return &Gate{rules: []Rule{
		{
			Name:     "tunnel-guest",
			Match:    func(rc *RequestContext, p string) bool { return isTunnel(rc, p) && !rc.Premium },
			Decision: Decision{Action: NotFound},
		},
		{
			Name:     "tunnel-navigation",
			Match:    func(rc *RequestContext, p string) bool { return isTunnel(rc, p) && rc.DirectNavigation },
			Decision: Decision{Action: Forbidden},
		},
		{
			Name:     "tunnel",
			Match:    isTunnel,
			Decision: Decision{Action: Tunnel},
		},
		{
			Name:     "root-premium",
			Match:    func(rc *RequestContext, p string) bool { return isRoot(rc, p) && rc.Premium },
			Decision: Decision{Action: Entry, Target: premium},
		},
		{
			Name:     "root-guest",
			Match:    isRoot,
			Decision: Decision{Action: Entry, Target: guest},
		},
		{
			Name:     "entry-documents",
			Match:    func(_ *RequestContext, p string) bool { return documents[p] },
			Decision: Decision{Action: Redirect, Target: "/"},
		},
		{
			Name: "guest-lockdown",
			Match: func(rc *RequestContext, p string) bool {
				return !rc.Premium && !guestFiles[p] && !hasAnyPrefix(p, guestPrefixes)
			},
			Decision: Decision{Action: NotFound},
		},
		{
			Name: "premium-source",
			Match: func(rc *RequestContext, p string) bool {
				return rc.Premium && rc.DirectNavigation && hasAnyPrefix(p, protected)
			},
			Decision: Decision{Action: Redirect, Target: "/"},
		},
	}}
}

// Rules returns the ordered policy table.
func (g *Gate) Rules() []Rule {
	return g.rules
}

// Evaluate returns the decision of the first matching rule, or Pass.
func (g *Gate) Evaluate(rc *RequestContext) Decision {
	p := rc.LowerPath()
	for _, r := range g.rules {
		if r.Match(rc, p) {
			d := r.Decision
			d.Rule = r.Name
			return d
		}
	}
	return Decision{Action: Pass, Rule: "default"}
}

func hasAnyPrefix(p string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func lower(v []string) []string {
	out := make([]string, len(v))
	for i, s := range v {
		out[i] = strings.ToLower(s)
	}
	return out
}

func set(v ...string) map[string]bool {
	m := make(map[string]bool, len(v))
	for _, s := range v {
		m[s] = true
	}
	return m
}
