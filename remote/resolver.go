package remote

import (
	"net/url"
	"strings"

	"emperror.dev/errors"
	"github.com/opentuwa/mediagate/router/tokens"
)

// Origin is the upstream location serving one resource type.
type Origin struct {
	BaseURL string
	// AllowedSuffixes restricts which filenames resolve. Empty allows all.
	AllowedSuffixes []string
}

// Resolver maps a verified (type, filename) pair onto the real upstream URL.
// It is the only component that knows where media actually lives.
type Resolver struct {
	origins map[tokens.ResourceType]Origin
}

// NewResolver builds a resolver from origin definitions keyed by resource
// type name.
func NewResolver(origins map[string]Origin) (*Resolver, error) {
	r := &Resolver{origins: make(map[tokens.ResourceType]Origin, len(origins))}
	for name, o := range origins {
		t, ok := tokens.ParseResourceType(name)
		if !ok {
			return nil, errors.Errorf("remote: unknown resource type \"%s\" in origin configuration", name)
		}
		u, err := url.Parse(o.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, errors.Errorf("remote: invalid base url for \"%s\" origin", name)
		}
		if !strings.HasSuffix(o.BaseURL, "/") {
			o.BaseURL += "/"
		}
		r.origins[t] = o
	}
	return r, nil
}

// Resolve returns the upstream URL for the file. The second return value is
// false when no origin serves the type, the suffix is not allowed, or the
// filename tries to leave the origin's base path.
func (r *Resolver) Resolve(t tokens.ResourceType, filename string) (string, bool) {
	o, ok := r.origins[t]
	if !ok || filename == "" {
		return "", false
	}
	if len(o.AllowedSuffixes) > 0 && !hasAnySuffix(filename, o.AllowedSuffixes) {
		return "", false
	}
	segments := strings.Split(filename, "/")
	for i, s := range segments {
		if s == "" || s == "." || s == ".." || strings.Contains(s, "\\") {
			return "", false
		}
		segments[i] = url.PathEscape(s)
	}
	return o.BaseURL + strings.Join(segments, "/"), true
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}
