// Package strategy classifies intercepted GET requests and answers them
// with one of four cache/network orderings.
package strategy

import (
	"net/url"
	"path"
	"slices"
	"strings"

	"github.com/iTrooz/offline-proxy/internal/config"
)

// Class is the kind of resource a URL designates
type Class int

const (
	Other Class = iota
	ContentItem
	ShellPage
	MediaAsset
	StaticAsset
)

func (c Class) String() string {
	switch c {
	case ContentItem:
		return "content-item"
	case ShellPage:
		return "shell-page"
	case MediaAsset:
		return "media-asset"
	case StaticAsset:
		return "static-build-asset"
	default:
		return "other"
	}
}

// Strategy is a cache/network ordering policy
type Strategy int

const (
	NetworkFirst Strategy = iota
	NetworkFirstOffline
	StaleWhileRevalidate
	CacheFirst
)

func (s Strategy) String() string {
	switch s {
	case NetworkFirstOffline:
		return "network-first-offline"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	case CacheFirst:
		return "cache-first"
	default:
		return "network-first"
	}
}

// Rule binds a URL predicate to a class and the strategy that serves it
type Rule struct {
	Class    Class
	Strategy Strategy
	match    func(p string) bool
}

// Match reports whether the URL path p belongs to the rule
func (r Rule) Match(p string) bool {
	return r.match(p)
}

// Router holds the ordered rule table; the first matching rule wins.
type Router struct {
	rules    []Rule
	fallback Rule
}

// NewRouter builds the rule table from the configured URL shapes
func NewRouter(routes config.RoutesConfig) *Router {
	shellPaths := slices.Clone(routes.ShellPaths)
	assetPrefixes := slices.Clone(routes.AssetPrefixes)
	staticExtensions := slices.Clone(routes.StaticExtensions)
	contentPrefix := routes.ContentPrefix

	return &Router{
		rules: []Rule{
			{
				Class:    ContentItem,
				Strategy: NetworkFirstOffline,
				match: func(p string) bool {
					return strings.HasPrefix(p, contentPrefix) && path.Ext(p) == ""
				},
			},
			{
				Class:    ShellPage,
				Strategy: StaleWhileRevalidate,
				match: func(p string) bool {
					return slices.Contains(shellPaths, p)
				},
			},
			{
				Class:    MediaAsset,
				Strategy: CacheFirst,
				match: func(p string) bool {
					return slices.ContainsFunc(assetPrefixes, func(prefix string) bool {
						return strings.HasPrefix(p, prefix)
					})
				},
			},
			{
				Class:    StaticAsset,
				Strategy: CacheFirst,
				match: func(p string) bool {
					return slices.ContainsFunc(staticExtensions, func(ext string) bool {
						return strings.HasSuffix(p, ext)
					})
				},
			},
		},
		fallback: Rule{Class: Other, Strategy: NetworkFirst, match: func(string) bool { return true }},
	}
}

// Classify returns the first rule matching u
func (r *Router) Classify(u *url.URL) Rule {
	p := u.Path
	if p == "" {
		p = "/"
	}
	for _, rule := range r.rules {
		if rule.Match(p) {
			return rule
		}
	}
	return r.fallback
}

// IsContentItem reports whether u designates a content item
func (r *Router) IsContentItem(u *url.URL) bool {
	return r.Classify(u).Class == ContentItem
}
