package hubcache

import (
	"net/http"
	"strings"
)

// Category is a logical group of cached resources with its own partition.
type Category string

const (
	CategoryStatic    Category = "static"
	CategoryDynamic   Category = "dynamic"
	CategoryAPI       Category = "api"
	CategoryImages    Category = "images"
	CategoryWorkouts  Category = "workouts"
	CategoryTemplates Category = "templates"
)

// Categories lists every category in a stable order.
var Categories = []Category{
	CategoryStatic,
	CategoryDynamic,
	CategoryAPI,
	CategoryImages,
	CategoryWorkouts,
	CategoryTemplates,
}

func (c Category) valid() bool {
	for _, k := range Categories {
		if c == k {
			return true
		}
	}
	return false
}

// Strategy names a retrieval algorithm.
type Strategy string

const (
	// StrategyNetworkFirst tries the origin and falls back to the partition,
	// then to the offline JSON envelope.
	StrategyNetworkFirst Strategy = "network-first"
	// StrategyCacheFirst serves from the partition and refreshes in the
	// background.
	StrategyCacheFirst Strategy = "cache-first"
	// StrategyNetworkFirstOffline is network-first for documents, falling
	// back to an offline page.
	StrategyNetworkFirstOffline Strategy = "network-first-offline"
)

func (s Strategy) valid() bool {
	switch s {
	case StrategyNetworkFirst, StrategyCacheFirst, StrategyNetworkFirstOffline:
		return true
	}
	return false
}

// Route is the outcome of classifying a request.
type Route struct {
	Category Category
	Strategy Strategy

	// Ignore is set for non-http(s) schemes; those are never intercepted.
	Ignore bool
	// Mutation is set for requests that may change state at the origin.
	Mutation bool
	// Bypass is set when a bypass rule matched; the request goes to the
	// origin untouched.
	Bypass bool
}

type Classifier struct {
	rules []Rule
}

func NewClassifier(rules []Rule) *Classifier {
	return &Classifier{rules: rules}
}

// Classify routes a request to exactly one category and strategy. First match
// wins; unmatched GETs land in the static category.
func (c *Classifier) Classify(req Request) Route {
	if !interceptable(req) {
		return Route{Ignore: true}
	}

	rule := c.pick(req)
	if rule != nil && (rule.Bypass || hasAnyCookie(req, rule.BypassWhenCookies)) {
		return Route{Bypass: true}
	}

	switch req.Method {
	case http.MethodGet:
	case http.MethodHead, http.MethodOptions, http.MethodTrace:
		// Safe methods change nothing at the origin, so there is nothing to
		// replay later.
		return Route{Bypass: true}
	default:
		return Route{Mutation: true}
	}

	if rule == nil {
		return Route{Category: CategoryStatic, Strategy: StrategyCacheFirst}
	}
	return Route{Category: rule.Category, Strategy: rule.Strategy}
}

func (c *Classifier) pick(req Request) *Rule {
	for i := range c.rules {
		r := &c.rules[i]
		if r.Matches(req) {
			return r
		}
	}
	return nil
}

// interceptable is false for browser-extension and other non-web schemes.
// Origin-form requests carry no scheme and are plain http.
func interceptable(req Request) bool {
	if req.URL == nil {
		return false
	}
	switch strings.ToLower(req.URL.Scheme) {
	case "", "http", "https":
		return true
	}
	return false
}

func hasAnyCookie(req Request, names []string) bool {
	if len(names) == 0 {
		return false
	}
	need := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			need[n] = struct{}{}
		}
	}
	for _, c := range req.cookies() {
		if _, ok := need[c.Name]; ok {
			return true
		}
	}
	return false
}
