package rest

import (
	"context"
	"net/http"
	"strings"
)

// Route is one registered method+pattern pair.
type Route struct {
	Method  string
	Pattern string
	Handler http.HandlerFunc
}

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Router matches requests against registered patterns. Patterns may
// contain {name} segments, retrieved in handlers via Param. Middleware
// is composed around the whole router by the server, so unmatched
// requests and CORS preflights pass through it too.
type Router struct {
	routes   []Route
	notFound http.HandlerFunc
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{notFound: defaultNotFound}
}

// Handle registers a route.
func (r *Router) Handle(method, pattern string, handler http.HandlerFunc) {
	r.routes = append(r.routes, Route{Method: method, Pattern: pattern, Handler: handler})
}

// GET registers a GET route.
func (r *Router) GET(pattern string, handler http.HandlerFunc) {
	r.Handle(http.MethodGet, pattern, handler)
}

// POST registers a POST route.
func (r *Router) POST(pattern string, handler http.HandlerFunc) {
	r.Handle(http.MethodPost, pattern, handler)
}

// PUT registers a PUT route.
func (r *Router) PUT(pattern string, handler http.HandlerFunc) {
	r.Handle(http.MethodPut, pattern, handler)
}

// DELETE registers a DELETE route.
func (r *Router) DELETE(pattern string, handler http.HandlerFunc) {
	r.Handle(http.MethodDelete, pattern, handler)
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	for _, route := range r.routes {
		if route.Method != req.Method {
			continue
		}
		params, ok := matchPattern(route.Pattern, req.URL.Path)
		if !ok {
			continue
		}
		req = req.WithContext(withParams(req.Context(), params))
		route.Handler.ServeHTTP(w, req)
		return
	}
	r.notFound(w, req)
}

type paramsKey struct{}

func withParams(ctx context.Context, params map[string]string) context.Context {
	return context.WithValue(ctx, paramsKey{}, params)
}

// Param retrieves a path parameter captured by a {name} segment.
func Param(r *http.Request, name string) string {
	params, ok := r.Context().Value(paramsKey{}).(map[string]string)
	if !ok {
		return ""
	}
	return params[name]
}

// matchPattern matches path against pattern segment by segment. {name}
// segments capture the corresponding path segment.
func matchPattern(pattern, path string) (map[string]string, bool) {
	patternParts := strings.Split(strings.Trim(pattern, "/"), "/")
	pathParts := strings.Split(strings.Trim(path, "/"), "/")

	if len(patternParts) != len(pathParts) {
		return nil, false
	}

	params := make(map[string]string)
	for i, part := range patternParts {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			name := part[1 : len(part)-1]
			params[name] = pathParts[i]
		} else if part != pathParts[i] {
			return nil, false
		}
	}
	return params, true
}

func defaultNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "not_found", "endpoint not found")
}
