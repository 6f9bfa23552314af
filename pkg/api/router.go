// Package api exposes a file collection over HTTP.
//
// Requests are resolved to exactly one file document through an ordered list
// of routes: the first route whose method and path pattern match produces a
// document filter. GET streams the file under a shared lease, POST and PUT
// replace its content under an exclusive lease and DELETE removes it.
package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/marmos91/filecollection/pkg/store/document"
)

// IDParam is the reserved parameter name. Its segment must parse as a
// file id, otherwise the route does not match.
const IDParam = "_id"

// Params holds the values of named path segments. The reserved IDParam
// holds a uuid.UUID, every other parameter a string.
type Params map[string]any

// String returns parameter name as a string.
func (p Params) String(name string) string {
	switch v := p[name].(type) {
	case string:
		return v
	case uuid.UUID:
		return v.String()
	default:
		return ""
	}
}

// ID returns the reserved id parameter.
func (p Params) ID() (uuid.UUID, bool) {
	id, ok := p[IDParam].(uuid.UUID)
	return id, ok
}

// FilterFunc turns the request parameters into a document filter. The query
// is passed through verbatim.
type FilterFunc func(params Params, query url.Values) document.Filter

// Route binds a method and path pattern to a filter.
//
// Pattern segments are literals, :name parameters or the reserved :_id.
// Method is an HTTP method; a GET route also serves HEAD.
type Route struct {
	Method  string
	Pattern string
	Filter  FilterFunc
}

type segment struct {
	literal string
	param   string
}

type compiledRoute struct {
	Route
	segments []segment
}

// Router matches requests against an ordered list of routes. Routes are
// added at startup and not modified afterwards.
type Router struct {
	routes []compiledRoute
}

// NewRouter compiles routes in the given order.
func NewRouter(routes ...Route) (*Router, error) {
	r := &Router{}
	for _, route := range routes {
		if err := r.Add(route); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRoutes is the route set used when a collection declares none:
// lookup by id and by filename.
func DefaultRoutes() []Route {
	byID := func(p Params, _ url.Values) document.Filter {
		id, _ := p.ID()
		return document.ByID(id)
	}
	byName := func(p Params, _ url.Values) document.Filter {
		return document.Filter{document.FieldFilename: p.String("filename")}
	}

	var routes []Route
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete} {
		routes = append(routes,
			Route{Method: method, Pattern: "/id/:_id", Filter: byID},
			Route{Method: method, Pattern: "/:filename", Filter: byName},
		)
	}
	return routes
}

// FilterTemplate builds a FilterFunc from a field template. A value of
// ":name" takes path parameter name, "?name" takes query parameter name and
// anything else is a literal. A template referencing :_id yields the parsed
// id.
func FilterTemplate(template map[string]string) FilterFunc {
	return func(params Params, query url.Values) document.Filter {
		filter := make(document.Filter, len(template))
		for field, value := range template {
			switch {
			case value == ":"+IDParam:
				if id, ok := params.ID(); ok {
					filter[field] = id
				} else {
					filter[field] = params.String(IDParam)
				}
			case strings.HasPrefix(value, ":"):
				filter[field] = params.String(value[1:])
			case strings.HasPrefix(value, "?"):
				filter[field] = query.Get(value[1:])
			default:
				filter[field] = value
			}
		}
		return filter
	}
}

// Add appends a route. Earlier routes take precedence, so specific patterns
// must be added before general ones.
func (r *Router) Add(route Route) error {
	if route.Method == "" {
		return fmt.Errorf("route %q: method is required", route.Pattern)
	}
	if route.Filter == nil {
		return fmt.Errorf("route %s %s: filter is required", route.Method, route.Pattern)
	}
	if !strings.HasPrefix(route.Pattern, "/") {
		return fmt.Errorf("route %s %s: pattern must start with /", route.Method, route.Pattern)
	}

	var segments []segment
	seen := make(map[string]bool)
	for _, part := range split(route.Pattern) {
		name, isParam := strings.CutPrefix(part, ":")
		if !isParam {
			segments = append(segments, segment{literal: part})
			continue
		}
		if name == "" {
			return fmt.Errorf("route %s %s: empty parameter name", route.Method, route.Pattern)
		}
		if seen[name] {
			return fmt.Errorf("route %s %s: duplicate parameter %q", route.Method, route.Pattern, name)
		}
		seen[name] = true
		segments = append(segments, segment{param: name})
	}

	route.Method = strings.ToUpper(route.Method)
	r.routes = append(r.routes, compiledRoute{Route: route, segments: segments})
	return nil
}

// Routes returns the routes in match order.
func (r *Router) Routes() []Route {
	out := make([]Route, len(r.routes))
	for i, cr := range r.routes {
		out[i] = cr.Route
	}
	return out
}

// Match returns the first route matching method and path, with its
// parameters. Path must be relative to the collection base path.
func (r *Router) Match(method, path string) (Route, Params, bool) {
	parts := split(path)
	for _, cr := range r.routes {
		if !methodMatches(cr.Method, method) {
			continue
		}
		if params, ok := cr.match(parts); ok {
			return cr.Route, params, true
		}
	}
	return Route{}, nil, false
}

func methodMatches(route, method string) bool {
	return route == method || (route == http.MethodGet && method == http.MethodHead)
}

func (cr *compiledRoute) match(parts []string) (Params, bool) {
	if len(parts) != len(cr.segments) {
		return nil, false
	}

	params := make(Params, len(cr.segments))
	for i, seg := range cr.segments {
		part := parts[i]
		switch {
		case seg.param == "":
			if part != seg.literal {
				return nil, false
			}
		case seg.param == IDParam:
			id, err := uuid.Parse(part)
			if err != nil {
				return nil, false
			}
			params[IDParam] = id
		default:
			value, err := url.PathUnescape(part)
			if err != nil || value == "" {
				return nil, false
			}
			params[seg.param] = value
		}
	}
	return params, true
}

// split returns the non-empty segments of a slash-separated path.
func split(path string) []string {
	raw := strings.Split(strings.Trim(path, "/"), "/")
	parts := raw[:0]
	for _, p := range raw {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
