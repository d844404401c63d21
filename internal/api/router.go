// Package api implements the provider's HTTP surface (spec.md §4.5-§4.7
// and §6): policy upload/download, truth upload/challenge, and the
// config/terms/privacy static endpoints. Routing follows the teacher's
// applications/httpapi package: a plain net/http.ServeMux plus a small
// route/mountRoutes/withMethod trio instead of a third-party router,
// since that is how the teacher itself dispatches despite carrying
// gin/chi/gorilla in its dependency graph.
package api

import "net/http"

// route describes a single endpoint with an optional method guard.
type route struct {
	pattern string
	method  string
	handler http.HandlerFunc
}

// mountRoutes attaches routes to mux, wrapping handlers with method
// enforcement when a method is specified.
func mountRoutes(mux *http.ServeMux, routes ...route) {
	for _, rt := range routes {
		if rt.pattern == "" || rt.handler == nil {
			continue
		}
		handler := rt.handler
		if rt.method != "" {
			handler = withMethod(rt.method, handler)
		}
		mux.HandleFunc(rt.pattern, handler)
	}
}
