// Package handler implements the HTTP endpoints of the netdiag server.
package handler

import (
	"net/http"

	"github.com/m-lab/netdiag/pkg/speedtest/spec"
)

// corsPaths are the API routes that may be called from any origin.
var corsPaths = map[string]bool{
	spec.PingPath:     true,
	spec.DownloadPath: true,
	spec.UploadPath:   true,
	spec.IPPath:       true,
}

func setCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
}

// WithCORS adds permissive CORS headers to every response of next and
// answers preflight requests directly.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		setCORSHeaders(rw.Header())
		if req.Method == http.MethodOptions {
			rw.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(rw, req)
	})
}

// Preflight answers CORS preflight requests to the API routes before they
// reach next, and adds CORS headers to every other API response, including
// the ones next rejects. It must wrap any access control middleware, since
// browsers never send credentials with a preflight request.
func Preflight(next http.Handler) http.Handler {
	cors := WithCORS(next)
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if !corsPaths[req.URL.Path] {
			next.ServeHTTP(rw, req)
			return
		}
		cors.ServeHTTP(rw, req)
	})
}
