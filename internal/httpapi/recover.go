package httpapi

import (
	"net/http"
	"runtime/debug"
)

// withRecover turns a handler panic into a logged 500.
func (s *Server) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.Logger.Error("panic", "panic", v, "method", r.Method, "path", r.URL.Path, "stack", string(debug.Stack()))
				writeJSON(w, http.StatusInternalServerError, resultBody{Message: "unexpected server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
