// Copyright 2025 James Ross
package kernel

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"
)

// NewDevServer builds a thin HTTP front end over Kernel.RouteRequest
// for local development and integration tests. It is not a production
// transport; it exists so a human or a test can drive plugin routing
// without writing a JobQueue/EventBus harness by hand.
func NewDevServer(k *Kernel, authenticate func(*http.Request) *Caller) *mux.Router {
	r := mux.NewRouter()
	r.PathPrefix("/api/").HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		defer req.Body.Close()

		var caller *Caller
		if authenticate != nil {
			caller = authenticate(req)
		}

		resp, err := k.RouteRequest(req.Context(), caller, req.URL.Path, req.Method, body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(resp)
	})
	return r
}
