// Package site serves the checkpoint display page.
package site

import (
	"context"
	"net/http"
)

// Register attaches the embedded display page to mux. The page polls the
// checkpoint and standings endpoints, so it is served from the same origin.
func Register(_ context.Context, mux *http.ServeMux) {
	if mux == nil {
		panic("mux is nil")
	}
	mux.Handle("GET /", http.FileServer(FS()))
}
