package panel

import (
	"embed"
	"net/http"
)

//go:embed static/index.html
var staticFS embed.FS

// handleIndex serves the embedded panel page. Anything other than the
// root path is a 404 — the panel is a single page talking to /api and
// /ws.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	page, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "panel page unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}
