package handlers

import (
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
)

// PreviewHandler serves rendered thumbnails. Only the base name of the
// request is used so the handler never leaves previewDir.
func PreviewHandler(previewDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := filepath.Base(chi.URLParam(r, "name"))
		if name == "." || name == "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=86400")
		http.ServeFile(w, r, filepath.Join(previewDir, name))
	}
}
