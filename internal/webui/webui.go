// Package webui embeds the single-page upload form served beside the API.
package webui

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static/*
var embedded embed.FS

// Files is the page's assets rooted at the static directory.
var Files = mustSub(embedded, "static")

func mustSub(f fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(f, dir)
	if err != nil {
		panic(err)
	}
	return sub
}

// Handler serves the page. Assets are revalidated on every load since they
// change with the binary rather than by name.
func Handler() http.Handler {
	files := http.FileServerFS(Files)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		files.ServeHTTP(w, r)
	})
}
