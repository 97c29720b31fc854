package webui

import (
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFilesPresent(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"index.html", "app.js", "style.css"} {
		if _, err := fs.Stat(Files, name); err != nil {
			t.Fatalf("missing embedded %s: %v", name, err)
		}
	}
}

func TestHandlerServesIndex(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
		t.Fatalf("Cache-Control = %q", got)
	}
	if !strings.Contains(rec.Body.String(), `<form id="upload">`) {
		t.Fatal("index page lacks the upload form")
	}
}
