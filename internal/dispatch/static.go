// ABOUTME: Static file serving for the agent UI and the dynamic content root
// ABOUTME: Renders markdown announcements and negotiates the language cookie

package dispatch

import (
	"bytes"
	"html/template"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
)

// containsDotDot is the traversal guard applied before any path touches the
// filesystem. Cleaning alone would silently serve a different file; these
// requests get an outright refusal instead.
func containsDotDot(p string) bool {
	for _, seg := range strings.FieldsFunc(p, isPathSep) {
		if seg == ".." {
			return true
		}
	}
	return false
}

func isPathSep(r rune) bool { return r == '/' || r == '\\' }

// serveStatic resolves a GET against the web roots: the agent UI first, then
// the contrib fallback. Returns false when nothing matched and the path
// should be treated as an API command instead.
func (d *Dispatcher) serveStatic(w http.ResponseWriter, r *http.Request, p string) bool {
	if p == "/dynamic" || strings.HasPrefix(p, "/dynamic/") {
		d.serveDynamic(w, r, strings.TrimPrefix(strings.TrimPrefix(p, "/dynamic"), "/"))
		return true
	}

	rel := strings.TrimPrefix(p, "/")
	if rel == "" {
		rel = "index.html"
	}
	for _, root := range []string{d.agentRoot, d.contribRoot} {
		if root == "" {
			continue
		}
		fp := filepath.Join(root, filepath.FromSlash(rel))
		fi, err := os.Stat(fp)
		if err != nil || fi.IsDir() {
			continue
		}
		d.ensureCookies(w, r)
		http.ServeFile(w, r, fp)
		return true
	}

	// The root path never falls through to the API, even with no index.
	if p == "/" {
		d.ensureCookies(w, r)
		http.NotFound(w, r)
		return true
	}
	return false
}

// ensureCookies guarantees a session cookie exists, so the first page load
// leaves the browser ready for the API handshake.
func (d *Dispatcher) ensureCookies(w http.ResponseWriter, r *http.Request) {
	if _, ok := d.lookup(r); !ok {
		d.issueQuiet(w)
	}
}

// setLangCookie pins the UI language on every agent-facing response, so a
// browser language change takes effect without a fresh page load.
func (d *Dispatcher) setLangCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:  cookieLang,
		Value: d.pickLang(r.Header.Get("Accept-Language")),
		Path:  "/",
	})
}

// serveDynamic serves one file from the dynamic root. Markdown renders into
// a minimal HTML page; everything else is served raw. Unlike the UI roots,
// a miss here is a plain 404.
func (d *Dispatcher) serveDynamic(w http.ResponseWriter, r *http.Request, rel string) {
	if d.dynamicRoot == "" || rel == "" {
		http.NotFound(w, r)
		return
	}
	fp := filepath.Join(d.dynamicRoot, filepath.FromSlash(rel))
	fi, err := os.Stat(fp)
	if err != nil || fi.IsDir() {
		http.NotFound(w, r)
		return
	}
	if strings.HasSuffix(fp, ".md") {
		d.renderMarkdown(w, fp)
		return
	}
	http.ServeFile(w, r, fp)
}

var dynamicPage = template.Must(template.New("dynamic").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
{{.Body}}</body>
</html>
`))

func (d *Dispatcher) renderMarkdown(w http.ResponseWriter, fp string) {
	src, err := os.ReadFile(fp)
	if err != nil {
		d.logger.Error("dynamic read failed", "file", fp, "error", err)
		http.Error(w, "unreadable", http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := goldmark.Convert(src, &buf); err != nil {
		d.logger.Error("markdown render failed", "file", fp, "error", err)
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		Title string
		Body  template.HTML
	}{
		Title: strings.TrimSuffix(filepath.Base(fp), ".md"),
		Body:  template.HTML(buf.String()),
	}
	if err := dynamicPage.Execute(w, data); err != nil {
		d.logger.Error("dynamic page render failed", "file", fp, "error", err)
	}
}

// pickLang negotiates the UI language: each Accept-Language candidate is
// checked against the shipped translations, then its bare prefix, before
// falling back to English.
func (d *Dispatcher) pickLang(header string) string {
	for _, cand := range acceptedLanguages(header) {
		if d.hasLang(cand) {
			return cand
		}
		if base, _, ok := strings.Cut(cand, "-"); ok && d.hasLang(base) {
			return base
		}
	}
	return "en"
}

// hasLang reports whether the agent UI ships labels for the language.
func (d *Dispatcher) hasLang(lang string) bool {
	if lang == "" || d.agentRoot == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(d.agentRoot, "application", "nls", lang, "labels.js"))
	return err == nil
}

// acceptedLanguages splits an Accept-Language header into lowercased tags in
// order, dropping quality weights and wildcards.
func acceptedLanguages(header string) []string {
	var langs []string
	for _, part := range strings.Split(header, ",") {
		tag := strings.TrimSpace(part)
		if i := strings.IndexByte(tag, ';'); i >= 0 {
			tag = tag[:i]
		}
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" && tag != "*" {
			langs = append(langs, tag)
		}
	}
	return langs
}
