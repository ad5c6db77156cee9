package dashboard

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageFuncs = template.FuncMap{
	"formatTime": func(t *time.Time) string {
		if t == nil {
			return "-"
		}
		return t.Format("2006-01-02 15:04:05")
	},
	"formatDate": func(t time.Time) string {
		return t.Format("2006-01-02")
	},
	"percent": func(done, total int) int {
		if total <= 0 {
			return 0
		}
		return done * 100 / total
	},
}

// pages maps page names to parsed templates, each wrapped in the shared
// layout. Parsed once at startup so a template error surfaces immediately
// instead of on first request.
var pages = func() map[string]*template.Template {
	names := []string{"index.html", "jobs.html", "tasks.html", "task_details.html", "runs.html"}
	m := make(map[string]*template.Template, len(names))
	for _, name := range names {
		m[name] = template.Must(template.New("layout.html").
			Funcs(pageFuncs).
			ParseFS(templateFS, "templates/layout.html", "templates/"+name))
	}
	return m
}()

// Render writes the named page, wrapped in the layout, to w.
func Render(w io.Writer, page string, data any) error {
	tmpl, ok := pages[page]
	if !ok {
		return fmt.Errorf("unknown dashboard page %q", page)
	}
	return tmpl.Execute(w, data)
}
