package httpapi

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"

	"cdb.platformcommons.org/internal/auth"
	"cdb.platformcommons.org/internal/obs"
)

//go:embed templates/*.html
var templateFS embed.FS

// pageData feeds every OAuth2 page; each template reads the fields it needs.
type pageData struct {
	Title       string
	Error       string
	Message     string
	CSRF        string
	Client      *auth.OAuthClient
	Scopes      []string
	Email       string
	Username    string
	OTPKey      string
	ClientID    string
	RedirectURI string
	State       string
	Query       string
	Done        bool
	ErrorCode   string
	Description string
}

type pages struct {
	t *template.Template
}

func loadPages() (*pages, error) {
	t, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &pages{t: t}, nil
}

func (p *pages) render(w http.ResponseWriter, r *http.Request, status int, name string, data pageData) {
	var buf bytes.Buffer
	if err := p.t.ExecuteTemplate(&buf, name, data); err != nil {
		obs.Logger().ErrorContext(r.Context(), "render page failed", "page", name, "error", err)
		writeText(w, http.StatusInternalServerError, msgInternal)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
