package web

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

//go:embed assets/*.html
var assets embed.FS

// Template and main menu definition
type Templates struct {
	*template.Template
	Menu    []Link
	Heading template.HTML
}

type Link struct {
	Url      string
	Name     string
	Selected bool
}

// Load and parse templates and initialise main menu
func NewTemplates() (*Templates, error) {
	var err error
	t := &Templates{Menu: []Link{}}
	t.Template, err = template.ParseFS(assets, "assets/*.html")
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Clone returns a copy with its own menu which can be modified independently
func (t *Templates) Clone() *Templates {
	return &Templates{
		Template: t.Template,
		Menu:     append([]Link{}, t.Menu...),
		Heading:  t.Heading,
	}
}

func (t *Templates) Select(url string) *Templates {
	for i, key := range t.Menu {
		t.Menu[i].Selected = strings.HasPrefix(key.Url, url)
	}
	return t
}

func (t *Templates) AddMenuItem(l Link) *Templates {
	t.Menu = append(t.Menu, l)
	return t
}

// Execute the named template and log any error
func (t *Templates) Exec(w http.ResponseWriter, name string, data interface{}, log *zap.SugaredLogger) {
	if err := t.ExecuteTemplate(w, name, data); err != nil {
		logError(w, err, log)
	}
}

func logError(w http.ResponseWriter, err error, log *zap.SugaredLogger) {
	log.Errorw("web", "error", err)
	http.Error(w, fmt.Sprint(err), http.StatusInternalServerError)
}
