package email

import (
	"bytes"
	"embed"
	"html/template"
	"os"
	"path/filepath"
	"strings"

	"github.com/dpup/warden/errors"
	"google.golang.org/grpc/codes"
)

//go:embed templates/*.tmpl
var builtin embed.FS

// Templates renders email bodies. Each email has a "<name>.subject" and a
// "<name>.html" template.
type Templates struct {
	t *template.Template
}

// DefaultTemplates returns the built-in templates.
func DefaultTemplates() *Templates {
	return &Templates{t: template.Must(template.New("").ParseFS(builtin, "templates/*.tmpl"))}
}

// LoadTemplates returns the built-in templates overridden by any *.tmpl file
// found in dir or its sub-directories.
func LoadTemplates(dir string) (*Templates, error) {
	t := DefaultTemplates()
	if dir == "" {
		return t, nil
	}
	err := filepath.Walk(dir, func(path string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if strings.HasSuffix(path, ".tmpl") {
			if _, err := t.t.ParseFiles(path); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.WrapPrefix(err, "email: loading templates from "+dir, 0)
	}
	return t, nil
}

// Render executes the named template.
func (t *Templates) Render(name string, data any) (string, error) {
	var b bytes.Buffer
	if err := t.t.ExecuteTemplate(&b, name, data); err != nil {
		return "", errors.WrapPrefix(err, "email: rendering "+name, 0).WithCode(codes.Internal)
	}
	return strings.TrimSpace(b.String()), nil
}
