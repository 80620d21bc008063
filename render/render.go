// Package render turns a document workspace into HTML using the template
// embedded in it.
package render

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gofiber/template/html/v2"
	"github.com/rs/zerolog"

	"medscript.dev/mpaz/errs"
	"medscript.dev/mpaz/internal/fsutil"
	"medscript.dev/mpaz/mpaz"
	"medscript.dev/mpaz/prescription"
)

const (
	// TemplateName is the entry template inside the template bucket.
	TemplateName = "index"
	// OutputName is the rendered file written next to it.
	OutputName = "output.html"

	extension = ".html"
)

// Renderer renders workspaces. The zero value is usable.
type Renderer struct {
	// Fallback is copied into a workspace that has no template of its own.
	Fallback string
	Logger   zerolog.Logger
}

// Render reads the workspace content, renders template/index.html and
// writes template/output.html, returning its path.
func (r *Renderer) Render(workspace string) (string, error) {
	const op = "render"
	tmplDir := filepath.Join(workspace, mpaz.CategoryTemplate)
	entry := filepath.Join(tmplDir, TemplateName+extension)
	if _, err := os.Stat(entry); os.IsNotExist(err) && r.Fallback != "" {
		if err := fsutil.CopyTree(r.Fallback, tmplDir); err != nil {
			return "", errs.Wrap(errs.KindIO, op, r.Fallback, err)
		}
	}
	if _, err := os.Stat(entry); err != nil {
		if os.IsNotExist(err) {
			return "", errs.Wrap(errs.KindNotFound, op, "template "+TemplateName+extension, err)
		}
		return "", errs.Wrap(errs.KindIO, op, entry, err)
	}

	content, err := os.ReadFile(filepath.Join(workspace, mpaz.ContentEntry))
	if err != nil {
		if os.IsNotExist(err) {
			return "", errs.Wrap(errs.KindNotFound, op, mpaz.ContentEntry, err)
		}
		return "", errs.Wrap(errs.KindIO, op, mpaz.ContentEntry, err)
	}
	data, err := Data(content)
	if err != nil {
		return "", err
	}

	target := filepath.Join(tmplDir, OutputName)
	// A previous output would otherwise be parsed as a template.
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return "", errs.Wrap(errs.KindIO, op, target, err)
	}
	engine := html.NewFileSystem(http.Dir(tmplDir), extension)
	engine.AddFuncMap(funcs)
	if err := engine.Load(); err != nil {
		return "", errs.Wrap(errs.KindParse, op, "template", err)
	}
	err = fsutil.WriteAtomic(target, 0o644, func(w io.Writer) error {
		return engine.Render(w, TemplateName, data)
	})
	if err != nil {
		return "", errs.Wrap(errs.KindIO, op, "execute template", err)
	}
	r.Logger.Debug().Str("output", target).Msg("rendered")
	return target, nil
}

var funcs = map[string]interface{}{
	"formatDate": func(t time.Time, layout string) string {
		if t.IsZero() {
			return ""
		}
		return t.Format(layout)
	},
	"join": strings.Join,
}

// Data builds the template data from prescription content: every JSON field
// under its own name, plus diagnosis_list, medication_list and, when the
// date parses, date_time.
func Data(content []byte) (map[string]any, error) {
	data := map[string]any{}
	if err := json.Unmarshal(content, &data); err != nil {
		return nil, errs.Wrap(errs.KindParse, "render", mpaz.ContentEntry, err)
	}
	diagnosis, _ := data["diagnosis"].(string)
	medication, _ := data["medication"].(string)
	data["diagnosis_list"] = DiagnosisList(diagnosis)
	data["medication_list"] = MedicationList(medication)
	if s, ok := data["date"].(string); ok {
		if t, err := time.Parse(prescription.DateLayout, s); err == nil {
			data["date_time"] = t
		}
	}
	return data, nil
}

// DiagnosisList splits on ";" and trims each part.
func DiagnosisList(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

var dosage = regexp.MustCompile(`\[(.*)\]`)

// MedicationList returns one [drug, dosage] pair per non-empty line. The
// dosage is the bracketed part, which is removed from the drug text.
func MedicationList(s string) [][2]string {
	var out [][2]string
	for _, line := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		if line == "" {
			continue
		}
		m := dosage.FindStringSubmatch(line)
		if m == nil {
			out = append(out, [2]string{line, ""})
			continue
		}
		out = append(out, [2]string{strings.Replace(line, "["+m[1]+"]", "", 1), m[1]})
	}
	return out
}
