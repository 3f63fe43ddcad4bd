package executor

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/apphost/reposync/pkg/engine"
)

// TemplateData is the data available to command templates.
type TemplateData struct {
	Name   string
	Owner  string
	Repo   string
	Branch string
	Commit string
	Path   string
	URL    string
}

// NewTemplateData builds template data for app at commit.
func NewTemplateData(app engine.Application, commit string) TemplateData {
	return TemplateData{
		Name:   app.Name,
		Owner:  app.Owner,
		Repo:   app.Repo,
		Branch: app.Branch,
		Commit: commit,
		Path:   app.Path,
		URL:    app.URL,
	}
}

// argvTemplate is a parsed command line. Each argument is its own
// template, so substituted values never split into extra arguments.
type argvTemplate struct {
	raw  []string
	args []*template.Template
}

func parseArgv(name string, argv []string) (*argvTemplate, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%s: empty command", name)
	}

	t := &argvTemplate{raw: argv}
	for i, arg := range argv {
		tmpl, err := template.New(fmt.Sprintf("%s[%d]", name, i)).Option("missingkey=error").Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		t.args = append(t.args, tmpl)
	}

	// Unknown fields only surface on execution.
	if _, err := t.render(TemplateData{}); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return t, nil
}

func (t *argvTemplate) render(data TemplateData) ([]string, error) {
	out := make([]string, 0, len(t.args))
	var b strings.Builder
	for _, tmpl := range t.args {
		b.Reset()
		if err := tmpl.Execute(&b, data); err != nil {
			return nil, err
		}
		out = append(out, b.String())
	}
	return out, nil
}

func (t *argvTemplate) String() string {
	return strings.Join(t.raw, " ")
}
