// Package jobtemplate renders a measurement's JobConfig template into the
// two evaluations the coordinator needs: a host-evaluated config sent to
// every connection's template-aware peer, and a local-evaluated config,
// canonicalized for the coordinator's own filesystem, used for the entry's
// canonical LocalEvaluatedConfig and the in-process recorder.
package jobtemplate

import (
	"bytes"
	"fmt"
	"path"
	"text/template"
	"time"

	"github.com/ecal-fleet/rec-coordinator/internal/domain"
)

// Template holds the text/template source for each renderable JobConfig
// field. Non-template fields (MaxFileSizeMiB, OneFilePerTopic) pass through
// unevaluated.
type Template struct {
	MeasRootDir     string
	MeasNamePattern string
	Description     string
	MaxFileSizeMiB  int
	OneFilePerTopic bool
}

// Context supplies the values a template may reference: "{{.Time}}" etc.
type Context struct {
	Time time.Time
}

func render(tmplSrc string, ctx Context) (string, error) {
	if tmplSrc == "" {
		return "", nil
	}
	t, err := template.New("jobtemplate").Parse(tmplSrc)
	if err != nil {
		return "", fmt.Errorf("op=jobtemplate.render: %w: %v", domain.ErrInvalidArgument, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("op=jobtemplate.render: %w: %v", domain.ErrInvalidArgument, err)
	}
	return buf.String(), nil
}

// RenderHostEvaluated renders tmpl for a remote connection: path separators
// are left exactly as the template produced them, since the coordinator
// does not know the remote host's filesystem conventions.
func RenderHostEvaluated(tmpl Template, jobID int64, ctx Context) (domain.JobConfig, error) {
	return renderWith(tmpl, jobID, ctx, func(s string) string { return s })
}

// RenderLocalEvaluated renders tmpl for the coordinator's own host: the
// result is canonicalized with path.Clean so the entry's canonical
// LocalEvaluatedConfig always records a normalized path, regardless of how
// the template was written.
func RenderLocalEvaluated(tmpl Template, jobID int64, ctx Context) (domain.JobConfig, error) {
	return renderWith(tmpl, jobID, ctx, path.Clean)
}

func renderWith(tmpl Template, jobID int64, ctx Context, canon func(string) string) (domain.JobConfig, error) {
	rootDir, err := render(tmpl.MeasRootDir, ctx)
	if err != nil {
		return domain.JobConfig{}, err
	}
	name, err := render(tmpl.MeasNamePattern, ctx)
	if err != nil {
		return domain.JobConfig{}, err
	}
	desc, err := render(tmpl.Description, ctx)
	if err != nil {
		return domain.JobConfig{}, err
	}
	return domain.JobConfig{
		JobID:           jobID,
		MeasRootDir:     canon(rootDir),
		MeasName:        name,
		Description:     desc,
		MaxFileSizeMiB:  tmpl.MaxFileSizeMiB,
		OneFilePerTopic: tmpl.OneFilePerTopic,
	}, nil
}
