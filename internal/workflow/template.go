package workflow

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/azevedojoel/relay/internal/database"
)

// NoOutputPlaceholder is recorded for steps whose agent produced no text, so
// later templates substituting that step's output see something explicit
// rather than an empty string.
const NoOutputPlaceholder = "(no output)"

// Prompt templates support these placeholders:
//
//	{{previous_output}} is the output of the immediately preceding step
//	{{step_output_N}}   is the output of step N (1-based execution position)
//	{{user_name}}       is the owning user's display name
//	{{date}}            is the run's fire date, YYYY-MM-DD
//	{{datetime}}        is the run's fire time, RFC 3339
var stepOutputPattern = regexp.MustCompile(`\{\{\s*step_output_(\d+)\s*\}\}`)

// TemplateContext carries the values available to a step's prompt template.
type TemplateContext struct {
	UserName string
	FiredAt  time.Time
	// Outputs holds the outputs of already-executed steps in execution order.
	Outputs []database.StepOutput
}

// Resolve substitutes every known placeholder in tmpl. Unknown placeholders
// are left untouched; a step-output reference beyond the executed range
// resolves to the no-output placeholder.
func Resolve(tmpl string, tc TemplateContext) string {
	out := tmpl

	out = strings.ReplaceAll(out, "{{previous_output}}", tc.previousOutput())
	out = strings.ReplaceAll(out, "{{user_name}}", tc.UserName)
	out = strings.ReplaceAll(out, "{{date}}", tc.FiredAt.Format("2006-01-02"))
	out = strings.ReplaceAll(out, "{{datetime}}", tc.FiredAt.Format(time.RFC3339))

	out = stepOutputPattern.ReplaceAllStringFunc(out, func(match string) string {
		sub := stepOutputPattern.FindStringSubmatch(match)
		n, err := strconv.Atoi(sub[1])
		if err != nil || n < 1 || n > len(tc.Outputs) {
			return NoOutputPlaceholder
		}
		return tc.Outputs[n-1].Output
	})

	return out
}

func (tc TemplateContext) previousOutput() string {
	if len(tc.Outputs) == 0 {
		return NoOutputPlaceholder
	}
	return tc.Outputs[len(tc.Outputs)-1].Output
}
