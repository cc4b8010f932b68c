package generate

import (
	"context"
	"fmt"
	"strings"

	"github.com/inboxpilot/triage-api/internal/workflow"
)

// TemplateGenerator is the built-in draft generator: deterministic
// templates keyed by simple intent cues in the thread context. The AI
// generator is an external collaborator behind the same interface; this
// implementation keeps the pipeline functional without it.
type TemplateGenerator struct {
	signature string
}

// NewTemplateGenerator constructs the generator with an optional
// signature line.
func NewTemplateGenerator(signature string) *TemplateGenerator {
	return &TemplateGenerator{signature: strings.TrimSpace(signature)}
}

// Generate produces a short acknowledgement draft. It honours the
// context deadline so a caller-supplied timeout surfaces as ctx.Err().
func (g *TemplateGenerator) Generate(ctx context.Context, req workflow.GenerateRequest) (*workflow.Draft, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Hi,\n\nThanks for your message regarding %q.\n", strings.TrimSpace(req.Subject))
	switch {
	case containsAny(req.Context, "invoice", "payment", "overdue"):
		b.WriteString("I'm looking into the payment status and will confirm shortly.\n")
	case containsAny(req.Context, "meeting", "schedule", "call"):
		b.WriteString("Let me check my calendar and come back with a few slots.\n")
	case containsAny(req.Context, "issue", "error", "broken"):
		b.WriteString("Sorry for the trouble; I'm investigating and will follow up with a fix or workaround.\n")
	default:
		b.WriteString("I'll review this and get back to you soon.\n")
	}
	b.WriteString("\nBest regards")
	if g.signature != "" {
		b.WriteString(",\n" + g.signature)
	}

	return &workflow.Draft{Text: b.String(), Language: "en", Tone: "professional"}, nil
}

func containsAny(haystack string, needles ...string) bool {
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}
