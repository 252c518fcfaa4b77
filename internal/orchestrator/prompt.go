package orchestrator

import (
	"strings"
	"time"

	"github.com/haasonsaas/valet/pkg/models"
)

// defaultPersona is the system prompt base when the deployment does
// not configure one.
const defaultPersona = "You are Valet, a capable assistant that plans with tools and asks for missing information instead of guessing."

// buildSystemPrompt assembles the per-request system prompt: persona,
// current time, and recalled facts.
func buildSystemPrompt(persona string, now time.Time, facts []models.Fact) string {
	if persona == "" {
		persona = defaultPersona
	}

	var b strings.Builder
	b.WriteString(persona)
	b.WriteString("\n\nCurrent time: ")
	b.WriteString(now.Format(time.RFC1123))

	if len(facts) > 0 {
		b.WriteString("\n\nWhat you remember about this user:")
		for _, f := range facts {
			b.WriteString("\n- ")
			b.WriteString(f.Content)
		}
	}
	return b.String()
}
