package agent

import (
	"fmt"
	"strings"

	"github.com/morphik-org/morphik-core/pkg/tools"
)

// systemPromptTemplate drives the turn loop. It interpolates the advertised
// tool list and the user's query, and pins the output grammar the parser
// expects: a JSON array of display objects.
const systemPromptTemplate = `You are a research assistant working over a private knowledge base. Answer the user's query using the tools below; never answer from your own knowledge when a tool can ground the answer.

Available tools:
%s

Call tools as needed, as many times as needed. When you have gathered enough information, reply with your final answer as a JSON array of display objects and nothing else:

[
  {"type": "text", "content": "<markdown answer segment>", "source": "<source_id>"},
  {"type": "image", "content": "<image reference>", "source": "<source_id>"}
]

Rules for the final answer:
- "source" must be a source id you saw in tool results (for example "doc-123-chunk4"). Use one display object per source.
- Use "type": "text" for prose and "type": "image" for images.
- Do not wrap the JSON in prose or code fences.

User query: %s`

// buildSystemPrompt renders the system message for one run.
func buildSystemPrompt(advertised []tools.Tool, query string) string {
	var bullets strings.Builder
	for _, t := range advertised {
		fmt.Fprintf(&bullets, "- %s: %s\n", t.Name, t.Description)
	}
	return fmt.Sprintf(systemPromptTemplate, strings.TrimRight(bullets.String(), "\n"), query)
}
