package llmturn

import (
	"fmt"
	"strings"

	"github.com/loveme/daemon/internal/domain"
)

// BaseSystemPrompt is the static preamble every turn's system prompt
// starts from (spec §4.10 step 2's "base prompt").
const BaseSystemPrompt = `You are a personal automation assistant running as a local daemon.
You can call tools to take actions on the user's behalf. Prefer calling a
tool over guessing when a tool exists for the job.`

// buildSystemPrompt assembles the base prompt, a lightweight description
// of the tools currently registered with the Tool Router ("skill
// metadata"), and any expert-instruction blobs registered providers have
// contributed, per spec §4.10 step 2.
func buildSystemPrompt(tools []domain.ToolDescriptor, expertBlobs []string) string {
	var b strings.Builder
	b.WriteString(BaseSystemPrompt)

	if len(tools) > 0 {
		b.WriteString("\n\nAvailable tools:\n")
		for _, t := range tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
	}

	for _, blob := range expertBlobs {
		b.WriteString("\n")
		b.WriteString(blob)
		b.WriteString("\n")
	}

	return b.String()
}
