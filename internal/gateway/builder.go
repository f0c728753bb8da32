package gateway

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/loveme/daemon/internal/domain"
	"github.com/loveme/daemon/internal/llmprovider"
)

// cronFieldPattern matches one field of the five-field grammar spec §6
// defines: `*`, `N`, `N-M`, `A,B,C`, or `*/N`.
var cronFieldPattern = regexp.MustCompile(`^(\*|\d+(-\d+)?(,\d+(-\d+)?)*|\*/\d+)$`)

// validateCronExpression checks the grammar spec §6 fixes, without
// resolving whether a field's values fall in its natural range (minute
// 0-59 vs hour 0-23 etc.) — internal/cronticker's hardloop runner is the
// authority that rejects an out-of-range value at bind time.
func validateCronExpression(expr string) bool {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return false
	}
	for _, f := range fields {
		if !cronFieldPattern.MatchString(f) {
			return false
		}
	}
	return true
}

func (g *Gateway) handleParseSchedule(c *client, env domain.Envelope) {
	if env.Content == "" {
		c.send <- errMissing("content")
		return
	}
	if !validateCronExpression(env.Content) {
		c.send <- errInvalid("invalid cron expression: " + env.Content)
		return
	}
	c.send <- domain.Envelope{Type: domain.TypeParseSchedule, Content: env.Content}
}

const buildWorkflowSystemPrompt = `You design workflow automations. Given a short description, respond with
exactly one JSON object matching this shape and nothing else:
{"name":string,"description":string,"steps":[{"id":string,"name":string,"tool":string,"input":{"<key>":{"literal":string}},"depends_on":[string],"error_policy":"stop"|"skip"|"retry"}]}`

// handleBuildWorkflow asks the configured LLM provider to turn a natural
// language description (env.Content) into a draft Workflow, without
// persisting it — the client reviews/edits the result and submits it back
// through create_workflow. Grounded on internal/service/at.go's Agent.Run
// single-pass-call idiom, generalized to a one-shot (no tool, no
// re-entry) call since building a workflow is not itself a tool-using
// turn.
func (g *Gateway) handleBuildWorkflow(ctx context.Context, c *client, env domain.Envelope) {
	if g.builderProvider == nil {
		c.send <- errInvalid("workflow builder not configured")
		return
	}
	if env.Content == "" {
		c.send <- errMissing("content")
		return
	}

	events, err := g.builderProvider.Stream(ctx, g.builderModel,
		[]llmprovider.Message{{Role: "user", Content: env.Content}},
		nil, buildWorkflowSystemPrompt)
	if err != nil {
		c.send <- domain.ErrorEnvelope(domain.ErrCodeUpstream, err.Error())
		return
	}

	var text strings.Builder
	for ev := range events {
		switch ev.Kind {
		case llmprovider.EventTextDelta:
			text.WriteString(ev.Delta)
		case llmprovider.EventError:
			c.send <- domain.ErrorEnvelope(domain.ErrCodeUpstream, ev.Err.Error())
			return
		}
	}

	wf, err := parseBuiltWorkflow(text.String())
	if err != nil {
		c.send <- errInvalid("could not parse builder output: " + err.Error())
		return
	}

	raw, err := json.Marshal(wf)
	if err != nil {
		c.send <- errStorage(err)
		return
	}
	c.send <- domain.Envelope{Type: domain.TypeBuildWorkflow, Content: string(raw)}
}

// parseBuiltWorkflow strips one layer of markdown code fences if present
// (spec §9 open question, resolved: strip exactly one layer, no more) and
// decodes the remaining text as a Workflow.
func parseBuiltWorkflow(raw string) (domain.Workflow, error) {
	var wf domain.Workflow
	if err := json.Unmarshal([]byte(stripOneFenceLayer(raw)), &wf); err != nil {
		return domain.Workflow{}, err
	}
	return wf, nil
}

func stripOneFenceLayer(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.HasPrefix(s, "\n") {
		// Drop an optional language tag on the fence's opening line
		// ("```json\n...").
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimRight(s, "\n"), "```")
	return strings.TrimSpace(s)
}
