package healing

import (
	"fmt"
	"regexp"
)

// dangerousPatternDefs match commands no planner decision may smuggle
// into runbook parameters.
var dangerousPatternDefs = []string{
	`rm\s+(-[a-zA-Z]*)?r[a-zA-Z]*f\s+/`,
	`\bmkfs\b`,
	`\bdd\s+if=/dev/(zero|urandom)\b`,
	`chmod\s+(-[a-zA-Z]*R\s+)?777\s+/`,
	`curl\s+.*\|\s*(?:ba)?sh`,
	`wget\s+.*\|\s*(?:ba)?sh`,
	`(?i)\bDROP\s+(?:TABLE|DATABASE)\b`,
	`(?i)\bTRUNCATE\b`,
	`/etc/shadow`,
	`\bid_rsa\b`,
	`\bnc\s+.*-[a-zA-Z]*e\s+/bin/`,
	`/dev/tcp/`,
	`\b(?:shutdown|reboot|halt|poweroff)\b.*-[a-zA-Z]*f\b`,
	`>\s*/dev/sd[a-z]`,
	`(?i)Format-Volume`,
	`(?i)Clear-Disk`,
	`(?i)Remove-Partition`,
	`(?i)Stop-Computer\s+-Force`,
}

// Guardrails validates planner decisions before execution. The planner
// may only choose registered runbooks, and its parameters must be free
// of destructive commands.
type Guardrails struct {
	dangerous []*regexp.Regexp
}

// NewGuardrails compiles the pattern set.
func NewGuardrails() *Guardrails {
	patterns := make([]*regexp.Regexp, 0, len(dangerousPatternDefs))
	for _, p := range dangerousPatternDefs {
		patterns = append(patterns, regexp.MustCompile(p))
	}
	return &Guardrails{dangerous: patterns}
}

// Check returns a non-empty reason when the decision must be blocked.
func (g *Guardrails) Check(d *Decision, knownRunbook bool) string {
	if d.Escalate {
		return ""
	}
	if d.RunbookID == "" {
		return "decision names no runbook"
	}
	if !knownRunbook {
		return fmt.Sprintf("runbook %q not in registry", d.RunbookID)
	}
	for _, v := range d.Parameters {
		s := fmt.Sprintf("%v", v)
		for _, re := range g.dangerous {
			if re.MatchString(s) {
				return "dangerous pattern in parameters: " + re.String()
			}
		}
	}
	return ""
}
