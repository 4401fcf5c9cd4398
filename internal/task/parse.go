package task

import (
	"regexp"
	"strings"
)

var (
	stepLine   = regexp.MustCompile(`^\s*\d+[.)]\s+(.*\S)\s*$`)
	inlineCode = regexp.MustCompile("`([^`]+)`")
)

// ParsePlan extracts ordered steps from planner output. Steps are numbered
// markdown lines; an inline backtick segment is taken as the step's shell
// command. Surrounding prose and fences are ignored.
func ParsePlan(text string) Plan {
	plan := Plan{Raw: text}

	for _, line := range strings.Split(text, "\n") {
		m := stepLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		body := m[1]

		step := Step{Status: StepPending}
		if code := inlineCode.FindStringSubmatch(body); code != nil {
			step.Command = strings.TrimSpace(code[1])
			step.Description = strings.TrimSpace(strings.Replace(body, code[0], "", 1))
			step.Description = strings.Trim(step.Description, " :-")
		}
		if step.Description == "" {
			step.Description = strings.TrimSpace(body)
		}
		plan.Steps = append(plan.Steps, step)
	}

	return plan
}
