package prober

import (
	"context"
	"fmt"

	"remedy-engine/internal/runner"
	"remedy-engine/internal/toolchain"
)

func checkCompile(ctx context.Context, p *Project) []Issue {
	if p.Exec == nil {
		return nil
	}
	var issues []Issue
	for _, t := range p.Toolchains {
		c, ok := t.(toolchain.Compiler)
		if !ok {
			continue
		}
		a, ok := c.CompileCommand(p.Root)
		if !ok || !p.available(a.Requires) {
			continue
		}

		res, err := p.Exec.Execute(ctx, runner.Command{
			Line:    a.Line,
			Dir:     p.Root,
			Timeout: p.CompileTimeout,
			Kind:    "probe",
		})
		switch {
		case runner.IsTimeout(err):
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("%s timed out after %s", a.Line, p.CompileTimeout),
			})
		case err != nil:
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("%s could not run: %v", a.Line, err),
			})
		case !res.Success():
			issue := Issue{
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("%s failed: %s", a.Line, firstLines(res.Output(), 3)),
			}
			if p.Library != nil {
				if m, ok := p.Library.Match(res.Output()); ok {
					if top, ok := m.Top(); ok {
						issue.Fix = top.Name
						issue.Groups = m.Groups
					}
				}
			}
			issues = append(issues, issue)
		}
	}
	return issues
}
