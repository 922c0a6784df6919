package prober

import (
	"context"
	"fmt"

	"remedy-engine/internal/certs"
)

func checkCerts(ctx context.Context, p *Project) []Issue {
	found, err := certs.Scan(p.Root, p.CertWarnDays, p.Now)
	if err != nil {
		return nil
	}
	var issues []Issue
	for _, c := range found {
		switch c.State {
		case certs.StateExpired:
			issues = append(issues, Issue{
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("certificate %s expired on %s", c.Subject, c.NotAfter.Format("2006-01-02")),
				File:     rel(p.Root, c.Path),
			})
		case certs.StateExpiring:
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("certificate %s expires in %d day(s)", c.Subject, c.DaysLeft),
				File:     rel(p.Root, c.Path),
			})
		}
	}
	return issues
}
