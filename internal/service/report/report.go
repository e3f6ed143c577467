package report

import (
	"strings"

	"github.com/splax/bibles/internal/domain"
)

const (
	licenseSeparator = ", "
	projectSeparator = ";"
)

// Header is the column row of the license report.
var Header = []string{"LICENSES", "COMPONENT", "COPYRIGHT STATEMENTS", "PROJECTS"}

// ProjectLookup resolves project ids to display data.
type ProjectLookup interface {
	Lookup(id string) (domain.Project, bool)
}

// Assemble turns aggregated records into report rows, one per record and in record order.
// Projects render as "name:branch" in attribution order; an id missing from the lookup
// renders as the bare id.
func Assemble(records []domain.AggregatedRecord, projects ProjectLookup) []domain.ReportRow {
	rows := make([]domain.ReportRow, 0, len(records))
	for _, rec := range records {
		labels := make([]string, 0, len(rec.Projects))
		for _, id := range rec.Projects {
			if p, ok := projects.Lookup(id); ok {
				labels = append(labels, p.Label())
				continue
			}
			labels = append(labels, id)
		}
		rows = append(rows, domain.ReportRow{
			Licenses:  strings.Join(rec.Licenses, licenseSeparator),
			Component: rec.Component.Key(),
			Copyright: rec.Copyright,
			Projects:  strings.Join(labels, projectSeparator),
		})
	}
	return rows
}
