package domain

// Component identifies a third-party library instance.
type Component struct {
	Ecosystem string
	Name      string
	Version   string
}

// Key serializes the identity as "ecosystem:name:version".
func (c Component) Key() string {
	return c.Ecosystem + ":" + c.Name + ":" + c.Version
}

// ComponentRecord is a component as observed in one project's bible.
type ComponentRecord struct {
	Component Component
	Licenses  []string
	Copyright string
}

// AggregatedRecord is a component merged across every project that references it.
type AggregatedRecord struct {
	Component Component
	Licenses  []string
	Copyright string
	// Projects holds referencing project ids in attribution order, without duplicates.
	Projects []string
}

// ReportRow is one line of the final license report.
type ReportRow struct {
	Licenses  string
	Component string
	Copyright string
	Projects  string
}
