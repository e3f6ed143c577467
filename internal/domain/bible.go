package domain

// Bible is the generated bill-of-materials artifact for a project, components grouped by ecosystem.
type Bible struct {
	Components map[string][]BibleComponent `json:"components"`
}

// BibleComponent is one component descriptor inside a bible.
type BibleComponent struct {
	Name      string          `json:"name"`
	Version   string          `json:"version"`
	Copyright *BibleCopyright `json:"copyright,omitempty"`
	Licenses  []string        `json:"licenses,omitempty"`
}

// BibleCopyright carries the copyright statement of a component.
type BibleCopyright struct {
	Text string `json:"text"`
}
