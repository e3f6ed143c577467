package extract

import (
	"sort"
	"strings"

	"github.com/splax/bibles/internal/domain"
)

var newlineStripper = strings.NewReplacer("\r\n", "", "\n", "", "\r", "")

// Components flattens a bible into component records. Ecosystems are walked in sorted order,
// components in artifact order; a component repeated within the artifact is kept once, first
// occurrence winning.
func Components(bible domain.Bible) []domain.ComponentRecord {
	ecosystems := make([]string, 0, len(bible.Components))
	for eco := range bible.Components {
		ecosystems = append(ecosystems, eco)
	}
	sort.Strings(ecosystems)

	seen := make(map[string]struct{})
	var records []domain.ComponentRecord
	for _, eco := range ecosystems {
		for _, item := range bible.Components[eco] {
			comp := domain.Component{Ecosystem: eco, Name: item.Name, Version: item.Version}
			key := comp.Key()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			records = append(records, domain.ComponentRecord{
				Component: comp,
				Licenses:  uniqueLicenses(item.Licenses),
				Copyright: copyrightText(item.Copyright),
			})
		}
	}
	return records
}

func copyrightText(c *domain.BibleCopyright) string {
	if c == nil {
		return ""
	}
	return newlineStripper.Replace(c.Text)
}

func uniqueLicenses(licenses []string) []string {
	out := make([]string, 0, len(licenses))
	seen := make(map[string]struct{}, len(licenses))
	for _, l := range licenses {
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}
