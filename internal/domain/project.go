package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Project is one report snapshot selected for processing.
type Project struct {
	ID        string
	Name      string
	Branch    string
	Timestamp string
	Tags      []string
}

// Label renders the project the way it appears in the report, "name:branch".
func (p Project) Label() string {
	return p.Name + ":" + p.Branch
}

// ProjectDescriptor is a raw entry from the service's report listing.
type ProjectDescriptor struct {
	UUID      string    `json:"uuid"`
	Name      string    `json:"name"`
	Branch    string    `json:"branch"`
	Timestamp Timestamp `json:"timestamp"`
	Tags      []string  `json:"tags"`
}

// Timestamp is a listing timestamp. The service has emitted both ISO strings and epoch numbers,
// so either JSON form is accepted and kept verbatim.
type Timestamp string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Timestamp(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	*t = Timestamp(n.String())
	return nil
}
