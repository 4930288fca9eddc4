package models

// Criteria scopes a catalogue query. Include tags are OR-ed together; an empty
// include list applies no tag filter at all.
type Criteria struct {
	Destination   string   `json:"destination"`
	IncludeTags   []string `json:"include_tags"`
	ExcludeTags   []string `json:"exclude_tags"`
	Limit         int      `json:"limit"`
	MinPopularity float64  `json:"min_popularity"`
}
