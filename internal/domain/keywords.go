package domain

import "slices"

// Keywords are the topical match lists shared by the live filter and the
// search backfill.
type Keywords struct {
	// Lax terms are distinctive enough to match anywhere as a substring.
	Lax []string `yaml:"lax"`

	// Strict terms are short or ambiguous and only match whole words.
	Strict []string `yaml:"strict"`

	// UnsafeLabels reject a post outright when any is attached.
	UnsafeLabels []string `yaml:"unsafe_labels"`
}

// DefaultKeywords returns the built-in Toronto topic lists.
func DefaultKeywords() Keywords {
	return Keywords{
		Lax: []string{
			"toronto",
			"torono",
		},
		Strict: []string{
			"ttc",
			"cn tower",
			"6ix",
			"Danforth Music Hall",
			"bluejays",
			"Scotiabank arena",
			"air canada centre",
			"Rogers centre",
			"Rogers Stadium",
			"Trillium Park",
			"Olivia Chow",
			"Kensington Market",
			"Yonge",
			"Roncesvalles",
			"YYZ",
			"metrolinx",
		},
		UnsafeLabels: []string{
			"porn",
			"sexual",
			"nudity",
			"nsfl",
			"gore",
			"graphic-media",
		},
	}
}

// AnyUnsafe reports whether any of labels is an unsafe label.
func (k Keywords) AnyUnsafe(labels []string) bool {
	for _, l := range labels {
		if slices.Contains(k.UnsafeLabels, l) {
			return true
		}
	}
	return false
}

