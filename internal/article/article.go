// Package article holds the rewrite result types shared by the gateway, the cache and the client.
package article

// Category names one of the four insight lists.
type Category string

const (
	BiasesRemoved        Category = "biases_removed"
	ContextAdded         Category = "context_added"
	Corrections          Category = "corrections"
	NarrativesChallenged Category = "narratives_challenged"
)

// Categories lists every insight category in display order.
var Categories = []Category{BiasesRemoved, ContextAdded, Corrections, NarrativesChallenged}

// InsightSet is the structured report accompanying a rewrite.
// A nil list means the category has not been seen yet; an empty list means "none detected".
type InsightSet struct {
	BiasesRemoved        []string `json:"biases_removed"`
	ContextAdded         []string `json:"context_added"`
	Corrections          []string `json:"corrections"`
	NarrativesChallenged []string `json:"narratives_challenged"`
}

// Get returns the list for a category.
func (s InsightSet) Get(c Category) []string {
	switch c {
	case BiasesRemoved:
		return s.BiasesRemoved
	case ContextAdded:
		return s.ContextAdded
	case Corrections:
		return s.Corrections
	case NarrativesChallenged:
		return s.NarrativesChallenged
	}
	return nil
}

// Set replaces the list for a category. Unknown categories are ignored.
func (s *InsightSet) Set(c Category, items []string) {
	switch c {
	case BiasesRemoved:
		s.BiasesRemoved = items
	case ContextAdded:
		s.ContextAdded = items
	case Corrections:
		s.Corrections = items
	case NarrativesChallenged:
		s.NarrativesChallenged = items
	}
}

// Normalized returns a copy with every nil list replaced by an empty one,
// so the JSON form always carries four arrays.
func (s InsightSet) Normalized() InsightSet {
	out := InsightSet{}
	for _, c := range Categories {
		items := s.Get(c)
		out.Set(c, append(make([]string, 0, len(items)), items...))
	}
	return out
}

// Clone returns a deep copy that preserves nil (absent) lists.
func (s InsightSet) Clone() InsightSet {
	out := InsightSet{}
	for _, c := range Categories {
		if items := s.Get(c); items != nil {
			out.Set(c, append(make([]string, 0, len(items)), items...))
		}
	}
	return out
}

// Stats holds per-category insight counts.
type Stats struct {
	Biases      int `json:"biases"`
	Context     int `json:"context"`
	Corrections int `json:"corrections"`
	Narratives  int `json:"narratives"`
	Total       int `json:"total"`
}

// Stats counts the insights in each category.
func (s InsightSet) Stats() Stats {
	st := Stats{
		Biases:      len(s.BiasesRemoved),
		Context:     len(s.ContextAdded),
		Corrections: len(s.Corrections),
		Narratives:  len(s.NarrativesChallenged),
	}
	st.Total = st.Biases + st.Context + st.Corrections + st.Narratives
	return st
}

// Result is the decoded form of one generated JSON object.
type Result struct {
	RewrittenArticle string     `json:"rewritten_article"`
	Insights         InsightSet `json:"insights"`
}

// Record is one cached rewrite, keyed by canonical source URL.
type Record struct {
	ID               string     `json:"id"`
	URL              string     `json:"url"`
	OriginalContent  string     `json:"original_content,omitempty"`
	RewrittenContent string     `json:"rewritten_content"`
	Insights         InsightSet `json:"insights"`
	Language         string     `json:"language,omitempty"`
	CreatedAt        int64      `json:"created_at"`
	UpdatedAt        int64      `json:"updated_at"`
}

// Summary is a record without its content, used in listings.
type Summary struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	Language      string `json:"language,omitempty"`
	RewriteChars  int    `json:"rewrite_chars"`
	InsightsTotal int    `json:"insights_total"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}
