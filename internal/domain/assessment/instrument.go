package assessment

import (
	"errors"

	"github.com/google/cel-go/cel"
)

// Response bounds shared by every instrument. All shipped scales have four
// levels coded 0-3.
const (
	MinResponse = 0
	MaxResponse = 3
	Unanswered  = -1
)

var (
	ErrUnknownInstrument   = errors.New("unknown assessment instrument")
	ErrIncompleteResponses = errors.New("not all required items are answered")
)

// Severity is the label of a severity band.
type Severity string

const (
	SeverityMinimal          Severity = "Minimal"
	SeverityLow              Severity = "Low"
	SeverityMild             Severity = "Mild"
	SeverityModerate         Severity = "Moderate"
	SeverityModeratelySevere Severity = "Moderately Severe"
	SeverityHigh             Severity = "High"
	SeveritySevere           Severity = "Severe"
	SeverityVeryHigh         Severity = "Very High"
)

var validSeverities = map[Severity]bool{
	SeverityMinimal: true, SeverityLow: true, SeverityMild: true, SeverityModerate: true,
	SeverityModeratelySevere: true, SeverityHigh: true, SeveritySevere: true, SeverityVeryHigh: true,
}

// Item is one question of an instrument. ScaleLabels is only set when the
// item overrides the instrument scale; the coding stays 0-3 either way.
type Item struct {
	Prompt      string   `json:"prompt"`
	ScaleLabels []string `json:"scale_labels,omitempty"`
	Excluded    bool     `json:"excluded_from_total,omitempty"`
}

// Flag is a named yes/no question asked after the core items. Flags feed
// the rule engine and never the score.
type Flag struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
}

// Band maps the inclusive range [Min, Max] of total scores to a severity.
type Band struct {
	Severity   Severity `json:"severity"`
	Min        int      `json:"min"`
	Max        int      `json:"max"`
	ResultText string   `json:"result_text"`
}

// Rule pairs one predicate with the recommendation it emits.
type Rule struct {
	When    string `json:"when"`
	Type    string `json:"type"`
	Title   string `json:"title"`
	Content string `json:"content"`

	program cel.Program
	refs    ruleRefs
}

// Instrument is the immutable definition of one assessment type. Instances
// are only produced by a Registry, which validates bands and compiles rules.
type Instrument struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	ScaleLabels []string `json:"scale_labels"`
	Items       []Item   `json:"items"`
	Flags       []Flag   `json:"flags,omitempty"`
	Bands       []Band   `json:"bands"`
	Rules       []Rule   `json:"-"`
}

// ItemCount is the number of items shown, excluded ones included.
func (in *Instrument) ItemCount() int {
	return len(in.Items)
}

// Prompts returns the ordered question prompts.
func (in *Instrument) Prompts() []string {
	out := make([]string, len(in.Items))
	for i, it := range in.Items {
		out[i] = it.Prompt
	}
	return out
}

// ScoringExclusions returns the indices of items left out of the total.
func (in *Instrument) ScoringExclusions() []int {
	var out []int
	for i, it := range in.Items {
		if it.Excluded {
			out = append(out, i)
		}
	}
	return out
}

// LabelsFor returns the scale labels shown for item i.
func (in *Instrument) LabelsFor(i int) []string {
	if i >= 0 && i < len(in.Items) && len(in.Items[i].ScaleLabels) > 0 {
		return in.Items[i].ScaleLabels
	}
	return in.ScaleLabels
}

// MaxScore is the highest reachable total.
func (in *Instrument) MaxScore() int {
	n := 0
	for _, it := range in.Items {
		if !it.Excluded {
			n++
		}
	}
	return n * MaxResponse
}

// BandFor returns the band containing total. Totals outside [0, MaxScore]
// are pinned to the first or last band.
func (in *Instrument) BandFor(total int) Band {
	for _, b := range in.Bands {
		if total <= b.Max {
			return b
		}
	}
	return in.Bands[len(in.Bands)-1]
}

// FlagNames returns the declared auxiliary flag names in order.
func (in *Instrument) FlagNames() []string {
	out := make([]string, len(in.Flags))
	for i, f := range in.Flags {
		out[i] = f.Name
	}
	return out
}

// Summary is the short listing form of an instrument.
type Summary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	ItemCount   int    `json:"item_count"`
	MaxScore    int    `json:"max_score"`
}

func (in *Instrument) Summary() Summary {
	return Summary{
		ID:          in.ID,
		Title:       in.Title,
		Description: in.Description,
		ItemCount:   in.ItemCount(),
		MaxScore:    in.MaxScore(),
	}
}
