package assessment

import (
	"errors"
	"fmt"
)

// Recommendation is one personalised add-on produced by a rule.
type Recommendation struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Flags holds auxiliary yes/no answers by name. A missing entry is false.
type Flags map[string]bool

// DeriveRecommendations evaluates every rule of the instrument in
// declaration order and returns one recommendation per satisfied rule, in
// that same order. Responses are normalised first; flags the instrument
// does not declare are ignored and declared flags that are absent read as
// false. A rule that fails to evaluate does not fire; use EvaluateRules to
// see why.
func DeriveRecommendations(responses []int, flags Flags, in *Instrument) []Recommendation {
	recs, _ := EvaluateRules(responses, flags, in)
	return recs
}

// EvaluateRules is DeriveRecommendations plus the evaluation errors of any
// rule that could not be decided. The recommendations are still returned.
func EvaluateRules(responses []int, flags Flags, in *Instrument) ([]Recommendation, error) {
	norm, _ := Normalize(responses, in)
	input := ruleInput(in, norm, flags)

	recs := make([]Recommendation, 0, len(in.Rules))
	var errs []error
	for _, rule := range in.Rules {
		fired, err := rule.eval(input)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.Type, err))
			continue
		}
		if fired {
			recs = append(recs, Recommendation{Type: rule.Type, Title: rule.Title, Content: rule.Content})
		}
	}
	return recs, errors.Join(errs...)
}

// DeclaredFlags projects flags onto the instrument's declared flag names,
// filling absent ones with false.
func DeclaredFlags(in *Instrument, flags Flags) Flags {
	out := make(Flags, len(in.Flags))
	for _, f := range in.Flags {
		out[f.Name] = flags[f.Name]
	}
	return out
}

func ruleInput(in *Instrument, norm []int, flags Flags) map[string]any {
	r := make([]int64, len(norm))
	for i, v := range norm {
		r[i] = int64(v)
	}
	return map[string]any{
		"r":     r,
		"flags": map[string]bool(DeclaredFlags(in, flags)),
	}
}

func (rule Rule) eval(input map[string]any) (bool, error) {
	out, _, err := rule.program.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result is %T, not bool", out.Value())
	}
	return v, nil
}
