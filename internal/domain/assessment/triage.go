package assessment

// CrisisResource is a contact shown with every result.
type CrisisResource struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
	Detail  string `json:"detail"`
}

// CrisisResources is attached to every triage payload regardless of
// severity. It is never derived from scoring.
var CrisisResources = []CrisisResource{
	{Name: "988 Suicide & Crisis Lifeline", Contact: "Call or text 988", Detail: "Free, confidential support 24/7."},
	{Name: "Crisis Text Line", Contact: "Text HOME to 741741", Detail: "Text with a trained crisis counselor 24/7."},
	{Name: "Emergency Services", Contact: "Call 911", Detail: "If you are in immediate danger, call 911 or go to the nearest emergency room."},
}

// TriagePayload is what the submission workflow receives.
type TriagePayload struct {
	AssessmentType  string           `json:"assessment_type"`
	Score           int              `json:"score"`
	MaxScore        int              `json:"max_score"`
	Severity        Severity         `json:"severity"`
	ResultText      string           `json:"result_text"`
	Recommendations []Recommendation `json:"recommendations"`
	AuxiliaryFlags  Flags            `json:"auxiliary_flags"`
	CrisisResources []CrisisResource `json:"crisis_resources"`
}

// BuildTriagePayload assembles the payload. It performs no computation.
func BuildTriagePayload(result ScoreResult, recs []Recommendation, flags Flags, assessmentType string) TriagePayload {
	if recs == nil {
		recs = []Recommendation{}
	}
	if flags == nil {
		flags = Flags{}
	}
	crisis := make([]CrisisResource, len(CrisisResources))
	copy(crisis, CrisisResources)
	return TriagePayload{
		AssessmentType:  assessmentType,
		Score:           result.TotalScore,
		MaxScore:        result.MaxScore,
		Severity:        result.Severity,
		ResultText:      result.ResultText,
		Recommendations: recs,
		AuxiliaryFlags:  flags,
		CrisisResources: crisis,
	}
}

// Evaluate runs the scorer, the rule engine and the router in one call.
// Flags are projected onto the instrument's declared names.
func Evaluate(responses []int, flags Flags, in *Instrument) TriagePayload {
	payload, _ := EvaluateChecked(responses, flags, in)
	return payload
}

// EvaluateChecked is Evaluate plus the errors of rules that could not be
// decided. The payload is complete either way.
func EvaluateChecked(responses []int, flags Flags, in *Instrument) (TriagePayload, error) {
	declared := DeclaredFlags(in, flags)
	recs, ruleErr := EvaluateRules(responses, declared, in)
	return BuildTriagePayload(Score(responses, in), recs, declared, in.ID), ruleErr
}
