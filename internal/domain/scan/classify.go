package scan

import (
	"fmt"
	"strings"
	"time"
)

// Urgency tiers control scheduling order and the SLA deadline applied by
// the queue ranker.
const (
	UrgencyImmediate = "immediate"
	UrgencyUrgent    = "urgent"
	UrgencyRoutine   = "routine"
)

// Appropriateness tiers grade how strongly clinical guidelines support the
// ordered scan.
const (
	AppropriatenessVeryHigh = "very_high"
	AppropriatenessHigh     = "high"
	AppropriatenessModerate = "moderate"
	AppropriatenessLow      = "low"
	AppropriatenessVeryLow  = "very_low"
)

// GCS thresholds. A score below gcsImmediateThreshold indicates severe
// impairment; scores up to gcsUrgentThreshold indicate moderate impairment.
const (
	gcsMin                = 0
	gcsMax                = 15
	gcsImmediateThreshold = 9
	gcsUrgentThreshold    = 12
)

// acuteOnsetWindow is the window within which stroke/trauma vocabulary
// combined with a recent symptom onset forces immediate urgency. 4.5 hours
// matches the thrombolysis eligibility window.
const acuteOnsetWindow = 4*time.Hour + 30*time.Minute

// immediateIndicators are findings that on their own indicate a
// potentially life-threatening condition.
var immediateIndicators = []string{
	"stroke",
	"hemorrhage",
	"bleed",
	"seizure",
	"unconscious",
	"coma",
	"focal deficit",
	"mass effect",
	"herniation",
}

// urgentIndicators warrant imaging within the hour but are not immediately
// life-threatening by themselves.
var urgentIndicators = []string{
	"trauma",
	"head injury",
	"confusion",
	"altered mental",
	"persistent headache",
	"vomiting",
	"papilledema",
}

// acuteWindowIndicators combined with a symptom onset inside
// acuteOnsetWindow escalate the order to immediate.
var acuteWindowIndicators = []string{
	"stroke",
	"trauma",
	"head injury",
}

// appropriatenessCriteria is the CT appropriateness table. Criteria are
// held in a slice, not a map, so that ties between equal scores resolve
// the same way on every run.
var appropriatenessCriteria = []struct {
	criteria string
	score    int
}{
	{"head trauma moderate to severe", 9},
	{"acute stroke symptoms", 9},
	{"head trauma with loss of consciousness", 8},
	{"headache with focal neurological findings", 8},
	{"seizure with focal features", 8},
	{"altered mental status", 7},
	{"suspected brain tumor", 7},
	{"cognitive decline", 6},
	{"head trauma without loss of consciousness", 4},
	{"syncope", 4},
	{"seizure without focal features", 3},
	{"dizziness vertigo", 3},
	{"headache without focal findings", 2},
}

// ClassifyInput carries the clinical fields evaluated at order creation
// and on clinical updates.
type ClassifyInput struct {
	Indication      string     `json:"indication"`
	ClinicalHistory string     `json:"clinical_history,omitempty"`
	Symptoms        string     `json:"symptoms,omitempty"`
	GCSScore        *int       `json:"gcs_score,omitempty"`
	SymptomOnset    *time.Time `json:"symptom_onset,omitempty"`
}

// Classification is the result of evaluating an order against the triage
// rules. Appropriateness is nil when no criteria matched; the tier is then
// withheld pending clinician review and never blocks scheduling.
type Classification struct {
	Urgency                   string   `json:"urgency"`
	UrgencyReason             string   `json:"urgency_reason"`
	Appropriateness           *string  `json:"appropriateness,omitempty"`
	AppropriatenessReason     string   `json:"appropriateness_reason"`
	Recommendations           []string `json:"recommendations"`
	RequiresRadiologistReview bool     `json:"requires_radiologist_review"`
}

// Classify evaluates the order against the triage rules using the current
// clock for onset recency. See ClassifyAt.
func Classify(in ClassifyInput) (*Classification, error) {
	return ClassifyAt(time.Now().UTC(), in)
}

// ClassifyAt derives the urgency tier and appropriateness tier for a scan
// order. It is a pure function of (now, input): identical arguments always
// produce the identical classification. Ambiguous input resolves to the
// higher-urgency tier; under-triage is the unacceptable failure mode.
func ClassifyAt(now time.Time, in ClassifyInput) (*Classification, error) {
	if strings.TrimSpace(in.Indication) == "" {
		return nil, fmt.Errorf("indication is required")
	}
	if in.GCSScore != nil && (*in.GCSScore < gcsMin || *in.GCSScore > gcsMax) {
		return nil, fmt.Errorf("gcs_score must be between %d and %d, got %d", gcsMin, gcsMax, *in.GCSScore)
	}

	text := normalizeClinicalText(in.Indication + " " + in.ClinicalHistory + " " + in.Symptoms)

	urgency, reason := determineUrgency(now, text, in.GCSScore, in.SymptomOnset)
	appropriateness, appropriatenessReason := scoreAppropriateness(text)

	return &Classification{
		Urgency:                   urgency,
		UrgencyReason:             reason,
		Appropriateness:           appropriateness,
		AppropriatenessReason:     appropriatenessReason,
		Recommendations:           buildRecommendations(urgency, appropriateness, text),
		RequiresRadiologistReview: urgency == UrgencyImmediate,
	}, nil
}

func determineUrgency(now time.Time, text string, gcs *int, onset *time.Time) (string, string) {
	if gcs != nil && *gcs < gcsImmediateThreshold {
		return UrgencyImmediate, fmt.Sprintf("GCS %d indicates severe neurological impairment", *gcs)
	}

	for _, indicator := range immediateIndicators {
		if strings.Contains(text, indicator) {
			return UrgencyImmediate, fmt.Sprintf("clinical text matches immediate indicator %q", indicator)
		}
	}

	if onset != nil && !onset.After(now) && now.Sub(*onset) <= acuteOnsetWindow {
		for _, indicator := range acuteWindowIndicators {
			if strings.Contains(text, indicator) {
				return UrgencyImmediate, fmt.Sprintf("%s with symptom onset within the acute window", indicator)
			}
		}
	}

	if gcs != nil && *gcs <= gcsUrgentThreshold {
		return UrgencyUrgent, fmt.Sprintf("GCS %d indicates moderate neurological impairment", *gcs)
	}

	for _, indicator := range urgentIndicators {
		if strings.Contains(text, indicator) {
			return UrgencyUrgent, fmt.Sprintf("clinical text matches urgent indicator %q", indicator)
		}
	}

	return UrgencyRoutine, "no acute markers identified; scan can be scheduled within 24 hours"
}

// scoreAppropriateness matches the clinical text against the criteria
// table and maps the best matching score to an ordinal tier. When nothing
// matches, the tier is withheld (nil) rather than scored very_low.
func scoreAppropriateness(text string) (*string, string) {
	textWords := wordSet(text)

	bestScore := 0
	bestCriteria := ""
	for _, c := range appropriatenessCriteria {
		criteriaWords := strings.Fields(c.criteria)
		required := len(criteriaWords)
		if required > 2 {
			required = 2
		}

		overlap := 0
		for _, w := range criteriaWords {
			if textWords[w] {
				overlap++
			}
		}
		if overlap >= required && c.score > bestScore {
			bestScore = c.score
			bestCriteria = c.criteria
		}
	}

	if bestScore == 0 {
		return nil, "no appropriateness criteria matched; tier withheld pending review"
	}

	var tier string
	switch {
	case bestScore >= 7:
		tier = AppropriatenessVeryHigh
	case bestScore >= 6:
		tier = AppropriatenessHigh
	case bestScore >= 4:
		tier = AppropriatenessModerate
	case bestScore >= 2:
		tier = AppropriatenessLow
	default:
		tier = AppropriatenessVeryLow
	}
	return &tier, fmt.Sprintf("score %d/9, matched criteria: %s", bestScore, bestCriteria)
}

func buildRecommendations(urgency string, appropriateness *string, text string) []string {
	var recs []string

	switch urgency {
	case UrgencyImmediate:
		recs = append(recs,
			"Order scan as STAT - immediate priority",
			"Notify radiology immediately",
			"Ensure IV access for potential contrast",
		)
	case UrgencyUrgent:
		recs = append(recs,
			"Order scan as urgent - within 1 hour",
			"Notify radiology of urgent priority",
			"Prepare patient for scan",
		)
	default:
		recs = append(recs,
			"Order scan as routine",
			"Schedule based on scanner availability",
		)
	}

	if appropriateness != nil && (*appropriateness == AppropriatenessLow || *appropriateness == AppropriatenessVeryLow) {
		recs = append(recs,
			"Consider clinical consultation before proceeding",
			"CT may have limited diagnostic value for this indication",
		)
	}

	if strings.Contains(text, "stroke") {
		recs = append(recs,
			"NIH Stroke Scale assessment required",
			"Determine last known well time",
			"Check eligibility for thrombolysis",
		)
	}
	if strings.Contains(text, "trauma") {
		recs = append(recs,
			"Assess for other injuries",
			"Monitor Glasgow Coma Scale",
		)
	}
	if strings.Contains(text, "seizure") {
		recs = append(recs,
			"Check anticonvulsant levels if applicable",
			"Assess for status epilepticus",
		)
	}

	return recs
}

// GCSResult breaks down a component-level Glasgow Coma Scale assessment.
type GCSResult struct {
	Total          int    `json:"total_score"`
	Eye            int    `json:"eye"`
	Verbal         int    `json:"verbal"`
	Motor          int    `json:"motor"`
	Severity       string `json:"severity"`
	Interpretation string `json:"interpretation"`
}

// GCSSeverity computes a total GCS from its components and grades the
// severity: total >= 13 mild, >= 9 moderate, below that severe.
func GCSSeverity(eye, verbal, motor int) (*GCSResult, error) {
	if eye < 1 || eye > 4 {
		return nil, fmt.Errorf("eye response must be between 1 and 4, got %d", eye)
	}
	if verbal < 1 || verbal > 5 {
		return nil, fmt.Errorf("verbal response must be between 1 and 5, got %d", verbal)
	}
	if motor < 1 || motor > 6 {
		return nil, fmt.Errorf("motor response must be between 1 and 6, got %d", motor)
	}

	total := eye + verbal + motor

	severity := "severe"
	switch {
	case total >= 13:
		severity = "mild"
	case total >= 9:
		severity = "moderate"
	}

	interpretation := "Severe brain injury (coma)"
	switch {
	case total >= 15:
		interpretation = "Normal consciousness"
	case total >= 13:
		interpretation = "Minor brain injury"
	case total >= 9:
		interpretation = "Moderate brain injury"
	}

	return &GCSResult{
		Total:          total,
		Eye:            eye,
		Verbal:         verbal,
		Motor:          motor,
		Severity:       severity,
		Interpretation: interpretation,
	}, nil
}

// normalizeClinicalText lowercases free text and strips punctuation that
// would break keyword matching.
func normalizeClinicalText(s string) string {
	s = strings.ToLower(s)
	replacer := strings.NewReplacer(",", " ", ".", " ", ";", " ", "/", " ", "(", " ", ")", " ")
	return replacer.Replace(s)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(s) {
		set[w] = true
	}
	return set
}
