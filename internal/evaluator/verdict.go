package evaluator

import (
	"encoding/json"
	"strings"

	"github.com/veridoc/veridoc/internal/models"
)

// UnparseableReasoning is recorded whenever the reasoning service returned
// something that does not match the response schema.
const UnparseableReasoning = "unparseable response"

// RawVerdict is the structured record the reasoning service is asked to
// produce per criterion.
type RawVerdict struct {
	CriterionID     string            `json:"criterion_id,omitempty"`
	Pass            bool              `json:"pass"`
	ConfidenceHint  models.Confidence `json:"confidence_hint"`
	EvidencePage    *int              `json:"evidence_page"`
	EvidenceSection string            `json:"evidence_section"`
	Reasoning       string            `json:"reasoning"`
}

// Outcome is the tagged result of parsing evaluator output: either a valid
// verdict or a malformed marker. Malformed output degrades to a failing,
// low-confidence verdict; it must never resolve to an optimistic pass.
type Outcome struct {
	Verdict   RawVerdict
	Malformed bool
	Raw       json.RawMessage
}

func malformedOutcome(raw []byte) Outcome {
	return Outcome{
		Verdict: RawVerdict{
			Pass:           false,
			ConfidenceHint: models.ConfidenceLow,
			Reasoning:      UnparseableReasoning,
		},
		Malformed: true,
		Raw:       raw,
	}
}

// parseSingle validates a single-verdict response body.
func parseSingle(body string) Outcome {
	raw := json.RawMessage(stripFences(body))
	var v RawVerdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return malformedOutcome(raw)
	}
	if !validHint(v.ConfidenceHint) {
		return malformedOutcome(raw)
	}
	if strings.TrimSpace(v.Reasoning) == "" {
		return malformedOutcome(raw)
	}
	return Outcome{Verdict: v, Raw: raw}
}

// parseBatch validates a batch response keyed by criterion identifier.
// A malformed element degrades only itself; siblings are unaffected, and a
// criterion absent from the response degrades too.
func parseBatch(body string, criterionIDs []string) map[string]Outcome {
	raw := json.RawMessage(stripFences(body))
	out := make(map[string]Outcome, len(criterionIDs))

	var envelope struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		for _, id := range criterionIDs {
			out[id] = malformedOutcome(raw)
		}
		return out
	}

	wanted := make(map[string]bool, len(criterionIDs))
	for _, id := range criterionIDs {
		wanted[id] = true
	}
	for _, element := range envelope.Results {
		var v RawVerdict
		if err := json.Unmarshal(element, &v); err != nil {
			continue // unkeyable element; the owning criterion degrades below
		}
		if !wanted[v.CriterionID] {
			continue
		}
		if !validHint(v.ConfidenceHint) || strings.TrimSpace(v.Reasoning) == "" {
			out[v.CriterionID] = malformedOutcome(element)
			continue
		}
		out[v.CriterionID] = Outcome{Verdict: v, Raw: element}
	}
	for _, id := range criterionIDs {
		if _, ok := out[id]; !ok {
			out[id] = malformedOutcome(raw)
		}
	}
	return out
}

func validHint(c models.Confidence) bool {
	switch c {
	case models.ConfidenceHigh, models.ConfidenceMedium, models.ConfidenceLow:
		return true
	}
	return false
}

// stripFences removes a markdown code fence some models wrap JSON in.
func stripFences(body string) string {
	s := strings.TrimSpace(body)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
