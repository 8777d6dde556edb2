// Package confidence grades evaluator verdicts. The classifier is
// deterministic and local: it starts from the evaluator's own hint and only
// ever downgrades, so a local heuristic can never report more confidence
// than the source claimed.
package confidence

import (
	"strings"

	"github.com/veridoc/veridoc/internal/evaluator"
	"github.com/veridoc/veridoc/internal/models"
)

// hedging markers in reasoning text that warrant one downgrade step.
var hedgeMarkers = []string{
	"unclear",
	"appears to",
	"cannot confirm",
	"ambiguous",
	"seems to",
	"possibly",
	"not certain",
}

// Classify maps a raw verdict to the final confidence grade.
// requireEvidence marks criteria expected to cite an explicit span; for those
// a verdict without an evidence page drops a step.
func Classify(v evaluator.RawVerdict, requireEvidence bool) models.Confidence {
	grade := v.ConfidenceHint
	if grade.Rank() == 0 {
		grade = models.ConfidenceLow
	}
	if hasHedging(v.Reasoning) {
		grade = downgrade(grade)
	}
	if requireEvidence && v.EvidencePage == nil {
		grade = downgrade(grade)
	}
	return grade
}

func hasHedging(reasoning string) bool {
	lower := strings.ToLower(reasoning)
	for _, marker := range hedgeMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func downgrade(c models.Confidence) models.Confidence {
	switch c {
	case models.ConfidenceHigh:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}
