// Package evaluator turns (criterion, document context) pairs into structured
// verdicts by calling the external reasoning service. The service is treated
// as unreliable: transport failures are retried with exponential backoff and
// malformed output degrades to a failing verdict instead of raising.
package evaluator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/veridoc/veridoc/internal/models"
)

const systemPrompt = `You are a compliance reviewer validating uploaded documents against explicit criteria. Judge strictly from the provided document text; never assume facts that are not in it.

RULES:
1. A criterion passes only when the document text explicitly satisfies it.
2. Cite the page number and section heading your judgement rests on whenever possible.
3. When the document is silent or ambiguous, fail the criterion and say why.

RESPONSE FORMAT:
Respond ONLY with valid JSON matching the requested schema. Do not include any other text or explanation.`

// Evaluator drives the reasoning service for single and batched evaluations.
type Evaluator struct {
	client  CompletionClient
	backoff Backoff
	logger  *log.Logger
	now     func() time.Time
	onRetry func()
}

// OnRetry registers a callback fired once per transient retry, for metrics.
func (e *Evaluator) OnRetry(fn func()) {
	e.onRetry = fn
}

func New(client CompletionClient, backoff Backoff, logger *log.Logger) *Evaluator {
	if logger == nil {
		logger = log.New(log.Writer(), "[EVAL] ", log.LstdFlags)
	}
	return &Evaluator{client: client, backoff: backoff, logger: logger, now: time.Now}
}

// Evaluate runs one criterion against one document's context. The candidate
// evidence narrows the model's attention but the full document context is
// always included as fallback, so a weak candidate cannot hide evidence.
func (e *Evaluator) Evaluate(ctx context.Context, criterion models.Criterion, docContext string, candidate *models.EvidenceReference) (Outcome, error) {
	user := singlePrompt(criterion, docContext, candidate)
	body, err := e.complete(ctx, user)
	if err != nil {
		return Outcome{}, err
	}
	return parseSingle(body), nil
}

// EvaluateBatch combines several criteria for the same document into one
// request. Each element of the response degrades independently.
func (e *Evaluator) EvaluateBatch(ctx context.Context, criteria []models.Criterion, docContext string, candidates map[string]*models.EvidenceReference) (map[string]Outcome, error) {
	if len(criteria) == 1 {
		out, err := e.Evaluate(ctx, criteria[0], docContext, candidates[criteria[0].ID])
		if err != nil {
			return nil, err
		}
		out.Verdict.CriterionID = criteria[0].ID
		return map[string]Outcome{criteria[0].ID: out}, nil
	}

	user := batchPrompt(criteria, docContext, candidates)
	body, err := e.complete(ctx, user)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(criteria))
	for i, c := range criteria {
		ids[i] = c.ID
	}
	return parseBatch(body, ids), nil
}

// complete calls the reasoning service, retrying transient transport failures
// until the backoff policy is exhausted, then surfaces ErrEvaluationUnavailable.
func (e *Evaluator) complete(ctx context.Context, user string) (string, error) {
	state := RetryState{}
	for {
		body, err := e.client.Complete(ctx, systemPrompt, user)
		if err == nil {
			return body, nil
		}
		if !Transient(err) {
			return "", err
		}
		state = state.Advance(e.backoff, e.now())
		if state.Exhausted(e.backoff) {
			return "", fmt.Errorf("%w: %v (after %d attempts)", ErrEvaluationUnavailable, err, state.Attempt)
		}
		if e.onRetry != nil {
			e.onRetry()
		}
		e.logger.Printf("transient reasoning failure (attempt %d, retrying in %s): %v", state.Attempt, state.Delay, err)
		if serr := sleepUntil(ctx, state, e.now()); serr != nil {
			return "", fmt.Errorf("%w: %v", ErrEvaluationUnavailable, serr)
		}
	}
}

func singlePrompt(criterion models.Criterion, docContext string, candidate *models.EvidenceReference) string {
	var b strings.Builder
	b.WriteString("CRITERION:\n")
	fmt.Fprintf(&b, "Name: %q\nDescription: %q\n", criterion.Name, criterion.Description)
	if criterion.Example != "" {
		fmt.Fprintf(&b, "Example of satisfying text: %q\n", criterion.Example)
	}
	writeCandidate(&b, candidate)
	b.WriteString("\nDOCUMENT TEXT:\n")
	b.WriteString(docContext)
	b.WriteString(`

Respond with JSON:
{"pass": bool, "confidence_hint": "high"|"medium"|"low", "evidence_page": int or null, "evidence_section": string or null, "reasoning": string}`)
	return b.String()
}

func batchPrompt(criteria []models.Criterion, docContext string, candidates map[string]*models.EvidenceReference) string {
	var b strings.Builder
	b.WriteString("CRITERIA:\n")
	for _, c := range criteria {
		fmt.Fprintf(&b, "- criterion_id: %q\n  Name: %q\n  Description: %q\n", c.ID, c.Name, c.Description)
		if c.Example != "" {
			fmt.Fprintf(&b, "  Example of satisfying text: %q\n", c.Example)
		}
		if cand := candidates[c.ID]; cand != nil {
			fmt.Fprintf(&b, "  Likely relevant span (page %d, %q): %q\n", cand.Page, cand.Section, cand.Snippet)
		}
	}
	b.WriteString("\nDOCUMENT TEXT:\n")
	b.WriteString(docContext)
	b.WriteString(`

Respond with JSON holding one element per criterion:
{"results": [{"criterion_id": string, "pass": bool, "confidence_hint": "high"|"medium"|"low", "evidence_page": int or null, "evidence_section": string or null, "reasoning": string}]}`)
	return b.String()
}

func writeCandidate(b *strings.Builder, candidate *models.EvidenceReference) {
	if candidate == nil {
		b.WriteString("\nNo candidate span was pre-located; search the full document text.\n")
		return
	}
	fmt.Fprintf(b, "\nLikely relevant span (page %d, section %q):\n%q\n", candidate.Page, candidate.Section, candidate.Snippet)
}
