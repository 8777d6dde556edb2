// Package assess coordinates the validation pipeline: one assessment run
// fans out into per-criterion evaluation tasks over a bounded worker pool,
// tolerates partial failure, and aggregates verdicts into immutable results.
package assess

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veridoc/veridoc/internal/confidence"
	"github.com/veridoc/veridoc/internal/docstore"
	"github.com/veridoc/veridoc/internal/evaluator"
	"github.com/veridoc/veridoc/internal/evidence"
	"github.com/veridoc/veridoc/internal/extract"
	"github.com/veridoc/veridoc/internal/models"
	"github.com/veridoc/veridoc/internal/telemetry"
)

var (
	// ErrRunPrecondition marks run-level failures detected before any task begins.
	ErrRunPrecondition = errors.New("run precondition failed")
	// ErrNotReady means results were requested while the run is still in flight.
	ErrNotReady = errors.New("assessment results not ready")
	// ErrRunNotFound means no run exists under the given identifier.
	ErrRunNotFound = errors.New("assessment run not found")
)

// ReasonNoApplicableDocument is recorded when a criterion had no document to
// judge; the criterion fails closed rather than being silently skipped.
const ReasonNoApplicableDocument = "no document provided for this criterion"

// WorkflowSource supplies the read-only workflow snapshot at run start.
type WorkflowSource interface {
	GetWorkflow(ctx context.Context, workflowID string) (models.Workflow, error)
}

// ResultStore is the append-only persistence the orchestrator writes through.
// Results are written one at a time so partial progress survives a crash.
type ResultStore interface {
	CreateRun(ctx context.Context, run models.AssessmentRun) error
	MarkRunRunning(ctx context.Context, runID string, totalCount int) error
	InsertCriterionResult(ctx context.Context, result models.CriterionResult) error
	FinishRun(ctx context.Context, runID string, status models.RunStatus, overallPass bool, message string) error
	GetRun(ctx context.Context, runID string) (models.AssessmentRun, error)
	GetRunStatus(ctx context.Context, runID string) (models.RunStatus, int, int, error)
}

// Config tunes the orchestrator.
type Config struct {
	Workers          int
	TaskBudget       time.Duration
	MinEvidenceScore float64
	SnippetMaxChars  int
	BatchCriteria    bool
}

func (c Config) normalized() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.TaskBudget <= 0 {
		c.TaskBudget = 3 * time.Minute
	}
	return c
}

// Orchestrator runs assessments.
type Orchestrator struct {
	cfg       Config
	logger    *log.Logger
	metrics   *telemetry.Metrics
	workflows WorkflowSource
	results   ResultStore
	prep      *preparer
	locator   *evidence.Locator
	eval      *evaluator.Evaluator

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	done    sync.WaitGroup
}

// NewOrchestrator wires the pipeline. The extraction cache is passed in
// explicitly; it is the only mutable state shared between evaluation tasks.
func NewOrchestrator(cfg Config, logger *log.Logger, metrics *telemetry.Metrics, workflows WorkflowSource, results ResultStore, documents docstore.Store, cache extract.Cache, eval *evaluator.Evaluator) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	if metrics == nil {
		metrics = telemetry.New(nil)
	}
	cfg = cfg.normalized()
	if eval != nil {
		eval.OnRetry(metrics.EvaluatorRetries.Inc)
	}
	return &Orchestrator{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		workflows: workflows,
		results:   results,
		prep:      newPreparer(documents, extract.New(), cache),
		locator:   evidence.NewLocator(cfg.MinEvidenceScore, cfg.SnippetMaxChars),
		eval:      eval,
	}
}

// StartAssessment validates run preconditions, persists a pending run and
// kicks off asynchronous processing. The returned run id can be polled
// immediately.
func (o *Orchestrator) StartAssessment(ctx context.Context, workflowID string, assignments []models.DocumentAssignment) (string, error) {
	wf, err := o.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", fmt.Errorf("%w: workflow %s: %v", ErrRunPrecondition, workflowID, err)
	}
	if len(wf.Criteria) == 0 {
		return "", fmt.Errorf("%w: workflow %s has zero criteria", ErrRunPrecondition, workflowID)
	}
	if len(assignments) == 0 {
		return "", fmt.Errorf("%w: no documents assigned", ErrRunPrecondition)
	}
	buckets := make(map[string]bool, len(wf.Buckets))
	for _, b := range wf.Buckets {
		buckets[b.ID] = true
	}
	for _, a := range assignments {
		if !buckets[a.BucketID] {
			return "", fmt.Errorf("%w: unknown bucket %s", ErrRunPrecondition, a.BucketID)
		}
	}
	return o.launch(ctx, wf, assignments, nil)
}

// Rerun starts a scoped re-run of a finished run with one document replaced.
// Only criteria whose bucket set intersects the replaced document's bucket
// are re-evaluated; every other result is carried forward as an explicit copy.
func (o *Orchestrator) Rerun(ctx context.Context, prevRunID, replacedDocumentID, newDocumentID string) (string, error) {
	prev, err := o.results.GetRun(ctx, prevRunID)
	if err != nil {
		return "", err
	}
	if !prev.Status.Terminal() {
		return "", fmt.Errorf("%w: run %s is still %s", ErrRunPrecondition, prevRunID, prev.Status)
	}
	wf, err := o.workflows.GetWorkflow(ctx, prev.WorkflowID)
	if err != nil {
		return "", fmt.Errorf("%w: workflow %s: %v", ErrRunPrecondition, prev.WorkflowID, err)
	}

	replacedBucket := ""
	assignments := make([]models.DocumentAssignment, 0, len(prev.Assignments))
	for _, a := range prev.Assignments {
		if a.DocumentID == replacedDocumentID {
			replacedBucket = a.BucketID
			a.DocumentID = newDocumentID
		}
		assignments = append(assignments, a)
	}
	if replacedBucket == "" {
		return "", fmt.Errorf("%w: document %s was not part of run %s", ErrRunPrecondition, replacedDocumentID, prevRunID)
	}

	var carried []models.CriterionResult
	affected := make(map[string]bool)
	for _, c := range wf.Criteria {
		if c.AppliesTo(replacedBucket) {
			affected[c.ID] = true
		}
	}
	for _, r := range prev.Results {
		if !affected[r.CriterionID] {
			carried = append(carried, r)
		}
	}
	return o.launch(ctx, wf, assignments, carried)
}

func (o *Orchestrator) launch(ctx context.Context, wf models.Workflow, assignments []models.DocumentAssignment, carried []models.CriterionResult) (string, error) {
	run := models.AssessmentRun{
		ID:          uuid.NewString(),
		WorkflowID:  wf.ID,
		Status:      models.RunPending,
		Assignments: assignments,
		TotalCount:  len(wf.Criteria),
		StartedAt:   time.Now().UTC(),
	}
	if err := o.results.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("persisting run: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.mu.Lock()
	if o.cancels == nil {
		o.cancels = make(map[string]context.CancelFunc)
	}
	o.cancels[run.ID] = cancel
	o.mu.Unlock()

	o.metrics.RunsStarted.Inc()
	o.done.Add(1)
	go func() {
		defer o.done.Done()
		defer func() {
			o.mu.Lock()
			delete(o.cancels, run.ID)
			o.mu.Unlock()
			cancel()
		}()
		o.execute(runCtx, run, wf, assignments, carried)
	}()
	return run.ID, nil
}

// Cancel stops scheduling new tasks for a run; in-flight evaluations are
// allowed to finish and their results are kept.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.Lock()
	cancel, ok := o.cancels[runID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s (not running)", ErrRunNotFound, runID)
	}
	cancel()
	return nil
}

// Wait blocks until all in-flight runs finish; used on shutdown and in tests.
func (o *Orchestrator) Wait() {
	o.done.Wait()
}

// Status reports the persisted progress counters for polling.
func (o *Orchestrator) Status(ctx context.Context, runID string) (models.RunStatus, int, int, error) {
	return o.results.GetRunStatus(ctx, runID)
}

// Results returns the finished run with all criterion results, or ErrNotReady
// while the run is still in flight.
func (o *Orchestrator) Results(ctx context.Context, runID string) (models.AssessmentRun, error) {
	run, err := o.results.GetRun(ctx, runID)
	if err != nil {
		return models.AssessmentRun{}, err
	}
	if !run.Status.Terminal() {
		return models.AssessmentRun{}, fmt.Errorf("%w: run %s is %s", ErrNotReady, runID, run.Status)
	}
	return run, nil
}

// job is one worker-pool unit: one or more criteria judged against one document.
type job struct {
	doc      *preparedDocument
	criteria []models.Criterion
}

// taskResult is a single (criterion, document) verdict flowing back to the collector.
type taskResult struct {
	criterionID string
	verdict     docVerdict
}

type docVerdict struct {
	documentID string
	outcome    evaluator.Outcome
	candidate  *models.EvidenceReference
	err        error
}

// criterionState aggregates per-document verdicts for one criterion. The
// collector tolerates any completion order: "first discovered" is arrival order.
type criterionState struct {
	criterion models.Criterion
	remaining int
	firstFail *docVerdict
	firstPass *docVerdict
	termErr   error
}

func (o *Orchestrator) execute(ctx context.Context, run models.AssessmentRun, wf models.Workflow, assignments []models.DocumentAssignment, carried []models.CriterionResult) {
	persistCtx := context.WithoutCancel(ctx)
	if err := o.results.MarkRunRunning(persistCtx, run.ID, len(wf.Criteria)); err != nil {
		o.logger.Printf("run %s: mark running failed: %v", run.ID, err)
	}
	o.logger.Printf("run %s: starting (%d criteria, %d documents)", run.ID, len(wf.Criteria), len(assignments))

	prepared, docErrs := o.prep.prepareAll(ctx, uniqueDocumentIDs(assignments), o.cfg.Workers, func(hit bool) {
		if hit {
			o.metrics.CacheHits.Inc()
		} else {
			o.metrics.CacheMisses.Inc()
		}
	})
	defer func() {
		for _, d := range prepared {
			d.close()
		}
	}()
	for id, err := range docErrs {
		o.logger.Printf("run %s: document %s unusable: %v", run.ID, id, err)
	}
	if ctx.Err() != nil {
		o.finish(persistCtx, run.ID, wf, nil, models.RunCancelled, "")
		return
	}
	if len(prepared) == 0 {
		o.finish(persistCtx, run.ID, wf, nil, models.RunFailed, describeDocErrors(docErrs))
		return
	}

	var all []models.CriterionResult

	// carried results from a prior run are explicit copies, not references
	carriedIDs := make(map[string]bool, len(carried))
	for _, prior := range carried {
		copied := prior
		copied.ID = uuid.NewString()
		copied.RunID = run.ID
		if err := o.results.InsertCriterionResult(persistCtx, copied); err != nil {
			o.logger.Printf("run %s: carrying result for %s failed: %v", run.ID, copied.CriterionID, err)
			continue
		}
		carriedIDs[copied.CriterionID] = true
		all = append(all, copied)
	}

	// resolve applicable documents per criterion; criteria with nothing to
	// judge resolve immediately and fail closed
	states := make(map[string]*criterionState)
	docsFor := make(map[string][]*preparedDocument)
	var jobsNeeded []models.Criterion
	for _, criterion := range wf.Criteria {
		if carriedIDs[criterion.ID] {
			continue
		}
		var docs []*preparedDocument
		assigned := false
		for _, a := range assignments {
			if !criterion.AppliesTo(a.BucketID) {
				continue
			}
			assigned = true
			if d, ok := prepared[a.DocumentID]; ok {
				docs = append(docs, d)
			}
		}
		switch {
		case len(docs) > 0:
			states[criterion.ID] = &criterionState{criterion: criterion, remaining: len(docs)}
			docsFor[criterion.ID] = docs
			jobsNeeded = append(jobsNeeded, criterion)
		case assigned:
			// documents existed but none survived extraction
			res := o.unresolvedResult(run.ID, criterion, fmt.Errorf("%s", describeDocErrors(docErrs)))
			o.persistResult(persistCtx, &all, res)
		default:
			res := o.noDocumentResult(run.ID, criterion)
			o.persistResult(persistCtx, &all, res)
		}
	}

	jobs := buildJobs(jobsNeeded, docsFor, o.cfg.BatchCriteria)
	results := o.runPool(ctx, jobs)

	cancelled := false
	for tr := range results {
		state, ok := states[tr.criterionID]
		if !ok {
			continue
		}
		state.absorb(tr.verdict)
		if state.remaining == 0 {
			res := o.finalizeCriterion(run.ID, state)
			o.persistResult(persistCtx, &all, res)
			delete(states, tr.criterionID)
		}
	}
	if ctx.Err() != nil && len(states) > 0 {
		cancelled = true
	}

	status := models.RunCompleted
	switch {
	case cancelled:
		status = models.RunCancelled
	case anyUnresolved(all):
		status = models.RunPartiallyFailed
	}
	o.finish(persistCtx, run.ID, wf, all, status, "")
}

func (o *Orchestrator) finish(ctx context.Context, runID string, wf models.Workflow, results []models.CriterionResult, status models.RunStatus, message string) {
	overall := status == models.RunCompleted && models.OverallPass(wf.Criteria, results)
	if err := o.results.FinishRun(ctx, runID, status, overall, message); err != nil {
		o.logger.Printf("run %s: finish failed: %v", runID, err)
	}
	o.metrics.RunsFinished.WithLabelValues(string(status)).Inc()
	o.logger.Printf("run %s: %s (%d results, overall_pass=%t)", runID, status, len(results), overall)
}

func (o *Orchestrator) persistResult(ctx context.Context, all *[]models.CriterionResult, res models.CriterionResult) {
	if err := o.results.InsertCriterionResult(ctx, res); err != nil {
		o.logger.Printf("run %s: persisting result for %s failed: %v", res.RunID, res.CriterionID, err)
	}
	if res.Error == "" {
		o.metrics.TasksCompleted.Inc()
	} else {
		o.metrics.TasksFailed.Inc()
	}
	*all = append(*all, res)
}

// runPool executes jobs on a fixed-size worker pool. No new jobs are handed
// out once ctx is cancelled, but a job already picked up runs to completion
// on a detached, budget-bound context.
func (o *Orchestrator) runPool(ctx context.Context, jobs []job) <-chan taskResult {
	jobCh := make(chan job)
	resultCh := make(chan taskResult, poolCapacity(jobs))

	go func() {
		defer close(jobCh)
		for _, j := range jobs {
			select {
			case <-ctx.Done():
				return
			case jobCh <- j:
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobCh {
				start := time.Now()
				for _, tr := range o.runJob(ctx, j) {
					resultCh <- tr
				}
				o.metrics.TaskDuration.Observe(time.Since(start).Seconds())
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()
	return resultCh
}

// runJob evaluates a job's criteria against its document. The hard wall-clock
// budget covers evidence location, the external call and all its retries.
func (o *Orchestrator) runJob(ctx context.Context, j job) []taskResult {
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.TaskBudget)
	defer cancel()

	candidates := make(map[string]*models.EvidenceReference, len(j.criteria))
	for _, c := range j.criteria {
		cand, err := o.locator.Locate(c, j.doc.Index)
		if err != nil {
			o.logger.Printf("evidence search failed for criterion %s in %s: %v", c.ID, j.doc.ID, err)
		}
		candidates[c.ID] = cand
	}

	outcomes, err := o.eval.EvaluateBatch(taskCtx, j.criteria, j.doc.Text, candidates)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: task budget exceeded", evaluator.ErrEvaluationUnavailable)
		}
		out := make([]taskResult, 0, len(j.criteria))
		for _, c := range j.criteria {
			out = append(out, taskResult{criterionID: c.ID, verdict: docVerdict{documentID: j.doc.ID, err: err}})
		}
		return out
	}

	out := make([]taskResult, 0, len(j.criteria))
	for _, c := range j.criteria {
		out = append(out, taskResult{
			criterionID: c.ID,
			verdict: docVerdict{
				documentID: j.doc.ID,
				outcome:    outcomes[c.ID],
				candidate:  candidates[c.ID],
			},
		})
	}
	return out
}

func (s *criterionState) absorb(v docVerdict) {
	s.remaining--
	switch {
	case v.err != nil:
		if s.termErr == nil {
			s.termErr = v.err
		}
	case !v.outcome.Verdict.Pass:
		if s.firstFail == nil {
			vv := v
			s.firstFail = &vv
		}
	default:
		if s.firstPass == nil {
			vv := v
			s.firstPass = &vv
		}
	}
}

// finalizeCriterion applies the aggregation rule: any failing document fails
// the criterion citing the first discovered failing evidence; otherwise a
// terminal error leaves the criterion unresolved; otherwise it passes.
func (o *Orchestrator) finalizeCriterion(runID string, s *criterionState) models.CriterionResult {
	switch {
	case s.firstFail != nil:
		return o.verdictResult(runID, s.criterion, *s.firstFail)
	case s.termErr != nil:
		return o.unresolvedResult(runID, s.criterion, s.termErr)
	case s.firstPass != nil:
		return o.verdictResult(runID, s.criterion, *s.firstPass)
	default:
		return o.noDocumentResult(runID, s.criterion)
	}
}

func (o *Orchestrator) verdictResult(runID string, criterion models.Criterion, v docVerdict) models.CriterionResult {
	verdict := v.outcome.Verdict
	evidenceRef := v.candidate
	if evidenceRef == nil && verdict.EvidencePage != nil {
		evidenceRef = &models.EvidenceReference{
			DocumentID: v.documentID,
			Page:       *verdict.EvidencePage,
			Section:    verdict.EvidenceSection,
		}
	}
	// a passing verdict is expected to cite a page; a fail for missing
	// content naturally has nothing to point at
	grade := confidence.Classify(verdict, verdict.Pass)
	return models.CriterionResult{
		ID:            uuid.NewString(),
		RunID:         runID,
		CriterionID:   criterion.ID,
		CriterionText: criterion.Description,
		Passed:        verdict.Pass,
		Confidence:    grade,
		Evidence:      evidenceRef,
		Reasoning:     verdict.Reasoning,
		RawResponse:   v.outcome.Raw,
		CreatedAt:     time.Now().UTC(),
	}
}

func (o *Orchestrator) unresolvedResult(runID string, criterion models.Criterion, cause error) models.CriterionResult {
	return models.CriterionResult{
		ID:            uuid.NewString(),
		RunID:         runID,
		CriterionID:   criterion.ID,
		CriterionText: criterion.Description,
		Passed:        false,
		Confidence:    models.ConfidenceLow,
		Reasoning:     cause.Error(),
		Error:         cause.Error(),
		CreatedAt:     time.Now().UTC(),
	}
}

func (o *Orchestrator) noDocumentResult(runID string, criterion models.Criterion) models.CriterionResult {
	return models.CriterionResult{
		ID:            uuid.NewString(),
		RunID:         runID,
		CriterionID:   criterion.ID,
		CriterionText: criterion.Description,
		Passed:        false,
		Confidence:    models.ConfidenceHigh,
		Reasoning:     ReasonNoApplicableDocument,
		CreatedAt:     time.Now().UTC(),
	}
}

// buildJobs groups tasks for the pool. With batching on, all of a document's
// criteria travel in one request; the response schema keys elements by
// criterion id so a malformed sibling cannot poison the batch.
func buildJobs(criteria []models.Criterion, docsFor map[string][]*preparedDocument, batch bool) []job {
	if !batch {
		var jobs []job
		for _, c := range criteria {
			for _, d := range docsFor[c.ID] {
				jobs = append(jobs, job{doc: d, criteria: []models.Criterion{c}})
			}
		}
		return jobs
	}
	byDoc := make(map[*preparedDocument][]models.Criterion)
	var order []*preparedDocument
	for _, c := range criteria {
		for _, d := range docsFor[c.ID] {
			if _, ok := byDoc[d]; !ok {
				order = append(order, d)
			}
			byDoc[d] = append(byDoc[d], c)
		}
	}
	jobs := make([]job, 0, len(order))
	for _, d := range order {
		jobs = append(jobs, job{doc: d, criteria: byDoc[d]})
	}
	return jobs
}

func poolCapacity(jobs []job) int {
	n := 0
	for _, j := range jobs {
		n += len(j.criteria)
	}
	if n == 0 {
		n = 1
	}
	return n
}

func anyUnresolved(results []models.CriterionResult) bool {
	for _, r := range results {
		if r.Error != "" {
			return true
		}
	}
	return false
}

func describeDocErrors(errs map[string]error) string {
	if len(errs) == 0 {
		return "no readable documents in the assignment set"
	}
	ids := make([]string, 0, len(errs))
	for id := range errs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, errs[id]))
	}
	return "document extraction failed: " + strings.Join(parts, "; ")
}
