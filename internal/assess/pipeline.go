package assess

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/veridoc/veridoc/internal/docstore"
	"github.com/veridoc/veridoc/internal/evidence"
	"github.com/veridoc/veridoc/internal/extract"
	"github.com/veridoc/veridoc/internal/models"
	"github.com/veridoc/veridoc/internal/section"
)

// preparedDocument is the cached, indexed view of one document that all
// evaluation tasks for that document share read-only.
type preparedDocument struct {
	ID       string
	Pages    []models.ExtractedPage
	Text     string
	Sections section.Index
	Index    *evidence.DocumentIndex
}

func (d *preparedDocument) close() {
	if d != nil && d.Index != nil {
		_ = d.Index.Close()
	}
}

// preparer runs fetch → extract → section-index → evidence-index once per
// document. Concurrent requests for the same document coalesce onto a single
// in-flight extraction; the cache persists pages across runs.
type preparer struct {
	documents docstore.Store
	extractor *extract.Extractor
	cache     extract.Cache
	flight    singleflight.Group
}

func newPreparer(documents docstore.Store, extractor *extract.Extractor, cache extract.Cache) *preparer {
	return &preparer{documents: documents, extractor: extractor, cache: cache}
}

// pages returns the extraction output for a document, hitting the cache first.
func (p *preparer) pages(ctx context.Context, documentID string) ([]models.ExtractedPage, bool, error) {
	version := p.extractor.Version()
	if cached, ok, err := p.cache.Get(ctx, documentID, version); err == nil && ok {
		return cached, true, nil
	}
	v, err, _ := p.flight.Do(documentID, func() (interface{}, error) {
		// re-check under the flight lock; a concurrent caller may have filled it
		if cached, ok, err := p.cache.Get(ctx, documentID, version); err == nil && ok {
			return cached, nil
		}
		blob, err := p.documents.Fetch(ctx, documentID)
		if err != nil {
			return nil, err
		}
		pages, err := p.extractor.Extract(ctx, blob)
		if err != nil {
			return nil, err
		}
		if err := p.cache.Set(ctx, documentID, version, pages); err != nil {
			// cache failures degrade to re-extraction, never to a run failure
			return pages, nil
		}
		return pages, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]models.ExtractedPage), false, nil
}

// prepare builds the full indexed view for one document.
func (p *preparer) prepare(ctx context.Context, documentID string) (*preparedDocument, bool, error) {
	pages, cacheHit, err := p.pages(ctx, documentID)
	if err != nil {
		return nil, cacheHit, err
	}
	sections := section.Build(pages)
	idx, err := evidence.NewDocumentIndex(documentID, pages, sections)
	if err != nil {
		return nil, cacheHit, fmt.Errorf("indexing document %s: %w", documentID, err)
	}
	return &preparedDocument{
		ID:       documentID,
		Pages:    pages,
		Text:     extract.Concat(pages),
		Sections: sections,
		Index:    idx,
	}, cacheHit, nil
}

// prepareAll prepares every unique document in parallel with bounded
// concurrency. Per-document failures are isolated into the errs map; only a
// context cancellation aborts the group.
func (p *preparer) prepareAll(ctx context.Context, documentIDs []string, parallelism int, onCache func(hit bool)) (map[string]*preparedDocument, map[string]error) {
	prepared := make(map[string]*preparedDocument, len(documentIDs))
	errs := make(map[string]error)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	results := make(chan func(), len(documentIDs))

	for _, id := range documentIDs {
		id := id
		g.Go(func() error {
			doc, hit, err := p.prepare(gctx, id)
			results <- func() {
				if onCache != nil && err == nil {
					onCache(hit)
				}
				if err != nil {
					errs[id] = err
					return
				}
				prepared[id] = doc
			}
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	for apply := range results {
		apply()
	}
	return prepared, errs
}

func uniqueDocumentIDs(assignments []models.DocumentAssignment) []string {
	seen := make(map[string]struct{}, len(assignments))
	var out []string
	for _, a := range assignments {
		if _, ok := seen[a.DocumentID]; ok {
			continue
		}
		seen[a.DocumentID] = struct{}{}
		out = append(out, a.DocumentID)
	}
	return out
}
