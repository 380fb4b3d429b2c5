// Package ingest normalizes raw captures into the canonical store, one
// watermark-bounded batch per domain at a time.
package ingest

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/assets"
	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/metrics"
	"github.com/JakeFAU/harvester/internal/normalize"
	"github.com/JakeFAU/harvester/internal/telemetry"
)

// Normalizer converts a raw post into its canonical form.
type Normalizer interface {
	Normalize(raw harvest.RawPost) (harvest.Post, error)
}

// AssetInspector reports metadata for a stored asset location.
type AssetInspector interface {
	Inspect(ctx context.Context, location string) (assets.Object, bool, error)
}

// Deps are the collaborators of a Pipeline. Embedder and Publisher may be nil.
type Deps struct {
	Raw        harvest.RawStore
	Canonical  harvest.CanonicalStore
	Cursor     *Cursor
	Normalizer Normalizer
	Assets     AssetInspector
	Embedder   harvest.Embedder
	Publisher  harvest.Publisher
	Clock      harvest.Clock
}

// RowError records why one raw row was not normalized.
type RowError struct {
	PostID    string    `json:"post_id"`
	ScrapedAt time.Time `json:"scraped_at"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error"`
}

// BatchResult summarizes one RunBatch call.
type BatchResult struct {
	Domain          string     `json:"domain"`
	Read            int        `json:"read"`
	Duplicates      int        `json:"duplicates"`
	Processed       int        `json:"processed"`
	Skipped         int        `json:"skipped"`
	Failed          int        `json:"failed"`
	PostMutations   int        `json:"post_mutations"`
	AssetMutations  int        `json:"asset_mutations"`
	AssetsMissing   int        `json:"assets_missing"`
	EmbeddingFailed bool       `json:"embedding_failed,omitempty"`
	Previous        time.Time  `json:"previous_watermark"`
	Watermark       time.Time  `json:"watermark"`
	Errors          []RowError `json:"errors,omitempty"`
}

// Pipeline runs normalization batches.
type Pipeline struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New builds a Pipeline.
func New(deps Deps, cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Cursor == nil {
		panic("ingest: cursor is required")
	}
	return &Pipeline{deps: deps, cfg: cfg.withDefaults(), logger: logger.Named("ingest")}
}

type pending struct {
	raw    harvest.RawPost
	post   harvest.Post
	failed bool
}

// RunBatch normalizes up to limit raw rows of domain newer than the
// watermark, then advances the watermark. A row whose post or assets cannot
// be read is recorded as failed and nothing of it is written. An upsert
// failure aborts the batch and leaves the watermark unchanged.
func (p *Pipeline) RunBatch(ctx context.Context, domain string, limit int) (BatchResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "ingest.batch")
	defer span.End()
	span.SetAttributes(attribute.String("domain", domain), attribute.Int("limit", limit))

	res, err := p.runBatch(ctx, domain, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	metrics.ObserveBatch(domain, res.Processed, res.Skipped, res.Failed, res.PostMutations, res.AssetMutations, res.Watermark)
	p.publish(ctx, res)
	return res, nil
}

func (p *Pipeline) runBatch(ctx context.Context, domain string, limit int) (BatchResult, error) {
	if limit <= 0 {
		limit = p.cfg.BatchLimit
	}
	res := BatchResult{Domain: domain}
	watermark, err := p.deps.Cursor.Read(ctx, domain)
	if err != nil {
		return res, err
	}
	res.Previous, res.Watermark = watermark, watermark

	rows, err := p.readRows(ctx, domain, watermark, limit)
	if err != nil {
		return res, err
	}
	res.Read = len(rows)
	if len(rows) == 0 {
		return res, nil
	}

	retained := collapse(rows)
	res.Duplicates = len(rows) - len(retained)

	now := p.deps.Clock.Now().UTC()
	items := make([]*pending, 0, len(retained))
	for _, raw := range retained {
		post, err := p.deps.Normalizer.Normalize(raw)
		if err != nil {
			res.Errors = append(res.Errors, rowError(raw, err))
			if harvest.Skippable(err) {
				res.Skipped++
				p.logger.Warn("raw post skipped",
					zap.String("domain", domain),
					zap.String("post_id", raw.PostID),
					zap.String("reason", harvest.Reason(err)),
					zap.Error(err))
				continue
			}
			res.Failed++
			items = append(items, &pending{raw: raw, failed: true})
			p.logger.Error("normalize failed", zap.String("domain", domain), zap.String("post_id", raw.PostID), zap.Error(err))
			continue
		}
		post.UpdatedAt = now
		items = append(items, &pending{raw: raw, post: post})
	}

	ok := slices.DeleteFunc(slices.Clone(items), func(it *pending) bool { return it.failed })
	res.EmbeddingFailed = !p.embed(ctx, domain, ok)

	rawAssets, err := p.latestAssets(ctx, domain, ok)
	if err != nil {
		return res, err
	}

	for _, it := range ok {
		canonical, missing, err := p.inspectAssets(ctx, rawAssets[it.raw.PostID], now)
		if err != nil {
			it.failed = true
			res.Failed++
			res.Errors = append(res.Errors, rowError(it.raw, err))
			p.logger.Warn("inspect asset failed", zap.String("domain", domain), zap.String("post_id", it.raw.PostID), zap.Error(err))
			continue
		}
		res.AssetsMissing += missing

		changed, err := p.deps.Canonical.UpsertPost(ctx, it.post)
		if err != nil {
			return res, fmt.Errorf("upsert post %s/%s: %w", domain, it.post.PostID, err)
		}
		if changed {
			res.PostMutations++
		}
		for _, asset := range canonical {
			changed, err := p.deps.Canonical.UpsertAsset(ctx, asset)
			if err != nil {
				return res, fmt.Errorf("upsert asset %s/%s: %w", domain, asset.URL, err)
			}
			if changed {
				res.AssetMutations++
			}
		}
		res.Processed++
	}

	next := advanceTo(rows, items, watermark)
	if next.After(watermark) {
		if err := p.deps.Cursor.Advance(ctx, domain, next); err != nil {
			return res, err
		}
		res.Watermark = next
	}

	p.logger.Info("batch processed",
		zap.String("domain", domain),
		zap.Int("read", res.Read),
		zap.Int("processed", res.Processed),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
		zap.Int("post_mutations", res.PostMutations),
		zap.Int("asset_mutations", res.AssetMutations),
		zap.Time("watermark", res.Watermark))
	return res, nil
}

// readRows returns the next rows after watermark. When more rows exist past
// the limit with the same scraped_at as the last row, that tied tail is held
// back so the watermark never passes rows that were not read. A batch made
// of a single scraped_at is re-read with a larger limit.
func (p *Pipeline) readRows(ctx context.Context, domain string, watermark time.Time, limit int) ([]harvest.RawPost, error) {
	for {
		rows, err := p.deps.Raw.RawPostsAfter(ctx, domain, watermark, limit+1)
		if err != nil {
			return nil, fmt.Errorf("read raw posts %s: %w", domain, err)
		}
		if len(rows) <= limit {
			return rows, nil
		}
		batch := rows[:limit]
		last := batch[limit-1].ScrapedAt
		if !rows[limit].ScrapedAt.Equal(last) {
			return batch, nil
		}
		cut := limit
		for cut > 0 && batch[cut-1].ScrapedAt.Equal(last) {
			cut--
		}
		if cut > 0 {
			return batch[:cut], nil
		}
		limit *= 2
	}
}

// collapse keeps the row with the greatest scraped_at per post, in
// (scraped_at, post_id) order.
func collapse(rows []harvest.RawPost) []harvest.RawPost {
	latest := make(map[harvest.PostKey]harvest.RawPost, len(rows))
	for _, row := range rows {
		if cur, ok := latest[row.Key()]; ok && row.ScrapedAt.Before(cur.ScrapedAt) {
			continue
		}
		latest[row.Key()] = row
	}
	out := make([]harvest.RawPost, 0, len(latest))
	for _, row := range latest {
		out = append(out, row)
	}
	slices.SortFunc(out, func(a, b harvest.RawPost) int {
		if c := a.ScrapedAt.Compare(b.ScrapedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.PostID, b.PostID)
	})
	return out
}

// advanceTo returns the new watermark: the newest scraped_at among rows of
// posts that did not fail. A failed row is passed once a strictly later row
// succeeded; failures at the end of the batch hold the watermark before the
// earliest of them so the next batch retries them.
func advanceTo(rows []harvest.RawPost, items []*pending, current time.Time) time.Time {
	failed := make(map[harvest.PostKey]time.Time)
	for _, it := range items {
		if it.failed {
			failed[it.raw.Key()] = it.raw.ScrapedAt
		}
	}
	var newestOK time.Time
	for _, row := range rows {
		if _, bad := failed[row.Key()]; !bad && row.ScrapedAt.After(newestOK) {
			newestOK = row.ScrapedAt
		}
	}
	var hold time.Time
	for _, scraped := range failed {
		if !newestOK.After(scraped) && (hold.IsZero() || scraped.Before(hold)) {
			hold = scraped
		}
	}

	next := current
	for _, row := range rows {
		if _, bad := failed[row.Key()]; bad {
			continue
		}
		if !hold.IsZero() && !row.ScrapedAt.Before(hold) {
			continue
		}
		if row.ScrapedAt.After(next) {
			next = row.ScrapedAt
		}
	}
	return next
}

// inspectAssets builds the canonical assets of one post from its stored
// files. Files missing from the backend are counted, not returned.
func (p *Pipeline) inspectAssets(ctx context.Context, rows []harvest.RawAsset, now time.Time) ([]harvest.Asset, int, error) {
	var (
		out     []harvest.Asset
		missing int
	)
	for _, ra := range rows {
		obj, found, err := p.deps.Assets.Inspect(ctx, ra.LocalPath)
		if err != nil {
			return nil, 0, fmt.Errorf("inspect asset %s: %w", ra.URL, err)
		}
		if !found {
			missing++
			continue
		}
		asset := normalize.Asset(ra, obj)
		asset.UpdatedAt = now
		out = append(out, asset)
	}
	return out, missing, nil
}

// latestAssets returns, per post, the newest raw asset row for each URL that
// has stored content.
func (p *Pipeline) latestAssets(ctx context.Context, domain string, items []*pending) (map[string][]harvest.RawAsset, error) {
	if len(items) == 0 || p.deps.Assets == nil {
		return nil, nil
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.raw.PostID)
	}
	rows, err := p.deps.Raw.RawAssetsFor(ctx, domain, ids)
	if err != nil {
		return nil, fmt.Errorf("read raw assets %s: %w", domain, err)
	}
	latest := map[harvest.AssetKey]harvest.RawAsset{}
	for _, row := range rows {
		if row.LocalPath == "" {
			continue
		}
		key := harvest.AssetKey{Domain: row.Domain, PostID: row.PostID, URL: row.URL}
		if cur, ok := latest[key]; ok && row.ScrapedAt.Before(cur.ScrapedAt) {
			continue
		}
		latest[key] = row
	}
	out := make(map[string][]harvest.RawAsset, len(items))
	for _, row := range latest {
		out[row.PostID] = append(out[row.PostID], row)
	}
	for id := range out {
		slices.SortFunc(out[id], func(a, b harvest.RawAsset) int { return cmp.Compare(a.URL, b.URL) })
	}
	return out, nil
}

// embed fills title and html embeddings in one request. It reports false when
// the embedder failed; the posts are then written without vectors.
func (p *Pipeline) embed(ctx context.Context, domain string, items []*pending) bool {
	if p.deps.Embedder == nil || len(items) == 0 {
		return true
	}
	type slot struct {
		item  *pending
		title bool
	}
	var (
		texts []string
		slots []slot
	)
	for _, it := range items {
		title, body := normalize.EmbeddingTexts(it.post)
		if title != "" {
			texts = append(texts, title)
			slots = append(slots, slot{item: it, title: true})
		}
		if body != "" {
			texts = append(texts, body)
			slots = append(slots, slot{item: it})
		}
	}
	if len(texts) == 0 {
		return true
	}
	vecs, err := p.deps.Embedder.Embed(ctx, texts)
	if err == nil && len(vecs) != len(texts) {
		err = fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
	}
	if err != nil {
		p.logger.Warn("embedding failed, writing posts without vectors",
			zap.String("domain", domain), zap.Int("texts", len(texts)), zap.Error(err))
		return false
	}
	for i, s := range slots {
		if s.title {
			s.item.post.TitleEmbedding = vecs[i]
		} else {
			s.item.post.HTMLEmbedding = vecs[i]
		}
	}
	return true
}

func (p *Pipeline) publish(ctx context.Context, res BatchResult) {
	if p.deps.Publisher == nil || res.Read == 0 {
		return
	}
	if _, err := p.deps.Publisher.Publish(ctx, harvest.TopicIngestBatch, res); err != nil {
		p.logger.Warn("publish batch result failed", zap.String("domain", res.Domain), zap.Error(err))
	}
}

func rowError(raw harvest.RawPost, err error) RowError {
	return RowError{PostID: raw.PostID, ScrapedAt: raw.ScrapedAt, Reason: harvest.Reason(err), Error: err.Error()}
}
