package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hurttlocker/kbrag/internal/chunk"
	"github.com/hurttlocker/kbrag/internal/parse"
	"github.com/hurttlocker/kbrag/internal/store"
	"github.com/hurttlocker/kbrag/internal/textutil"
)

// chunkKeywordCount is the number of labels extracted per chunk.
const chunkKeywordCount = 5

// Pipeline runs ingestion cycles against one store.
type Pipeline struct {
	store        Store
	parser       Parser
	embedders    EmbedderFunc
	scheduler    *Scheduler
	logger       *zap.Logger
	events       chan Event
	abstractLen  int
	keywordCount int
	now          func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithParser replaces the default parser registry.
func WithParser(p Parser) Option {
	return func(pl *Pipeline) { pl.parser = p }
}

// WithScheduler shares a single-flight guard between pipelines.
func WithScheduler(s *Scheduler) Option {
	return func(pl *Pipeline) { pl.scheduler = s }
}

// WithLogger sets the pipeline's logger.
func WithLogger(l *zap.Logger) Option {
	return func(pl *Pipeline) { pl.logger = l }
}

// WithEvents attaches a progress channel with buffer n. Once attached, the
// consumer must drain Events or cycles will block.
func WithEvents(n int) Option {
	return func(pl *Pipeline) { pl.events = make(chan Event, n) }
}

// WithAbstractLength sets the abstract length in runes.
func WithAbstractLength(n int) Option {
	return func(pl *Pipeline) {
		if n > 0 {
			pl.abstractLen = n
		}
	}
}

// WithKeywordCount sets how many document keywords are kept.
func WithKeywordCount(n int) Option {
	return func(pl *Pipeline) {
		if n > 0 {
			pl.keywordCount = n
		}
	}
}

// NewPipeline creates a pipeline over s. embedders supplies the embedder of
// each knowledge base.
func NewPipeline(s Store, embedders EmbedderFunc, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:        s,
		parser:       parse.NewRegistry(),
		embedders:    embedders,
		logger:       zap.NewNop(),
		abstractLen:  textutil.DefaultAbstractLength,
		keywordCount: textutil.DefaultKeywordCount,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.scheduler == nil {
		p.scheduler = &Scheduler{}
	}
	return p
}

// Scheduler returns the pipeline's single-flight guard.
func (p *Pipeline) Scheduler() *Scheduler { return p.scheduler }

// Start runs a cycle immediately and then every interval until ctx is done.
// Ticks that arrive while a cycle is running are skipped.
func (p *Pipeline) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := p.RunCycle(ctx)
		switch {
		case errors.Is(err, ErrCycleInProgress):
			p.logger.Debug("ingestion cycle skipped")
		case err != nil:
			if ctx.Err() == nil {
				p.logger.Error("ingestion cycle failed", zap.Error(err))
			}
		case report.Parsed+report.Embedded+report.Failed > 0:
			p.logger.Info("ingestion cycle finished",
				zap.Int("parsed", report.Parsed),
				zap.Int("embedded", report.Embedded),
				zap.Int("failed", report.Failed),
				zap.Int("chunks", report.Chunks),
				zap.String("took", report.Duration))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunCycle performs one full cycle. It returns ErrCycleInProgress when
// another cycle holds the scheduler. Cancellation is checked between
// documents; a document that has started is always finished or failed.
func (p *Pipeline) RunCycle(ctx context.Context) (*CycleReport, error) {
	if !p.scheduler.TryStart() {
		return nil, ErrCycleInProgress
	}
	defer p.scheduler.Done()

	start := p.now()
	report := &CycleReport{Started: start.UTC()}
	c := &cycle{p: p, report: report, kbs: make(map[string]*store.KnowledgeBase), touched: make(map[string]bool)}

	unparsed, err := p.store.ListDocumentsByState(ctx, "", store.StateUnparsed)
	if err != nil {
		return nil, fmt.Errorf("listing unparsed documents: %w", err)
	}
	for _, d := range unparsed {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		c.parseDocument(ctx, d)
	}

	parsed, err := p.store.ListDocumentsByState(ctx, "", store.StateParsed)
	if err != nil {
		return nil, fmt.Errorf("listing parsed documents: %w", err)
	}
	for _, d := range parsed {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		c.embedDocument(ctx, d)
	}

	c.finalize(ctx)

	report.Duration = p.now().Sub(start).Round(time.Millisecond).String()
	p.emit(ctx, Event{Kind: EventCycleDone, Current: report.Embedded, Total: report.Embedded + report.Failed})
	return report, ctx.Err()
}

// Reset moves a document back to Unparsed so the next cycle retries it.
func (p *Pipeline) Reset(ctx context.Context, docID string) error {
	return p.store.SetDocumentState(ctx, docID, store.StateUnparsed)
}

// cycle holds the per-cycle state.
type cycle struct {
	p       *Pipeline
	report  *CycleReport
	kbs     map[string]*store.KnowledgeBase
	touched map[string]bool
}

func (c *cycle) knowledgeBase(ctx context.Context, id string) (*store.KnowledgeBase, error) {
	if kb, ok := c.kbs[id]; ok {
		return kb, nil
	}
	kb, err := c.p.store.GetKnowledgeBase(ctx, id)
	if err != nil {
		return nil, err
	}
	c.kbs[id] = kb
	return kb, nil
}

// fail records a per-document failure and moves the document to
// ParseFailed.
func (c *cycle) fail(ctx context.Context, d *store.Document, phase string, err error) {
	c.p.logger.Warn("document failed",
		zap.String("doc_id", d.ID),
		zap.String("name", d.Name),
		zap.String("phase", phase),
		zap.Error(err))

	if serr := c.p.store.SetDocumentState(ctx, d.ID, store.StateParseFailed); serr != nil {
		c.p.logger.Error("recording document failure", zap.String("doc_id", d.ID), zap.Error(serr))
	}
	c.report.Failed++
	c.report.Errors = append(c.report.Errors, DocError{DocID: d.ID, Name: d.Name, Phase: phase, Message: err.Error()})
	c.p.emit(ctx, Event{Kind: EventFailed, DocID: d.ID, DocName: d.Name, Err: err})
}

func (c *cycle) parseDocument(ctx context.Context, d *store.Document) {
	emitCtx := ctx
	ctx = context.WithoutCancel(ctx)

	kb, err := c.knowledgeBase(ctx, d.KnowledgeBaseID)
	if err != nil {
		c.fail(emitCtx, d, PhaseParse, err)
		return
	}

	res, err := c.p.parser.Parse(ctx, d.SourcePath)
	if err != nil {
		c.fail(emitCtx, d, PhaseParse, err)
		return
	}

	dataDir := c.p.store.DataDir()
	content, err := publish(dataDir, d, res)
	if err != nil {
		c.p.logger.Warn("publishing source files", zap.String("doc_id", d.ID), zap.Error(err))
		content = res.Content
	}

	parsedPath := res.SavedMarkdownPath
	if parsedPath == "" {
		parsedPath = filepath.Join(dataDir, parsedDirName, d.ID+".md")
		if err := writeFileAtomic(parsedPath, []byte(content)); err != nil {
			c.fail(emitCtx, d, PhaseParse, &parse.ParseError{Path: d.SourcePath, Err: err})
			return
		}
	}

	corpus, err := c.p.store.ParsedContents(ctx, kb.ID)
	if err != nil {
		c.p.logger.Debug("keyword corpus unavailable", zap.String("kb", kb.Name), zap.Error(err))
	}
	corpus = append(corpus, content)

	if d.Name == "" {
		d.Name = res.Title
	}
	if d.Name == "" {
		d.Name = filepath.Base(d.SourcePath)
	}
	d.ParsedPath = parsedPath
	d.Content = content
	d.Abstract = textutil.Abstract(content, c.p.abstractLen)
	d.Keywords = textutil.ExtractKeywords(content, corpus, c.p.keywordCount)
	d.State = store.StateParsed
	if err := c.p.store.UpdateDocument(ctx, d); err != nil {
		c.fail(emitCtx, d, PhaseParse, err)
		return
	}

	c.report.Parsed++
	c.touched[kb.ID] = true
	c.p.emit(emitCtx, Event{Kind: EventParsed, DocID: d.ID, DocName: d.Name, KB: kb.Name})
}

// embedDocument chunks and embeds every chunk before writing anything, then
// inserts all rows in one transaction. A failure leaves no rows behind.
func (c *cycle) embedDocument(ctx context.Context, d *store.Document) {
	emitCtx := ctx
	ctx = context.WithoutCancel(ctx)

	kb, err := c.knowledgeBase(ctx, d.KnowledgeBaseID)
	if err != nil {
		c.fail(emitCtx, d, PhaseEmbed, err)
		return
	}
	emb, err := c.p.embedders(kb)
	if err != nil {
		c.fail(emitCtx, d, PhaseEmbed, err)
		return
	}

	text := d.Content
	if text == "" && d.ParsedPath != "" {
		data, err := os.ReadFile(d.ParsedPath)
		if err != nil {
			c.fail(emitCtx, d, PhaseEmbed, fmt.Errorf("reading parsed text: %w", err))
			return
		}
		text = string(data)
	}

	pieces := chunk.Chunk(text, chunk.Options{
		DocName:     d.Name,
		FileType:    filepath.Ext(d.SourcePath),
		Separators:  d.Separators,
		ChunkSize:   d.ChunkSize,
		OverlapSize: d.OverlapSize,
	})
	if len(pieces) == 0 {
		c.fail(emitCtx, d, PhaseEmbed, errors.New("document produced no chunks"))
		return
	}

	bodies := make([]string, len(pieces))
	for i, pc := range pieces {
		bodies[i] = pc.Body
	}

	rows := make([]*store.Chunk, 0, len(pieces))
	for i, pc := range pieces {
		doc := pc.Text(d.Name)
		vec, err := emb.Embed(ctx, doc)
		if err != nil {
			c.fail(emitCtx, d, PhaseEmbed, fmt.Errorf("chunk %d: %w", pc.Index, err))
			return
		}
		rows = append(rows, &store.Chunk{
			Doc:      doc,
			DocID:    d.ID,
			Vector:   vec,
			Keywords: textutil.ExtractKeywords(pc.Body, bodies, chunkKeywordCount),
		})
		c.p.emit(emitCtx, Event{Kind: EventChunk, DocID: d.ID, DocName: d.Name, KB: kb.Name, Current: i + 1, Total: len(pieces)})
	}

	table := kb.Table()
	if err := c.p.store.EnsureChunkTable(ctx, table); err != nil {
		c.fail(emitCtx, d, PhaseEmbed, err)
		return
	}
	// A reset document may still own rows from an earlier run.
	if err := c.p.store.DeleteDocumentChunks(ctx, table, d.ID); err != nil && !errors.Is(err, store.ErrTableNotFound) {
		c.fail(emitCtx, d, PhaseEmbed, err)
		return
	}
	if err := c.p.store.InsertChunks(ctx, table, rows); err != nil {
		c.fail(emitCtx, d, PhaseEmbed, err)
		return
	}
	if err := c.p.store.SetDocumentState(ctx, d.ID, store.StateEmbedded); err != nil {
		c.p.logger.Error("marking document embedded", zap.String("doc_id", d.ID), zap.Error(err))
		return
	}

	c.report.Embedded++
	c.report.Chunks += len(rows)
	c.touched[kb.ID] = true
	c.p.emit(emitCtx, Event{Kind: EventEmbedded, DocID: d.ID, DocName: d.Name, KB: kb.Name, Current: len(rows), Total: len(rows)})
}

// finalize rebuilds the full-text index, checks for approximate-index
// escalation and optimizes every touched knowledge base, in name order.
func (c *cycle) finalize(ctx context.Context) {
	emitCtx := ctx
	ctx = context.WithoutCancel(ctx)

	var kbs []*store.KnowledgeBase
	for id := range c.touched {
		if kb, ok := c.kbs[id]; ok {
			kbs = append(kbs, kb)
		}
	}
	sort.Slice(kbs, func(i, j int) bool { return kbs[i].Name < kbs[j].Name })

	for _, kb := range kbs {
		table := kb.Table()
		log := c.p.logger.With(zap.String("kb", kb.Name), zap.String("table", table))
		c.report.KnowledgeBases = append(c.report.KnowledgeBases, kb.Name)

		if err := c.p.store.RebuildFullText(ctx, table); err != nil {
			if errors.Is(err, store.ErrTableNotFound) {
				continue
			}
			log.Warn("full-text index unavailable", zap.Error(err))
		}
		escalated, err := c.p.store.EscalateIfNeeded(ctx, table)
		if err != nil {
			log.Warn("approximate index unavailable", zap.Error(err))
		}
		if escalated {
			c.report.Escalated = append(c.report.Escalated, kb.Name)
		}
		if err := c.p.store.Optimize(ctx, table); err != nil {
			if errors.Is(err, store.ErrOptimizeInProgress) {
				log.Debug("optimize skipped", zap.Error(err))
			} else {
				log.Warn("optimize failed", zap.Error(err))
			}
		}
		c.p.emit(emitCtx, Event{Kind: EventIndexed, KB: kb.Name})
	}
}
