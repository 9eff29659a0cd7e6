package pipeline

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"certcore/internal/blob"
	"certcore/internal/collate"
	"certcore/internal/config"
	"certcore/internal/heuristics"
	"certcore/internal/identifier"
	"certcore/internal/ingest"
	"certcore/internal/lifecycle"
	"certcore/internal/matcher"
	"certcore/internal/metrics"
	"certcore/internal/refgraph"
	"certcore/internal/segments"
	"certcore/pkg/domain"
)

// GraphFile is the Graphviz export of the reference graph.
const GraphFile = "references.dot"

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f Fetcher) Option {
	return func(p *Pipeline) {
		if f != nil {
			p.fetcher = f
		}
	}
}

// WithConverter replaces the external text extractor.
func WithConverter(c Converter) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.converter = c
		}
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records per-document outcomes and dataset gauges.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTable overrides the pattern table from configuration.
func WithTable(t *matcher.Table) Option {
	return func(p *Pipeline) { p.table = t }
}

// WithProfiles supplies the protection profile levels used to infer the
// level of profile-only certificates.
func WithProfiles(levels heuristics.ProfileLevels) Option {
	return func(p *Pipeline) { p.profiles = levels }
}

// WithSegmenter replaces the rule based sentence splitter.
func WithSegmenter(s segments.Segmenter) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.segmenter = s
		}
	}
}

// WithRedactedStore keeps the redacted keyword scan texts in store.
func WithRedactedStore(store blob.Store) Option {
	return func(p *Pipeline) { p.redacted = store }
}

// WithClock sets the time source of new datasets.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// Pipeline holds everything the stages of one dataset share.
type Pipeline struct {
	cfg       *config.Config
	layout    Layout
	fetcher   Fetcher
	converter Converter
	logger    *zap.Logger
	metrics   *metrics.Metrics
	table     *matcher.Table
	profiles  heuristics.ProfileLevels
	segmenter segments.Segmenter
	redacted  blob.Store
	now       func() time.Time
}

// New builds the stages for the dataset rooted at cfg.OutputDir.
func New(cfg *config.Config, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pipeline: config is required")
	}
	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("pipeline: output directory is required")
	}
	p := &Pipeline{
		cfg:       cfg,
		layout:    Layout{Root: cfg.OutputDir},
		fetcher:   NewHTTPFetcher(cfg.Download),
		converter: NewCommandConverter(cfg.Convert),
		logger:    zap.NewNop(),
		segmenter: segments.NewRules(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.table == nil {
		table, err := loadTable(cfg.PatternsFile)
		if err != nil {
			return nil, err
		}
		p.table = table
	}
	return p, nil
}

func loadTable(file string) (*matcher.Table, error) {
	if file == "" {
		return matcher.DefaultTable()
	}
	table, err := matcher.LoadTableFile(file)
	if err != nil {
		return nil, fmt.Errorf("load patterns %s: %w", file, err)
	}
	return table, nil
}

// Layout returns the working directory layout.
func (p *Pipeline) Layout() Layout { return p.layout }

// NewDataset returns an empty dataset named after the output directory.
func (p *Pipeline) NewDataset() *domain.Dataset {
	return domain.NewDataset(filepath.Base(p.layout.Root), Version, p.now())
}

// Stages binds every lifecycle action to its implementation.
func (p *Pipeline) Stages() lifecycle.Stages {
	return lifecycle.Stages{
		lifecycle.ActionBuild:    lifecycle.StageFunc(p.Build),
		lifecycle.ActionDownload: lifecycle.StageFunc(p.Download),
		lifecycle.ActionConvert:  lifecycle.StageFunc(p.Convert),
		lifecycle.ActionAnalyze:  lifecycle.StageFunc(p.Analyze),
	}
}

func (p *Pipeline) workers() int {
	if p.cfg.Workers > 0 {
		return p.cfg.Workers
	}
	return runtime.NumCPU()
}

// enforce evaluates rules, logs every violation and applies the configured
// consistency mode.
func (p *Pipeline) enforce(ctx context.Context, view domain.RuleView, rules ...domain.Rule) error {
	res, err := domain.NewRulesEngine(rules...).Evaluate(ctx, view, nil)
	if err != nil {
		return err
	}
	for _, v := range res.Violations {
		fields := []zap.Field{zap.String("rule", v.Rule), zap.String("severity", string(v.Severity))}
		if v.Digest != "" {
			fields = append(fields, zap.String("dgst", v.Digest))
		}
		p.logger.Warn(v.Message, fields...)
	}
	return res.Enforce(p.cfg.Consistency)
}

// Build fetches the listings, collates them into certificates and replaces
// the certificates of ds. A listing that cannot be fetched or parsed fails
// the stage.
func (p *Pipeline) Build(ctx context.Context, ds *domain.Dataset) error {
	if err := p.layout.Ensure(); err != nil {
		return err
	}
	var listings, scans []domain.RawRecord
	skipped := 0
	for i, src := range p.cfg.Listings.CSV {
		file, err := p.fetchListing(ctx, i, src)
		if err != nil {
			return err
		}
		parsed, err := ingest.ParseCSVFile(file, p.logger)
		if err != nil {
			return fmt.Errorf("parse listing %s: %w", src, err)
		}
		listings = append(listings, parsed.Records...)
		skipped += len(parsed.Skipped)
	}
	offset := len(p.cfg.Listings.CSV)
	for i, src := range p.cfg.Listings.HTML {
		file, err := p.fetchListing(ctx, offset+i, src)
		if err != nil {
			return err
		}
		parsed, err := ingest.ParseHTMLFile(file, p.logger)
		if err != nil {
			return fmt.Errorf("parse listing %s: %w", src, err)
		}
		scans = append(scans, parsed.Records...)
	}

	certs, summary := collate.New(p.logger).Collate(collate.Input{CSV: listings, Scans: scans})
	if err := p.enforce(ctx, sliceView(certs),
		MinItems{Kind: "csv", Count: len(listings), Min: p.cfg.MinItems.CSV},
		MinItems{Kind: "html", Count: len(scans), Min: p.cfg.MinItems.HTML},
		DuplicateDigests{},
	); err != nil {
		return err
	}

	ds.Certs = make(map[string]domain.Certificate, len(certs))
	for _, c := range certs {
		if _, dup := ds.Certs[c.Digest]; dup {
			continue
		}
		ds.Certs[c.Digest] = c
	}
	ds.ToolVersion = Version
	if p.metrics != nil {
		p.metrics.Certificates.Set(float64(len(ds.Certs)))
	}
	p.logger.Info("dataset built",
		zap.Int("certificates", len(ds.Certs)),
		zap.Int("listing_rows", len(listings)),
		zap.Int("skipped_rows", skipped),
		zap.Int("html_records", len(scans)),
		zap.Int("unmatched", summary.UnmatchedTotal()))
	return nil
}

func (p *Pipeline) fetchListing(ctx context.Context, i int, src string) (string, error) {
	dst := filepath.Join(p.layout.WebDir(), ListingName(i, src))
	if err := p.fetcher.Fetch(ctx, src, dst); err != nil {
		return "", fmt.Errorf("fetch listing %s: %w", src, err)
	}
	return dst, nil
}

type docKind int

const (
	docReport docKind = iota
	docTarget
)

func (k docKind) String() string {
	if k == docTarget {
		return "st"
	}
	return "report"
}

// document is one artifact of a certificate or of one of its maintenance
// updates.
type document struct {
	digest      string
	owner       string
	kind        docKind
	link        string
	maintenance bool
}

// documents lists every artifact of ds in digest order. Maintenance updates
// carry their own digest and are owned by their parent certificate.
func documents(ds *domain.Dataset) []document {
	var out []document
	for _, c := range ds.ListCertificates() {
		add := func(digest, link string, kind docKind, maint bool) {
			if strings.TrimSpace(link) == "" {
				return
			}
			out = append(out, document{digest: digest, owner: c.Digest, kind: kind, link: link, maintenance: maint})
		}
		add(c.Digest, c.ReportLink, docReport, false)
		add(c.Digest, c.TargetLink, docTarget, false)
		for _, m := range c.MaintenanceCertificates() {
			add(m.Digest, m.ReportLink, docReport, true)
			add(m.Digest, m.TargetLink, docTarget, true)
		}
	}
	return out
}

func (l Layout) pdfDir(k docKind) string {
	if k == docTarget {
		return l.TargetPDFDir()
	}
	return l.ReportPDFDir()
}

func (l Layout) textDir(k docKind) string {
	if k == docTarget {
		return l.TargetTextDir()
	}
	return l.ReportTextDir()
}

// outcome is the per-document result of a download or conversion.
type outcome struct {
	doc  document
	name string
	err  error
}

// forEach runs fn over docs on the worker pool. Documents resolving to the
// same file are processed once and share the outcome. Per-document errors
// are returned as outcomes; only cancellation fails the call.
func (p *Pipeline) forEach(ctx context.Context, docs []document, fn func(ctx context.Context, d document, name string) error) ([]outcome, error) {
	out := make([]outcome, len(docs))
	type job struct {
		name string
		idx  []int
	}
	var jobs []*job
	byFile := make(map[string]*job)
	for i, d := range docs {
		out[i].doc = d
		name, err := DocumentName(d.link)
		if err != nil {
			out[i].err = err
			continue
		}
		out[i].name = name
		file := d.kind.String() + "/" + name
		j, ok := byFile[file]
		if !ok {
			j = &job{name: name}
			byFile[file] = j
			jobs = append(jobs, j)
		}
		j.idx = append(j.idx, i)
	}

	errs := make([]error, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers())
	for n, j := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			errs[n] = fn(gctx, docs[j.idx[0]], j.name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for n, j := range jobs {
		for _, i := range j.idx {
			out[i].err = errs[n]
		}
	}
	return out, nil
}

// Download fetches the report and target of every certificate and
// maintenance update. Documents already on disk are kept. A failed document
// is recorded on its certificate and never fails the stage.
func (p *Pipeline) Download(ctx context.Context, ds *domain.Dataset) error {
	if err := p.layout.Ensure(); err != nil {
		return err
	}
	results, err := p.forEach(ctx, documents(ds), func(ctx context.Context, d document, name string) error {
		dst := filepath.Join(p.layout.pdfDir(d.kind), name)
		if nonEmpty(dst) {
			return nil
		}
		return p.fetcher.Fetch(ctx, d.link, dst)
	})
	if err != nil {
		return err
	}
	failed := p.record(ds, "download", results, func(st *domain.DocumentState, d document, name string, ok bool) {
		if d.kind == docTarget {
			st.TargetDownloadOK = ok
			if ok {
				st.TargetPath = path.Join("targets", "pdf", name)
			}
			return
		}
		st.ReportDownloadOK = ok
		if ok {
			st.ReportPath = path.Join("reports", "pdf", name)
		}
	})
	p.logger.Info("documents downloaded", zap.Int("documents", len(results)), zap.Int("failed", failed))
	return nil
}

// Convert extracts the text of every downloaded document. Documents whose
// download failed are skipped; existing texts are kept.
func (p *Pipeline) Convert(ctx context.Context, ds *domain.Dataset) error {
	if err := p.layout.Ensure(); err != nil {
		return err
	}
	var docs []document
	for _, d := range documents(ds) {
		name, err := DocumentName(d.link)
		if err != nil || !nonEmpty(filepath.Join(p.layout.pdfDir(d.kind), name)) {
			continue
		}
		docs = append(docs, d)
	}
	results, err := p.forEach(ctx, docs, func(ctx context.Context, d document, name string) error {
		dst := filepath.Join(p.layout.textDir(d.kind), TextName(name))
		if nonEmpty(dst) {
			return nil
		}
		return p.converter.Convert(ctx, filepath.Join(p.layout.pdfDir(d.kind), name), dst)
	})
	if err != nil {
		return err
	}
	failed := p.record(ds, "convert", results, func(st *domain.DocumentState, d document, _ string, ok bool) {
		if d.kind == docTarget {
			st.TargetConvertOK = ok
			return
		}
		st.ReportConvertOK = ok
	})
	p.logger.Info("documents converted", zap.Int("documents", len(results)), zap.Int("failed", failed))
	return nil
}

// record folds outcomes into the certificate states. Flags describe the
// certificate's own documents; failures of maintenance documents are listed
// as errors of the parent. Errors of an earlier run of the same operation
// are replaced.
func (p *Pipeline) record(ds *domain.Dataset, op string, results []outcome, set func(st *domain.DocumentState, d document, name string, ok bool)) int {
	prefix := op + " "
	reset := make(map[string]bool)
	failed := 0
	for _, r := range results {
		cert, ok := ds.Certs[r.doc.owner]
		if !ok {
			continue
		}
		if !reset[r.doc.owner] {
			cert.State.Errors = dropPrefixed(cert.State.Errors, prefix)
			reset[r.doc.owner] = true
		}
		if !r.doc.maintenance {
			set(&cert.State, r.doc, r.name, r.err == nil)
		}
		if p.metrics != nil {
			p.metrics.Document(op, r.err == nil)
		}
		if r.err != nil {
			failed++
			msg := fmt.Sprintf("%s%s %s: %v", prefix, r.doc.kind, r.doc.digest, r.err)
			cert.State.Errors = append(cert.State.Errors, msg)
			p.logger.Warn("document failed",
				zap.String("operation", op),
				zap.String("dgst", r.doc.digest),
				zap.String("link", r.doc.link),
				zap.Error(r.err))
		}
		ds.Certs[r.doc.owner] = cert
	}
	return failed
}

func dropPrefixed(errs []string, prefix string) []string {
	var out []string
	for _, e := range errs {
		if !strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}

func nonEmpty(file string) bool {
	st, err := os.Stat(file)
	return err == nil && st.Mode().IsRegular() && st.Size() > 0
}

// Analyze scans the converted texts and derives every processed field:
// frontpage and keyword records are paired onto the certificates, the
// identifiers are estimated and resolved corpus-wide, listing heuristics are
// applied and the reference graph is built with its closure.
func (p *Pipeline) Analyze(ctx context.Context, ds *domain.Dataset) error {
	m, err := matcher.New(p.table)
	if err != nil {
		return err
	}
	fx, err := matcher.NewFrontpageExtractor(p.table)
	if err != nil {
		return err
	}
	pool, err := matcher.NewPool(m,
		matcher.WithWorkers(p.workers()),
		matcher.WithBatchSize(p.cfg.BatchSize),
		matcher.WithLogger(p.logger))
	if err != nil {
		return err
	}

	reports, err := ingest.ListTextFiles(p.layout.ReportTextDir())
	if err != nil {
		return err
	}
	targets, err := ingest.ListTextFiles(p.layout.TargetTextDir())
	if err != nil {
		return err
	}
	frontpages := ingest.FrontpageRecords(reports, fx, p.logger)
	keywords, err := ingest.KeywordRecords(ctx, pool, domain.SourceKeywords, reports, p.sink(ctx, domain.SourceKeywords))
	if err != nil {
		return fmt.Errorf("scan reports: %w", err)
	}
	targetKeywords, err := ingest.KeywordRecords(ctx, pool, domain.SourceTargetKeywords, targets, p.sink(ctx, domain.SourceTargetKeywords))
	if err != nil {
		return fmt.Errorf("scan targets: %w", err)
	}

	certs := ds.ListCertificates()
	scans := make([]domain.RawRecord, 0, len(frontpages)+len(keywords)+len(targetKeywords))
	scans = append(append(append(scans, frontpages...), keywords...), targetKeywords...)
	summary := collate.New(p.logger).Attach(certs, scans)

	if err := identifier.EstimateAll(ctx, certs, m, p.workers()); err != nil {
		return err
	}
	rctx, report := identifier.Resolve(identifier.NewContext(p.logger), certs)
	heuristics.Apply(certs, p.profiles, p.logger)

	graph, err := refgraph.Build(certs, p.cfg.GraphSources)
	if err != nil {
		return err
	}
	graph.Apply(certs)
	if err := p.writeGraph(graph, ds.Name); err != nil {
		return err
	}
	p.extractSegments(certs, reports, rctx.Registry)

	if err := p.enforce(ctx, sliceView(certs),
		MinItems{Kind: "frontpage", Count: len(frontpages), Min: p.cfg.MinItems.Frontpage},
		MinItems{Kind: "keywords", Count: len(keywords), Min: p.cfg.MinItems.Keywords},
	); err != nil {
		return err
	}

	for _, c := range certs {
		ds.Certs[c.Digest] = c
	}
	if p.metrics != nil {
		p.metrics.Unresolved.Set(float64(len(report.Unresolved)))
		p.metrics.Certificates.Set(float64(len(ds.Certs)))
	}
	p.logger.Info("dataset analyzed",
		zap.Int("frontpages", len(frontpages)),
		zap.Int("keyword_scans", len(keywords)),
		zap.Int("target_scans", len(targetKeywords)),
		zap.Int("unmatched", summary.UnmatchedTotal()),
		zap.Int("unestimated", len(report.Unestimated)),
		zap.Int("unresolved", len(report.Unresolved)),
		zap.Int("graph_nodes", len(graph.Nodes())))
	return nil
}

// sink stores redacted scan texts when a store is configured.
func (p *Pipeline) sink(ctx context.Context, kind domain.SourceKind) func(key, redacted string) error {
	if p.redacted == nil {
		return nil
	}
	return func(key, redacted string) error {
		return blob.Replace(ctx, p.redacted, RedactedKey(kind, key), []byte(redacted))
	}
}

// RedactedKey names the redacted text of a scanned document.
func RedactedKey(kind domain.SourceKind, fileKey string) string {
	return path.Join("redacted", string(kind), fileKey+".txt")
}

func (p *Pipeline) writeGraph(g *refgraph.Graph, title string) error {
	file := filepath.Join(p.layout.Root, GraphFile)
	f, err := os.Create(file) // #nosec G304 -- inside the dataset directory
	if err != nil {
		return fmt.Errorf("write graph: %w", err)
	}
	if err := g.WriteDOT(f, title); err != nil {
		_ = f.Close()
		return fmt.Errorf("write graph: %w", err)
	}
	return f.Close()
}

// extractSegments stores, per referenced identifier, the report sentences
// that mention it. Mentions are searched in their literal forms, which the
// registry maps onto the canonical identifier.
func (p *Pipeline) extractSegments(certs []domain.Certificate, reports []ingest.TextFile, reg identifier.Registry) {
	texts := make(map[string]string, len(reports))
	for _, f := range reports {
		texts[f.Key] = f.Path
	}
	for i := range certs {
		cert := &certs[i]
		cert.Processed.ReferenceSegments = nil
		rec, ok := cert.Sources.Get(domain.SourceKeywords)
		if !ok || len(cert.Processed.ReferencedCertIDs) == 0 {
			continue
		}
		file, ok := texts[collate.Key(cert.ReportLink)]
		if !ok {
			continue
		}
		literals := make(map[string][]string)
		for mention := range rec.CertIDMentions() {
			id := reg.Lookup(mention)
			if id == cert.Processed.CertID {
				continue
			}
			literals[id] = append(literals[id], mention)
		}
		if len(literals) == 0 {
			continue
		}
		doc, err := matcher.LoadTextFile(rec.FileKey, file, 0)
		if err != nil {
			p.logger.Warn("report text unreadable", zap.String("file_key", rec.FileKey), zap.Error(err))
			continue
		}
		out := make(map[string][]string, len(literals))
		for id, words := range literals {
			sort.Strings(words)
			if segs := segments.Extract(p.segmenter, doc.Text, words...); len(segs) > 0 {
				out[id] = segs
			}
		}
		if len(out) > 0 {
			cert.Processed.ReferenceSegments = out
		}
	}
}
