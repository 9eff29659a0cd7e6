package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"certcore/internal/collate"
	"certcore/internal/matcher"
	"certcore/pkg/domain"
)

// TextExt is the suffix of converted document texts.
const TextExt = ".txt"

// TextFile is a converted document on disk.
type TextFile struct {
	// Key is the pairing key of the original document name.
	Key  string
	Path string
}

// ListTextFiles returns the converted texts in dir ordered by key. A missing
// directory yields no files.
func ListTextFiles(dir string) ([]TextFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var out []TextFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), TextExt) {
			continue
		}
		out = append(out, TextFile{
			Key:  collate.Key(strings.TrimSuffix(e.Name(), TextExt)),
			Path: filepath.Join(dir, e.Name()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// FrontpageRecords extracts header fields from the leading lines of every
// file. Files without a recognised header produce no record.
func FrontpageRecords(files []TextFile, fx *matcher.FrontpageExtractor, logger *zap.Logger) []domain.RawRecord {
	if logger == nil {
		logger = zap.NewNop()
	}
	var out []domain.RawRecord
	for _, f := range files {
		doc, err := matcher.LoadTextFile(f.Key, f.Path, fx.MaxLines())
		if err != nil {
			logger.Warn("frontpage unreadable", zap.String("file_key", f.Key), zap.Error(err))
			continue
		}
		if rec, ok := fx.Record(f.Key, doc); ok {
			out = append(out, rec)
		}
	}
	return out
}

// KeywordJobs prepares pool jobs that load each file in full.
func KeywordJobs(files []TextFile) []matcher.Job {
	jobs := make([]matcher.Job, 0, len(files))
	for _, f := range files {
		jobs = append(jobs, matcher.Job{
			Key:  f.Key,
			Load: func() (matcher.Document, error) { return matcher.LoadTextFile(f.Key, f.Path, 0) },
		})
	}
	return jobs
}

// KeywordRecords runs the pool over files and wraps each successful scan
// into a record of kind. Redacted texts are passed to sink when it is set.
func KeywordRecords(ctx context.Context, pool *matcher.Pool, kind domain.SourceKind, files []TextFile, sink func(key, redacted string) error) ([]domain.RawRecord, error) {
	outcomes, err := pool.MatchAll(ctx, KeywordJobs(files))
	if err != nil {
		return nil, err
	}
	out := make([]domain.RawRecord, 0, len(files))
	for _, f := range files {
		res, ok := outcomes[f.Key]
		if !ok || res.Err != nil {
			continue
		}
		out = append(out, domain.RawRecord{
			Source:      kind,
			FileKey:     f.Key,
			Matches:     res.Result.Table,
			DecodeError: res.Result.DecodeError,
		})
		if sink != nil {
			if err := sink(f.Key, res.Result.Redacted); err != nil {
				return nil, fmt.Errorf("store redacted %s: %w", f.Key, err)
			}
		}
	}
	return out, nil
}
