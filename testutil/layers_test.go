package testutil

import (
	"path/filepath"
	"testing"
)

// Analysis stages, storage and infrastructure sit below the pipeline and
// sync packages.
var lowerLayers = []string{
	"collate",
	"config",
	"heuristics",
	"identifier",
	"ingest",
	"lifecycle",
	"logging",
	"matcher",
	"metrics",
	"refgraph",
	"runlock",
	"segments",
	"blob",
	"infra/blob/fs",
	"infra/blob/memory",
	"infra/blob/s3",
	"infra/persistence",
	"infra/persistence/memory",
	"infra/persistence/sqlite",
	"infra/persistence/postgres",
}

func TestLowerLayersDoNotImportOrchestration(t *testing.T) {
	for _, pkg := range lowerLayers {
		t.Run(pkg, func(t *testing.T) {
			AssertNoDirectImports(t, filepath.Join("..", "internal", filepath.FromSlash(pkg)), OrchestrationImportForbidden, "stages and storage must not depend on run orchestration")
		})
	}
}

func TestPipelineDoesNotImportSync(t *testing.T) {
	AssertNoDirectImports(t, filepath.Join("..", "internal", "pipeline"), ImportsAny("certcore/internal/reconcile", "certcore/internal/infra/persistence"), "dataset processing runs without a store")
}
