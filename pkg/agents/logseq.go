// Copyright 2025 Memoros Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package agents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/memoros-io/memoros/pkg/store"
)

// LogseqExportAgent renders a memory as a Logseq-flavored Markdown page
// and writes it under the configured export directory. The runner
// records the export row; re-runs with unchanged content are no-ops via
// the inputs hash.
type LogseqExportAgent struct {
	exportDir string
}

func NewLogseqExportAgent(exportDir string) *LogseqExportAgent {
	return &LogseqExportAgent{exportDir: exportDir}
}

func (a *LogseqExportAgent) Name() string    { return NameLogseqExport }
func (a *LogseqExportAgent) Version() string { return "v1" }

func (a *LogseqExportAgent) Run(ctx context.Context, in Inputs) (Result, error) {
	if a.exportDir == "" {
		return Result{
			Status:     store.RunSkipped,
			Confidence: 1.0,
			Outputs:    map[string]any{"exported": false, "reason": "no export directory configured"},
		}, nil
	}

	page := renderLogseqPage(in)
	sum := sha256.Sum256([]byte(page))
	contentHash := hex.EncodeToString(sum[:])
	path := filepath.Join(a.exportDir, in.OrganizationID, in.MemoryID+".md")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to create export directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(page), 0o644); err != nil {
		return Result{}, fmt.Errorf("failed to write export page: %w", err)
	}

	return Result{
		Status:     store.RunSuccess,
		Confidence: 1.0,
		Outputs: map[string]any{
			"exported":     true,
			"path":         path,
			"content_hash": contentHash,
			"target":       "logseq",
		},
		Provenance: map[string]any{"strategy": StrategyHeuristic},
	}, nil
}

func renderLogseqPage(in Inputs) string {
	var b strings.Builder
	fmt.Fprintf(&b, "title:: %s\n", in.Title)
	fmt.Fprintf(&b, "memory-id:: %s\n", in.MemoryID)
	fmt.Fprintf(&b, "scope:: %s\n", in.Scope)
	if len(in.Tags) > 0 {
		fmt.Fprintf(&b, "tags:: %s\n", strings.Join(in.Tags, ", "))
	}
	b.WriteString("\n")
	for _, line := range strings.Split(strings.TrimSpace(in.Content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fmt.Fprintf(&b, "- %s\n", line)
	}
	return b.String()
}

func (a *LogseqExportAgent) ValidateOutputs(r Result) error {
	return requireKeys(r, "exported")
}
