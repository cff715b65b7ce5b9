// Package partition turns a changed-file listing into an ordered list of
// review step definitions.
package partition

import (
	"fmt"
	"path"
	"strings"

	"reviewflow/internal/domain"
)

// StepDef is a step before persistence: the partitioner proposes, the
// pipeline assigns ids and timestamps.
type StepDef struct {
	Title      string
	Category   string
	Complexity string
	RiskTags   []string
	DiffHunks  []domain.DiffHunk
}

// PullMeta is the pull-request context available to a partitioner when it
// groups files. Feature-clustering strategies key off the title and author.
type PullMeta struct {
	Title  string
	Author string
}

// Partitioner is pluggable: implementations group changed files into review
// units. Order of the returned slice is the presentation order.
type Partitioner interface {
	Partition(files []domain.ChangedFile, pr PullMeta) []StepDef
}

// PerFile is the default partitioner: one step per changed file, complexity
// from the total change size, high-impact tag on large additions.
type PerFile struct{}

const (
	complexityLargeAt  = 100
	complexityMediumAt = 30
	highImpactAt       = 50
)

func (PerFile) Partition(files []domain.ChangedFile, _ PullMeta) []StepDef {
	defs := make([]StepDef, 0, len(files))
	for _, f := range files {
		def := StepDef{
			Title:      stepTitle(f),
			Category:   categoryFor(f.Path),
			Complexity: complexityFor(f.Additions + f.Deletions),
		}
		if f.Additions > highImpactAt {
			def.RiskTags = append(def.RiskTags, "high-impact")
		}
		if f.Patch != "" {
			def.DiffHunks = []domain.DiffHunk{{Path: f.Path, Patch: f.Patch}}
		}
		defs = append(defs, def)
	}
	return defs
}

func complexityFor(changes int) string {
	switch {
	case changes > complexityLargeAt:
		return "L"
	case changes > complexityMediumAt:
		return "M"
	default:
		return "S"
	}
}

func stepTitle(f domain.ChangedFile) string {
	switch f.Status {
	case "added":
		return fmt.Sprintf("New file %s", f.Path)
	case "removed":
		return fmt.Sprintf("Deleted %s", f.Path)
	case "renamed":
		return fmt.Sprintf("Renamed %s", f.Path)
	default:
		return fmt.Sprintf("Changes in %s", f.Path)
	}
}

func categoryFor(p string) string {
	base := path.Base(p)
	switch {
	case strings.Contains(base, "_test.") || strings.HasSuffix(base, ".spec.ts") || strings.HasSuffix(base, ".test.ts"):
		return "tests"
	case strings.HasSuffix(base, ".md") || strings.HasSuffix(base, ".txt"):
		return "docs"
	case strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".yml") || strings.HasSuffix(base, ".yaml") ||
		strings.HasSuffix(base, ".json") || strings.HasSuffix(base, ".toml") || base == "Dockerfile" || base == "Makefile":
		return "config"
	default:
		return "code"
	}
}
