// Package blockgraph defines the static dependency graph between the
// logical blocks of a sporting-event record (event, edition, organizer,
// races) and the ordering queries the application pipeline relies on.
package blockgraph

import (
	"sort"
	"strings"
)

type BlockType string

const (
	BlockEvent     BlockType = "event"
	BlockEdition   BlockType = "edition"
	BlockOrganizer BlockType = "organizer"
	BlockRaces     BlockType = "races"
)

// LegacyToken renders records with no (or an unknown) block type.
const LegacyToken = "legacy"

// dependencies holds direct dependencies only. The graph is fixed and
// acyclic: edition requires event, organizer and races require edition.
var dependencies = map[BlockType][]BlockType{
	BlockEvent:     {},
	BlockEdition:   {BlockEvent},
	BlockOrganizer: {BlockEdition},
	BlockRaces:     {BlockEdition},
}

// allBlocks is the canonical iteration order for deterministic results.
var allBlocks = []BlockType{BlockEvent, BlockEdition, BlockOrganizer, BlockRaces}

func Known(b BlockType) bool {
	_, ok := dependencies[b]
	return ok
}

func AllBlocks() []BlockType {
	out := make([]BlockType, len(allBlocks))
	copy(out, allBlocks)
	return out
}

// AllDependencies returns the transitive dependencies of b in topological
// order, deduplicated, excluding b itself. Unknown block types have no
// dependencies.
func AllDependencies(b BlockType) []BlockType {
	visited := make(map[BlockType]bool)
	var order []BlockType

	var visit func(BlockType)
	visit = func(n BlockType) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, dep := range dependencies[n] {
			visit(dep)
		}
		order = append(order, n)
	}

	for _, dep := range dependencies[b] {
		visit(dep)
	}
	return order
}

// AllDependents returns every block type whose dependency chain includes b.
func AllDependents(b BlockType) []BlockType {
	var dependents []BlockType
	for _, other := range allBlocks {
		if other == b {
			continue
		}
		for _, dep := range AllDependencies(other) {
			if dep == b {
				dependents = append(dependents, other)
				break
			}
		}
	}
	return dependents
}

// rank orders block types by dependency depth. Organizer and races share a
// rank; unknown or missing block types rank strictly last.
func rank(b *BlockType) int {
	if b == nil || !Known(*b) {
		return len(allBlocks) + 1
	}
	return len(AllDependencies(*b))
}

// SortByDependencies stably sorts items so that every block precedes its
// dependents. Items of equal rank, and items with nil or unknown block
// types, keep their relative input order.
func SortByDependencies[T any](items []T, keyOf func(T) *BlockType) []T {
	sorted := make([]T, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return rank(keyOf(sorted[i])) < rank(keyOf(sorted[j]))
	})
	return sorted
}

type ValidationResult struct {
	Valid   bool
	Missing []BlockType
}

// requiredBlocks is the proposal-type-specific minimum block set. Types
// absent from the map carry no hard requirement.
var requiredBlocks = map[string][]BlockType{
	"NEW_EVENT":      {BlockEvent, BlockEdition},
	"EVENT_UPDATE":   {BlockEvent},
	"EDITION_UPDATE": {BlockEdition},
}

// ValidateRequiredBlocks reports whether present covers the minimum block
// set for the given proposal type.
func ValidateRequiredBlocks(present []BlockType, proposalType string) ValidationResult {
	required, ok := requiredBlocks[proposalType]
	if !ok {
		return ValidationResult{Valid: true}
	}

	have := make(map[BlockType]bool, len(present))
	for _, b := range present {
		have[b] = true
	}

	var missing []BlockType
	for _, b := range required {
		if !have[b] {
			missing = append(missing, b)
		}
	}

	return ValidationResult{Valid: len(missing) == 0, Missing: missing}
}

// ExplainExecutionOrder renders the dependency-ordered execution plan for
// the given block keys, e.g. "Execution order: event → edition → races".
// Nil or unknown keys render as "legacy". An empty input renders the bare
// prefix.
func ExplainExecutionOrder(keys []*BlockType) string {
	ordered := SortByDependencies(keys, func(b *BlockType) *BlockType { return b })

	parts := make([]string, 0, len(ordered))
	for _, b := range ordered {
		if b == nil || !Known(*b) {
			parts = append(parts, LegacyToken)
			continue
		}
		parts = append(parts, string(*b))
	}

	return "Execution order: " + strings.Join(parts, " → ")
}
