// Package consolidation merges the open proposals of one target key into a
// single reviewable working group: per-field value options, agent consensus
// and the approved-block fold the application pipeline consumes.
package consolidation

import (
	"sort"

	"curator/internal/blockgraph"
	"curator/internal/logger"
	"curator/internal/proposal"
	"curator/pkg/metrics"
)

// ValueOption is one distinct proposed value for a field, with the agents
// backing it.
type ValueOption struct {
	Value         proposal.FieldValue `json:"value"`
	AgentIDs      []string            `json:"agent_ids"`
	ProposalIDs   []string            `json:"proposal_ids"`
	MaxConfidence float64             `json:"max_confidence"`
}

// ConsolidatedField is the merged view of one field across the open
// proposals of a group. Consensus points at the option at least two
// distinct agents agree on, nil otherwise.
type ConsolidatedField struct {
	Field     string                `json:"field"`
	Block     *blockgraph.BlockType `json:"block,omitempty"`
	Options   []ValueOption         `json:"options"`
	Consensus *ValueOption          `json:"consensus,omitempty"`
}

// WorkingGroup is the consolidation result for one target key. Pending
// holds the open proposals that survive dedup; superseded duplicates are
// listed by ID only, though their values still back the field options.
type WorkingGroup struct {
	TargetKey      proposal.TargetKey            `json:"target_key"`
	Pending        []proposal.Proposal           `json:"pending"`
	Historical     []proposal.Proposal           `json:"historical"`
	Fields         []ConsolidatedField           `json:"fields"`
	ApprovedBlocks map[blockgraph.BlockType]bool `json:"approved_blocks"`
	// Superseded lists open proposals whose changes are fully covered by
	// another open proposal. The caller archives them.
	Superseded []string `json:"superseded,omitempty"`
}

// MaxConfidence returns the highest confidence among the open proposals.
func (g *WorkingGroup) MaxConfidence() float64 {
	max := 0.0
	for _, p := range g.Pending {
		if p.Confidence > max {
			max = p.Confidence
		}
	}
	return max
}

// Blocks returns the distinct blocks the open proposals contribute to, in
// canonical graph order.
func (g *WorkingGroup) Blocks() []blockgraph.BlockType {
	present := make(map[blockgraph.BlockType]bool)
	for _, p := range g.Pending {
		for _, b := range p.Blocks() {
			present[b] = true
		}
	}

	var blocks []blockgraph.BlockType
	for _, b := range blockgraph.AllBlocks() {
		if present[b] {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

type Engine struct {
	logger         logger.Logger
	orderSensitive bool
}

type EngineOption func(*Engine)

// WithOrderSensitiveArrays makes list-valued fields compare element order.
// By default reordered lists with the same elements count as agreement.
func WithOrderSensitiveArrays(sensitive bool) EngineOption {
	return func(e *Engine) {
		e.orderSensitive = sensitive
	}
}

func NewEngine(log logger.Logger, opts ...EngineOption) *Engine {
	e := &Engine{logger: log}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Consolidate merges the proposals of one target key. All input proposals
// must share the same target key; historical (rejected, archived, approved)
// proposals are kept for display but never influence field options, the
// approved-block fold or dedup.
func (e *Engine) Consolidate(proposals []proposal.Proposal) *WorkingGroup {
	group := &WorkingGroup{
		ApprovedBlocks: make(map[blockgraph.BlockType]bool),
	}
	if len(proposals) == 0 {
		return group
	}
	group.TargetKey = proposals[0].TargetKey

	var open []proposal.Proposal
	for _, p := range proposals {
		if p.Status.IsPending() {
			open = append(open, p)
		} else {
			group.Historical = append(group.Historical, p)
		}
	}

	// Dedup before field merging so superseded proposals keep contributing
	// their (identical) values but are flagged for archiving.
	group.Superseded = e.findSuperseded(open)

	group.Fields = e.consolidateFields(open)

	// Superseded duplicates are bound for archiving; keeping them in Pending
	// would let their unreviewed approval flags veto the fold below.
	group.Pending = withoutSuperseded(open, group.Superseded)
	group.ApprovedBlocks = e.foldApprovedBlocks(group.Pending)

	metrics.GroupsConsolidatedTotal.Inc()
	metrics.SupersededProposalsTotal.Add(float64(len(group.Superseded)))
	e.logger.Debugw("consolidated working group",
		"target_key", group.TargetKey.String(),
		"pending", len(group.Pending),
		"historical", len(group.Historical),
		"fields", len(group.Fields),
		"superseded", len(group.Superseded),
	)

	return group
}

func (e *Engine) consolidateFields(pending []proposal.Proposal) []ConsolidatedField {
	byField := make(map[string][]ValueOption)

	for _, p := range pending {
		for field, change := range p.Changes {
			options := byField[field]
			merged := false
			for i := range options {
				if options[i].Value.Equal(change.New, e.orderSensitive) {
					options[i].AgentIDs = appendDistinct(options[i].AgentIDs, p.AgentID)
					options[i].ProposalIDs = append(options[i].ProposalIDs, p.ID)
					if change.Confidence > options[i].MaxConfidence {
						options[i].MaxConfidence = change.Confidence
					}
					merged = true
					break
				}
			}
			if !merged {
				options = append(options, ValueOption{
					Value:         change.New,
					AgentIDs:      []string{p.AgentID},
					ProposalIDs:   []string{p.ID},
					MaxConfidence: change.Confidence,
				})
			}
			byField[field] = options
		}
	}

	fields := make([]ConsolidatedField, 0, len(byField))
	for name, options := range byField {
		cf := ConsolidatedField{
			Field:   name,
			Block:   proposal.BlockOf(name),
			Options: options,
		}
		for i := range options {
			if len(options[i].AgentIDs) >= 2 {
				cf.Consensus = &options[i]
				break
			}
		}
		fields = append(fields, cf)

		outcome := "single"
		if cf.Consensus != nil {
			outcome = "consensus"
		} else if len(options) > 1 {
			outcome = "conflict"
		}
		metrics.ConsolidatedFieldsTotal.WithLabelValues(outcome).Inc()
	}

	// Canonical block order, then field name, for deterministic output.
	sort.SliceStable(fields, func(i, j int) bool {
		ri, rj := fieldRank(fields[i].Block), fieldRank(fields[j].Block)
		if ri != rj {
			return ri < rj
		}
		return fields[i].Field < fields[j].Field
	})

	return fields
}

func fieldRank(b *blockgraph.BlockType) int {
	if b == nil {
		return len(blockgraph.AllBlocks()) + 1
	}
	return len(blockgraph.AllDependencies(*b))
}

// foldApprovedBlocks computes per-block approval across the open proposals:
// a block counts as approved only when every open proposal contributing to
// it carries the approval. Blocks with no contributors stay unapproved.
func (e *Engine) foldApprovedBlocks(pending []proposal.Proposal) map[blockgraph.BlockType]bool {
	approved := make(map[blockgraph.BlockType]bool)

	for _, block := range blockgraph.AllBlocks() {
		contributors := 0
		allApproved := true
		for i := range pending {
			if !pending[i].ContributesTo(block) {
				continue
			}
			contributors++
			if !pending[i].ApprovedBlocks[block] {
				allApproved = false
			}
		}
		approved[block] = contributors > 0 && allApproved
	}

	return approved
}

// findSuperseded flags open proposals whose every change is present, with a
// structurally equal value, in another open proposal. Among structurally
// equal proposals the earliest-created one survives.
func (e *Engine) findSuperseded(pending []proposal.Proposal) []string {
	if len(pending) < 2 {
		return nil
	}

	ordered := make([]proposal.Proposal, len(pending))
	copy(ordered, pending)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	superseded := make(map[string]bool)
	var ids []string
	for i := range ordered {
		if superseded[ordered[i].ID] {
			continue
		}
		for j := range ordered {
			if i == j || superseded[ordered[j].ID] {
				continue
			}
			// The earlier proposal wins a mutual-subset tie.
			if j < i && e.isSubset(ordered[i], ordered[j]) {
				continue
			}
			if e.isSubset(ordered[j], ordered[i]) {
				superseded[ordered[j].ID] = true
				ids = append(ids, ordered[j].ID)
			}
		}
	}

	return ids
}

// isSubset reports whether every change of a appears in b with an equal
// proposed value. Proposals with no changes are never treated as subsets.
func (e *Engine) isSubset(a, b proposal.Proposal) bool {
	if len(a.Changes) == 0 || len(a.Changes) > len(b.Changes) {
		return false
	}
	for field, change := range a.Changes {
		other, ok := b.Changes[field]
		if !ok || !change.New.Equal(other.New, e.orderSensitive) {
			return false
		}
	}
	return true
}

func withoutSuperseded(open []proposal.Proposal, superseded []string) []proposal.Proposal {
	if len(superseded) == 0 {
		return open
	}
	drop := make(map[string]bool, len(superseded))
	for _, id := range superseded {
		drop[id] = true
	}
	kept := make([]proposal.Proposal, 0, len(open)-len(superseded))
	for _, p := range open {
		if !drop[p.ID] {
			kept = append(kept, p)
		}
	}
	return kept
}

func appendDistinct(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
