package agents

import (
	"go.uber.org/zap"

	"classifica/internal/logging"
	"classifica/internal/product"
)

// Group tags describing how an aggregated group was formed.
const (
	TagDuplicates           = "duplicates_detected"
	TagUnique               = "unique_product"
	TagUniqueLowConfidence  = "unique_product_low_confidence"
	TagHeterogeneousCorrect = "heterogeneous_corrected"
)

// AggregatedGroup is a set of input rows classified once and fanned back
// out to every member.
type AggregatedGroup struct {
	Indices        []int   `json:"indices"`
	Representative string  `json:"representative"`
	Tag            string  `json:"tag"`
	Similarity     float64 `json:"similarity,omitempty"`
}

// AggregationAgent collapses duplicate rows before the expensive agents
// run. It is fully deterministic: identity comes from shared codes and
// token overlap, never from a model.
type AggregationAgent struct {
	mergeSimilarity float64
	logger          *zap.Logger
}

// NewAggregationAgent builds the agent. mergeSimilarity is the floor for
// folding near-identical singletons into an existing group.
func NewAggregationAgent(mergeSimilarity float64) *AggregationAgent {
	if mergeSimilarity <= 0 || mergeSimilarity > 1 {
		mergeSimilarity = 0.78
	}
	return &AggregationAgent{
		mergeSimilarity: mergeSimilarity,
		logger:          logging.For("agents.aggregation"),
	}
}

// Aggregate groups the batch. Identity classes come first; each class is
// checked for category homogeneity and split when incompatible categories
// landed together; finally singletons merge into compatible groups above
// the similarity floor.
func (a *AggregationAgent) Aggregate(items []product.Item) []AggregatedGroup {
	if len(items) == 0 {
		return nil
	}

	classes := product.GroupIdentical(items)

	var groups []AggregatedGroup
	for _, class := range classes {
		subGroups := a.splitHeterogeneous(items, class)
		groups = append(groups, subGroups...)
	}

	groups = a.mergeSingletons(items, groups)

	for i := range groups {
		if groups[i].Tag != "" {
			continue
		}
		if len(groups[i].Indices) > 1 {
			groups[i].Tag = TagDuplicates
		} else {
			groups[i].Tag = TagUnique
		}
	}
	return groups
}

// splitHeterogeneous breaks an identity class apart when its members fall
// into incompatible product categories. Shared barcodes on genuinely
// different goods happen in dirty ERP exports.
func (a *AggregationAgent) splitHeterogeneous(items []product.Item, class []int) []AggregatedGroup {
	members := make([]product.Item, len(class))
	for i, idx := range class {
		members[i] = items[idx]
	}

	report := product.CheckHomogeneity(members)
	if report.Homogeneous {
		return []AggregatedGroup{{
			Indices:        class,
			Representative: representative(items, class),
		}}
	}

	a.logger.Warn("identity class spans incompatible categories, splitting",
		zap.Strings("alerts", report.Alerts),
		zap.Int("members", len(class)))

	var out []AggregatedGroup
	for _, local := range product.SplitByCategory(members) {
		indices := make([]int, len(local))
		for i, li := range local {
			indices[i] = class[li]
		}
		out = append(out, AggregatedGroup{
			Indices:        indices,
			Representative: representative(items, indices),
			Tag:            TagHeterogeneousCorrect,
		})
	}
	return out
}

// mergeSingletons folds lone rows into an existing group when the
// representative descriptions are near-identical and the categories agree.
func (a *AggregationAgent) mergeSingletons(items []product.Item, groups []AggregatedGroup) []AggregatedGroup {
	var out []AggregatedGroup
	for _, g := range groups {
		if len(g.Indices) > 1 {
			out = append(out, g)
			continue
		}

		merged := false
		single := items[g.Indices[0]]
		singleCat := product.Classify(single.Description, single.NCM)
		for i := range out {
			target := items[out[i].Indices[0]]
			if product.Classify(target.Description, target.NCM) != singleCat {
				continue
			}
			sim := product.TokenSetSimilarity(single.Description, out[i].Representative)
			if sim < a.mergeSimilarity {
				continue
			}
			out[i].Indices = append(out[i].Indices, g.Indices[0])
			out[i].Representative = representative(items, out[i].Indices)
			out[i].Similarity = sim
			if out[i].Tag == "" || out[i].Tag == TagUnique {
				out[i].Tag = TagUniqueLowConfidence
			}
			merged = true
			break
		}
		if !merged {
			out = append(out, g)
		}
	}
	return out
}

func representative(items []product.Item, indices []int) string {
	descriptions := make([]string, len(indices))
	for i, idx := range indices {
		descriptions[i] = items[idx].Description
	}
	return product.CanonicalDescription(descriptions)
}
