// Package orchestrator drives the classification pipeline: golden-set
// short-circuit, expansion, batch aggregation, NCM and CEST assignment,
// reconciliation, and transactional persistence of the result with its
// traces.
package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"classifica/internal/agents"
	"classifica/internal/config"
	"classifica/internal/llm"
	"classifica/internal/logging"
	"classifica/internal/product"
	"classifica/internal/retrieval"
	"classifica/internal/store"
	"classifica/internal/trace"
)

// Result is the public outcome of one product classification.
type Result struct {
	Classification store.Classification `json:"classification"`
	GroupTag       string               `json:"group_tag,omitempty"`
	GoldenHit      bool                 `json:"golden_hit,omitempty"`
	Err            string               `json:"error,omitempty"`
}

// Orchestrator wires the agents to the store and index.
type Orchestrator struct {
	store      *store.KnowledgeStore
	index      *retrieval.Index
	expansion  *agents.ExpansionAgent
	aggregator *agents.AggregationAgent
	ncm        *agents.NCMAgent
	cest       *agents.CESTAgent
	reconciler *agents.ReconcilerAgent
	cfg        config.Config
	logger     *zap.Logger
}

// New builds an orchestrator over shared components.
func New(s *store.KnowledgeStore, index *retrieval.Index, client llm.Client, cfg config.Config) *Orchestrator {
	return &Orchestrator{
		store:      s,
		index:      index,
		expansion:  agents.NewExpansionAgent(client),
		aggregator: agents.NewAggregationAgent(cfg.Pipeline.MergeSimilarity),
		ncm:        agents.NewNCMAgent(client, s, cfg.Pipeline.FallbackAttenuation),
		cest:       agents.NewCESTAgent(client, s),
		reconciler: agents.NewReconcilerAgent(s),
		cfg:        cfg,
		logger:     logging.For("orchestrator"),
	}
}

// ClassifyProduct runs the full chain for one product and persists the
// outcome. A failure inside the agent chain still persists a record with
// status TECHNICAL_FAILURE so the batch accounting never loses rows.
func (o *Orchestrator) ClassifyProduct(ctx context.Context, p agents.Product) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{Err: err.Error()}, err
	}

	if result, ok, err := o.goldenShortCircuit(p); err != nil {
		return Result{Err: err.Error()}, err
	} else if ok {
		return result, nil
	}

	classificationID := uuid.NewString()
	rec := trace.NewRecorder(classificationID)

	reconciled, expanded, err := o.runChain(ctx, rec, p)
	if err != nil {
		return o.persistFailure(classificationID, p, expanded, rec, err)
	}

	c := store.Classification{
		ID:                  classificationID,
		ProductCode:         p.Code,
		Barcode:             p.Barcode,
		Description:         p.Description,
		ExpandedDescription: expanded.Expanded,
		CategoryHint:        expanded.CategoryHint,
		MaterialHint:        expanded.MaterialHint,
		Keywords:            expanded.Keywords,
		NCM:                 reconciled.NCM,
		CEST:                reconciled.CEST,
		Confidence:          reconciled.Confidence,
		Status:              finalStatus(reconciled),
		Justification:       reconciled.Justification,
	}
	if err := o.store.PersistClassificationRun(&c, rec.Records()); err != nil {
		return Result{Err: err.Error()}, err
	}
	o.logger.Info("classified",
		zap.String("description", p.Description),
		zap.String("ncm", c.NCM),
		zap.String("cest", c.CEST),
		zap.Float64("confidence", c.Confidence),
		zap.String("status", c.Status))
	return Result{Classification: c}, nil
}

// runChain executes expansion, retrieval, NCM, CEST and reconciliation for
// one product.
func (o *Orchestrator) runChain(ctx context.Context, rec *trace.Recorder, p agents.Product) (agents.ReconcileResult, agents.ExpansionResult, error) {
	expanded, err := o.expansion.Expand(ctx, rec, p)
	if err != nil {
		return agents.ReconcileResult{}, agents.ExpansionResult{}, err
	}

	kctx, err := o.buildContext(ctx, expanded)
	if err != nil {
		o.logger.Warn("retrieval context unavailable", zap.Error(err))
		kctx = retrieval.Context{Query: expanded.Expanded, Pharmaceutical: expanded.Pharmaceutical}
	}

	ncmResult, err := o.ncm.Assign(ctx, rec, expanded, kctx)
	if err != nil {
		return agents.ReconcileResult{}, expanded, err
	}

	cestResult, err := o.cest.Assign(ctx, rec, expanded, ncmResult)
	if err != nil {
		return agents.ReconcileResult{}, expanded, err
	}

	reconciled, err := o.reconciler.Reconcile(rec, ncmResult, cestResult)
	if err != nil {
		return agents.ReconcileResult{}, expanded, err
	}
	return reconciled, expanded, nil
}

func (o *Orchestrator) buildContext(ctx context.Context, expanded agents.ExpansionResult) (retrieval.Context, error) {
	query := expanded.Expanded
	if len(expanded.Keywords) > 0 {
		query += " " + strings.Join(expanded.Keywords, " ")
	}
	return o.index.BuildContext(ctx, query, expanded.Pharmaceutical,
		o.cfg.Retrieval.TopK, o.cfg.Retrieval.BroadThreshold)
}

// goldenShortCircuit answers from the golden set when a reviewed entry of
// sufficient quality matches the product code, barcode or description.
func (o *Orchestrator) goldenShortCircuit(p agents.Product) (Result, bool, error) {
	entry, ok, err := o.store.LookupGoldenSet(p.Code, p.Barcode, p.Description)
	if err != nil {
		return Result{}, false, err
	}
	if !ok || entry.Quality < o.cfg.Pipeline.GoldenSetMinQuality {
		return Result{}, false, nil
	}

	classificationID := uuid.NewString()
	rec := trace.NewRecorder(classificationID)
	rec.Append(trace.Record{
		Agent:      "golden_set_hit",
		InputJSON:  trace.MarshalPayload(p),
		OutputJSON: trace.MarshalPayload(entry),
		Success:    true,
	})

	c := store.Classification{
		ID:            classificationID,
		ProductCode:   p.Code,
		Barcode:       p.Barcode,
		Description:   p.Description,
		NCM:           entry.NCM,
		CEST:          entry.CEST,
		Confidence:    entry.Quality,
		Status:        store.StatusClassified,
		Justification: fmt.Sprintf("golden set match: %s", entry.Justification),
	}
	if err := o.store.PersistClassificationRun(&c, rec.Records()); err != nil {
		return Result{}, false, err
	}
	o.logger.Info("golden set hit",
		zap.String("description", p.Description), zap.String("ncm", entry.NCM))
	return Result{Classification: c, GoldenHit: true}, true, nil
}

// persistFailure records a TECHNICAL_FAILURE row with whatever traces the
// chain produced before dying.
func (o *Orchestrator) persistFailure(id string, p agents.Product, expanded agents.ExpansionResult, rec *trace.Recorder, cause error) (Result, error) {
	c := store.Classification{
		ID:                  id,
		ProductCode:         p.Code,
		Barcode:             p.Barcode,
		Description:         p.Description,
		ExpandedDescription: expanded.Expanded,
		Status:              store.StatusTechnicalFailure,
		Justification:       cause.Error(),
	}
	if err := o.store.PersistClassificationRun(&c, rec.Records()); err != nil {
		o.logger.Error("could not persist failure record", zap.Error(err))
		return Result{Err: cause.Error()}, cause
	}
	o.logger.Error("classification failed",
		zap.String("description", p.Description), zap.Error(cause))
	return Result{Classification: c, Err: cause.Error()}, cause
}

func finalStatus(r agents.ReconcileResult) string {
	if r.NeedsReview || r.Confidence <= 0.3 {
		return store.StatusNeedsHumanReview
	}
	return store.StatusClassified
}

// ClassifyBatch expands every row, collapses duplicates, classifies each
// group once and fans the codes back out to all members. Group
// representatives run concurrently, capped at the configured worker count.
func (o *Orchestrator) ClassifyBatch(ctx context.Context, products []agents.Product) ([]Result, error) {
	results := make([]Result, len(products))

	// Expansion first; it feeds both aggregation and classification.
	expansions := make([]agents.ExpansionResult, len(products))
	recorders := make([]*trace.Recorder, len(products))
	ids := make([]string, len(products))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(o.cfg.Pipeline.Workers)
	for i := range products {
		eg.Go(func() error {
			ids[i] = uuid.NewString()
			recorders[i] = trace.NewRecorder(ids[i])
			if err := products[i].Validate(); err != nil {
				results[i] = Result{Err: err.Error()}
				return nil
			}
			exp, err := o.expansion.Expand(egCtx, recorders[i], products[i])
			if err != nil {
				results[i] = Result{Err: err.Error()}
				return nil
			}
			expansions[i] = exp
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	items := make([]product.Item, len(products))
	for i, p := range products {
		desc := expansions[i].Expanded
		if desc == "" {
			desc = p.Description
		}
		items[i] = product.Item{
			ProductCode: p.Code,
			Barcode:     p.Barcode,
			Description: desc,
		}
	}
	groups := o.aggregator.Aggregate(items)

	gg, ggCtx := errgroup.WithContext(ctx)
	gg.SetLimit(o.cfg.Pipeline.Workers)
	for _, group := range groups {
		gg.Go(func() error {
			o.classifyGroup(ggCtx, group, products, expansions, recorders, ids, results)
			return nil
		})
	}
	if err := gg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// classifyGroup classifies the group through its first valid member and
// copies the codes to the rest. Every member gets its own persisted record;
// the representative carries the full trace, the others a synthetic
// aggregation trace pointing at it.
func (o *Orchestrator) classifyGroup(ctx context.Context, group agents.AggregatedGroup, products []agents.Product, expansions []agents.ExpansionResult, recorders []*trace.Recorder, ids []string, results []Result) {
	lead := -1
	for _, idx := range group.Indices {
		if results[idx].Err == "" {
			lead = idx
			break
		}
	}
	if lead == -1 {
		return
	}

	if done, ok, err := o.goldenShortCircuit(products[lead]); err == nil && ok {
		done.GroupTag = group.Tag
		results[lead] = done
		o.fanOut(group, lead, done.Classification, products, results)
		return
	} else if err != nil {
		results[lead] = Result{Err: err.Error()}
		return
	}

	rec := recorders[lead]
	reconciled, err := o.finishChain(ctx, rec, expansions[lead])
	if err != nil {
		res, _ := o.persistFailure(ids[lead], products[lead], expansions[lead], rec, err)
		res.GroupTag = group.Tag
		results[lead] = res
		return
	}

	c := store.Classification{
		ID:                  ids[lead],
		ProductCode:         products[lead].Code,
		Barcode:             products[lead].Barcode,
		Description:         products[lead].Description,
		ExpandedDescription: expansions[lead].Expanded,
		CategoryHint:        expansions[lead].CategoryHint,
		MaterialHint:        expansions[lead].MaterialHint,
		Keywords:            expansions[lead].Keywords,
		NCM:                 reconciled.NCM,
		CEST:                reconciled.CEST,
		Confidence:          reconciled.Confidence,
		Status:              finalStatus(reconciled),
		Justification:       reconciled.Justification,
	}
	if err := o.store.PersistClassificationRun(&c, rec.Records()); err != nil {
		results[lead] = Result{Err: err.Error(), GroupTag: group.Tag}
		return
	}
	results[lead] = Result{Classification: c, GroupTag: group.Tag}
	o.fanOut(group, lead, c, products, results)
}

// finishChain runs the post-expansion stages for a group representative.
func (o *Orchestrator) finishChain(ctx context.Context, rec *trace.Recorder, expanded agents.ExpansionResult) (agents.ReconcileResult, error) {
	kctx, err := o.buildContext(ctx, expanded)
	if err != nil {
		o.logger.Warn("retrieval context unavailable", zap.Error(err))
		kctx = retrieval.Context{Query: expanded.Expanded, Pharmaceutical: expanded.Pharmaceutical}
	}
	ncmResult, err := o.ncm.Assign(ctx, rec, expanded, kctx)
	if err != nil {
		return agents.ReconcileResult{}, err
	}
	cestResult, err := o.cest.Assign(ctx, rec, expanded, ncmResult)
	if err != nil {
		return agents.ReconcileResult{}, err
	}
	return o.reconciler.Reconcile(rec, ncmResult, cestResult)
}

// fanOut copies the lead classification to the remaining group members.
func (o *Orchestrator) fanOut(group agents.AggregatedGroup, lead int, leadClass store.Classification, products []agents.Product, results []Result) {
	for _, idx := range group.Indices {
		if idx == lead || results[idx].Err != "" {
			continue
		}
		rec := trace.NewRecorder("")
		rec.Append(trace.Record{
			Agent: "aggregation",
			InputJSON: trace.MarshalPayload(map[string]string{
				"representative_id": leadClass.ID,
				"tag":               group.Tag,
			}),
			OutputJSON: trace.MarshalPayload(leadClass),
			Success:    true,
		})
		c := store.Classification{
			ProductCode:         products[idx].Code,
			Barcode:             products[idx].Barcode,
			Description:         products[idx].Description,
			ExpandedDescription: leadClass.ExpandedDescription,
			CategoryHint:        leadClass.CategoryHint,
			MaterialHint:        leadClass.MaterialHint,
			Keywords:            leadClass.Keywords,
			NCM:                 leadClass.NCM,
			CEST:                leadClass.CEST,
			Confidence:          leadClass.Confidence,
			Status:              leadClass.Status,
			Justification:       fmt.Sprintf("duplicate of %s: %s", leadClass.ID, leadClass.Justification),
		}
		if err := o.store.PersistClassificationRun(&c, rec.Records()); err != nil {
			results[idx] = Result{Err: err.Error(), GroupTag: group.Tag}
			continue
		}
		results[idx] = Result{Classification: c, GroupTag: group.Tag}
	}
}
