package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/threatintel/internal/feed"
	"github.com/ppiankov/threatintel/internal/model"
	"github.com/ppiankov/threatintel/internal/normalize"
	"github.com/ppiankov/threatintel/internal/retry"
	"github.com/ppiankov/threatintel/internal/store"
)

// Fetcher returns the raw records of one upstream pull
type Fetcher interface {
	Fetch(ctx context.Context) ([]feed.RawRecord, error)
}

// Enricher returns a replacement record for a single IPv4 indicator
type Enricher interface {
	Lookup(ctx context.Context, ip string) (feed.RawRecord, error)
}

// Observer receives the result of every cycle, successful or not
type Observer interface {
	ObserveCycle(result *model.CycleResult)
}

// Orchestrator runs fetch cycles: fetch, normalize, enrich, insert-if-absent
type Orchestrator struct {
	otx       Fetcher
	vt        Enricher // nil disables enrichment
	store     store.Store
	policy    retry.Policy
	logger    *slog.Logger
	observers []Observer
	now       func() time.Time
}

// NewOrchestrator creates an orchestrator over owned handles. vt may be nil.
func NewOrchestrator(otx Fetcher, vt Enricher, st store.Store, policy retry.Policy, logger *slog.Logger, observers ...Observer) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		otx:       otx,
		vt:        vt,
		store:     st,
		policy:    policy,
		logger:    logger,
		observers: observers,
		now:       time.Now,
	}
}

// RunCycle performs one fetch cycle. On failure the partial result is
// returned with the error; documents already inserted stay in the store.
func (o *Orchestrator) RunCycle(ctx context.Context) (*model.CycleResult, error) {
	result := &model.CycleResult{
		ID:        newCycleID(),
		StartedAt: o.now().UTC(),
	}
	logger := o.logger.With("cycle_id", result.ID)
	logger.Info("fetch cycle started", "enrichment", o.vt != nil)

	err := o.run(ctx, result, logger)
	result.FinishedAt = o.now().UTC()
	result.Err = err

	if err != nil {
		logger.Error("fetch cycle failed",
			"error", err,
			"extracted", result.Extracted,
			"inserted", result.Inserted,
			"duplicates", result.Duplicates,
			"duration", result.Duration(),
		)
	} else {
		logger.Info("fetch cycle complete",
			"extracted", result.Extracted,
			"enriched", result.Enriched,
			"dropped", result.Dropped,
			"inserted", result.Inserted,
			"duplicates", result.Duplicates,
			"duration", result.Duration(),
		)
	}

	for _, obs := range o.observers {
		obs.ObserveCycle(result)
	}
	return result, err
}

func (o *Orchestrator) run(ctx context.Context, result *model.CycleResult, logger *slog.Logger) error {
	// 1. Pull from OTX
	raws, err := o.otx.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch otx: %w", err)
	}
	result.Extracted = len(raws)

	// 2. Normalize, dropping records without indicator or type
	now := o.now()
	docs, dropped := normalize.All(raws, now)
	result.Dropped = dropped
	if dropped > 0 {
		logger.Debug("dropped malformed records", "count", dropped)
	}

	// 3. Swap IPv4 documents for VirusTotal verdicts
	if o.vt != nil {
		enriched, err := o.enrich(ctx, docs, now, logger)
		if err != nil {
			return err
		}
		result.Enriched = enriched
	}
	result.Records = docs

	// 4. Insert in order; each call is retried on store errors
	for _, doc := range docs {
		outcome, err := retry.Value(ctx, o.policy, "store.insert", func(ctx context.Context) (store.Outcome, error) {
			return o.store.InsertIfAbsent(ctx, doc)
		})
		if err != nil {
			return fmt.Errorf("store %s %s: %w", doc.Type, doc.Indicator, err)
		}

		switch outcome {
		case store.Inserted:
			result.Inserted++
			if result.InsertedByType == nil {
				result.InsertedByType = make(map[string]int)
			}
			result.InsertedByType[doc.Type]++
			logger.Debug("inserted indicator", "indicator", doc.Indicator, "type", doc.Type, "severity", doc.Severity)
		case store.AlreadyExists:
			result.Duplicates++
		}
	}
	return nil
}

// enrich replaces docs[i] in place for every IPv4 document. Each distinct
// address is looked up once per cycle. Values that are not IPv4 addresses
// are kept as fetched.
func (o *Orchestrator) enrich(ctx context.Context, docs []model.Indicator, now time.Time, logger *slog.Logger) (int, error) {
	verdicts := make(map[string]model.Indicator)
	enriched := 0

	for i, doc := range docs {
		if doc.Type != feed.TypeIPv4 {
			continue
		}
		if addr, err := netip.ParseAddr(doc.Indicator); err != nil || !addr.Is4() {
			logger.Debug("skipping enrichment of invalid address", "indicator", doc.Indicator)
			continue
		}

		verdict, seen := verdicts[doc.Indicator]
		if !seen {
			rec, err := o.vt.Lookup(ctx, doc.Indicator)
			if err != nil {
				return enriched, fmt.Errorf("enrich %s: %w", doc.Indicator, err)
			}
			if rec.Indicator == "" {
				rec.Indicator = doc.Indicator
			}
			if rec.Type == "" {
				rec.Type = doc.Type
			}
			verdict, _ = normalize.Indicator(rec, now)
			verdicts[doc.Indicator] = verdict
			logger.Debug("virustotal verdict", "indicator", doc.Indicator, "severity", verdict.Severity)
		}

		docs[i] = verdict
		enriched++
	}
	return enriched, nil
}

func newCycleID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
