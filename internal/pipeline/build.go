package pipeline

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ppiankov/threatintel/internal/cache"
	"github.com/ppiankov/threatintel/internal/feed"
	"github.com/ppiankov/threatintel/internal/model"
	"github.com/ppiankov/threatintel/internal/retry"
	"github.com/ppiankov/threatintel/internal/store"
	"github.com/ppiankov/threatintel/internal/worker"
)

// RetryObserver is optionally implemented by observers that count retries.
// source is the part of the operation name before the first dot
// ("otx", "virustotal", "store").
type RetryObserver interface {
	ObserveRetry(source string)
}

// NewPolicy builds the retry policy shared by upstream and store calls
func NewPolicy(cfg model.RetryConfig, logger *slog.Logger, observers ...Observer) retry.Policy {
	var counters []RetryObserver
	for _, obs := range observers {
		if ro, ok := obs.(RetryObserver); ok {
			counters = append(counters, ro)
		}
	}

	return retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Jitter:      cfg.Jitter,
		Logger:      logger,
		OnRetry: func(op string, attempt int, delay time.Duration, err error) {
			source, _, _ := strings.Cut(op, ".")
			for _, c := range counters {
				c.ObserveRetry(source)
			}
		},
	}
}

// New wires an Orchestrator from configuration: HTTP client, rate limiter,
// OTX client and, when enabled, the VirusTotal client with its verdict cache.
func New(cfg *model.Config, st store.Store, logger *slog.Logger, observers ...Observer) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	policy := NewPolicy(cfg.Retry, logger, observers...)

	limiter := worker.NewLimiter(0, 1)
	client := feed.NewClient(cfg.HTTP, limiter)

	otx := feed.NewOTXClient(client, cfg.OTX.URL, cfg.OTX.APIKey, policy, logger)

	var vt Enricher
	if cfg.VT.Enabled {
		baseURL := cfg.VT.BaseURL
		if baseURL == "" {
			baseURL = feed.DefaultVTBaseURL
		}
		if cfg.VT.RequestsPerMinute > 0 {
			if err := limiter.SetURLRate(baseURL, cfg.VT.RequestsPerMinute, 1); err != nil {
				return nil, fmt.Errorf("virustotal rate limit: %w", err)
			}
		}
		verdicts := cache.New(cfg.Cache, cfg.VT.CacheTTL)
		vt = feed.NewVTClient(client, baseURL, cfg.VT.APIKey, policy, verdicts, cfg.VT.CacheTTL, logger)
		logger.Debug("virustotal enrichment enabled",
			"base_url", baseURL,
			"requests_per_minute", cfg.VT.RequestsPerMinute,
			"cache", verdicts != nil,
		)
	}

	return NewOrchestrator(otx, vt, st, policy, logger, observers...), nil
}
