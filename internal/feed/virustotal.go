package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ppiankov/threatintel/internal/cache"
	"github.com/ppiankov/threatintel/internal/model"
	"github.com/ppiankov/threatintel/internal/retry"
)

// DefaultVTBaseURL is the VirusTotal v3 API root
const DefaultVTBaseURL = "https://www.virustotal.com/api/v3"

// VTClient looks up IPv4 indicators in VirusTotal
type VTClient struct {
	client   *Client
	baseURL  string
	apiKey   string
	policy   retry.Policy
	cache    cache.Cache // nil disables caching
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewVTClient creates a VirusTotal client. verdicts may be nil.
func NewVTClient(client *Client, baseURL, apiKey string, policy retry.Policy, verdicts cache.Cache, cacheTTL time.Duration, logger *slog.Logger) *VTClient {
	if baseURL == "" {
		baseURL = DefaultVTBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VTClient{
		client:   client,
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		policy:   policy,
		cache:    verdicts,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// Name returns the provider name
func (c *VTClient) Name() string { return ProviderVirusTotal }

type vtResponse struct {
	Data *struct {
		Attributes struct {
			LastAnalysisStats struct {
				Malicious int `json:"malicious"`
			} `json:"last_analysis_stats"`
			LastAnalysisDate int64 `json:"last_analysis_date"`
		} `json:"attributes"`
	} `json:"data"`
}

// Lookup returns the VirusTotal-derived record for one IPv4 address. Any
// malicious verdict maps to severity "high", otherwise "unknown". The
// record's Modified is the last analysis date, empty when VirusTotal has none.
func (c *VTClient) Lookup(ctx context.Context, ip string) (RawRecord, error) {
	key := cache.Key(ProviderVirusTotal, ip)
	if c.cache != nil {
		if data, found := c.cache.Get(key); found {
			var rec RawRecord
			if err := json.Unmarshal(data, &rec); err == nil {
				c.logger.Debug("virustotal verdict cache hit", "indicator", ip)
				return rec, nil
			}
			c.logger.Warn("discarding unreadable cached verdict", "indicator", ip)
			if err := c.cache.Delete(key); err != nil {
				c.logger.Warn("failed to delete cached verdict", "indicator", ip, "error", err)
			}
		}
	}

	rec, err := retry.Value(ctx, c.policy, "virustotal.lookup", func(ctx context.Context) (RawRecord, error) {
		var resp vtResponse
		endpoint := c.baseURL + "/ip_addresses/" + url.PathEscape(ip)
		if err := c.client.getJSON(ctx, endpoint, map[string]string{"x-apikey": c.apiKey}, &resp); err != nil {
			return RawRecord{}, err
		}
		if resp.Data == nil {
			return RawRecord{}, retry.Permanent(fmt.Errorf("%w: missing top-level \"data\" object", ErrUpstreamMalformed))
		}
		return verdictRecord(ip, &resp), nil
	})
	if err != nil {
		return RawRecord{}, err
	}

	if c.cache != nil {
		if data, err := json.Marshal(rec); err == nil {
			if err := c.cache.Set(key, data, c.cacheTTL); err != nil {
				c.logger.Warn("failed to cache virustotal verdict", "indicator", ip, "error", err)
			}
		}
	}
	return rec, nil
}

func verdictRecord(ip string, resp *vtResponse) RawRecord {
	attrs := resp.Data.Attributes

	severity := model.SeverityUnknown
	if attrs.LastAnalysisStats.Malicious > 0 {
		severity = model.SeverityHigh
	}

	modified := ""
	if attrs.LastAnalysisDate > 0 {
		modified = model.FormatTimestamp(time.Unix(attrs.LastAnalysisDate, 0))
	}

	return RawRecord{
		Indicator: ip,
		Type:      TypeIPv4,
		Severity:  severity,
		Modified:  modified,
		Source:    ProviderVirusTotal,
	}
}
