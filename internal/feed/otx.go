package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ppiankov/threatintel/internal/retry"
)

// DefaultOTXURL is the subscribed-pulses endpoint
const DefaultOTXURL = "https://otx.alienvault.com/api/v1/pulses/subscribed"

// OTXClient pulls indicators from AlienVault OTX subscribed pulses
type OTXClient struct {
	client *Client
	url    string
	apiKey string
	policy retry.Policy
	logger *slog.Logger
}

// NewOTXClient creates an OTX client. An empty url uses DefaultOTXURL.
func NewOTXClient(client *Client, url, apiKey string, policy retry.Policy, logger *slog.Logger) *OTXClient {
	if url == "" {
		url = DefaultOTXURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OTXClient{
		client: client,
		url:    url,
		apiKey: apiKey,
		policy: policy,
		logger: logger,
	}
}

// Name returns the provider name
func (c *OTXClient) Name() string { return ProviderOTX }

type otxResponse struct {
	Results *[]json.RawMessage `json:"results"`
}

type otxPulse struct {
	Modified      json.RawMessage   `json:"modified"`
	Indicators    []json.RawMessage `json:"indicators"`
	ThreatHunting *struct {
		Severity json.RawMessage `json:"severity"`
	} `json:"threat_hunting"`
}

type otxIndicator struct {
	Indicator json.RawMessage `json:"indicator"`
	Type      json.RawMessage `json:"type"`
}

// Fetch retrieves every (pulse, indicator) pair from the subscribed feed,
// retrying transient failures under the client's policy. Records are returned
// in feed order, including ones the normalizer will drop.
func (c *OTXClient) Fetch(ctx context.Context) ([]RawRecord, error) {
	return retry.Value(ctx, c.policy, "otx.fetch", func(ctx context.Context) ([]RawRecord, error) {
		c.logger.Info("fetching threats from AlienVault OTX", "url", c.url)

		var resp otxResponse
		headers := map[string]string{"X-OTX-API-KEY": c.apiKey}
		if err := c.client.getJSON(ctx, c.url, headers, &resp); err != nil {
			return nil, err
		}
		if resp.Results == nil {
			return nil, retry.Permanent(fmt.Errorf("%w: missing top-level \"results\" list", ErrUpstreamMalformed))
		}

		records := parsePulses(*resp.Results, c.logger)
		c.logger.Info("extracted indicators", "provider", ProviderOTX, "pulses", len(*resp.Results), "records", len(records))
		return records, nil
	})
}

// parsePulses flattens pulses into raw records. A pulse or indicator entry
// that is not a JSON object is skipped; missing fields are left empty.
func parsePulses(pulses []json.RawMessage, logger *slog.Logger) []RawRecord {
	var records []RawRecord
	for i, raw := range pulses {
		var pulse otxPulse
		if err := json.Unmarshal(raw, &pulse); err != nil {
			logger.Debug("skipping unparseable pulse", "index", i, "error", err)
			continue
		}

		severity := ""
		if pulse.ThreatHunting != nil {
			severity = jsonString(pulse.ThreatHunting.Severity)
		}
		modified := jsonString(pulse.Modified)

		for _, rawInd := range pulse.Indicators {
			var ind otxIndicator
			if err := json.Unmarshal(rawInd, &ind); err != nil {
				logger.Debug("skipping unparseable indicator", "pulse", i, "error", err)
				continue
			}
			records = append(records, RawRecord{
				Indicator: jsonString(ind.Indicator),
				Type:      jsonString(ind.Type),
				Severity:  severity,
				Modified:  modified,
				Source:    ProviderOTX,
			})
		}
	}
	return records
}
