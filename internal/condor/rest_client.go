// Package condor queries scheduler and execution-node history, either through
// a REST daemon or from local history files.
package condor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/ternarybob/adstash/internal/classad"
	"github.com/ternarybob/adstash/internal/common"
	"github.com/ternarybob/adstash/internal/httpclient"
	"github.com/ternarybob/adstash/internal/interfaces"
	"github.com/ternarybob/adstash/internal/models"
	"github.com/ternarybob/arbor"
)

// RestClient talks to a REST daemon exposing
//
//	GET /v1/history/{kind}/{origin}?since=<id>  -> [{"classad": {...}}, ...]
//	GET /v1/status?query=schedds|startds       -> [{"classad": {"Name": ..., "MyAddress": ...}}, ...]
type RestClient struct {
	client    *httpclient.Client
	static    map[models.EndpointKind][]string
	exclusive bool
	logger    arbor.ILogger
}

// NewRestClient creates a client for config.RestURL
func NewRestClient(config common.CondorConfig, logger arbor.ILogger) *RestClient {
	client := httpclient.New(httpclient.Config{
		BaseURL:    config.RestURL,
		Timeout:    common.ParseDurationOr(config.RequestTimeout, 60*time.Second),
		MaxRetries: config.MaxRetries,
		RateLimit:  config.RateLimit,
		RateBurst:  config.RateBurst,
		Headers:    map[string]string{"Accept": "application/json"},
	}, logger)

	return &RestClient{
		client:    client,
		static:    staticEndpoints(config),
		exclusive: config.SinceExclusive,
		logger:    logger,
	}
}

// ExclusiveSince follows condor.since_exclusive; history daemons normally
// stop at the since record without returning it
func (c *RestClient) ExclusiveSince() bool {
	return c.exclusive
}

type restAd struct {
	ClassAd json.RawMessage `json:"classad"`
}

// Query fetches the history of origin newer than since
func (c *RestClient) Query(ctx context.Context, kind interfaces.HistoryKind, origin models.Endpoint, since string) (interfaces.AdIterator, error) {
	query := url.Values{}
	if since != "" {
		query.Set("since", since)
	}

	path := fmt.Sprintf("/v1/history/%s/%s", kind, url.PathEscape(origin.Name))
	resp, err := c.client.Get(ctx, path, query)
	if err != nil {
		return nil, fmt.Errorf("query %s history of %s: %w", kind, origin.Name, err)
	}

	c.logger.Debug().
		Str("kind", string(kind)).
		Str("origin", origin.Name).
		Str("since", since).
		Int("bytes", len(resp.Body)).
		Msg("History response received")

	return newJSONArrayIterator(origin.Name, resp.Body)
}

// ListEndpoints returns the configured static list, or asks the collector
func (c *RestClient) ListEndpoints(ctx context.Context, kind models.EndpointKind) ([]models.Endpoint, error) {
	if names := c.static[kind]; len(names) > 0 {
		return namedEndpoints(kind, names), nil
	}

	resp, err := c.client.Get(ctx, "/v1/status", url.Values{"query": {string(kind) + "s"}})
	if err != nil {
		return nil, fmt.Errorf("list %s endpoints: %w", kind, err)
	}

	var items []restAd
	if err := resp.JSON(&items); err != nil {
		return nil, fmt.Errorf("decode %s endpoint list: %w", kind, err)
	}

	endpoints := make([]models.Endpoint, 0, len(items))
	for _, item := range items {
		ad, err := classad.UnmarshalJSON(item.ClassAd)
		if err != nil {
			c.logger.Warn().Err(err).Str("kind", string(kind)).Msg("Skipping undecodable endpoint ad")
			continue
		}
		name, ok := ad.GetString("Name")
		if !ok || name == "" {
			continue
		}
		address, _ := ad.GetString("MyAddress")
		endpoints = append(endpoints, models.Endpoint{Name: name, Kind: kind, Address: address})
	}
	return endpoints, nil
}

// jsonArrayIterator decodes one element of a JSON array per Next call
type jsonArrayIterator struct {
	origin string
	dec    *json.Decoder
	cur    *models.RawAd
	err    error
	done   bool
}

func newJSONArrayIterator(origin string, body []byte) (*jsonArrayIterator, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("read history array: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, fmt.Errorf("history response is not a JSON array")
	}
	return &jsonArrayIterator{origin: origin, dec: dec}, nil
}

func (it *jsonArrayIterator) Next() bool {
	if it.done || !it.dec.More() {
		it.done = true
		it.cur = nil
		return false
	}

	var item restAd
	if err := it.dec.Decode(&item); err != nil {
		it.err = fmt.Errorf("decode history record: %w", err)
		it.done = true
		it.cur = nil
		return false
	}

	raw := &models.RawAd{Origin: it.origin}
	if ad, err := classad.UnmarshalJSON(item.ClassAd); err != nil {
		raw.Err = err
	} else {
		raw.Ad = &ad
	}
	it.cur = raw
	return true
}

func (it *jsonArrayIterator) Value() *models.RawAd { return it.cur }

func (it *jsonArrayIterator) Err() error { return it.err }

func (it *jsonArrayIterator) Close() error { return nil }

func staticEndpoints(config common.CondorConfig) map[models.EndpointKind][]string {
	return map[models.EndpointKind][]string{
		models.EndpointSchedd: config.Schedds,
		models.EndpointStartd: config.Startds,
	}
}

func namedEndpoints(kind models.EndpointKind, names []string) []models.Endpoint {
	endpoints := make([]models.Endpoint, 0, len(names))
	for _, name := range names {
		endpoints = append(endpoints, models.Endpoint{Name: name, Kind: kind})
	}
	return endpoints
}
