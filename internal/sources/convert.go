// Package sources implements the ad sources: flat files and the scheduler,
// execution-node and job-epoch histories.
package sources

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/adstash/internal/classad"
	"github.com/ternarybob/adstash/internal/common"
	"github.com/ternarybob/adstash/internal/interfaces"
	"github.com/ternarybob/adstash/internal/models"
)

// ErrMalformedAd marks a record that could not be converted into a document
var ErrMalformedAd = errors.New("malformed ad")

// Metadata fields added to every document. They never take part in the ID.
const (
	FieldSource   = "adstash_source"
	FieldEndpoint = "adstash_endpoint"
	FieldRuntime  = "adstash_runtime"
)

// documentNamespace scopes the name-based UUIDs used as document IDs
var documentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/ternarybob/adstash/document"))

// ConvertMeta is the per-cycle context stamped onto documents
type ConvertMeta struct {
	Source   string
	Endpoint string
	RunTime  time.Time
}

// Converter normalizes ads into documents and derives their IDs
type Converter struct {
	volatile map[string]bool
	dates    map[string]bool
	keyAttrs []string
}

// NewConverter builds a converter. keyAttrs are the attributes hashed by the
// key ID strategy.
func NewConverter(config common.DocumentsConfig, keyAttrs []string) *Converter {
	return &Converter{
		volatile: toSet(config.VolatileAttributes),
		dates:    toSet(config.DateAttributes),
		keyAttrs: keyAttrs,
	}
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// Convert turns a raw ad into a document. Every failure wraps ErrMalformedAd.
func (c *Converter) Convert(raw *models.RawAd, strategy interfaces.IDStrategy, meta ConvertMeta) (models.Document, error) {
	ad, err := classad.Resolve(raw)
	if err != nil {
		return models.Document{}, fmt.Errorf("%w: %v", ErrMalformedAd, err)
	}
	if ad.Len() == 0 {
		return models.Document{}, fmt.Errorf("%w: empty ad", ErrMalformedAd)
	}

	source := make(map[string]any, ad.Len()+3)
	stable := make(map[string]any, ad.Len())
	for _, attr := range ad.Attributes() {
		if attr.Value.IsUndefined() {
			continue
		}
		value, err := c.normalize(attr)
		if err != nil {
			return models.Document{}, err
		}
		source[attr.Name] = value
		if !c.volatile[attr.Name] {
			stable[attr.Name] = value
		}
	}
	if len(source) == 0 {
		return models.Document{}, fmt.Errorf("%w: every attribute is undefined", ErrMalformedAd)
	}

	id, err := c.documentID(stable, strategy)
	if err != nil {
		return models.Document{}, err
	}

	runTime := meta.RunTime
	if runTime.IsZero() {
		runTime = time.Now()
	}
	source[FieldSource] = meta.Source
	source[FieldEndpoint] = meta.Endpoint
	source[FieldRuntime] = runTime.UTC().Format(time.RFC3339)

	return models.Document{ID: id, Source: source}, nil
}

func (c *Converter) normalize(attr models.Attribute) (any, error) {
	if !c.dates[attr.Name] {
		return attr.Value.Interface(), nil
	}
	seconds, ok := attr.Value.Float()
	if !ok || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return nil, fmt.Errorf("%w: date attribute %s is not numeric: %s", ErrMalformedAd, attr.Name, attr.Value)
	}
	return time.Unix(int64(seconds), 0).UTC().Format(time.RFC3339), nil
}

// documentID hashes the canonical JSON of the selected attributes. The key
// strategy falls back to content when a key attribute is missing.
func (c *Converter) documentID(stable map[string]any, strategy interfaces.IDStrategy) (string, error) {
	subject := stable
	if strategy == interfaces.IDStrategyKey && len(c.keyAttrs) > 0 {
		keyed := make(map[string]any, len(c.keyAttrs))
		for _, name := range c.keyAttrs {
			v, ok := stable[name]
			if !ok {
				keyed = nil
				break
			}
			keyed[name] = v
		}
		if keyed != nil {
			subject = keyed
		}
	}

	// encoding/json sorts map keys, which makes the encoding canonical
	data, err := json.Marshal(subject)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedAd, err)
	}
	return uuid.NewSHA1(documentNamespace, data).String(), nil
}
