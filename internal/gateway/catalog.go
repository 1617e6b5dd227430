package gateway

import (
	"fmt"
	"math"
	"sort"

	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
)

// ErrUnknownModel is returned for a model key that is not in the catalog.
var ErrUnknownModel = domain.ErrUnknownModel

// DefaultCreditsPerUSD converts provider cost into credits.
const DefaultCreditsPerUSD = 1000

const (
	tokensPerMillion = 1_000_000
	charsPerToken    = 4
	// priceEpsilon absorbs float noise so an exact credit amount is not rounded up.
	priceEpsilon = 1e-9
)

// Model is one priced catalog entry. Prices are USD per million tokens.
type Model struct {
	Key           string
	ProviderModel string
	InputPerMTok  float64
	OutputPerMTok float64
}

// Catalog maps model keys to provider models and prices.
type Catalog struct {
	models map[string]Model
}

// DefaultModels is the built-in price list.
func DefaultModels() []Model {
	return []Model{
		{Key: "claude-sonnet-4-5", ProviderModel: "claude-sonnet-4-5-20250929", InputPerMTok: 3, OutputPerMTok: 15},
		{Key: "claude-sonnet-4", ProviderModel: "claude-sonnet-4-20250514", InputPerMTok: 3, OutputPerMTok: 15},
		{Key: "claude-3-5-sonnet", ProviderModel: "claude-3-5-sonnet-20240620", InputPerMTok: 3, OutputPerMTok: 15},
		{Key: "claude-3-opus", ProviderModel: "claude-3-opus-20240229", InputPerMTok: 15, OutputPerMTok: 75},
		{Key: "claude-3-haiku", ProviderModel: "claude-3-haiku-20240307", InputPerMTok: 0.25, OutputPerMTok: 1.25},
	}
}

// NewCatalog builds a catalog from the defaults, replaced or extended by overrides.
func NewCatalog(overrides ...Model) *Catalog {
	c := &Catalog{models: make(map[string]Model)}
	for _, m := range DefaultModels() {
		c.models[m.Key] = m
	}
	for _, m := range overrides {
		c.models[m.Key] = m
	}
	return c
}

// Lookup resolves key.
func (c *Catalog) Lookup(key string) (Model, error) {
	m, ok := c.models[key]
	if !ok {
		return Model{}, fmt.Errorf("%w: %q", ErrUnknownModel, key)
	}
	return m, nil
}

// Keys lists the catalog keys in order.
func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.models))
	for k := range c.models {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EstimateTokens approximates the token count of text at four characters per token.
func EstimateTokens(text string) int64 {
	n := int64(len([]rune(text)))
	return (n + charsPerToken - 1) / charsPerToken
}

// CostUSD prices a call.
func (m Model) CostUSD(inputTokens, outputTokens int64) float64 {
	return (float64(inputTokens)*m.InputPerMTok + float64(outputTokens)*m.OutputPerMTok) / tokensPerMillion
}

// Credits converts a call's cost into credits, rounding up with a minimum of one.
func (m Model) Credits(inputTokens, outputTokens, creditsPerUSD int64) int64 {
	credits := int64(math.Ceil(m.CostUSD(inputTokens, outputTokens)*float64(creditsPerUSD) - priceEpsilon))
	if credits < 1 {
		return 1
	}
	return credits
}
