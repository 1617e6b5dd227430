package gateway_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/harvester/internal/gateway"
)

func TestModelCredits(t *testing.T) {
	haiku, err := gateway.NewCatalog().Lookup("claude-3-haiku")
	require.NoError(t, err)

	tests := []struct {
		name          string
		model         gateway.Model
		input, output int64
		want          int64
	}{
		{"rounds fractional credits up", haiku, 1000, 1000, 2},
		{"charges at least one credit", haiku, 0, 0, 1},
		{"exact amount is not rounded up", flatOutput, 0, 3000, 30},
		{"input priced separately", gateway.Model{InputPerMTok: 3, OutputPerMTok: 15}, 10000, 2000, 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.model.Credits(tt.input, tt.output, gateway.DefaultCreditsPerUSD))
		})
	}
}

func TestCatalog_OverridesReplaceDefaults(t *testing.T) {
	c := gateway.NewCatalog(gateway.Model{Key: "claude-3-haiku", ProviderModel: "pinned", InputPerMTok: 1})

	m, err := c.Lookup("claude-3-haiku")
	require.NoError(t, err)
	assert.Equal(t, "pinned", m.ProviderModel)
	assert.Contains(t, c.Keys(), "claude-3-opus")

	_, err = c.Lookup("missing")
	require.ErrorIs(t, err, gateway.ErrUnknownModel)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, int64(0), gateway.EstimateTokens(""))
	assert.Equal(t, int64(2), gateway.EstimateTokens("abcde"))
	assert.Equal(t, int64(1), gateway.EstimateTokens("日本語"))
}
