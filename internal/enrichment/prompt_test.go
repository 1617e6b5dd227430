package enrichment_test

import (
	"encoding/json"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
	"github.com/jonesrussell/north-cloud/harvester/internal/enrichment"
)

func TestParseAnalysis(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    *domain.Analysis
		wantErr bool
	}{
		{
			name: "plain json",
			raw:  `{"topic":"Finance","subtopic":"index funds","hookType":"question","tags":["money","etf"],"emotionalTrigger":"greed"}`,
			want: &domain.Analysis{
				Topic: "Finance", Subtopic: "index funds", HookType: "question",
				Tags: []string{"money", "etf"}, EmotionalTrigger: "greed",
			},
		},
		{
			name: "fenced with language tag",
			raw:  "```json\n{\"topic\":\"Humor\",\"hookType\":\"story\"}\n```",
			want: &domain.Analysis{Topic: "Humor", HookType: "story", Tags: []string{}},
		},
		{
			name: "prose around object",
			raw:  "Here is the analysis: {\"topic\":\"Cooking\"} hope it helps",
			want: &domain.Analysis{Topic: "Cooking", Tags: []string{}},
		},
		{
			name: "values canonicalized or cleared",
			raw:  `{"topic":"finance","hookType":"rant","emotionalTrigger":"fomo","targetAudience":"25-35 founders"}`,
			want: &domain.Analysis{Topic: "Finance", EmotionalTrigger: "FOMO", TargetAudience: "25-35 founders", Tags: []string{}},
		},
		{
			name: "nulls leave fields empty",
			raw:  `{"topic":null,"subtopic":null,"tags":null}`,
			want: &domain.Analysis{Tags: []string{}},
		},
		{
			name: "tags deduped and capped",
			raw:  `{"tags":["a"," a ","b","","c","d","e","f"]}`,
			want: &domain.Analysis{Tags: []string{"a", "b", "c", "d", "e"}},
		},
		{name: "not json", raw: "I cannot analyze this post.", wantErr: true},
		{name: "truncated object", raw: `{"topic":"Finance"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := enrichment.ParseAnalysis(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUserPrompt(t *testing.T) {
	item := &domain.ContentItem{
		SourceURL: domain.ProfileURL("chef.anna"),
		MediaType: domain.MediaVideo,
		Caption:   strings.Repeat("é", 30),
		Views:     120000,
		Likes:     800,
		Comments:  40,
	}

	prompt, err := enrichment.UserPrompt(item, 10)
	require.NoError(t, err)

	body, ok := strings.CutPrefix(prompt, "Analyze this post:\n")
	require.True(t, ok)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &decoded))
	assert.Equal(t, strings.Repeat("é", 10), decoded["caption"])
	assert.Equal(t, "Video", decoded["contentType"])
	assert.Equal(t, "chef.anna", decoded["sourceUsername"])
	assert.InDelta(t, 120000, decoded["views"], 0)
}

func TestSystemPrompt_ListsAllowedValues(t *testing.T) {
	prompt := enrichment.SystemPrompt()
	for _, v := range slices.Concat(enrichment.Topics, enrichment.HookTypes, enrichment.EmotionalTriggers) {
		assert.Contains(t, prompt, `"`+v+`"`)
	}
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "héll", enrichment.TruncateRunes("héllo", 4))
	assert.Equal(t, "hi", enrichment.TruncateRunes("hi", 4))
	assert.Empty(t, enrichment.TruncateRunes("hi", 0))
}

func TestNormalizeCaption(t *testing.T) {
	decomposed := strings.Repeat("e\u0301", 5)
	assert.Equal(t, strings.Repeat("é", 5), enrichment.NormalizeCaption(decomposed))
	assert.Equal(t, "ééé", enrichment.TruncateRunes(enrichment.NormalizeCaption(decomposed), 3))
	assert.Equal(t, "a\nb\tc", enrichment.NormalizeCaption("a\nb\tc\u0000\u0007"))
}
