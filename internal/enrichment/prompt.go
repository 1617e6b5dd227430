package enrichment

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
)

// DefaultCaptionLimit caps the caption runes sent to the model.
const DefaultCaptionLimit = 500

// TopicOther is the catch-all topic. The prompt discourages it.
const TopicOther = "Other"

// Topics are the only values accepted for Analysis.Topic.
var Topics = []string{
	"Finance", "Productivity", "Business", "Relationships", "Health", "Motivation",
	"Marketing", "Lifestyle", "Technology", "Education", "Humor", "Science", "Society",
	"Parenting", "Beauty", "Real Estate", "Creativity", "Animals", "Auto", "Cooking",
	TopicOther,
}

// HookTypes are the only values accepted for Analysis.HookType.
var HookTypes = []string{"question", "statement", "shock", "list", "story", "provocation"}

// EmotionalTriggers are the only values accepted for Analysis.EmotionalTrigger.
var EmotionalTriggers = []string{"fear", "greed", "curiosity", "anger", "hope", "FOMO"}

const maxTags = 5

const systemPrompt = `You analyze viral social media posts and extract structured data for trend reports.

Rules:
1. Reply with a single JSON object and nothing else.
2. "topic" must be one of: %s. Use "Other" only when the post carries no classifiable content.
   When a post spans several topics pick the one covering most of it.
3. "hookType" must be one of: %s.
4. "emotionalTrigger" must be one of: %s.
5. "tags" holds 3 to 5 specific tags.
6. Use null for anything you cannot determine. Do not guess.

Output format:
{"topic": "", "subtopic": "1-3 words", "hookType": "", "contentFormula": "short description of the content formula",
 "successReason": "one sentence on why it performed", "tags": [], "emotionalTrigger": "",
 "targetAudience": "age and interests"}`

// postInput is the per-post payload embedded in the user prompt.
type postInput struct {
	Caption       string           `json:"caption"`
	MediaType     domain.MediaType `json:"contentType"`
	Views         int64            `json:"views"`
	Likes         int64            `json:"likes"`
	Comments      int64            `json:"comments"`
	OwnerUsername string           `json:"sourceUsername,omitempty"`
}

// SystemPrompt lists the allowed value sets.
func SystemPrompt() string {
	return fmt.Sprintf(systemPrompt, quoteAll(Topics), quoteAll(HookTypes), quoteAll(EmotionalTriggers))
}

// UserPrompt describes item with its caption cut to captionLimit runes.
func UserPrompt(item *domain.ContentItem, captionLimit int) (string, error) {
	if captionLimit <= 0 {
		captionLimit = DefaultCaptionLimit
	}
	owner := strings.TrimPrefix(item.SourceURL, domain.ProfileURL(""))

	payload, err := json.Marshal(postInput{
		Caption:       TruncateRunes(NormalizeCaption(item.Caption), captionLimit),
		MediaType:     item.MediaType,
		Views:         item.Views,
		Likes:         item.Likes,
		Comments:      item.Comments,
		OwnerUsername: owner,
	})
	if err != nil {
		return "", err
	}
	return "Analyze this post:\n" + string(payload), nil
}

// NormalizeCaption composes combining marks (NFC) and drops control characters other
// than newline and tab, so the caption limit counts visible characters.
func NormalizeCaption(s string) string {
	t := transform.Chain(norm.NFC, runes.Remove(runes.Predicate(func(r rune) bool {
		return unicode.IsControl(r) && r != '\n' && r != '\t'
	})))
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// TruncateRunes cuts s to at most n runes.
func TruncateRunes(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n])
}

// ParseAnalysis decodes model output. Markdown code fences are ignored and values
// outside the allowed sets are cleared.
func ParseAnalysis(raw string) (*domain.Analysis, error) {
	body := stripFences(raw)
	if start, end := strings.Index(body, "{"), strings.LastIndex(body, "}"); start >= 0 && end > start {
		body = body[start : end+1]
	}

	var a domain.Analysis
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}

	a.Topic = allowed(a.Topic, Topics)
	a.HookType = allowed(a.HookType, HookTypes)
	a.EmotionalTrigger = allowed(a.EmotionalTrigger, EmotionalTriggers)
	a.Tags = cleanTags(a.Tags)
	return &a, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// Drop the language tag line.
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// allowed returns the canonical spelling of v from set, or "" when v is not in it.
func allowed(v string, set []string) string {
	v = strings.TrimSpace(v)
	i := slices.IndexFunc(set, func(s string) bool { return strings.EqualFold(s, v) })
	if i < 0 {
		return ""
	}
	return set[i]
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
		if len(out) == maxTags {
			break
		}
	}
	return out
}

func quoteAll(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = `"` + v + `"`
	}
	return strings.Join(quoted, ", ")
}
