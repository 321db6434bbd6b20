// Copyright 2025 James Ross
package analyzer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/archivewrapped/pipeline/internal/pipeline"
)

// promptSpec pairs one enrichment field with the prompt that fills it, in
// the fixed order the all-or-nothing pass issues them.
type promptSpec struct {
	field  string
	prompt string
}

var analysisPrompts = []promptSpec{
	{"personality_type", personalityPrompt},
	{"personality_explanation", personalityExplanationPrompt},
	{"niche_journey", nicheJourneyPrompt},
	{"top_niche_percentile", topNichesPrompt},
	{"brain_rot_score", brainRotScorePrompt},
	{"brain_rot_explanation", brainRotExplanationPrompt},
	{"keyword_2026", keyword2026Prompt},
	{"thumb_roast", roastThumbPrompt},
}

var jsonFenceRe = regexp.MustCompile(`(?s)^\x60\x60\x60json\s*(.*?)\s*\x60\x60\x60$`)

// stripJSONFence removes a ```json ... ``` wrapper if present; the LLM is
// asked to return bare JSON but routinely fences it anyway.
func stripJSONFence(content string) string {
	content = strings.TrimSpace(content)
	if m := jsonFenceRe.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1])
	}
	return content
}

// applyField parses one LLM response into the JobPayload field(s) it
// belongs to. ok is false on any field's own validation failure, which the
// caller treats as an all-or-nothing abort (Invariant I2 is what makes a
// Job "completed" only once every enrichment field below is populated).
func applyField(p *pipeline.JobPayload, field, content string) (ok bool, reason string) {
	switch field {
	case "personality_type":
		c := strings.TrimSpace(content)
		if c == "" {
			return false, "empty personality content"
		}
		first := strings.Fields(c)[0]
		p.PersonalityType = strings.ReplaceAll(strings.ToLower(first), " ", "_")
		return true, ""

	case "personality_explanation":
		p.PersonalityExplanation = content
		return true, ""

	case "niche_journey":
		var parsed interface{}
		if err := json.Unmarshal([]byte(stripJSONFence(content)), &parsed); err != nil {
			return false, fmt.Sprintf("niche_journey decode: %s", err)
		}
		list, ok := parsed.([]interface{})
		if !ok {
			return false, "niche_journey not a list"
		}
		if len(list) > 5 {
			list = list[:5]
		}
		journey := make([]string, 0, len(list))
		for _, v := range list {
			journey = append(journey, fmt.Sprintf("%v", v))
		}
		p.NicheJourney = journey
		return true, ""

	case "top_niche_percentile":
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(stripJSONFence(content)), &parsed); err != nil {
			return false, fmt.Sprintf("top_niche_percentile decode: %s", err)
		}
		rawNiches, ok := parsed["top_niches"].([]interface{})
		if !ok {
			return false, "top_niches not a list"
		}
		niches := make([]string, 0, len(rawNiches))
		for _, v := range rawNiches {
			s := strings.TrimSpace(fmt.Sprintf("%v", v))
			if s != "" {
				niches = append(niches, s)
			}
		}
		pct := strings.TrimSpace(fmt.Sprintf("%v", parsed["top_niche_percentile"]))
		if pct == "" || pct == "<nil>" {
			return false, "top_niche_percentile empty"
		}
		p.TopNiches = niches
		p.TopNichePercentile = pct
		return true, ""

	case "brain_rot_score":
		fields := strings.Fields(strings.TrimSpace(content))
		if len(fields) == 0 {
			return false, "empty brain_rot_score content"
		}
		f, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return false, fmt.Sprintf("brain_rot_score parse: %s", err)
		}
		score := int(f)
		if score < 0 {
			score = 0
		}
		if score > 100 {
			score = 100
		}
		p.BrainRotScore = score
		return true, ""

	case "brain_rot_explanation":
		p.BrainRotExplanation = content
		return true, ""

	case "keyword_2026":
		c := strings.TrimSpace(content)
		if c == "" {
			return false, "empty keyword_2026 content"
		}
		p.Keyword2026 = strings.SplitN(c, "\n", 2)[0]
		return true, ""

	case "thumb_roast":
		p.ThumbRoast = content
		return true, ""
	}
	return false, fmt.Sprintf("unknown field %q", field)
}
