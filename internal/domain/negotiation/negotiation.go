// Package negotiation implements the capability scoring engine an
// agent uses to decide whether to accept an offered task. Decide is a
// pure function of its inputs so decisions are reproducible in tests.
package negotiation

import (
	"fmt"
	"sort"
	"strings"
)

// Skill is one advertised capability from the host's catalog.
type Skill struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Tags         []string `json:"tags,omitempty"`
	InputModes   []string `json:"input_modes,omitempty"`
	OutputModes  []string `json:"output_modes,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	CostPerCall  float64  `json:"cost_per_call,omitempty"`
	P95LatencyMS int      `json:"p95_latency_ms,omitempty"`
}

// Telemetry is the host's current load snapshot.
type Telemetry struct {
	QueueDepth int `json:"queue_depth"`
}

// Weights is the caller-supplied weight vector over the five subscores.
// Weights that do not sum to 1 are normalized before combination; an
// all-zero vector falls back to equal weights.
type Weights struct {
	SkillMatch  float64 `json:"skill_match"`
	IOCompat    float64 `json:"io_compatibility"`
	Performance float64 `json:"performance"`
	Load        float64 `json:"load"`
	Cost        float64 `json:"cost"`
}

// Offer describes the task a remote agent proposes.
type Offer struct {
	Summary        string   `json:"summary"`
	Detail         string   `json:"detail,omitempty"`
	InputModes     []string `json:"input_modes,omitempty"`
	OutputModes    []string `json:"output_modes,omitempty"`
	MaxLatencyMS   int      `json:"max_latency_ms,omitempty"`
	MaxCost        float64  `json:"max_cost,omitempty"`
	RequiredTools  []string `json:"required_tools,omitempty"`
	ForbiddenTools []string `json:"forbidden_tools,omitempty"`
	MinScore       float64  `json:"min_score"`
	Weights        Weights  `json:"weights"`
}

// Subscores breaks the final score down per dimension.
type Subscores struct {
	SkillMatch  float64 `json:"skill_match"`
	IOCompat    float64 `json:"io_compatibility"`
	Performance float64 `json:"performance"`
	Load        float64 `json:"load"`
	Cost        float64 `json:"cost"`
}

// Decision is the outcome of scoring one offer against the catalog.
type Decision struct {
	Accepted        bool      `json:"accepted"`
	Score           float64   `json:"score"`
	SkillID         string    `json:"skill_id,omitempty"`
	Subscores       Subscores `json:"subscores"`
	MatchReasons    []string  `json:"match_reasons,omitempty"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
}

// Decide scores the offer against every skill in the catalog and
// returns the decision for the best match. It is deterministic: equal
// scores tie-break on skill id.
func Decide(offer Offer, catalog []Skill, tel Telemetry) Decision {
	if len(catalog) == 0 {
		return Decision{RejectionReason: "no skills advertised"}
	}

	tokens := tokenize(offer.Summary + " " + offer.Detail)

	best := -1
	bestScore := -1.0
	var bestReasons []string
	for i, sk := range catalog {
		score, reasons := skillMatch(sk, tokens)
		if score > bestScore || (score == bestScore && best >= 0 && sk.ID < catalog[best].ID) {
			best, bestScore, bestReasons = i, score, reasons
		}
	}
	skill := catalog[best]

	sub := Subscores{
		SkillMatch:  bestScore,
		IOCompat:    ioCompat(offer, skill),
		Performance: performance(offer.MaxLatencyMS, skill.P95LatencyMS),
		Load:        1.0 / (1.0 + float64(max(tel.QueueDepth, 0))),
		Cost:        costScore(offer.MaxCost, skill.CostPerCall),
	}

	w := normalize(offer.Weights)
	score := w.SkillMatch*sub.SkillMatch +
		w.IOCompat*sub.IOCompat +
		w.Performance*sub.Performance +
		w.Load*sub.Load +
		w.Cost*sub.Cost

	d := Decision{
		Score:        score,
		SkillID:      skill.ID,
		Subscores:    sub,
		MatchReasons: bestReasons,
	}

	if tool, ok := firstOverlap(offer.ForbiddenTools, skill.Tools); ok {
		d.RejectionReason = fmt.Sprintf("skill %q requires forbidden tool %q", skill.ID, tool)
		return d
	}
	if tool, ok := firstMissing(offer.RequiredTools, skill.Tools); ok {
		d.RejectionReason = fmt.Sprintf("skill %q lacks required tool %q", skill.ID, tool)
		return d
	}
	if score < offer.MinScore {
		d.RejectionReason = fmt.Sprintf("score %.3f below minimum %.3f for skill %q", score, offer.MinScore, skill.ID)
		return d
	}

	d.Accepted = true
	return d
}

// skillMatch computes lexical/tag overlap between the offer text and
// one skill, returning the subscore and the matched reasons.
func skillMatch(sk Skill, tokens map[string]bool) (float64, []string) {
	if len(tokens) == 0 {
		return 0, nil
	}

	var reasons []string
	tagHits := 0
	for _, tag := range sk.Tags {
		if tokens[strings.ToLower(tag)] {
			tagHits++
			reasons = append(reasons, "tag:"+tag)
		}
	}

	nameHits := 0
	nameTokens := tokenize(sk.Name)
	for tok := range nameTokens {
		if tokens[tok] {
			nameHits++
		}
	}
	if nameHits > 0 {
		reasons = append(reasons, "name:"+sk.Name)
	}

	descHits := 0
	descTokens := tokenize(sk.Description)
	for tok := range descTokens {
		if tokens[tok] {
			descHits++
		}
	}
	if descHits > 0 {
		reasons = append(reasons, fmt.Sprintf("description:%d terms", descHits))
	}

	var tagScore float64
	if len(sk.Tags) > 0 {
		tagScore = float64(tagHits) / float64(len(sk.Tags))
	}
	var nameScore float64
	if len(nameTokens) > 0 {
		nameScore = float64(nameHits) / float64(len(nameTokens))
	}
	var descScore float64
	if len(descTokens) > 0 {
		descScore = float64(descHits) / float64(len(descTokens))
	}

	// Reasons weight the blend: each matched dimension counts.
	score := 0.5*tagScore + 0.3*nameScore + 0.2*descScore
	sort.Strings(reasons)
	return clamp01(score), reasons
}

// ioCompat is the set-overlap of accepted MIME types on each side.
// An empty requirement on the offer side is fully compatible.
func ioCompat(offer Offer, sk Skill) float64 {
	in := overlapRatio(offer.InputModes, sk.InputModes)
	out := overlapRatio(offer.OutputModes, sk.OutputModes)
	return (in + out) / 2
}

func overlapRatio(want, have []string) float64 {
	if len(want) == 0 {
		return 1
	}
	haveSet := make(map[string]bool, len(have))
	for _, h := range have {
		haveSet[strings.ToLower(h)] = true
	}
	hits := 0
	for _, w := range want {
		if haveSet[strings.ToLower(w)] {
			hits++
		}
	}
	return float64(hits) / float64(len(want))
}

// performance scores the skill's advertised latency against the
// offer's budget. No budget means no constraint.
func performance(maxMS, p95MS int) float64 {
	if maxMS <= 0 || p95MS <= 0 {
		return 1
	}
	if p95MS <= maxMS {
		return 1
	}
	return clamp01(float64(maxMS) / float64(p95MS))
}

// costScore is binary: the advertised cost either fits the budget or
// it does not. No budget means no constraint.
func costScore(maxCost, costPerCall float64) float64 {
	if maxCost <= 0 {
		return 1
	}
	if costPerCall <= maxCost {
		return 1
	}
	return 0
}

// normalize scales the weight vector to sum to 1, falling back to
// equal weights when the vector is all zeros or negative.
func normalize(w Weights) Weights {
	sum := w.SkillMatch + w.IOCompat + w.Performance + w.Load + w.Cost
	if sum <= 0 {
		return Weights{SkillMatch: 0.2, IOCompat: 0.2, Performance: 0.2, Load: 0.2, Cost: 0.2}
	}
	return Weights{
		SkillMatch:  w.SkillMatch / sum,
		IOCompat:    w.IOCompat / sum,
		Performance: w.Performance / sum,
		Load:        w.Load / sum,
		Cost:        w.Cost / sum,
	}
}

func tokenize(s string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(f) > 1 {
			out[f] = true
		}
	}
	return out
}

func firstOverlap(forbidden, have []string) (string, bool) {
	haveSet := make(map[string]bool, len(have))
	for _, h := range have {
		haveSet[h] = true
	}
	for _, f := range forbidden {
		if haveSet[f] {
			return f, true
		}
	}
	return "", false
}

func firstMissing(required, have []string) (string, bool) {
	haveSet := make(map[string]bool, len(have))
	for _, h := range have {
		haveSet[h] = true
	}
	for _, r := range required {
		if !haveSet[r] {
			return r, true
		}
	}
	return "", false
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
