package negotiation

import (
	"math"
	"reflect"
	"testing"
)

var catalog = []Skill{
	{
		ID:           "summarize",
		Name:         "Document Summarizer",
		Description:  "Summarize long documents into short digests",
		Tags:         []string{"summarize", "documents", "nlp"},
		InputModes:   []string{"text/plain", "application/pdf"},
		OutputModes:  []string{"text/plain"},
		Tools:        []string{"search", "extract"},
		CostPerCall:  0.05,
		P95LatencyMS: 800,
	},
	{
		ID:           "translate",
		Name:         "Translator",
		Description:  "Translate text between languages",
		Tags:         []string{"translate", "language"},
		InputModes:   []string{"text/plain"},
		OutputModes:  []string{"text/plain"},
		CostPerCall:  0.01,
		P95LatencyMS: 400,
	},
}

func TestDecideDeterministic(t *testing.T) {
	offer := Offer{
		Summary:     "summarize these documents please",
		InputModes:  []string{"text/plain"},
		OutputModes: []string{"text/plain"},
		MinScore:    0.2,
		Weights:     Weights{SkillMatch: 0.6, IOCompat: 0.2, Performance: 0.1, Load: 0.05, Cost: 0.05},
	}

	first := Decide(offer, catalog, Telemetry{QueueDepth: 2})
	for i := 0; i < 10; i++ {
		again := Decide(offer, catalog, Telemetry{QueueDepth: 2})
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("decision not deterministic: %+v vs %+v", first, again)
		}
	}

	if !first.Accepted {
		t.Fatalf("expected acceptance, got rejection: %s", first.RejectionReason)
	}
	if first.SkillID != "summarize" {
		t.Errorf("expected summarize to win, got %s", first.SkillID)
	}
	if len(first.MatchReasons) == 0 {
		t.Error("expected non-empty match reasons")
	}
}

func TestDecideNoOverlapRejected(t *testing.T) {
	// min_score 0.7, the default weight vector, and an offer whose
	// text overlaps no skill's tags.
	offer := Offer{
		Summary:  "launch orbital rockets into space",
		MinScore: 0.7,
		Weights:  Weights{SkillMatch: 0.6, IOCompat: 0.2, Performance: 0.1, Load: 0.05, Cost: 0.05},
	}

	d := Decide(offer, catalog, Telemetry{})
	if d.Accepted {
		t.Fatalf("expected rejection, got acceptance with score %.3f", d.Score)
	}
	if d.RejectionReason == "" {
		t.Error("expected non-empty rejection_reason")
	}
}

func TestWeightsNormalized(t *testing.T) {
	offer := Offer{
		Summary:  "summarize documents",
		MinScore: 0,
	}

	// Same relative weights at two different magnitudes must produce
	// the same combined score.
	offer.Weights = Weights{SkillMatch: 6, IOCompat: 2, Performance: 1, Load: 0.5, Cost: 0.5}
	big := Decide(offer, catalog, Telemetry{})

	offer.Weights = Weights{SkillMatch: 0.6, IOCompat: 0.2, Performance: 0.1, Load: 0.05, Cost: 0.05}
	small := Decide(offer, catalog, Telemetry{})

	if math.Abs(big.Score-small.Score) > 1e-12 {
		t.Errorf("normalization failed: %.6f vs %.6f", big.Score, small.Score)
	}
}

func TestZeroWeightsFallBackToEqual(t *testing.T) {
	w := normalize(Weights{})
	if w.SkillMatch != 0.2 || w.Cost != 0.2 {
		t.Errorf("expected equal fallback weights, got %+v", w)
	}
}

func TestForbiddenToolRejects(t *testing.T) {
	offer := Offer{
		Summary:        "summarize documents",
		ForbiddenTools: []string{"search"},
		Weights:        Weights{SkillMatch: 1},
	}
	d := Decide(offer, catalog, Telemetry{})
	if d.Accepted {
		t.Fatal("expected rejection due to forbidden tool")
	}
	if d.RejectionReason == "" {
		t.Error("expected rejection_reason naming the forbidden tool")
	}
}

func TestRequiredToolMissingRejects(t *testing.T) {
	offer := Offer{
		Summary:       "summarize documents",
		RequiredTools: []string{"ocr"},
		Weights:       Weights{SkillMatch: 1},
	}
	d := Decide(offer, catalog, Telemetry{})
	if d.Accepted {
		t.Fatal("expected rejection due to missing required tool")
	}
}

func TestCostBudget(t *testing.T) {
	if got := costScore(0.10, 0.05); got != 1 {
		t.Errorf("cost within budget should score 1, got %.2f", got)
	}
	if got := costScore(0.01, 0.05); got != 0 {
		t.Errorf("cost over budget should score 0, got %.2f", got)
	}
	if got := costScore(0, 99); got != 1 {
		t.Errorf("no budget should score 1, got %.2f", got)
	}
}

func TestLoadSubscore(t *testing.T) {
	idle := Decide(Offer{Summary: "summarize documents", Weights: Weights{Load: 1}}, catalog, Telemetry{QueueDepth: 0})
	busy := Decide(Offer{Summary: "summarize documents", Weights: Weights{Load: 1}}, catalog, Telemetry{QueueDepth: 9})
	if idle.Score <= busy.Score {
		t.Errorf("idle host should outscore busy host: %.3f vs %.3f", idle.Score, busy.Score)
	}
	if busy.Subscores.Load != 0.1 {
		t.Errorf("queue depth 9 should yield load 0.1, got %.3f", busy.Subscores.Load)
	}
}

func TestEmptyCatalogRejects(t *testing.T) {
	d := Decide(Offer{Summary: "anything"}, nil, Telemetry{})
	if d.Accepted || d.RejectionReason == "" {
		t.Error("empty catalog must reject with a reason")
	}
}
