package archive

import (
	"testing"

	"github.com/Studio-Intrinsic/turbo-gepa/candidate"
)

func result(quality, negCost float64) candidate.EvalResult {
	return candidate.EvalResult{Objectives: map[string]float64{"quality": quality, "neg_cost": negCost}, NExamples: 1}
}

func TestParetoClosureS4(t *testing.T) {
	a := New(DefaultConfig())
	a.Insert(candidate.New("a"), result(0.8, -100))
	a.Insert(candidate.New("b"), result(0.6, -50))
	a.Insert(candidate.New("c"), result(0.7, -75))

	entries := a.ParetoEntries()
	if len(entries) != 3 {
		t.Fatalf("expected all 3 points on the frontier (none dominates another), got %d", len(entries))
	}
	for i, e1 := range entries {
		for j, e2 := range entries {
			if i == j {
				continue
			}
			if dominates(vector(a.cfg, e1.Result), vector(a.cfg, e2.Result)) {
				t.Fatalf("entry %v dominates %v, violating Pareto closure", e1, e2)
			}
		}
	}
}

func TestParetoRemovesDominated(t *testing.T) {
	a := New(DefaultConfig())
	a.Insert(candidate.New("dominated"), result(0.5, -200))
	a.Insert(candidate.New("dominator"), result(0.9, -100))

	entries := a.ParetoEntries()
	if len(entries) != 1 {
		t.Fatalf("expected dominated point removed, got %d entries", len(entries))
	}
	if entries[0].Candidate.Text != "dominator" {
		t.Fatalf("expected dominator to survive, got %s", entries[0].Candidate.Text)
	}
}

func TestParetoRejectsNewDominatedPoint(t *testing.T) {
	a := New(DefaultConfig())
	a.Insert(candidate.New("dominator"), result(0.9, -100))
	a.Insert(candidate.New("late-dominated"), result(0.5, -200))

	entries := a.ParetoEntries()
	if len(entries) != 1 {
		t.Fatalf("expected the new dominated point rejected, got %d entries", len(entries))
	}
}

func TestParetoTieKeepsFirstSeen(t *testing.T) {
	a := New(DefaultConfig())
	a.Insert(candidate.New("first"), result(0.7, -100))
	a.Insert(candidate.New("second"), result(0.7, -100))

	entries := a.ParetoEntries()
	if len(entries) != 1 {
		t.Fatalf("expected tie to collapse to 1 entry, got %d", len(entries))
	}
	if entries[0].Candidate.Text != "first" {
		t.Fatalf("expected first-seen candidate to survive a tie, got %s", entries[0].Candidate.Text)
	}
}

func TestQDGridKeepsHighestQualityPerCell(t *testing.T) {
	a := New(DefaultConfig())
	short := "short"
	a.Insert(candidate.New(short), result(0.3, -10))
	a.Insert(candidate.New(short+"!"), result(0.9, -10)) // same bin (short length)

	entries := a.QDEntries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 cell, got %d", len(entries))
	}
	if entries[0].Result.Objective("quality", 0) != 0.9 {
		t.Fatalf("expected the higher-quality candidate to occupy the cell")
	}
}

func TestSampleQDDeterministicOrder(t *testing.T) {
	a := New(DefaultConfig())
	a.Insert(candidate.New("short text"), result(0.5, -1))
	a.Insert(candidate.New(repeatText("long text with many words ", 40)), result(0.6, -1))

	first := a.SampleQD(10)
	second := a.SampleQD(10)
	if len(first) != len(second) {
		t.Fatalf("expected consistent sample size")
	}
	for i := range first {
		if first[i].Text != second[i].Text {
			t.Fatalf("expected deterministic round-robin order")
		}
	}
}

func repeatText(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
