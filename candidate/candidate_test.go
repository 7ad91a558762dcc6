package candidate

import "testing"

func f64(v float64) *float64 { return &v }

func TestFingerprintStableAcrossWhitespace(t *testing.T) {
	a := New("Answer   carefully.")
	b := New("Answer carefully.  ")
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("whitespace-only difference changed fingerprint: %s != %s", a.Fingerprint(), b.Fingerprint())
	}
}

func TestFingerprintChangesWithTemperature(t *testing.T) {
	a := New("Answer carefully.")
	b := a.WithMeta(func(m *Meta) { m.Temperature = f64(0.5) })
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("temperature change did not alter fingerprint")
	}
}

func TestFingerprintStableUnderKeyOrder(t *testing.T) {
	a := Candidate{Text: "x", Meta: Meta{Extra: map[string]any{"b": 1.0, "a": 2.0}}}
	b := Candidate{Text: "x", Meta: Meta{Extra: map[string]any{"a": 2.0, "b": 1.0}}}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("map key order affected fingerprint")
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	c := New("Solve the problem step by step.")
	if c.Fingerprint() != c.Fingerprint() {
		t.Fatalf("fingerprint not deterministic")
	}
}

func TestMergeWeightAverages(t *testing.T) {
	a := EvalResult{Objectives: map[string]float64{"quality": 1.0}, NExamples: 3}
	b := EvalResult{Objectives: map[string]float64{"quality": 0.0}, NExamples: 1}
	merged := a.Merge(b)
	if merged.NExamples != 4 {
		t.Fatalf("expected 4 examples, got %d", merged.NExamples)
	}
	got := merged.Objective("quality", -1)
	want := 0.75
	if got != want {
		t.Fatalf("expected weighted quality %v, got %v", want, got)
	}
}

func TestTruncateOutput(t *testing.T) {
	short := "hello"
	if TruncateOutput(short) != short {
		t.Fatalf("short output should be untouched")
	}
	long := make([]byte, maxOutputLen+10)
	for i := range long {
		long[i] = 'a'
	}
	out := TruncateOutput(string(long))
	if len(out) != maxOutputLen {
		t.Fatalf("expected truncated length %d, got %d", maxOutputLen, len(out))
	}
}
