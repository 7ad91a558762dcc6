// Package candidate defines the immutable instruction candidate and its
// evaluation result (spec.md §3, C1). Dynamic metadata from the Python
// source is represented as a tagged record with known fields plus an
// overflow map (spec.md §9 "Dynamic metadata"), keeping fingerprinting
// stable under additions to either.
package candidate

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Source enumerates how a candidate entered the population (spec.md §3).
type Source string

const (
	SourceSeed       Source = "seed"
	SourceMutation   Source = "mutation"
	SourcePhase2Seed Source = "phase2_seed"
	SourceMigration  Source = "migration"
)

// Meta is the candidate's metadata: known, performance-affecting fields are
// typed; anything else lands in Extra so the fingerprint stays stable as
// new metadata is introduced (spec.md §9).
type Meta struct {
	// Temperature, when set, changes the fingerprint (spec.md §3): two
	// candidates differing only in Temperature must hash differently.
	Temperature *float64 `json:"temperature,omitempty"`
	Source      Source   `json:"source,omitempty"`
	// ParentFingerprint records the lineage edge (spec.md §9 "Cyclic
	// references": fingerprint -> fingerprint, no pointer, no cycles).
	ParentFingerprint string             `json:"parent_fingerprint,omitempty"`
	ParentObjectives  map[string]float64 `json:"parent_objectives,omitempty"`
	IslandID          string             `json:"island_id,omitempty"`
	// ParentScore, when set, seeds the Evaluator's early-stop target
	// directly (original_source/evaluator.py checks meta["parent_score"]
	// before falling back to parent_objectives["quality"]).
	ParentScore *float64 `json:"parent_score,omitempty"`
	// Extra carries any additional string-keyed metadata not otherwise
	// modeled, preserved verbatim through fingerprinting and persistence.
	Extra map[string]any `json:"-"`
}

// Clone returns a deep-enough copy of m suitable for building a derived
// candidate without aliasing mutable maps.
func (m Meta) Clone() Meta {
	out := m
	if m.Temperature != nil {
		t := *m.Temperature
		out.Temperature = &t
	}
	if m.ParentScore != nil {
		p := *m.ParentScore
		out.ParentScore = &p
	}
	if m.ParentObjectives != nil {
		out.ParentObjectives = make(map[string]float64, len(m.ParentObjectives))
		for k, v := range m.ParentObjectives {
			out.ParentObjectives[k] = v
		}
	}
	if m.Extra != nil {
		out.Extra = make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// canonicalMap flattens Meta into a plain map for fingerprint
// canonicalization, mirroring interfaces.py's Candidate.fingerprint.
func (m Meta) canonicalMap() map[string]any {
	out := make(map[string]any, len(m.Extra)+6)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.Temperature != nil {
		out["temperature"] = *m.Temperature
	}
	if m.Source != "" {
		out["source"] = string(m.Source)
	}
	if m.ParentFingerprint != "" {
		out["parent_fingerprint"] = m.ParentFingerprint
	}
	if len(m.ParentObjectives) > 0 {
		po := make(map[string]any, len(m.ParentObjectives))
		for k, v := range m.ParentObjectives {
			po[k] = v
		}
		out["parent_objectives"] = po
	}
	if m.IslandID != "" {
		out["island_id"] = m.IslandID
	}
	if m.ParentScore != nil {
		out["parent_score"] = *m.ParentScore
	}
	return out
}

// Candidate is an immutable instruction plus metadata. Construct via New or
// WithMeta; never mutate Meta's maps in place once shared.
type Candidate struct {
	Text string
	Meta Meta
}

// New builds a bare seed candidate.
func New(text string) Candidate {
	return Candidate{Text: text, Meta: Meta{Source: SourceSeed}}
}

// WithMeta returns a new Candidate sharing Text but with fn applied to a
// clone of Meta, preserving immutability of the receiver.
func (c Candidate) WithMeta(fn func(*Meta)) Candidate {
	m := c.Meta.Clone()
	fn(&m)
	return Candidate{Text: c.Text, Meta: m}
}

// normalizeText whitespace-normalizes text per spec.md §3: runs of
// whitespace collapse to a single space, and leading/trailing space is
// trimmed, so formatting-only edits do not change the fingerprint.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// canonicalize recursively sorts map keys and normalizes scalar values for
// stable JSON encoding, mirroring interfaces.py's _normalize.
func canonicalize(v any) any {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			out[k] = canonicalize(val[k])
		}
		return out
	case map[string]float64:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			out[k] = val[k]
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = canonicalize(item)
		}
		return out
	default:
		return val
	}
}

// Fingerprint computes the SHA-256 of the canonicalized (text, meta) pair
// (spec.md §3): whitespace-normalized text, lexicographically sorted meta
// keys (recursively), stable JSON separators.
func (c Candidate) Fingerprint() string {
	canonical := map[string]any{
		"text": normalizeText(c.Text),
		"meta": canonicalize(c.Meta.canonicalMap()),
	}
	payload, err := json.Marshal(canonical)
	if err != nil {
		// canonicalMap only ever contains JSON-marshalable scalars, maps,
		// and slices; a marshal failure here indicates a caller stashed a
		// non-serializable value in Extra, which is a programmer error.
		payload = []byte(normalizeText(c.Text))
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Trace is a per-example evaluation record (spec.md §3).
type Trace struct {
	ExampleID          string         `json:"example_id"`
	Quality            float64        `json:"quality"`
	Tokens             int            `json:"tokens"`
	Input              string         `json:"input,omitempty"`
	ExpectedAnswer     string         `json:"expected_answer,omitempty"`
	Output             string         `json:"output,omitempty"`
	AdditionalContext  map[string]any `json:"additional_context,omitempty"`
	Error              string         `json:"error,omitempty"`
}

const maxOutputLen = 2048

// TruncateOutput applies the ≤2048-char trace output cap from spec.md §3.
func TruncateOutput(s string) string {
	if len(s) <= maxOutputLen {
		return s
	}
	return s[:maxOutputLen-len("…")] + "…"
}

// EvalResult carries averaged objectives, traces, and shard coverage for a
// candidate (spec.md §3).
type EvalResult struct {
	Objectives    map[string]float64 `json:"objectives"`
	Traces        []Trace            `json:"traces"`
	NExamples     int                `json:"n_examples"`
	ShardFraction *float64           `json:"shard_fraction"`
	ExampleIDs    []string           `json:"example_ids"`
}

// Objective returns objectives[key], or def if absent.
func (r EvalResult) Objective(key string, def float64) float64 {
	if v, ok := r.Objectives[key]; ok {
		return v
	}
	return def
}

// Merge weight-averages objectives by NExamples and concatenates traces
// (spec.md §3 merge(a,b)).
func (r EvalResult) Merge(other EvalResult) EvalResult {
	totalN := r.NExamples + other.NExamples
	combined := make(map[string]float64, len(r.Objectives)+len(other.Objectives))
	for k, v := range r.Objectives {
		combined[k] = v * float64(r.NExamples)
	}
	for k, v := range other.Objectives {
		combined[k] += v * float64(other.NExamples)
	}
	denom := float64(totalN)
	if denom == 0 {
		denom = 1
	}
	averaged := make(map[string]float64, len(combined))
	for k, v := range combined {
		averaged[k] = v / denom
	}
	traces := make([]Trace, 0, len(r.Traces)+len(other.Traces))
	traces = append(traces, r.Traces...)
	traces = append(traces, other.Traces...)
	ids := make([]string, 0, len(r.ExampleIDs)+len(other.ExampleIDs))
	ids = append(ids, r.ExampleIDs...)
	ids = append(ids, other.ExampleIDs...)
	return EvalResult{
		Objectives:    averaged,
		Traces:        traces,
		NExamples:     totalN,
		ShardFraction: r.ShardFraction,
		ExampleIDs:    ids,
	}
}
