// Package archive maintains the two selection structures over
// (candidate, result) pairs described in spec.md §4.3, C4: a Pareto
// frontier for selection pressure, and a quality-diversity grid for
// structural diversity among reflection parents.
package archive

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/OneOfOne/xxhash"
	"gonum.org/v1/gonum/floats"

	"github.com/Studio-Intrinsic/turbo-gepa/candidate"
)

// dominanceTolerance absorbs floating-point noise in objective values so
// two results within this distance compare as equal rather than spuriously
// dominating one another (spec.md §8 invariant 3).
const dominanceTolerance = 1e-9

// Entry pairs a candidate and its evaluation result with its QD descriptor
// (spec.md §3 ArchiveEntry).
type Entry struct {
	Candidate  candidate.Candidate
	Result     candidate.EvalResult
	Descriptor Descriptor
}

// Descriptor is a QD cell coordinate: a length bin, a bullet-count bin, and
// a set of boolean structural feature flags (spec.md §4.3).
type Descriptor struct {
	LengthBin int
	BulletBin int
	Flags     map[string]bool
}

func (d Descriptor) cellKey() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(d.LengthBin))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(d.BulletBin))
	flagNames := make([]string, 0, len(d.Flags))
	for name := range d.Flags {
		flagNames = append(flagNames, name)
	}
	sort.Strings(flagNames)
	for _, name := range flagNames {
		b.WriteByte('|')
		b.WriteString(name)
		b.WriteByte('=')
		if d.Flags[name] {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// cellHash buckets a cell key with xxhash purely to keep the QD grid's map
// lookups cheap for large grids; it is non-normative (never used for
// candidate identity or fingerprinting — see DESIGN.md).
func cellHash(key string) uint64 {
	return xxhash.Checksum64(([]byte)(key))
}

// gridCell is one occupied QD grid slot: the hash-bucketed entry plus the
// original descriptor key, kept alongside the hash to resolve the rare
// collision between two distinct descriptors.
type gridCell struct {
	key   string
	entry Entry
}

// Config configures descriptor binning and the objectives tracked on the
// Pareto frontier (spec.md §4.3, §6 qd_bins_length/qd_bins_bullets/qd_flags).
type Config struct {
	Objectives  []string // default {"quality", "neg_cost"}
	BinsLength  []int    // ascending length breakpoints
	BinsBullets []int    // ascending bullet-count breakpoints
	Flags       []string // structural feature flag names
}

// DefaultConfig mirrors the spec.md §4.3 defaults.
func DefaultConfig() Config {
	return Config{
		Objectives:  []string{"quality", "neg_cost"},
		BinsLength:  []int{200, 500, 1000, 2000},
		BinsBullets: []int{1, 3, 6},
		Flags:       []string{"has_steps", "has_example", "mentions_format", "has_constraints"},
	}
}

// Describe computes a Descriptor for a candidate's text using cfg's
// binning configuration.
func Describe(cfg Config, text string) Descriptor {
	lengthBin := bin(len(text), cfg.BinsLength)
	bulletBin := bin(countBullets(text), cfg.BinsBullets)

	flags := make(map[string]bool, len(cfg.Flags))
	lower := strings.ToLower(text)
	for _, f := range cfg.Flags {
		flags[f] = detectFlag(f, lower)
	}
	return Descriptor{LengthBin: lengthBin, BulletBin: bulletBin, Flags: flags}
}

func bin(value int, breakpoints []int) int {
	idx := 0
	for _, bp := range breakpoints {
		if value >= bp {
			idx++
		} else {
			break
		}
	}
	return idx
}

func countBullets(text string) int {
	count := 0
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "*") || isNumberedListItem(trimmed) {
			count++
		}
	}
	return count
}

func isNumberedListItem(line string) bool {
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	return i > 0 && i < len(line) && line[i] == '.'
}

// detectFlag recognizes the default structural flags by keyword; any
// caller-supplied flag name not in this set falls back to a plain
// substring match against the flag name itself, so Config.Flags remains
// open-ended (spec.md §6 qd_flags is a plain []string).
func detectFlag(name, lowerText string) bool {
	switch name {
	case "has_steps":
		return strings.Contains(lowerText, "step") || strings.Contains(lowerText, "first,") || strings.Contains(lowerText, "then,")
	case "has_example":
		return strings.Contains(lowerText, "example") || strings.Contains(lowerText, "e.g.")
	case "mentions_format":
		return strings.Contains(lowerText, "format") || strings.Contains(lowerText, "output")
	case "has_constraints":
		return strings.Contains(lowerText, "must") || strings.Contains(lowerText, "only") || strings.Contains(lowerText, "do not")
	default:
		return strings.Contains(lowerText, strings.ToLower(name))
	}
}

// Archive holds one population's Pareto frontier and QD grid. Operations
// are synchronous and cheap (spec.md §4.3): no I/O, no suspension points.
type Archive struct {
	mu     sync.RWMutex
	cfg    Config
	pareto []Entry
	grid   map[uint64]gridCell // cellHash(cellKey) -> best entry for that cell
}

// New constructs an Archive using cfg (zero-value Config falls back to
// DefaultConfig's objectives/binning).
func New(cfg Config) *Archive {
	if len(cfg.Objectives) == 0 {
		cfg.Objectives = DefaultConfig().Objectives
	}
	return &Archive{cfg: cfg, grid: make(map[uint64]gridCell)}
}

func vector(cfg Config, r candidate.EvalResult) []float64 {
	v := make([]float64, len(cfg.Objectives))
	for i, key := range cfg.Objectives {
		v[i] = r.Objective(key, 0)
	}
	return v
}

// dominates reports whether a dominates b: a >= b on every objective, and
// a > b on at least one (spec.md §4.3, §3 invariant 3).
func dominates(a, b []float64) bool {
	strictlyBetter := false
	for i := range a {
		if floats.EqualWithinAbs(a[i], b[i], dominanceTolerance) {
			continue
		}
		if a[i] < b[i] {
			return false
		}
		strictlyBetter = true
	}
	return strictlyBetter
}

// Insert adds (candidate, result) to both the Pareto frontier and the QD
// grid.
func (a *Archive) Insert(cand candidate.Candidate, result candidate.EvalResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.insertPareto(cand, result)
	a.insertQD(cand, result)
}

// equalVectors reports whether a and b are equal on every objective within
// dominanceTolerance.
func equalVectors(a, b []float64) bool {
	for i := range a {
		if !floats.EqualWithinAbs(a[i], b[i], dominanceTolerance) {
			return false
		}
	}
	return true
}

func (a *Archive) insertPareto(cand candidate.Candidate, result candidate.EvalResult) {
	newVec := vector(a.cfg, result)

	for _, e := range a.pareto {
		existingVec := vector(a.cfg, e.Result)
		if equalVectors(existingVec, newVec) {
			return // tie on every objective: first seen wins (spec.md §4.3)
		}
		if dominates(existingVec, newVec) {
			return // dominated by an existing entry, do not insert
		}
	}

	kept := a.pareto[:0:0]
	for _, e := range a.pareto {
		if !dominates(newVec, vector(a.cfg, e.Result)) {
			kept = append(kept, e)
		}
	}
	desc := Describe(a.cfg, cand.Text)
	kept = append(kept, Entry{Candidate: cand, Result: result, Descriptor: desc})
	a.pareto = kept
}

func (a *Archive) insertQD(cand candidate.Candidate, result candidate.EvalResult) {
	desc := Describe(a.cfg, cand.Text)
	key := desc.cellKey()
	hash := cellHash(key)
	quality := result.Objective("quality", 0)

	existing, ok := a.grid[hash]
	sameCell := ok && existing.key == key
	if !ok || !sameCell || quality > existing.entry.Result.Objective("quality", 0) {
		a.grid[hash] = gridCell{key: key, entry: Entry{Candidate: cand, Result: result, Descriptor: desc}}
	}
}

// BatchInsert inserts a slice of (candidate, result) pairs.
func (a *Archive) BatchInsert(entries []Entry) {
	for _, e := range entries {
		a.Insert(e.Candidate, e.Result)
	}
}

// ParetoCandidates returns the candidates currently on the Pareto frontier.
func (a *Archive) ParetoCandidates() []candidate.Candidate {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]candidate.Candidate, len(a.pareto))
	for i, e := range a.pareto {
		out[i] = e.Candidate
	}
	return out
}

// ParetoEntries returns the full Pareto frontier entries.
func (a *Archive) ParetoEntries() []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Entry, len(a.pareto))
	copy(out, a.pareto)
	return out
}

// QDEntries returns every occupied QD cell's elite entry.
func (a *Archive) QDEntries() []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Entry, 0, len(a.grid))
	for _, c := range a.grid {
		out = append(out, c.entry)
	}
	return out
}

// QDFilledCells reports the number of occupied QD cells, fed to the
// StopGovernor (spec.md §4.7); the total cell count is computed by the
// orchestrator.
func (a *Archive) QDFilledCells() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.grid)
}

// SampleQD returns up to limit candidates, round-robin across non-empty
// cells for diversity (spec.md §4.3).
func (a *Archive) SampleQD(limit int) []candidate.Candidate {
	a.mu.RLock()
	defer a.mu.RUnlock()

	keys := make([]string, 0, len(a.grid))
	byKey := make(map[string]candidate.Candidate, len(a.grid))
	for _, c := range a.grid {
		keys = append(keys, c.key)
		byKey[c.key] = c.entry.Candidate
	}
	sort.Strings(keys) // deterministic iteration order

	out := make([]candidate.Candidate, 0, limit)
	for _, k := range keys {
		if len(out) >= limit {
			break
		}
		out = append(out, byKey[k])
	}
	return out
}

// HasCell reports whether a cell with the given descriptor is occupied,
// used by the orchestrator to compute qd_novelty_rate (spec.md §4.7, §9).
func (a *Archive) HasCell(desc Descriptor) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	key := desc.cellKey()
	c, ok := a.grid[cellHash(key)]
	return ok && c.key == key
}

// Merge folds other's Pareto frontier and QD grid into a's, used when
// merging island archives at run termination (spec.md §4.8).
func (a *Archive) Merge(other *Archive) {
	for _, e := range other.ParetoEntries() {
		a.Insert(e.Candidate, e.Result)
	}
	for _, e := range other.QDEntries() {
		a.Insert(e.Candidate, e.Result)
	}
}

func (d Descriptor) String() string {
	return fmt.Sprintf("len=%d bullets=%d flags=%v", d.LengthBin, d.BulletBin, d.Flags)
}
