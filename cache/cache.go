// Package cache implements turbo-gepa's content-addressed, append-only
// result store (spec.md §4.1, C2): one JSONL file per candidate
// fingerprint, sharded by the first two hex chars, plus an atomically
// checkpointed orchestrator state file.
package cache

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/semaphore"

	"github.com/Studio-Intrinsic/turbo-gepa/candidate"
	"github.com/Studio-Intrinsic/turbo-gepa/internal/nlog"
	"github.com/Studio-Intrinsic/turbo-gepa/internal/xerrors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	retryAttempts  = 3
	retryBaseDelay = 100 * time.Millisecond
)

// record is the on-disk JSONL shape for one (fingerprint, example_id) entry
// (spec.md §6 cache on-disk format).
type record struct {
	ExampleID     string             `json:"example_id"`
	Objectives    map[string]float64 `json:"objectives"`
	Traces        []candidate.Trace  `json:"traces"`
	NExamples     int                `json:"n_examples"`
	ShardFraction *float64           `json:"shard_fraction"`
}

func toRecord(exampleID string, r candidate.EvalResult) record {
	return record{
		ExampleID:     exampleID,
		Objectives:    r.Objectives,
		Traces:        r.Traces,
		NExamples:     r.NExamples,
		ShardFraction: r.ShardFraction,
	}
}

func fromRecord(rec record) candidate.EvalResult {
	return candidate.EvalResult{
		Objectives:    rec.Objectives,
		Traces:        rec.Traces,
		NExamples:     rec.NExamples,
		ShardFraction: rec.ShardFraction,
		ExampleIDs:    []string{rec.ExampleID},
	}
}

// State is the checkpointed orchestrator state (spec.md §3 Lifecycle, §6).
type State struct {
	Round       int                   `json:"round"`
	Evaluations int                   `json:"evaluations"`
	Pareto      []candidate.Candidate `json:"-"`
	QD          []candidate.Candidate `json:"-"`
	Queue       []candidate.Candidate `json:"-"`
}

type serializedCandidate struct {
	Text string                   `json:"text"`
	Meta map[string]any           `json:"meta"`
}

type serializedState struct {
	Round       int                    `json:"round"`
	Evaluations int                    `json:"evaluations"`
	Pareto      []serializedCandidate  `json:"pareto"`
	QD          []serializedCandidate  `json:"qd"`
	Queue       []serializedCandidate  `json:"queue"`
}

func serializeCandidate(c candidate.Candidate) serializedCandidate {
	meta := make(map[string]any)
	if c.Meta.Temperature != nil {
		meta["temperature"] = *c.Meta.Temperature
	}
	if c.Meta.Source != "" {
		meta["source"] = string(c.Meta.Source)
	}
	if c.Meta.ParentFingerprint != "" {
		meta["parent_fingerprint"] = c.Meta.ParentFingerprint
	}
	if len(c.Meta.ParentObjectives) > 0 {
		meta["parent_objectives"] = c.Meta.ParentObjectives
	}
	if c.Meta.IslandID != "" {
		meta["island_id"] = c.Meta.IslandID
	}
	if c.Meta.ParentScore != nil {
		meta["parent_score"] = *c.Meta.ParentScore
	}
	for k, v := range c.Meta.Extra {
		meta[k] = v
	}
	return serializedCandidate{Text: c.Text, Meta: meta}
}

func deserializeCandidate(s serializedCandidate) candidate.Candidate {
	m := candidate.Meta{Extra: map[string]any{}}
	for k, v := range s.Meta {
		switch k {
		case "temperature":
			if f, ok := asFloat(v); ok {
				m.Temperature = &f
			}
		case "source":
			if str, ok := v.(string); ok {
				m.Source = candidate.Source(str)
			}
		case "parent_fingerprint":
			if str, ok := v.(string); ok {
				m.ParentFingerprint = str
			}
		case "parent_objectives":
			if obj, ok := v.(map[string]any); ok {
				m.ParentObjectives = make(map[string]float64, len(obj))
				for kk, vv := range obj {
					if f, ok := asFloat(vv); ok {
						m.ParentObjectives[kk] = f
					}
				}
			}
		case "island_id":
			if str, ok := v.(string); ok {
				m.IslandID = str
			}
		case "parent_score":
			if f, ok := asFloat(v); ok {
				m.ParentScore = &f
			}
		default:
			m.Extra[k] = v
		}
	}
	return candidate.Candidate{Text: s.Text, Meta: m}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// Cache is a disk-backed, append-only evaluation result store shared safely
// across candidates and, in multi-island mode, across islands (spec.md
// §4.8 "Shared-resource policy").
type Cache struct {
	root string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	fileSem *semaphore.Weighted

	indexMu sync.RWMutex
	index   map[string]map[string]candidate.EvalResult // fingerprint -> example_id -> result
}

// New opens (and creates, if absent) a cache rooted at dir. The global
// file-handle semaphore width is derived from the process's soft FD limit
// per spec.md §4.1: max(10, min(50, 0.5*soft_limit/8)).
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &xerrors.CacheIOFailure{Path: dir, Err: err}
	}
	return &Cache{
		root:    dir,
		locks:   make(map[string]*sync.Mutex),
		fileSem: semaphore.NewWeighted(int64(safeFileLimit())),
		index:   make(map[string]map[string]candidate.EvalResult),
	}, nil
}

func safeFileLimit() int {
	soft, ok := softFileLimit()
	if !ok {
		return 20
	}
	usable := 0.5 * float64(soft)
	perCache := usable / 8
	if perCache < 10 {
		perCache = 10
	}
	if perCache > 50 {
		perCache = 50
	}
	return int(perCache)
}

func (c *Cache) lockFor(fingerprint string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.locks[fingerprint]
	if !ok {
		l = &sync.Mutex{}
		c.locks[fingerprint] = l
	}
	return l
}

func (c *Cache) shardDir(fingerprint string) string {
	prefix := fingerprint
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(c.root, prefix)
}

func (c *Cache) recordPath(fingerprint string) string {
	return filepath.Join(c.shardDir(fingerprint), fingerprint+".jsonl")
}

// Get returns a cached result for (candidate, exampleID), or (zero, false)
// on a miss. It never blocks operations against other fingerprints.
func (c *Cache) Get(ctx context.Context, cand candidate.Candidate, exampleID string) (candidate.EvalResult, bool, error) {
	fp := cand.Fingerprint()

	c.indexMu.RLock()
	if m, ok := c.index[fp]; ok {
		r, ok := m[exampleID]
		c.indexMu.RUnlock()
		return r, ok, nil
	}
	c.indexMu.RUnlock()

	path := c.recordPath(fp)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return candidate.EvalResult{}, false, nil
	}

	lock := c.lockFor(fp)
	lock.Lock()
	defer lock.Unlock()

	// Re-check the index: another goroutine may have loaded it while we
	// waited for the lock.
	c.indexMu.RLock()
	if m, ok := c.index[fp]; ok {
		r, ok := m[exampleID]
		c.indexMu.RUnlock()
		return r, ok, nil
	}
	c.indexMu.RUnlock()

	if err := c.fileSem.Acquire(ctx, 1); err != nil {
		return candidate.EvalResult{}, false, err
	}
	records, err := c.loadRecords(path)
	c.fileSem.Release(1)
	if err != nil {
		// Treat an unreadable record file as a cache miss (spec.md §4.1
		// failure semantics).
		nlog.Warningf("cache: record file unreadable, treating as miss: %v", err)
		return candidate.EvalResult{}, false, nil
	}

	c.indexMu.Lock()
	c.index[fp] = records
	c.indexMu.Unlock()

	r, ok := records[exampleID]
	return r, ok, nil
}

func (c *Cache) loadRecords(path string) (map[string]candidate.EvalResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]candidate.EvalResult{}, nil
		}
		return nil, err
	}
	defer f.Close()

	out := make(map[string]candidate.EvalResult)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // skip a corrupt line rather than fail the whole file
		}
		out[rec.ExampleID] = fromRecord(rec)
	}
	return out, scanner.Err()
}

// Set persists a single evaluation record. Writers racing on the same key
// are serialized by the per-fingerprint lock (spec.md §4.1 concurrency
// rules); the write is idempotent, last-write-wins per key.
func (c *Cache) Set(ctx context.Context, cand candidate.Candidate, exampleID string, result candidate.EvalResult) error {
	return c.BatchSet(ctx, []Write{{Candidate: cand, ExampleID: exampleID, Result: result}})
}

// Write is one pending cache entry for BatchSet.
type Write struct {
	Candidate candidate.Candidate
	ExampleID string
	Result    candidate.EvalResult
}

// BatchSet groups writes by fingerprint and writes each fingerprint's
// records in one append, under that fingerprint's lock (spec.md §4.1).
func (c *Cache) BatchSet(ctx context.Context, writes []Write) error {
	byFingerprint := make(map[string][]Write)
	pathOf := make(map[string]string)
	for _, w := range writes {
		fp := w.Candidate.Fingerprint()
		byFingerprint[fp] = append(byFingerprint[fp], w)
		pathOf[fp] = c.recordPath(fp)
	}

	var firstErr error
	var wg sync.WaitGroup
	var errMu sync.Mutex
	for fp, ws := range byFingerprint {
		fp, ws := fp, ws
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.writeFingerprint(ctx, fp, pathOf[fp], ws); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}

func (c *Cache) writeFingerprint(ctx context.Context, fp, path string, ws []Write) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &xerrors.CacheIOFailure{Path: path, Err: err}
	}

	records := make([]record, len(ws))
	for i, w := range ws {
		records[i] = toRecord(w.ExampleID, w.Result)
	}

	lock := c.lockFor(fp)
	lock.Lock()
	defer lock.Unlock()

	if err := c.fileSem.Acquire(ctx, 1); err != nil {
		return err
	}
	err := appendRecordsWithRetry(path, records)
	c.fileSem.Release(1)
	if err != nil {
		nlog.Errorf("cache: write failed for %s after retries: %v", fp, err)
		return &xerrors.CacheIOFailure{Path: path, Err: err}
	}

	c.indexMu.Lock()
	m, ok := c.index[fp]
	if !ok {
		m = make(map[string]candidate.EvalResult)
		c.index[fp] = m
	}
	for i, w := range ws {
		m[w.ExampleID] = fromRecord(records[i])
	}
	c.indexMu.Unlock()
	return nil
}

// appendRecordsWithRetry appends lines to path, retrying transient I/O
// errors up to retryAttempts times with exponential backoff (spec.md §4.1:
// 100ms * 2^attempt).
func appendRecordsWithRetry(path string, records []record) error {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err := appendRecords(path, records); err != nil {
			lastErr = err
			time.Sleep(retryBaseDelay * time.Duration(1<<attempt))
			continue
		}
		return nil
	}
	return lastErr
}

func appendRecords(path string, records []record) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// Clear removes all result files. Tests only (spec.md §4.1).
func (c *Cache) Clear() error {
	c.indexMu.Lock()
	c.index = make(map[string]map[string]candidate.EvalResult)
	c.indexMu.Unlock()

	entries, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.Name() == stateFileName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.root, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

const stateFileName = "orchestrator_state.json"

func (c *Cache) statePath() string { return filepath.Join(c.root, stateFileName) }

// SaveState atomically checkpoints orchestrator state via temp-file +
// rename (spec.md §4.1, §3 Lifecycle). On final failure it logs and
// returns: the run is not aborted, and the next round will try again.
func (c *Cache) SaveState(state State) {
	serialized := serializedState{
		Round:       state.Round,
		Evaluations: state.Evaluations,
		Pareto:      serializeCandidates(state.Pareto),
		QD:          serializeCandidates(state.QD),
		Queue:       serializeCandidates(state.Queue),
	}

	payload, err := json.MarshalIndent(serialized, "", "  ")
	if err != nil {
		nlog.Errorf("cache: failed to marshal state: %v", err)
		return
	}

	statePath := c.statePath()
	tmpPath := statePath + ".tmp"

	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err := os.WriteFile(tmpPath, payload, 0o644); err == nil {
			if err := os.Rename(tmpPath, statePath); err == nil {
				nlog.Debugf("cache: checkpointed round %d (%s)", state.Round, humanize.Bytes(uint64(len(payload))))
				return
			} else {
				lastErr = err
			}
		} else {
			lastErr = err
		}
		time.Sleep(retryBaseDelay * time.Duration(1<<attempt))
	}
	nlog.Warningf("cache: failed to save state after %d attempts: %v", retryAttempts, lastErr)
}

func serializeCandidates(cs []candidate.Candidate) []serializedCandidate {
	out := make([]serializedCandidate, len(cs))
	for i, c := range cs {
		out[i] = serializeCandidate(c)
	}
	return out
}

func deserializeCandidates(cs []serializedCandidate) []candidate.Candidate {
	out := make([]candidate.Candidate, len(cs))
	for i, c := range cs {
		out[i] = deserializeCandidate(c)
	}
	return out
}

// LoadState loads a saved checkpoint, or (zero, false) if none exists. A
// corrupted state file yields (zero, false) with a logged warning, per
// spec.md §4.1/§7 "robust to a corrupted state".
func (c *Cache) LoadState() (State, bool) {
	path := c.statePath()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			nlog.Warningf("cache: failed to read state file: %v", err)
		}
		return State{}, false
	}

	var serialized serializedState
	if err := json.Unmarshal(data, &serialized); err != nil {
		nlog.Warningf("cache: corrupted state file, starting fresh: %v", &xerrors.StateCorruption{Path: path, Err: err})
		return State{}, false
	}

	return State{
		Round:       serialized.Round,
		Evaluations: serialized.Evaluations,
		Pareto:      deserializeCandidates(serialized.Pareto),
		QD:          deserializeCandidates(serialized.QD),
		Queue:       deserializeCandidates(serialized.Queue),
	}, true
}

// HasState reports whether a checkpoint file exists.
func (c *Cache) HasState() bool {
	_, err := os.Stat(c.statePath())
	return err == nil
}

// ClearState deletes the checkpoint file, if present.
func (c *Cache) ClearState() error {
	err := os.Remove(c.statePath())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
