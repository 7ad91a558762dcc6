// Package mutator implements reflection-driven mutation generation (spec.md
// §4.5, C6): batched reflection over parent contexts + traces, and a
// spec-induction variant seeding directly from raw task examples.
package mutator

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Studio-Intrinsic/turbo-gepa/candidate"
	"github.com/Studio-Intrinsic/turbo-gepa/internal/nlog"
	"github.com/Studio-Intrinsic/turbo-gepa/internal/xerrors"
	"github.com/Studio-Intrinsic/turbo-gepa/llm"
)

const (
	reflectionTimeout = 180 * time.Second
	minMutationLen    = 50
	maxParents        = 5
	maxTraceExamples  = 5
)

// TemperatureState is a shared, process-wide-in-effect flag passed to each
// Mutator by whoever constructs it, rather than a bare global
// (spec.md §9 "Global mutable state"). Once disabled it stays disabled for
// the lifetime of the run.
type TemperatureState struct {
	supported atomic.Bool
}

// NewTemperatureState starts with temperature assumed supported.
func NewTemperatureState() *TemperatureState {
	s := &TemperatureState{}
	s.supported.Store(true)
	return s
}

// Supported reports whether temperature parameters should still be sent.
func (s *TemperatureState) Supported() bool { return s.supported.Load() }

// Disable permanently turns off temperature for the remainder of the run.
func (s *TemperatureState) Disable() { s.supported.Store(false) }

// ParentContext is one reflection parent: its prompt text, recent
// objectives, shard coverage, optional temperature, and a handful of
// informative traces (spec.md §4.5).
type ParentContext struct {
	Candidate     candidate.Candidate
	Objectives    map[string]float64
	ShardFraction float64
	Traces        []candidate.Trace
	Solutions     map[string]string // example_id -> reference solution, if available
}

// Config configures model identity and generation parameters for the
// reflection LLM.
type Config struct {
	ReflectionModel       string
	ReflectionTemperature *float64
	MaxTokens             *int
}

// Mutator invokes the reflection LLM to produce child candidates.
type Mutator struct {
	cfg         Config
	complete    llm.CompletionFunc
	temperature *TemperatureState
}

// New constructs a Mutator. temperature may be shared between Mutators: a
// provider rejection disables temperature for every Mutator holding the
// same state.
func New(cfg Config, complete llm.CompletionFunc, temperature *TemperatureState) *Mutator {
	return &Mutator{cfg: cfg, complete: complete, temperature: temperature}
}

var promptTagRe = regexp.MustCompile(`(?is)<PROMPT>\s*(.*?)\s*</PROMPT>`)
var onlyDigitsHashesWhitespaceRe = regexp.MustCompile(`^[#\s\d]+$`)

// BatchReflect produces up to numMutations child instruction strings from
// up to 5 parent contexts (spec.md §4.5).
func (m *Mutator) BatchReflect(ctx context.Context, parents []ParentContext, numMutations int) ([]string, error) {
	if len(parents) == 0 {
		return nil, nil
	}
	if len(parents) > maxParents {
		parents = parents[:maxParents]
	}

	prompt := m.buildReflectionPrompt(parents, numMutations)
	content, err := m.complete_(ctx, prompt, reflectionTimeout)
	if err != nil {
		return nil, &xerrors.ReflectionLLMFailure{Err: err}
	}

	mutations := extractPrompts(content)
	if len(mutations) > numMutations {
		mutations = mutations[:numMutations]
	}
	if len(mutations) == 0 {
		nlog.Warningf("mutator: no valid prompts extracted from reflection output")
	}
	return mutations, nil
}

// SpecExample is a raw task example used for spec induction (spec.md
// §4.5).
type SpecExample struct {
	Input          string
	ExpectedAnswer string
	Solution       string
}

// SpecInduce produces numSpecs fresh instruction variants directly from raw
// task examples, with no parent candidate (spec.md §4.5, used for seed
// generation).
func (m *Mutator) SpecInduce(ctx context.Context, examples []SpecExample, numSpecs int) ([]string, error) {
	prompt := m.buildSpecInductionPrompt(examples, numSpecs)
	content, err := m.complete_(ctx, prompt, reflectionTimeout)
	if err != nil {
		return nil, &xerrors.ReflectionLLMFailure{Err: err}
	}

	specs := splitSpecs(content, numSpecs)
	return specs, nil
}

// complete_ issues the reflection call, retrying once without temperature
// and disabling it globally on a recognized temperature-unsupported error
// (spec.md §4.5, §7).
func (m *Mutator) complete_(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	messages := []llm.Message{{Role: "user", Content: prompt}}
	params := m.params()

	resp, err := m.complete(ctx, m.cfg.ReflectionModel, messages, params)
	if err != nil {
		if params.Temperature != nil && xerrors.IsTemperatureUnsupported(err) {
			m.temperature.Disable()
			nlog.Warningf("mutator: %s rejected temperature, retrying without it", m.cfg.ReflectionModel)
			retryParams := params
			retryParams.Temperature = nil
			resp, err = m.complete(ctx, m.cfg.ReflectionModel, messages, retryParams)
			if err != nil {
				return "", err
			}
			return resp.Text, nil
		}
		return "", err
	}
	return resp.Text, nil
}

func (m *Mutator) params() llm.Params {
	p := llm.Params{MaxTokens: m.cfg.MaxTokens}
	if m.temperature.Supported() && m.cfg.ReflectionTemperature != nil {
		p.Temperature = m.cfg.ReflectionTemperature
	}
	return p
}

// extractPrompts pulls every <PROMPT>...</PROMPT> block via a non-greedy,
// case-insensitive, dotall regex and discards blocks that fail validation
// (spec.md §4.5): length < 50 chars, starts with "###", or is only
// digits/hashes/whitespace.
func extractPrompts(content string) []string {
	matches := promptTagRe.FindAllStringSubmatch(content, -1)
	out := make([]string, 0, len(matches))
	for _, match := range matches {
		cleaned := strings.TrimSpace(match[1])
		if len(cleaned) < minMutationLen {
			continue
		}
		if strings.HasPrefix(cleaned, "###") {
			continue
		}
		if onlyDigitsHashesWhitespaceRe.MatchString(cleaned) {
			continue
		}
		out = append(out, cleaned)
	}
	return out
}

// splitSpecs separates spec-induction output on "---" delimiters.
func splitSpecs(content string, numSpecs int) []string {
	parts := strings.Split(content, "---")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		cleaned := strings.TrimSpace(p)
		if cleaned == "" {
			continue
		}
		out = append(out, cleaned)
	}
	if len(out) > numSpecs {
		out = out[:numSpecs]
	}
	return out
}

func (m *Mutator) buildReflectionPrompt(parents []ParentContext, numMutations int) string {
	var parentBlocks strings.Builder
	for i, p := range parents {
		label := string(rune('A' + i))
		quality := p.Objectives["quality"]

		var extra strings.Builder
		if t, ok := p.Candidate.Meta.Extra["temperature"]; ok {
			fmt.Fprintf(&extra, ", temp=%v", t)
		} else if p.Candidate.Meta.Temperature != nil {
			fmt.Fprintf(&extra, ", temp=%.1f", *p.Candidate.Meta.Temperature)
		}
		if p.ShardFraction > 0 {
			fmt.Fprintf(&extra, ", shard=%.0f%%", p.ShardFraction*100)
		}

		fmt.Fprintf(&parentBlocks, "PROMPT %s (quality=%.1f%%%s):\n%q\n\n", label, quality*100, extra.String(), p.Candidate.Text)
	}

	var traceBlocks strings.Builder
	exampleIdx := 1
	for _, p := range parents {
		for _, tr := range p.Traces {
			if exampleIdx > maxTraceExamples {
				break
			}
			fmt.Fprintf(&traceBlocks, "Example %d Input: %s\n", exampleIdx, tr.Input)
			if tr.Output != "" {
				fmt.Fprintf(&traceBlocks, "Example %d Assistant Output: %s\n", exampleIdx, tr.Output)
			}
			if tr.ExpectedAnswer != "" {
				fmt.Fprintf(&traceBlocks, "Example %d Correct Answer: %s\n", exampleIdx, tr.ExpectedAnswer)
			}
			if sol, ok := p.Solutions[tr.ExampleID]; ok && sol != "" {
				fmt.Fprintf(&traceBlocks, "Example %d Reference Solution:\n%s\n", exampleIdx, sol)
			}
			traceBlocks.WriteByte('\n')
			exampleIdx++
		}
	}

	return fmt.Sprintf(`I provided an assistant with the following instructions to perform a task:

Existing high-performing instructions and their recent quality:
%s
The following are examples of task inputs, the assistant's responses, and the expected answers:

%s
Your task is to write %d new instruction variants for the assistant.

Read the inputs carefully and infer the task description. Identify any domain-specific factual information, strategies, or techniques the assistant should retain, and fold it into the new instructions.

Write %d new instruction variants. Each instruction MUST be wrapped in XML tags like this:

<PROMPT>
Your new instruction text here...
</PROMPT>

Each prompt must be wrapped in <PROMPT></PROMPT> tags and must be a complete, standalone instruction.`,
		parentBlocks.String(), traceBlocks.String(), numMutations, numMutations)
}

func (m *Mutator) buildSpecInductionPrompt(examples []SpecExample, numSpecs int) string {
	var exampleBlocks strings.Builder
	for i, ex := range examples {
		fmt.Fprintf(&exampleBlocks, "Example %d Input: %s\n", i+1, ex.Input)
		if ex.ExpectedAnswer != "" {
			fmt.Fprintf(&exampleBlocks, "Example %d Expected Answer: %s\n", i+1, ex.ExpectedAnswer)
		}
		if ex.Solution != "" {
			fmt.Fprintf(&exampleBlocks, "Example %d Reference Solution:\n%s\n", i+1, ex.Solution)
		}
		exampleBlocks.WriteByte('\n')
	}

	return fmt.Sprintf(`The following are examples of a task I want an assistant to perform:

%s
Your task is to generate %s different instruction variants that would teach an assistant to solve tasks like these.

Read the reference solutions and extract any generalizable strategies, domain knowledge, and required answer format.

Output format: Return each instruction separated by "---" (exactly %s instructions).`,
		exampleBlocks.String(), strconv.Itoa(numSpecs), strconv.Itoa(numSpecs))
}
