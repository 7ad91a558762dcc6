package mutator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Studio-Intrinsic/turbo-gepa/candidate"
	"github.com/Studio-Intrinsic/turbo-gepa/llm"
)

func f64(v float64) *float64 { return &v }

func staticCompletion(text string) llm.CompletionFunc {
	return func(ctx context.Context, model string, messages []llm.Message, params llm.Params) (llm.Completion, error) {
		return llm.Completion{Text: text}, nil
	}
}

func TestExtractPromptsFiltersShortBlocks(t *testing.T) {
	content := "<PROMPT>too short</PROMPT>\n<PROMPT>" + strings.Repeat("x", 60) + "</PROMPT>"
	out := extractPrompts(content)
	require.Len(t, out, 1)
}

func TestExtractPromptsFiltersHashPrefixed(t *testing.T) {
	content := "<PROMPT>### " + strings.Repeat("x", 60) + "</PROMPT>"
	out := extractPrompts(content)
	require.Empty(t, out)
}

func TestExtractPromptsFiltersDigitsHashesOnly(t *testing.T) {
	content := "<PROMPT>" + strings.Repeat("# 1 2 3 ", 10) + "</PROMPT>"
	out := extractPrompts(content)
	require.Empty(t, out)
}

func TestExtractPromptsCaseInsensitiveAndMultiline(t *testing.T) {
	content := "<prompt>\nline one\nline two, long enough to pass the minimum length check easily\n</prompt>"
	out := extractPrompts(content)
	require.Len(t, out, 1)
	require.Contains(t, out[0], "line one")
}

func TestBatchReflectReturnsMutations(t *testing.T) {
	reply := "<PROMPT>" + strings.Repeat("Solve the task carefully. ", 5) + "</PROMPT>" +
		"<PROMPT>" + strings.Repeat("Think step by step before answering. ", 5) + "</PROMPT>"
	m := New(Config{ReflectionModel: "reflector"}, staticCompletion(reply), NewTemperatureState())

	parents := []ParentContext{{
		Candidate:  candidate.New("be concise"),
		Objectives: map[string]float64{"quality": 0.7},
		Traces: []candidate.Trace{
			{ExampleID: "ex1", Input: "2+2", Output: "4", ExpectedAnswer: "4"},
		},
	}}

	out, err := m.BatchReflect(context.Background(), parents, 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestBatchReflectNoParentsReturnsEmpty(t *testing.T) {
	m := New(Config{ReflectionModel: "reflector"}, staticCompletion(""), NewTemperatureState())
	out, err := m.BatchReflect(context.Background(), nil, 2)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestBatchReflectTemperatureUnsupportedRetriesAndDisables(t *testing.T) {
	calls := 0
	complete := func(ctx context.Context, model string, messages []llm.Message, params llm.Params) (llm.Completion, error) {
		calls++
		if params.Temperature != nil {
			return llm.Completion{}, errors.New("this model does not support temperature")
		}
		return llm.Completion{Text: "<PROMPT>" + strings.Repeat("retry succeeded without temperature. ", 3) + "</PROMPT>"}, nil
	}

	state := NewTemperatureState()
	m := New(Config{ReflectionModel: "reflector", ReflectionTemperature: f64(0.9)}, complete, state)

	parents := []ParentContext{{Candidate: candidate.New("seed"), Objectives: map[string]float64{"quality": 0.5}}}
	out, err := m.BatchReflect(context.Background(), parents, 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, 2, calls)
	require.False(t, state.Supported())
}

func TestSpecInduceSplitsOnDelimiter(t *testing.T) {
	reply := "First instruction variant text here.\n---\nSecond instruction variant text here.\n---\n"
	m := New(Config{ReflectionModel: "reflector"}, staticCompletion(reply), NewTemperatureState())

	examples := []SpecExample{{Input: "in", ExpectedAnswer: "out", Solution: "because..."}}
	specs, err := m.SpecInduce(context.Background(), examples, 2)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	require.Equal(t, "First instruction variant text here.", specs[0])
}

func TestSpecInduceRespectsNumSpecsCap(t *testing.T) {
	reply := "a\n---\nb\n---\nc\n---\nd"
	m := New(Config{ReflectionModel: "reflector"}, staticCompletion(reply), NewTemperatureState())
	specs, err := m.SpecInduce(context.Background(), nil, 2)
	require.NoError(t, err)
	require.Len(t, specs, 2)
}

func TestTemperatureStateDefaultsSupported(t *testing.T) {
	s := NewTemperatureState()
	require.True(t, s.Supported())
	s.Disable()
	require.False(t, s.Supported())
}
