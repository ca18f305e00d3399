package model

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/aymerick/raymond"
	"github.com/bytedance/sonic"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// EVENT RECORDS
// ============================================================================

// EventRecord is one structured JSON message emitted by a test program:
// a fragment of model output, a tool invocation, or token usage.
// Optional payloads are pointers so that field presence survives parsing;
// the analyzer inspects every field independently and never assumes that
// only one payload is populated per record.
type EventRecord struct {
	Model            string       `json:"model,omitempty"`
	TestCase         string       `json:"test_case,omitempty"`
	Content          string       `json:"content,omitempty"`
	ReasoningContent string       `json:"reasoning_content,omitempty"`
	ChoiceDelta      *ChoiceDelta `json:"choice_delta,omitempty"`
	ToolCall         *ToolCall    `json:"tool_call,omitempty"`
	MemoryCall       *MemoryCall  `json:"memory_call,omitempty"`
	Usage            *Usage       `json:"usage,omitempty"`
}

// ChoiceDelta is a streaming text chunk. A present ChoiceDelta with a nil
// Content is a legitimate terminal marker (finish_reason only), so Content
// stays a pointer.
type ChoiceDelta struct {
	Content      *string `json:"content"`
	FinishReason *string `json:"finish_reason"`
}

// ToolCall signals that the program invoked a named tool. Arguments is kept
// raw because test programs emit it either as a JSON object or as an
// encoded string; assertion evaluation decodes it on demand.
type ToolCall struct {
	Instructions string          `json:"instructions,omitempty"`
	CallID       string          `json:"call_id,omitempty"`
	Name         string          `json:"name"`
	Arguments    json.RawMessage `json:"arguments,omitempty"`
}

// MemoryCall mirrors ToolCall for memory-store invocations. Collected for
// reporting but never scored.
type MemoryCall struct {
	Instructions string          `json:"instructions,omitempty"`
	CallID       string          `json:"call_id,omitempty"`
	Name         string          `json:"name,omitempty"`
	Arguments    json.RawMessage `json:"arguments,omitempty"`
}

// Usage is end-of-stream (or per-chunk, when streaming) token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ParseEventRecord parses a single JSON line into an EventRecord.
func ParseEventRecord(line []byte) (EventRecord, error) {
	var record EventRecord
	if err := sonic.Unmarshal(line, &record); err != nil {
		return EventRecord{}, fmt.Errorf("failed to parse event record: %w", err)
	}
	return record, nil
}

// ============================================================================
// TEST CASES
// ============================================================================

// TestCase is the declarative input + expected-output specification used to
// score a run. A missing or unparsable test-case file degrades to the zero
// TestCase, which has no active expectations.
type TestCase struct {
	Description    string          `json:"description,omitempty"`
	Model          string          `json:"model,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	ExpectedOutput *ExpectedOutput `json:"expected_output,omitempty"`
}

// ExpectedOutput declares which checks are active for a test case.
// ContainsTool is a pointer because "key absent" (no expectation) and
// "key present" (expectation, even an empty name) behave differently.
type ExpectedOutput struct {
	ContainsTool   *string `json:"contains_tool,omitempty"`
	SemanticMatch  string  `json:"semantic_match,omitempty"`
	ArgumentsPath  string  `json:"arguments_path,omitempty"`
	ArgumentsValue string  `json:"arguments_value,omitempty"`
}

// HasToolCheck reports whether the contains_tool expectation is active.
func (tc TestCase) HasToolCheck() bool {
	return tc.ExpectedOutput != nil && tc.ExpectedOutput.ContainsTool != nil
}

// ExpectedTool returns the expected tool name, or "" when no tool check is
// active.
func (tc TestCase) ExpectedTool() string {
	if !tc.HasToolCheck() {
		return ""
	}
	return *tc.ExpectedOutput.ContainsTool
}

// ExpectedSemanticMatch returns the expected phrase, or "" when no semantic
// check is active.
func (tc TestCase) ExpectedSemanticMatch() string {
	if tc.ExpectedOutput == nil {
		return ""
	}
	return tc.ExpectedOutput.SemanticMatch
}

// HasArgumentsCheck reports whether the tool-arguments expectation is active.
func (tc TestCase) HasArgumentsCheck() bool {
	return tc.ExpectedOutput != nil && tc.ExpectedOutput.ArgumentsPath != ""
}

// ParseTestCase reads and parses a test-case file.
func ParseTestCase(filename string) (TestCase, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return TestCase{}, fmt.Errorf("failed to read test case: %w", err)
	}

	var tc TestCase
	if err := sonic.Unmarshal(data, &tc); err != nil {
		return TestCase{}, fmt.Errorf("failed to parse test case: %w", err)
	}
	return tc, nil
}

// ============================================================================
// RUN RESULTS
// ============================================================================

// TokenUsage is the scored prompt/completion token accounting for one run.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
}

// Analysis is the derived scoring verdict for one RunResult. Computed once
// by the analyzer, never mutated after.
//
// ToolUsage is "none" (no expectation), "no" (expectation missed) or the
// matched tool name. SemanticMatch is "none", "no", "yes" or "error" when
// the similarity backend itself failed; ScorerError then carries the cause
// so infrastructure failure is never reported as a content mismatch.
type Analysis struct {
	ToolUsage      string     `json:"tool_usage"`
	SemanticMatch  string     `json:"semantic_match"`
	ArgumentsMatch string     `json:"arguments_match,omitempty"`
	Accuracy       float64    `json:"accuracy"`
	ResponseTime   float64    `json:"response_time"`
	TokenUsage     TokenUsage `json:"token_usage"`
	Success        bool       `json:"success"`
	Model          string     `json:"model"`
	ScorerError    string     `json:"scorer_error,omitempty"`
}

// DefaultAnalysis is the verdict attached to runs that failed before
// analysis could happen.
func DefaultAnalysis(model string) Analysis {
	if model == "" {
		model = "unspecified"
	}
	return Analysis{
		ToolUsage:     "none",
		SemanticMatch: "none",
		Model:         model,
	}
}

// RunResult is the full captured outcome of invoking one test program once.
// It is fully populated by the runner and immutable thereafter; the
// orchestrator owns it until it is handed to report generation.
type RunResult struct {
	RunID         string        `json:"run_id"`
	AppName       string        `json:"app_name"`
	Model         string        `json:"model,omitempty"`
	TestCaseName  string        `json:"test_case_name,omitempty"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
	Stdout        string        `json:"stdout"`
	Stderr        string        `json:"stderr"`
	ExecutionTime float64       `json:"execution_time"`
	ReturnCode    int           `json:"return_code"`
	IsStream      bool          `json:"is_stream"`
	Responses     []EventRecord `json:"responses"`
	TestCase      TestCase      `json:"test_case"`
	Analysis      Analysis      `json:"analysis"`
}

// ModelName resolves the model label for display: the analyzer's view of
// the events wins, then the test case's declared model, then "unspecified".
func (r RunResult) ModelName() string {
	if r.Analysis.Model != "" && r.Analysis.Model != "unspecified" {
		return r.Analysis.Model
	}
	if r.TestCase.Model != "" {
		return r.TestCase.Model
	}
	if r.Model != "" {
		return r.Model
	}
	return "unspecified"
}

func (r RunResult) Accuracy() float64 {
	return r.Analysis.Accuracy
}

func (r RunResult) ToolUsage() string {
	if r.Analysis.ToolUsage == "" {
		return "none"
	}
	return r.Analysis.ToolUsage
}

func (r RunResult) Tokens() TokenUsage {
	return r.Analysis.TokenUsage
}

// ResultTable is the orchestrator's three-level mapping:
// application -> model -> test-case file -> RunResult.
type ResultTable map[string]map[string]map[string]RunResult

// Flatten returns every RunResult in the table, app/model/file sorted by
// insertion-independent iteration. Ordering across tasks is not guaranteed
// and not needed; callers that want stable output sort by RunResult fields.
func (t ResultTable) Flatten() []RunResult {
	results := make([]RunResult, 0)
	for _, models := range t {
		for _, cases := range models {
			for _, result := range cases {
				results = append(results, result)
			}
		}
	}
	return results
}

// ============================================================================
// BENCHMARK CONFIGURATION
// ============================================================================

// AppConfig describes one application under test: the executable, its
// argument template and whether its output is streamed NDJSON.
type AppConfig struct {
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args" json:"args"`
	Stream  bool     `yaml:"stream" json:"stream"`
}

// Settings holds run-wide knobs. All fields are optional; zero values mean
// the documented defaults.
type Settings struct {
	Similarity     string  `yaml:"similarity" json:"similarity"`           // "substring" (default) or "embedding"
	Threshold      float64 `yaml:"threshold" json:"threshold"`             // embedding decision threshold, default 0.45
	Timeout        string  `yaml:"timeout" json:"timeout"`                 // per-task wall clock, default 30s
	GraceTimeout   string  `yaml:"grace_timeout" json:"grace_timeout"`     // terminate-to-kill grace, default 5s
	Workers        int     `yaml:"workers" json:"workers"`                 // 0 = unbounded fan-out
	TestCaseDir    string  `yaml:"test_case_dir" json:"test_case_dir"`     // default "test_cases"
	EmbeddingModel string  `yaml:"embedding_model" json:"embedding_model"` // scorer model override
}

const (
	SimilaritySubstring = "substring"
	SimilarityEmbedding = "embedding"

	DefaultThreshold    = 0.45
	DefaultTimeout      = 30 * time.Second
	DefaultGraceTimeout = 5 * time.Second
	DefaultTestCaseDir  = "test_cases"
)

// BenchConfig is the parsed benchmark configuration: run-wide settings plus
// the applications under test.
type BenchConfig struct {
	Settings Settings
	Apps     map[string]AppConfig
}

// ParseTimeout resolves a settings duration string against a default,
// tolerating bad input the way the rest of configuration does: warn-level
// fallback, never a hard failure.
func (s Settings) ParseTimeout() time.Duration {
	return parseDuration(s.Timeout, DefaultTimeout)
}

func (s Settings) ParseGraceTimeout() time.Duration {
	return parseDuration(s.GraceTimeout, DefaultGraceTimeout)
}

func (s Settings) ResolveThreshold() float64 {
	if s.Threshold <= 0 || s.Threshold > 1 {
		return DefaultThreshold
	}
	return s.Threshold
}

func (s Settings) ResolveTestCaseDir() string {
	if s.TestCaseDir == "" {
		return DefaultTestCaseDir
	}
	return s.TestCaseDir
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	dur, err := time.ParseDuration(raw)
	if err != nil || dur <= 0 {
		return fallback
	}
	return dur
}

// ParseBenchConfig reads the benchmark configuration file. The document is
// a mapping from application name to AppConfig, with a reserved "settings"
// key for run-wide options. JSON and YAML are both accepted.
func ParseBenchConfig(filename string) (*BenchConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return ParseBenchConfigFromBytes(data)
}

// ParseBenchConfigFromBytes parses an in-memory configuration document.
func ParseBenchConfigFromBytes(data []byte) (*BenchConfig, error) {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config := &BenchConfig{Apps: make(map[string]AppConfig)}
	for name, node := range raw {
		if name == "settings" {
			if err := node.Decode(&config.Settings); err != nil {
				return nil, fmt.Errorf("failed to parse settings: %w", err)
			}
			continue
		}

		var app AppConfig
		if err := node.Decode(&app); err != nil {
			return nil, fmt.Errorf("failed to parse app %q: %w", name, err)
		}
		config.Apps[name] = app
	}

	return config, nil
}

// ParseModelList reads a JSON array of model identifiers.
func ParseModelList(filename string) ([]string, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read model list: %w", err)
	}

	var models []string
	if err := sonic.Unmarshal(data, &models); err != nil {
		return nil, fmt.Errorf("failed to parse model list: %w", err)
	}
	return models, nil
}

// ============================================================================
// ARGUMENT CONVENTIONS
// ============================================================================

const (
	ModelNameFlag    = "--model_name="
	TestCaseNameFlag = "--test_case_name="
)

// FlagValue extracts the value of a --flag= style argument, returning
// ("", false) when the flag is absent.
func FlagValue(args []string, prefix string) (string, bool) {
	for _, arg := range args {
		if strings.HasPrefix(arg, prefix) {
			return strings.TrimPrefix(arg, prefix), true
		}
	}
	return "", false
}

// ReplaceFlag returns args with the --flag= argument set to value,
// appending it when absent.
func ReplaceFlag(args []string, prefix, value string) []string {
	out := make([]string, 0, len(args)+1)
	replaced := false
	for _, arg := range args {
		if strings.HasPrefix(arg, prefix) {
			out = append(out, prefix+value)
			replaced = true
			continue
		}
		out = append(out, arg)
	}
	if !replaced {
		out = append(out, prefix+value)
	}
	return out
}

// ============================================================================
// TEMPLATES
// ============================================================================

// GetAllEnv snapshots the process environment as a template context.
func GetAllEnv() map[string]string {
	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envMap[parts[0]] = parts[1]
		}
	}
	return envMap
}

// RenderTemplate safely parses and executes a Raymond template.
// If parsing or execution fails, it returns the input string unchanged.
func RenderTemplate(input string, context map[string]string) string {
	tmpl, err := raymond.Parse(input)
	if err != nil {
		log.Printf("Failed to parse template: %v", err)
		return input
	}

	output, err := tmpl.Exec(context)
	if err != nil {
		log.Printf("Failed to execute template: %v", err)
		return input
	}

	return output
}
