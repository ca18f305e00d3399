// Package analyzer classifies a run's event sequence against a test
// case's expectations and computes the pass/fail verdict.
package analyzer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/funcbench/funcbench/logger"
	"github.com/funcbench/funcbench/model"
	"github.com/yalp/jsonpath"
)

// Analyzer scores event sequences. It performs no I/O apart from the one
// delegated similarity call; given the same events and test case it always
// produces the same Analysis.
type Analyzer struct {
	Scorer    Scorer
	Threshold float64
}

// New builds an Analyzer around a shared scorer.
func New(settings model.Settings, scorer Scorer) *Analyzer {
	return &Analyzer{
		Scorer:    scorer,
		Threshold: settings.ResolveThreshold(),
	}
}

// accumulator is the state of the left-to-right fold over the event
// sequence. Later events carry more authoritative information as a stream
// progresses, so model and tool name are last-wins.
type accumulator struct {
	model        string
	toolName     string
	lastToolCall *model.ToolCall
	text         strings.Builder
	isStream     bool
	summedUsage  model.TokenUsage
	lastUsage    *model.Usage
}

func (acc *accumulator) fold(event model.EventRecord) {
	if event.Model != "" {
		acc.model = event.Model
	}

	if event.ToolCall != nil && event.ToolCall.Name != "" {
		acc.toolName = event.ToolCall.Name
		call := *event.ToolCall
		acc.lastToolCall = &call
	}

	if event.Content != "" {
		acc.text.WriteString(event.Content)
	}
	if event.ReasoningContent != "" {
		acc.text.WriteString(event.ReasoningContent)
	}
	if event.ChoiceDelta != nil {
		// Presence alone marks the run as streaming; nil content is a
		// legitimate terminal marker.
		acc.isStream = true
		if event.ChoiceDelta.Content != nil {
			acc.text.WriteString(*event.ChoiceDelta.Content)
		}
	}

	if event.Usage != nil {
		acc.summedUsage.Prompt += event.Usage.PromptTokens
		acc.summedUsage.Completion += event.Usage.CompletionTokens
		usage := *event.Usage
		acc.lastUsage = &usage
	}
}

// tokens resolves the final token accounting: streaming chunks each report
// incremental usage and are summed; a batch run's last usage object is a
// final cumulative total and is taken verbatim.
func (acc *accumulator) tokens() model.TokenUsage {
	if acc.isStream {
		return acc.summedUsage
	}
	if acc.lastUsage != nil {
		return model.TokenUsage{
			Prompt:     acc.lastUsage.PromptTokens,
			Completion: acc.lastUsage.CompletionTokens,
		}
	}
	return model.TokenUsage{}
}

// Analyze folds the event sequence once and evaluates the test case's
// active expectations. No expectations means a trivially perfect score,
// which callers surface as an edge case in reporting rather than a silent
// pass.
func (a *Analyzer) Analyze(ctx context.Context, events []model.EventRecord, testCase model.TestCase) model.Analysis {
	analysis := model.DefaultAnalysis("")

	acc := &accumulator{}
	for _, event := range events {
		acc.fold(event)
	}

	if acc.model != "" {
		analysis.Model = acc.model
	} else if testCase.Model != "" {
		analysis.Model = testCase.Model
	}
	analysis.TokenUsage = acc.tokens()

	combined := acc.text.String()

	totalChecks := 0
	passedChecks := 0

	// Tool usage verdict: "none" without an expectation, "no" when the
	// expectation was missed, the tool name itself on a match.
	if testCase.HasToolCheck() {
		totalChecks++
		expected := testCase.ExpectedTool()
		switch {
		case acc.toolName == "":
			analysis.ToolUsage = "no"
		case acc.toolName == expected:
			analysis.ToolUsage = acc.toolName
			passedChecks++
		default:
			analysis.ToolUsage = "no"
		}
		logger.Logger.Debug("Tool usage check",
			"expected", expected,
			"actual", acc.toolName,
			"verdict", analysis.ToolUsage)
	}

	// Semantic match via the injected scorer. A scorer error is
	// infrastructure failure, reported distinctly from a content mismatch.
	expectedMatch := testCase.ExpectedSemanticMatch()
	if expectedMatch != "" && expectedMatch != "none" {
		totalChecks++
		score, err := a.Scorer.Score(ctx, expectedMatch, combined)
		switch {
		case err != nil:
			analysis.SemanticMatch = "error"
			analysis.ScorerError = err.Error()
			logger.Logger.Error("Similarity scorer failed", "error", err)
		case score >= a.Threshold:
			analysis.SemanticMatch = "yes"
			passedChecks++
		default:
			analysis.SemanticMatch = "no"
		}
		logger.Logger.Debug("Semantic match check",
			"expected", expectedMatch,
			"score", score,
			"threshold", a.Threshold,
			"verdict", analysis.SemanticMatch)
	}

	// Optional tool-argument expectation, addressed by JSONPath into the
	// last matching tool call's arguments.
	if testCase.HasArgumentsCheck() {
		totalChecks++
		ok := evalArguments(acc.lastToolCall, testCase.ExpectedOutput.ArgumentsPath, testCase.ExpectedOutput.ArgumentsValue)
		if ok {
			analysis.ArgumentsMatch = "yes"
			passedChecks++
		} else {
			analysis.ArgumentsMatch = "no"
		}
	}

	if totalChecks > 0 {
		analysis.Accuracy = float64(passedChecks) / float64(totalChecks) * 100.0
	} else {
		// No active expectations: trivially accurate.
		analysis.Accuracy = 100.0
	}
	analysis.Success = analysis.Accuracy == 100.0

	logger.Logger.Debug("Response analysis completed",
		"accuracy", analysis.Accuracy,
		"success", analysis.Success,
		"checks", totalChecks,
		"passed", passedChecks,
		"tool_usage", analysis.ToolUsage,
		"semantic_match", analysis.SemanticMatch,
		"tokens_prompt", analysis.TokenUsage.Prompt,
		"tokens_completion", analysis.TokenUsage.Completion)

	return analysis
}

// evalArguments resolves a JSONPath against a tool call's arguments and
// compares the normalized result. Arguments may arrive as a JSON object or
// as a string that itself encodes JSON.
func evalArguments(call *model.ToolCall, path, expected string) bool {
	if call == nil || len(call.Arguments) == 0 {
		return false
	}

	var data interface{}
	if err := sonic.Unmarshal(call.Arguments, &data); err != nil {
		logger.Logger.Warn("Failed to unmarshal tool arguments", "error", err)
		return false
	}
	if encoded, ok := data.(string); ok {
		if err := sonic.Unmarshal([]byte(encoded), &data); err != nil {
			logger.Logger.Warn("Failed to unmarshal encoded tool arguments", "error", err)
			return false
		}
	}

	value, err := jsonpath.Read(data, path)
	if err != nil {
		logger.Logger.Warn("Invalid arguments JSONPath", "path", path, "error", err)
		return false
	}

	return normalize(value) == expected
}

func normalize(v interface{}) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	case nil:
		return "null"
	default:
		return fmt.Sprint(value)
	}
}
