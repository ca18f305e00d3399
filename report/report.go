// Package report renders benchmark results as Markdown, JSON, or a
// console summary.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aymerick/raymond"
	"github.com/bytedance/sonic"
	"github.com/funcbench/funcbench/logger"
	"github.com/funcbench/funcbench/model"
	"github.com/funcbench/funcbench/version"
)

// Generator renders result tables. ConfigFile is recorded in report
// metadata so a report can be traced back to the configuration that
// produced it.
type Generator struct {
	ConfigFile string
}

func NewGenerator() *Generator {
	return &Generator{}
}

// SummaryRow is one line of the report's summary table.
type SummaryRow struct {
	AppName      string `json:"app_name"`
	Model        string `json:"model"`
	Accuracy     string `json:"accuracy"`
	ResponseTime string `json:"response_time"`
	PassRate     string `json:"pass_rate"`
	ToolUsage    string `json:"tool_usage"`
	Status       string `json:"status"`
}

// DetailView is the per-run detail section of the Markdown report.
type DetailView struct {
	AppName        string
	Model          string
	TestCaseName   string
	Description    string
	Date           string
	ToolUsage      string
	SemanticMatch  string
	Accuracy       string
	Input          string
	ExpectedOutput string
	Stdout         string
	Error          string
	TokenUsage     string
	AvgTokens      string
	ResponseTime   string
	IsStream       bool
}

type reportData struct {
	Version     string
	GeneratedAt string
	ConfigFile  string
	Summary     []SummaryRow
	Details     []DetailView
}

// jsonReport is the machine-readable report shape.
type jsonReport struct {
	Version     string            `json:"version"`
	GeneratedAt string            `json:"generated_at"`
	ConfigFile  string            `json:"config_file,omitempty"`
	TotalRuns   int               `json:"total_runs"`
	Passed      int               `json:"passed"`
	Failed      int               `json:"failed"`
	Results     model.ResultTable `json:"results"`
}

const markdownTemplate = `# Function Calling Benchmark Report

Generated: {{GeneratedAt}} (funcbench {{Version}})

## Summary

| App Name | Model | Accuracy | Response Time | Pass Rate | Tool Usage | Result |
|----------|-------|----------|---------------|-----------|------------|--------|
{{#each Summary}}| {{AppName}} | {{Model}} | {{Accuracy}} | {{ResponseTime}} | {{PassRate}} | {{ToolUsage}} | {{Status}} |
{{/each}}
---

{{#each Details}}# {{AppName}} Evaluation Details

## Test Environment

- **Model**: {{Model}}
- **Test Case**: {{TestCaseName}}
- **Evaluation Time**: {{Date}}
- **Streaming**: {{IsStream}}

## Test Results

### Evaluation Details

| Test Case | Tool Usage | Semantic Match | Accuracy |
|-----------|------------|----------------|----------|
| {{TestCaseName}} | {{ToolUsage}} | {{SemanticMatch}} | {{Accuracy}} |

### Overall Metrics

- **Accuracy**: {{Accuracy}}
- **Average Response Time**: {{ResponseTime}}
- **Token Usage**: {{TokenUsage}}
- **Average Tokens per Response**: {{AvgTokens}}

### Detailed Response Analysis

#### {{{Description}}}

**Input**: ` + "`{{{Input}}}`" + `

**Expected Output**:
` + "```json\n{{{ExpectedOutput}}}\n```" + `

**Actual Output**:
` + "```\n{{{Stdout}}}\n```" + `
{{#if Error}}
**Error**: {{{Error}}}
{{/if}}
---

{{/each}}`

// GenerateMarkdown renders the full Markdown report.
func (g *Generator) GenerateMarkdown(table model.ResultTable) (string, error) {
	data := g.buildReportData(table)
	output, err := raymond.Render(markdownTemplate, data)
	if err != nil {
		return "", fmt.Errorf("failed to render markdown report: %w", err)
	}
	return output, nil
}

// GenerateJSON renders the machine-readable report.
func (g *Generator) GenerateJSON(table model.ResultTable) (string, error) {
	results := table.Flatten()
	passed := 0
	for _, result := range results {
		if result.Success {
			passed++
		}
	}

	payload := jsonReport{
		Version:     version.Version,
		GeneratedAt: time.Now().Format(time.RFC3339),
		ConfigFile:  g.ConfigFile,
		TotalRuns:   len(results),
		Passed:      passed,
		Failed:      len(results) - passed,
		Results:     table,
	}

	out, err := sonic.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON report: %w", err)
	}
	return string(out), nil
}

// Write renders the requested report type to a file.
func (g *Generator) Write(table model.ResultTable, reportType, outputPath string) error {
	var content string
	var err error

	switch reportType {
	case "md":
		content, err = g.GenerateMarkdown(table)
	case "json":
		content, err = g.GenerateJSON(table)
	default:
		return fmt.Errorf("unknown report type: %s", reportType)
	}
	if err != nil {
		return err
	}
	if content == "" {
		return fmt.Errorf("generated report is empty")
	}

	outputDir := filepath.Dir(outputPath)
	if outputDir != "." && outputDir != "" {
		if err := os.MkdirAll(outputDir, logger.DirPermission); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	if err := os.WriteFile(outputPath, []byte(content), logger.FilePermission); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}
	return nil
}

// PrintSummary writes the boxed console recap.
func (g *Generator) PrintSummary(table model.ResultTable) {
	results := sortedResults(table)
	if len(results) == 0 {
		logger.Logger.Info("No runs to summarize")
		return
	}

	totalRuns := len(results)
	passed := 0
	var totalAccuracy, totalDuration float64
	totalPrompt, totalCompletion := 0, 0

	for _, result := range results {
		if result.Success {
			passed++
		}
		totalAccuracy += result.Analysis.Accuracy
		totalDuration += result.ExecutionTime
		totalPrompt += result.Analysis.TokenUsage.Prompt
		totalCompletion += result.Analysis.TokenUsage.Completion
	}
	failed := totalRuns - passed

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("[Summary] Benchmark Execution Summary")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("  Total Runs:        %d\n", totalRuns)
	fmt.Printf("  Passed:            %d (%.1f%%)\n", passed, percent(passed, totalRuns))
	fmt.Printf("  Failed:            %d (%.1f%%)\n", failed, percent(failed, totalRuns))
	fmt.Printf("  Average Accuracy:  %.2f%%\n", totalAccuracy/float64(totalRuns))
	fmt.Printf("  Total Duration:    %.2fs (avg: %.2fs per run)\n", totalDuration, totalDuration/float64(totalRuns))
	fmt.Printf("  Tokens:            %d prompt / %d completion\n", totalPrompt, totalCompletion)
	fmt.Println(strings.Repeat("=", 80))
}

func (g *Generator) buildReportData(table model.ResultTable) reportData {
	results := sortedResults(table)

	summary := make([]SummaryRow, 0, len(results))
	details := make([]DetailView, 0, len(results))
	date := time.Now().Format("2006-01-02")

	for _, result := range results {
		summary = append(summary, SummaryRow{
			AppName:      result.AppName,
			Model:        result.ModelName(),
			Accuracy:     fmt.Sprintf("%.2f%%", result.Analysis.Accuracy),
			ResponseTime: fmt.Sprintf("%.2fs", result.ExecutionTime),
			PassRate:     fmt.Sprintf("%.2f%%", boolPercent(result.Success)),
			ToolUsage:    toolUsageDisplay(result.Analysis.ToolUsage),
			Status:       statusDisplay(result.Success),
		})

		details = append(details, DetailView{
			AppName:        result.AppName,
			Model:          result.ModelName(),
			TestCaseName:   testCaseDisplay(result),
			Description:    descriptionDisplay(result.TestCase),
			Date:           date,
			ToolUsage:      result.ToolUsage(),
			SemanticMatch:  semanticDisplay(result.Analysis.SemanticMatch),
			Accuracy:       fmt.Sprintf("%.2f%%", result.Analysis.Accuracy),
			Input:          string(result.TestCase.Input),
			ExpectedOutput: expectedOutputJSON(result.TestCase),
			Stdout:         result.Stdout,
			Error:          result.Error,
			TokenUsage:     fmt.Sprintf("{\"prompt\": %d, \"completion\": %d}", result.Analysis.TokenUsage.Prompt, result.Analysis.TokenUsage.Completion),
			AvgTokens:      avgTokensDisplay(result),
			ResponseTime:   fmt.Sprintf("%.2fs", result.ExecutionTime),
			IsStream:       result.IsStream,
		})
	}

	return reportData{
		Version:     version.Version,
		GeneratedAt: time.Now().Format("2006-01-02 15:04:05"),
		ConfigFile:  g.ConfigFile,
		Summary:     summary,
		Details:     details,
	}
}

func sortedResults(table model.ResultTable) []model.RunResult {
	results := table.Flatten()
	sort.Slice(results, func(i, j int) bool {
		if results[i].AppName != results[j].AppName {
			return results[i].AppName < results[j].AppName
		}
		if results[i].Model != results[j].Model {
			return results[i].Model < results[j].Model
		}
		return results[i].TestCaseName < results[j].TestCaseName
	})
	return results
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func boolPercent(ok bool) float64 {
	if ok {
		return 100.0
	}
	return 0.0
}

func statusDisplay(success bool) string {
	if success {
		return "✅ Pass"
	}
	return "❌ Fail"
}

// toolUsageDisplay keeps the original report vocabulary: "none" when no
// tool check was active, otherwise a percentage.
func toolUsageDisplay(toolUsage string) string {
	switch toolUsage {
	case "none", "":
		return "none"
	case "no":
		return "0.00%"
	default:
		return "100.00%"
	}
}

func semanticDisplay(semanticMatch string) string {
	if semanticMatch == "" {
		return "none"
	}
	return semanticMatch
}

func testCaseDisplay(result model.RunResult) string {
	if result.TestCaseName != "" {
		return result.TestCaseName
	}
	// Fall back to the label the test program reported, if any.
	for _, event := range result.Responses {
		if event.TestCase != "" {
			return event.TestCase
		}
	}
	return "unknown"
}

func descriptionDisplay(testCase model.TestCase) string {
	if testCase.Description != "" {
		return testCase.Description
	}
	return "Test Case"
}

func expectedOutputJSON(testCase model.TestCase) string {
	if testCase.ExpectedOutput == nil {
		return "{}"
	}
	out, err := sonic.MarshalIndent(testCase.ExpectedOutput, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(out)
}

func avgTokensDisplay(result model.RunResult) string {
	responses := len(result.Responses)
	if responses == 0 {
		responses = 1
	}
	return fmt.Sprintf("%.2f", float64(result.Analysis.TokenUsage.Completion)/float64(responses))
}
