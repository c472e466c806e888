package phasegate

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

const maxTranscriptChars = 2000

func truncateForTranscript(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxTranscriptChars {
		return s
	}
	return s[:maxTranscriptChars] + "\n… (truncated)"
}

// remediationMarkdown builds the failing-command transcript as Markdown:
// a heading per section and fenced code blocks for command output.
func remediationMarkdown(command string, exitCode int, stdout string, attempt int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Smoke failure — fix attempt %d\n\n", attempt)
	fmt.Fprintf(&b, "Command: `%s`\n\n", command)
	fmt.Fprintf(&b, "Exit code: %d\n\n", exitCode)
	b.WriteString("## Output\n\n```\n")
	b.WriteString(truncateForTranscript(stdout))
	b.WriteString("\n```\n")
	return b.String()
}

// renderPlainText parses markdown and walks the AST, concatenating text and
// code-block content into a flat plain-text transcript suitable for
// embedding in a child agent's task string. Fences and inline-code
// backticks are dropped; headings keep their "#" markers.
func renderPlainText(markdown string) string {
	source := []byte(markdown)
	doc := goldmark.New().Parser().Parse(text.NewReader(source))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := n.(type) {
		case *ast.Text:
			b.Write(v.Segment.Value(source))
			if v.SoftLineBreak() || v.HardLineBreak() {
				b.WriteString("\n")
			} else {
				b.WriteString(" ")
			}
		case *ast.FencedCodeBlock:
			lines := v.Lines()
			for i := 0; i < lines.Len(); i++ {
				line := lines.At(i)
				b.Write(line.Value(source))
			}
		case *ast.CodeBlock:
			lines := v.Lines()
			for i := 0; i < lines.Len(); i++ {
				line := lines.At(i)
				b.Write(line.Value(source))
			}
		case *ast.Heading:
			b.WriteString(strings.Repeat("#", v.Level) + " ")
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(b.String())
}

// BuildRemediationPrompt assembles the full remediation prompt embedded in
// a fix agent's task: the rendered transcript plus fixed instructions.
func BuildRemediationPrompt(command string, exitCode int, stdout string, attempt int) string {
	transcript := renderPlainText(remediationMarkdown(command, exitCode, stdout, attempt))
	return transcript + "\n\nApply a minimal fix so this command passes. Do not refactor unrelated files."
}
