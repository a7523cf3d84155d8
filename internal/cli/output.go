package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/lorenzkrinner/gitfix/internal/token"
	"github.com/lorenzkrinner/gitfix/pkg/api"
	"github.com/lorenzkrinner/gitfix/pkg/timeline"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the operation ran and failed
	ExitCommandError = 2 // bad flags, config or arguments
)

// ExitError carries the process exit code for an error.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns the code carried by err, or ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Printer renders command results as text or JSON.
type Printer struct {
	Format string
	Writer io.Writer
}

// label turns identifiers such as "awaiting_review" into "Awaiting Review".
// Casers keep state, so each call gets its own.
func label(s string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(s, "_", " "))
}

func (p *Printer) json(v any) error {
	enc := json.NewEncoder(p.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Instance prints an instance's headline fields.
func (p *Printer) Instance(inst *api.WorkflowInstance) error {
	if p.Format == "json" {
		return p.json(inst)
	}
	fmt.Fprintf(p.Writer, "Issue     %s\n", inst.ID)
	fmt.Fprintf(p.Writer, "Title     %s\n", inst.Title)
	fmt.Fprintf(p.Writer, "Status    %s\n", label(string(inst.Status)))
	if inst.Triage != nil {
		fmt.Fprintf(p.Writer, "Triage    %s\n", label(string(inst.Triage.Classification)))
	}
	if inst.PRURL != "" {
		fmt.Fprintf(p.Writer, "PR        %s\n", inst.PRURL)
	}
	if inst.RetryCount > 0 {
		fmt.Fprintf(p.Writer, "Retries   %d\n", inst.RetryCount)
	}
	if inst.FixSummary != "" {
		fmt.Fprintf(p.Writer, "Summary   %s\n", firstLine(inst.FixSummary))
	}
	return nil
}

// Timeline prints reconciled timeline entries, oldest first.
func (p *Printer) Timeline(entries []timeline.Entry) error {
	if p.Format == "json" {
		if entries == nil {
			entries = []timeline.Entry{}
		}
		return p.json(entries)
	}
	for _, e := range entries {
		p.Entry(e)
	}
	return nil
}

// Entry prints one timeline row in text form.
func (p *Printer) Entry(e timeline.Entry) {
	fmt.Fprintf(p.Writer, "%s  %-16s %s\n", e.At.Local().Format("15:04:05"), label(string(e.Topic)), describe(e.Details))
}

// Token prints a subscription token.
func (p *Printer) Token(tok token.Token) error {
	if p.Format == "json" {
		return p.json(tok)
	}
	topics := make([]string, len(tok.Topics))
	for i, t := range tok.Topics {
		topics[i] = string(t)
	}
	fmt.Fprintf(p.Writer, "Token     %s\n", tok.Value)
	fmt.Fprintf(p.Writer, "Channel   %s\n", tok.Channel)
	fmt.Fprintf(p.Writer, "Topics    %s\n", strings.Join(topics, ", "))
	fmt.Fprintf(p.Writer, "Expires   %s\n", tok.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// describe is the one-line text summary of d.
func describe(d api.Details) string {
	switch v := d.(type) {
	case api.TriageDetails:
		return fmt.Sprintf("%s: %s", label(string(v.Classification)), firstLine(v.Reasoning))
	case api.TextGeneratedDetails:
		return firstLine(v.Content)
	case api.ReasoningDetails:
		if v.DurationSeconds > 0 {
			return fmt.Sprintf("thought for %ds: %s", v.DurationSeconds, firstLine(v.Content))
		}
		return firstLine(v.Content)
	case api.RepoCloneDetails:
		return v.Repository
	case api.WebSearchDetails:
		return v.Query
	case api.FileReadDetails:
		return v.FilePath
	case api.FileChangeDetails:
		return fmt.Sprintf("%s (%d diff lines)", v.FilePath, strings.Count(v.Diff, "\n")+1)
	case api.RunCommandDetails:
		if v.ExitCode != nil {
			return fmt.Sprintf("%s (exit %d)", v.Command, *v.ExitCode)
		}
		return v.Command
	case api.ToolCallDetails:
		return v.Tool
	case api.ErrorDetails:
		return firstLine(v.Message)
	case api.PRCreatedDetails:
		if v.URL != "" {
			return fmt.Sprintf("%s %s", v.Title, v.URL)
		}
		return v.Title
	case api.CIStatusDetails:
		return fmt.Sprintf("%s, %d/%d checks passed", label(v.Status), v.Passed, v.Checks)
	case api.PRMergedDetails:
		return v.URL
	case api.CommentDraftedDetails:
		return firstLine(v.IssueComment)
	case api.CommentPostedDetails:
		return v.CommentURL
	case api.EscalatedDetails:
		return fmt.Sprintf("%s after %d retries", v.Reason, v.RetryCount)
	case api.DoneDetails:
		return firstLine(v.Summary)
	case api.FixSummaryDetails:
		return firstLine(v.Summary)
	}
	return ""
}
