package api

import (
	"encoding/json"
	"fmt"
)

// ActivityStatus tracks an in-progress activity from start to finish.
type ActivityStatus string

const (
	ActivityStarted   ActivityStatus = "started"
	ActivityStreaming ActivityStatus = "streaming"
	ActivityCompleted ActivityStatus = "completed"
	ActivityFailed    ActivityStatus = "failed"
)

// Details is the topic-specific payload of an activity record or stream
// message. Every topic has exactly one variant.
type Details interface {
	Topic() Topic
	// Correlation is the key consumers use to collapse partial updates of
	// one activity into a single timeline entry.
	Correlation() string
}

// Streamed topics correlate on StreamID, everything else on StepID.

type TriageDetails struct {
	Classification Classification `json:"classification"`
	Reasoning      string         `json:"reasoning"`
}

func (TriageDetails) Topic() Topic        { return TopicTriage }
func (TriageDetails) Correlation() string { return "triage" }

type TextGeneratedDetails struct {
	Content  string         `json:"content"`
	StreamID string         `json:"streamId"`
	Status   ActivityStatus `json:"status,omitempty"`
}

func (TextGeneratedDetails) Topic() Topic          { return TopicTextGenerated }
func (d TextGeneratedDetails) Correlation() string { return d.StreamID }

type ReasoningDetails struct {
	Content         string         `json:"content"`
	StreamID        string         `json:"streamId"`
	Status          ActivityStatus `json:"status,omitempty"`
	DurationSeconds int            `json:"durationSeconds,omitempty"`
}

func (ReasoningDetails) Topic() Topic          { return TopicReasoning }
func (d ReasoningDetails) Correlation() string { return d.StreamID }

type RepoCloneDetails struct {
	Repository string         `json:"repository"`
	Path       string         `json:"path,omitempty"`
	StepID     string         `json:"stepId"`
	Status     ActivityStatus `json:"status,omitempty"`
}

func (RepoCloneDetails) Topic() Topic          { return TopicRepoClone }
func (d RepoCloneDetails) Correlation() string { return d.StepID }

type WebSearchDetails struct {
	Query   string         `json:"query"`
	Snippet string         `json:"snippet,omitempty"`
	StepID  string         `json:"stepId"`
	Status  ActivityStatus `json:"status,omitempty"`
}

func (WebSearchDetails) Topic() Topic          { return TopicWebSearch }
func (d WebSearchDetails) Correlation() string { return d.StepID }

type FileReadDetails struct {
	FilePath string         `json:"filePath"`
	StepID   string         `json:"stepId"`
	Status   ActivityStatus `json:"status,omitempty"`
}

func (FileReadDetails) Topic() Topic          { return TopicFileRead }
func (d FileReadDetails) Correlation() string { return d.StepID }

type FileChangeDetails struct {
	FilePath string         `json:"filePath"`
	Diff     string         `json:"diff"`
	StreamID string         `json:"streamId"`
	Status   ActivityStatus `json:"status,omitempty"`
}

func (FileChangeDetails) Topic() Topic          { return TopicFileChange }
func (d FileChangeDetails) Correlation() string { return d.StreamID }

type RunCommandDetails struct {
	Command  string         `json:"command"`
	Output   string         `json:"output,omitempty"`
	ExitCode *int           `json:"exitCode,omitempty"`
	StepID   string         `json:"stepId"`
	Status   ActivityStatus `json:"status,omitempty"`
}

func (RunCommandDetails) Topic() Topic          { return TopicRunCommand }
func (d RunCommandDetails) Correlation() string { return d.StepID }

// Succeeded reports whether the command finished with exit code 0.
func (d RunCommandDetails) Succeeded() bool {
	return d.ExitCode != nil && *d.ExitCode == 0
}

type ToolCallDetails struct {
	Tool   string         `json:"tool"`
	Input  string         `json:"input,omitempty"`
	Output string         `json:"output,omitempty"`
	StepID string         `json:"stepId"`
	Status ActivityStatus `json:"status,omitempty"`
}

func (ToolCallDetails) Topic() Topic          { return TopicToolCall }
func (d ToolCallDetails) Correlation() string { return d.StepID }

type ErrorDetails struct {
	Message string `json:"message"`
	StepID  string `json:"stepId"`
}

func (ErrorDetails) Topic() Topic          { return TopicError }
func (d ErrorDetails) Correlation() string { return d.StepID }

type PRCreatedDetails struct {
	Title  string         `json:"title"`
	URL    string         `json:"url,omitempty"`
	Number int            `json:"number,omitempty"`
	Branch string         `json:"branch,omitempty"`
	StepID string         `json:"stepId"`
	Status ActivityStatus `json:"status,omitempty"`
}

func (PRCreatedDetails) Topic() Topic          { return TopicPRCreated }
func (d PRCreatedDetails) Correlation() string { return d.StepID }

// CI outcomes carried in CIStatusDetails.Status.
const (
	CIPending = "pending"
	CIPassed  = "passed"
	CIFailed  = "failed"
)

// CIStatusDetails keeps the CI outcome in Status; activity progress lives in
// Phase because the two would otherwise collide.
type CIStatusDetails struct {
	PRNumber int            `json:"prNumber"`
	Status   string         `json:"status,omitempty"`
	Phase    ActivityStatus `json:"phase,omitempty"`
	Checks   int            `json:"checks,omitempty"`
	Passed   int            `json:"passed,omitempty"`
	Failed   int            `json:"failed,omitempty"`
	StepID   string         `json:"stepId"`
}

func (CIStatusDetails) Topic() Topic          { return TopicCIStatus }
func (d CIStatusDetails) Correlation() string { return d.StepID }

type PRMergedDetails struct {
	PRNumber int    `json:"prNumber"`
	URL      string `json:"url,omitempty"`
	StepID   string `json:"stepId"`
}

func (PRMergedDetails) Topic() Topic          { return TopicPRMerged }
func (d PRMergedDetails) Correlation() string { return d.StepID }

type CommentDraftedDetails struct {
	IssueComment string `json:"issueComment"`
	PRURL        string `json:"prUrl,omitempty"`
	StepID       string `json:"stepId"`
}

func (CommentDraftedDetails) Topic() Topic          { return TopicCommentDrafted }
func (d CommentDraftedDetails) Correlation() string { return d.StepID }

type CommentPostedDetails struct {
	CommentURL string `json:"commentUrl,omitempty"`
	Body       string `json:"body"`
	StepID     string `json:"stepId"`
}

func (CommentPostedDetails) Topic() Topic          { return TopicCommentPosted }
func (d CommentPostedDetails) Correlation() string { return d.StepID }

type EscalatedDetails struct {
	Reason     string `json:"reason"`
	RetryCount int    `json:"retryCount"`
	StepID     string `json:"stepId"`
}

func (EscalatedDetails) Topic() Topic          { return TopicEscalated }
func (d EscalatedDetails) Correlation() string { return d.StepID }

type DoneDetails struct {
	Summary  string         `json:"summary"`
	StreamID string         `json:"streamId"`
	Status   ActivityStatus `json:"status,omitempty"`
}

func (DoneDetails) Topic() Topic          { return TopicDone }
func (d DoneDetails) Correlation() string { return d.StreamID }

type FixSummaryDetails struct {
	Summary string `json:"summary"`
	StepID  string `json:"stepId"`
}

func (FixSummaryDetails) Topic() Topic          { return TopicFixSummary }
func (d FixSummaryDetails) Correlation() string { return d.StepID }

// NewDetails returns a zero value of the variant registered for topic.
func NewDetails(topic Topic) (Details, error) {
	switch topic {
	case TopicTriage:
		return &TriageDetails{}, nil
	case TopicTextGenerated:
		return &TextGeneratedDetails{}, nil
	case TopicReasoning:
		return &ReasoningDetails{}, nil
	case TopicRepoClone:
		return &RepoCloneDetails{}, nil
	case TopicWebSearch:
		return &WebSearchDetails{}, nil
	case TopicFileRead:
		return &FileReadDetails{}, nil
	case TopicFileChange:
		return &FileChangeDetails{}, nil
	case TopicRunCommand:
		return &RunCommandDetails{}, nil
	case TopicToolCall:
		return &ToolCallDetails{}, nil
	case TopicError:
		return &ErrorDetails{}, nil
	case TopicPRCreated:
		return &PRCreatedDetails{}, nil
	case TopicCIStatus:
		return &CIStatusDetails{}, nil
	case TopicPRMerged:
		return &PRMergedDetails{}, nil
	case TopicCommentDrafted:
		return &CommentDraftedDetails{}, nil
	case TopicCommentPosted:
		return &CommentPostedDetails{}, nil
	case TopicEscalated:
		return &EscalatedDetails{}, nil
	case TopicDone:
		return &DoneDetails{}, nil
	case TopicFixSummary:
		return &FixSummaryDetails{}, nil
	}
	return nil, fmt.Errorf("unknown topic %q", topic)
}

// DecodeDetails restores the variant for topic from its JSON form. The
// returned value is the variant itself, not a pointer to it.
func DecodeDetails(topic Topic, data []byte) (Details, error) {
	ptr, err := NewDetails(topic)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, ptr); err != nil {
			return nil, fmt.Errorf("decode %s details: %w", topic, err)
		}
	}
	return deref(ptr), nil
}

// EncodeDetails returns the JSON form persisted for d.
func EncodeDetails(d Details) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("nil details")
	}
	return json.Marshal(d)
}

func deref(d Details) Details {
	switch v := d.(type) {
	case *TriageDetails:
		return *v
	case *TextGeneratedDetails:
		return *v
	case *ReasoningDetails:
		return *v
	case *RepoCloneDetails:
		return *v
	case *WebSearchDetails:
		return *v
	case *FileReadDetails:
		return *v
	case *FileChangeDetails:
		return *v
	case *RunCommandDetails:
		return *v
	case *ToolCallDetails:
		return *v
	case *ErrorDetails:
		return *v
	case *PRCreatedDetails:
		return *v
	case *CIStatusDetails:
		return *v
	case *PRMergedDetails:
		return *v
	case *CommentDraftedDetails:
		return *v
	case *CommentPostedDetails:
		return *v
	case *EscalatedDetails:
		return *v
	case *DoneDetails:
		return *v
	case *FixSummaryDetails:
		return *v
	}
	return d
}

// IntPtr is a small helper for optional integer fields such as exit codes.
func IntPtr(v int) *int { return &v }
