package api

import (
	"time"
)

// Status represents the lifecycle state of an issue workflow instance.
type Status string

const (
	StatusAnalyzing      Status = "analyzing"
	StatusFixing         Status = "fixing"
	StatusPROpen         Status = "pr_open"
	StatusAwaitingReview Status = "awaiting_review"
	StatusResolved       Status = "resolved"
	StatusEscalated      Status = "escalated"
	StatusTooComplex     Status = "too_complex"
	StatusSkipped        Status = "skipped"
)

// IsActive reports whether a run may still be making progress. Only active
// instances are eligible for a live channel.
func (s Status) IsActive() bool {
	return s == StatusAnalyzing || s == StatusFixing || s == StatusPROpen
}

// IsTerminal reports whether the workflow function has nothing left to do.
// awaiting_review is terminal for the run; it only moves on through an
// external approval.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusAwaitingReview, StatusResolved, StatusEscalated, StatusTooComplex, StatusSkipped:
		return true
	}
	return false
}

// Classification is the triage decision for an issue.
type Classification string

const (
	ClassificationFixable       Classification = "fixable"
	ClassificationTooComplex    Classification = "too_complex"
	ClassificationNotActionable Classification = "not_actionable"
)

// StatusAfterTriage maps a classification onto the status the instance
// moves to once triage completes.
func (c Classification) StatusAfterTriage() Status {
	switch c {
	case ClassificationFixable:
		return StatusFixing
	case ClassificationTooComplex:
		return StatusTooComplex
	default:
		return StatusSkipped
	}
}

// TriageResult is the outcome of the triage step.
type TriageResult struct {
	Classification Classification `json:"classification"`
	Reasoning      string         `json:"reasoning"`
}

// WorkflowInstance is one issue-fix attempt. The ID is the issue id.
type WorkflowInstance struct {
	ID       string `json:"id"`
	Workflow string `json:"workflow"`

	RepositoryID string `json:"repositoryId"`
	IssueNumber  int    `json:"issueNumber"`
	Title        string `json:"title"`
	Body         string `json:"body,omitempty"`
	URL          string `json:"url,omitempty"`

	Status Status        `json:"status"`
	Triage *TriageResult `json:"triageResult,omitempty"`

	FixSummary   string `json:"fixSummary,omitempty"`
	IssueComment string `json:"issueComment,omitempty"`
	PRURL        string `json:"prUrl,omitempty"`
	PRNumber     int    `json:"prNumber,omitempty"`
	BranchName   string `json:"branchName,omitempty"`
	RetryCount   int    `json:"retryCount"`

	StartedAt  time.Time `json:"startedAt,omitzero"`
	ResolvedAt time.Time `json:"resolvedAt,omitzero"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt,omitzero"`

	// WakeAt is set while the run is parked on a long sleep.
	WakeAt time.Time `json:"wakeAt,omitzero"`

	// Lease fields guard against two workers replaying the same instance.
	LeaseOwner     string    `json:"-"`
	LeaseExpiresAt time.Time `json:"-"`
}

// Clone returns a deep copy of the instance.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	if w == nil {
		return nil
	}
	cp := *w
	if w.Triage != nil {
		t := *w.Triage
		cp.Triage = &t
	}
	return &cp
}

// InstanceListOptions filters instances in ListInstances. Zero fields mean
// "no filter".
type InstanceListOptions struct {
	RepositoryID string
	Status       Status
}

// RepositoryMode controls whether a drafted comment needs human approval.
type RepositoryMode string

const (
	ModeApproval RepositoryMode = "approval"
	ModeAuto     RepositoryMode = "auto"
)

// DefaultMaxRetries bounds remediation attempts when a repository does not
// configure its own limit.
const DefaultMaxRetries = 2

// Repository is the per-repository configuration the workflow consults.
type Repository struct {
	ID             string         `yaml:"id" json:"id"`
	FullName       string         `yaml:"fullName" json:"fullName"`
	OrganizationID string         `yaml:"organizationId" json:"organizationId"`
	Mode           RepositoryMode `yaml:"mode" json:"mode"`
	MaxRetries     *int           `yaml:"maxRetries" json:"maxRetries,omitempty"`
}

// RetryLimit returns the configured remediation bound, defaulting to
// DefaultMaxRetries.
func (r Repository) RetryLimit() int {
	if r.MaxRetries == nil || *r.MaxRetries < 0 {
		return DefaultMaxRetries
	}
	return *r.MaxRetries
}
