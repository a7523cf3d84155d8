package api

import "fmt"

// Topic is the type tag shared by activity records and stream messages.
type Topic string

const (
	TopicTriage         Topic = "triage"
	TopicTextGenerated  Topic = "text_generated"
	TopicReasoning      Topic = "reasoning"
	TopicRepoClone      Topic = "repo_clone"
	TopicWebSearch      Topic = "web_search"
	TopicFileRead       Topic = "file_read"
	TopicFileChange     Topic = "file_change"
	TopicRunCommand     Topic = "run_command"
	TopicToolCall       Topic = "tool_call"
	TopicError          Topic = "error"
	TopicPRCreated      Topic = "pr_created"
	TopicCIStatus       Topic = "ci_status"
	TopicPRMerged       Topic = "pr_merged"
	TopicCommentDrafted Topic = "comment_drafted"
	TopicCommentPosted  Topic = "comment_posted"
	TopicEscalated      Topic = "escalated"
	TopicDone           Topic = "done"
	TopicFixSummary     Topic = "fix_summary"
)

// AllTopics lists every topic in declaration order.
var AllTopics = []Topic{
	TopicTriage,
	TopicTextGenerated,
	TopicReasoning,
	TopicRepoClone,
	TopicWebSearch,
	TopicFileRead,
	TopicFileChange,
	TopicRunCommand,
	TopicToolCall,
	TopicError,
	TopicPRCreated,
	TopicCIStatus,
	TopicPRMerged,
	TopicCommentDrafted,
	TopicCommentPosted,
	TopicEscalated,
	TopicDone,
	TopicFixSummary,
}

// Valid reports whether t belongs to the closed topic set.
func (t Topic) Valid() bool {
	for _, known := range AllTopics {
		if t == known {
			return true
		}
	}
	return false
}

// ParseTopics converts raw names into topics. An empty input means all topics.
func ParseTopics(names []string) ([]Topic, error) {
	if len(names) == 0 {
		return append([]Topic(nil), AllTopics...), nil
	}
	out := make([]Topic, 0, len(names))
	for _, n := range names {
		t := Topic(n)
		if !t.Valid() {
			return nil, fmt.Errorf("unknown topic %q", n)
		}
		out = append(out, t)
	}
	return out, nil
}

// ChannelFor returns the live channel name for an instance.
func ChannelFor(instanceID string) string {
	return "issue:" + instanceID
}
