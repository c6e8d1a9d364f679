// Package feed talks to the external activity platform: the paged
// submission feed, status confirmation and the enrichment endpoints.
package feed

import (
	"context"
	"time"
)

// Submission is one entry of the activity feed.
type Submission struct {
	ID        string `json:"id"`
	SubjectID string `json:"titleSlug"`
	Status    string `json:"status"`
	Lang      string `json:"lang,omitempty"`
	// Timestamp is Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

func (s Submission) Time() time.Time { return time.UnixMilli(s.Timestamp).UTC() }

type Page struct {
	Items      []Submission `json:"submissions"`
	NextCursor string       `json:"nextCursor,omitempty"`
	// TotalCount is the platform's count of all the user's submissions,
	// when it reports one.
	TotalCount *int `json:"totalCount,omitempty"`
}

// StatusCheck is the judge state of a submission.
type StatusCheck struct {
	State  string `json:"state"`
	Status string `json:"status,omitempty"`
}

// Terminal reports whether judging finished.
func (s StatusCheck) Terminal() bool { return s.State == "SUCCESS" || s.State == "FAILURE" }

type SubjectDetail struct {
	Title      string   `json:"title"`
	Difficulty string   `json:"difficulty"`
	Premium    bool     `json:"isPaidOnly"`
	Tags       []string `json:"topicTags,omitempty"`
}

type SubmissionDetail struct {
	Code              string  `json:"code"`
	RuntimeMs         int     `json:"runtimeMs"`
	MemoryKB          int     `json:"memoryKb"`
	RuntimePercentile float64 `json:"runtimePercentile"`
	PassedCases       int     `json:"passedCases"`
	TotalCases        int     `json:"totalCases"`
	CompileError      string  `json:"compileError,omitempty"`
	LastTestcase      string  `json:"lastTestcase,omitempty"`
}

type Session struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Feed lists submissions newer than a cursor and confirms their status.
type Feed interface {
	ListSince(ctx context.Context, userID string, after time.Time, cursor string) (Page, error)
	CheckStatus(ctx context.Context, itemID string) (StatusCheck, error)
}

// Collaborators are the per-item enrichment endpoints.
type Collaborators interface {
	SubjectDetail(ctx context.Context, subjectID string) (SubjectDetail, error)
	UserNote(ctx context.Context, subjectID string) (string, error)
	ItemDetail(ctx context.Context, itemID string) (SubmissionDetail, error)
	Session(ctx context.Context) (Session, error)
}
