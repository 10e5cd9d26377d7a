package model

import (
	"math"
	"regexp"
	"strconv"
	"time"
)

// Project is the external project aggregate. The chat core only reads it and
// updates its progress fields when a module is submitted.
type Project struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	OwnerID              string     `json:"owner_id"`
	Deadline             *time.Time `json:"deadline,omitempty"`
	CompletionPercentage int        `json:"completion_percentage"`
	ProgressUpdatedAt    *time.Time `json:"progress_updated_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

// ProjectSummary is embedded in chat views of project chats.
type ProjectSummary struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	Deadline             *time.Time `json:"deadline,omitempty"`
	CompletionPercentage int        `json:"completion_percentage"`
}

func (p *Project) Summary() *ProjectSummary {
	return &ProjectSummary{
		ID:                   p.ID,
		Name:                 p.Name,
		Deadline:             p.Deadline,
		CompletionPercentage: p.CompletionPercentage,
	}
}

type ModuleSubmission struct {
	ID                   string    `json:"id"`
	ProjectID            string    `json:"project_id"`
	SubmitterID          string    `json:"submitter_id"`
	Title                string    `json:"title"`
	CompletionPercentage int       `json:"completion_percentage"`
	Files                []string  `json:"files,omitempty"`
	SubmittedAt          time.Time `json:"submitted_at"`
}

// AggregateCompletion is the mean of all submission percentages rounded to the
// nearest integer. It does not depend on submission order.
func AggregateCompletion(percentages []int) int {
	if len(percentages) == 0 {
		return 0
	}
	sum := 0
	for _, p := range percentages {
		sum += ClampPercentage(p)
	}
	return ClampPercentage(int(math.Round(float64(sum) / float64(len(percentages)))))
}

// LatestSubmission returns the most recently submitted entry by submission
// time, not by slice position.
func LatestSubmission(subs []ModuleSubmission) *ModuleSubmission {
	var latest *ModuleSubmission
	for i := range subs {
		if latest == nil || subs[i].SubmittedAt.After(latest.SubmittedAt) {
			latest = &subs[i]
		}
	}
	return latest
}

var progressPattern = regexp.MustCompile(`submitted with (\d{1,3})% completion`)

// ProgressText renders the chat line for a module submission. The trailing
// "submitted with N% completion" carries the project aggregate so that older
// clients reading the text still see project progress.
func ProgressText(title string, modulePct, aggregate int) string {
	return title + " (module at " + strconv.Itoa(ClampPercentage(modulePct)) + "%) submitted with " +
		strconv.Itoa(ClampPercentage(aggregate)) + "% completion"
}

// ExtractProgress reads the percentage from message text written by
// ProgressText or by older clients. Only a fallback for messages without a
// ProjectProgress snapshot.
func ExtractProgress(content string) (int, bool) {
	m := progressPattern.FindStringSubmatch(content)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n > 100 {
		return 0, false
	}
	return n, true
}

// ProgressOf returns the project progress a message carries: the snapshot
// when present, otherwise whatever the text says.
func (m *Message) ProgressOf() (int, bool) {
	if m.ProjectProgress != nil {
		return ClampPercentage(m.ProjectProgress.CompletionPercentage), true
	}
	return ExtractProgress(m.Content)
}
