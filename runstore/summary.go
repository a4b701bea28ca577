package runstore

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

const (
	// MaxCalls bounds the call records kept in run_summary.json.
	MaxCalls = 10

	promptBriefLen = 160
	lastTextLen    = 2000
)

// Proposal is a previewed edit that a later run may apply.
type Proposal struct {
	FilePath         string `json:"file_path"`
	Content          string `json:"content,omitempty"`
	ContentLen       *int   `json:"content_len,omitempty"`
	Digest           string `json:"digest,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	RunID            string `json:"run_id,omitempty"`
}

// NewProposal builds a fully populated proposal for content.
func NewProposal(filePath, content, workingDirectory, runID string) Proposal {
	n := utf8.RuneCountInString(content)
	return Proposal{
		FilePath:         filePath,
		Content:          content,
		ContentLen:       &n,
		Digest:           Digest(content),
		WorkingDirectory: workingDirectory,
		RunID:            runID,
	}
}

// Digest is the hex sha-256 of content.
func Digest(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// CallArgs is the compact argument snapshot kept per call.
type CallArgs struct {
	WorkingDirectory string `json:"wd,omitempty"`
	FilePath         string `json:"file_path,omitempty"`
	Directory        string `json:"directory,omitempty"`
	ContentLen       *int   `json:"content_len,omitempty"`
}

// Call statuses.
const (
	StatusOK        = "OK"
	StatusError     = "ERROR"
	StatusTimeout   = "TIMEOUT"
	StatusDenied    = "DENIED"
	StatusThrottled = "THROTTLED"
)

// CallRecord is one tool call as persisted in run_summary.json.
type CallRecord struct {
	Tool   string         `json:"t"`
	Args   CallArgs       `json:"args"`
	Status string         `json:"status"`
	Brief  string         `json:"brief"`
	Extras map[string]any `json:"extras"`
}

// FlowError is a gating denial or throttle observed during a run.
type FlowError struct {
	Index   int    `json:"idx"`
	Type    string `json:"type"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Header opens every run summary.
type Header struct {
	RunID           string  `json:"run_id"`
	TS              float64 `json:"ts"`
	Phase           string  `json:"phase"`
	UserPrompt      string  `json:"user_prompt"`
	UserPromptLen   int     `json:"user_prompt_len"`
	UserPromptBrief string  `json:"user_prompt_brief"`
}

// Assistant carries the last text the model produced.
type Assistant struct {
	LastText string `json:"last_text"`
}

// RunSummary is the structured record written to run_summary.json and read
// back by the next run.
type RunSummary struct {
	Header     Header       `json:"header"`
	Calls      []CallRecord `json:"calls"`
	Proposals  []Proposal   `json:"proposals"`
	FlowErrors []FlowError  `json:"flow_errors,omitempty"`
	Assistant  Assistant    `json:"assistant"`
}

// RunRecord is what the driver loop hands to the persister.
type RunRecord struct {
	RunID      string
	Prompt     string
	Calls      []CallRecord
	Proposals  []Proposal
	FlowErrors []FlowError
	LastText   string
}

// Brief trims s and cuts it to n characters, marking the cut with an ellipsis.
func Brief(s string, n int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\r", ""))
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
