package kernel

import (
	"fmt"
	"time"
)

// Machine-readable error codes carried on Response.Error. Hosts render
// them directly: the CLI as "!<code>", MCP and HTTP inside the JSON body.
const (
	// Validation failures: the request itself is malformed.
	CodeInvalidChannel   = "invalid_channel"
	CodeInvalidRecipient = "invalid_recipient"
	CodeInvalidItem      = "invalid_item"
	CodeEmptyMessage     = "empty_message"
	CodeContentTooLong   = "content_too_long"
	CodeInvalidScore     = "invalid_score"

	// Quota and rate failures: the request is fine, the caller is over
	// a limit.
	CodeRateLimit         = "rate_limit"
	CodeWatchLimit        = "watch_limit"
	CodeLockLimit         = "lock_limit"
	CodeQueueFull         = "queue_full"
	CodeSynthesisLimit    = "synthesis_limit"
	CodeVoteLimit         = "vote_limit"
	CodeEvolutionLimit    = "evolution_limit"
	CodeSubscriptionLimit = "subscription_limit"
	CodeContributionLimit = "contribution_limit"

	// State conflicts: the request races or disagrees with current state.
	// CodeLockedBy is a prefix: a contended acquire renders as
	// "locked_by:<holder>" so pipe output names the holder inline.
	CodeLockedBy          = "locked_by"
	CodeNotLocked         = "not_locked"
	CodeNotYourLock       = "not_your_lock"
	CodeAlreadyClaimed    = "already_claimed"
	CodeAlreadyCompleted  = "already_completed"
	CodeTaskNotFound      = "task_not_found"
	CodeNotYourTask       = "not_your_task"
	CodeEvolutionNotFound = "evolution_not_found"
	CodeNoContributions   = "no_qualified_contributions"
	CodeOwnedBy           = "owned_by"
	CodeNotYours          = "not_yours"
	CodeCannotDMSelf      = "cannot_dm_self"
	CodeTeambookExists    = "teambook_exists"

	// Backend failures.
	CodeDatabase   = "database_error"
	CodeEncryption = "encryption_error"

	// CodeUnknown is the fallback for anything unclassified.
	CodeUnknown = "unknown_error"
)

// Response is the structured result every verb returns. It is the single
// boundary shape: hosts serialize it to pipe-delimited text, MCP tool
// results, or HTTP JSON without re-deriving anything.
type Response struct {
	Success    bool                   `json:"success"`
	Message    string                 `json:"message,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Suggestion string                 `json:"suggestion,omitempty"`
}

func success(format string, args ...interface{}) *Response {
	return &Response{Success: true, Message: fmt.Sprintf(format, args...)}
}

func fail(code, format string, args ...interface{}) *Response {
	return &Response{Error: code, Message: fmt.Sprintf(format, args...)}
}

// failErr classifies a backend error: storage failures become
// database_error, anything else falls through to unknown_error.
func failErr(err error) *Response {
	return &Response{Error: CodeDatabase, Message: err.Error()}
}

// With attaches the data payload, merging into any existing one.
func (r *Response) With(data map[string]interface{}) *Response {
	if r.Data == nil {
		r.Data = data
		return r
	}
	for k, v := range data {
		r.Data[k] = v
	}
	return r
}

// Detail attaches structured error context, merging into any existing one.
func (r *Response) Detail(details map[string]interface{}) *Response {
	if r.Details == nil {
		r.Details = details
		return r
	}
	for k, v := range details {
		r.Details[k] = v
	}
	return r
}

// Suggest attaches a remedial hint for the caller.
func (r *Response) Suggest(s string) *Response {
	r.Suggestion = s
	return r
}

// infrastructure reports whether the failure is a backend fault rather
// than a caller mistake. The circuit breaker counts only these.
func (r *Response) infrastructure() bool {
	switch r.Error {
	case CodeDatabase, CodeEncryption, CodeUnknown:
		return true
	}
	return false
}

// stamp renders a timestamp for data payloads.
func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// stampPtr renders an optional timestamp, nil staying nil.
func stampPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return stamp(*t)
}
