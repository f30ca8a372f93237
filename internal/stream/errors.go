package stream

import "fmt"

// StreamError carries an operation.reason code alongside the underlying cause.
type StreamError struct {
	code string
	err  error
}

func (e *StreamError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StreamError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier for the failure.
func (e *StreamError) Code() string {
	return e.code
}

const (
	opStreamNew           = "stream.new"
	opRefresh             = "stream.refresh"
	opAppendMore          = "stream.append_more"
	opPrependMore         = "stream.prepend_more"
	opLoadIntoIdentityMap = "stream.load_into_identity_map"
	opFillGapBefore       = "stream.fill_gap_before"
	opFillGapAfter        = "stream.fill_gap_after"
	opStagePost           = "stream.stage_post"
	opCommitPost          = "stream.commit_post"
	opUndoPost            = "stream.undo_post"
	opTriggerNewPosts     = "stream.trigger_new_posts"
	opTriggerRecovered    = "stream.trigger_recovered_post"
)

const (
	reasonMissingTopic    = "missing_topic"
	reasonMissingFetcher  = "missing_fetcher"
	reasonMissingPost     = "missing_post"
	reasonFetchFailed     = "fetch_failed"
	reasonNotStaging      = "not_staging"
	reasonNotStagedPost   = "not_staged_post"
	reasonStageKeyFailed  = "stage_key_failed"
	reasonUnsavedPost     = "unsaved_post"
	reasonAnchorNotInStream = "anchor_not_in_stream"
)

func newStreamError(operation, reason string, cause error) error {
	return &StreamError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
