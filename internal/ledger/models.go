package ledger

import (
	"github.com/lbricheux/pointeuse/internal/entry"
	"github.com/lbricheux/pointeuse/internal/report"
)

// StartRequest asks the ledger to open a timer for the authenticated user.
// OfflineID and StartTime are set when the start happened offline first and
// is being replayed, so the server can dedup and keep the original instant.
type StartRequest struct {
	ProjectID      string `json:"projectId,omitempty"`
	PersonalTaskID string `json:"personalTaskId,omitempty"`
	SharedTaskID   string `json:"sharedTaskId,omitempty"`
	Description    string `json:"description,omitempty"`
	OfflineID      string `json:"offlineId,omitempty"`
	StartTime      string `json:"startTime,omitempty"`
}

// TransitionRequest pins the instant a pause/resume/stop took effect on
// the client, so the server folds intervals from the exact same timestamps
// and stored durations match the locally computed ones.
type TransitionRequest struct {
	At string `json:"at,omitempty"`
}

// BatchMutation is one queued offline mutation submitted for replay. The
// entry snapshot is complete, so applying it is self-contained.
type BatchMutation struct {
	OfflineID string          `json:"offlineId"`
	Kind      string          `json:"kind"`
	Entry     entry.TimeEntry `json:"entry"`
}

// Wire values for BatchMutation.Kind.
const (
	KindStart  = "start"
	KindPause  = "pause"
	KindResume = "resume"
	KindStop   = "stop"
	KindUpdate = "update"
	KindDelete = "delete"
)

// Batch sync result statuses.
const (
	SyncApplied   = "applied"   // snapshot stored, ID is canonical
	SyncDuplicate = "duplicate" // offlineId already acknowledged earlier
	SyncConflict  = "conflict"  // active-timer collision, Entry is the winner
	SyncInvalid   = "invalid"   // snapshot failed validation, dropped
)

// SyncResult is the per-mutation outcome of a batch sync.
type SyncResult struct {
	OfflineID string           `json:"offlineId"`
	ID        string           `json:"id,omitempty"`
	Status    string           `json:"status"`
	Entry     *entry.TimeEntry `json:"entry,omitempty"`
}

type syncRequest struct {
	Mutations []BatchMutation `json:"mutations"`
}

type syncResponse struct {
	Results []SyncResult `json:"results"`
}

// ReportQuery selects the aggregation period and optional filters.
type ReportQuery struct {
	From      string
	To        string
	ProjectID string
}

// Report is the server-computed aggregate plus the raw entries behind it.
type Report struct {
	Summary report.Summary    `json:"summary"`
	Entries []entry.TimeEntry `json:"entries"`
}

type conflictBody struct {
	Error    string           `json:"error"`
	Existing *entry.TimeEntry `json:"existing"`
}

type errorBody struct {
	Error string `json:"error"`
}
