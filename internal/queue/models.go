package queue

import (
	"encoding/json"
	"strings"
	"time"
)

// Status represents the lifecycle of a job.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusDownloading      Status = "downloading"
	StatusAwaitingPassword Status = "awaiting_password"
	StatusExtracting       Status = "extracting"
	StatusClassifying      Status = "classifying"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// FailureReason is the machine-readable reason recorded on failed jobs.
type FailureReason string

const (
	ReasonPasswordExhausted FailureReason = "password_exhausted"
	ReasonPasswordTimeout   FailureReason = "password_timeout"
	ReasonCorrupt           FailureReason = "corrupt"
	ReasonUnsupported       FailureReason = "unsupported"
	ReasonDownloadFailed    FailureReason = "download_failed"
	ReasonIOFailure         FailureReason = "io_failure"
	ReasonDaemonRestart     FailureReason = "daemon_restart"
	ReasonInternal          FailureReason = "internal"
)

// SourceKind distinguishes uploaded artifact handles from remote links.
type SourceKind string

const (
	SourceUpload SourceKind = "upload"
	SourceLink   SourceKind = "link"
)

var allStatuses = []Status{
	StatusQueued,
	StatusDownloading,
	StatusAwaitingPassword,
	StatusExtracting,
	StatusClassifying,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var terminalStatuses = map[Status]struct{}{
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// validTransitions describes the legal forward edges of the job state machine.
// Cancelled and Failed are additionally reachable from every non-terminal
// state; IsValidTransition folds that in.
var validTransitions = map[Status][]Status{
	StatusQueued:           {StatusDownloading},
	StatusDownloading:      {StatusExtracting, StatusAwaitingPassword},
	StatusAwaitingPassword: {StatusExtracting},
	StatusExtracting:       {StatusAwaitingPassword, StatusClassifying},
	StatusClassifying:      {StatusCompleted},
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether a status is final.
func IsTerminal(status Status) bool {
	_, ok := terminalStatuses[status]
	return ok
}

// IsValidTransition reports whether moving from one status to another is legal.
func IsValidTransition(from, to Status) bool {
	if from == to {
		return false
	}
	if !IsTerminal(from) && (to == StatusCancelled || to == StatusFailed) {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job represents one archive-processing request persisted in SQLite.
type Job struct {
	ID               int64
	OwnerID          string
	SourceRef        string
	SourceKind       SourceKind
	ArchiveName      string
	Format           string
	Status           Status
	FailureReason    FailureReason
	ErrorMessage     string
	Workspace        string
	WorkspaceReaped  bool
	ReapedAt         *time.Time
	ProgressPhase    string
	ProgressPercent  float64
	ProgressMessage  string
	PasswordAttempts int
	CancelRequested  bool
	IndexJSON        string
	LinksJSON        string
	WarningsJSON     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	RetainUntil      time.Time
}

// IsTerminal reports whether the job has reached a final state.
func (j *Job) IsTerminal() bool {
	return IsTerminal(j.Status)
}

// IsActive reports whether the job still occupies its owner's slot.
func (j *Job) IsActive() bool {
	return !j.IsTerminal()
}

// SetProgress updates all three progress fields together.
func (j *Job) SetProgress(phase, message string, percent float64) {
	j.ProgressPhase = phase
	j.ProgressMessage = message
	j.ProgressPercent = percent
}

// SetFailed marks the job failed with a reason and a human-readable message.
func (j *Job) SetFailed(reason FailureReason, message string) {
	j.Status = StatusFailed
	j.FailureReason = reason
	j.ErrorMessage = message
	j.ProgressPhase = "failed"
	j.ProgressMessage = message
}

// Warnings decodes the recorded warning list. A corrupt column yields nil.
func (j *Job) Warnings() []string {
	if strings.TrimSpace(j.WarningsJSON) == "" {
		return nil
	}
	var warnings []string
	if err := json.Unmarshal([]byte(j.WarningsJSON), &warnings); err != nil {
		return nil
	}
	return warnings
}

// AddWarning appends a warning to the serialized list.
func (j *Job) AddWarning(warning string) {
	warnings := append(j.Warnings(), warning)
	data, err := json.Marshal(warnings)
	if err != nil {
		return
	}
	j.WarningsJSON = string(data)
}

// HealthSummary describes aggregated job counts per key lifecycle states.
type HealthSummary struct {
	Total     int
	Queued    int
	Active    int
	Completed int
	Failed    int
	Cancelled int
}
