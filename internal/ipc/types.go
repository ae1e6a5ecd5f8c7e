package ipc

import "time"

// JobItem is the wire representation of one job.
type JobItem struct {
	ID               int64     `json:"id"`
	Owner            string    `json:"owner"`
	Source           string    `json:"source"`
	SourceKind       string    `json:"source_kind"`
	ArchiveName      string    `json:"archive_name"`
	Format           string    `json:"format"`
	Status           string    `json:"status"`
	FailureReason    string    `json:"failure_reason,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	ProgressPhase    string    `json:"progress_phase,omitempty"`
	ProgressPercent  float64   `json:"progress_percent"`
	ProgressMessage  string    `json:"progress_message,omitempty"`
	PasswordAttempts int       `json:"password_attempts"`
	Warnings         []string  `json:"warnings,omitempty"`
	WorkspaceReaped  bool      `json:"workspace_reaped"`
	CreatedAt        time.Time `json:"created_at"`
	RetainUntil      time.Time `json:"retain_until"`
}

// MemberItem is the wire representation of one extracted member.
type MemberItem struct {
	Index    int    `json:"index"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Category string `json:"category"`
	// LocalPath is set on fetch responses only; it points into the job's
	// workspace on the daemon host.
	LocalPath string `json:"local_path,omitempty"`
}

// LinkItem is the wire representation of one discovered link.
type LinkItem struct {
	Index      int    `json:"index"`
	URL        string `json:"url"`
	Kind       string `json:"kind"`
	SourceFile string `json:"source_file"`
	Line       int    `json:"line"`
}

type StatusRequest struct{}

// HealthItem aggregates job counts across the key lifecycle states.
type HealthItem struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

type StatusResponse struct {
	Running     bool           `json:"running"`
	PID         int            `json:"pid"`
	StartedAt   time.Time      `json:"started_at"`
	QueueDBPath string         `json:"queue_db_path"`
	SocketPath  string         `json:"socket_path"`
	Stats       map[string]int `json:"stats"`
	Health      HealthItem     `json:"health"`
}

type AdmitRequest struct {
	Owner  string `json:"owner"`
	Source string `json:"source"`
	Kind   string `json:"kind"`
}

type AdmitResponse struct {
	Job JobItem `json:"job"`
}

type PasswordRequest struct {
	JobID    int64  `json:"job_id"`
	Password string `json:"password"`
}

type PasswordResponse struct {
	Accepted bool `json:"accepted"`
}

type CancelRequest struct {
	JobID int64 `json:"job_id"`
}

type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type JobsRequest struct {
	Statuses []string `json:"statuses,omitempty"`
}

type JobsResponse struct {
	Items []JobItem `json:"items"`
}

type DescribeRequest struct {
	JobID    int64 `json:"job_id"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
}

type DescribeResponse struct {
	Job         JobItem        `json:"job"`
	Members     []MemberItem   `json:"members,omitempty"`
	MemberPages int            `json:"member_pages"`
	MemberCount int            `json:"member_count"`
	Counts      map[string]int `json:"counts,omitempty"`
	FolderCount int            `json:"folder_count"`
	MaxDepth    int            `json:"max_depth"`
	TotalBytes  int64          `json:"total_bytes"`
	Links       []LinkItem     `json:"links,omitempty"`
	LinkPages   int            `json:"link_pages"`
	LinkCount   int            `json:"link_count"`
	LinkCounts  map[string]int `json:"link_counts,omitempty"`
}

type FetchRequest struct {
	JobID int64 `json:"job_id"`
	Index int   `json:"index"`
}

type FetchResponse struct {
	Member MemberItem `json:"member"`
}

type FetchAllRequest struct {
	JobID int64 `json:"job_id"`
}

type FetchAllResponse struct {
	Members []MemberItem `json:"members"`
}

type CleanRequest struct {
	JobID int64 `json:"job_id"`
}

type CleanResponse struct {
	Reaped bool `json:"reaped"`
}

type StopRequest struct{}

type StopResponse struct {
	Stopped bool `json:"stopped"`
}
