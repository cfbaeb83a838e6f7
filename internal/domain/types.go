package domain

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status can never change again.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// TaskType is the kind of platform action a task performs.
type TaskType string

const (
	TypePublish TaskType = "publish"
	TypeLike    TaskType = "like"
	TypeComment TaskType = "comment"
	TypeFollow  TaskType = "follow"
	TypeScrape  TaskType = "scrape"
	TypeLogin   TaskType = "login"
)

// Interaction reports whether the task type counts against the
// per-account interaction limits and is recorded in the audit log.
func (t TaskType) Interaction() bool {
	switch t {
	case TypeLike, TypeComment, TypeFollow, TypePublish:
		return true
	}
	return false
}

// Task is a single unit of work against one account.
type Task struct {
	ID          string
	Type        TaskType
	AccountID   string
	Payload     json.RawMessage
	Status      TaskStatus
	Priority    int
	RetryCount  int
	MaxRetries  int
	ScheduledAt *time.Time // earliest eligible run; nil = immediate
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
	Result      json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Schedule is a recurring task template. It is never executed itself;
// each cron fire spawns a fresh Task instance copying its fields.
type Schedule struct {
	ID         string
	Name       string
	CronExpr   string
	TaskType   TaskType
	AccountID  string
	Payload    json.RawMessage
	Priority   int
	MaxRetries int
	Enabled    bool
	LastRun    *time.Time
	NextRun    time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AccountStatus is the usability state of a platform account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountBanned    AccountStatus = "banned"
	AccountSuspended AccountStatus = "suspended"
	AccountLoggedOut AccountStatus = "logged_out"
)

// Account is a platform identity tasks run under. Proxy and fingerprint
// are assigned once and reused for every session of the account.
type Account struct {
	ID            string
	Username      string
	Status        AccountStatus
	ProxyURL      string
	FingerprintID string
	AuthState     json.RawMessage // serialized cookies/session storage
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Fingerprint is a randomized but internally consistent device profile.
// It is fixed for the lifetime of any session that uses it.
type Fingerprint struct {
	ID                  string `json:"id"`
	UserAgent           string `json:"user_agent"`
	Platform            string `json:"platform"`
	ViewportWidth       int    `json:"viewport_width"`
	ViewportHeight      int    `json:"viewport_height"`
	Timezone            string `json:"timezone"`
	Language            string `json:"language"`
	WebGLVendor         string `json:"webgl_vendor"`
	WebGLRenderer       string `json:"webgl_renderer"`
	HardwareConcurrency int    `json:"hardware_concurrency"`
	DeviceMemoryGB      int    `json:"device_memory_gb"`
}

// InteractionRecord is one attempted platform interaction. Records are
// append-only; the rate limiter counts the successful ones.
type InteractionRecord struct {
	ID        string
	AccountID string
	Type      TaskType
	TargetID  string
	Success   bool
	CreatedAt time.Time
}
