package schemas

import (
	"encoding/json"
	"fmt"
	"time"
)

// -- Task Model --
// These types form the wire contract between the producer API and the worker
// fleet. Field names are fixed; both sides must match them exactly.

// TaskType enumerates the closed set of supported automation tasks.
type TaskType string

const (
	TaskPostVehicle     TaskType = "post_vehicle"
	TaskPostItem        TaskType = "post_item"
	TaskValidateSession TaskType = "validate_session"
	TaskRefreshSession  TaskType = "refresh_session"
	TaskDeleteListing   TaskType = "delete_listing"
	TaskUpdateListing   TaskType = "update_listing"
)

// ValidTaskTypes is the ingress allowlist. Anything else is rejected at the
// queue boundary before it ever reaches a handler.
var ValidTaskTypes = map[TaskType]bool{
	TaskPostVehicle:     true,
	TaskPostItem:        true,
	TaskValidateSession: true,
	TaskRefreshSession:  true,
	TaskDeleteListing:   true,
	TaskUpdateListing:   true,
}

// TaskStatus tracks a task through its lifecycle. Completed and Failed are
// terminal; Retry signals a transient infrastructure condition (e.g. browser
// pool exhausted) that the dispatcher requeues without counting it as a
// business failure.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusRetry      TaskStatus = "retry"
)

// Priority bounds. Higher is more urgent; retries step the priority down one
// notch (never below MinPriority) so fresh work is not starved.
const (
	MinPriority     = 1
	DefaultPriority = 5
	MaxPriority     = 10
)

// Task is the unit of work handed from the producer to a worker.
type Task struct {
	ID         string         `json:"id"`
	Type       TaskType       `json:"type"`
	AccountID  string         `json:"account_id"`
	Data       map[string]any `json:"data"`
	Priority   int            `json:"priority"`
	CreatedAt  time.Time      `json:"created_at"`
	RetryCount int            `json:"retry_count"`

	// Set by the queue while the task is in flight.
	QueuedAt    string `json:"queued_at,omitempty"`
	StartedAt   string `json:"started_at,omitempty"`
	WorkerID    string `json:"worker_id,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	FailedAt    string `json:"failed_at,omitempty"`
	Error       string `json:"error,omitempty"`
	Result      any    `json:"result,omitempty"`
}

// SignedTask wraps a Task with the authenticity layer: HMAC signature,
// timestamp, replay nonce, and (optionally) the AEAD-encrypted payload that
// replaces Data on the wire.
type SignedTask struct {
	TaskID           string         `json:"task_id"`
	Type             TaskType       `json:"type"`
	AccountID        string         `json:"account_id"`
	Data             map[string]any `json:"data"`
	DataHash         string         `json:"data_hash"`
	Priority         int            `json:"priority"`
	CreatedAt        time.Time      `json:"created_at"`
	RetryCount       int            `json:"retry_count"`
	Signature        string         `json:"signature"`
	Timestamp        int64          `json:"timestamp"`
	Nonce            string         `json:"nonce"`
	ProtocolVersion  string         `json:"protocol_version"`
	EncryptedPayload string         `json:"encrypted_payload,omitempty"`
}

// TaskResult is what a handler reports back for a single dispatched task.
type TaskResult struct {
	TaskID      string         `json:"task_id"`
	Type        TaskType       `json:"type"`
	AccountID   string         `json:"account_id"`
	Status      TaskStatus     `json:"status"`
	WorkerID    string         `json:"worker_id"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Error       string         `json:"error,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// -- Typed Payloads --
// Task data is a tagged union keyed by Task.Type. Each type has one concrete
// schema, decoded and validated at the queue boundary instead of threading an
// untyped map through the handlers.

// VehiclePayload is the payload for post_vehicle tasks.
type VehiclePayload struct {
	Vehicle struct {
		Make    string  `json:"make"`
		Model   string  `json:"model"`
		Year    int     `json:"year"`
		Price   float64 `json:"price"`
		Mileage int     `json:"mileage,omitempty"`
	} `json:"vehicle"`
	Photos []string `json:"photos,omitempty"`
	Groups []string `json:"groups,omitempty"`
}

// ItemPayload is the payload for post_item tasks.
type ItemPayload struct {
	Item struct {
		Title       string  `json:"title"`
		Description string  `json:"description,omitempty"`
		Price       float64 `json:"price"`
		Category    string  `json:"category,omitempty"`
	} `json:"item"`
	Photos []string `json:"photos,omitempty"`
}

// SessionPayload is the payload for validate_session and refresh_session
// tasks. Both operate purely on the account's stored session.
type SessionPayload struct {
	Force bool `json:"force,omitempty"`
}

// ListingRefPayload is the payload for delete_listing and update_listing
// tasks, which reference an existing listing by its remote ID.
type ListingRefPayload struct {
	ListingID string         `json:"listing_id"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// DecodePayload decodes a raw task data map into the concrete payload struct
// for the given task type, validating required fields.
func DecodePayload(typ TaskType, data map[string]any) (any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode task data: %w", err)
	}

	switch typ {
	case TaskPostVehicle:
		var p VehiclePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("invalid post_vehicle payload: %w", err)
		}
		if p.Vehicle.Make == "" || p.Vehicle.Model == "" {
			return nil, fmt.Errorf("post_vehicle payload missing vehicle make/model")
		}
		if p.Vehicle.Price < 0 {
			return nil, fmt.Errorf("post_vehicle payload has negative price")
		}
		return &p, nil

	case TaskPostItem:
		var p ItemPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("invalid post_item payload: %w", err)
		}
		if p.Item.Title == "" {
			return nil, fmt.Errorf("post_item payload missing item title")
		}
		return &p, nil

	case TaskValidateSession, TaskRefreshSession:
		var p SessionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("invalid session payload: %w", err)
		}
		return &p, nil

	case TaskDeleteListing, TaskUpdateListing:
		var p ListingRefPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("invalid listing payload: %w", err)
		}
		if p.ListingID == "" {
			return nil, fmt.Errorf("listing payload missing listing_id")
		}
		return &p, nil

	default:
		return nil, fmt.Errorf("unknown task type: %s", typ)
	}
}

// Validate performs boundary validation of a task before it is accepted into
// the queue.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task missing id")
	}
	if !ValidTaskTypes[t.Type] {
		return fmt.Errorf("unknown task type: %s", t.Type)
	}
	if t.AccountID == "" {
		return fmt.Errorf("task missing account_id")
	}
	if t.Priority < MinPriority || t.Priority > MaxPriority {
		return fmt.Errorf("task priority %d outside [%d, %d]", t.Priority, MinPriority, MaxPriority)
	}
	if _, err := DecodePayload(t.Type, t.Data); err != nil {
		return err
	}
	return nil
}
