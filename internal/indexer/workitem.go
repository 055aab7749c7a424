package indexer

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Operation is the kind of change a work item requests.
type Operation string

const (
	// OperationCreateOrUpdate fetches the participant's business card and
	// (re)indexes it.
	OperationCreateOrUpdate Operation = "CREATE_OR_UPDATE"
	// OperationDelete tombstones the participant's indexed document.
	OperationDelete Operation = "DELETE"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	return op == OperationCreateOrUpdate || op == OperationDelete
}

// ParseOperation converts a stored operation name back to an Operation.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToUpper(strings.TrimSpace(s)))
	if !op.Valid() {
		return "", fmt.Errorf("unknown operation %q", s)
	}
	return op, nil
}

// Key identifies work items for deduplication.
type Key struct {
	ParticipantID string
	Operation     Operation
}

func (k Key) String() string {
	return string(k.Operation) + ":" + k.ParticipantID
}

// WorkItem is one requested participant mutation. It is immutable once
// constructed.
type WorkItem struct {
	id            string
	participantID string
	operation     Operation
	requesterID   string
	createdAt     time.Time
}

// NewWorkItem creates a work item accepted at createdAt.
// An empty requesterID is only meaningful when anonymous access is enabled;
// the caller decides that.
func NewWorkItem(participantID string, op Operation, requesterID string, createdAt time.Time) (*WorkItem, error) {
	return RestoreWorkItem(uuid.NewString(), participantID, op, requesterID, createdAt)
}

// RestoreWorkItem rebuilds a previously persisted work item, keeping its ID.
func RestoreWorkItem(id, participantID string, op Operation, requesterID string, createdAt time.Time) (*WorkItem, error) {
	if strings.TrimSpace(participantID) == "" {
		return nil, fmt.Errorf("participant id is required")
	}
	if !op.Valid() {
		return nil, fmt.Errorf("unknown operation %q", op)
	}
	if id == "" {
		id = uuid.NewString()
	}
	return &WorkItem{
		id:            id,
		participantID: participantID,
		operation:     op,
		requesterID:   requesterID,
		createdAt:     createdAt,
	}, nil
}

// ID returns the item's unique identifier.
func (w *WorkItem) ID() string { return w.id }

// ParticipantID returns the participant the item refers to.
func (w *WorkItem) ParticipantID() string { return w.participantID }

// Operation returns the requested operation.
func (w *WorkItem) Operation() Operation { return w.operation }

// RequesterID returns the verified client that requested the change.
func (w *WorkItem) RequesterID() string { return w.requesterID }

// CreatedAt returns the instant the item was accepted.
func (w *WorkItem) CreatedAt() time.Time { return w.createdAt }

// Key returns the deduplication identity of the item.
func (w *WorkItem) Key() Key {
	return Key{ParticipantID: w.participantID, Operation: w.operation}
}

// LogValue renders the item as a group in slog output.
func (w *WorkItem) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", w.id),
		slog.String("participant_id", w.participantID),
		slog.String("operation", string(w.operation)),
		slog.String("requester_id", w.requesterID),
	)
}

func (w *WorkItem) String() string {
	return fmt.Sprintf("%s[%s] requested by %q at %s", w.operation, w.participantID, w.requesterID, w.createdAt.Format(time.RFC3339))
}
