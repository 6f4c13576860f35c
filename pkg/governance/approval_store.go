package governance

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rcli/relay/pkg/errors"
)

// ApprovalStatus captures the outcome of a confirmation request.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

// ApprovalRecord stores one confirmation request and its answer.
type ApprovalRecord struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	CallID    string         `json:"call_id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Status    ApprovalStatus `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	RuleID    string         `json:"rule_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ApprovalFilter limits approval queries.
type ApprovalFilter struct {
	SessionID string
	Tool      string
	Status    ApprovalStatus
	Limit     int
}

// ApprovalStore persists approval records.
type ApprovalStore interface {
	Create(ctx context.Context, record ApprovalRecord) (*ApprovalRecord, error)
	Get(ctx context.Context, id string) (*ApprovalRecord, error)
	List(ctx context.Context, filter ApprovalFilter) ([]*ApprovalRecord, error)
	UpdateStatus(ctx context.Context, id string, status ApprovalStatus, reason string) (*ApprovalRecord, error)
}

// MemoryApprovalStore keeps approvals in memory.
type MemoryApprovalStore struct {
	mu        sync.RWMutex
	approvals map[string]*ApprovalRecord
}

// NewMemoryApprovalStore creates an in-memory approval store.
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{approvals: make(map[string]*ApprovalRecord)}
}

// Create inserts a new approval record.
func (s *MemoryApprovalStore) Create(_ context.Context, record ApprovalRecord) (*ApprovalRecord, error) {
	if err := prepareRecord(&record); err != nil {
		return nil, err
	}
	copied := cloneApproval(&record)
	s.mu.Lock()
	s.approvals[record.ID] = copied
	s.mu.Unlock()
	return cloneApproval(copied), nil
}

// Get returns an approval record by id.
func (s *MemoryApprovalStore) Get(_ context.Context, id string) (*ApprovalRecord, error) {
	s.mu.RLock()
	record, ok := s.approvals[id]
	s.mu.RUnlock()
	if !ok {
		return nil, approvalNotFound(id)
	}
	return cloneApproval(record), nil
}

// List returns approvals matching the filter, most recently updated first.
func (s *MemoryApprovalStore) List(_ context.Context, filter ApprovalFilter) ([]*ApprovalRecord, error) {
	s.mu.RLock()
	out := make([]*ApprovalRecord, 0)
	for _, record := range s.approvals {
		if filter.SessionID != "" && record.SessionID != filter.SessionID {
			continue
		}
		if filter.Tool != "" && record.Tool != filter.Tool {
			continue
		}
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		out = append(out, cloneApproval(record))
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateStatus updates the approval status.
func (s *MemoryApprovalStore) UpdateStatus(_ context.Context, id string, status ApprovalStatus, reason string) (*ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.approvals[id]
	if !ok {
		return nil, approvalNotFound(id)
	}
	record.Status = status
	record.Reason = reason
	record.UpdatedAt = time.Now().UTC()
	return cloneApproval(record), nil
}

func prepareRecord(record *ApprovalRecord) error {
	if record.Tool == "" {
		return errors.New(errors.CodeInvalidInput, "approval tool is required", nil)
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Status == "" {
		record.Status = ApprovalStatusPending
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	return nil
}

func approvalNotFound(id string) error {
	return errors.New(errors.CodeNotFound, "approval not found", nil).WithContext("id", id)
}

func cloneApproval(record *ApprovalRecord) *ApprovalRecord {
	if record == nil {
		return nil
	}
	out := *record
	if record.Arguments != nil {
		// Round-trip through JSON so nested maps are not shared.
		if raw, err := json.Marshal(record.Arguments); err == nil {
			var args map[string]any
			if json.Unmarshal(raw, &args) == nil {
				out.Arguments = args
			}
		}
	}
	return &out
}

// RecordingConfirmer stores every request and its answer in an ApprovalStore
// before returning the wrapped confirmer's decision.
type RecordingConfirmer struct {
	Next      Confirmer
	Store     ApprovalStore
	SessionID string
}

// Confirm implements Confirmer.
func (r RecordingConfirmer) Confirm(ctx context.Context, req ConfirmationRequest) Decision {
	var record *ApprovalRecord
	if r.Store != nil {
		// Store writes must survive the confirmation deadline.
		storeCtx := context.WithoutCancel(ctx)
		record, _ = r.Store.Create(storeCtx, ApprovalRecord{
			SessionID: r.SessionID,
			CallID:    req.CallID,
			Tool:      req.Tool,
			Arguments: req.Arguments,
			RuleID:    req.RuleID,
			Reason:    req.Reason,
		})
	}

	decision := Decision{Status: DecisionStatusDeny, Reason: "no confirmer configured"}
	if r.Next != nil {
		decision = normalizeDecision(r.Next.Confirm(ctx, req), "no decision")
	}

	if record != nil {
		status := ApprovalStatusRejected
		if decision.IsAllowed() {
			status = ApprovalStatusApproved
		}
		_, _ = r.Store.UpdateStatus(context.WithoutCancel(ctx), record.ID, status, decision.Reason)
	}
	return decision
}
