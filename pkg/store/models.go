package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethpandaops/runoor/pkg/lifecycle"
	"gorm.io/datatypes"
)

// Validation result constants.
const (
	ResultPass = "pass"
	ResultFail = "fail"
)

// Notification message types.
const (
	NotifyRunBlocked = "run_blocked"
	NotifyRunDone    = "run_done"
	NotifyRunFailed  = "run_failed"
)

// Run is one unit of orchestrated work moving through the lifecycle.
// State is a projection of the transition log; the two are written
// together in a single transaction.
type Run struct {
	ID              string              `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ExternalID      string              `gorm:"uniqueIndex;not null" json:"external_id"`
	Title           string              `gorm:"not null" json:"title"`
	Description     string              `json:"description,omitempty"`
	Repo            string              `gorm:"index;not null" json:"repo"`
	Branch          string              `json:"branch,omitempty"`
	State           lifecycle.State     `gorm:"index;not null" json:"state"`
	RiskLevel       lifecycle.RiskLevel `gorm:"not null" json:"risk_level"`
	Priority        int                 `gorm:"not null;default:0" json:"priority"`
	WorkerTypes     datatypes.JSON      `json:"worker_types,omitempty"`
	ClaimedBy       string              `json:"claimed_by,omitempty"`
	ClaimedAt       *time.Time          `json:"claimed_at,omitempty"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	ErrorMessage    string              `json:"error_message,omitempty"`
	RetryCount      int                 `gorm:"not null;default:0" json:"retry_count"`
	CancelRequested bool                `gorm:"not null;default:false" json:"cancel_requested"`
	PRURL           string              `json:"pr_url,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`

	Issues      []RunIssue      `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Transitions []RunTransition `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Validations []Validation    `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// WorkerTypeList decodes the worker_types column.
func (r *Run) WorkerTypeList() ([]lifecycle.WorkerType, error) {
	if len(r.WorkerTypes) == 0 {
		return nil, nil
	}

	var types []lifecycle.WorkerType
	if err := json.Unmarshal(r.WorkerTypes, &types); err != nil {
		return nil, fmt.Errorf("decoding worker types: %w", err)
	}

	return types, nil
}

// RunIssue is one piece of a run dispatched to a single worker. The
// *bool validation fields stay nil until the worker reports.
type RunIssue struct {
	ID              string                `gorm:"primaryKey;type:varchar(36)" json:"id"`
	RunID           string                `gorm:"index;not null" json:"run_id"`
	WorkerType      lifecycle.WorkerType  `gorm:"not null" json:"worker_type"`
	Status          lifecycle.IssueStatus `gorm:"not null" json:"status"`
	PRURL           string                `json:"pr_url,omitempty"`
	WorkspacePath   string                `json:"workspace_path,omitempty"`
	ResultSummary   string                `json:"result_summary,omitempty"`
	DispatchError   string                `json:"dispatch_error,omitempty"`
	LinterPassed    *bool                 `json:"linter_passed,omitempty"`
	TypecheckPassed *bool                 `json:"typecheck_passed,omitempty"`
	TestsPassed     *bool                 `json:"tests_passed,omitempty"`
	TestsExisted    *bool                 `json:"tests_existed,omitempty"`
	DispatchedAt    *time.Time            `json:"dispatched_at,omitempty"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// RunTransition is one entry in the append-only transition log. The
// auto-increment ID gives transitions a total order per run.
type RunTransition struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	RunID     string          `gorm:"index;not null" json:"run_id"`
	FromState lifecycle.State `gorm:"not null" json:"from_state"`
	ToState   lifecycle.State `gorm:"not null" json:"to_state"`
	Trigger   string          `gorm:"not null" json:"trigger"`
	Reason    string          `json:"reason,omitempty"`
	Metadata  datatypes.JSON  `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Validation is an immutable record of one quality-gate evaluation.
// Re-evaluations insert new rows.
type Validation struct {
	ID              string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	RunID           string         `gorm:"index;not null" json:"run_id"`
	LinterPassed    bool           `json:"linter_passed"`
	TypecheckPassed bool           `json:"typecheck_passed"`
	TestsPassed     bool           `json:"tests_passed"`
	TestsExisted    bool           `json:"tests_existed"`
	OverallResult   string         `gorm:"not null" json:"overall_result"`
	Details         datatypes.JSON `json:"details,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Policy is a merge policy row. Conditions hold a nested predicate
// document evaluated by the policy package.
type Policy struct {
	ID                  uint           `gorm:"primaryKey" json:"id"`
	Name                string         `gorm:"uniqueIndex;not null" json:"name"`
	Priority            int            `gorm:"not null;default:0" json:"priority"`
	Conditions          datatypes.JSON `json:"conditions,omitempty"`
	AutoMergeAllowed    bool           `gorm:"not null;default:false" json:"auto_merge_allowed"`
	RequireApprovalFrom datatypes.JSON `json:"require_approval_from,omitempty"`
	Enabled             bool           `gorm:"not null;default:true" json:"enabled"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// ApproverList decodes the require_approval_from column.
func (p *Policy) ApproverList() ([]string, error) {
	if len(p.RequireApprovalFrom) == 0 {
		return nil, nil
	}

	var approvers []string
	if err := json.Unmarshal(p.RequireApprovalFrom, &approvers); err != nil {
		return nil, fmt.Errorf("decoding approvers: %w", err)
	}

	return approvers, nil
}

// Notification is one outbound message about a run.
type Notification struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	RunID       string     `gorm:"index;not null" json:"run_id"`
	Channel     string     `gorm:"not null" json:"channel"`
	MessageType string     `gorm:"not null" json:"message_type"`
	Body        string     `json:"body,omitempty"`
	Delivered   bool       `gorm:"not null;default:false" json:"delivered"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// AdminSession is an active admin login session.
type AdminSession struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Token        string     `gorm:"uniqueIndex;not null" json:"-"`
	ExpiresAt    time.Time  `gorm:"not null" json:"expires_at"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActiveAt *time.Time `json:"last_active_at"`
}
