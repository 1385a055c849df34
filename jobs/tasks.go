package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerIntegrity is the task type for the nightly balance scan.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskSequenceAudit is the task type for the document numbering audit.
	TaskSequenceAudit = "sequence:audit"
	// TaskMaintenance is the task type for housekeeping (idempotency key pruning).
	TaskMaintenance = "maintenance:prune"
)

// NewMaintenanceTask constructs an Asynq task. The job takes no payload.
func NewMaintenanceTask() *asynq.Task {
	return asynq.NewTask(TaskMaintenance, nil)
}

// LedgerIntegrityPayload scopes the integrity scan. TenantID zero scans
// every tenant.
type LedgerIntegrityPayload struct {
	TenantID int64 `json:"tenant_id"`
}

// NewLedgerIntegrityTask constructs an Asynq task.
func NewLedgerIntegrityTask(payload LedgerIntegrityPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, data), nil
}

// SequenceAuditPayload scopes the numbering audit. TenantID zero audits
// every tenant.
type SequenceAuditPayload struct {
	TenantID int64 `json:"tenant_id"`
}

// NewSequenceAuditTask constructs an Asynq task.
func NewSequenceAuditTask(payload SequenceAuditPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSequenceAudit, data), nil
}
