package billing

import (
	"usage_ledger/internal/catalog"
	"usage_ledger/internal/models"
)

// usedSlots counts the free-allowance slots consumed by the ledger history.
// Refunded tasks and the task being decided never count. With forAdmission
// set on an admission-charged capability, pending tasks that were themselves
// admitted free also hold a slot under CountCompletedOnly.
func usedSlots(c *catalog.Capability, history []*models.TaskRecord, currentID string, forAdmission bool) int {
	used := 0
	for _, t := range history {
		if t.TaskID == currentID {
			if c.QuotaRule == catalog.CountAllHistorical {
				// History is in admission order; later tasks do not count
				break
			}
			continue
		}
		if t.Refunded {
			continue
		}

		switch c.QuotaRule {
		case catalog.CountAllHistorical:
			used++
		case catalog.CountCompletedOnly:
			if t.Status == models.TaskCompleted {
				used++
			} else if forAdmission && !c.IsDeferred() && t.Status == models.TaskPending && t.IsFree {
				used++
			}
		}
	}
	return used
}

// isFree reports whether the next use is covered by the free allowance
func isFree(c *catalog.Capability, history []*models.TaskRecord, currentID string, forAdmission bool) bool {
	return usedSlots(c, history, currentID, forAdmission) < c.FreeAllowance
}

// remainingFree returns the free uses left
func remainingFree(c *catalog.Capability, history []*models.TaskRecord) int {
	remaining := c.FreeAllowance - usedSlots(c, history, "", true)
	if remaining < 0 {
		return 0
	}
	return remaining
}
