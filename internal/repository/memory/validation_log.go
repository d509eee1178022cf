package memory

import (
	"context"
	"sync"

	"stepup-service/internal/models"
)

// ValidationLog is the in-process append-only audit store. Records are
// copied on write and on read; nothing can mutate an appended entry.
type ValidationLog struct {
	mu      sync.RWMutex
	records []*models.BiometricValidationRecord
	byLogin map[string][]*models.BiometricValidationRecord
}

func NewValidationLog() *ValidationLog {
	return &ValidationLog{
		byLogin: make(map[string][]*models.BiometricValidationRecord),
	}
}

func (l *ValidationLog) Append(ctx context.Context, rec *models.BiometricValidationRecord) error {
	stored := *rec

	l.mu.Lock()
	l.records = append(l.records, &stored)
	l.byLogin[stored.LoginID] = append(l.byLogin[stored.LoginID], &stored)
	l.mu.Unlock()

	return nil
}

func (l *ValidationLog) ListByLogin(ctx context.Context, loginID string) ([]*models.BiometricValidationRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stored := l.byLogin[loginID]
	out := make([]*models.BiometricValidationRecord, 0, len(stored))
	for _, rec := range stored {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// Len reports the total number of appended records.
func (l *ValidationLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
