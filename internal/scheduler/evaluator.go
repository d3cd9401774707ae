package scheduler

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/ykvlv/medication-reminder/internal/domain"
)

// Store is the read side of the schedule store the evaluator needs.
// store.SQLiteRepo implements it.
type Store interface {
	ListDueEntries(ctx context.Context, at domain.ClockTime) ([]domain.DueRow, error)
}

// Evaluator finds schedule entries due at a given clock minute.
type Evaluator struct {
	store Store
	log   *zap.Logger
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(store Store, log *zap.Logger) *Evaluator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Evaluator{store: store, log: log}
}

// FindDue returns reminders whose entry time equals now and that are not taken.
// Rows whose owner no longer exists are skipped. The result is sorted by
// medication id, then entry id. It performs no writes.
func (e *Evaluator) FindDue(ctx context.Context, now domain.ClockTime) ([]domain.Reminder, error) {
	if !now.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidClock, now)
	}
	rows, err := e.store.ListDueEntries(ctx, now)
	if err != nil {
		return nil, err
	}

	due := make([]domain.Reminder, 0, len(rows))
	for _, row := range rows {
		if row.Entry.TimeOfDay != now {
			continue
		}
		if !row.UserFound {
			e.log.Info("owner missing, skipping medication",
				zap.String("medicationID", row.Medication.ID),
				zap.String("userID", row.Medication.UserID),
			)
			continue
		}
		if row.Entry.Taken {
			continue
		}
		due = append(due, domain.Reminder{
			Medication: row.Medication,
			Entry:      row.Entry,
			User:       row.User,
		})
	}

	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Medication.ID != due[j].Medication.ID {
			return due[i].Medication.ID < due[j].Medication.ID
		}
		return due[i].Entry.ID < due[j].Entry.ID
	})
	return due, nil
}
