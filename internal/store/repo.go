package store

import (
	"context"
	"errors"

	"github.com/ykvlv/medication-reminder/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Repo defines the Schedule Store operations used by the dispatcher and its operators.
type Repo interface {
	ListDueEntries(ctx context.Context, at domain.ClockTime) ([]domain.DueRow, error)

	UpsertUser(ctx context.Context, u *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	DeleteUser(ctx context.Context, id string) error

	CreateMedication(ctx context.Context, m *domain.Medication) error
	GetMedication(ctx context.Context, id string) (*domain.Medication, error)
	SetTaken(ctx context.Context, entryID string, taken bool) error

	Close() error
}
