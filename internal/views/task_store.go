package views

import (
	"context"
	"fmt"

	"github.com/postreach/viewpool/internal/models"
	"gorm.io/gorm"
)

// TaskStore persists view task audit rows through GORM.
type TaskStore struct {
	db *gorm.DB
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore(db *gorm.DB) *TaskStore {
	return &TaskStore{db: db}
}

// RecordTask inserts task. Rows are never updated afterwards.
func (s *TaskStore) RecordTask(ctx context.Context, task *models.ViewTask) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("views: task store not configured")
	}
	if errCreate := s.db.WithContext(ctx).Create(task).Error; errCreate != nil {
		return fmt.Errorf("views: create task: %w", errCreate)
	}
	return nil
}
