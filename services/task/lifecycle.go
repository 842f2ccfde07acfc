package task

import (
	"context"
	"fmt"
	"time"

	"profilehub/pkg/config"
	"profilehub/services/identity"
	"profilehub/services/notification"
	"profilehub/services/sync"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	completedExpiry = 4 * 7 * 24 * time.Hour
	idleExpiry      = 2 * 7 * 24 * time.Hour
	expiryWarning   = 7 * 24 * time.Hour
)

// Manager drives the task lifecycle: completion after a batch run and
// the periodic expiry sweep.
type Manager struct {
	db     *gorm.DB
	notify notification.Notifier
	cfg    *config.Config
}

type Params struct {
	fx.In
	DB       *gorm.DB
	Notifier notification.Notifier
	Config   *config.Config
}

func NewManager(p Params) *Manager {
	return &Manager{db: p.DB, notify: p.Notifier, cfg: p.Config}
}

// ScanTasks re-examines the given tasks after a batch run and completes
// every one that has no unprocessed records left. Completion is recorded
// once and notified once; a task already completed is skipped.
func (m *Manager) ScanTasks(ctx context.Context, taskIDs []int64) error {
	for _, id := range taskIDs {
		if err := m.scanOne(ctx, id); err != nil {
			zap.L().Error("task completion scan failed",
				zap.Int64("task_id", id), zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) scanOne(ctx context.Context, taskID int64) error {
	var t sync.Task
	if err := m.db.WithContext(ctx).First(&t, taskID).Error; err != nil {
		return err
	}
	if t.CompletedAt != nil {
		return nil
	}

	// A deactivated record still counts: it holds the task open until it
	// is either processed again or the task expires, so reactivating it
	// later keeps it reachable by the batches.
	var pending int64
	err := m.db.WithContext(ctx).Model(&sync.Record{}).
		Where("task_id = ?", t.ID).
		Where("processed_at IS NULL").
		Count(&pending).Error
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}

	var total, failed int64
	if err := m.db.WithContext(ctx).Model(&sync.Record{}).
		Where("task_id = ?", t.ID).
		Count(&total).Error; err != nil {
		return err
	}
	if err := m.db.WithContext(ctx).Model(&sync.Record{}).
		Where("task_id = ?", t.ID).
		Where("LOWER(status) LIKE ?", "%error%").
		Count(&failed).Error; err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := m.db.WithContext(ctx).Model(&sync.Task{}).
		Where("id = ?", t.ID).
		Update("completed_at", now).Error; err != nil {
		return err
	}
	t.CompletedAt = &now

	owner := &identity.User{}
	if err := m.db.WithContext(ctx).First(owner, t.CreatedByID).Error; err != nil {
		return err
	}

	zap.L().Info("task completed",
		zap.Int64("task_id", t.ID),
		zap.String("category", t.Category.String()),
		zap.Int64("records", total),
		zap.Int64("errors", failed))

	return m.notify.Send(ctx, notification.Message{
		Template:  notification.TemplateTaskCompleted,
		Recipient: notification.Party{Name: owner.Name(), Email: owner.Email},
		Vars: map[string]any{
			"task_id":     t.ID,
			"filename":    t.Filename,
			"category":    t.Category.Label(),
			"total":       total,
			"error_count": failed,
			"export_url":  m.exportURL(&t),
		},
	})
}

// RunExpirySweep deletes tasks past their expiry and warns owners of
// tasks expiring within a week. Tasks without an explicit expiry get one
// derived from their age and last activity.
func (m *Manager) RunExpirySweep(ctx context.Context, maxRows int) error {
	if err := m.backfillExpiry(ctx, maxRows); err != nil {
		return err
	}
	if err := m.warnExpiring(ctx, maxRows); err != nil {
		return err
	}
	return m.deleteExpired(ctx, maxRows)
}

// backfillExpiry stamps expires_at on tasks that never got one. The
// expiry is whichever is later: four weeks after creation or two weeks
// after the last update.
func (m *Manager) backfillExpiry(ctx context.Context, maxRows int) error {
	var tasks []sync.Task
	query := m.db.WithContext(ctx).
		Where("expires_at IS NULL").
		Order("id ASC")
	if maxRows > 0 {
		query = query.Limit(maxRows)
	}
	if err := query.Find(&tasks).Error; err != nil {
		return err
	}
	for i := range tasks {
		t := &tasks[i]
		expiry := ExpiryFor(t)
		if err := m.db.WithContext(ctx).Model(&sync.Task{}).
			Where("id = ?", t.ID).
			Update("expires_at", expiry).Error; err != nil {
			return err
		}
	}
	return nil
}

// ExpiryFor computes a task's expiry from its timestamps.
func ExpiryFor(t *sync.Task) time.Time {
	byCreation := t.CreatedAt.Add(completedExpiry)
	byActivity := t.UpdatedAt.Add(idleExpiry)
	if byActivity.After(byCreation) {
		return byActivity
	}
	return byCreation
}

func (m *Manager) warnExpiring(ctx context.Context, maxRows int) error {
	now := time.Now().UTC()
	var tasks []sync.Task
	query := m.db.WithContext(ctx).
		Where("expires_at IS NOT NULL").
		Where("expires_at > ?", now).
		Where("expires_at <= ?", now.Add(expiryWarning)).
		Where("expiry_notified_at IS NULL").
		Order("id ASC")
	if maxRows > 0 {
		query = query.Limit(maxRows)
	}
	if err := query.Find(&tasks).Error; err != nil {
		return err
	}

	for i := range tasks {
		t := &tasks[i]
		owner := &identity.User{}
		if err := m.db.WithContext(ctx).First(owner, t.CreatedByID).Error; err != nil {
			zap.L().Error("cannot load task owner for expiry warning",
				zap.Int64("task_id", t.ID), zap.Error(err))
			continue
		}
		err := m.notify.Send(ctx, notification.Message{
			Template:  notification.TemplateTaskExpiration,
			Recipient: notification.Party{Name: owner.Name(), Email: owner.Email},
			Vars: map[string]any{
				"task_id":    t.ID,
				"filename":   t.Filename,
				"category":   t.Category.Label(),
				"expires_at": t.ExpiresAt.UTC().Format(time.RFC3339),
				"export_url": m.exportURL(t),
			},
		})
		if err != nil {
			zap.L().Error("expiry warning dispatch failed",
				zap.Int64("task_id", t.ID), zap.Error(err))
			continue
		}
		// Only stamp once the warning actually went out, so a transient
		// dispatch failure gets another chance on the next sweep.
		if err := m.db.WithContext(ctx).Model(&sync.Task{}).
			Where("id = ?", t.ID).
			Update("expiry_notified_at", now).Error; err != nil {
			return err
		}
	}
	return nil
}

// deleteExpired removes expired tasks together with their records and
// invitees in one transaction per task.
func (m *Manager) deleteExpired(ctx context.Context, maxRows int) error {
	now := time.Now().UTC()
	var tasks []sync.Task
	query := m.db.WithContext(ctx).
		Where("expires_at IS NOT NULL").
		Where("expires_at <= ?", now).
		Order("id ASC")
	if maxRows > 0 {
		query = query.Limit(maxRows)
	}
	if err := query.Find(&tasks).Error; err != nil {
		return err
	}

	for i := range tasks {
		t := &tasks[i]
		err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where(
				"record_id IN (?)",
				tx.Model(&sync.Record{}).Select("id").Where("task_id = ?", t.ID),
			).Delete(&sync.Invitee{}).Error; err != nil {
				return err
			}
			if err := tx.Where("task_id = ?", t.ID).Delete(&sync.Record{}).Error; err != nil {
				return err
			}
			return tx.Delete(&sync.Task{}, t.ID).Error
		})
		if err != nil {
			zap.L().Error("expired task deletion failed",
				zap.Int64("task_id", t.ID), zap.Error(err))
			continue
		}
		zap.L().Info("expired task deleted",
			zap.Int64("task_id", t.ID),
			zap.String("category", t.Category.String()))
	}
	return nil
}

func (m *Manager) exportURL(t *sync.Task) string {
	return fmt.Sprintf("%s/api/v1/tasks/%d/export", m.cfg.Hub.BaseURL, t.ID)
}
