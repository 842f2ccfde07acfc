package task

import (
	"context"
	"encoding/json"
	"fmt"

	"profilehub/pkg/config"
	"profilehub/services/sync"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	TypeSyncAffiliation = "sync:affiliation"
	TypeSyncWork        = "sync:work"
	TypeSyncFunding     = "sync:funding"
	TypeSyncPeerReview  = "sync:peer-review"
	TypeExpirySweep     = "task:expiry-sweep"
)

// BatchPayload bounds one scheduled run.
type BatchPayload struct {
	MaxRows int `json:"max_rows"`
}

// Handler executes the scheduled batch jobs: one sync batch per category
// followed by a completion scan of the touched tasks, plus the expiry
// sweep.
type Handler struct {
	svc     *sync.Service
	manager *Manager
}

func NewHandler(svc *sync.Service, manager *Manager) *Handler {
	return &Handler{svc: svc, manager: manager}
}

func (h *Handler) HandleSyncBatch(ctx context.Context, t *asynq.Task) error {
	var p BatchPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("task: invalid batch payload: %w", err)
	}

	var category sync.Category
	switch t.Type() {
	case TypeSyncAffiliation:
		category = sync.CategoryAffiliation
	case TypeSyncWork:
		category = sync.CategoryWork
	case TypeSyncFunding:
		category = sync.CategoryFunding
	case TypeSyncPeerReview:
		category = sync.CategoryPeerReview
	default:
		return fmt.Errorf("task: unknown batch type %q", t.Type())
	}

	touched, err := h.svc.RunBatch(ctx, category, p.MaxRows)
	if err != nil {
		return err
	}
	if len(touched) == 0 {
		return nil
	}
	zap.L().Info("batch run finished",
		zap.String("category", category.String()),
		zap.Int("tasks_touched", len(touched)))
	return h.manager.ScanTasks(ctx, touched)
}

func (h *Handler) HandleExpirySweep(ctx context.Context, t *asynq.Task) error {
	var p BatchPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("task: invalid sweep payload: %w", err)
	}
	return h.manager.RunExpirySweep(ctx, p.MaxRows)
}

func registerHandlers(mux *asynq.ServeMux, h *Handler) {
	mux.HandleFunc(TypeSyncAffiliation, h.HandleSyncBatch)
	mux.HandleFunc(TypeSyncWork, h.HandleSyncBatch)
	mux.HandleFunc(TypeSyncFunding, h.HandleSyncBatch)
	mux.HandleFunc(TypeSyncPeerReview, h.HandleSyncBatch)
	mux.HandleFunc(TypeExpirySweep, h.HandleExpirySweep)
}

func registerSchedule(scheduler *asynq.Scheduler, cfg *config.Config) error {
	payload, err := json.Marshal(BatchPayload{MaxRows: cfg.Batch.MaxRows})
	if err != nil {
		return err
	}

	for _, typ := range []string{
		TypeSyncAffiliation,
		TypeSyncWork,
		TypeSyncFunding,
		TypeSyncPeerReview,
	} {
		if _, err := scheduler.Register(
			cfg.Batch.SyncSchedule,
			asynq.NewTask(typ, payload),
			asynq.Queue("sync"),
			asynq.MaxRetry(0),
		); err != nil {
			return fmt.Errorf("task: cannot schedule %s: %w", typ, err)
		}
	}

	if _, err := scheduler.Register(
		"@every 1h",
		asynq.NewTask(TypeExpirySweep, payload),
		asynq.MaxRetry(0),
	); err != nil {
		return fmt.Errorf("task: cannot schedule %s: %w", TypeExpirySweep, err)
	}
	return nil
}

var Module = fx.Module("task.module",
	fx.Provide(
		NewManager,
		NewHandler,
	),
	fx.Invoke(registerHandlers),
	fx.Invoke(registerSchedule),
)
