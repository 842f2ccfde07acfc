package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	"profilehub/services/orcid"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

// Handler executes the queued webhook jobs.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) HandleRegister(ctx context.Context, t *asynq.Task) error {
	var p RegisterPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("webhook: invalid register payload: %w", err)
	}
	return h.svc.RegisterUserWebhook(ctx, p.UserID, p.Delete)
}

func (h *Handler) HandleDeliver(ctx context.Context, t *asynq.Task) error {
	var p DeliverPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("webhook: invalid deliver payload: %w", err)
	}
	return h.svc.DeliverEvent(ctx, p)
}

func registerHandlers(mux *asynq.ServeMux, h *Handler) {
	mux.HandleFunc(TypeRegister, h.HandleRegister)
	mux.HandleFunc(TypeDeliver, h.HandleDeliver)
}

var Module = fx.Module("webhook.module",
	fx.Provide(
		func(c *orcid.Client) RegistrarAPI { return c },
		NewService,
		NewHandler,
	),
	fx.Invoke(registerHandlers),
)
