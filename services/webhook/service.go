package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"profilehub/pkg/config"
	"profilehub/pkg/errutil"
	"profilehub/pkg/queue"
	"profilehub/services/identity"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"
	"gorm.io/gorm"
)

// RegistrarAPI is the slice of the remote client the webhook service
// uses for callback registration.
type RegistrarAPI interface {
	RegisterWebhook(ctx context.Context, accessToken, orcid, callbackURL string) error
	DeregisterWebhook(ctx context.Context, accessToken, orcid, callbackURL string) error
}

// Service manages premium update-notification callbacks: registering
// them per user on the remote service and fanning incoming pings out to
// organisation endpoints with bounded retry.
type Service struct {
	db    *gorm.DB
	store *identity.TokenStore
	api   RegistrarAPI
	enq   queue.Enqueuer
	http  *http.Client
	cfg   *config.Config
}

type Params struct {
	fx.In
	DB       *gorm.DB
	Store    *identity.TokenStore
	API      RegistrarAPI
	Enqueuer queue.Enqueuer
	Config   *config.Config
}

func NewService(p Params) *Service {
	return &Service{
		db:    p.DB,
		store: p.Store,
		api:   p.API,
		enq:   p.Enqueuer,
		http:  &http.Client{Timeout: p.Config.Orcid.Timeout},
		cfg:   p.Config,
	}
}

// EnableOrgWebhook turns update notifications on for an organisation and
// queues callback registration for every affiliated user with a linked
// profile.
func (s *Service) EnableOrgWebhook(ctx context.Context, orgID int64) error {
	return s.setOrgWebhook(ctx, orgID, true)
}

// DisableOrgWebhook turns notifications off and queues deregistration.
// Users also covered by another notifying organisation keep their
// callback.
func (s *Service) DisableOrgWebhook(ctx context.Context, orgID int64) error {
	return s.setOrgWebhook(ctx, orgID, false)
}

func (s *Service) setOrgWebhook(ctx context.Context, orgID int64, enabled bool) error {
	err := s.db.WithContext(ctx).Model(&identity.Organisation{}).
		Where("id = ?", orgID).
		Update("webhook_enabled", enabled).Error
	if err != nil {
		return err
	}

	// Enable touches only users not yet enrolled; disable only enrolled ones.
	var users []identity.User
	err = s.db.WithContext(ctx).
		Joins("JOIN user_orgs ON user_orgs.user_id = users.id").
		Where("user_orgs.organisation_id = ?", orgID).
		Where("users.orcid <> ''").
		Where("users.webhook_enabled = ?", !enabled).
		Find(&users).Error
	if err != nil {
		return err
	}

	for i := range users {
		payload, err := json.Marshal(RegisterPayload{UserID: users[i].ID, Delete: !enabled})
		if err != nil {
			return err
		}
		if _, err := s.enq.Enqueue(asynq.NewTask(TypeRegister, payload)); err != nil {
			return err
		}
	}
	return nil
}

// RegisterUserWebhook registers or removes the update callback for one
// user, using the organisation's client-credentials token.
func (s *Service) RegisterUserWebhook(ctx context.Context, userID int64, remove bool) error {
	user := &identity.User{}
	if err := s.db.WithContext(ctx).First(user, userID).Error; err != nil {
		return err
	}
	if user.Orcid == "" {
		return nil
	}

	if remove {
		// Another notifying organisation may still need this callback.
		var others int64
		err := s.db.WithContext(ctx).Model(&identity.Organisation{}).
			Joins("JOIN user_orgs ON user_orgs.organisation_id = organisations.id").
			Where("user_orgs.user_id = ?", user.ID).
			Where("organisations.webhook_enabled = ?", true).
			Count(&others).Error
		if err != nil {
			return err
		}
		if others > 0 {
			zap.L().Info("callback kept, user covered by another organisation",
				zap.Int64("user_id", user.ID))
			return nil
		}
	}

	org, err := s.userOrg(ctx, user)
	if err != nil {
		return err
	}

	token, err := s.webhookToken(ctx, org)
	if err != nil {
		return err
	}

	callback := fmt.Sprintf("%s/api/v1/updates/%s", s.cfg.Hub.BaseURL, user.Orcid)
	if remove {
		err = s.api.DeregisterWebhook(ctx, token.AccessToken, user.Orcid, callback)
	} else {
		err = s.api.RegisterWebhook(ctx, token.AccessToken, user.Orcid, callback)
	}
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Model(&identity.User{}).
		Where("id = ?", user.ID).
		Update("webhook_enabled", !remove).Error
}

func (s *Service) userOrg(ctx context.Context, user *identity.User) (*identity.Organisation, error) {
	org := &identity.Organisation{}
	if user.OrganisationID != nil {
		if err := s.db.WithContext(ctx).First(org, *user.OrganisationID).Error; err != nil {
			return nil, err
		}
		return org, nil
	}
	err := s.db.WithContext(ctx).
		Joins("JOIN user_orgs ON user_orgs.organisation_id = organisations.id").
		Where("user_orgs.user_id = ?", user.ID).
		Order("organisations.id ASC").
		First(org).Error
	if err != nil {
		return nil, errutil.New(errutil.CodeNotFound,
			fmt.Sprintf("user %d belongs to no organisation", user.ID), errutil.WithErr(err))
	}
	return org, nil
}

// webhookToken returns the organisation's webhook-scoped credential,
// fetching a fresh one through the client-credentials grant when none is
// cached.
func (s *Service) webhookToken(ctx context.Context, org *identity.Organisation) (*identity.OrcidToken, error) {
	cached, err := s.store.Find(ctx, nil, org.ID, identity.ScopeWebhook)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	cc := clientcredentials.Config{
		ClientID:     org.OrcidClientID,
		ClientSecret: org.OrcidClientSecret,
		TokenURL:     s.cfg.Orcid.TokenURL,
		Scopes:       []string{identity.ScopeWebhook},
	}
	fresh, err := cc.Token(ctx)
	if err != nil {
		return nil, errutil.New(errutil.CodeUnauthorized,
			"client credentials grant failed", errutil.WithErr(err))
	}

	token := &identity.OrcidToken{
		OrganisationID: org.ID,
		Scope:          identity.ScopeWebhook,
		AccessToken:    fresh.AccessToken,
		RefreshToken:   fresh.RefreshToken,
		ExpiresIn:      int64(time.Until(fresh.Expiry).Seconds()),
	}
	if err := s.store.Upsert(ctx, token, identity.ScopeWebhook); err != nil {
		return nil, err
	}
	return token, nil
}

// HandleProfileUpdated fans one incoming update ping out to every
// notifying organisation the user belongs to.
func (s *Service) HandleProfileUpdated(ctx context.Context, orcidID string) error {
	user := &identity.User{}
	err := s.db.WithContext(ctx).Where("orcid = ?", orcidID).First(user).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			zap.L().Warn("update ping for unknown profile", zap.String("orcid", orcidID))
			return nil
		}
		return err
	}

	var orgs []identity.Organisation
	err = s.db.WithContext(ctx).
		Joins("JOIN user_orgs ON user_orgs.organisation_id = organisations.id").
		Where("user_orgs.user_id = ?", user.ID).
		Where("organisations.webhook_enabled = ?", true).
		Where("organisations.webhook_url <> ''").
		Find(&orgs).Error
	if err != nil {
		return err
	}

	updatedAt := time.Now().UTC().Format(time.RFC3339)
	for i := range orgs {
		payload, err := json.Marshal(DeliverPayload{
			CallbackURL: orgs[i].WebhookURL,
			Orcid:       user.Orcid,
			UpdatedAt:   updatedAt,
			Attempts:    s.cfg.Webhook.MaxAttempts,
		})
		if err != nil {
			return err
		}
		_, err = s.enq.Enqueue(asynq.NewTask(TypeDeliver, payload),
			asynq.Queue("webhook"), asynq.MaxRetry(0))
		if err != nil {
			return err
		}
	}
	return nil
}

type eventBody struct {
	Orcid     string `json:"orcid"`
	UpdatedAt string `json:"updated-at"`
	URL       string `json:"url"`
}

// DeliverEvent posts one update event to an organisation endpoint. A
// failed delivery is re-queued after the configured delay with one
// attempt fewer, and dropped once attempts run out.
func (s *Service) DeliverEvent(ctx context.Context, p DeliverPayload) error {
	body, err := json.Marshal(eventBody{
		Orcid:     p.Orcid,
		UpdatedAt: p.UpdatedAt,
		URL:       fmt.Sprintf("%s/%s", s.cfg.Orcid.PublicBaseURL, p.Orcid),
	})
	if err != nil {
		return err
	}

	target := fmt.Sprintf("%s/%s", p.CallbackURL, p.Orcid)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		err = errutil.New(errutil.CodeRemoteUnavailable,
			fmt.Sprintf("callback returned %s", resp.Status))
	}

	remaining := p.Attempts - 1
	if remaining <= 0 {
		zap.L().Error("event delivery abandoned",
			zap.String("callback", p.CallbackURL),
			zap.String("orcid", p.Orcid),
			zap.Error(err))
		return nil
	}

	zap.L().Warn("event delivery failed, will retry",
		zap.String("callback", p.CallbackURL),
		zap.Int("attempts_left", remaining),
		zap.Error(err))

	p.Attempts = remaining
	payload, merr := json.Marshal(p)
	if merr != nil {
		return merr
	}
	_, merr = s.enq.Enqueue(asynq.NewTask(TypeDeliver, payload),
		asynq.Queue("webhook"),
		asynq.ProcessIn(s.cfg.Webhook.RetryDelay),
		asynq.MaxRetry(0))
	return merr
}
