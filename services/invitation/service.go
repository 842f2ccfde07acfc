package invitation

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"profilehub/pkg/config"
	"profilehub/services/identity"
	"profilehub/services/notification"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Request carries everything needed to invite one person on behalf of an
// organisation. The same email may back several staged records; callers
// send one Request per distinct (inviter, org, email, name) tuple.
type Request struct {
	Inviter      *identity.User
	Org          *identity.Organisation
	Email        string
	FirstName    string
	LastName     string
	TaskID       *int64
	Affiliations identity.Affiliation
	TTL          time.Duration
}

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	codec  *TokenCodec
	notify notification.Notifier
	cfg    *config.Config
}

type Params struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Codec    *TokenCodec
	Notifier notification.Notifier
	Config   *config.Config
}

func NewService(p Params) *Service {
	return &Service{
		db:     p.DB,
		node:   p.Node,
		codec:  p.Codec,
		notify: p.Notifier,
		cfg:    p.Config,
	}
}

func NewCodec(cfg *config.Config) *TokenCodec {
	return NewTokenCodec(cfg.Hub.SecretKey)
}

// Send upserts the invitee and their organisation link, issues a
// confirmation token and dispatches the invitation notification.
//
// The user and link mutations commit regardless of dispatch outcome; a
// dispatch failure leaves the UserInvitation row present with a nil
// DispatchedAt so it can be retried, and is returned to the caller.
func (s *Service) Send(ctx context.Context, req Request) (*UserInvitation, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		return nil, fmt.Errorf("invitation: empty invitee email")
	}

	zapLog := zap.L().With(
		zap.String("email", email),
		zap.String("org", req.Org.Name),
	)
	zapLog.Info("sending an invitation",
		zap.String("inviter", req.Inviter.Email),
		zap.String("first_name", req.FirstName),
		zap.String("last_name", req.LastName),
	)

	user, err := s.upsertUser(ctx, req, email)
	if err != nil {
		return nil, err
	}
	if err := s.upsertUserOrg(ctx, req, user); err != nil {
		return nil, err
	}

	ttl := req.TTL
	if ttl == 0 {
		ttl = s.cfg.Invitation.TTL
	}
	token, err := s.codec.Issue(TokenPayload{Email: email, Org: req.Org.Name}, ttl)
	if err != nil {
		return nil, fmt.Errorf("invitation: issue confirmation token: %w", err)
	}

	ui := &UserInvitation{
		ID:                   s.node.Generate().Int64(),
		TaskID:               req.TaskID,
		InviteeID:            user.ID,
		InviterID:            req.Inviter.ID,
		OrganisationID:       req.Org.ID,
		Email:                email,
		FirstName:            req.FirstName,
		LastName:             req.LastName,
		Affiliations:         req.Affiliations,
		Organisation:         req.Org.Name,
		DisambiguatedID:      req.Org.DisambiguatedID,
		DisambiguationSource: req.Org.DisambiguationSource,
		Token:                token,
	}
	if err := s.db.WithContext(ctx).Create(ui).Error; err != nil {
		return nil, err
	}

	msg := notification.Message{
		Template:  notification.TemplateResearcherInvitation,
		Recipient: notification.Party{Name: req.Org.Name, Email: email},
		ReplyTo:   &notification.Party{Name: req.Inviter.Name(), Email: req.Inviter.Email},
		Vars: map[string]any{
			"org_name":       req.Org.Name,
			"invitation_url": s.confirmationURL(token),
		},
	}
	if err := s.notify.Send(ctx, msg); err != nil {
		zapLog.Error("failed to dispatch invitation notification", zap.Error(err))
		return ui, err
	}

	now := time.Now().UTC()
	ui.DispatchedAt = &now
	if err := s.db.WithContext(ctx).Model(ui).Update("dispatched_at", now).Error; err != nil {
		zapLog.Error("failed to mark invitation dispatched", zap.Error(err))
	}
	return ui, nil
}

// upsertUser finds or creates the invitee. Names are only filled when
// blank and the remote profile identifier is never overwritten.
func (s *Service) upsertUser(ctx context.Context, req Request, email string) (*identity.User, error) {
	var user identity.User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	switch {
	case err == nil:
		user.UpdatedByID = &req.Inviter.ID
	case err == gorm.ErrRecordNotFound:
		user = identity.User{
			ID:          s.node.Generate().Int64(),
			Email:       email,
			CreatedByID: &req.Inviter.ID,
		}
	default:
		return nil, err
	}

	if req.FirstName != "" && user.FirstName == "" {
		user.FirstName = req.FirstName
	}
	if req.LastName != "" && user.LastName == "" {
		user.LastName = req.LastName
	}
	user.OrganisationID = &req.Org.ID
	user.Roles |= identity.RoleResearcher

	if err := s.db.WithContext(ctx).Save(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// upsertUserOrg links the invitee to the organisation, OR-ing new
// affiliation bits into an existing link rather than replacing them.
func (s *Service) upsertUserOrg(ctx context.Context, req Request, user *identity.User) error {
	var link identity.UserOrg
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND organisation_id = ?", user.ID, req.Org.ID).
		First(&link).Error
	switch {
	case err == nil:
		link.Affiliations |= req.Affiliations
		link.UpdatedByID = &req.Inviter.ID
	case err == gorm.ErrRecordNotFound:
		link = identity.UserOrg{
			ID:             s.node.Generate().Int64(),
			UserID:         user.ID,
			OrganisationID: req.Org.ID,
			Affiliations:   req.Affiliations,
			CreatedByID:    &req.Inviter.ID,
		}
	default:
		return err
	}
	return s.db.WithContext(ctx).Save(&link).Error
}

func (s *Service) confirmationURL(token string) string {
	return fmt.Sprintf("%s/confirm/%s", strings.TrimRight(s.cfg.Hub.BaseURL, "/"), url.PathEscape(token))
}

var Module = fx.Module("invitation.module",
	fx.Provide(
		NewCodec,
		NewService,
	),
)
