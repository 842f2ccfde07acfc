package invitation_test

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"profilehub/services/identity"
	"profilehub/services/invitation"
	"profilehub/services/notification"
	"profilehub/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeNotifier struct {
	sent []notification.Message
	err  error
}

func (f *fakeNotifier) Send(ctx context.Context, msg notification.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type env struct {
	db       *gorm.DB
	notifier *fakeNotifier
	svc      *invitation.Service
	org      *identity.Organisation
	inviter  *identity.User
}

func newEnv(t *testing.T) *env {
	t.Helper()
	conn := testutil.NewHubDB(t)
	cfg := testutil.NewConfig()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	notifier := &fakeNotifier{}
	svc := invitation.NewService(invitation.Params{
		DB:       conn,
		Node:     node,
		Codec:    invitation.NewCodec(cfg),
		Notifier: notifier,
		Config:   cfg,
	})

	org := &identity.Organisation{Name: "Example University"}
	require.NoError(t, conn.Create(org).Error)
	inviter := &identity.User{Email: "admin@example.edu"}
	require.NoError(t, conn.Create(inviter).Error)

	return &env{db: conn, notifier: notifier, svc: svc, org: org, inviter: inviter}
}

func (e *env) request(email string, bits identity.Affiliation) invitation.Request {
	return invitation.Request{
		Inviter:      e.inviter,
		Org:          e.org,
		Email:        email,
		FirstName:    "Rina",
		LastName:     "Researcher",
		Affiliations: bits,
	}
}

func TestSendCreatesUserAndDispatches(t *testing.T) {
	e := newEnv(t)

	ui, err := e.svc.Send(context.Background(), e.request("Rina@Example.EDU", identity.AffiliationEMP))
	require.NoError(t, err)
	require.NotNil(t, ui.DispatchedAt)
	require.Equal(t, "rina@example.edu", ui.Email, "email is normalized")
	require.NotEmpty(t, ui.Token)

	require.Len(t, e.notifier.sent, 1)
	msg := e.notifier.sent[0]
	require.Equal(t, notification.TemplateResearcherInvitation, msg.Template)
	require.Equal(t, "rina@example.edu", msg.Recipient.Email)
	require.Contains(t, msg.Vars["invitation_url"], "https://hub.test/confirm/")

	user := &identity.User{}
	require.NoError(t, e.db.Where("email = ?", "rina@example.edu").First(user).Error)
	require.Equal(t, "Rina", user.FirstName)
	require.NotZero(t, user.Roles&identity.RoleResearcher)
}

func TestSendReusesExistingUser(t *testing.T) {
	e := newEnv(t)
	existing := &identity.User{
		Email:     "rina@example.edu",
		FirstName: "Original",
		Orcid:     "0000-0001-0002-0003",
	}
	require.NoError(t, e.db.Create(existing).Error)

	_, err := e.svc.Send(context.Background(), e.request("rina@example.edu", identity.AffiliationEDU))
	require.NoError(t, err)

	var count int64
	require.NoError(t, e.db.Model(&identity.User{}).Count(&count).Error)
	require.EqualValues(t, 1, count, "no duplicate user")

	user := &identity.User{}
	require.NoError(t, e.db.First(user, existing.ID).Error)
	require.Equal(t, "Original", user.FirstName, "existing names are kept")
	require.Equal(t, "0000-0001-0002-0003", user.Orcid, "linked profile id is never overwritten")
}

func TestSendAccumulatesAffiliationBits(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.Send(context.Background(), e.request("rina@example.edu", identity.AffiliationEMP))
	require.NoError(t, err)
	_, err = e.svc.Send(context.Background(), e.request("rina@example.edu", identity.AffiliationEDU))
	require.NoError(t, err)

	link := &identity.UserOrg{}
	require.NoError(t, e.db.Where("organisation_id = ?", e.org.ID).First(link).Error)
	require.Equal(t, identity.AffiliationEMP|identity.AffiliationEDU, link.Affiliations)

	var links int64
	require.NoError(t, e.db.Model(&identity.UserOrg{}).Count(&links).Error)
	require.EqualValues(t, 1, links)
}

func TestSendDispatchFailureFlagsInvitation(t *testing.T) {
	e := newEnv(t)
	e.notifier.err = errors.New("smtp down")

	ui, err := e.svc.Send(context.Background(), e.request("rina@example.edu", identity.AffiliationEMP))
	require.Error(t, err)
	require.NotNil(t, ui, "the audit row is kept for retry")
	require.Nil(t, ui.DispatchedAt)

	stored := &invitation.UserInvitation{}
	require.NoError(t, e.db.First(stored, ui.ID).Error)
	require.Nil(t, stored.DispatchedAt)

	// The invitee row still exists; only dispatch failed.
	var users int64
	require.NoError(t, e.db.Model(&identity.User{}).
		Where("email = ?", "rina@example.edu").Count(&users).Error)
	require.EqualValues(t, 1, users)
}

func TestSendRejectsEmptyEmail(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Send(context.Background(), e.request("   ", identity.AffiliationEMP))
	require.Error(t, err)
}
