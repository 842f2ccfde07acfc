package sync_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"profilehub/services/identity"
	"profilehub/services/invitation"
	"profilehub/services/notification"
	"profilehub/services/orcid"
	"profilehub/services/sync"
	"profilehub/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeAPI struct {
	profile    *orcid.Profile
	profileErr error
	createErr  error

	creates     int
	updates     int
	nextPutCode int64
}

func (f *fakeAPI) GetProfile(ctx context.Context, accessToken, orcidID, clientID string) (*orcid.Profile, error) {
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	return f.profile, nil
}

func (f *fakeAPI) CreateEntry(ctx context.Context, accessToken, orcidID, endpoint string, payload any) (int64, error) {
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.creates++
	f.nextPutCode++
	return f.nextPutCode, nil
}

func (f *fakeAPI) UpdateEntry(ctx context.Context, accessToken, orcidID, endpoint string, putCode int64, payload any) (int64, error) {
	f.updates++
	return putCode, nil
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
	api      *fakeAPI
	notifier *fakeNotifier
	store    *identity.TokenStore
	svc      *sync.Service

	org     *identity.Organisation
	inviter *identity.User
}

func newEnv(t *testing.T) *env {
	t.Helper()

	conn := testutil.NewHubDB(t)
	cfg := testutil.NewConfig()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	store := identity.NewTokenStore(conn, node)
	notifier := &fakeNotifier{}
	invites := invitation.NewService(invitation.Params{
		DB:       conn,
		Node:     node,
		Codec:    invitation.NewCodec(cfg),
		Notifier: notifier,
		Config:   cfg,
	})
	api := &fakeAPI{profile: &orcid.Profile{}}

	svc := sync.NewService(sync.Params{
		DB:      conn,
		Gate:    identity.NewGate(store),
		Store:   store,
		Invites: invites,
		API:     api,
		Config:  cfg,
	})

	org := &identity.Organisation{Name: "Example University", Country: "NZ", OrcidClientID: "APP-1"}
	require.NoError(t, conn.Create(org).Error)
	inviter := &identity.User{Email: "admin@example.edu", FirstName: "Ada", LastName: "Admin"}
	require.NoError(t, conn.Create(inviter).Error)

	return &env{db: conn, api: api, notifier: notifier, store: store, svc: svc, org: org, inviter: inviter}
}

func (e *env) newTask(t *testing.T, category sync.Category) *sync.Task {
	t.Helper()
	task := &sync.Task{
		Category:       category,
		OrganisationID: e.org.ID,
		CreatedByID:    e.inviter.ID,
		Filename:       "records.csv",
	}
	require.NoError(t, e.db.Create(task).Error)
	return task
}

func (e *env) newRecord(t *testing.T, task *sync.Task, email string, mutate func(*sync.Record)) *sync.Record {
	t.Helper()
	r := &sync.Record{
		TaskID:   task.ID,
		Category: task.Category,
		IsActive: true,
	}
	if task.Category == sync.CategoryWork {
		r.Title = "Dataset " + email
		r.Type = "data-set"
	}
	if mutate != nil {
		mutate(r)
	}
	require.NoError(t, e.db.Create(r).Error)
	inv := &sync.Invitee{RecordID: r.ID, Email: email, FirstName: "Rina", LastName: "Researcher"}
	require.NoError(t, e.db.Create(inv).Error)
	r.Invitee = inv
	return r
}

func (e *env) linkUser(t *testing.T, email, orcidID string) *identity.User {
	t.Helper()
	user := &identity.User{Email: email, Orcid: orcidID}
	require.NoError(t, e.db.Create(user).Error)
	require.NoError(t, e.db.Create(&identity.UserOrg{
		UserID:         user.ID,
		OrganisationID: e.org.ID,
	}).Error)
	require.NoError(t, e.store.Upsert(context.Background(), &identity.OrcidToken{
		UserID:         &user.ID,
		OrganisationID: e.org.ID,
		Scope:          "/read-limited,/activities/update",
		AccessToken:    "token-" + orcidID,
	}, identity.ScopeActivitiesUpdate))
	return user
}

func (e *env) reload(t *testing.T, r *sync.Record) *sync.Record {
	t.Helper()
	out := &sync.Record{}
	require.NoError(t, e.db.Preload("Invitee").First(out, r.ID).Error)
	return out
}

func TestRunBatchWithoutTokenSendsOneInvitation(t *testing.T) {
	e := newEnv(t)
	task := e.newTask(t, sync.CategoryWork)

	// Two records for the same person must yield a single invitation.
	r1 := e.newRecord(t, task, "rina@example.edu", nil)
	r2 := e.newRecord(t, task, "rina@example.edu", func(r *sync.Record) {
		r.Title = "Dataset two"
		r.Type = "data-set"
	})

	touched, err := e.svc.RunBatch(context.Background(), sync.CategoryWork, 0)
	require.NoError(t, err)
	require.Equal(t, []int64{task.ID}, touched)

	require.Zero(t, e.api.creates, "no remote write without a token")
	require.Len(t, e.notifier.sent, 1)
	require.Equal(t, notification.TemplateResearcherInvitation, e.notifier.sent[0].Template)

	var count int64
	require.NoError(t, e.db.Model(&invitation.UserInvitation{}).Count(&count).Error)
	require.EqualValues(t, 1, count)

	for _, r := range []*sync.Record{r1, r2} {
		got := e.reload(t, r)
		require.Contains(t, got.Status, "The invitation sent at")
		require.Nil(t, got.ProcessedAt, "invited records stay pending until a credential arrives")
	}

	// The next run must not invite again while the invitation is out.
	touched, err = e.svc.RunBatch(context.Background(), sync.CategoryWork, 0)
	require.NoError(t, err)
	require.Equal(t, []int64{task.ID}, touched)
	require.Len(t, e.notifier.sent, 1)
}

func TestRunBatchCreatesThenUpdates(t *testing.T) {
	e := newEnv(t)
	task := e.newTask(t, sync.CategoryWork)
	r := e.newRecord(t, task, "rina@example.edu", nil)
	e.linkUser(t, "rina@example.edu", "0000-0001-0002-0003")

	_, err := e.svc.RunBatch(context.Background(), sync.CategoryWork, 0)
	require.NoError(t, err)

	got := e.reload(t, r)
	require.Equal(t, 1, e.api.creates)
	require.Zero(t, e.api.updates)
	require.NotNil(t, got.PutCode)
	require.Equal(t, "0000-0001-0002-0003", got.Orcid)
	require.NotNil(t, got.ProcessedAt)
	require.Contains(t, got.Invitee.Status, "Work record was created.")
	require.Contains(t, got.Status, "Work record is processed.")
	require.Equal(t, got.PutCode, got.Invitee.PutCode)

	// Resetting the record re-synchronizes it as an update of the same
	// remote entry.
	require.NoError(t, e.db.Model(&sync.Record{}).Where("id = ?", r.ID).
		Update("processed_at", nil).Error)
	require.NoError(t, e.db.Model(&sync.Invitee{}).Where("record_id = ?", r.ID).
		Update("processed_at", nil).Error)

	_, err = e.svc.RunBatch(context.Background(), sync.CategoryWork, 0)
	require.NoError(t, err)

	got = e.reload(t, r)
	require.Equal(t, 1, e.api.creates)
	require.Equal(t, 1, e.api.updates)
	require.Contains(t, got.Invitee.Status, "Work record was updated.")
}

func TestRunBatchExactAffiliationSkipsRemoteWrite(t *testing.T) {
	e := newEnv(t)
	task := e.newTask(t, sync.CategoryAffiliation)

	start, err := sync.ParsePartialDate("2019-03")
	require.NoError(t, err)
	r := e.newRecord(t, task, "rina@example.edu", func(r *sync.Record) {
		r.AffiliationType = "staff"
		r.Department = "Physics"
		r.Role = "Lecturer"
		r.OrgName = "Example University"
		r.Country = "NZ"
		r.StartDate = start
	})
	e.linkUser(t, "rina@example.edu", "0000-0001-0002-0003")

	e.api.profile = &orcid.Profile{
		Employments: []orcid.Entry{{
			PutCode:    77,
			StartDate:  "2019-03",
			Department: "Physics",
			Role:       "Lecturer",
			OrgName:    "Example University",
			Country:    "NZ",
		}},
	}

	_, err = e.svc.RunBatch(context.Background(), sync.CategoryAffiliation, 0)
	require.NoError(t, err)

	got := e.reload(t, r)
	require.Zero(t, e.api.creates)
	require.Zero(t, e.api.updates)
	require.NotNil(t, got.PutCode)
	require.EqualValues(t, 77, *got.PutCode)
	require.Contains(t, got.Status, "Employment record unchanged.")
	require.NotNil(t, got.ProcessedAt)
}

func TestRunBatchUnauthorizedInvalidatesToken(t *testing.T) {
	e := newEnv(t)
	task := e.newTask(t, sync.CategoryWork)
	r := e.newRecord(t, task, "rina@example.edu", nil)
	user := e.linkUser(t, "rina@example.edu", "0000-0001-0002-0003")
	e.api.profileErr = orcid.ErrUnauthorized

	_, err := e.svc.RunBatch(context.Background(), sync.CategoryWork, 0)
	require.NoError(t, err)

	got := e.reload(t, r)
	require.Nil(t, got.ProcessedAt, "records stay pending after revocation")

	token, err := e.store.Find(context.Background(), &user.ID, e.org.ID, identity.ScopeActivitiesUpdate)
	require.NoError(t, err)
	require.Nil(t, token, "revoked token must be removed")
}

func TestRunBatchRecordsRemoteFailure(t *testing.T) {
	e := newEnv(t)
	task := e.newTask(t, sync.CategoryWork)
	r := e.newRecord(t, task, "rina@example.edu", nil)
	e.linkUser(t, "rina@example.edu", "0000-0001-0002-0003")
	e.api.createErr = orcid.ErrNotFound

	_, err := e.svc.RunBatch(context.Background(), sync.CategoryWork, 0)
	require.NoError(t, err)

	got := e.reload(t, r)
	require.NotNil(t, got.ProcessedAt)
	require.True(t, got.HasError())
	require.Contains(t, got.Status, "Error processing record. Fix and reset to enable this record to be processed:")
	require.Contains(t, got.Invitee.Status, "Exception occurred processing the record:")
}

func TestRunBatchUnsupportedAffiliationType(t *testing.T) {
	e := newEnv(t)
	task := e.newTask(t, sync.CategoryAffiliation)
	r := e.newRecord(t, task, "rina@example.edu", func(r *sync.Record) {
		r.AffiliationType = "wizard"
	})
	e.linkUser(t, "rina@example.edu", "0000-0001-0002-0003")

	_, err := e.svc.RunBatch(context.Background(), sync.CategoryAffiliation, 0)
	require.NoError(t, err)

	got := e.reload(t, r)
	require.Zero(t, e.api.creates)
	require.NotNil(t, got.ProcessedAt)
	require.Contains(t, got.Status, "Unsupported affiliation type 'wizard'")
}

func TestRunBatchIgnoresInactiveAndProcessed(t *testing.T) {
	e := newEnv(t)
	task := e.newTask(t, sync.CategoryWork)

	inactive := e.newRecord(t, task, "rina@example.edu", nil)
	require.NoError(t, e.db.Model(&sync.Record{}).Where("id = ?", inactive.ID).
		Update("is_active", false).Error)

	now := time.Now().UTC()
	done := e.newRecord(t, task, "rina@example.edu", nil)
	require.NoError(t, e.db.Model(&sync.Record{}).Where("id = ?", done.ID).
		Update("processed_at", now).Error)

	touched, err := e.svc.RunBatch(context.Background(), sync.CategoryWork, 0)
	require.NoError(t, err)
	require.Empty(t, touched)
	require.Empty(t, e.notifier.sent)
}
