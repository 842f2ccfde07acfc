package httpapi_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"profilehub/internal/httpapi"
	"profilehub/services/identity"
	"profilehub/services/invitation"
	"profilehub/services/sync"
	"profilehub/services/testutil"
	"profilehub/services/webhook"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeRegistrar struct{}

func (fakeRegistrar) RegisterWebhook(context.Context, string, string, string) error   { return nil }
func (fakeRegistrar) DeregisterWebhook(context.Context, string, string, string) error { return nil }

type fakeEnqueuer struct {
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	return nil, nil
}

type env struct {
	db       *gorm.DB
	enqueuer *fakeEnqueuer
	codec    *invitation.TokenCodec
	handler  http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	conn := testutil.NewHubDB(t)
	cfg := testutil.NewConfig()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	enqueuer := &fakeEnqueuer{}
	webhooks := webhook.NewService(webhook.Params{
		DB:       conn,
		Store:    identity.NewTokenStore(conn, node),
		API:      fakeRegistrar{},
		Enqueuer: enqueuer,
		Config:   cfg,
	})
	codec := invitation.NewCodec(cfg)
	router := httpapi.NewRouter(httpapi.Params{DB: conn, Webhooks: webhooks, Codec: codec})

	return &env{
		db:       conn,
		enqueuer: enqueuer,
		codec:    codec,
		handler:  httpapi.ProvideHandler(cfg, router),
	}
}

func (e *env) get(path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	require.Equal(t, http.StatusOK, e.get("/healthz").Code)
}

func TestUpdatePingEnqueuesDeliveries(t *testing.T) {
	e := newEnv(t)

	org := &identity.Organisation{Name: "Example University", WebhookURL: "https://org.example/hooks"}
	require.NoError(t, e.db.Create(org).Error)
	require.NoError(t, e.db.Model(org).Update("webhook_enabled", true).Error)
	user := &identity.User{Email: "rina@example.edu", Orcid: "0000-0001-0002-0003"}
	require.NoError(t, e.db.Create(user).Error)
	require.NoError(t, e.db.Create(&identity.UserOrg{UserID: user.ID, OrganisationID: org.ID}).Error)

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/updates/0000-0001-0002-0003", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, e.enqueuer.tasks, 1)
	require.Equal(t, webhook.TypeDeliver, e.enqueuer.tasks[0].Type())
}

func TestUpdatePingUnknownProfileIsAcknowledged(t *testing.T) {
	e := newEnv(t)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/updates/0000-0000-0000-0000", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, e.enqueuer.tasks)
}

func TestInvitationConfirm(t *testing.T) {
	e := newEnv(t)

	token, err := e.codec.Issue(invitation.TokenPayload{
		Email: "rina@example.edu",
		Org:   "Example University",
	}, time.Hour)
	require.NoError(t, err)

	rec := e.get("/api/v1/invitations/confirm?token=" + token)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "rina@example.edu", body["email"])
	require.Equal(t, "Example University", body["organisation"])

	require.Equal(t, http.StatusUnauthorized, e.get("/api/v1/invitations/confirm?token=garbage").Code)
}

func TestTaskExport(t *testing.T) {
	e := newEnv(t)

	require.Equal(t, http.StatusNotFound, e.get("/api/v1/tasks/999/export").Code)

	task := &sync.Task{Category: sync.CategoryWork, OrganisationID: 1, CreatedByID: 1, Filename: "works.csv"}
	require.NoError(t, e.db.Create(task).Error)
	record := &sync.Record{TaskID: task.ID, Category: sync.CategoryWork, Title: "Dataset A", Type: "data-set", IsActive: true}
	require.NoError(t, e.db.Create(record).Error)
	require.NoError(t, e.db.Create(&sync.Invitee{RecordID: record.ID, Email: "rina@example.edu"}).Error)

	rec := e.get(fmt.Sprintf("/api/v1/tasks/%d/export", task.ID))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Records []struct {
			Title   string `json:"Title"`
			Invitee *struct {
				Email string `json:"Email"`
			} `json:"Invitee"`
		} `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Records, 1)
	require.Equal(t, "Dataset A", body.Records[0].Title)
	require.NotNil(t, body.Records[0].Invitee)
	require.Equal(t, "rina@example.edu", body.Records[0].Invitee.Email)
}
