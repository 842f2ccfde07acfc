package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	gosync "sync"
	"time"

	"profilehub/pkg/config"
	"profilehub/services/identity"
	"profilehub/services/invitation"
	"profilehub/services/orcid"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ProfileAPI is the slice of the remote profile client the orchestrator
// uses, extracted so tests can substitute a fake.
type ProfileAPI interface {
	GetProfile(ctx context.Context, accessToken, orcid, clientID string) (*orcid.Profile, error)
	CreateEntry(ctx context.Context, accessToken, orcid, endpoint string, payload any) (int64, error)
	UpdateEntry(ctx context.Context, accessToken, orcid, endpoint string, putCode int64, payload any) (int64, error)
}

// Service is the synchronization orchestrator: it walks one bounded
// window of unprocessed records, groups them by (task, organisation,
// resolved user) and either synchronizes each group against the remote
// profile or routes it to invitation.
type Service struct {
	db      *gorm.DB
	gate    *identity.Gate
	store   *identity.TokenStore
	invites *invitation.Service
	api     ProfileAPI
	cfg     *config.Config

	// one batch per category at a time within this process; cross-process
	// exclusion is the scheduler's responsibility (single sync worker).
	mu map[Category]*gosync.Mutex
}

type Params struct {
	fx.In
	DB      *gorm.DB
	Gate    *identity.Gate
	Store   *identity.TokenStore
	Invites *invitation.Service
	API     ProfileAPI
	Config  *config.Config
}

func NewService(p Params) *Service {
	mu := make(map[Category]*gosync.Mutex)
	for _, c := range []Category{CategoryAffiliation, CategoryWork, CategoryFunding, CategoryPeerReview} {
		mu[c] = &gosync.Mutex{}
	}
	return &Service{
		db:      p.DB,
		gate:    p.Gate,
		store:   p.Store,
		invites: p.Invites,
		api:     p.API,
		cfg:     p.Config,
		mu:      mu,
	}
}

// groupKey identifies one (task, organisation, resolved user) group. An
// unresolved user contributes zero, which is safe because the invitation
// path sub-groups by invitee identity anyway.
type groupKey struct {
	TaskID int64
	OrgID  int64
	UserID int64
}

type row struct {
	record  *Record
	invitee *Invitee
	user    *identity.User
}

type group struct {
	key  groupKey
	task *Task
	org  *identity.Organisation
	user *identity.User
	rows []row
}

// RunBatch processes up to maxRows unprocessed, active records of one
// category. It returns the IDs of every task it touched so the caller
// can re-scan them for completion. Failures of one group never cross the
// group boundary; only a failure to iterate the batch at all is fatal.
func (s *Service) RunBatch(ctx context.Context, category Category, maxRows int) ([]int64, error) {
	s.mu[category].Lock()
	defer s.mu[category].Unlock()

	span := trace.SpanFromContext(ctx)
	zapLog := zap.L().With(
		zap.String("category", category.String()),
		zap.String("trace_id", span.SpanContext().TraceID().String()),
	)

	groups, err := s.collectGroups(ctx, category, maxRows)
	if err != nil {
		return nil, fmt.Errorf("sync: cannot select %s records: %w", category, err)
	}
	if len(groups) == 0 {
		return nil, nil
	}

	touched := make([]int64, 0, len(groups))
	seen := make(map[int64]struct{})

	for _, g := range groups {
		if _, ok := seen[g.key.TaskID]; !ok {
			seen[g.key.TaskID] = struct{}{}
			touched = append(touched, g.key.TaskID)
		}

		decision, err := s.gate.Check(ctx, g.user, g.key.OrgID)
		if err != nil {
			zapLog.Error("token lookup failed, skipping group",
				zap.Int64("task_id", g.key.TaskID), zap.Error(err))
			continue
		}

		if !decision.Usable {
			s.inviteGroup(ctx, zapLog, g)
		} else {
			s.syncGroup(ctx, zapLog, g, decision.Token)
		}
	}
	return touched, nil
}

// Batch entrypoints, one per category, invoked by the scheduler.

func (s *Service) RunAffiliationBatch(ctx context.Context, maxRows int) ([]int64, error) {
	return s.RunBatch(ctx, CategoryAffiliation, maxRows)
}

func (s *Service) RunWorkBatch(ctx context.Context, maxRows int) ([]int64, error) {
	return s.RunBatch(ctx, CategoryWork, maxRows)
}

func (s *Service) RunFundingBatch(ctx context.Context, maxRows int) ([]int64, error) {
	return s.RunBatch(ctx, CategoryFunding, maxRows)
}

func (s *Service) RunPeerReviewBatch(ctx context.Context, maxRows int) ([]int64, error) {
	return s.RunBatch(ctx, CategoryPeerReview, maxRows)
}

// collectGroups selects the batch window in ascending record-ID order and
// folds it into (task, org, user) groups, preserving encounter order so
// invitation and matching tie-breaks stay deterministic.
func (s *Service) collectGroups(ctx context.Context, category Category, maxRows int) ([]*group, error) {
	var records []*Record
	query := s.db.WithContext(ctx).
		Joins("JOIN tasks ON tasks.id = records.task_id").
		Where("records.category = ?", category).
		Where("records.is_active = ?", true).
		Where("records.processed_at IS NULL").
		Where("tasks.completed_at IS NULL").
		Order("records.id ASC").
		Preload("Invitee")
	if maxRows > 0 {
		query = query.Limit(maxRows)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}

	tasks := make(map[int64]*Task)
	orgs := make(map[int64]*identity.Organisation)
	users := make(map[string]*identity.User)

	var ordered []*group
	index := make(map[groupKey]*group)

	for _, r := range records {
		if r.Invitee == nil || r.Invitee.ProcessedAt != nil {
			continue
		}

		task, ok := tasks[r.TaskID]
		if !ok {
			task = &Task{}
			if err := s.db.WithContext(ctx).First(task, r.TaskID).Error; err != nil {
				return nil, err
			}
			tasks[r.TaskID] = task
		}

		org, ok := orgs[task.OrganisationID]
		if !ok {
			org = &identity.Organisation{}
			if err := s.db.WithContext(ctx).First(org, task.OrganisationID).Error; err != nil {
				return nil, err
			}
			orgs[task.OrganisationID] = org
		}

		userKey := strings.ToLower(r.Invitee.Email) + "|" + r.Invitee.Orcid
		user, ok := users[userKey]
		if !ok {
			var err error
			user, err = identity.Resolve(ctx, s.db, r.Invitee.Email, r.Invitee.Orcid)
			if err != nil {
				return nil, err
			}
			users[userKey] = user
		}

		key := groupKey{TaskID: task.ID, OrgID: task.OrganisationID}
		if user != nil {
			key.UserID = user.ID
		}
		g, ok := index[key]
		if !ok {
			g = &group{key: key, task: task, org: org, user: user}
			index[key] = g
			ordered = append(ordered, g)
		}
		g.rows = append(g.rows, row{record: r, invitee: r.Invitee, user: user})
	}
	return ordered, nil
}

// inviteKey is the explicit grouping key for invitation dispatch: one
// invitation per distinct tuple, however many records it backs.
type inviteKey struct {
	InviterID int64
	OrgID     int64
	Email     string
	FirstName string
	LastName  string
}

// inviteGroup routes a group with no usable credential to invitation.
// Dispatch failure marks the tuple's records processed with a failure
// line so the batch does not retry them within the same window.
func (s *Service) inviteGroup(ctx context.Context, zapLog *zap.Logger, g *group) {
	inviter := &identity.User{}
	if err := s.db.WithContext(ctx).First(inviter, g.task.CreatedByID).Error; err != nil {
		zapLog.Error("cannot load task creator, skipping invitations",
			zap.Int64("task_id", g.task.ID), zap.Error(err))
		return
	}

	type tuple struct {
		key  inviteKey
		rows []row
		bits identity.Affiliation
	}
	var ordered []*tuple
	index := make(map[inviteKey]*tuple)

	for _, rw := range g.rows {
		// An already-invited record waits for a credential; do not
		// re-invite it every run.
		if strings.Contains(rw.invitee.Status, "sent") {
			continue
		}
		key := inviteKey{
			InviterID: inviter.ID,
			OrgID:     g.org.ID,
			Email:     strings.ToLower(rw.invitee.Email),
			FirstName: rw.invitee.FirstName,
			LastName:  rw.invitee.LastName,
		}
		t, ok := index[key]
		if !ok {
			t = &tuple{key: key}
			index[key] = t
			ordered = append(ordered, t)
		}
		t.rows = append(t.rows, rw)
		if g.task.Category == CategoryAffiliation {
			t.bits |= identity.AffiliationFromType(rw.record.AffiliationType)
		}
	}

	for _, t := range ordered {
		ttl := s.cfg.Invitation.FirstTTL
		if s.hasResetStatus(ctx, g.task.ID, t.key.Email) {
			ttl = s.cfg.Invitation.ResetTTL
		}

		_, err := s.invites.Send(ctx, invitation.Request{
			Inviter:      inviter,
			Org:          g.org,
			Email:        t.key.Email,
			FirstName:    t.key.FirstName,
			LastName:     t.key.LastName,
			TaskID:       &g.task.ID,
			Affiliations: t.bits,
			TTL:          ttl,
		})

		now := time.Now().UTC()
		if err != nil {
			zapLog.Error("invitation dispatch failed",
				zap.String("email", t.key.Email), zap.Error(err))
			for _, rw := range t.rows {
				rw.record.AddStatusLine(fmt.Sprintf("Failed to send an invitation: %v.", err))
				rw.invitee.AddStatusLine(fmt.Sprintf("Failed to send an invitation: %v.", err))
				rw.record.ProcessedAt = &now
				rw.invitee.ProcessedAt = &now
				s.saveRow(ctx, zapLog, rw)
			}
			continue
		}

		line := "The invitation sent at " + now.Format("2006-01-02T15:04:05")
		for _, rw := range t.rows {
			rw.record.AddStatusLine(line)
			rw.invitee.AddStatusLine(line)
			s.saveRow(ctx, zapLog, rw)
		}
	}
}

// hasResetStatus reports whether any invitee of the task with this email
// was flagged for re-invitation after a manual reset; such invitations
// get the shorter expiry.
func (s *Service) hasResetStatus(ctx context.Context, taskID int64, email string) bool {
	var count int64
	err := s.db.WithContext(ctx).Model(&Invitee{}).
		Joins("JOIN records ON records.id = invitees.record_id").
		Where("records.task_id = ?", taskID).
		Where("invitees.email = ?", email).
		Where("invitees.status LIKE ?", "%reset%").
		Count(&count).Error
	if err != nil {
		zap.L().Error("reset status lookup failed", zap.Error(err))
		return false
	}
	return count > 0
}

// syncGroup reconciles one group against the remote profile: fetch the
// profile once, match put-codes, then create or update every record. One
// failing record never blocks its siblings.
func (s *Service) syncGroup(ctx context.Context, zapLog *zap.Logger, g *group, token *identity.OrcidToken) {
	profile, err := s.api.GetProfile(ctx, token.AccessToken, g.user.Orcid, g.org.OrcidClientID)
	if err != nil {
		if errors.Is(err, orcid.ErrUnauthorized) {
			// Access revoked: drop the cached credential so the next
			// batch routes this user back to invitation.
			if derr := s.store.Invalidate(ctx, token.ID); derr != nil {
				zapLog.Error("cannot invalidate revoked token", zap.Error(derr))
			}
			zapLog.Warn("access revoked; group skipped",
				zap.Int64("user_id", g.user.ID), zap.Int64("org_id", g.org.ID))
			return
		}
		zapLog.Warn("cannot fetch remote profile; group skipped",
			zap.Int64("user_id", g.user.ID), zap.Error(err))
		return
	}
	if profile == nil {
		return
	}

	ops := OpsFor(g.task.Category)
	records := make([]*Record, 0, len(g.rows))
	for _, rw := range g.rows {
		records = append(records, rw.record)
	}
	mc := NewMatchContext(records)
	assignments := Match(ops, profile, records, mc)

	label := g.task.Category.Label()

	for _, rw := range g.rows {
		r, inv := rw.record, rw.invitee

		if g.task.Category == CategoryAffiliation &&
			identity.AffiliationFromType(r.AffiliationType) == identity.AffiliationNone {
			r.AddStatusLine(fmt.Sprintf(
				"Unsupported affiliation type '%s', allowed values are: student, alum, edu, faculty, staff, emp.",
				r.AffiliationType))
			s.markProcessed(ctx, zapLog, rw, label, false)
			continue
		}

		a, matched := assignments[r.ID]
		if matched {
			r.PutCode = &a.PutCode
		}

		if matched && a.Exact && g.task.Category == CategoryAffiliation {
			// The remote entry already equals the record; no call needed.
			r.AddStatusLine(fmt.Sprintf("%s record unchanged.", affiliationLabel(r)))
			inv.PutCode = r.PutCode
			inv.Orcid = g.user.Orcid
			s.markProcessed(ctx, zapLog, rw, label, true)
			continue
		}

		payload := ops.Payload(r, g.org)
		var putCode int64
		var callErr error
		verb := "created"
		if r.PutCode != nil {
			verb = "updated"
			putCode, callErr = s.api.UpdateEntry(ctx, token.AccessToken, g.user.Orcid, ops.Endpoint(r), *r.PutCode, payload)
		} else {
			putCode, callErr = s.api.CreateEntry(ctx, token.AccessToken, g.user.Orcid, ops.Endpoint(r), payload)
		}

		if callErr != nil {
			zapLog.Error("record synchronization failed",
				zap.Int64("record_id", r.ID), zap.Error(callErr))
			inv.AddStatusLine(fmt.Sprintf("Exception occurred processing the record: %v.", callErr))
			r.AddStatusLine(fmt.Sprintf(
				"Error processing record. Fix and reset to enable this record to be processed: %v.", callErr))
			s.markProcessed(ctx, zapLog, rw, label, false)
			continue
		}

		r.PutCode = &putCode
		r.Orcid = g.user.Orcid
		inv.PutCode = &putCode
		inv.Orcid = g.user.Orcid
		inv.AddStatusLine(fmt.Sprintf("%s record was %s.", label, verb))
		s.markProcessed(ctx, zapLog, rw, label, true)
	}
}

// markProcessed stamps the invitee and record; the record mirrors the
// invitee's completion because they share a lifecycle.
func (s *Service) markProcessed(ctx context.Context, zapLog *zap.Logger, rw row, label string, clean bool) {
	now := time.Now().UTC()
	rw.invitee.ProcessedAt = &now
	rw.record.ProcessedAt = &now
	if clean && !rw.record.HasError() {
		rw.record.AddStatusLine(fmt.Sprintf("%s record is processed.", label))
	}
	s.saveRow(ctx, zapLog, rw)
}

func (s *Service) saveRow(ctx context.Context, zapLog *zap.Logger, rw row) {
	if err := s.db.WithContext(ctx).Save(rw.record).Error; err != nil {
		zapLog.Error("cannot persist record", zap.Int64("record_id", rw.record.ID), zap.Error(err))
	}
	if err := s.db.WithContext(ctx).Save(rw.invitee).Error; err != nil {
		zapLog.Error("cannot persist invitee", zap.Int64("invitee_id", rw.invitee.ID), zap.Error(err))
	}
}

func affiliationLabel(r *Record) string {
	if identity.AffiliationFromType(r.AffiliationType) == identity.AffiliationEDU {
		return "Education"
	}
	return "Employment"
}

var Module = fx.Module("sync.module",
	fx.Provide(
		func(c *orcid.Client) ProfileAPI { return c },
		NewService,
	),
)
