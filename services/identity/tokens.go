package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// TokenStore owns AccessToken persistence. At most one active token exists
// per (user, organisation, scope class); Upsert enforces this by deleting
// prior tokens of the class in the same transaction.
type TokenStore struct {
	db   *gorm.DB
	node *snowflake.Node
}

func NewTokenStore(db *gorm.DB, node *snowflake.Node) *TokenStore {
	return &TokenStore{db: db, node: node}
}

// Find returns the token for (user, org) whose scope contains scopeClass,
// or nil when none exists. A nil userID looks up org-level tokens.
func (s *TokenStore) Find(ctx context.Context, userID *int64, orgID int64, scopeClass string) (*OrcidToken, error) {
	query := s.db.WithContext(ctx).
		Where("organisation_id = ?", orgID).
		Where("scope LIKE ?", "%"+scopeClass+"%")
	if userID != nil {
		query = query.Where("user_id = ?", *userID)
	} else {
		query = query.Where("user_id IS NULL")
	}

	var token OrcidToken
	if err := query.First(&token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &token, nil
}

// Upsert stores a freshly granted token, invalidating any prior token of
// the same scope class for the pair.
func (s *TokenStore) Upsert(ctx context.Context, token *OrcidToken, scopeClass string) error {
	if token.ID == 0 {
		token.ID = s.node.Generate().Int64()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		del := tx.Where("organisation_id = ?", token.OrganisationID).
			Where("scope LIKE ?", "%"+scopeClass+"%")
		if token.UserID != nil {
			del = del.Where("user_id = ?", *token.UserID)
		} else {
			del = del.Where("user_id IS NULL")
		}
		if err := del.Delete(&OrcidToken{}).Error; err != nil {
			return err
		}
		return tx.Create(token).Error
	})
}

// Invalidate removes a token the remote service reported as revoked, so
// future batches route the user back to invitation.
func (s *TokenStore) Invalidate(ctx context.Context, tokenID int64) error {
	return s.db.WithContext(ctx).Delete(&OrcidToken{}, tokenID).Error
}

// GateDecision is the TokenGate verdict for one (user, organisation) pair.
type GateDecision struct {
	Usable bool
	Token  *OrcidToken
}

// Gate decides whether a record can be synchronized for its resolved user
// or must be routed to invitation instead.
type Gate struct {
	store *TokenStore
}

func NewGate(store *TokenStore) *Gate {
	return &Gate{store: store}
}

// Check returns a usable decision only when the user exists, has a linked
// remote profile identifier, and holds a write-scoped token for the
// organisation. Absence never produces an error: it routes to invitation.
func (g *Gate) Check(ctx context.Context, user *User, orgID int64) (GateDecision, error) {
	if user == nil || user.ID == 0 || user.Orcid == "" {
		return GateDecision{}, nil
	}
	token, err := g.store.Find(ctx, &user.ID, orgID, ScopeActivitiesUpdate)
	if err != nil {
		return GateDecision{}, err
	}
	if token == nil {
		return GateDecision{}, nil
	}
	return GateDecision{Usable: true, Token: token}, nil
}

// Resolve finds the local user an invitee refers to, by email first and
// falling back to the remote profile identifier.
func Resolve(ctx context.Context, db *gorm.DB, email, orcid string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var user User
	err := db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if orcid != "" {
		err = db.WithContext(ctx).Where("orcid = ?", orcid).First(&user).Error
		if err == nil {
			return &user, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, nil
}
