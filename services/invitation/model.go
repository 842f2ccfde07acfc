package invitation

import (
	"time"

	"profilehub/services/identity"
)

// UserInvitation is the audit row written for every dispatched invitation.
// DispatchedAt stays nil when the notification send failed, which flags
// the row for a later retry.
type UserInvitation struct {
	ID                   int64                `gorm:"column:id;primaryKey"`
	TaskID               *int64               `gorm:"column:task_id;index"`
	InviteeID            int64                `gorm:"column:invitee_id;index;not null"`
	InviterID            int64                `gorm:"column:inviter_id;not null"`
	OrganisationID       int64                `gorm:"column:organisation_id;index;not null"`
	Email                string               `gorm:"column:email;index;not null"`
	FirstName            string               `gorm:"column:first_name"`
	LastName             string               `gorm:"column:last_name"`
	Affiliations         identity.Affiliation `gorm:"column:affiliations;default:0"`
	Organisation         string               `gorm:"column:organisation"`
	DisambiguatedID      string               `gorm:"column:disambiguated_id"`
	DisambiguationSource string               `gorm:"column:disambiguation_source"`
	Token                string               `gorm:"column:token;not null"`
	DispatchedAt         *time.Time           `gorm:"column:dispatched_at"`
	CreatedAt            time.Time            `gorm:"autoCreateTime"`
}
