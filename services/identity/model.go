package identity

import (
	"strings"
	"time"
)

// Affiliation is the bitmask of affiliation kinds a user holds with an
// organisation. Bits are only ever OR-ed in, never cleared by the engine.
type Affiliation uint

const (
	AffiliationNone Affiliation = 0
	AffiliationEDU  Affiliation = 1 << 0
	AffiliationEMP  Affiliation = 1 << 1
)

func (a Affiliation) String() string {
	var parts []string
	if a&AffiliationEDU != 0 {
		parts = append(parts, "Education")
	}
	if a&AffiliationEMP != 0 {
		parts = append(parts, "Employment")
	}
	if len(parts) == 0 {
		return "None"
	}
	return strings.Join(parts, ", ")
}

// AffiliationFromType maps a raw affiliation-type value from an uploaded
// record onto the bitmask. Unknown values map to AffiliationNone.
func AffiliationFromType(affiliationType string) Affiliation {
	switch strings.ToLower(affiliationType) {
	case "faculty", "staff", "emp", "employment":
		return AffiliationEMP
	case "student", "alum", "edu", "education":
		return AffiliationEDU
	default:
		return AffiliationNone
	}
}

type Role uint

const (
	RoleResearcher Role = 1 << 0
	RoleAdmin      Role = 1 << 1
)

type Organisation struct {
	ID                   int64     `gorm:"column:id;primaryKey"`
	Name                 string    `gorm:"column:name;uniqueIndex;not null"`
	OrcidClientID        string    `gorm:"column:orcid_client_id"`
	OrcidClientSecret    string    `gorm:"column:orcid_client_secret"`
	DisambiguatedID      string    `gorm:"column:disambiguated_id"`
	DisambiguationSource string    `gorm:"column:disambiguation_source"`
	City                 string    `gorm:"column:city"`
	Region               string    `gorm:"column:region"`
	Country              string    `gorm:"column:country"`
	WebhookEnabled       bool      `gorm:"column:webhook_enabled;default:false"`
	WebhookURL           string    `gorm:"column:webhook_url"`
	CreatedAt            time.Time `gorm:"autoCreateTime"`
	UpdatedAt            time.Time `gorm:"autoUpdateTime"`
}

type User struct {
	ID             int64     `gorm:"column:id;primaryKey"`
	Email          string    `gorm:"column:email;uniqueIndex;not null"`
	FirstName      string    `gorm:"column:first_name"`
	LastName       string    `gorm:"column:last_name"`
	Orcid          string    `gorm:"column:orcid;index"`
	Roles          Role      `gorm:"column:roles;default:0"`
	OrganisationID *int64    `gorm:"column:organisation_id;index"`
	WebhookEnabled bool      `gorm:"column:webhook_enabled;default:false"`
	CreatedByID    *int64    `gorm:"column:created_by_id"`
	UpdatedByID    *int64    `gorm:"column:updated_by_id"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

// Name renders the user's display name the way notifications address them.
func (u *User) Name() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Email
	}
	return name
}

type UserOrg struct {
	ID             int64       `gorm:"column:id;primaryKey"`
	UserID         int64       `gorm:"column:user_id;uniqueIndex:idx_user_org;not null"`
	OrganisationID int64       `gorm:"column:organisation_id;uniqueIndex:idx_user_org;not null"`
	Affiliations   Affiliation `gorm:"column:affiliations;default:0"`
	CreatedByID    *int64      `gorm:"column:created_by_id"`
	UpdatedByID    *int64      `gorm:"column:updated_by_id"`
	CreatedAt      time.Time   `gorm:"autoCreateTime"`
	UpdatedAt      time.Time   `gorm:"autoUpdateTime"`
}

// OrcidToken is a scoped credential authorizing remote-profile writes for
// one user on behalf of one organisation. Org-level client-credentials
// tokens (webhook scope) have a nil UserID.
type OrcidToken struct {
	ID             int64     `gorm:"column:id;primaryKey"`
	UserID         *int64    `gorm:"column:user_id;index"`
	OrganisationID int64     `gorm:"column:organisation_id;index;not null"`
	Scope          string    `gorm:"column:scope;not null"`
	AccessToken    string    `gorm:"column:access_token;not null"`
	RefreshToken   string    `gorm:"column:refresh_token"`
	ExpiresIn      int64     `gorm:"column:expires_in"`
	IssuedAt       time.Time `gorm:"autoCreateTime"`
}

// Scope classes. A scope string may carry several scopes; class membership
// is substring containment, mirroring what the remote service issues.
const (
	ScopeActivitiesUpdate = "/activities/update"
	ScopeWebhook          = "/webhook"
)
