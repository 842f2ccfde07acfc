package sync

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Category identifies which kind of staged records a task carries.
type Category string

const (
	CategoryAffiliation Category = "affiliation"
	CategoryWork        Category = "work"
	CategoryFunding     Category = "funding"
	CategoryPeerReview  Category = "peer-review"
)

func (c Category) String() string { return string(c) }

// Label is the human-readable name used in status lines and
// notifications.
func (c Category) Label() string {
	switch c {
	case CategoryAffiliation:
		return "Affiliation"
	case CategoryWork:
		return "Work"
	case CategoryFunding:
		return "Funding"
	case CategoryPeerReview:
		return "Peer Review"
	default:
		return string(c)
	}
}

// Task is one uploaded batch of records of a single category, owned by
// the organisation that uploaded it.
type Task struct {
	ID               int64      `gorm:"column:id;primaryKey"`
	Category         Category   `gorm:"column:category;index;not null"`
	OrganisationID   int64      `gorm:"column:organisation_id;index;not null"`
	CreatedByID      int64      `gorm:"column:created_by_id;not null"`
	Filename         string     `gorm:"column:filename"`
	RecordCount      int        `gorm:"column:record_count;default:0"`
	CompletedAt      *time.Time `gorm:"column:completed_at"`
	ExpiresAt        *time.Time `gorm:"column:expires_at;index"`
	ExpiryNotifiedAt *time.Time `gorm:"column:expiry_notified_at"`
	CreatedAt        time.Time  `gorm:"autoCreateTime"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime"`
}

// Record is one staged entry within a task. It carries the superset of
// category-specific payload fields; which of them are meaningful is
// decided by the task's category.
type Record struct {
	ID                   int64          `gorm:"column:id;primaryKey"`
	TaskID               int64          `gorm:"column:task_id;index;not null"`
	Category             Category       `gorm:"column:category;index;not null"`
	AffiliationType      string         `gorm:"column:affiliation_type"`
	Title                string         `gorm:"column:title"`
	Type                 string         `gorm:"column:type"`
	Role                 string         `gorm:"column:role"`
	Department           string         `gorm:"column:department"`
	OrgName              string         `gorm:"column:org_name"`
	City                 string         `gorm:"column:city"`
	Region               string         `gorm:"column:region"`
	Country              string         `gorm:"column:country"`
	StartDate            PartialDate    `gorm:"column:start_date;type:varchar(10)"`
	EndDate              PartialDate    `gorm:"column:end_date;type:varchar(10)"`
	DisambiguatedID      string         `gorm:"column:disambiguated_id"`
	DisambiguationSource string         `gorm:"column:disambiguation_source"`
	ReviewGroupID        string         `gorm:"column:review_group_id"`
	ExternalIDs          datatypes.JSON `gorm:"column:external_ids"`
	IsActive             bool           `gorm:"column:is_active;default:true"`
	Status               string         `gorm:"column:status;type:text"`
	PutCode              *int64         `gorm:"column:put_code"`
	Orcid                string         `gorm:"column:orcid"`
	ProcessedAt          *time.Time     `gorm:"column:processed_at;index"`
	CreatedAt            time.Time      `gorm:"autoCreateTime"`
	UpdatedAt            time.Time      `gorm:"autoUpdateTime"`

	Invitee *Invitee `gorm:"foreignKey:RecordID"`
}

// Invitee identifies the person a record is about. Exactly one per
// record; several records may share the same email and are invited once.
type Invitee struct {
	ID          int64      `gorm:"column:id;primaryKey"`
	RecordID    int64      `gorm:"column:record_id;uniqueIndex;not null"`
	Email       string     `gorm:"column:email;index;not null"`
	FirstName   string     `gorm:"column:first_name"`
	LastName    string     `gorm:"column:last_name"`
	Orcid       string     `gorm:"column:orcid"`
	PutCode     *int64     `gorm:"column:put_code"`
	Status      string     `gorm:"column:status;type:text"`
	ProcessedAt *time.Time `gorm:"column:processed_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime"`
}

// ExternalID is one external identifier of a peer-review record, stored
// in the record's JSON column.
type ExternalID struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ExternalIDValues decodes the record's external identifier values in
// their stored order.
func (r *Record) ExternalIDValues() []string {
	if len(r.ExternalIDs) == 0 {
		return nil
	}
	var ids []ExternalID
	if err := json.Unmarshal(r.ExternalIDs, &ids); err != nil {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id.Value != "" {
			out = append(out, id.Value)
		}
	}
	return out
}

// appendStatus appends a timestamped line to a free-text status log.
func appendStatus(status, line string) string {
	stamped := time.Now().UTC().Format("2006-01-02T15:04:05") + " " + line
	if status == "" {
		return stamped
	}
	return status + "\n" + stamped
}

func (r *Record) AddStatusLine(line string) {
	r.Status = appendStatus(r.Status, line)
}

func (i *Invitee) AddStatusLine(line string) {
	i.Status = appendStatus(i.Status, line)
}

// HasError reports whether any status line carries the error marker the
// completion counts look for.
func (r *Record) HasError() bool {
	return strings.Contains(strings.ToLower(r.Status), "error")
}
