package sync

import (
	"encoding/json"

	"profilehub/services/identity"
	"profilehub/services/orcid"
)

// CategoryOps is the category-specific capability the orchestrator and
// matcher are generic over: which remote entries a record competes with,
// when an entry matches it, and how its payload is sent to the remote
// service.
type CategoryOps interface {
	Category() Category

	// Endpoint is the remote resource path segment for the record.
	Endpoint(r *Record) string

	// RemoteEntries returns the profile entries a record may match.
	RemoteEntries(p *orcid.Profile, r *Record) []orcid.Entry

	// ExactMatch reports whether every comparable field of the entry
	// equals the record's.
	ExactMatch(e orcid.Entry, r *Record) bool

	// FallbackMatch reports whether the entry matches the record on the
	// reduced key. The empty-stub case is handled by the matcher itself.
	FallbackMatch(e orcid.Entry, r *Record) bool

	// Payload builds the remote representation of the record.
	Payload(r *Record, org *identity.Organisation) any
}

// OpsFor returns the capability for a category.
func OpsFor(c Category) CategoryOps {
	switch c {
	case CategoryAffiliation:
		return affiliationOps{}
	case CategoryWork:
		return workOps{}
	case CategoryFunding:
		return fundingOps{}
	case CategoryPeerReview:
		return peerReviewOps{}
	default:
		return nil
	}
}

type affiliationOps struct{}

func (affiliationOps) Category() Category { return CategoryAffiliation }

func (affiliationOps) Endpoint(r *Record) string {
	if identity.AffiliationFromType(r.AffiliationType) == identity.AffiliationEDU {
		return "education"
	}
	return "employment"
}

func (affiliationOps) RemoteEntries(p *orcid.Profile, r *Record) []orcid.Entry {
	if identity.AffiliationFromType(r.AffiliationType) == identity.AffiliationEDU {
		return p.Educations
	}
	return p.Employments
}

func (affiliationOps) ExactMatch(e orcid.Entry, r *Record) bool {
	return e.StartDate == r.StartDate.String() &&
		e.EndDate == r.EndDate.String() &&
		e.Department == r.Department &&
		e.Role == r.Role &&
		e.OrgName == r.OrgName &&
		e.City == r.City &&
		e.Region == r.Region &&
		e.Country == r.Country &&
		e.DisambiguatedID == r.DisambiguatedID &&
		e.DisambiguationSource == r.DisambiguationSource
}

func (affiliationOps) FallbackMatch(e orcid.Entry, r *Record) bool {
	return e.StartDate == r.StartDate.String() &&
		e.Department == r.Department &&
		e.Role == r.Role
}

func (affiliationOps) Payload(r *Record, org *identity.Organisation) any {
	payload := map[string]any{
		"department-name": r.Department,
		"role-title":      r.Role,
		"organization":    orgPayload(r, org),
	}
	if !r.StartDate.IsZero() {
		payload["start-date"] = datePayload(r.StartDate)
	}
	if !r.EndDate.IsZero() {
		payload["end-date"] = datePayload(r.EndDate)
	}
	return payload
}

type workOps struct{}

func (workOps) Category() Category                                      { return CategoryWork }
func (workOps) Endpoint(*Record) string                                 { return "work" }
func (workOps) RemoteEntries(p *orcid.Profile, _ *Record) []orcid.Entry { return p.Works }

func (workOps) ExactMatch(e orcid.Entry, r *Record) bool {
	return e.Title == r.Title && e.Type == r.Type
}

func (workOps) FallbackMatch(e orcid.Entry, r *Record) bool {
	return e.Title == r.Title && e.Type == r.Type
}

func (workOps) Payload(r *Record, _ *identity.Organisation) any {
	return map[string]any{
		"title": map[string]any{"title": map[string]any{"value": r.Title}},
		"type":  r.Type,
	}
}

type fundingOps struct{}

func (fundingOps) Category() Category                                      { return CategoryFunding }
func (fundingOps) Endpoint(*Record) string                                 { return "funding" }
func (fundingOps) RemoteEntries(p *orcid.Profile, _ *Record) []orcid.Entry { return p.Fundings }

func (fundingOps) ExactMatch(e orcid.Entry, r *Record) bool {
	return e.Title == r.Title && e.Type == r.Type && e.OrgName == r.OrgName
}

func (fundingOps) FallbackMatch(e orcid.Entry, r *Record) bool {
	return e.Title == r.Title && e.Type == r.Type && e.OrgName == r.OrgName
}

func (fundingOps) Payload(r *Record, org *identity.Organisation) any {
	return map[string]any{
		"title":        map[string]any{"title": map[string]any{"value": r.Title}},
		"type":         r.Type,
		"organization": orgPayload(r, org),
	}
}

type peerReviewOps struct{}

func (peerReviewOps) Category() Category                                      { return CategoryPeerReview }
func (peerReviewOps) Endpoint(*Record) string                                 { return "peer-review" }
func (peerReviewOps) RemoteEntries(p *orcid.Profile, _ *Record) []orcid.Entry { return p.PeerReviews }

func (o peerReviewOps) ExactMatch(e orcid.Entry, r *Record) bool {
	return o.FallbackMatch(e, r)
}

// FallbackMatch requires the review group to match and the entry's first
// external identifier value to be one of the record's.
func (peerReviewOps) FallbackMatch(e orcid.Entry, r *Record) bool {
	if e.ReviewGroupID == "" || e.ReviewGroupID != r.ReviewGroupID {
		return false
	}
	for _, v := range r.ExternalIDValues() {
		if v == e.ExternalIDValue {
			return true
		}
	}
	return false
}

func (peerReviewOps) Payload(r *Record, org *identity.Organisation) any {
	externalIDs := []map[string]any{}
	var ids []ExternalID
	if len(r.ExternalIDs) > 0 {
		_ = json.Unmarshal(r.ExternalIDs, &ids)
	}
	for _, id := range ids {
		externalIDs = append(externalIDs, map[string]any{
			"external-id-type":  id.Type,
			"external-id-value": id.Value,
		})
	}
	return map[string]any{
		"review-group-id":        r.ReviewGroupID,
		"review-type":            r.Type,
		"external-ids":           map[string]any{"external-id": externalIDs},
		"convening-organization": orgPayload(r, org),
	}
}

func orgPayload(r *Record, org *identity.Organisation) map[string]any {
	name, city, region, country := r.OrgName, r.City, r.Region, r.Country
	disambiguatedID, disambiguationSource := r.DisambiguatedID, r.DisambiguationSource
	if org != nil {
		if name == "" {
			name = org.Name
		}
		if city == "" {
			city = org.City
		}
		if country == "" {
			country = org.Country
		}
		if disambiguatedID == "" {
			disambiguatedID = org.DisambiguatedID
			disambiguationSource = org.DisambiguationSource
		}
	}
	payload := map[string]any{
		"name": name,
		"address": map[string]any{
			"city":    city,
			"region":  region,
			"country": country,
		},
	}
	if disambiguatedID != "" {
		payload["disambiguated-organization"] = map[string]any{
			"disambiguated-organization-identifier": disambiguatedID,
			"disambiguation-source":                 disambiguationSource,
		}
	}
	return payload
}

func datePayload(d PartialDate) map[string]any {
	out := map[string]any{"year": map[string]any{"value": d.Year}}
	if d.Month > 0 {
		out["month"] = map[string]any{"value": d.Month}
	}
	if d.Day > 0 {
		out["day"] = map[string]any{"value": d.Day}
	}
	return out
}
