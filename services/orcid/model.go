package orcid

// Entry is one existing activity on a remote profile, flattened to the
// fields the matcher compares. PutCode is the identifier the remote
// service assigned on creation.
type Entry struct {
	PutCode              int64
	Title                string
	Type                 string
	OrgName              string
	Department           string
	Role                 string
	StartDate            string
	EndDate              string
	City                 string
	Region               string
	Country              string
	DisambiguatedID      string
	DisambiguationSource string
	ReviewGroupID        string
	ExternalIDValue      string
}

// Empty reports whether the entry is an essentially empty stub with no
// comparable fields set on the remote side.
func (e Entry) Empty() bool {
	return e.Title == "" && e.Type == "" && e.Department == "" && e.Role == "" &&
		e.StartDate == "" && e.EndDate == "" && e.OrgName == "" && e.ReviewGroupID == ""
}

// Profile is the activities summary of one remote profile, filtered to
// the entries sourced by the requesting organisation's client id.
type Profile struct {
	Orcid       string
	Employments []Entry
	Educations  []Entry
	Works       []Entry
	Fundings    []Entry
	PeerReviews []Entry
}

// Raw JSON shapes of the remote activities summary.

type value struct {
	Value string `json:"value"`
}

type intValue struct {
	Value int `json:"value"`
}

type partialDateJSON struct {
	Year  *intValue `json:"year"`
	Month *intValue `json:"month"`
	Day   *intValue `json:"day"`
}

type titleJSON struct {
	Title *value `json:"title"`
}

type disambiguatedOrgJSON struct {
	Identifier string `json:"disambiguated-organization-identifier"`
	Source     string `json:"disambiguation-source"`
}

type addressJSON struct {
	City    string `json:"city"`
	Region  string `json:"region"`
	Country string `json:"country"`
}

type organizationJSON struct {
	Name          string                `json:"name"`
	Address       *addressJSON          `json:"address"`
	Disambiguated *disambiguatedOrgJSON `json:"disambiguated-organization"`
}

type sourceJSON struct {
	SourceClientID *struct {
		Path string `json:"path"`
	} `json:"source-client-id"`
}

type externalIDJSON struct {
	Value string `json:"external-id-value"`
}

type externalIDsJSON struct {
	ExternalID []externalIDJSON `json:"external-id"`
}

type summaryJSON struct {
	PutCode        int64             `json:"put-code"`
	Source         *sourceJSON       `json:"source"`
	Title          *titleJSON        `json:"title"`
	Type           string            `json:"type"`
	DepartmentName string            `json:"department-name"`
	RoleTitle      string            `json:"role-title"`
	StartDate      *partialDateJSON  `json:"start-date"`
	EndDate        *partialDateJSON  `json:"end-date"`
	Organization   *organizationJSON `json:"organization"`
	ReviewGroupID  string            `json:"review-group-id"`
	ExternalIDs    *externalIDsJSON  `json:"external-ids"`
}

type activitiesJSON struct {
	Employments *struct {
		Summaries []summaryJSON `json:"employment-summary"`
	} `json:"employments"`
	Educations *struct {
		Summaries []summaryJSON `json:"education-summary"`
	} `json:"educations"`
	Works *struct {
		Group []struct {
			Summaries []summaryJSON `json:"work-summary"`
		} `json:"group"`
	} `json:"works"`
	Fundings *struct {
		Group []struct {
			Summaries []summaryJSON `json:"funding-summary"`
		} `json:"group"`
	} `json:"fundings"`
	PeerReviews *struct {
		Group []struct {
			Summaries []summaryJSON `json:"peer-review-summary"`
		} `json:"group"`
	} `json:"peer-reviews"`
}

type profileJSON struct {
	Activities *activitiesJSON `json:"activities-summary"`
}
