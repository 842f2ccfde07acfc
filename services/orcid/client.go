package orcid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"profilehub/pkg/config"
	"profilehub/pkg/errutil"

	"github.com/cenkalti/backoff"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Sentinel failures callers branch on. Anything else is a transient or
// validation failure carried as an errutil.BaseError.
var (
	ErrNotFound     = errutil.BaseError{Code: errutil.CodeNotFound, Message: "profile not found"}
	ErrUnauthorized = errutil.BaseError{Code: errutil.CodeUnauthorized, Message: "access token rejected by the profile service"}
)

// Client talks JSON over HTTPS to the remote profile service. All calls
// are synchronous with a bounded timeout; 5xx responses are retried with
// exponential backoff before surfacing as a transient failure.
type Client struct {
	http    *http.Client
	apiBase string
	maxWait time.Duration
}

func New(cfg *config.Config) *Client {
	return &Client{
		http:    &http.Client{Timeout: cfg.Orcid.Timeout},
		apiBase: strings.TrimRight(cfg.Orcid.APIBaseURL, "/"),
		maxWait: 15 * time.Second,
	}
}

// GetProfile fetches the activities summary of one profile, keeping only
// entries sourced by clientID. Returns ErrNotFound when the profile does
// not exist and ErrUnauthorized when the holder revoked access.
func (c *Client) GetProfile(ctx context.Context, accessToken, orcid, clientID string) (*Profile, error) {
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/%s/activities", c.apiBase, orcid), accessToken, nil)
	if err != nil {
		return nil, err
	}

	var raw profileJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errutil.New(errutil.CodeRemoteUnavailable, "malformed activities summary", errutil.WithErr(err))
	}

	profile := &Profile{Orcid: orcid}
	if raw.Activities == nil {
		return profile, nil
	}
	a := raw.Activities

	if a.Employments != nil {
		profile.Employments = collect(a.Employments.Summaries, clientID)
	}
	if a.Educations != nil {
		profile.Educations = collect(a.Educations.Summaries, clientID)
	}
	if a.Works != nil {
		for _, g := range a.Works.Group {
			if len(g.Summaries) > 0 {
				profile.Works = append(profile.Works, collect(g.Summaries[:1], clientID)...)
			}
		}
	}
	if a.Fundings != nil {
		for _, g := range a.Fundings.Group {
			if len(g.Summaries) > 0 {
				profile.Fundings = append(profile.Fundings, collect(g.Summaries[:1], clientID)...)
			}
		}
	}
	if a.PeerReviews != nil {
		for _, g := range a.PeerReviews.Group {
			profile.PeerReviews = append(profile.PeerReviews, collect(g.Summaries, clientID)...)
		}
	}
	return profile, nil
}

// CreateEntry posts a new activity and returns the put-code the service
// assigned to it.
func (c *Client) CreateEntry(ctx context.Context, accessToken, orcid, endpoint string, payload any) (int64, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return 0, errutil.New(errutil.CodeInvalidRecord, "cannot encode record payload", errutil.WithErr(err))
	}
	location, err := c.doLocation(ctx, http.MethodPost, fmt.Sprintf("%s/%s/%s", c.apiBase, orcid, endpoint), accessToken, buf)
	if err != nil {
		return 0, err
	}
	return putCodeFromLocation(location)
}

// UpdateEntry replaces the activity identified by putCode.
func (c *Client) UpdateEntry(ctx context.Context, accessToken, orcid, endpoint string, putCode int64, payload any) (int64, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return 0, errutil.New(errutil.CodeInvalidRecord, "cannot encode record payload", errutil.WithErr(err))
	}
	if _, err := c.do(ctx, http.MethodPut, fmt.Sprintf("%s/%s/%s/%d", c.apiBase, orcid, endpoint, putCode), accessToken, buf); err != nil {
		return 0, err
	}
	return putCode, nil
}

// RegisterWebhook subscribes callbackURL to profile-update events for the
// given profile. Deregister removes the subscription.
func (c *Client) RegisterWebhook(ctx context.Context, accessToken, orcid, callbackURL string) error {
	_, err := c.do(ctx, http.MethodPut, c.webhookURL(orcid, callbackURL), accessToken, nil)
	return err
}

func (c *Client) DeregisterWebhook(ctx context.Context, accessToken, orcid, callbackURL string) error {
	_, err := c.do(ctx, http.MethodDelete, c.webhookURL(orcid, callbackURL), accessToken, nil)
	return err
}

func (c *Client) webhookURL(orcid, callbackURL string) string {
	return fmt.Sprintf("%s/%s/webhook/%s", c.apiBase, orcid, url.PathEscape(callbackURL))
}

func (c *Client) doLocation(ctx context.Context, method, rawURL, accessToken string, body []byte) (string, error) {
	var location string
	err := c.retry(ctx, func() error {
		resp, err := c.send(ctx, method, rawURL, accessToken, body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := statusError(resp); err != nil {
			return err
		}
		location = resp.Header.Get("Location")
		return nil
	})
	return location, err
}

func (c *Client) do(ctx context.Context, method, rawURL, accessToken string, body []byte) ([]byte, error) {
	var out []byte
	err := c.retry(ctx, func() error {
		resp, err := c.send(ctx, method, rawURL, accessToken, body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := statusError(resp); err != nil {
			return err
		}
		out, err = io.ReadAll(resp.Body)
		return err
	})
	return out, err
}

func (c *Client) send(ctx context.Context, method, rawURL, accessToken string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, backoff.Permanent(errutil.New(errutil.CodeInternal, "build request", errutil.WithErr(err)))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		// transport failure, eligible for retry
		return nil, errutil.New(errutil.CodeTimeout, "profile service unreachable", errutil.WithErr(err))
	}
	return resp, nil
}

func (c *Client) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = c.maxWait
	return backoff.RetryNotify(op, backoff.WithContext(bo, ctx), func(err error, d time.Duration) {
		zap.L().Warn("retrying profile service call", zap.Error(err), zap.Duration("in", d))
	})
}

// statusError maps a non-2xx response to a structured failure. 4xx is
// permanent and stops the retry loop; 5xx is left retryable.
func statusError(resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return backoff.Permanent(ErrUnauthorized)
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(ErrNotFound)
	case resp.StatusCode/100 == 4:
		return backoff.Permanent(errutil.New(errutil.CodeInvalidRecord,
			fmt.Sprintf("profile service rejected the request (%d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))))
	default:
		return errutil.New(errutil.CodeRemoteUnavailable,
			fmt.Sprintf("profile service error (%d)", resp.StatusCode))
	}
}

func collect(summaries []summaryJSON, clientID string) []Entry {
	var out []Entry
	for _, s := range summaries {
		if s.Source == nil || s.Source.SourceClientID == nil || s.Source.SourceClientID.Path != clientID {
			continue
		}
		out = append(out, s.toEntry())
	}
	return out
}

func (s summaryJSON) toEntry() Entry {
	e := Entry{
		PutCode:       s.PutCode,
		Type:          s.Type,
		Department:    s.DepartmentName,
		Role:          s.RoleTitle,
		StartDate:     partialDateString(s.StartDate),
		EndDate:       partialDateString(s.EndDate),
		ReviewGroupID: s.ReviewGroupID,
	}
	if s.Title != nil && s.Title.Title != nil {
		e.Title = s.Title.Title.Value
	}
	if org := s.Organization; org != nil {
		e.OrgName = org.Name
		if org.Address != nil {
			e.City = org.Address.City
			e.Region = org.Address.Region
			e.Country = org.Address.Country
		}
		if org.Disambiguated != nil {
			e.DisambiguatedID = org.Disambiguated.Identifier
			e.DisambiguationSource = org.Disambiguated.Source
		}
	}
	if s.ExternalIDs != nil && len(s.ExternalIDs.ExternalID) > 0 {
		e.ExternalIDValue = s.ExternalIDs.ExternalID[0].Value
	}
	return e
}

func partialDateString(pd *partialDateJSON) string {
	if pd == nil || pd.Year == nil {
		return ""
	}
	out := strconv.Itoa(pd.Year.Value)
	if pd.Month != nil {
		out += fmt.Sprintf("-%02d", pd.Month.Value)
		if pd.Day != nil {
			out += fmt.Sprintf("-%02d", pd.Day.Value)
		}
	}
	return out
}

func putCodeFromLocation(location string) (int64, error) {
	if location == "" {
		return 0, errutil.New(errutil.CodeRemoteUnavailable, "create response carried no location")
	}
	idx := strings.LastIndex(location, "/")
	putCode, err := strconv.ParseInt(location[idx+1:], 10, 64)
	if err != nil {
		return 0, errutil.New(errutil.CodeRemoteUnavailable,
			fmt.Sprintf("cannot parse put-code from location %q", location), errutil.WithErr(err))
	}
	return putCode, nil
}

var Module = fx.Module("orcid.module",
	fx.Provide(
		New,
	),
)
