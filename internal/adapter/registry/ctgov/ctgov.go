// Package ctgov adapts the ClinicalTrials.gov API v2. Token pagination,
// JSON studies, incremental filtering through the LastUpdatePostDate search
// area.
package ctgov

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/fetch"
	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/registry"
	"github.com/SebastianBO/globaltrial-sub000/internal/config"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
	"github.com/SebastianBO/globaltrial-sub000/internal/normalize"
)

const pageSize = 100

// Adapter scrapes ClinicalTrials.gov.
type Adapter struct {
	client *fetch.Client
	base   string
	maps   *config.RegistryMappings
}

// New constructs the adapter against cfg's CTGov endpoint.
func New(client *fetch.Client, cfg config.Config, maps *config.RegistryMappings) *Adapter {
	return &Adapter{
		client: client,
		base:   strings.TrimRight(cfg.CTGovBaseURL, "/"),
		maps:   maps,
	}
}

// Registry implements registry.Adapter.
func (a *Adapter) Registry() string { return domain.RegistryCTGov }

// cursor carries the opaque page token plus the date filter the run was
// started with, so resumed runs keep filtering identically.
type cursor struct {
	PageToken string `json:"page_token,omitempty"`
	Since     string `json:"since,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
}

// SinceCursor implements registry.Incremental.
func (a *Adapter) SinceCursor(since time.Time) registry.Cursor {
	b, _ := json.Marshal(cursor{Since: since.UTC().Format("2006-01-02")})
	return b
}

// WindowCursor implements registry.Windowed.
func (a *Adapter) WindowCursor(from, to time.Time) registry.Cursor {
	b, _ := json.Marshal(cursor{
		From: from.UTC().Format("2006-01-02"),
		To:   to.UTC().Format("2006-01-02"),
	})
	return b
}

// studiesResponse is the page envelope of GET /studies.
type studiesResponse struct {
	TotalCount    int64             `json:"totalCount"`
	NextPageToken string            `json:"nextPageToken"`
	Studies       []json.RawMessage `json:"studies"`
}

// FetchPage implements registry.Adapter.
func (a *Adapter) FetchPage(ctx domain.Context, cur registry.Cursor) (registry.Page, error) {
	var c cursor
	if len(cur) > 0 {
		if err := json.Unmarshal(cur, &c); err != nil {
			return registry.Page{}, fmt.Errorf("op=ctgov.fetch_page: %w: cursor: %v", domain.ErrInvalidArgument, err)
		}
	}

	q := url.Values{}
	q.Set("pageSize", strconv.Itoa(pageSize))
	q.Set("countTotal", "true")
	if f := advancedFilter(c); f != "" {
		q.Set("filter.advanced", f)
	}
	if c.PageToken != "" {
		q.Set("pageToken", c.PageToken)
	}

	var resp studiesResponse
	if err := a.client.GetJSON(ctx, domain.RegistryCTGov, a.base+"/studies?"+q.Encode(), &resp); err != nil {
		return registry.Page{}, err
	}

	page := registry.Page{Total: resp.TotalCount}
	for _, s := range resp.Studies {
		page.Records = append(page.Records, registry.RawRecord{ID: peekNCT(s), Data: s})
	}
	if resp.NextPageToken == "" {
		page.Done = true
		return page, nil
	}
	c.PageToken = resp.NextPageToken
	next, err := json.Marshal(c)
	if err != nil {
		return registry.Page{}, fmt.Errorf("op=ctgov.fetch_page: %w", err)
	}
	page.Next = next
	return page, nil
}

// advancedFilter builds the LastUpdatePostDate range expression. MAX is the
// API's open upper bound.
func advancedFilter(c cursor) string {
	switch {
	case c.From != "" && c.To != "":
		return fmt.Sprintf("AREA[LastUpdatePostDate]RANGE[%s,%s]", c.From, c.To)
	case c.Since != "":
		return fmt.Sprintf("AREA[LastUpdatePostDate]RANGE[%s,MAX]", c.Since)
	default:
		return ""
	}
}

func peekNCT(data json.RawMessage) string {
	var s struct {
		ProtocolSection struct {
			Identification struct {
				NCTID string `json:"nctId"`
			} `json:"identificationModule"`
		} `json:"protocolSection"`
	}
	_ = json.Unmarshal(data, &s)
	return s.ProtocolSection.Identification.NCTID
}

// study is the slice of the v2 study document the pipeline consumes.
type study struct {
	ProtocolSection struct {
		Identification struct {
			NCTID          string `json:"nctId"`
			OrgStudyIDInfo struct {
				ID string `json:"id"`
			} `json:"orgStudyIdInfo"`
			SecondaryIDInfos []struct {
				ID string `json:"id"`
			} `json:"secondaryIdInfos"`
			BriefTitle    string `json:"briefTitle"`
			OfficialTitle string `json:"officialTitle"`
		} `json:"identificationModule"`
		Status struct {
			OverallStatus  string    `json:"overallStatus"`
			StartDate      dateField `json:"startDateStruct"`
			CompletionDate dateField `json:"completionDateStruct"`
			LastUpdatePost dateField `json:"lastUpdatePostDateStruct"`
		} `json:"statusModule"`
		Description struct {
			BriefSummary string `json:"briefSummary"`
		} `json:"descriptionModule"`
		Design struct {
			StudyType      string   `json:"studyType"`
			Phases         []string `json:"phases"`
			EnrollmentInfo struct {
				Count int `json:"count"`
			} `json:"enrollmentInfo"`
		} `json:"designModule"`
		Arms struct {
			Interventions []struct {
				Type string `json:"type"`
				Name string `json:"name"`
			} `json:"interventions"`
		} `json:"armsInterventionsModule"`
		Conditions struct {
			Conditions []string `json:"conditions"`
		} `json:"conditionsModule"`
		Eligibility struct {
			Criteria   string `json:"eligibilityCriteria"`
			Sex        string `json:"sex"`
			MinimumAge string `json:"minimumAge"`
			MaximumAge string `json:"maximumAge"`
		} `json:"eligibilityModule"`
		ContactsLocations struct {
			Locations []struct {
				Facility string `json:"facility"`
				City     string `json:"city"`
				State    string `json:"state"`
				Country  string `json:"country"`
				GeoPoint *struct {
					Lat float64 `json:"lat"`
					Lon float64 `json:"lon"`
				} `json:"geoPoint"`
			} `json:"locations"`
		} `json:"contactsLocationsModule"`
		Sponsor struct {
			LeadSponsor struct {
				Name string `json:"name"`
			} `json:"leadSponsor"`
		} `json:"sponsorCollaboratorsModule"`
	} `json:"protocolSection"`
}

// Normalize implements registry.Adapter.
func (a *Adapter) Normalize(raw registry.RawRecord) (domain.Trial, error) {
	var s study
	if err := json.Unmarshal(raw.Data, &s); err != nil {
		return domain.Trial{}, fmt.Errorf("op=ctgov.normalize: %w: %v", domain.ErrSchemaInvalid, err)
	}
	p := s.ProtocolSection
	nct := strings.ToUpper(strings.TrimSpace(p.Identification.NCTID))
	if nct == "" {
		return domain.Trial{}, fmt.Errorf("op=ctgov.normalize: %w: study without nctId", domain.ErrSchemaInvalid)
	}

	t := domain.Trial{
		TrialKey:      domain.MakeTrialKey(domain.RegistryCTGov, nct),
		Registry:      domain.RegistryCTGov,
		RegistryID:    nct,
		Title:         normalize.CleanText(p.Identification.BriefTitle),
		OfficialTitle: normalize.CleanText(p.Identification.OfficialTitle),
		Description:   normalize.CleanText(p.Description.BriefSummary),
		Status:        a.maps.MapStatus(domain.RegistryCTGov, p.Status.OverallStatus),
		Phase:         a.maps.MapPhase(domain.RegistryCTGov, strings.Join(p.Design.Phases, " ")),
		StudyType:     normalize.CleanText(p.Design.StudyType),
		Sponsor:       normalize.CleanText(p.Sponsor.LeadSponsor.Name),

		EligibilityCriteria: normalize.CleanText(p.Eligibility.Criteria),
		Gender:              normalize.NormalizeGender(p.Eligibility.Sex),

		EnrollmentCount: p.Design.EnrollmentInfo.Count,
		RegistryURL:     "https://clinicaltrials.gov/study/" + nct,
		Raw:             raw.Data,
	}
	if t.Title == "" {
		t.Title = t.OfficialTitle
	}

	if id := strings.TrimSpace(p.Identification.OrgStudyIDInfo.ID); id != "" {
		t.SecondaryIDs = append(t.SecondaryIDs, id)
	}
	for _, sec := range p.Identification.SecondaryIDInfos {
		if id := strings.TrimSpace(sec.ID); id != "" {
			t.SecondaryIDs = append(t.SecondaryIDs, id)
		}
	}

	t.Conditions = normalize.CleanTerms(p.Conditions.Conditions)
	names := make([]string, 0, len(p.Arms.Interventions))
	for _, iv := range p.Arms.Interventions {
		names = append(names, iv.Name)
	}
	t.Interventions = normalize.CleanTerms(names)

	// Bad bounds and dates degrade to unset; the record itself stays usable.
	t.MinAge, _ = normalize.ParseAgeBound(p.Eligibility.MinimumAge)
	t.MaxAge, _ = normalize.ParseAgeBound(p.Eligibility.MaximumAge)
	t.StartDate, _ = normalize.ParseFlexibleDate(p.Status.StartDate.Date)
	t.CompletionDate, _ = normalize.ParseFlexibleDate(p.Status.CompletionDate.Date)
	t.LastChangedAt, _ = normalize.ParseFlexibleDate(p.Status.LastUpdatePost.Date)

	for _, loc := range p.ContactsLocations.Locations {
		l := domain.TrialLocation{
			Facility: normalize.CleanText(loc.Facility),
			City:     normalize.CleanText(loc.City),
			State:    normalize.CleanText(loc.State),
			Country:  normalize.CleanText(loc.Country),
		}
		if loc.GeoPoint != nil {
			l.Lat, l.Lon, l.Geocoded = loc.GeoPoint.Lat, loc.GeoPoint.Lon, true
		}
		t.Locations = append(t.Locations, l)
	}
	return t, nil
}

type dateField struct {
	Date string `json:"date"`
}
