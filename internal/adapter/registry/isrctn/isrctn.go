// Package isrctn adapts the ISRCTN registry API. XML payloads, page-number
// pagination, lastUpdated query filtering. Free-text fields carry HTML
// fragments that get stripped during normalization.
package isrctn

import (
	"encoding/json"
	"encoding/xml"
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

// Adapter scrapes the ISRCTN registry.
type Adapter struct {
	client *fetch.Client
	base   string
	maps   *config.RegistryMappings
}

// New constructs the adapter against cfg's ISRCTN endpoint.
func New(client *fetch.Client, cfg config.Config, maps *config.RegistryMappings) *Adapter {
	return &Adapter{
		client: client,
		base:   strings.TrimRight(cfg.ISRCTNBaseURL, "/"),
		maps:   maps,
	}
}

// Registry implements registry.Adapter.
func (a *Adapter) Registry() string { return domain.RegistryISRCTN }

type cursor struct {
	Page  int    `json:"page,omitempty"`
	Since string `json:"since,omitempty"`
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
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

// trialsPage is the XML page envelope.
type trialsPage struct {
	XMLName    xml.Name    `xml:"trials"`
	TotalCount int64       `xml:"totalCount,attr"`
	Trials     []trialDocs `xml:"trial"`
}

// trialDocs is the ISRCTN record. XML tags describe the wire format, JSON
// tags the raw snapshot stored with the trial.
type trialDocs struct {
	ISRCTN            string   `xml:"isrctn" json:"isrctn"`
	Title             string   `xml:"title" json:"title"`
	ScientificTitle   string   `xml:"scientificTitle" json:"scientificTitle"`
	Summary           string   `xml:"plainEnglishSummary" json:"plainEnglishSummary"`
	TrialStatus       string   `xml:"trialStatus" json:"trialStatus"`
	RecruitmentStatus string   `xml:"recruitmentStatus" json:"recruitmentStatus"`
	Phase             string   `xml:"phase" json:"phase"`
	StudyDesign       string   `xml:"primaryStudyDesign" json:"primaryStudyDesign"`
	Sponsor           string   `xml:"primarySponsor" json:"primarySponsor"`
	Conditions        []string `xml:"conditions>condition" json:"conditions"`
	Interventions     []string `xml:"interventions>intervention" json:"interventions"`
	Inclusion         string   `xml:"inclusionCriteria" json:"inclusionCriteria"`
	Exclusion         string   `xml:"exclusionCriteria" json:"exclusionCriteria"`
	Gender            string   `xml:"gender" json:"gender"`
	LowerAge          string   `xml:"lowerAgeLimit" json:"lowerAgeLimit"`
	UpperAge          string   `xml:"upperAgeLimit" json:"upperAgeLimit"`
	Enrolment         int      `xml:"targetEnrolment" json:"targetEnrolment"`
	StartDate         string   `xml:"overallStartDate" json:"overallStartDate"`
	EndDate           string   `xml:"overallEndDate" json:"overallEndDate"`
	Sites             []site   `xml:"sites>site" json:"sites"`
	ExternalRefs      extRefs  `xml:"externalRefs" json:"externalRefs"`
	LastUpdated       string   `xml:"lastUpdated" json:"lastUpdated"`
}

type site struct {
	Name    string `xml:"name" json:"name"`
	City    string `xml:"city" json:"city"`
	Country string `xml:"country" json:"country"`
}

type extRefs struct {
	NCTNumber      string `xml:"clinicalTrialsGovNumber" json:"clinicalTrialsGovNumber"`
	EudraCTNumber  string `xml:"eudraCTNumber" json:"eudraCTNumber"`
	ProtocolSerial string `xml:"protocolSerialNumber" json:"protocolSerialNumber"`
}

// FetchPage implements registry.Adapter.
func (a *Adapter) FetchPage(ctx domain.Context, cur registry.Cursor) (registry.Page, error) {
	var c cursor
	if len(cur) > 0 {
		if err := json.Unmarshal(cur, &c); err != nil {
			return registry.Page{}, fmt.Errorf("op=isrctn.fetch_page: %w: cursor: %v", domain.ErrInvalidArgument, err)
		}
	}
	if c.Page < 1 {
		c.Page = 1
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(pageSize))
	q.Set("page", strconv.Itoa(c.Page))
	if filter := lastUpdatedQuery(c); filter != "" {
		q.Set("q", filter)
	}

	body, err := a.client.Get(ctx, domain.RegistryISRCTN, a.base+"/query/format/default?"+q.Encode())
	if err != nil {
		return registry.Page{}, err
	}
	var resp trialsPage
	if err := xml.Unmarshal(body, &resp); err != nil {
		return registry.Page{}, fmt.Errorf("op=isrctn.fetch_page: %w: %v", domain.ErrSchemaInvalid, err)
	}

	page := registry.Page{Total: resp.TotalCount}
	for i := range resp.Trials {
		tr := &resp.Trials[i]
		data, err := json.Marshal(tr)
		if err != nil {
			return registry.Page{}, fmt.Errorf("op=isrctn.fetch_page: %w", err)
		}
		page.Records = append(page.Records, registry.RawRecord{ID: tr.ISRCTN, Data: data})
	}
	if len(resp.Trials) < pageSize {
		page.Done = true
		return page, nil
	}
	c.Page++
	next, err := json.Marshal(c)
	if err != nil {
		return registry.Page{}, fmt.Errorf("op=isrctn.fetch_page: %w", err)
	}
	page.Next = next
	return page, nil
}

// lastUpdatedQuery renders the incremental/window filter in the registry's
// query syntax.
func lastUpdatedQuery(c cursor) string {
	switch {
	case c.From != "" && c.To != "":
		return fmt.Sprintf("lastUpdated GE %s AND lastUpdated LE %s", c.From, c.To)
	case c.Since != "":
		return "lastUpdated GE " + c.Since
	default:
		return ""
	}
}

// Normalize implements registry.Adapter.
func (a *Adapter) Normalize(raw registry.RawRecord) (domain.Trial, error) {
	var tr trialDocs
	if err := json.Unmarshal(raw.Data, &tr); err != nil {
		return domain.Trial{}, fmt.Errorf("op=isrctn.normalize: %w: %v", domain.ErrSchemaInvalid, err)
	}
	id := strings.ToUpper(strings.TrimSpace(tr.ISRCTN))
	if id == "" {
		return domain.Trial{}, fmt.Errorf("op=isrctn.normalize: %w: record without isrctn id", domain.ErrSchemaInvalid)
	}
	if !strings.HasPrefix(id, "ISRCTN") {
		id = "ISRCTN" + id
	}

	status := tr.RecruitmentStatus
	if strings.TrimSpace(status) == "" {
		status = tr.TrialStatus
	}

	t := domain.Trial{
		TrialKey:      domain.MakeTrialKey(domain.RegistryISRCTN, id),
		Registry:      domain.RegistryISRCTN,
		RegistryID:    id,
		Title:         normalize.CleanText(tr.Title),
		OfficialTitle: normalize.CleanText(tr.ScientificTitle),
		Description:   normalize.CleanText(tr.Summary),
		Status:        a.maps.MapStatus(domain.RegistryISRCTN, status),
		Phase:         a.maps.MapPhase(domain.RegistryISRCTN, tr.Phase),
		StudyType:     normalize.CleanText(tr.StudyDesign),
		Sponsor:       normalize.CleanText(tr.Sponsor),
		Conditions:    normalize.CleanTerms(tr.Conditions),
		Interventions: normalize.CleanTerms(tr.Interventions),

		Gender:          normalize.NormalizeGender(tr.Gender),
		EnrollmentCount: tr.Enrolment,
		RegistryURL:     "https://www.isrctn.com/" + id,
		Raw:             raw.Data,
	}
	if t.Title == "" {
		t.Title = t.OfficialTitle
	}

	// Inclusion and exclusion arrive as separate fields; the canonical record
	// keeps one criteria blob.
	inc := normalize.CleanText(tr.Inclusion)
	exc := normalize.CleanText(tr.Exclusion)
	switch {
	case inc != "" && exc != "":
		t.EligibilityCriteria = "Inclusion: " + inc + " Exclusion: " + exc
	case inc != "":
		t.EligibilityCriteria = inc
	case exc != "":
		t.EligibilityCriteria = exc
	}

	for _, ref := range []string{tr.ExternalRefs.NCTNumber, tr.ExternalRefs.EudraCTNumber, tr.ExternalRefs.ProtocolSerial} {
		if ref = strings.TrimSpace(ref); ref != "" && !strings.EqualFold(ref, "nil") && !strings.EqualFold(ref, "n/a") {
			t.SecondaryIDs = append(t.SecondaryIDs, ref)
		}
	}

	t.MinAge, _ = normalize.ParseAgeBound(tr.LowerAge)
	t.MaxAge, _ = normalize.ParseAgeBound(tr.UpperAge)
	t.StartDate, _ = normalize.ParseFlexibleDate(tr.StartDate)
	t.CompletionDate, _ = normalize.ParseFlexibleDate(tr.EndDate)
	t.LastChangedAt, _ = normalize.ParseFlexibleDate(tr.LastUpdated)

	for _, s := range tr.Sites {
		t.Locations = append(t.Locations, domain.TrialLocation{
			Facility: normalize.CleanText(s.Name),
			City:     normalize.CleanText(s.City),
			Country:  normalize.CleanText(s.Country),
		})
	}
	return t, nil
}
