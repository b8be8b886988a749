// Package ctis adapts the EU Clinical Trials Information System public
// search API. JSON POST search with zero-based offset pagination; the
// incremental signal is the trial's decision date.
package ctis

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/fetch"
	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/registry"
	"github.com/SebastianBO/globaltrial-sub000/internal/config"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
	"github.com/SebastianBO/globaltrial-sub000/internal/normalize"
)

const pageSize = 50

// Adapter scrapes CTIS.
type Adapter struct {
	client *fetch.Client
	base   string
	maps   *config.RegistryMappings
}

// New constructs the adapter against cfg's CTIS endpoint.
func New(client *fetch.Client, cfg config.Config, maps *config.RegistryMappings) *Adapter {
	return &Adapter{
		client: client,
		base:   strings.TrimRight(cfg.CTISBaseURL, "/"),
		maps:   maps,
	}
}

// Registry implements registry.Adapter.
func (a *Adapter) Registry() string { return domain.RegistryCTIS }

type cursor struct {
	Offset int    `json:"offset,omitempty"`
	Since  string `json:"since,omitempty"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
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

// searchRequest is the POST /search body.
type searchRequest struct {
	Offset   int            `json:"offset"`
	Limit    int            `json:"limit"`
	Criteria searchCriteria `json:"criteria"`
}

type searchCriteria struct {
	DecisionDateFrom string `json:"decisionDateFrom,omitempty"`
	DecisionDateTo   string `json:"decisionDateTo,omitempty"`
}

type searchResponse struct {
	Total  int64             `json:"total"`
	Trials []json.RawMessage `json:"trials"`
}

// FetchPage implements registry.Adapter.
func (a *Adapter) FetchPage(ctx domain.Context, cur registry.Cursor) (registry.Page, error) {
	var c cursor
	if len(cur) > 0 {
		if err := json.Unmarshal(cur, &c); err != nil {
			return registry.Page{}, fmt.Errorf("op=ctis.fetch_page: %w: cursor: %v", domain.ErrInvalidArgument, err)
		}
	}

	req := searchRequest{Offset: c.Offset, Limit: pageSize}
	switch {
	case c.From != "" && c.To != "":
		req.Criteria.DecisionDateFrom = c.From
		req.Criteria.DecisionDateTo = c.To
	case c.Since != "":
		req.Criteria.DecisionDateFrom = c.Since
	}

	var resp searchResponse
	if err := a.client.PostJSON(ctx, domain.RegistryCTIS, a.base+"/search", req, &resp); err != nil {
		return registry.Page{}, err
	}

	page := registry.Page{Total: resp.Total}
	for _, tr := range resp.Trials {
		page.Records = append(page.Records, registry.RawRecord{ID: peekCTNumber(tr), Data: tr})
	}
	c.Offset += len(resp.Trials)
	if len(resp.Trials) < pageSize || (resp.Total > 0 && int64(c.Offset) >= resp.Total) {
		page.Done = true
		return page, nil
	}
	next, err := json.Marshal(c)
	if err != nil {
		return registry.Page{}, fmt.Errorf("op=ctis.fetch_page: %w", err)
	}
	page.Next = next
	return page, nil
}

func peekCTNumber(data json.RawMessage) string {
	var tr struct {
		CTNumber string `json:"ctNumber"`
	}
	_ = json.Unmarshal(data, &tr)
	return tr.CTNumber
}

// trial is the slice of the CTIS document the pipeline consumes.
type trial struct {
	CTNumber      string   `json:"ctNumber"`
	Title         string   `json:"ctTitle"`
	ShortTitle    string   `json:"shortTitle"`
	Summary       string   `json:"trialDescription"`
	OverallStatus string   `json:"overallStatus"`
	Phase         string   `json:"trialPhase"`
	Sponsor       string   `json:"sponsor"`
	Conditions    []string `json:"conditions"`
	Interventions []string `json:"products"`
	Inclusion     string   `json:"inclusionCriteria"`
	Exclusion     string   `json:"exclusionCriteria"`
	Gender        string   `json:"gender"`
	AgeGroups     []string `json:"ageGroups"`
	Enrolment     int      `json:"enrolmentTarget"`
	DecisionDate  string   `json:"decisionDate"`
	StartDate     string   `json:"startDate"`
	EndDate       string   `json:"endDate"`
	NCTNumber     string   `json:"nctNumber"`
	ISRCTNNumber  string   `json:"isrctnNumber"`
	EudraCTNumber string   `json:"eudraCtNumber"`
	Sites         []struct {
		Name    string `json:"name"`
		City    string `json:"city"`
		Country string `json:"country"`
	} `json:"sites"`
	Countries []string `json:"countries"`
}

// Normalize implements registry.Adapter.
func (a *Adapter) Normalize(raw registry.RawRecord) (domain.Trial, error) {
	var tr trial
	if err := json.Unmarshal(raw.Data, &tr); err != nil {
		return domain.Trial{}, fmt.Errorf("op=ctis.normalize: %w: %v", domain.ErrSchemaInvalid, err)
	}
	ct := strings.ToUpper(strings.TrimSpace(tr.CTNumber))
	if ct == "" {
		return domain.Trial{}, fmt.Errorf("op=ctis.normalize: %w: record without ctNumber", domain.ErrSchemaInvalid)
	}

	t := domain.Trial{
		TrialKey:      domain.MakeTrialKey(domain.RegistryCTIS, ct),
		Registry:      domain.RegistryCTIS,
		RegistryID:    ct,
		Title:         normalize.CleanText(tr.ShortTitle),
		OfficialTitle: normalize.CleanText(tr.Title),
		Description:   normalize.CleanText(tr.Summary),
		Status:        a.maps.MapStatus(domain.RegistryCTIS, tr.OverallStatus),
		Phase:         a.maps.MapPhase(domain.RegistryCTIS, tr.Phase),
		StudyType:     "Interventional", // CTIS carries interventional trials only
		Sponsor:       normalize.CleanText(tr.Sponsor),
		Conditions:    normalize.CleanTerms(tr.Conditions),
		Interventions: normalize.CleanTerms(tr.Interventions),

		Gender:          normalize.NormalizeGender(tr.Gender),
		EnrollmentCount: tr.Enrolment,
		RegistryURL:     "https://euclinicaltrials.eu/ctis-public/view/" + ct,
		Raw:             raw.Data,
	}
	if t.Title == "" {
		t.Title = t.OfficialTitle
	}

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

	for _, ref := range []string{tr.NCTNumber, tr.ISRCTNNumber, tr.EudraCTNumber} {
		if ref = strings.TrimSpace(ref); ref != "" {
			t.SecondaryIDs = append(t.SecondaryIDs, ref)
		}
	}

	t.MinAge, t.MaxAge = ageFromGroups(tr.AgeGroups)
	t.StartDate, _ = normalize.ParseFlexibleDate(tr.StartDate)
	t.CompletionDate, _ = normalize.ParseFlexibleDate(tr.EndDate)
	t.LastChangedAt, _ = normalize.ParseFlexibleDate(tr.DecisionDate)

	for _, s := range tr.Sites {
		t.Locations = append(t.Locations, domain.TrialLocation{
			Facility: normalize.CleanText(s.Name),
			City:     normalize.CleanText(s.City),
			Country:  normalize.CleanText(s.Country),
		})
	}
	// Country-only participation lists still matter for location scoring.
	if len(t.Locations) == 0 {
		for _, country := range tr.Countries {
			t.Locations = append(t.Locations, domain.TrialLocation{
				Country: normalize.CleanText(country),
			})
		}
	}
	return t, nil
}

// ageFromGroups folds CTIS age-group flags into min/max bounds: the lowest
// group's floor becomes the minimum; a trial restricted to minors gets 18y
// as its maximum.
func ageFromGroups(groups []string) (minAge, maxAge *domain.AgeBound) {
	adults := false
	for _, g := range groups {
		b, ok := normalize.AgeGroupBound(g)
		if !ok {
			continue
		}
		if minAge == nil || b.Days < minAge.Days {
			bb := b
			minAge = &bb
		}
		if b.Days >= 18*365 {
			adults = true
		}
	}
	if minAge != nil && !adults {
		maxAge = &domain.AgeBound{Days: 18 * 365, Original: "under 18"}
	}
	return minAge, maxAge
}
