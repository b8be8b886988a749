// Package euctr handles the EU Clinical Trials Register. The registry
// exposes no usable live API, so records arrive exclusively through
// operator-downloaded ZIP/XML dumps; FetchPage exists only to say so.
// Per-member-state entries of one protocol share an EudraCT number and
// collapse onto one trial key during upsert.
package euctr

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/registry"
	"github.com/SebastianBO/globaltrial-sub000/internal/config"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
	"github.com/SebastianBO/globaltrial-sub000/internal/normalize"
)

// Adapter imports EU CTR dumps.
type Adapter struct {
	maps *config.RegistryMappings
}

// New constructs the adapter.
func New(maps *config.RegistryMappings) *Adapter {
	return &Adapter{maps: maps}
}

// Registry implements registry.Adapter.
func (a *Adapter) Registry() string { return domain.RegistryEUCTR }

// FetchPage implements registry.Adapter. EU CTR cannot be scraped live.
func (a *Adapter) FetchPage(domain.Context, registry.Cursor) (registry.Page, error) {
	return registry.Page{}, fmt.Errorf("op=euctr.fetch_page: %w", domain.ErrManualImportRequired)
}

// trial is the EU CTR export record. XML tags describe the dump format,
// JSON tags the raw snapshot stored with the trial.
type trial struct {
	EudraCTNumber  string   `xml:"eudractNumber" json:"eudractNumber"`
	ProtocolNumber string   `xml:"sponsorProtocolNumber" json:"sponsorProtocolNumber"`
	NCTNumber      string   `xml:"nctNumber" json:"nctNumber"`
	MemberState    string   `xml:"memberState" json:"memberState"`
	FullTitle      string   `xml:"fullTitle" json:"fullTitle"`
	Sponsor        string   `xml:"sponsorName" json:"sponsorName"`
	Condition      string   `xml:"medicalCondition" json:"medicalCondition"`
	Status         string   `xml:"trialStatus" json:"trialStatus"`
	Phase          string   `xml:"phase" json:"phase"`
	Products       []string `xml:"imps>imp>productName" json:"products"`
	Inclusion      string   `xml:"inclusionCriteria" json:"inclusionCriteria"`
	Exclusion      string   `xml:"exclusionCriteria" json:"exclusionCriteria"`
	Gender         string   `xml:"gender" json:"gender"`
	AgeGroups      []string `xml:"ageGroups>ageGroup" json:"ageGroups"`
	Subjects       int      `xml:"plannedSubjects" json:"plannedSubjects"`
	DecisionDate   string   `xml:"dateOfCompetentAuthorityDecision" json:"dateOfCompetentAuthorityDecision"`
	Countries      []string `xml:"countries>country" json:"countries"`
}

// ImportBulk implements registry.BulkImporter. The dump is streamed, never
// loaded whole; one undecodable record aborts only that record.
func (a *Adapter) ImportBulk(ctx domain.Context, path string, emit func(registry.RawRecord) error) error {
	return registry.WalkBulkXML(path, func(name string, r io.Reader) error {
		dec := xml.NewDecoder(r)
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			tok, err := dec.Token()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("op=euctr.import_bulk: %s: %w: %v", name, domain.ErrSchemaInvalid, err)
			}
			se, ok := tok.(xml.StartElement)
			if !ok || se.Name.Local != "trial" {
				continue
			}
			var tr trial
			if err := dec.DecodeElement(&tr, &se); err != nil {
				return fmt.Errorf("op=euctr.import_bulk: %s: %w: %v", name, domain.ErrSchemaInvalid, err)
			}
			data, err := json.Marshal(&tr)
			if err != nil {
				return fmt.Errorf("op=euctr.import_bulk: %w", err)
			}
			if err := emit(registry.RawRecord{ID: tr.EudraCTNumber, Data: data}); err != nil {
				return err
			}
		}
	})
}

// Normalize implements registry.Adapter.
func (a *Adapter) Normalize(raw registry.RawRecord) (domain.Trial, error) {
	var tr trial
	if err := json.Unmarshal(raw.Data, &tr); err != nil {
		return domain.Trial{}, fmt.Errorf("op=euctr.normalize: %w: %v", domain.ErrSchemaInvalid, err)
	}
	id := strings.ToUpper(strings.TrimSpace(tr.EudraCTNumber))
	if id == "" {
		return domain.Trial{}, fmt.Errorf("op=euctr.normalize: %w: record without eudractNumber", domain.ErrSchemaInvalid)
	}

	t := domain.Trial{
		TrialKey:      domain.MakeTrialKey(domain.RegistryEUCTR, id),
		Registry:      domain.RegistryEUCTR,
		RegistryID:    id,
		Title:         normalize.CleanText(tr.FullTitle),
		OfficialTitle: normalize.CleanText(tr.FullTitle),
		Status:        a.maps.MapStatus(domain.RegistryEUCTR, tr.Status),
		Phase:         a.maps.MapPhase(domain.RegistryEUCTR, tr.Phase),
		StudyType:     "Interventional", // EU CTR registers interventional medicine trials only
		Sponsor:       normalize.CleanText(tr.Sponsor),
		Conditions:    normalize.CleanTerms([]string{tr.Condition}),
		Interventions: normalize.CleanTerms(tr.Products),

		Gender:          normalize.NormalizeGender(tr.Gender),
		EnrollmentCount: tr.Subjects,
		RegistryURL:     "https://www.clinicaltrialsregister.eu/ctr-search/trial/" + strings.ToLower(id),
		Raw:             raw.Data,
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

	for _, ref := range []string{tr.NCTNumber, tr.ProtocolNumber} {
		if ref = strings.TrimSpace(ref); ref != "" {
			t.SecondaryIDs = append(t.SecondaryIDs, ref)
		}
	}

	t.MinAge, t.MaxAge = ageFromGroups(tr.AgeGroups)
	t.StartDate, _ = normalize.ParseFlexibleDate(tr.DecisionDate)

	for _, country := range tr.Countries {
		t.Locations = append(t.Locations, domain.TrialLocation{
			Country: normalize.CleanText(country),
		})
	}
	return t, nil
}

// ageFromGroups folds EU CTR age-group flags into bounds the same way the
// CTIS adapter does: lowest group floor as minimum, 18y ceiling when no
// adult group is flagged.
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
