// Package ictrp handles the WHO ICTRP aggregated export. ICTRP is a
// meta-registry: it re-exports records from national registries, including
// ones scraped here directly. Re-exports of those primaries are skipped at
// import time; everything else (ChiCTR, CTRI, DRKS, ANZCTR, ...) comes in
// as an ictrp trial. The weekly dump is the only source; FetchPage exists
// to say so.
package ictrp

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/observability"
	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/registry"
	"github.com/SebastianBO/globaltrial-sub000/internal/config"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
	"github.com/SebastianBO/globaltrial-sub000/internal/normalize"
)

// Adapter imports WHO ICTRP dumps.
type Adapter struct {
	maps *config.RegistryMappings
}

// New constructs the adapter.
func New(maps *config.RegistryMappings) *Adapter {
	return &Adapter{maps: maps}
}

// Registry implements registry.Adapter.
func (a *Adapter) Registry() string { return domain.RegistryICTRP }

// FetchPage implements registry.Adapter. ICTRP publishes weekly dumps, not
// a queryable API.
func (a *Adapter) FetchPage(domain.Context, registry.Cursor) (registry.Page, error) {
	return registry.Page{}, fmt.Errorf("op=ictrp.fetch_page: %w", domain.ErrManualImportRequired)
}

// trial is the ICTRP export record. XML tags follow the WHO dump schema,
// JSON tags the raw snapshot stored with the trial.
type trial struct {
	TrialID         string `xml:"TrialID" json:"trialID"`
	SecondaryIDs    string `xml:"Secondary_IDs" json:"secondaryIDs"`
	SourceRegister  string `xml:"Source_Register" json:"sourceRegister"`
	PublicTitle     string `xml:"Public_title" json:"publicTitle"`
	ScientificTitle string `xml:"Scientific_title" json:"scientificTitle"`
	Sponsor         string `xml:"Primary_sponsor" json:"primarySponsor"`
	Status          string `xml:"Recruitment_Status" json:"recruitmentStatus"`
	Phase           string `xml:"Phase" json:"phase"`
	StudyType       string `xml:"Study_type" json:"studyType"`
	Countries       string `xml:"Countries" json:"countries"`
	Conditions      string `xml:"Condition" json:"condition"`
	Interventions   string `xml:"Intervention" json:"intervention"`
	Inclusion       string `xml:"Inclusion_Criteria" json:"inclusionCriteria"`
	Exclusion       string `xml:"Exclusion_Criteria" json:"exclusionCriteria"`
	AgeMin          string `xml:"Inclusion_agemin" json:"inclusionAgeMin"`
	AgeMax          string `xml:"Inclusion_agemax" json:"inclusionAgeMax"`
	Gender          string `xml:"Inclusion_gender" json:"inclusionGender"`
	TargetSize      string `xml:"Target_size" json:"targetSize"`
	DateRegistered  string `xml:"Date_registration" json:"dateRegistration"`
	DateEnrollment  string `xml:"Date_enrollment" json:"dateEnrollment"`
	WebAddress      string `xml:"web_address" json:"webAddress"`
	LastRefreshedOn string `xml:"Last_Refreshed_on" json:"lastRefreshedOn"`
}

// eudraCTShaped matches bare EudraCT numbers; CTIS numbers add a trailing
// member-state pair.
var (
	eudraCTShaped = regexp.MustCompile(`^\d{4}-\d{6}-\d{2}$`)
	ctisShaped    = regexp.MustCompile(`^\d{4}-5\d{5}-\d{2}-\d{2}$`)
)

// primaryRegistry reports which directly scraped registry a re-exported
// TrialID belongs to, if any.
func primaryRegistry(trialID string) (string, bool) {
	id := strings.ToUpper(strings.TrimSpace(trialID))
	switch {
	case strings.HasPrefix(id, "NCT"):
		return domain.RegistryCTGov, true
	case strings.HasPrefix(id, "ISRCTN"):
		return domain.RegistryISRCTN, true
	case strings.HasPrefix(id, "EUCTR"):
		return domain.RegistryEUCTR, true
	case strings.HasPrefix(id, "CTIS"):
		return domain.RegistryCTIS, true
	case ctisShaped.MatchString(id):
		return domain.RegistryCTIS, true
	case eudraCTShaped.MatchString(id):
		return domain.RegistryEUCTR, true
	}
	return "", false
}

// ImportBulk implements registry.BulkImporter. Primary-registry re-exports
// are dropped here so the emit path only ever sees trials this registry is
// authoritative for.
func (a *Adapter) ImportBulk(ctx domain.Context, path string, emit func(registry.RawRecord) error) error {
	lg := observability.LoggerFromContext(ctx)
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
				return fmt.Errorf("op=ictrp.import_bulk: %s: %w: %v", name, domain.ErrSchemaInvalid, err)
			}
			se, ok := tok.(xml.StartElement)
			if !ok || se.Name.Local != "Trial" {
				continue
			}
			var tr trial
			if err := dec.DecodeElement(&tr, &se); err != nil {
				return fmt.Errorf("op=ictrp.import_bulk: %s: %w: %v", name, domain.ErrSchemaInvalid, err)
			}
			if primary, ok := primaryRegistry(tr.TrialID); ok {
				observability.ScrapeRecordsTotal.WithLabelValues(domain.RegistryICTRP, "skipped").Inc()
				lg.Debug("skipping primary-registry re-export",
					slog.String("trial_id", tr.TrialID),
					slog.String("primary", primary))
				continue
			}
			data, err := json.Marshal(&tr)
			if err != nil {
				return fmt.Errorf("op=ictrp.import_bulk: %w", err)
			}
			if err := emit(registry.RawRecord{ID: tr.TrialID, Data: data}); err != nil {
				return err
			}
		}
	})
}

// Normalize implements registry.Adapter.
func (a *Adapter) Normalize(raw registry.RawRecord) (domain.Trial, error) {
	var tr trial
	if err := json.Unmarshal(raw.Data, &tr); err != nil {
		return domain.Trial{}, fmt.Errorf("op=ictrp.normalize: %w: %v", domain.ErrSchemaInvalid, err)
	}
	id := strings.ToUpper(strings.TrimSpace(tr.TrialID))
	if id == "" {
		return domain.Trial{}, fmt.Errorf("op=ictrp.normalize: %w: record without TrialID", domain.ErrSchemaInvalid)
	}

	title := normalize.CleanText(tr.PublicTitle)
	if title == "" {
		title = normalize.CleanText(tr.ScientificTitle)
	}
	t := domain.Trial{
		TrialKey:      domain.MakeTrialKey(domain.RegistryICTRP, id),
		Registry:      domain.RegistryICTRP,
		RegistryID:    id,
		Title:         title,
		OfficialTitle: normalize.CleanText(tr.ScientificTitle),
		Status:        a.maps.MapStatus(domain.RegistryICTRP, tr.Status),
		Phase:         a.maps.MapPhase(domain.RegistryICTRP, tr.Phase),
		StudyType:     normalize.CleanText(tr.StudyType),
		Sponsor:       normalize.CleanText(tr.Sponsor),
		Conditions:    normalize.CleanTerms(splitList(tr.Conditions)),
		Interventions: normalize.CleanTerms(splitList(tr.Interventions)),

		Gender:      normalize.NormalizeGender(tr.Gender),
		RegistryURL: strings.TrimSpace(tr.WebAddress),
		Raw:         raw.Data,
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

	for _, ref := range splitList(tr.SecondaryIDs) {
		if ref = strings.TrimSpace(ref); ref != "" && !strings.EqualFold(ref, "nil") {
			t.SecondaryIDs = append(t.SecondaryIDs, ref)
		}
	}

	t.MinAge, _ = normalize.ParseAgeBound(tr.AgeMin)
	t.MaxAge, _ = normalize.ParseAgeBound(tr.AgeMax)
	if n, err := strconv.Atoi(strings.TrimSpace(tr.TargetSize)); err == nil {
		t.EnrollmentCount = n
	}
	t.StartDate, _ = normalize.ParseFlexibleDate(tr.DateEnrollment)
	if t.StartDate == nil {
		t.StartDate, _ = normalize.ParseFlexibleDate(tr.DateRegistered)
	}
	t.LastChangedAt, _ = normalize.ParseFlexibleDate(tr.LastRefreshedOn)

	for _, country := range splitList(tr.Countries) {
		if c := normalize.CleanText(country); c != "" {
			t.Locations = append(t.Locations, domain.TrialLocation{Country: c})
		}
	}
	return t, nil
}

// splitList breaks ICTRP's semicolon-packed list fields apart.
func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
