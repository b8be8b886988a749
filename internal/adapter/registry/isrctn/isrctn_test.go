package isrctn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/fetch"
	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/registry"
	"github.com/SebastianBO/globaltrial-sub000/internal/config"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

const fixtureTrialXML = `
  <trial>
    <isrctn>ISRCTN12345678</isrctn>
    <title>Walking therapy after stroke</title>
    <scientificTitle>Randomised trial of supervised walking after ischaemic stroke</scientificTitle>
    <plainEnglishSummary>&lt;p&gt;We test whether walking helps recovery.&lt;/p&gt;</plainEnglishSummary>
    <trialStatus>Ongoing</trialStatus>
    <recruitmentStatus>Recruiting</recruitmentStatus>
    <phase>Not Applicable</phase>
    <primaryStudyDesign>Interventional</primaryStudyDesign>
    <primarySponsor>University of Leeds</primarySponsor>
    <conditions><condition>Stroke</condition></conditions>
    <interventions><intervention>Supervised walking programme</intervention></interventions>
    <inclusionCriteria>Adults within 6 months of first stroke</inclusionCriteria>
    <exclusionCriteria>Unable to walk 10 metres unaided before stroke</exclusionCriteria>
    <gender>Both</gender>
    <lowerAgeLimit>18 Years</lowerAgeLimit>
    <upperAgeLimit></upperAgeLimit>
    <targetEnrolment>120</targetEnrolment>
    <overallStartDate>01/02/2021</overallStartDate>
    <overallEndDate>2024-06-30</overallEndDate>
    <sites><site><name>Leeds General Infirmary</name><city>Leeds</city><country>United Kingdom</country></site></sites>
    <externalRefs>
      <clinicalTrialsGovNumber>NCT04999999</clinicalTrialsGovNumber>
      <eudraCTNumber>nil</eudraCTNumber>
      <protocolSerialNumber>UL-2020-17</protocolSerialNumber>
    </externalRefs>
    <lastUpdated>2026-08-20</lastUpdated>
  </trial>`

func pageXML(total int, trials ...string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<trials totalCount="%d">%s</trials>`, total, strings.Join(trials, "\n"))
}

func testAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	cfg := config.Config{
		AppEnv:           "test",
		FetchTimeout:     2 * time.Second,
		ScraperUserAgent: "globaltrial-test/1.0",
		ISRCTNBaseURL:    baseURL,
	}
	client := fetch.NewClient(cfg, fetch.NewWindowLimiter(map[string]domain.RateBudget{
		domain.RegistryISRCTN: {Requests: 1000, Window: time.Minute},
	}))
	return New(client, cfg, config.MustLoadMappings())
}

func TestFetchPageParsesAndFinishesShortPage(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, pageXML(1, fixtureTrialXML))
	}))
	defer srv.Close()
	a := testAdapter(t, srv.URL)

	page, err := a.FetchPage(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "ISRCTN12345678", page.Records[0].ID)
	assert.Equal(t, int64(1), page.Total)
	assert.True(t, page.Done, "short page ends enumeration")
	assert.Contains(t, gotQuery, "page=1")
	assert.Contains(t, gotQuery, "limit=100")
}

func TestFetchPageAdvancesPageNumber(t *testing.T) {
	next, err := json.Marshal(cursor{Page: 3, Since: "2026-08-01"})
	require.NoError(t, err)

	var gotPage, gotQ string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPage = r.URL.Query().Get("page")
		gotQ = r.URL.Query().Get("q")
		fmt.Fprint(w, pageXML(1000))
	}))
	defer srv.Close()
	a := testAdapter(t, srv.URL)

	page, err := a.FetchPage(context.Background(), next)
	require.NoError(t, err)
	assert.True(t, page.Done)
	assert.Equal(t, "3", gotPage)
	assert.Equal(t, "lastUpdated GE 2026-08-01", gotQ)
}

func TestFetchPageFullPageContinues(t *testing.T) {
	trials := make([]string, pageSize)
	for i := range trials {
		trials[i] = strings.Replace(fixtureTrialXML, "ISRCTN12345678",
			fmt.Sprintf("ISRCTN%08d", i+1), 1)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, pageXML(250, trials...))
	}))
	defer srv.Close()
	a := testAdapter(t, srv.URL)

	page, err := a.FetchPage(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, page.Records, pageSize)
	assert.False(t, page.Done)

	var c cursor
	require.NoError(t, json.Unmarshal(page.Next, &c))
	assert.Equal(t, 2, c.Page)
}

func TestWindowCursorQuery(t *testing.T) {
	var gotQ string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQ = r.URL.Query().Get("q")
		fmt.Fprint(w, pageXML(0))
	}))
	defer srv.Close()
	a := testAdapter(t, srv.URL)

	from := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	_, err := a.FetchPage(context.Background(), a.WindowCursor(from, to))
	require.NoError(t, err)
	assert.Equal(t, "lastUpdated GE 2026-07-01 AND lastUpdated LE 2026-07-31", gotQ)
}

func TestNormalize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, pageXML(1, fixtureTrialXML))
	}))
	defer srv.Close()
	a := testAdapter(t, srv.URL)

	page, err := a.FetchPage(context.Background(), nil)
	require.NoError(t, err)
	trial, err := a.Normalize(page.Records[0])
	require.NoError(t, err)

	assert.Equal(t, "isrctn:ISRCTN12345678", trial.TrialKey)
	assert.Equal(t, "Walking therapy after stroke", trial.Title)
	assert.Equal(t, "We test whether walking helps recovery.", trial.Description)
	assert.Equal(t, domain.StatusRecruiting, trial.Status)
	assert.Equal(t, domain.PhaseNA, trial.Phase)
	assert.Equal(t, "University of Leeds", trial.Sponsor)
	assert.Equal(t, []string{"Stroke"}, trial.Conditions)
	assert.Equal(t, []string{"Supervised walking programme"}, trial.Interventions)
	assert.Equal(t, "Inclusion: Adults within 6 months of first stroke Exclusion: Unable to walk 10 metres unaided before stroke",
		trial.EligibilityCriteria)
	assert.Equal(t, "ALL", trial.Gender)
	// "nil" external refs are dropped.
	assert.Equal(t, []string{"NCT04999999", "UL-2020-17"}, trial.SecondaryIDs)

	require.NotNil(t, trial.MinAge)
	assert.Equal(t, 18*365, trial.MinAge.Days)
	assert.Nil(t, trial.MaxAge)

	require.NotNil(t, trial.StartDate)
	assert.Equal(t, "2021-02-01", trial.StartDate.Format("2006-01-02"))

	require.Len(t, trial.Locations, 1)
	assert.Equal(t, "Leeds", trial.Locations[0].City)
	assert.Equal(t, 120, trial.EnrollmentCount)
	assert.Equal(t, "https://www.isrctn.com/ISRCTN12345678", trial.RegistryURL)
}

func TestNormalizeMissingID(t *testing.T) {
	a := testAdapter(t, "http://unused.invalid")
	_, err := a.Normalize(registry.RawRecord{Data: json.RawMessage(`{"title":"x"}`)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSchemaInvalid))
}

func TestNormalizeAddsISRCTNPrefix(t *testing.T) {
	a := testAdapter(t, "http://unused.invalid")
	trial, err := a.Normalize(registry.RawRecord{Data: json.RawMessage(`{"isrctn":"87654321","title":"x"}`)})
	require.NoError(t, err)
	assert.Equal(t, "ISRCTN87654321", trial.RegistryID)
	assert.Equal(t, "isrctn:ISRCTN87654321", trial.TrialKey)
}

func TestFetchPageBadXML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"not":"xml"}`)
	}))
	defer srv.Close()
	a := testAdapter(t, srv.URL)

	_, err := a.FetchPage(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSchemaInvalid))
}
