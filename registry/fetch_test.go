package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trial-hand/config"
)

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		RegistryBaseURL: baseURL,
		PageSize:        10,
		RequestInterval: time.Millisecond,
		MaxAttempts:     3,
		RetryBaseDelay:  time.Millisecond,
		RetryMaxDelay:   10 * time.Millisecond,
		DateWindowYears: 20,
	}
}

func studyJSON(nctID string) string {
	return fmt.Sprintf(`{"protocolSection":{"identificationModule":{"nctId":"%s"}}}`, nctID)
}

func TestGetStudyRetriesTransientErrors(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, studyJSON("NCT01234567"))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), zap.NewNop())
	study, err := client.GetStudy(context.Background(), "NCT01234567")
	require.NoError(t, err)
	assert.Equal(t, "NCT01234567", study.ProtocolSection.IdentificationModule.NCTID)
	assert.Equal(t, int32(3), requests.Load(), "zwei Fehlversuche plus ein Erfolg")
}

func TestGetStudyGivesUpAfterMaxAttempts(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), zap.NewNop())
	_, err := client.GetStudy(context.Background(), "NCT01234567")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 3 attempts failed")
	assert.Equal(t, int32(3), requests.Load())
}

func TestGetStudyDoesNotRetryPermanentErrors(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), zap.NewNop())
	_, err := client.GetStudy(context.Background(), "NCT99999999")
	require.Error(t, err)
	assert.Equal(t, int32(1), requests.Load(), "4xx außer 429 darf nicht wiederholt werden")
}

func TestPagerFollowsTokensWithoutRepeats(t *testing.T) {
	var tokens []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("pageToken")
		tokens = append(tokens, token)
		switch token {
		case "":
			fmt.Fprintf(w, `{"studies":[%s,%s],"nextPageToken":"tok1","totalCount":3}`,
				studyJSON("NCT00000001"), studyJSON("NCT00000002"))
		case "tok1":
			fmt.Fprintf(w, `{"studies":[%s],"totalCount":3}`, studyJSON("NCT00000003"))
		default:
			t.Errorf("unerwarteter pageToken %q", token)
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), zap.NewNop())
	pager := client.Search("obesity", 0)
	ctx := context.Background()

	page1, err := pager.Next(ctx)
	require.NoError(t, err)
	require.Len(t, page1, 2)

	page2, err := pager.Next(ctx)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, "NCT00000003", page2[0].ProtocolSection.IdentificationModule.NCTID)

	page3, err := pager.Next(ctx)
	require.NoError(t, err)
	assert.Nil(t, page3, "nach der letzten Seite kommt (nil, nil)")

	assert.Equal(t, []string{"", "tok1"}, tokens, "jede logische Seite genau einmal")
}

func TestPagerStopsAtMaxStudies(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		fmt.Fprintf(w, `{"studies":[%s,%s,%s],"nextPageToken":"more"}`,
			studyJSON("NCT00000001"), studyJSON("NCT00000002"), studyJSON("NCT00000003"))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), zap.NewNop())
	pager := client.Search("obesity", 2)

	page, err := pager.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, page, 2, "Überhang der Seite wird abgeschnitten")

	page, err = pager.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, page)
	assert.Equal(t, int32(1), requests.Load(), "nach Erreichen des Limits keine weiteren Anfragen")
}

func TestPagerWrapsErrorsWithContext(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:0")
	cfg.MaxAttempts = 1
	client := NewClient(cfg, zap.NewNop())
	pager := client.Search("obesity", 0)

	_, err := pager.Next(context.Background())
	require.Error(t, err)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "obesity", fe.Indication)

	page, err := pager.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, page, "ein Fehler beendet die Sequenz")
}

func TestSearchAppliesDateWindow(t *testing.T) {
	var filter string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter = r.URL.Query().Get("filter.advanced")
		fmt.Fprint(w, `{"studies":[]}`)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.DateWindowYears = 5
	client := NewClient(cfg, zap.NewNop())
	_, err := client.Search("lung cancer", 0).Next(context.Background())
	require.NoError(t, err)

	endYear := time.Now().Year()
	expected := fmt.Sprintf("AREA[StartDate]RANGE[%d-01-01,%d-12-31]", endYear-5, endYear)
	assert.Equal(t, expected, filter)
}

func TestBackoffDelaysIncreaseStrictly(t *testing.T) {
	base := 100 * time.Millisecond
	for attempt := 1; attempt < 4; attempt++ {
		lower := base << (attempt - 1)
		upper := lower + lower/4
		for i := 0; i < 50; i++ {
			delay := backoffDelay(base, 0, attempt)
			assert.GreaterOrEqual(t, delay, lower)
			assert.LessOrEqual(t, delay, upper)
			// Obergrenze mit Jitter liegt unter der Untergrenze des
			// nächsten Versuchs, die Abstände wachsen also streng.
			assert.Less(t, upper, base<<attempt)
		}
	}
}

func TestBackoffRespectsCap(t *testing.T) {
	base := time.Second
	max := 2 * time.Second
	delay := backoffDelay(base, max, 5)
	assert.LessOrEqual(t, delay, max+max/4)
}
