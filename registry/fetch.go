package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"trial-hand/config"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// FetchError meldet eine Seite, die auch nach Ausschöpfen aller
// Wiederholungsversuche nicht geladen werden konnte.
type FetchError struct {
	Indication string
	Page       int
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch for %q page %d failed: %v", e.Indication, e.Page, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Pager liefert die Ergebnisseiten einer Suche nacheinander aus.
// Next gibt (nil, nil) zurück, wenn keine weiteren Seiten existieren.
type Pager interface {
	Next(ctx context.Context) ([]Study, error)
}

// StudySource ist das Interface, über das der Orchestrator die Registry anspricht.
type StudySource interface {
	Search(indication string, maxStudies int) Pager
}

// Client kapselt die Logik zur Interaktion mit ClinicalTrials.gov.
type Client struct {
	Config *config.Config
	Logger *zap.Logger

	mu          sync.Mutex
	lastRequest time.Time
}

var _ StudySource = (*Client)(nil)

// NewClient erstellt eine neue Instanz des Registry-Clients.
func NewClient(cfg *config.Config, logger *zap.Logger) *Client {
	return &Client{Config: cfg, Logger: logger}
}

// Search startet eine paginierte Suche für eine Indikation. Das Startdatum
// wird auf die letzten DateWindowYears Jahre eingeschränkt. maxStudies = 0
// bedeutet unbegrenzt.
func (c *Client) Search(indication string, maxStudies int) Pager {
	endYear := time.Now().Year()
	startYear := endYear - c.Config.DateWindowYears

	params := url.Values{}
	params.Set("query.cond", indication)
	params.Set("filter.advanced", fmt.Sprintf("AREA[StartDate]RANGE[%d-01-01,%d-12-31]", startYear, endYear))
	params.Set("pageSize", strconv.Itoa(c.Config.PageSize))
	params.Set("countTotal", "true")
	params.Set("format", "json")

	return &pageIterator{
		client:     c,
		indication: indication,
		params:     params,
		max:        maxStudies,
	}
}

// pageIterator hält den Paginierungs-Cursor einer laufenden Suche. Der Cursor
// bewegt sich nur vorwärts; dieselbe logische Seite wird nie zweimal angefragt.
type pageIterator struct {
	client     *Client
	indication string
	params     url.Values
	pageToken  string
	page       int
	fetched    int
	max        int
	done       bool
}

// Next lädt die nächste Ergebnisseite. Ein Fehler beendet die Sequenz; der
// Aufrufer entscheidet, ob die Indikation übersprungen oder der Lauf
// abgebrochen wird.
func (it *pageIterator) Next(ctx context.Context) ([]Study, error) {
	if it.done {
		return nil, nil
	}

	params := it.params
	if it.pageToken != "" {
		params = cloneValues(it.params)
		params.Set("pageToken", it.pageToken)
	}

	resp, err := it.client.searchPage(ctx, params)
	if err != nil {
		it.done = true
		return nil, &FetchError{Indication: it.indication, Page: it.page, Err: err}
	}
	it.page++

	studies := resp.Studies
	it.fetched += len(studies)
	if it.max > 0 && it.fetched >= it.max {
		studies = studies[:len(studies)-(it.fetched-it.max)]
		it.done = true
	}
	if resp.NextPageToken == "" || len(resp.Studies) == 0 {
		it.done = true
	}
	it.pageToken = resp.NextPageToken

	it.client.Logger.Debug("Ergebnisseite geladen",
		zap.String("indication", it.indication),
		zap.Int("page", it.page),
		zap.Int("count", len(studies)),
		zap.Int("total_count", resp.TotalCount))

	return studies, nil
}

// GetStudy holt einen einzelnen Datensatz anhand seiner NCT-ID.
func (c *Client) GetStudy(ctx context.Context, nctID string) (*Study, error) {
	u := fmt.Sprintf("%s/studies/%s?format=json", c.Config.RegistryBaseURL, url.PathEscape(nctID))
	body, err := c.doRequest(ctx, u)
	if err != nil {
		return nil, err
	}
	var study Study
	if err := json.Unmarshal(body, &study); err != nil {
		return nil, fmt.Errorf("malformed study payload for %s: %w", nctID, err)
	}
	return &study, nil
}

// searchPage lädt genau eine Ergebnisseite des /studies-Endpunkts.
func (c *Client) searchPage(ctx context.Context, params url.Values) (*SearchResponse, error) {
	u := fmt.Sprintf("%s/studies?%s", c.Config.RegistryBaseURL, params.Encode())
	body, err := c.doRequest(ctx, u)
	if err != nil {
		return nil, err
	}
	var resp SearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed search payload: %w", err)
	}
	return &resp, nil
}

// doRequest führt einen GET mit Rate-Limit und exponentiellem Backoff aus.
// Transiente Fehler (Netzwerk, 429, 5xx) werden bis MaxAttempts wiederholt.
func (c *Client) doRequest(ctx context.Context, u string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.Config.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(c.Config.RetryBaseDelay, c.Config.RetryMaxDelay, attempt)
			c.Logger.Warn("Registry-Anfrage fehlgeschlagen, wiederhole",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := c.throttle(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "trial-hand/1.0")

		resp, err := httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			if readErr != nil {
				lastErr = readErr
				continue
			}
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("registry returned status %d", resp.StatusCode)
			continue
		default:
			// 4xx außer 429 ist kein transienter Fehler, Wiederholen zwecklos.
			return nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
		}
	}
	return nil, fmt.Errorf("all %d attempts failed: %w", c.Config.MaxAttempts, lastErr)
}

// throttle erzwingt den Mindestabstand zwischen zwei Anfragen (~50/min laut
// Registry). Sleep-before-send, damit auch die erste Wiederholung nach einem
// Backoff das Limit einhält.
func (c *Client) throttle(ctx context.Context) error {
	c.mu.Lock()
	wait := c.Config.RequestInterval - time.Since(c.lastRequest)
	if wait > 0 {
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		c.mu.Lock()
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()
	return nil
}

// backoffDelay berechnet base * 2^(attempt-1) mit Obergrenze und Jitter.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := base << (attempt - 1)
	if max > 0 && delay > max {
		delay = max
	}
	// Jitter bis 25%, klein genug, dass die Abstände streng wachsen.
	return delay + time.Duration(rand.Int63n(int64(delay)/4+1))
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
