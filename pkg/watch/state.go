package watch

import (
	"sync"
	"time"
)

// SiteState contains the last run information for a site
type SiteState struct {
	LastRunTime    time.Time
	LastRunSuccess bool
	LastCrawlID    string
	PagesProcessed int
	Runs           int
	ErrorMessage   string
}

// History records when each watched site last ran. It lives only as long as the
// process: a restarted watcher crawls every site immediately.
type History struct {
	sites map[string]SiteState
	mu    sync.RWMutex
}

// NewHistory creates an empty run history
func NewHistory() *History {
	return &History{sites: make(map[string]SiteState)}
}

// GetSiteState returns the state for a specific site
func (h *History) GetSiteState(siteKey string) (SiteState, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	state, ok := h.sites[siteKey]
	return state, ok
}

// Record stores the outcome of a finished run of siteKey
func (h *History) Record(siteKey string, at time.Time, success bool, crawlID string, pages int, errorMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.sites[siteKey]
	h.sites[siteKey] = SiteState{
		LastRunTime:    at,
		LastRunSuccess: success,
		LastCrawlID:    crawlID,
		PagesProcessed: pages,
		Runs:           prev.Runs + 1,
		ErrorMessage:   errorMsg,
	}
}

// ShouldRun checks if a site should run based on the interval
func (h *History) ShouldRun(siteKey string, interval time.Duration, now time.Time) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	state, ok := h.sites[siteKey]
	if !ok {
		return true
	}
	return now.Sub(state.LastRunTime) >= interval
}

// GetNextRunTime returns when the site should next run
func (h *History) GetNextRunTime(siteKey string, interval time.Duration, now time.Time) time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()

	state, ok := h.sites[siteKey]
	if !ok {
		return now
	}
	return state.LastRunTime.Add(interval)
}

// GetAllSiteStates returns a copy of all site states
func (h *History) GetAllSiteStates() map[string]SiteState {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]SiteState, len(h.sites))
	for k, v := range h.sites {
		result[k] = v
	}
	return result
}
