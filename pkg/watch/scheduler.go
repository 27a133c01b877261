package watch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"bitcrawler/pkg/config"
	"bitcrawler/pkg/orchestrate"
)

// Scheduler re-crawls sites every interval. Each run is a fresh crawl; nothing from
// an earlier run feeds the next one.
type Scheduler struct {
	appCfg   *config.AppConfig
	siteKeys []string
	interval time.Duration
	tick     time.Duration
	log      *logrus.Entry
	opts     *orchestrate.Options
	history  *History
}

// NewScheduler creates a new watch scheduler. opts is passed to every orchestrator run and may be nil.
func NewScheduler(appCfg *config.AppConfig, siteKeys []string, interval time.Duration, log *logrus.Entry, opts *orchestrate.Options) *Scheduler {
	return &Scheduler{
		appCfg:   appCfg,
		siteKeys: siteKeys,
		interval: interval,
		tick:     calculateTickInterval(interval),
		log:      log,
		opts:     opts,
		history:  NewHistory(),
	}
}

// Run crawls every site immediately, then each site again once its interval has passed.
// Runs never overlap. Blocks until ctx ends; a run in progress is cancelled with it.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("watch interval must be positive, got %v", s.interval)
	}

	s.log.Infof("Starting watch mode for %d sites with interval %s", len(s.siteKeys), FormatInterval(s.interval))

	s.runDueSites(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Watch scheduler shutting down...")
			return nil
		case <-ticker.C:
			s.runDueSites(ctx)
		}
	}
}

// runDueSites crawls all sites that are due and records the results
func (s *Scheduler) runDueSites(ctx context.Context) {
	dueSites := s.getDueSites(time.Now())
	if len(dueSites) == 0 || ctx.Err() != nil {
		return
	}

	s.log.Infof("Running crawl for %d due sites: %v", len(dueSites), dueSites)

	orch := orchestrate.NewOrchestrator(ctx, s.appCfg, dueSites, s.log, s.opts)
	results := orch.Run()

	finished := time.Now()
	for _, result := range results {
		errorMsg := ""
		if result.Error != nil {
			errorMsg = result.Error.Error()
		}
		s.history.Record(result.SiteKey, finished, result.Success, result.Metadata.CrawlID, result.Metadata.TotalPages, errorMsg)

		state, _ := s.history.GetSiteState(result.SiteKey)
		siteLog := s.log.WithFields(logrus.Fields{"site_key": result.SiteKey, "run": state.Runs})
		if state.LastRunSuccess {
			siteLog.Infof("Run finished: %d page(s)", state.PagesProcessed)
		} else {
			siteLog.Warnf("Run failed: %s", state.ErrorMessage)
		}
	}

	s.logNextRun()
}

// getDueSites returns sites that are due for a crawl
func (s *Scheduler) getDueSites(now time.Time) []string {
	var due []string
	for _, siteKey := range s.siteKeys {
		if s.history.ShouldRun(siteKey, s.interval, now) {
			due = append(due, siteKey)
		}
	}
	return due
}

// calculateTickInterval returns how often to check for due sites
func calculateTickInterval(interval time.Duration) time.Duration {
	// Every 1/10th of the interval, between one second and ten minutes
	return min(max(interval/10, time.Second), 10*time.Minute)
}

// logNextRun logs when the next run will occur
func (s *Scheduler) logNextRun() {
	var nextSite string
	var nextRun time.Time
	for _, st := range s.GetStatus() {
		if nextSite == "" || st.NextRunTime.Before(nextRun) {
			nextSite, nextRun = st.SiteKey, st.NextRunTime
		}
	}

	if nextSite != "" {
		until := max(time.Until(nextRun), 0)
		s.log.Infof("Next crawl: %s in %v (at %s)", nextSite, until.Round(time.Second), nextRun.Format("15:04:05"))
	}
}

// GetStatus returns the current status of all watched sites, ordered by site key
func (s *Scheduler) GetStatus() []SiteStatus {
	now := time.Now()
	states := s.history.GetAllSiteStates()
	status := make([]SiteStatus, 0, len(s.siteKeys))

	for _, siteKey := range s.siteKeys {
		state, exists := states[siteKey]
		status = append(status, SiteStatus{
			SiteKey:     siteKey,
			SiteState:   state,
			NextRunTime: s.history.GetNextRunTime(siteKey, s.interval, now),
			NeverRun:    !exists,
		})
	}

	sort.Slice(status, func(i, j int) bool { return status[i].SiteKey < status[j].SiteKey })
	return status
}

// SiteStatus contains the status of a watched site
type SiteStatus struct {
	SiteKey string
	SiteState
	NextRunTime time.Time
	NeverRun    bool
}

// FormatInterval formats a duration for display
func FormatInterval(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		if mins > 0 {
			return fmt.Sprintf("%dh%dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	if hours > 0 {
		return fmt.Sprintf("%dd%dh", days, hours)
	}
	return fmt.Sprintf("%dd", days)
}

// ParseInterval parses a duration string with support for days
func ParseInterval(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}

	var days int
	var remaining string
	n, _ := fmt.Sscanf(s, "%dd%s", &days, &remaining)
	if n >= 1 {
		d = time.Duration(days) * 24 * time.Hour
		if remaining != "" {
			extra, err := time.ParseDuration(remaining)
			if err != nil {
				return 0, fmt.Errorf("invalid interval format: %s", s)
			}
			d += extra
		}
		return d, nil
	}

	return 0, fmt.Errorf("invalid interval format: %s (examples: 30m, 1h, 24h, 7d)", s)
}
