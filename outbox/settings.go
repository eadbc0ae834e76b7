package outbox

import (
	"time"
)

const (
	defaultPollingInterval   time.Duration = time.Second * 3
	defaultMaxEventsPerBatch int           = 100
	defaultClaimTimeout      time.Duration = time.Second * 30
	defaultStatsInterval     time.Duration = time.Second * 15
)

// Settings holds the relay configuration.
type Settings struct {
	PollingInterval   time.Duration // interval between outbox pollings
	MaxEventsPerBatch int           // maximum number of records claimed per polling
	ClaimTimeout      time.Duration // lease granted on claimed records, must outlive a batch
	StatsInterval     time.Duration // interval between backlog gauge refreshes
	LeaseMargin       time.Duration // lease left to start a publish, a third of ClaimTimeout by default
}

// validateSettings sets defaults where needed.
func validateSettings(s *Settings) {
	if s.PollingInterval <= 0 {
		s.PollingInterval = defaultPollingInterval
	}
	if s.MaxEventsPerBatch <= 0 {
		s.MaxEventsPerBatch = defaultMaxEventsPerBatch
	}
	if s.ClaimTimeout <= 0 {
		s.ClaimTimeout = defaultClaimTimeout
	}
	if s.StatsInterval <= 0 {
		s.StatsInterval = defaultStatsInterval
	}
	if s.LeaseMargin <= 0 || s.LeaseMargin >= s.ClaimTimeout {
		s.LeaseMargin = s.ClaimTimeout / 3
	}
}
