package metrics

import (
	"time"

	"github.com/cuemby/brook/internal/auth"
	"github.com/cuemby/brook/internal/database"
)

// Collector periodically samples the server's long-lived collaborators
// and publishes their state as gauges, the same "background ticker
// refreshes cluster-wide gauges" shape as the teacher's collector, now
// sampling a database manager and session manager instead of a Raft
// cluster.
type Collector struct {
	databases *database.Manager
	sessions  *auth.Manager
	stopCh    chan struct{}
}

// NewCollector builds a Collector over the server's database and
// session managers.
func NewCollector(databases *database.Manager, sessions *auth.Manager) *Collector {
	return &Collector{databases: databases, sessions: sessions, stopCh: make(chan struct{})}
}

// Start begins sampling on a 15 second ticker, collecting once
// immediately first.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the sampling goroutine.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	DatabasesOpen.Set(float64(c.databases.OpenDatabaseCount()))
	if records, err := c.databases.Catalog().ListDatabases(); err == nil {
		DatabasesTotal.Set(float64(len(records)))
	}
	if c.sessions != nil {
		SessionsActive.Set(float64(c.sessions.SessionCount()))
	}
}
