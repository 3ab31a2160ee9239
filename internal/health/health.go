// Package health provides a registry of named dependency health checkers
// behind the /health endpoints.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/fraudguard/internal/circuitbreaker"
)

// DefaultCheckTimeout bounds each checker run by CheckAll.
const DefaultCheckTimeout = 2 * time.Second

// Status represents the health of a single dependency.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Optional bool   `json:"optional,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Checker reports the health of a dependency.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name     string
	optional bool
	check    Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout}
}

// Register adds a checker whose failure makes the service unhealthy.
func (r *Registry) Register(name string, check Checker) {
	r.add(namedChecker{name: name, check: check})
}

// RegisterOptional adds a checker whose failure only degrades the service,
// such as the anomaly model: decisions continue on the feature rules.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(namedChecker{name: name, optional: true, check: check})
}

func (r *Registry) add(nc namedChecker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, nc)
	r.mu.Unlock()
}

// CheckAll runs every checker concurrently. healthy is false when a
// required checker fails; degraded is true when any checker fails.
func (r *Registry) CheckAll(ctx context.Context) (healthy, degraded bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			st := nc.check(cctx)
			st.Name = nc.name
			st.Optional = nc.optional
			statuses[i] = st
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if st.Healthy {
			continue
		}
		degraded = true
		if !st.Optional {
			healthy = false
		}
	}
	return healthy, degraded, statuses
}

// FromError builds a Checker from a probe returning an error.
func FromError(probe func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := probe(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Database pings a SQL connection pool.
func Database(db *sql.DB) Checker {
	return FromError(db.PingContext)
}

// Redis pings a Redis client.
func Redis(rdb redis.UniversalClient) Checker {
	return FromError(func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
}

// Breaker reports a circuit's state; only an open circuit is unhealthy.
func Breaker(b *circuitbreaker.Breaker, key string) Checker {
	return func(context.Context) Status {
		state := b.State(key)
		return Status{
			Healthy: state != circuitbreaker.StateOpen,
			Detail:  fmt.Sprintf("circuit %s", state),
		}
	}
}
