// Package health aggregates readiness checks for the service's backing
// systems (database, redis, chain RPC).
package health

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them with a shared deadline.
type Registry struct {
	mu       sync.RWMutex
	checkers []Checker
	timeout  time.Duration
}

// NewRegistry creates an empty registry. Each CheckAll is bounded by timeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a checker.
func (r *Registry) Register(check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, check)
	r.mu.Unlock()
}

// CheckAll runs every checker concurrently and reports whether all passed.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	checkers := append([]Checker(nil), r.checkers...)
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	statuses := make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, check := range checkers {
		wg.Add(1)
		go func(i int, check Checker) {
			defer wg.Done()
			statuses[i] = check(ctx)
		}(i, check)
	}
	wg.Wait()

	healthy := true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Handler serves the readiness report: 200 when healthy, 503 otherwise.
func (r *Registry) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy, statuses := r.CheckAll(c.Request.Context())
		code := http.StatusOK
		status := "ready"
		if !healthy {
			code = http.StatusServiceUnavailable
			status = "not_ready"
		}
		c.JSON(code, gin.H{"status": status, "checks": statuses})
	}
}

// Database pings a SQL pool.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		return fromErr("postgres", db.PingContext(ctx))
	}
}

// Redis pings a redis client.
func Redis(client redis.UniversalClient) Checker {
	return func(ctx context.Context) Status {
		return fromErr("redis", client.Ping(ctx).Err())
	}
}

// Pinger is anything with a cheap liveness probe (e.g. the chain client).
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping wraps a Pinger under the given name.
func Ping(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		return fromErr(name, p.Ping(ctx))
	}
}

func fromErr(name string, err error) Status {
	if err != nil {
		return Status{Name: name, Healthy: false, Detail: err.Error()}
	}
	return Status{Name: name, Healthy: true}
}
