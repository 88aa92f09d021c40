package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Napageneral/chms/internal/chms"
	"github.com/Napageneral/chms/internal/config"
	"github.com/Napageneral/chms/internal/identity"
)

// ConnectionResult contains the result of syncing a single connection
type ConnectionResult struct {
	Connection           string   `json:"connection"`
	Provider             string   `json:"provider"`
	Success              bool     `json:"success"`
	Status               string   `json:"status,omitempty"`
	Error                string   `json:"error,omitempty"`
	SyncLogID            string   `json:"sync_log_id,omitempty"`
	PeopleImported       int      `json:"people_imported"`
	ProfilesCreated      int      `json:"profiles_created"`
	ProfilesLinked       int      `json:"profiles_linked"`
	ProfilesUpdated      int      `json:"profiles_updated"`
	FamiliesSynced       int      `json:"families_synced"`
	RelationshipsCreated int      `json:"relationships_created"`
	ActivityWritten      int      `json:"activity_written"`
	ActivityFailed       int      `json:"activity_failed"`
	Errors               int      `json:"errors"`
	FailedIDs            []string `json:"failed_ids,omitempty"`
	FailedFamilyIDs      []string `json:"failed_family_ids,omitempty"`
	Duration             string   `json:"duration"`
}

// SyncResult contains the results of syncing all connections
type SyncResult struct {
	OK          bool               `json:"ok"`
	Message     string             `json:"message,omitempty"`
	Connections []ConnectionResult `json:"connections,omitempty"`
}

// Resolver fills in credentials that live outside the config file.
type Resolver interface {
	Resolve(ctx context.Context, conn chms.Connection) (chms.Connection, error)
}

// Runner runs connections from config. Runs of the same connection are
// serialised; different connections run concurrently.
type Runner struct {
	engine   *Engine
	resolver Resolver

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRunner returns a runner. resolver may be nil.
func NewRunner(engine *Engine, resolver Resolver) *Runner {
	return &Runner{engine: engine, resolver: resolver, locks: map[string]*sync.Mutex{}}
}

func (r *Runner) lockFor(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.Mutex{}
		r.locks[name] = l
	}
	return l
}

// SyncAll runs every enabled connection concurrently.
func (r *Runner) SyncAll(ctx context.Context, cfg *config.Config, trigger Trigger, full bool) SyncResult {
	result := SyncResult{OK: true}

	if len(cfg.Connections) == 0 {
		result.Message = "No connections configured"
		return result
	}

	var names []string
	for _, name := range cfg.ConnectionNames() {
		if cfg.Connections[name].Enabled {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		result.Message = "No connections enabled"
		return result
	}

	results := make([]ConnectionResult, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = r.RunConnection(ctx, name, cfg.Connections[name], trigger, full)
		}(i, name)
	}
	wg.Wait()

	result.Connections = results
	for _, cr := range results {
		if !cr.Success {
			// One connection failing doesn't stop others, but overall sync is not OK
			result.OK = false
		}
	}
	return result
}

// SyncOne runs a specific connection by name
func (r *Runner) SyncOne(ctx context.Context, cfg *config.Config, name string, trigger Trigger, full bool) SyncResult {
	result := SyncResult{OK: true}

	cc, exists := cfg.Connections[name]
	if !exists {
		result.OK = false
		result.Message = fmt.Sprintf("Connection '%s' not configured", name)
		return result
	}
	if !cc.Enabled {
		result.OK = false
		result.Message = fmt.Sprintf("Connection '%s' is disabled", name)
		return result
	}

	cr := r.RunConnection(ctx, name, cc, trigger, full)
	result.Connections = []ConnectionResult{cr}
	result.OK = cr.Success
	return result
}

// RunConnection waits for any in-flight run of the same connection, then runs.
func (r *Runner) RunConnection(ctx context.Context, name string, cc config.ConnectionConfig, trigger Trigger, full bool) (result ConnectionResult) {
	result = ConnectionResult{Connection: name, Provider: cc.Provider}
	start := time.Now()
	defer func() { result.Duration = time.Since(start).Round(time.Millisecond).String() }()

	conn := cc.Connection(name)
	if r.resolver != nil {
		resolved, err := r.resolver.Resolve(ctx, conn)
		if err != nil {
			result.Error = fmt.Sprintf("Failed to resolve credentials: %v", err)
			return result
		}
		conn = resolved
	}

	lock := r.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	log, err := r.engine.Run(ctx, RunRequest{Connection: conn, Trigger: trigger, Full: full})
	if log != nil {
		fillResult(&result, log)
	}
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

func fillResult(cr *ConnectionResult, l *identity.SyncLog) {
	cr.Status = l.Status
	cr.SyncLogID = l.ID
	cr.PeopleImported = l.PeopleImported
	cr.ProfilesCreated = l.ProfilesCreated
	cr.ProfilesLinked = l.ProfilesLinked
	cr.ProfilesUpdated = l.ProfilesUpdated
	cr.FamiliesSynced = l.FamiliesSynced
	cr.RelationshipsCreated = l.RelationshipsCreated
	cr.ActivityWritten = l.ActivityWritten
	cr.ActivityFailed = l.ActivityFailed
	cr.Errors = len(l.Errors)
	// Family errors carry household ids, which live in a different id space.
	people, families := map[string]struct{}{}, map[string]struct{}{}
	for _, e := range l.Errors {
		if e.ExternalID == "" {
			continue
		}
		seen, ids := people, &cr.FailedIDs
		if e.Stage == string(PhaseFamilySync) {
			seen, ids = families, &cr.FailedFamilyIDs
		}
		if _, ok := seen[e.ExternalID]; ok {
			continue
		}
		seen[e.ExternalID] = struct{}{}
		*ids = append(*ids, e.ExternalID)
	}
}
