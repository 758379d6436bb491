package pdp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/remoteops/pdp/logger"
)

// Engine is the policy decision point. It owns the stores, the caches
// and the background audit worker, and exposes every catalog and
// evaluation operation.
type Engine struct {
	policies    PolicyStore
	roles       RoleStore
	assignments AssignmentStore
	groups      GroupMembershipStore
	delegations DelegationStore
	templates   TemplateStore
	registry    RegistryStore

	cache     Cache
	auditSink AuditSink
	metrics   MetricsSink
	logger    logger.Logger
	opts      Options
	now       func() time.Time

	auditCh chan *AuditEntry
	auditWG sync.WaitGroup

	closeOnce sync.Once
}

// NewEngine wires the stores together and starts the audit worker.
// Optional stores (templates, registry) and all ambient backends are
// installed through options.
func NewEngine(
	policies PolicyStore,
	roles RoleStore,
	assignments AssignmentStore,
	groups GroupMembershipStore,
	delegations DelegationStore,
	opts ...EngineOption,
) (*Engine, error) {
	e := &Engine{
		policies:    policies,
		roles:       roles,
		assignments: assignments,
		groups:      groups,
		delegations: delegations,
		cache:       NewMemoryCache(),
		auditSink:   NullAuditSink{},
		metrics:     NullMetrics{},
		logger:      logger.NewNullLogger(),
		opts:        DefaultOptions(),
		now:         time.Now,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.opts.AuditBufferSize > 0 {
		e.auditCh = make(chan *AuditEntry, e.opts.AuditBufferSize)
		e.auditWG.Add(1)
		go e.auditWorker()
	}
	return e, nil
}

// Close drains the audit channel and releases the cache. The engine
// must not be used afterwards.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.auditCh != nil {
			close(e.auditCh)
			e.auditWG.Wait()
		}
		e.cache.Close()
	})
}

// Options returns a copy of the engine's effective options.
func (e *Engine) Options() Options { return e.opts }

// Cache key layout. Decisions are keyed per user/resource/action so
// ClearUserCache can wipe one principal with a prefix delete.
const (
	cacheKeyPolicy       = "policy:"
	cacheKeyRole         = "role:"
	cacheKeyDecision     = "policy:eval:"
	cacheKeyUserPolicies = "user:policies:"
)

func decisionKey(userID, resource, action string) string {
	return cacheKeyDecision + userID + ":" + resource + ":" + action
}

func (e *Engine) cacheGet(ctx context.Context, key string, out any) bool {
	b, ok := e.cache.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(b, out); err != nil {
		e.cache.Delete(ctx, key)
		return false
	}
	return true
}

func (e *Engine) cacheSet(ctx context.Context, key string, v any, ttl time.Duration) {
	b, err := json.Marshal(v)
	if err != nil {
		e.logger.Error("cache encode failed", "key", key, "error", err)
		return
	}
	e.cache.Set(ctx, key, b, ttl)
}

// invalidatePolicy drops the policy entry and every decision, since
// any decision may have depended on the changed policy.
func (e *Engine) invalidatePolicy(ctx context.Context, policyID string) {
	e.cache.Delete(ctx, cacheKeyPolicy+policyID)
	e.cache.DeletePrefix(ctx, cacheKeyDecision)
	e.cache.DeletePrefix(ctx, cacheKeyUserPolicies)
}

func (e *Engine) invalidateRole(ctx context.Context, roleID string) {
	e.cache.Delete(ctx, cacheKeyRole+roleID)
	e.cache.DeletePrefix(ctx, cacheKeyDecision)
	e.cache.DeletePrefix(ctx, cacheKeyUserPolicies)
}

// ClearUserCache removes cached decisions and aggregates for one user.
// Call it when group membership changes outside the engine's own
// mutation paths.
func (e *Engine) ClearUserCache(ctx context.Context, userID string) {
	e.cache.DeletePrefix(ctx, cacheKeyDecision+userID+":")
	e.cache.Delete(ctx, cacheKeyUserPolicies+userID)
}
