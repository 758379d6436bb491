package pdp

import (
	"time"

	"github.com/remoteops/pdp/logger"
)

// Options are the evaluation knobs of the engine.
type Options struct {
	// DefaultDenyAll decides requests no policy matched. When false the
	// engine is fail-open, which is only sensible in migration phases.
	DefaultDenyAll bool
	// EnablePolicyInheritance walks parent chains during aggregation.
	EnablePolicyInheritance bool
	// EnablePolicyValidation validates definitions on create and update.
	EnablePolicyValidation bool
	// MaxConditionComplexity rejects policies whose condition structure
	// scores above this during validation.
	MaxConditionComplexity int
	// MaxPolicyDepth bounds hierarchy walks; deeper chains are truncated.
	MaxPolicyDepth int
	// PolicyCacheTTL applies to cached policies and roles.
	PolicyCacheTTL time.Duration
	// DecisionCacheTTL applies to cached evaluation results.
	DecisionCacheTTL time.Duration
	// BulkWorkerCount bounds concurrency in BulkEvaluate.
	BulkWorkerCount int
	// AuditBufferSize sizes the async audit channel.
	AuditBufferSize int
}

// DefaultOptions returns production defaults: deny by default,
// inheritance and validation on, five minute caches.
func DefaultOptions() Options {
	return Options{
		DefaultDenyAll:          true,
		EnablePolicyInheritance: true,
		EnablePolicyValidation:  true,
		MaxConditionComplexity:  20,
		MaxPolicyDepth:          10,
		PolicyCacheTTL:          5 * time.Minute,
		DecisionCacheTTL:        5 * time.Minute,
		BulkWorkerCount:         4,
		AuditBufferSize:         1024,
	}
}

// EngineOption mutates the engine during construction.
type EngineOption func(e *Engine) error

// WithOptions replaces the whole option set.
func WithOptions(opts Options) EngineOption {
	return func(e *Engine) error {
		e.opts = opts
		return nil
	}
}

// WithLogger installs a structured logger.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		e.logger = l
		return nil
	}
}

// WithCache installs a decision/policy cache backend.
func WithCache(c Cache) EngineOption {
	return func(e *Engine) error {
		e.cache = c
		return nil
	}
}

// WithAuditSink installs the sink the async audit worker writes to.
func WithAuditSink(s AuditSink) EngineOption {
	return func(e *Engine) error {
		e.auditSink = s
		return nil
	}
}

// WithMetrics installs a metrics sink.
func WithMetrics(m MetricsSink) EngineOption {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithTemplateStore enables the policy template operations.
func WithTemplateStore(s TemplateStore) EngineOption {
	return func(e *Engine) error {
		e.templates = s
		return nil
	}
}

// WithRegistryStore enables the resource/action registry operations.
func WithRegistryStore(s RegistryStore) EngineOption {
	return func(e *Engine) error {
		e.registry = s
		return nil
	}
}

// WithClock overrides the engine's time source. Tests use it to pin
// delegation and expiry windows.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) error {
		e.now = now
		return nil
	}
}
