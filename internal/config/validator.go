package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

var (
	structValidator     *validator.Validate
	structValidatorOnce sync.Once
)

func getStructValidator() *validator.Validate {
	structValidatorOnce.Do(func() {
		structValidator = validator.New(validator.WithRequiredStructEnabled())
	})
	return structValidator
}

// Validator validates control-plane configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

// ValidateConfig validates a configuration.
func ValidateConfig(cfg *Config) error {
	return NewValidator().Validate(cfg)
}

// Validate runs struct-tag validation followed by the cross-field checks
// the tags cannot express.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateStruct(cfg)
	v.validateTenants(&cfg.Tenants)
	v.validateRateLimit(&cfg.RateLimit)
	v.validateQueue(&cfg.Queue, cfg.Redis)
	v.validateStores(cfg)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateStruct(cfg *Config) {
	err := getStructValidator().Struct(cfg)
	if err == nil {
		return
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		v.addError("", err.Error())
		return
	}

	for _, fe := range fieldErrs {
		path := strings.TrimPrefix(fe.Namespace(), "Config.")
		msg := fmt.Sprintf("failed %q validation", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed %q validation (%s)", fe.Tag(), fe.Param())
		}
		v.addError(path, msg)
	}
}

func (v *Validator) validateTenants(tenants *TenantsConfig) {
	ids := make(map[string]bool, len(tenants.Profiles))
	prefixes := make(map[string]string)
	subdomains := make(map[string]string)

	for i := range tenants.Profiles {
		p := &tenants.Profiles[i]
		path := fmt.Sprintf("tenants.profiles[%d]", i)

		if ids[p.ID] {
			v.addError(path+".id", fmt.Sprintf("duplicate tenant id %q", p.ID))
		}
		ids[p.ID] = true

		for _, prefix := range p.PathPrefixes {
			if owner, ok := prefixes[prefix]; ok && owner != p.ID {
				v.addError(path+".pathPrefixes", fmt.Sprintf("prefix %q already claimed by %q", prefix, owner))
			}
			prefixes[prefix] = p.ID
		}
		for _, sub := range p.Subdomains {
			sub = strings.ToLower(sub)
			if owner, ok := subdomains[sub]; ok && owner != p.ID {
				v.addError(path+".subdomains", fmt.Sprintf("subdomain %q already claimed by %q", sub, owner))
			}
			subdomains[sub] = p.ID
		}

		backendIDs := make(map[string]bool, len(p.Backends))
		for j, b := range p.Backends {
			if backendIDs[b.ID] {
				v.addError(fmt.Sprintf("%s.backends[%d].id", path, j), fmt.Sprintf("duplicate backend id %q", b.ID))
			}
			backendIDs[b.ID] = true
		}

		for tier := range p.QueueConcurrency {
			if !slices.Contains(QueueTierNames, tier) {
				v.addError(path+".queueConcurrency", fmt.Sprintf("unknown tier %q", tier))
			}
		}
	}

	if tenants.DefaultTenant != "" && !ids[tenants.DefaultTenant] {
		v.addError("tenants.defaultTenant", fmt.Sprintf("default tenant %q has no profile", tenants.DefaultTenant))
	}
}

func (v *Validator) validateRateLimit(rl *RateLimitConfig) {
	names := make(map[string]bool, len(rl.Endpoints))
	for i, ep := range rl.Endpoints {
		if ep.Name == "" {
			continue
		}
		if names[ep.Name] {
			v.addError(fmt.Sprintf("rateLimit.endpoints[%d].name", i), fmt.Sprintf("duplicate endpoint class %q", ep.Name))
		}
		names[ep.Name] = true
	}
}

func (v *Validator) validateQueue(q *QueueConfig, redisCfg RedisConfig) {
	for tier := range q.Tiers {
		if !slices.Contains(QueueTierNames, tier) {
			v.addError("queue.tiers", fmt.Sprintf("unknown tier %q", tier))
		}
	}
	if q.MaxDelay > 0 && q.BaseDelay > q.MaxDelay {
		v.addError("queue.baseDelay", "baseDelay must not exceed maxDelay")
	}
	if q.Store == StoreRedis && !redisCfg.Enabled() {
		v.addError("queue.store", "redis store requires redis.url")
	}
}

func (v *Validator) validateStores(cfg *Config) {
	if cfg.RateLimit.Store == StoreRedis && !cfg.Redis.Enabled() {
		v.addError("rateLimit.store", "redis store requires redis.url")
	}
	if cfg.Scaling.Enabled && cfg.Scaling.NATS.URL != "" && cfg.Scaling.NATS.Subject == "" {
		v.addError("scaling.nats.subject", "subject is required when a NATS url is set")
	}
}

func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}
