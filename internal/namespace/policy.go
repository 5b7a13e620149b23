package namespace

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/errkind"
)

// Policy is the compiled write/publish permission set for one module.
// Declared prefixes use ":" separated segments where "*" matches exactly one
// segment, e.g. "titan:*:signal" covers every tenant's signal domain.
type Policy struct {
	keyPatterns     []*regexp.Regexp
	channelPatterns []*regexp.Regexp
	rawKeys         []string
	rawChannels     []string
}

// CompilePolicy builds a policy from declared key prefixes and channel names.
func CompilePolicy(keyPrefixes, channels []string) (*Policy, error) {
	p := &Policy{rawKeys: keyPrefixes, rawChannels: channels}
	for _, prefix := range keyPrefixes {
		re, err := compilePrefix(prefix)
		if err != nil {
			return nil, fmt.Errorf("declared key prefix %q: %w", prefix, err)
		}
		p.keyPatterns = append(p.keyPatterns, re)
	}
	for _, ch := range channels {
		re, err := compilePrefix(ch)
		if err != nil {
			return nil, fmt.Errorf("declared channel %q: %w", ch, err)
		}
		p.channelPatterns = append(p.channelPatterns, re)
	}
	return p, nil
}

func compilePrefix(prefix string) (*regexp.Regexp, error) {
	if prefix == "" {
		return nil, fmt.Errorf("empty prefix")
	}
	segments := strings.Split(prefix, ":")
	quoted := make([]string, len(segments))
	for i, seg := range segments {
		if seg == "*" {
			quoted[i] = "[^:]+"
			continue
		}
		quoted[i] = regexp.QuoteMeta(seg)
	}
	// A declared prefix covers itself and everything beneath it.
	return regexp.Compile("^" + strings.Join(quoted, ":") + "(:|$)")
}

// AllowsKey reports whether the module may write key.
func (p *Policy) AllowsKey(key string) bool {
	for _, re := range p.keyPatterns {
		if re.MatchString(key) {
			return true
		}
	}
	return false
}

// AllowsChannel reports whether the module may publish on channel.
func (p *Policy) AllowsChannel(channel string) bool {
	for _, re := range p.channelPatterns {
		if re.MatchString(channel) {
			return true
		}
	}
	return false
}

// DeclaredKeys returns the raw declared key prefixes.
func (p *Policy) DeclaredKeys() []string { return p.rawKeys }

// DeclaredChannels returns the raw declared channel names.
func (p *Policy) DeclaredChannels() []string { return p.rawChannels }

// Overlaps reports the declared key prefixes the two policies share. The
// dependency resolver uses this to flag modules contending for the same
// state.
func (p *Policy) Overlaps(other *Policy) []string {
	var out []string
	for i, raw := range p.rawKeys {
		for j, otherRaw := range other.rawKeys {
			if p.keyPatterns[i].MatchString(otherRaw) || other.keyPatterns[j].MatchString(raw) {
				out = append(out, raw)
				break
			}
		}
	}
	return out
}

// Guarded wraps a bus handle with a module's policy: writes to undeclared
// prefixes and publishes to undeclared channels fail with
// NamespaceViolation before touching the backend. Durable writes into
// transient domains fail with InvalidTTL: those keys must expire. Reads and
// subscriptions pass through untouched. The runtime hands each module a
// Guarded view; this is the last-mile guard on the write path.
type Guarded struct {
	bus.Bus
	module string
	policy *Policy
	// onViolation receives every rejected key or channel for audit.
	onViolation func(module, target string)
}

// NewGuarded builds the guarded view. onViolation may be nil.
func NewGuarded(inner bus.Bus, module string, policy *Policy, onViolation func(module, target string)) *Guarded {
	return &Guarded{Bus: inner, module: module, policy: policy, onViolation: onViolation}
}

func (g *Guarded) deny(target string) error {
	if g.onViolation != nil {
		g.onViolation(g.module, target)
	}
	return errkind.Newf(errkind.NamespaceViolation, "module %s may not write %q", g.module, target)
}

func (g *Guarded) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if !g.policy.AllowsKey(key) {
		return g.deny(key)
	}
	return g.Bus.Set(ctx, key, value, ttl)
}

func (g *Guarded) SetDurable(ctx context.Context, key, value string) error {
	if !g.policy.AllowsKey(key) {
		return g.deny(key)
	}
	if k, err := Parse(key); err == nil && IsTransient(k.Domain) {
		return errkind.Newf(errkind.InvalidTTL,
			"module %s: durable write into transient domain %s", g.module, k.Domain)
	}
	return g.Bus.SetDurable(ctx, key, value)
}

func (g *Guarded) Del(ctx context.Context, key string) error {
	if !g.policy.AllowsKey(key) {
		return g.deny(key)
	}
	return g.Bus.Del(ctx, key)
}

func (g *Guarded) Incr(ctx context.Context, key string) (int64, error) {
	if !g.policy.AllowsKey(key) {
		return 0, g.deny(key)
	}
	return g.Bus.Incr(ctx, key)
}

func (g *Guarded) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if !g.policy.AllowsKey(key) {
		return g.deny(key)
	}
	return g.Bus.Expire(ctx, key, ttl)
}

func (g *Guarded) Publish(ctx context.Context, channel string, payload []byte) error {
	if !g.policy.AllowsChannel(channel) {
		return g.deny(channel)
	}
	return g.Bus.Publish(ctx, channel, payload)
}
