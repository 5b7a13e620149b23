// Package namespace implements the hierarchical key policy. All shared state
// lives under titan:{tenant}:{domain}:{subdomain}:{id}; modules may only
// write under the prefixes their record declares.
package namespace

import (
	"fmt"
	"strings"
)

// Root is the platform keyspace prefix.
const Root = "titan"

// Domain names the second keyspace level.
type Domain string

const (
	DomainSignal      Domain = "signal"
	DomainTrade       Domain = "trade"
	DomainIndicator   Domain = "indicator"
	DomainCapital     Domain = "capital"
	DomainRegistry    Domain = "registry"
	DomainHealth      Domain = "health"
	DomainConfig      Domain = "config"
	DomainPerformance Domain = "performance"
	DomainReport      Domain = "report"
	DomainControl     Domain = "control"
	DomainInfra       Domain = "infra"
)

// TransientDomains are the domains whose keys must always carry a TTL. The
// guard refuses durable writes into them and the sweeper clamps whatever
// arrives out of band.
var TransientDomains = []Domain{DomainSignal, DomainIndicator, DomainHealth}

// IsTransient reports whether keys in domain must expire.
func IsTransient(domain Domain) bool {
	for _, d := range TransientDomains {
		if d == domain {
			return true
		}
	}
	return false
}

// Key is a parsed keyspace entry.
type Key struct {
	Tenant    string
	Domain    Domain
	Subdomain string
	ID        string
}

// Compose builds the canonical key string. Empty trailing segments are
// omitted, so Compose("prod", DomainCapital, "book", "") yields
// "titan:prod:capital:book".
func Compose(tenant string, domain Domain, subdomain, id string) string {
	parts := []string{Root, tenant, string(domain)}
	if subdomain != "" {
		parts = append(parts, subdomain)
	}
	if id != "" {
		parts = append(parts, id)
	}
	return strings.Join(parts, ":")
}

// Infra composes a tenant-less infrastructure key, e.g.
// "titan:infra:config_hash".
func Infra(parts ...string) string {
	return Root + ":infra:" + strings.Join(parts, ":")
}

// Registry composes a process-wide registry key.
func Registry(parts ...string) string {
	return Root + ":registry:" + strings.Join(parts, ":")
}

// Report composes a report index key, e.g. "titan:report:tax:2025-06".
func Report(parts ...string) string {
	return Root + ":report:" + strings.Join(parts, ":")
}

// Health composes a health indicator key.
func Health(module, indicator string) string {
	return Root + ":health:" + module + ":" + indicator
}

// Mode composes the per-tenant mode state key (also used as a channel name).
func Mode(tenant string) string {
	return Root + ":mode:" + tenant
}

// Client composes a per-client config field key.
func Client(clientID, field string) string {
	return Root + ":client:" + clientID + ":" + field
}

// Kyc composes a user KYC tier key.
func Kyc(userID string) string {
	return Root + ":kyc:" + userID + ":tier"
}

// Parse splits a key into its segments. Keys outside the titan root or with
// fewer than three segments are rejected.
func Parse(key string) (Key, error) {
	parts := strings.Split(key, ":")
	if len(parts) < 3 || parts[0] != Root {
		return Key{}, fmt.Errorf("key %q is outside the %s keyspace", key, Root)
	}
	// Tenant-less layouts (registry, health, infra, mode, client, kyc,
	// report) put the domain in the second segment.
	switch parts[1] {
	case string(DomainRegistry), string(DomainHealth), string(DomainInfra),
		string(DomainConfig), string(DomainReport), "mode", "client", "kyc":
		k := Key{Domain: Domain(parts[1]), Subdomain: parts[2]}
		if len(parts) > 3 {
			k.ID = strings.Join(parts[3:], ":")
		}
		return k, nil
	}
	if len(parts) < 4 {
		return Key{}, fmt.Errorf("key %q is missing a subdomain", key)
	}
	k := Key{Tenant: parts[1], Domain: Domain(parts[2]), Subdomain: parts[3]}
	if len(parts) > 4 {
		k.ID = strings.Join(parts[4:], ":")
	}
	return k, nil
}
