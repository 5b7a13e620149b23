package config

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanlabs/titan/internal/bus"
	"github.com/titanlabs/titan/internal/runtime"
)

// ModuleClientPublisher is the registry name of the client config publisher.
const ModuleClientPublisher = "client-config-publisher"

const clientConfigPrefix = "titan:prod:config:"

// ClientConfigKey is where consumers read a client's merged document.
func ClientConfigKey(clientID string) string {
	return clientConfigPrefix + clientID
}

// ClientOverrideKey holds a client's raw override document. Operators write
// it; the publisher merges it over the default document.
func ClientOverrideKey(clientID string) string {
	return ClientConfigKey(clientID) + ":override"
}

// ClientPublisher renders per-client configuration: the default document
// merged with the client's override, client values winning on collision. The
// merged result carries the document store's version so consumers can detect
// stale reads. Clients are discovered from override keys; seeded clients get
// a document even without one.
type ClientPublisher struct {
	bus   bus.Bus
	store *Store
	log   zerolog.Logger

	seeded []string
	// published maps client -> last written encoding, to skip no-op writes.
	published map[string]string
}

// NewClientPublisher builds the publisher. seeded lists clients that must
// always have a published document.
func NewClientPublisher(store *Store, seeded []string, log zerolog.Logger) *ClientPublisher {
	return &ClientPublisher{
		store:     store,
		log:       log.With().Str("component", ModuleClientPublisher).Logger(),
		seeded:    seeded,
		published: make(map[string]string),
	}
}

// BindBus receives the guarded bus view.
func (p *ClientPublisher) BindBus(b bus.Bus) { p.bus = b }

func (p *ClientPublisher) Manifest() runtime.Manifest {
	return runtime.Manifest{
		Name:         ModuleClientPublisher,
		Version:      "1.0.0",
		Creator:      "core",
		Type:         runtime.TypeConfig,
		TickInterval: 30 * time.Second,
		DeclaredKeys: []string{"titan:prod:config"},
	}
}

func (p *ClientPublisher) Tick(ctx context.Context, info runtime.TickInfo) error {
	base, version := p.store.Current()

	clients := make(map[string]Document)
	for _, id := range p.seeded {
		clients[id] = nil
	}

	keys, err := p.bus.Scan(ctx, clientConfigPrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if !strings.HasSuffix(key, ":override") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(key, clientConfigPrefix), ":override")
		if id == "" {
			continue
		}
		raw, err := p.bus.Get(ctx, key)
		if err != nil {
			continue
		}
		var override Document
		if err := json.Unmarshal([]byte(raw), &override); err != nil {
			p.log.Warn().Err(err).Str("client", id).Msg("override document is not valid JSON, skipped")
			continue
		}
		clients[id] = override
	}

	for id, override := range clients {
		merged := Merge(base, override)
		merged["config_version"] = version
		encoded, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		if p.published[id] == string(encoded) {
			continue
		}
		if err := p.bus.SetDurable(ctx, ClientConfigKey(id), string(encoded)); err != nil {
			return err
		}
		p.published[id] = string(encoded)
		p.log.Info().Str("client", id).Uint64("version", version).Msg("client config published")
	}
	return nil
}

func (p *ClientPublisher) OnMessage(ctx context.Context, info runtime.TickInfo, msg bus.Message) error {
	return nil
}
