// Package syncconfig expands the synchronize configuration block into the
// concrete (thing, shadow) set the rest of the sync plane consumes, and
// implements handlers.SyncMembership over that set.
package syncconfig

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/edgegatekit/shadowmgr/internal/config"
	"github.com/edgegatekit/shadowmgr/internal/handlers"
	"github.com/edgegatekit/shadowmgr/internal/logger"
	"github.com/edgegatekit/shadowmgr/internal/pubsub"
	"github.com/edgegatekit/shadowmgr/internal/shadowerr"
	"github.com/edgegatekit/shadowmgr/internal/syncworker"
)

// Entry identifies one synchronized shadow. ShadowName is empty for the
// classic shadow.
type Entry struct {
	Thing      string
	ShadowName string

	// core marks an entry produced by the "core thing" block, so it can be
	// cleared and recomputed when the platform thing name changes.
	core bool
}

func (e Entry) key() string {
	if e.ShadowName == "" {
		return e.Thing
	}
	return e.Thing + "\x00" + e.ShadowName
}

// ThingNameProvider supplies the platform's current thing name to the
// "core thing" configuration entry and notifies the configurator when it
// changes, so core entries can be recomputed under a new thing name
// without a restart.
type ThingNameProvider interface {
	Current() string
	OnChange(func(newName string))
}

// StaticThingNameProvider is a ThingNameProvider whose value never
// changes; OnChange's callback is never invoked.
type StaticThingNameProvider string

func (s StaticThingNameProvider) Current() string      { return string(s) }
func (s StaticThingNameProvider) OnChange(func(string)) {}

// Configurator parses the synchronize.shadowDocuments/shadowDocumentsMap
// configuration into the active sync set, serves handlers.SyncMembership,
// and keeps the "core thing" entries current as the platform thing name
// changes.
type Configurator struct {
	mu sync.RWMutex

	entries map[string]Entry

	coreThing     config.CoreThingConfig
	hasCoreThing  bool
	coreThingName string
	thingProvider ThingNameProvider

	Direction *syncworker.DirectionWrapper
}

// New builds a Configurator from cfg, subscribing to thingProvider for
// "core thing" updates. thingProvider may be nil if coreThing is empty.
func New(cfg config.SynchronizeConfig, thingProvider ThingNameProvider) (*Configurator, error) {
	if len(cfg.ShadowDocuments) > 0 && len(cfg.ShadowDocumentsMap) > 0 {
		return nil, shadowerr.New(shadowerr.KindInvalidConfig,
			"synchronize: shadowDocuments and shadowDocumentsMap are mutually exclusive")
	}

	dir := syncworker.NewDirectionWrapper(toWorkerDirection(cfg.Direction))
	c := &Configurator{
		entries:       make(map[string]Entry),
		coreThing:     cfg.CoreThing,
		hasCoreThing:  isNonEmptyCoreThing(cfg.CoreThing),
		thingProvider: thingProvider,
		Direction:     dir,
	}

	for _, e := range cfg.ShadowDocuments {
		if err := c.addThing(e.ThingName, e.ClassicShadow, e.NamedShadows); err != nil {
			return nil, err
		}
	}
	for thing, e := range cfg.ShadowDocumentsMap {
		if err := c.addThing(thing, e.ClassicShadow, e.NamedShadows); err != nil {
			return nil, err
		}
	}

	if c.hasCoreThing {
		if thingProvider == nil {
			return nil, shadowerr.New(shadowerr.KindInvalidConfig,
				"synchronize.coreThing is set but no platform thing name is available")
		}
		if err := c.applyCoreThing(thingProvider.Current()); err != nil {
			return nil, err
		}
		thingProvider.OnChange(func(newName string) {
			if err := c.applyCoreThing(newName); err != nil {
				logger.Get().Warn("failed to apply thing name change to core sync entries", zap.Error(err))
			}
		})
	}

	return c, nil
}

func isNonEmptyCoreThing(c config.CoreThingConfig) bool {
	return c.ClassicShadow || len(c.NamedShadows) > 0
}

func toWorkerDirection(d config.Direction) syncworker.Direction {
	switch d {
	case config.DirectionDeviceToCloud:
		return syncworker.DirectionDeviceToCloud
	case config.DirectionCloudToDevice:
		return syncworker.DirectionCloudToDevice
	default:
		return syncworker.DirectionBidi
	}
}

// addThing validates and expands one thing's classic/named shadow
// selection into entries, without holding the lock (used only from New,
// before the Configurator is shared).
func (c *Configurator) addThing(thing string, classic bool, named []string) error {
	if err := handlers.ValidateNames(thing, ""); err != nil {
		return fmt.Errorf("synchronize: thing %q: %w", thing, err)
	}
	if classic {
		c.entries[Entry{Thing: thing}.key()] = Entry{Thing: thing}
	}
	for _, shadowName := range named {
		if err := handlers.ValidateNames(thing, shadowName); err != nil {
			return fmt.Errorf("synchronize: thing %q shadow %q: %w", thing, shadowName, err)
		}
		e := Entry{Thing: thing, ShadowName: shadowName}
		c.entries[e.key()] = e
	}
	return nil
}

// applyCoreThing replaces the core-thing entries under name, removing any
// previously registered under a stale thing name.
func (c *Configurator) applyCoreThing(name string) error {
	if err := handlers.ValidateNames(name, ""); err != nil {
		return fmt.Errorf("synchronize.coreThing: platform thing name %q: %w", name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if e.Thing == c.coreThingCurrentLocked() && e.core {
			delete(c.entries, key)
		}
	}

	if c.coreThing.ClassicShadow {
		e := Entry{Thing: name, core: true}
		c.entries[e.key()] = e
	}
	for _, shadowName := range c.coreThing.NamedShadows {
		if err := handlers.ValidateNames(name, shadowName); err != nil {
			return fmt.Errorf("synchronize.coreThing: shadow %q: %w", shadowName, err)
		}
		e := Entry{Thing: name, ShadowName: shadowName, core: true}
		c.entries[e.key()] = e
	}
	c.coreThingName = name
	return nil
}

func (c *Configurator) coreThingCurrentLocked() string { return c.coreThingName }

// IsSynced reports whether (thing, shadowName) is in the active sync set.
func (c *Configurator) IsSynced(thing, shadowName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[(Entry{Thing: thing, ShadowName: shadowName}).key()]
	return ok
}

// AllowDeviceToCloud reports whether the current direction permits
// device-originated writes to enqueue sync work.
func (c *Configurator) AllowDeviceToCloud() bool { return c.Direction.AllowDeviceToCloud() }

// AllowCloudToDevice reports whether the current direction permits
// cloud-originated events to apply locally.
func (c *Configurator) AllowCloudToDevice() bool { return c.Direction.AllowCloudToDevice() }

// Entries returns a snapshot of the active sync set as pubsub.ParsedTopic
// values, the shape cloud.DataClient.UpdateSubscriptions consumes.
func (c *Configurator) Entries() []pubsub.ParsedTopic {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]pubsub.ParsedTopic, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, pubsub.ParsedTopic{Thing: e.Thing, ShadowName: e.ShadowName})
	}
	return out
}
