// Package manager implements the shadow manager orchestrator (C12): the
// install -> postInject -> startup -> shutdown lifecycle that wires every
// other package into a running service and reacts to broker connectivity
// changes.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgegatekit/shadowmgr/internal/authz"
	"github.com/edgegatekit/shadowmgr/internal/cloud"
	"github.com/edgegatekit/shadowmgr/internal/config"
	"github.com/edgegatekit/shadowmgr/internal/handlers"
	"github.com/edgegatekit/shadowmgr/internal/health"
	"github.com/edgegatekit/shadowmgr/internal/lock"
	"github.com/edgegatekit/shadowmgr/internal/logger"
	"github.com/edgegatekit/shadowmgr/internal/metrics"
	"github.com/edgegatekit/shadowmgr/internal/pubsub"
	"github.com/edgegatekit/shadowmgr/internal/ratelimit"
	"github.com/edgegatekit/shadowmgr/internal/security"
	"github.com/edgegatekit/shadowmgr/internal/shadowerr"
	"github.com/edgegatekit/shadowmgr/internal/store"
	"github.com/edgegatekit/shadowmgr/internal/syncconfig"
	"github.com/edgegatekit/shadowmgr/internal/syncqueue"
	"github.com/edgegatekit/shadowmgr/internal/syncworker"
	"github.com/edgegatekit/shadowmgr/internal/topic"
)

// State is the orchestrator's coarse lifecycle state.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StateErrored State = "errored"
)

const syncQueueCapacity = 1024

// Manager owns every long-lived component of the shadow manager and drives
// its lifecycle. Exported fields are the components other packages (in
// particular internal/adminapi) need read access to; nothing outside this
// package should mutate them.
type Manager struct {
	mu    sync.Mutex
	state State
	err   error

	// runID identifies one install()/startup() lifetime in logs, so a
	// reconnect's worker restart can be correlated with the startup that
	// preceded it.
	runID string

	configPath string
	cfg        *config.Config

	DAO       store.DAO
	Locks     *lock.Registry
	RateLimit ratelimit.Limiter
	LocalMQTT *pubsub.Wrapper
	CloudMQTT *pubsub.Wrapper
	Authz     authz.Authorizer
	TokenSeal *security.EncryptionService
	Metrics   *metrics.Metrics

	Handlers   *handlers.Handlers
	Integrator *topic.Integrator
	SyncConfig *syncconfig.Configurator
	Queue      *syncqueue.Queue

	CloudClient cloud.Client
	DataClient  *cloud.DataClient
	Workers     *syncworker.Pool

	Health *health.HealthChecker

	workersRunning bool
	shutdownDone   bool
}

// New runs install and postInject against the configuration at configPath
// (the process default search path if empty) and returns the resulting
// Manager. thingProvider supplies the platform thing name the
// synchronize.coreThing block tracks; it may be nil if the configuration
// carries no coreThing block. A non-nil error means the Manager is in
// StateErrored and Start must not be called; every constructed subsystem
// up to the failing one is still reachable for inspection but nothing has
// been started.
func New(configPath string, thingProvider syncconfig.ThingNameProvider) (*Manager, error) {
	m := &Manager{configPath: configPath, runID: uuid.NewString()}

	cfg, err := config.Load(configPath)
	if err != nil {
		m.fail(err)
		return m, err
	}

	if err := m.install(cfg, thingProvider); err != nil {
		m.fail(err)
		return m, err
	}
	m.postInject()

	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()
	return m, nil
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.state = StateErrored
	m.err = err
	m.mu.Unlock()
	logger.Get().Error("shadow manager entering errored state",
		zap.String("run_id", m.runID), zap.Error(err))
}

// State reports the orchestrator's current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the error that put the Manager into StateErrored, or nil.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// install parses cfg's subsystem settings and builds every collaborator,
// applying size limits, rate limits, sync direction/set/strategy to the
// relevant component. It never starts a worker goroutine or subscribes
// anything; that is startup's job. Any InvalidConfiguration error here
// must leave the caller to put the Manager in StateErrored without
// starting subsystems.
func (m *Manager) install(cfg *config.Config, thingProvider syncconfig.ThingNameProvider) error {
	m.cfg = cfg

	dao, err := store.New(store.Config{
		Backend: store.Backend(cfg.Store.Backend),
		Path:    cfg.Store.Path,
		DSN:     cfg.Store.DSN,
	})
	if err != nil {
		return shadowerr.Wrap(shadowerr.KindInvalidConfig, "failed to construct shadow store", err)
	}
	m.DAO = dao

	m.Locks = lock.NewRegistry()

	rateLimit, err := m.buildRateLimiter(cfg)
	if err != nil {
		return err
	}
	m.RateLimit = rateLimit

	if cfg.Auth.Enabled {
		m.Authz = authz.NewJWTAuthorizer(authz.Config{SecretKey: cfg.Auth.SecretKey})
	} else {
		m.Authz = authz.AllowAll{}
	}
	m.TokenSeal = security.NewEncryptionService(cfg.Auth.SecretKey)
	m.Metrics = metrics.NewMetrics()

	m.LocalMQTT = m.connectBroker("local", cfg.LocalMQTT)
	m.CloudMQTT = m.connectBroker("cloud", cfg.CloudMQTT)

	syncConf, err := syncconfig.New(cfg.Synchronize, thingProvider)
	if err != nil {
		return err
	}
	m.SyncConfig = syncConf

	m.Queue = syncqueue.NewQueue(syncQueueCapacity, syncqueue.DefaultMerger{})

	m.Handlers = &handlers.Handlers{
		DAO:        m.DAO,
		Locks:      m.Locks,
		RateLimit:  m.RateLimit,
		PubSub:     m.LocalMQTT,
		Authz:      m.Authz,
		Sync:       m.SyncConfig,
		Queue:      m.Queue,
		TokenSeal:  m.TokenSeal,
		MaxDocSize: cfg.ShadowDocumentSizeLimitBytes,
		Metrics:    m.Metrics,
	}

	m.Integrator = &topic.Integrator{PubSub: m.LocalMQTT, Handlers: m.Handlers}

	cloudClient, err := cloud.NewIoTDataClient(cloud.Config{
		Region:    cfg.Cloud.Region,
		Endpoint:  cfg.Cloud.Endpoint,
		AccessKey: cfg.Cloud.AccessKey,
		SecretKey: cfg.Cloud.SecretKey,
	})
	if err != nil {
		return shadowerr.Wrap(shadowerr.KindInvalidConfig, "failed to construct cloud data plane client", err)
	}
	m.CloudClient = cloudClient

	m.DataClient = cloud.NewDataClient(m.CloudClient, m.CloudMQTT, func(req syncqueue.Request) {
		m.Queue.Offer(req)
	})

	strategy := syncworker.Strategy{Kind: syncworker.StrategyRealTime}
	if cfg.Synchronize.Strategy.Type == config.StrategyPeriodic {
		strategy = syncworker.Strategy{
			Kind:  syncworker.StrategyPeriodic,
			Delay: time.Duration(cfg.Synchronize.Strategy.DelaySecs) * time.Second,
		}
	}
	m.Workers = &syncworker.Pool{
		Queue:           m.Queue,
		DAO:             m.DAO,
		Applier:         m.Handlers,
		Cloud:           m.CloudClient,
		Direction:       m.SyncConfig.Direction,
		Strategy:        strategy,
		Workers:         1,
		Metrics:         m.Metrics,
		OutboundLimiter: buildOutboundLimiter(cfg.RateLimits.MaxOutboundSyncUpdatesPerSecond),
	}

	m.Health = m.buildHealthChecker(cfg)

	return nil
}

// buildOutboundLimiter builds the global device-to-cloud throttle from
// rateLimits.maxOutboundSyncUpdatesPerSecond. A non-positive rate means
// "unset" (no separate outbound cap beyond the per-thing/global IPC
// limits handlers.Handlers already enforces).
func buildOutboundLimiter(ratePerSecond int) ratelimit.Limiter {
	if ratePerSecond <= 0 {
		return nil
	}
	return ratelimit.NewTokenBucketLimiter(ratelimit.Config{
		Rate:       ratePerSecond,
		GlobalRate: ratePerSecond,
	})
}

func (m *Manager) buildRateLimiter(cfg *config.Config) (ratelimit.Limiter, error) {
	switch cfg.RateLimitBackend.Backend {
	case "redis":
		rl, err := ratelimit.NewRedisLimiter(ratelimit.RedisConfig{
			Host:     cfg.RateLimitBackend.Host,
			Port:     cfg.RateLimitBackend.Port,
			Password: cfg.RateLimitBackend.Password,
			DB:       cfg.RateLimitBackend.DB,
			Rate:     cfg.RateLimits.MaxLocalRequestsRatePerThing,
		})
		if err != nil {
			return nil, shadowerr.Wrap(shadowerr.KindInvalidConfig, "failed to connect to rate limit backend", err)
		}
		return rl, nil
	case "memory", "":
		return ratelimit.NewTokenBucketLimiter(ratelimit.Config{
			Rate:       cfg.RateLimits.MaxLocalRequestsRatePerThing,
			GlobalRate: cfg.RateLimits.MaxTotalLocalRequestsRate,
		}), nil
	default:
		return nil, shadowerr.New(shadowerr.KindInvalidConfig,
			fmt.Sprintf("unknown rateLimitBackend.backend %q", cfg.RateLimitBackend.Backend))
	}
}

// connectBroker dials broker cfg, logging and returning nil instead of
// failing install on a connectivity error: a broker being unreachable at
// boot is not an InvalidConfiguration, and startup's "if MQTT is
// connected" check already treats a nil wrapper as disconnected.
func (m *Manager) connectBroker(name string, cfg config.MQTTConfig) *pubsub.Wrapper {
	if cfg.Broker == "" {
		return nil
	}
	w, err := pubsub.Connect(pubsub.Config{
		Broker:        cfg.Broker,
		ClientID:      cfg.ClientID,
		Username:      cfg.Username,
		Password:      cfg.Password,
		QoS:           1,
		AutoReconnect: true,
	})
	if err != nil {
		logger.Get().Warn("failed to connect broker at startup, will rely on reconnect callback",
			zap.String("broker_name", name), zap.Error(err))
		return nil
	}
	return w
}

func (m *Manager) buildHealthChecker(cfg *config.Config) *health.HealthChecker {
	h := health.NewHealthChecker()
	h.RegisterCheck("local_mqtt", health.MQTTConnectionHealthCheck("local", func() bool {
		return m.LocalMQTT != nil && m.LocalMQTT.IsConnected()
	}), defaultHealthInterval)
	h.RegisterCheck("cloud_mqtt", health.MQTTConnectionHealthCheck("cloud", func() bool {
		return m.CloudMQTT != nil && m.CloudMQTT.IsConnected()
	}), defaultHealthInterval)
	h.RegisterCheck("sync_queue_depth", health.SyncQueueDepthHealthCheck(func() int {
		return m.Queue.Size()
	}, syncQueueCapacity), defaultHealthInterval)
	return h
}

const defaultHealthInterval = 30 * time.Second

// postInject wires the local and cloud MQTT connectivity callbacks to the
// worker/subscription start-stop cycle. It does not subscribe the topic
// integrator; Start and the reconnect callbacks do that. Called once,
// after install succeeds.
func (m *Manager) postInject() {
	if m.LocalMQTT != nil {
		m.LocalMQTT.OnConnect(m.onLocalConnect)
		m.LocalMQTT.OnConnectionLost(m.onLocalConnectionLost)
	}
	if m.CloudMQTT != nil {
		m.CloudMQTT.OnConnect(m.onCloudConnect)
		m.CloudMQTT.OnConnectionLost(m.onCloudConnectionLost)
	}
}

// Start runs the startup phase: opens the store (already open from
// install, so this reconciles sync rows), reconciles the sync-row set
// against the current sync configuration, then starts the local half if
// the local broker is connected and, separately, the cloud half (sync
// workers and cloud subscriptions) if the cloud broker is connected.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateErrored {
		err := m.err
		m.mu.Unlock()
		return err
	}
	m.state = StateRunning
	m.mu.Unlock()

	if err := m.reconcileSyncRows(ctx); err != nil {
		logger.Get().Error("failed to reconcile sync rows at startup", zap.Error(err))
	}

	if m.LocalMQTT != nil && m.LocalMQTT.IsConnected() {
		m.startLocal()
	}
	if m.CloudMQTT != nil && m.CloudMQTT.IsConnected() {
		m.startCloud(ctx)
	}
	return nil
}

// reconcileSyncRows deletes sync rows for (thing, shadow) pairs no longer
// in the configured sync set and inserts a fresh row for every pair newly
// in it.
func (m *Manager) reconcileSyncRows(ctx context.Context) error {
	existing, err := m.DAO.ListSyncedShadows(ctx)
	if err != nil {
		return err
	}
	existingSet := make(map[string]store.ThingShadow, len(existing))
	for _, ts := range existing {
		existingSet[ts.Thing+"\x00"+ts.ShadowName] = ts
	}

	wanted := m.SyncConfig.Entries()
	wantedSet := make(map[string]pubsub.ParsedTopic, len(wanted))
	for _, e := range wanted {
		wantedSet[e.Thing+"\x00"+e.ShadowName] = e
	}

	for key, ts := range existingSet {
		if _, ok := wantedSet[key]; !ok {
			if err := m.DAO.DeleteSyncInformation(ctx, ts.Thing, ts.ShadowName); err != nil {
				return err
			}
		}
	}
	for key, e := range wantedSet {
		if _, ok := existingSet[key]; !ok {
			if err := m.DAO.InsertSyncInfoIfNotExists(ctx, store.SyncInfo{Thing: e.Thing, ShadowName: e.ShadowName}); err != nil {
				return err
			}
		}
	}
	return nil
}

// startLocal subscribes the topic integrator, making the local request
// handlers reachable from the broker.
func (m *Manager) startLocal() {
	if err := m.Integrator.Subscribe(); err != nil {
		logger.Get().Error("failed to subscribe topic integrator", zap.Error(err))
	}
}

// startCloud starts the sync worker pool and reconciles cloud delta/
// documents subscriptions against the configured sync set.
func (m *Manager) startCloud(ctx context.Context) {
	m.mu.Lock()
	alreadyRunning := m.workersRunning
	m.workersRunning = true
	m.mu.Unlock()
	if alreadyRunning {
		return
	}

	m.Workers.Start(ctx)
	if m.DataClient != nil {
		if err := m.DataClient.UpdateSubscriptions(m.SyncConfig.Entries()); err != nil {
			logger.Get().Error("failed to subscribe cloud delta/documents topics", zap.Error(err))
		}
	}
}

// stopCloud stops the worker pool and tears down cloud subscriptions,
// without touching the queue: short disconnects retain queued requests up
// to the queue's own capacity.
func (m *Manager) stopCloud() {
	m.mu.Lock()
	running := m.workersRunning
	m.workersRunning = false
	m.mu.Unlock()
	if !running {
		return
	}

	m.Workers.Stop()
	if m.DataClient != nil {
		if err := m.DataClient.StopSubscribing(); err != nil {
			logger.Get().Warn("failed to unsubscribe cloud topics on stop", zap.Error(err))
		}
	}
}

// SetDirection applies a sync-direction change at runtime, following the
// deterministic rule recommended for direction-change precedence: stop
// workers, clear the queue (its pending entries belong to a direction no
// longer in force), tear down or rebuild cloud subscriptions, then start
// workers again under the new direction.
func (m *Manager) SetDirection(dir syncworker.Direction) {
	m.stopCloud()
	m.Queue.Clear()
	m.SyncConfig.Direction.Set(dir)
	if m.CloudMQTT != nil && m.CloudMQTT.IsConnected() {
		m.startCloud(context.Background())
	}
}

func (m *Manager) onLocalConnect() {
	logger.Get().Info("local broker connected, resubscribing IPC handlers", zap.String("run_id", m.runID))
	m.startLocal()
}

func (m *Manager) onLocalConnectionLost(err error) {
	logger.Get().Warn("local broker connection lost", zap.Error(err))
}

func (m *Manager) onCloudConnect() {
	logger.Get().Info("cloud broker connected, restarting sync plane", zap.String("run_id", m.runID))
	m.startCloud(context.Background())
}

func (m *Manager) onCloudConnectionLost(err error) {
	logger.Get().Warn("cloud broker connection lost, stopping sync plane", zap.Error(err))
	m.stopCloud()
}

// Shutdown stops workers, clears the rate limiter's per-thing state where
// supported, unsubscribes the integrator, and closes the store. It is
// idempotent and swallows close errors, since a caller tearing down after
// a partial startup failure should never be blocked by a second error.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	alreadyDone := m.shutdownDone
	m.shutdownDone = true
	m.state = StateStopped
	m.mu.Unlock()
	if alreadyDone {
		return
	}

	m.stopCloud()

	if m.Integrator != nil {
		if err := m.Integrator.Unsubscribe(); err != nil {
			logger.Get().Warn("error unsubscribing topic integrator during shutdown", zap.Error(err))
		}
	}
	if clearable, ok := m.RateLimit.(interface{ Clear() }); ok {
		clearable.Clear()
	}
	if m.LocalMQTT != nil {
		m.LocalMQTT.Close()
	}
	if m.CloudMQTT != nil {
		m.CloudMQTT.Close()
	}
	if m.DAO != nil {
		if err := m.DAO.Close(); err != nil {
			logger.Get().Warn("error closing shadow store during shutdown", zap.Error(err))
		}
	}
}
