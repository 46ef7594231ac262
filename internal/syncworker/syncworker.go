// Package syncworker implements the sync worker pool (C10): it drains
// internal/syncqueue, applies local<->cloud sync requests, classifies
// failures into retry/skip/drop, and runs either a real-time or periodic
// draining strategy.
package syncworker

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/edgegatekit/shadowmgr/internal/cloud"
	"github.com/edgegatekit/shadowmgr/internal/handlers"
	"github.com/edgegatekit/shadowmgr/internal/logger"
	"github.com/edgegatekit/shadowmgr/internal/metrics"
	"github.com/edgegatekit/shadowmgr/internal/ratelimit"
	"github.com/edgegatekit/shadowmgr/internal/shadow"
	"github.com/edgegatekit/shadowmgr/internal/shadowerr"
	"github.com/edgegatekit/shadowmgr/internal/store"
	"github.com/edgegatekit/shadowmgr/internal/syncqueue"
)

// Direction names which arrows of the sync plane are currently active.
type Direction string

const (
	DirectionBidi           Direction = "BIDI"
	DirectionDeviceToCloud  Direction = "DEVICE_TO_CLOUD"
	DirectionCloudToDevice  Direction = "CLOUD_TO_DEVICE"
)

// DirectionWrapper holds the current Direction behind a mutex, shared by
// every component that must honor a direction change without restarting.
type DirectionWrapper struct {
	mu  sync.RWMutex
	dir Direction
}

// NewDirectionWrapper builds a DirectionWrapper starting at initial.
func NewDirectionWrapper(initial Direction) *DirectionWrapper {
	return &DirectionWrapper{dir: initial}
}

// Get returns the current direction.
func (d *DirectionWrapper) Get() Direction {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dir
}

// Set updates the current direction.
func (d *DirectionWrapper) Set(dir Direction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dir = dir
}

// AllowDeviceToCloud reports whether device-originated writes may enqueue
// sync work toward the cloud.
func (d *DirectionWrapper) AllowDeviceToCloud() bool {
	dir := d.Get()
	return dir == DirectionBidi || dir == DirectionDeviceToCloud
}

// AllowCloudToDevice reports whether cloud-originated events may apply
// locally.
func (d *DirectionWrapper) AllowCloudToDevice() bool {
	dir := d.Get()
	return dir == DirectionBidi || dir == DirectionCloudToDevice
}

// StrategyKind names a sync worker draining strategy.
type StrategyKind string

const (
	StrategyRealTime StrategyKind = "realTime"
	StrategyPeriodic StrategyKind = "periodic"
)

// Strategy configures how workers drain the queue: real-time workers block
// on Take(); periodic workers wake every Delay and drain everything ready.
type Strategy struct {
	Kind  StrategyKind
	Delay time.Duration
}

const (
	backoffInitial = 3 * time.Second
	backoffCap     = 60 * time.Second
	backoffJitter  = 0.2
)

// backoffDelay computes the exponential retry delay for the given attempt
// count (1-indexed): 3s, 6s, 12s, ... capped at 60s, with ±20% jitter.
func backoffDelay(attempt int) time.Duration {
	d := backoffInitial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}

// outcome classifies how executeRequest's error should be handled.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetry
	outcomeSkip
	outcomeFatal
)

func classify(err error) outcome {
	if err == nil {
		return outcomeSuccess
	}
	switch shadowerr.KindOf(err) {
	case shadowerr.KindConflictError:
		return outcomeFatal
	case shadowerr.KindResourceNotFound, shadowerr.KindUnknownShadow,
		shadowerr.KindInvalidArguments, shadowerr.KindPayloadTooLarge:
		return outcomeSkip
	default:
		return outcomeRetry
	}
}

// Pool is the sync worker pool: one or more goroutines draining queue and
// applying requests via dao/local/cloudClient, per the configured
// Strategy and Direction.
type Pool struct {
	Queue     *syncqueue.Queue
	DAO       store.DAO
	Applier   Applier
	Cloud     cloud.Client
	Direction *DirectionWrapper
	Strategy  Strategy
	Workers   int
	Metrics   *metrics.Metrics

	// OutboundLimiter throttles device-to-cloud requests to
	// rateLimits.maxOutboundSyncUpdatesPerSecond, independent of the local
	// IPC rate limit handlers.Handlers enforces. Nil disables the check.
	OutboundLimiter ratelimit.Limiter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// outboundBucketKey is the single bucket OutboundLimiter tracks: the
// outbound limit is a global cap on the device-to-cloud arrow, not a
// per-thing one.
const outboundBucketKey = "_outbound"

// Applier is the narrow local-write surface the sync worker pool needs
// to apply cloud-originated requests: internal/handlers.Handlers
// satisfies it directly.
type Applier interface {
	ApplyRemoteUpdate(ctx context.Context, thing, shadowName string, payload []byte) (handlers.Response, error)
	ApplyRemoteDelete(ctx context.Context, thing, shadowName string) (handlers.Response, error)
}

func (p *Pool) workerCount() int {
	if p.Workers <= 0 {
		return 1
	}
	return p.Workers
}

// Start launches the configured number of worker goroutines. It is not
// idempotent: call Stop before calling Start again.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.workerCount(); i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if p.Strategy.Kind == StrategyPeriodic {
				p.runPeriodic(ctx)
			} else {
				p.runRealTime(ctx)
			}
		}()
	}
}

// Stop cancels every worker and waits for them to exit.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) runRealTime(ctx context.Context) {
	for {
		req, err := p.Queue.Take(ctx)
		if err != nil {
			return
		}
		p.handle(ctx, req)
	}
}

// runPeriodic wakes on a cron.Cron "@every" schedule instead of a bare
// time.Ticker: a single recurring job, not a goroutine managing its own
// timer.
func (p *Pool) runPeriodic(ctx context.Context) {
	delay := p.Strategy.Delay
	if delay <= 0 {
		delay = 30 * time.Second
	}

	c := cron.New()
	drain := func() {
		for {
			req, ok := p.Queue.Poll()
			if !ok {
				return
			}
			p.handle(ctx, req)
		}
	}
	if _, err := c.AddFunc("@every "+delay.String(), drain); err != nil {
		logger.Get().Error("failed to schedule periodic sync drain", zap.Error(err))
		return
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}

func (p *Pool) recordQueueDepth() {
	if p.Metrics != nil {
		p.Metrics.SetSyncQueueDepth(p.Queue.Size())
	}
}

func (p *Pool) handle(ctx context.Context, req syncqueue.Request) {
	p.recordQueueDepth()

	err := p.executeRequest(ctx, req)
	switch classify(err) {
	case outcomeSuccess:
		if p.Metrics != nil {
			p.Metrics.IncrementSyncCompleted()
		}
	case outcomeRetry:
		if p.Metrics != nil {
			p.Metrics.IncrementSyncRetries()
		}
		p.retry(ctx, req)
	case outcomeSkip:
		if p.Metrics != nil {
			p.Metrics.IncrementSyncSkipped()
		}
		logger.Get().Warn("dropping sync request", zap.String("thing", req.Thing),
			zap.String("shadow", req.ShadowName), zap.String("kind", string(req.Kind)), zap.Error(err))
	case outcomeFatal:
		logger.Get().Warn("dropping sync request on conflict", zap.String("thing", req.Thing),
			zap.String("shadow", req.ShadowName), zap.String("kind", string(req.Kind)))
	}

	p.recordQueueDepth()
}

func (p *Pool) retry(ctx context.Context, req syncqueue.Request) {
	req.Attempt++
	delay := backoffDelay(req.Attempt)
	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		_ = p.Queue.Put(ctx, req)
	}()
}

func nowUnix() int64 { return time.Now().Unix() }

// checkOutboundLimit enforces rateLimits.maxOutboundSyncUpdatesPerSecond
// against the device-to-cloud arrow. A throttled request classifies as
// retryable (see classify), so it simply requeues with backoff rather
// than being dropped.
func (p *Pool) checkOutboundLimit() error {
	if p.OutboundLimiter == nil {
		return nil
	}
	if !p.OutboundLimiter.Allow(outboundBucketKey).Allowed {
		if p.Metrics != nil {
			p.Metrics.IncrementThrottledTotal()
		}
		return shadowerr.New(shadowerr.KindThrottledTotal, "outbound sync rate limit exceeded")
	}
	return nil
}

func (p *Pool) executeRequest(ctx context.Context, req syncqueue.Request) error {
	switch req.Kind {
	case syncqueue.KindSyncLocalUpdate:
		if err := p.checkOutboundLimit(); err != nil {
			return err
		}
		return p.syncLocalUpdate(ctx, req)
	case syncqueue.KindSyncLocalDelete:
		if err := p.checkOutboundLimit(); err != nil {
			return err
		}
		return p.syncLocalDelete(ctx, req)
	case syncqueue.KindCloudUpdateLocal:
		return p.cloudUpdateLocal(ctx, req)
	case syncqueue.KindCloudDeleteLocal:
		return p.cloudDeleteLocal(ctx, req)
	default:
		return shadowerr.New(shadowerr.KindInvalidArguments, "unknown sync request kind")
	}
}

// syncLocalUpdate pushes a device-originated update to the cloud. It first
// reads the remote document and merges the local state onto it with the
// same merge engine the local Update handler uses, rather than overwriting
// the cloud document outright: a reported leaf the cloud side picked up
// independently since the last sync (from another synced thing-shadow, or
// a direct cloud-side write) must survive the push instead of being
// clobbered by a stale local copy.
func (p *Pool) syncLocalUpdate(ctx context.Context, req syncqueue.Request) error {
	var doc shadow.WireDocument
	if err := json.Unmarshal(req.Payload, &doc); err != nil {
		return shadowerr.Wrap(shadowerr.KindInvalidArguments, "malformed local document for sync", err)
	}

	remote, err := p.fetchRemoteDocument(ctx, req.Thing, req.ShadowName)
	if err != nil {
		return err
	}

	merged, _, _, err := shadow.Merge(remote, &shadow.UpdatePayload{
		State:       doc.State,
		ClientToken: doc.ClientToken,
	}, nowUnix())
	if err != nil {
		return err
	}

	body, err := json.Marshal(struct {
		State       shadow.StateDocument `json:"state"`
		ClientToken string               `json:"clientToken,omitempty"`
	}{State: merged.State, ClientToken: merged.ClientToken})
	if err != nil {
		return shadowerr.Wrap(shadowerr.KindServiceError, "failed to marshal cloud update", err)
	}

	cloudResp, err := p.Cloud.UpdateShadow(ctx, req.Thing, req.ShadowName, body)
	if err != nil {
		return err
	}

	cloudVersion := merged.Version
	var cloudDoc shadow.WireDocument
	if json.Unmarshal(cloudResp, &cloudDoc) == nil && cloudDoc.Version != 0 {
		cloudVersion = cloudDoc.Version
	}

	return p.DAO.UpdateSyncInformation(ctx, store.SyncInfo{
		Thing:              req.Thing,
		ShadowName:         req.ShadowName,
		CloudVersion:       cloudVersion,
		LocalVersion:       doc.Version,
		LastSyncedDocument: req.Payload,
		LastSyncTime:       nowUnix(),
		CloudUpdateTime:    nowUnix(),
	})
}

// fetchRemoteDocument reads and decodes the cloud document that
// syncLocalUpdate merges the local payload onto. A cloud shadow that does
// not exist yet is not an error: it means there is nothing to merge
// against, so the local state becomes the whole document, the same as a
// local Update against an empty store.
func (p *Pool) fetchRemoteDocument(ctx context.Context, thing, shadowName string) (*shadow.Document, error) {
	raw, err := p.Cloud.GetShadow(ctx, thing, shadowName)
	if err != nil {
		if shadowerr.KindOf(err) == shadowerr.KindResourceNotFound {
			return nil, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var doc shadow.Document
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, shadowerr.Wrap(shadowerr.KindServiceError, "malformed cloud document", err)
	}
	return &doc, nil
}

// syncLocalDelete propagates a device-originated delete to the cloud.
func (p *Pool) syncLocalDelete(ctx context.Context, req syncqueue.Request) error {
	info, ok, err := p.DAO.GetShadowSyncInformation(ctx, req.Thing, req.ShadowName)
	if err != nil {
		return shadowerr.Wrap(shadowerr.KindServiceError, "failed to read sync row", err)
	}

	if err := p.Cloud.DeleteShadow(ctx, req.Thing, req.ShadowName); err != nil {
		return err
	}

	localVersion := req.Version
	if ok {
		localVersion = info.LocalVersion
	}
	return p.DAO.UpdateSyncInformation(ctx, store.SyncInfo{
		Thing:           req.Thing,
		ShadowName:      req.ShadowName,
		LocalVersion:    localVersion,
		CloudDeleted:    true,
		LastSyncTime:    nowUnix(),
		CloudUpdateTime: nowUnix(),
	})
}

// cloudUpdateLocal applies a cloud-originated document locally, rejecting
// a stale or replayed version as a conflict.
func (p *Pool) cloudUpdateLocal(ctx context.Context, req syncqueue.Request) error {
	info, ok, err := p.DAO.GetShadowSyncInformation(ctx, req.Thing, req.ShadowName)
	if err != nil {
		return shadowerr.Wrap(shadowerr.KindServiceError, "failed to read sync row", err)
	}
	if ok && req.Version < info.CloudVersion+1 {
		return shadowerr.New(shadowerr.KindConflictError, "stale cloud version")
	}

	resp, err := p.Applier.ApplyRemoteUpdate(ctx, req.Thing, req.ShadowName, req.Payload)
	if err != nil {
		return err
	}

	localVersion := int64(0)
	var applied shadow.WireDocument
	if json.Unmarshal(resp.Payload, &applied) == nil {
		localVersion = applied.Version
	}

	return p.DAO.UpdateSyncInformation(ctx, store.SyncInfo{
		Thing:              req.Thing,
		ShadowName:         req.ShadowName,
		CloudVersion:       req.Version,
		LocalVersion:       localVersion,
		LastSyncedDocument: req.Payload,
		LastSyncTime:       nowUnix(),
		CloudUpdateTime:    nowUnix(),
	})
}

// cloudDeleteLocal applies a cloud-originated delete locally. Any error
// the Applier returns is passed through; handlers.Handlers'
// ApplyRemoteDelete reports a shadow already absent locally as success.
func (p *Pool) cloudDeleteLocal(ctx context.Context, req syncqueue.Request) error {
	if _, err := p.Applier.ApplyRemoteDelete(ctx, req.Thing, req.ShadowName); err != nil {
		return err
	}

	info, ok, err := p.DAO.GetShadowSyncInformation(ctx, req.Thing, req.ShadowName)
	if err != nil {
		return shadowerr.Wrap(shadowerr.KindServiceError, "failed to read sync row", err)
	}
	cloudVersion := int64(1)
	if ok {
		cloudVersion = info.CloudVersion + 1
	}

	return p.DAO.UpdateSyncInformation(ctx, store.SyncInfo{
		Thing:           req.Thing,
		ShadowName:      req.ShadowName,
		CloudVersion:    cloudVersion,
		CloudDeleted:    true,
		LastSyncTime:    nowUnix(),
		CloudUpdateTime: nowUnix(),
	})
}
