// Package handlers implements the four shadow request handlers: Get,
// Update, Delete and List. Each wires validation,
// authorization, rate limiting, the per-shadow write lock, the DAO and the
// local pub/sub wrapper together, publishing accepted/rejected/delta/
// documents on the matching topics and, where applicable, enqueuing sync
// work.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/edgegatekit/shadowmgr/internal/authz"
	"github.com/edgegatekit/shadowmgr/internal/lock"
	"github.com/edgegatekit/shadowmgr/internal/logger"
	"github.com/edgegatekit/shadowmgr/internal/metrics"
	"github.com/edgegatekit/shadowmgr/internal/pubsub"
	"github.com/edgegatekit/shadowmgr/internal/ratelimit"
	"github.com/edgegatekit/shadowmgr/internal/security"
	"github.com/edgegatekit/shadowmgr/internal/shadow"
	"github.com/edgegatekit/shadowmgr/internal/shadowerr"
	"github.com/edgegatekit/shadowmgr/internal/store"
	"github.com/edgegatekit/shadowmgr/internal/syncqueue"
)

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9:_-]+$`)

const (
	defaultPageSize = 25
	maxPageSize     = 100
)

// SyncMembership answers whether (thing, shadowName) is in the configured
// sync set and, if so, which sync directions are currently permitted. The
// concrete implementation lives in internal/syncconfig.
type SyncMembership interface {
	IsSynced(thing, shadowName string) bool
	AllowDeviceToCloud() bool
}

// Handlers bundles every capability the four request handlers need.
type Handlers struct {
	DAO        store.DAO
	Locks      *lock.Registry
	RateLimit  ratelimit.Limiter
	PubSub     *pubsub.Wrapper
	Authz      authz.Authorizer
	Sync       SyncMembership
	Queue      *syncqueue.Queue
	TokenSeal  *security.EncryptionService
	MaxDocSize int
	Metrics    *metrics.Metrics
}

// recordRejected increments the rejected counter and, for a version
// conflict, the conflict-specific counter. A nil Metrics is a valid,
// silent no-op (e.g. in tests that don't care about admin exposition).
func (h *Handlers) recordRejected(err error) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.IncrementRejected()
	if shadowerr.KindOf(err) == shadowerr.KindConflictError {
		h.Metrics.IncrementConflicts()
	}
}

// Request is the common input to every handler.
type Request struct {
	Thing      string
	ShadowName string
	Token      string
	Payload    []byte // Update only
	NextToken  string // List only
	PageSize   int    // List only
}

// Response is the common shape handlers return to the IPC caller.
type Response struct {
	Payload   []byte
	Results   []string // List only
	NextToken string   // List only
	Timestamp int64
}

func validateNames(thing, shadowName string) error {
	if thing == "" || len(thing) > 128 || !nameRe.MatchString(thing) {
		return shadowerr.New(shadowerr.KindInvalidArguments, "invalid thing name")
	}
	if shadowName != "" && (len(shadowName) > 128 || !nameRe.MatchString(shadowName)) {
		return shadowerr.New(shadowerr.KindInvalidArguments, "invalid shadow name")
	}
	return nil
}

// ValidateNames exports the same (thing, shadowName) naming rule the
// request handlers enforce, for callers outside this package that need to
// validate names against the identical regex (internal/syncconfig does,
// when expanding the synchronize configuration).
func ValidateNames(thing, shadowName string) error {
	return validateNames(thing, shadowName)
}

func (h *Handlers) authorize(req Request, op string) error {
	if h.Authz == nil {
		return nil
	}
	if err := h.Authz.Authorize(req.Token, req.Thing, req.ShadowName, op); err != nil {
		return shadowerr.Wrap(shadowerr.KindUnauthorized, "authorization denied", err)
	}
	return nil
}

func (h *Handlers) throttle(thing string) error {
	if thing == "" || h.RateLimit == nil {
		return nil
	}
	decision := h.RateLimit.Allow(thing)
	if decision.Allowed {
		return nil
	}
	if decision.GlobalRefused {
		if h.Metrics != nil {
			h.Metrics.IncrementThrottledTotal()
		}
		return shadowerr.New(shadowerr.KindThrottledTotal, "request throttled: global rate limit exceeded")
	}
	if h.Metrics != nil {
		h.Metrics.IncrementThrottledPerThing()
	}
	return shadowerr.New(shadowerr.KindThrottledPerThing, "request throttled: per-thing rate limit exceeded")
}

func now() int64 { return time.Now().UnixMilli() }

func (h *Handlers) publishAccepted(req Request, op pubsub.Operation, payload []byte) {
	topic := pubsub.ResponseTopic(req.Thing, req.ShadowName, op, pubsub.SuffixAccepted)
	if err := h.PubSub.Publish(topic, payload); err != nil {
		logger.Get().Warn("failed to publish accepted", zap.String("topic", topic), zap.Error(err))
	}
}

func (h *Handlers) publishRejected(req Request, op pubsub.Operation, err error) {
	se := shadowerr.Wrap(shadowerr.KindOf(err), err.Error(), err)
	msg := shadow.ErrorMessage{Code: se.Code(), Message: err.Error(), Timestamp: now()}
	body, _ := json.Marshal(msg)
	topic := pubsub.ResponseTopic(req.Thing, req.ShadowName, op, pubsub.SuffixRejected)
	if pubErr := h.PubSub.Publish(topic, body); pubErr != nil {
		logger.Get().Warn("failed to publish rejected", zap.String("topic", topic), zap.Error(pubErr))
	}
}

func (h *Handlers) publishDelta(req Request, delta map[string]interface{}) {
	if len(delta) == 0 {
		return
	}
	body, err := json.Marshal(struct {
		State     map[string]interface{} `json:"state"`
		Timestamp int64                   `json:"timestamp"`
	}{State: delta, Timestamp: now()})
	if err != nil {
		return
	}
	topic := pubsub.DeltaTopic(req.Thing, req.ShadowName)
	if pubErr := h.PubSub.Publish(topic, body); pubErr != nil {
		logger.Get().Warn("failed to publish delta", zap.String("topic", topic), zap.Error(pubErr))
	}
}

func (h *Handlers) publishDocuments(req Request, event shadow.DocumentsEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		return
	}
	topic := pubsub.DocumentsTopic(req.Thing, req.ShadowName)
	if pubErr := h.PubSub.Publish(topic, body); pubErr != nil {
		logger.Get().Warn("failed to publish documents", zap.String("topic", topic), zap.Error(pubErr))
	}
}

// Get implements the GetThingShadow IPC operation.
func (h *Handlers) Get(ctx context.Context, req Request) (Response, error) {
	const op = pubsub.OpGet
	if h.Metrics != nil {
		h.Metrics.IncrementGets()
	}

	resp, err := h.get(ctx, req)
	if err != nil {
		h.publishRejected(req, op, err)
		h.recordRejected(err)
		return Response{}, err
	}
	h.publishAccepted(req, op, resp.Payload)
	return resp, nil
}

func (h *Handlers) get(ctx context.Context, req Request) (Response, error) {
	if err := validateNames(req.Thing, req.ShadowName); err != nil {
		return Response{}, err
	}
	if err := h.authorize(req, string(pubsub.OpGet)); err != nil {
		return Response{}, err
	}
	if err := h.throttle(req.Thing); err != nil {
		return Response{}, err
	}

	doc, _, ok, err := h.DAO.Get(ctx, req.Thing, req.ShadowName)
	if err != nil {
		return Response{}, shadowerr.Wrap(shadowerr.KindServiceError, "failed to read shadow", err)
	}
	if !ok {
		return Response{}, shadowerr.New(shadowerr.KindResourceNotFound, "no shadow exists for thing")
	}
	return Response{Payload: doc, Timestamp: now()}, nil
}

// Update implements the UpdateThingShadow IPC operation.
func (h *Handlers) Update(ctx context.Context, req Request) (Response, error) {
	const op = pubsub.OpUpdate
	if h.Metrics != nil {
		h.Metrics.IncrementUpdates()
	}

	resp, delta, docsEvent, err := h.update(ctx, req)
	if err != nil {
		h.publishRejected(req, op, err)
		h.recordRejected(err)
		return Response{}, err
	}

	h.publishAccepted(req, op, resp.Payload)
	h.publishDelta(req, delta)
	h.publishDocuments(req, docsEvent)

	if h.Sync != nil && h.Queue != nil && h.Sync.IsSynced(req.Thing, req.ShadowName) && h.Sync.AllowDeviceToCloud() {
		h.Queue.Put(ctx, syncqueue.Request{
			Kind:       syncqueue.KindSyncLocalUpdate,
			Thing:      req.Thing,
			ShadowName: req.ShadowName,
			Payload:    resp.Payload,
		})
	}
	return resp, nil
}

func (h *Handlers) update(ctx context.Context, req Request) (Response, map[string]interface{}, shadow.DocumentsEvent, error) {
	if err := validateNames(req.Thing, req.ShadowName); err != nil {
		return Response{}, nil, shadow.DocumentsEvent{}, err
	}
	if err := h.authorize(req, string(pubsub.OpUpdate)); err != nil {
		return Response{}, nil, shadow.DocumentsEvent{}, err
	}
	if err := h.throttle(req.Thing); err != nil {
		return Response{}, nil, shadow.DocumentsEvent{}, err
	}
	return h.performUpdate(ctx, req.Thing, req.ShadowName, req.Payload)
}

// decodeStoredDocument unmarshals a stored document with UseNumber, the
// same way shadow.ValidateUpdatePayload decodes an incoming payload.
// Without this, a numeric leaf round-tripped through storage comes back
// as float64 while a freshly validated leaf is a json.Number, and
// shadow.computeDelta's reflect.DeepEqual never considers the two equal
// even when the value hasn't changed.
func decodeStoredDocument(raw []byte, out *shadow.Document) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(out)
}

// performUpdate runs the validate-merge-store sequence shared by the
// local Update handler and ApplyRemoteUpdate: it skips authorization and
// throttling, since a cloud-origin write is already trusted by the time
// it reaches the sync worker.
func (h *Handlers) performUpdate(ctx context.Context, thing, shadowName string, payload []byte) (Response, map[string]interface{}, shadow.DocumentsEvent, error) {
	release := h.Locks.Acquire(lock.Key(thing, shadowName))
	defer release()

	update, err := shadow.ValidateUpdatePayload(payload, h.MaxDocSize)
	if err != nil {
		return Response{}, nil, shadow.DocumentsEvent{}, err
	}

	raw, storedVersion, ok, err := h.DAO.Get(ctx, thing, shadowName)
	if err != nil {
		return Response{}, nil, shadow.DocumentsEvent{}, shadowerr.Wrap(shadowerr.KindServiceError, "failed to read shadow", err)
	}

	var existing *shadow.Document
	if ok {
		existing = &shadow.Document{}
		if err := decodeStoredDocument(raw, existing); err != nil {
			return Response{}, nil, shadow.DocumentsEvent{}, shadowerr.Wrap(shadowerr.KindServiceError, "corrupt stored document", err)
		}
		existing.Version = storedVersion
	}

	newDoc, delta, docsEvent, err := shadow.Merge(existing, update, now())
	if err != nil {
		return Response{}, nil, shadow.DocumentsEvent{}, err
	}

	body, err := json.Marshal(newDoc)
	if err != nil {
		return Response{}, nil, shadow.DocumentsEvent{}, shadowerr.Wrap(shadowerr.KindServiceError, "failed to marshal document", err)
	}

	if err := h.DAO.Update(ctx, thing, shadowName, body, newDoc.Version); err != nil {
		return Response{}, nil, shadow.DocumentsEvent{}, err
	}

	wireBody, err := json.Marshal(newDoc.ToWire(now()))
	if err != nil {
		return Response{}, nil, shadow.DocumentsEvent{}, shadowerr.Wrap(shadowerr.KindServiceError, "failed to marshal response", err)
	}

	return Response{Payload: wireBody, Timestamp: now()}, delta, docsEvent, nil
}

// Delete implements the DeleteThingShadow IPC operation.
func (h *Handlers) Delete(ctx context.Context, req Request) (Response, error) {
	const op = pubsub.OpDelete
	if h.Metrics != nil {
		h.Metrics.IncrementDeletes()
	}

	resp, docsEvent, err := h.delete(ctx, req)
	if err != nil {
		h.publishRejected(req, op, err)
		h.recordRejected(err)
		// On ResourceNotFound, performDelete still fills resp.Payload with
		// the last known {"version": ...} so the caller can tell a deleted
		// shadow apart from one that never existed; every other error
		// returns a zero Response.
		return resp, err
	}

	h.publishAccepted(req, op, []byte{})
	h.publishDocuments(req, docsEvent)

	if h.Sync != nil && h.Queue != nil && h.Sync.IsSynced(req.Thing, req.ShadowName) && h.Sync.AllowDeviceToCloud() {
		h.Queue.Put(ctx, syncqueue.Request{
			Kind:       syncqueue.KindSyncLocalDelete,
			Thing:      req.Thing,
			ShadowName: req.ShadowName,
		})
	}
	return resp, nil
}

func (h *Handlers) delete(ctx context.Context, req Request) (Response, shadow.DocumentsEvent, error) {
	if err := validateNames(req.Thing, req.ShadowName); err != nil {
		return Response{}, shadow.DocumentsEvent{}, err
	}
	if err := h.authorize(req, string(pubsub.OpDelete)); err != nil {
		return Response{}, shadow.DocumentsEvent{}, err
	}
	if err := h.throttle(req.Thing); err != nil {
		return Response{}, shadow.DocumentsEvent{}, err
	}
	return h.performDelete(ctx, req.Thing, req.ShadowName)
}

// performDelete runs the delete-and-build-documents-event sequence shared
// by the local Delete handler and ApplyRemoteDelete.
func (h *Handlers) performDelete(ctx context.Context, thing, shadowName string) (Response, shadow.DocumentsEvent, error) {
	release := h.Locks.Acquire(lock.Key(thing, shadowName))
	defer release()

	raw, version, ok, err := h.DAO.Delete(ctx, thing, shadowName)
	if err != nil {
		return Response{}, shadow.DocumentsEvent{}, shadowerr.Wrap(shadowerr.KindServiceError, "failed to delete shadow", err)
	}
	if !ok {
		body, _ := json.Marshal(struct {
			Version int64 `json:"version"`
		}{Version: version})
		return Response{Payload: body}, shadow.DocumentsEvent{}, shadowerr.New(shadowerr.KindResourceNotFound, "no shadow exists for thing")
	}

	var deleted shadow.Document
	var docsEvent shadow.DocumentsEvent
	if json.Unmarshal(raw, &deleted) == nil {
		deleted.Version = version
		docsEvent = shadow.DocumentsEvent{Previous: deleted.ToWire(now()), Current: nil}
	}

	return Response{Payload: []byte{}, Timestamp: now()}, docsEvent, nil
}

// ApplyRemoteUpdate applies a cloud-originated document as a local update:
// same validate-merge-store-publish sequence as Update, but without
// authorization, throttling or re-enqueuing sync work, since the write
// already came from the cloud side of the sync plane.
func (h *Handlers) ApplyRemoteUpdate(ctx context.Context, thing, shadowName string, payload []byte) (Response, error) {
	req := Request{Thing: thing, ShadowName: shadowName}
	const op = pubsub.OpUpdate

	resp, delta, docsEvent, err := h.performUpdate(ctx, thing, shadowName, payload)
	if err != nil {
		h.publishRejected(req, op, err)
		return Response{}, err
	}

	h.publishAccepted(req, op, resp.Payload)
	h.publishDelta(req, delta)
	h.publishDocuments(req, docsEvent)
	return resp, nil
}

// ApplyRemoteDelete applies a cloud-originated deletion locally. A shadow
// already absent locally is treated as success, matching the spec's
// CloudDeleteLocal idempotence rule.
func (h *Handlers) ApplyRemoteDelete(ctx context.Context, thing, shadowName string) (Response, error) {
	req := Request{Thing: thing, ShadowName: shadowName}
	const op = pubsub.OpDelete

	resp, docsEvent, err := h.performDelete(ctx, thing, shadowName)
	if err != nil {
		if shadowerr.KindOf(err) == shadowerr.KindResourceNotFound {
			return Response{}, nil
		}
		h.publishRejected(req, op, err)
		return Response{}, err
	}

	h.publishAccepted(req, op, []byte{})
	h.publishDocuments(req, docsEvent)
	return resp, nil
}

// List implements the ListNamedShadowsForThing IPC operation.
func (h *Handlers) List(ctx context.Context, req Request) (Response, error) {
	const op = pubsub.OpList
	if h.Metrics != nil {
		h.Metrics.IncrementLists()
	}

	resp, err := h.list(ctx, req)
	if err != nil {
		h.publishRejected(req, op, err)
		h.recordRejected(err)
		return Response{}, err
	}
	body, marshalErr := json.Marshal(struct {
		Results   []string `json:"results"`
		NextToken string   `json:"nextToken,omitempty"`
		Timestamp int64    `json:"timestamp"`
	}{Results: resp.Results, NextToken: resp.NextToken, Timestamp: resp.Timestamp})
	if marshalErr == nil {
		h.publishAccepted(req, op, body)
	}
	return resp, nil
}

func (h *Handlers) list(ctx context.Context, req Request) (Response, error) {
	if err := validateNames(req.Thing, ""); err != nil {
		return Response{}, err
	}
	if err := h.authorize(req, "list"); err != nil {
		return Response{}, err
	}
	if err := h.throttle(req.Thing); err != nil {
		return Response{}, err
	}

	pageSize := req.PageSize
	if pageSize == 0 {
		pageSize = defaultPageSize
	}
	if pageSize < 1 || pageSize > maxPageSize {
		return Response{}, shadowerr.New(shadowerr.KindInvalidArguments, "pageSize must be between 1 and 100")
	}

	offset := 0
	if req.NextToken != "" {
		decodedThing, decodedOffset, err := h.decodeToken(req.NextToken)
		if err != nil {
			return Response{}, shadowerr.New(shadowerr.KindInvalidArguments, "invalid nextToken")
		}
		if decodedThing != req.Thing {
			return Response{}, shadowerr.New(shadowerr.KindInvalidArguments, "invalid nextToken")
		}
		offset = decodedOffset
	}

	results, err := h.DAO.ListNamedShadows(ctx, req.Thing, offset, pageSize)
	if err != nil {
		return Response{}, err
	}

	resp := Response{Results: results, Timestamp: now()}
	if len(results) == pageSize {
		token, err := h.encodeToken(req.Thing, offset+pageSize)
		if err == nil {
			resp.NextToken = token
		}
	}
	return resp, nil
}

func (h *Handlers) encodeToken(thing string, offset int) (string, error) {
	return h.TokenSeal.Encrypt(fmt.Sprintf("%s\x00%d", thing, offset))
}

func (h *Handlers) decodeToken(token string) (string, int, error) {
	plain, err := h.TokenSeal.Decrypt(token)
	if err != nil {
		return "", 0, err
	}
	thing, offsetStr, found := strings.Cut(plain, "\x00")
	if !found {
		return "", 0, fmt.Errorf("malformed token")
	}
	var offset int
	if _, err := fmt.Sscanf(offsetStr, "%d", &offset); err != nil {
		return "", 0, err
	}
	return thing, offset, nil
}
