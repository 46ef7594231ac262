package handlers

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegatekit/shadowmgr/internal/authz"
	"github.com/edgegatekit/shadowmgr/internal/lock"
	"github.com/edgegatekit/shadowmgr/internal/metrics"
	"github.com/edgegatekit/shadowmgr/internal/pubsub/pubsubtest"
	"github.com/edgegatekit/shadowmgr/internal/ratelimit"
	"github.com/edgegatekit/shadowmgr/internal/security"
	"github.com/edgegatekit/shadowmgr/internal/shadow"
	"github.com/edgegatekit/shadowmgr/internal/shadowerr"
	"github.com/edgegatekit/shadowmgr/internal/store"
	"github.com/edgegatekit/shadowmgr/internal/syncqueue"
)

// fakeDAO is an in-memory store.DAO for handler tests.
type fakeDAO struct {
	docs map[string][]byte
	vers map[string]int64

	getErr    error
	updateErr error
	deleteErr error
	listErr   error
}

func newFakeDAO() *fakeDAO {
	return &fakeDAO{docs: make(map[string][]byte), vers: make(map[string]int64)}
}

func key(thing, shadowName string) string { return thing + "\x00" + shadowName }

func (d *fakeDAO) Create(ctx context.Context, thing, shadowName string, document []byte, version int64) error {
	k := key(thing, shadowName)
	if _, ok := d.docs[k]; ok {
		return shadowerr.New(shadowerr.KindConflictError, "already exists")
	}
	d.docs[k] = document
	d.vers[k] = version
	return nil
}

func (d *fakeDAO) Get(ctx context.Context, thing, shadowName string) ([]byte, int64, bool, error) {
	if d.getErr != nil {
		return nil, 0, false, d.getErr
	}
	k := key(thing, shadowName)
	doc, ok := d.docs[k]
	if !ok {
		return nil, 0, false, nil
	}
	return doc, d.vers[k], true, nil
}

func (d *fakeDAO) Update(ctx context.Context, thing, shadowName string, document []byte, version int64) error {
	if d.updateErr != nil {
		return d.updateErr
	}
	k := key(thing, shadowName)
	d.docs[k] = document
	d.vers[k] = version
	return nil
}

func (d *fakeDAO) Delete(ctx context.Context, thing, shadowName string) ([]byte, int64, bool, error) {
	if d.deleteErr != nil {
		return nil, 0, false, d.deleteErr
	}
	k := key(thing, shadowName)
	doc, ok := d.docs[k]
	version := d.vers[k]
	if !ok {
		return nil, version, false, nil
	}
	delete(d.docs, k)
	delete(d.vers, k)
	return doc, version, true, nil
}

func (d *fakeDAO) ListNamedShadows(ctx context.Context, thing string, offset, limit int) ([]string, error) {
	if d.listErr != nil {
		return nil, d.listErr
	}
	return nil, nil
}

func (d *fakeDAO) InsertSyncInfoIfNotExists(ctx context.Context, row store.SyncInfo) error { return nil }
func (d *fakeDAO) UpdateSyncInformation(ctx context.Context, row store.SyncInfo) error      { return nil }
func (d *fakeDAO) GetShadowSyncInformation(ctx context.Context, thing, shadowName string) (*store.SyncInfo, bool, error) {
	return nil, false, nil
}
func (d *fakeDAO) ListSyncedShadows(ctx context.Context) ([]store.ThingShadow, error) { return nil, nil }
func (d *fakeDAO) DeleteSyncInformation(ctx context.Context, thing, shadowName string) error {
	return nil
}
func (d *fakeDAO) Close() error { return nil }

// denyLimiter always denies, for exercising the throttled path. Global
// controls whether the refusal is reported as the global bucket or
// thing's own per-thing bucket.
type denyLimiter struct {
	Global bool
}

func (d denyLimiter) Allow(thing string) ratelimit.Decision {
	return ratelimit.Decision{Allowed: false, GlobalRefused: d.Global}
}
func (denyLimiter) Stats(thing string) (float64, int) { return 0, 1 }

func newTestHandlers() (*Handlers, *fakeDAO, *pubsubtest.FakeClient) {
	wrapper, fc := pubsubtest.NewWrapper()
	dao := newFakeDAO()
	h := &Handlers{
		DAO:        dao,
		Locks:      lock.NewRegistry(),
		PubSub:     wrapper,
		Authz:      authz.AllowAll{},
		TokenSeal:  security.NewEncryptionService("test-secret"),
		MaxDocSize: shadow.DefaultMaxDocSize,
		Metrics:    metrics.NewMetrics(),
	}
	return h, dao, fc
}

func TestGetReturnsResourceNotFoundWhenAbsent(t *testing.T) {
	h, _, fc := newTestHandlers()

	_, err := h.Get(context.Background(), Request{Thing: "t1"})

	require.Error(t, err)
	assert.Equal(t, shadowerr.KindResourceNotFound, shadowerr.KindOf(err))
	require.Len(t, fc.Published, 1)
	assert.Contains(t, fc.Published[0].Topic, "/shadow/get/rejected")
}

func TestGetReturnsStoredDocument(t *testing.T) {
	h, dao, fc := newTestHandlers()
	dao.docs[key("t1", "")] = []byte(`{"state":{"desired":{"on":true}}}`)
	dao.vers[key("t1", "")] = 3

	resp, err := h.Get(context.Background(), Request{Thing: "t1"})

	require.NoError(t, err)
	assert.Equal(t, []byte(`{"state":{"desired":{"on":true}}}`), resp.Payload)
	require.Len(t, fc.Published, 1)
	assert.Contains(t, fc.Published[0].Topic, "/shadow/get/accepted")
}

func TestGetRejectsInvalidThingName(t *testing.T) {
	h, _, _ := newTestHandlers()

	_, err := h.Get(context.Background(), Request{Thing: "bad thing!"})

	require.Error(t, err)
	assert.Equal(t, shadowerr.KindInvalidArguments, shadowerr.KindOf(err))
}

func TestGetCountsRejectedButNotConflictOnNotFound(t *testing.T) {
	h, _, _ := newTestHandlers()

	_, err := h.Get(context.Background(), Request{Thing: "t1"})
	require.Error(t, err)

	assert.EqualValues(t, 1, h.Metrics.TotalGets)
	assert.EqualValues(t, 1, h.Metrics.RejectedTotal)
	assert.EqualValues(t, 0, h.Metrics.ConflictErrors)
}

func TestUpdateCreatesNewDocumentAndPublishesDelta(t *testing.T) {
	h, dao, fc := newTestHandlers()

	resp, err := h.Update(context.Background(), Request{
		Thing:   "t1",
		Payload: []byte(`{"state":{"desired":{"on":true}}}`),
	})

	require.NoError(t, err)
	assert.NotEmpty(t, resp.Payload)
	_, _, ok, _ := dao.Get(context.Background(), "t1", "")
	assert.True(t, ok)

	var sawDelta, sawAccepted, sawDocuments bool
	for _, p := range fc.Published {
		switch {
		case strings.Contains(p.Topic, "/shadow/update/delta"):
			sawDelta = true
		case strings.Contains(p.Topic, "/shadow/update/accepted"):
			sawAccepted = true
		case strings.Contains(p.Topic, "/shadow/update/documents"):
			sawDocuments = true
		}
	}
	assert.True(t, sawAccepted)
	assert.True(t, sawDelta)
	assert.True(t, sawDocuments)
}

func TestUpdateRejectsEmptyPayload(t *testing.T) {
	h, _, _ := newTestHandlers()

	_, err := h.Update(context.Background(), Request{Thing: "t1", Payload: nil})

	require.Error(t, err)
	assert.Equal(t, shadowerr.KindInvalidArguments, shadowerr.KindOf(err))
}

func TestUpdateEnqueuesSyncWorkWhenSyncedAndAllowed(t *testing.T) {
	h, _, _ := newTestHandlers()
	h.Sync = alwaysSynced{}
	h.Queue = syncqueue.NewQueue(10, syncqueue.DefaultMerger{})

	_, err := h.Update(context.Background(), Request{
		Thing:   "t1",
		Payload: []byte(`{"state":{"desired":{"on":true}}}`),
	})

	require.NoError(t, err)
	assert.Equal(t, 1, h.Queue.Size())
}

func TestDeleteOfAbsentShadowReturnsVersionBody(t *testing.T) {
	h, _, fc := newTestHandlers()

	resp, err := h.Delete(context.Background(), Request{Thing: "t1"})

	require.Error(t, err)
	assert.Equal(t, shadowerr.KindResourceNotFound, shadowerr.KindOf(err))
	var body struct {
		Version int64 `json:"version"`
	}
	require.NoError(t, json.Unmarshal(resp.Payload, &body))
	require.Len(t, fc.Published, 1)
	assert.Contains(t, fc.Published[0].Topic, "/shadow/delete/rejected")
}

func TestDeleteRemovesExistingDocument(t *testing.T) {
	h, dao, fc := newTestHandlers()
	dao.docs[key("t1", "")] = []byte(`{"state":{"desired":{"on":true}}}`)
	dao.vers[key("t1", "")] = 1

	_, err := h.Delete(context.Background(), Request{Thing: "t1"})

	require.NoError(t, err)
	_, _, ok, _ := dao.Get(context.Background(), "t1", "")
	assert.False(t, ok)

	var sawDocuments bool
	for _, p := range fc.Published {
		if strings.Contains(p.Topic, "/shadow/delete/documents") {
			sawDocuments = true
		}
	}
	assert.True(t, sawDocuments)
}

func TestThrottleRejectsWithThrottledTotalAndCountsMetric(t *testing.T) {
	h, _, _ := newTestHandlers()
	h.RateLimit = denyLimiter{Global: true}

	_, err := h.Get(context.Background(), Request{Thing: "t1"})

	require.Error(t, err)
	assert.Equal(t, shadowerr.KindThrottledTotal, shadowerr.KindOf(err))
	assert.EqualValues(t, 1, h.Metrics.ThrottledTotal)
}

func TestThrottleRejectsWithThrottledPerThingAndCountsMetric(t *testing.T) {
	h, _, _ := newTestHandlers()
	h.RateLimit = denyLimiter{Global: false}

	_, err := h.Get(context.Background(), Request{Thing: "t1"})

	require.Error(t, err)
	assert.Equal(t, shadowerr.KindThrottledPerThing, shadowerr.KindOf(err))
	assert.EqualValues(t, 1, h.Metrics.ThrottledThing)
}

func TestListDefaultsPageSizeAndReturnsEmptyResults(t *testing.T) {
	h, _, fc := newTestHandlers()

	resp, err := h.List(context.Background(), Request{Thing: "t1"})

	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Empty(t, resp.NextToken)
	require.Len(t, fc.Published, 1)
	assert.Contains(t, fc.Published[0].Topic, "/shadow/list/accepted")
}

func TestListRejectsOutOfRangePageSize(t *testing.T) {
	h, _, _ := newTestHandlers()

	_, err := h.List(context.Background(), Request{Thing: "t1", PageSize: 1000})

	require.Error(t, err)
	assert.Equal(t, shadowerr.KindInvalidArguments, shadowerr.KindOf(err))
}

func TestListRejectsNextTokenMintedForAnotherThing(t *testing.T) {
	h, _, _ := newTestHandlers()
	token, err := h.encodeToken("other-thing", 25)
	require.NoError(t, err)

	_, err = h.List(context.Background(), Request{Thing: "t1", NextToken: token})

	require.Error(t, err)
	assert.Equal(t, shadowerr.KindInvalidArguments, shadowerr.KindOf(err))
}

func TestApplyRemoteDeleteIsIdempotentOnAbsentShadow(t *testing.T) {
	h, _, fc := newTestHandlers()

	resp, err := h.ApplyRemoteDelete(context.Background(), "t1", "")

	require.NoError(t, err)
	assert.Empty(t, resp.Payload)
	assert.Empty(t, fc.Published)
}

func TestApplyRemoteUpdateSkipsAuthAndThrottleButPublishes(t *testing.T) {
	h, _, fc := newTestHandlers()
	h.Authz = denyAll{}
	h.RateLimit = denyLimiter{}

	resp, err := h.ApplyRemoteUpdate(context.Background(), "t1", "", []byte(`{"state":{"reported":{"on":true}}}`))

	require.NoError(t, err)
	assert.NotEmpty(t, resp.Payload)
	require.NotEmpty(t, fc.Published)
}

// alwaysSynced satisfies SyncMembership, always reporting in-sync and
// device-to-cloud allowed.
type alwaysSynced struct{}

func (alwaysSynced) IsSynced(thing, shadowName string) bool { return true }
func (alwaysSynced) AllowDeviceToCloud() bool                { return true }

type denyAll struct{}

func (denyAll) Authorize(token, thing, shadowName, operation string) error {
	return shadowerr.New(shadowerr.KindUnauthorized, "denied")
}

