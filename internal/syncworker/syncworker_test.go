package syncworker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegatekit/shadowmgr/internal/handlers"
	"github.com/edgegatekit/shadowmgr/internal/shadow"
	"github.com/edgegatekit/shadowmgr/internal/shadowerr"
	"github.com/edgegatekit/shadowmgr/internal/store"
	"github.com/edgegatekit/shadowmgr/internal/syncqueue"
)

type fakeDAO struct {
	mu   sync.Mutex
	rows map[string]store.SyncInfo
}

func newFakeDAO() *fakeDAO { return &fakeDAO{rows: make(map[string]store.SyncInfo)} }

func (f *fakeDAO) key(thing, shadowName string) string { return thing + "\x00" + shadowName }

func (f *fakeDAO) Create(ctx context.Context, thing, shadowName string, document []byte, version int64) error {
	return nil
}
func (f *fakeDAO) Get(ctx context.Context, thing, shadowName string) ([]byte, int64, bool, error) {
	return nil, 0, false, nil
}
func (f *fakeDAO) Update(ctx context.Context, thing, shadowName string, document []byte, version int64) error {
	return nil
}
func (f *fakeDAO) Delete(ctx context.Context, thing, shadowName string) ([]byte, int64, bool, error) {
	return nil, 0, false, nil
}
func (f *fakeDAO) ListNamedShadows(ctx context.Context, thing string, offset, limit int) ([]string, error) {
	return nil, nil
}
func (f *fakeDAO) InsertSyncInfoIfNotExists(ctx context.Context, row store.SyncInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(row.Thing, row.ShadowName)
	if _, ok := f.rows[k]; !ok {
		f.rows[k] = row
	}
	return nil
}
func (f *fakeDAO) UpdateSyncInformation(ctx context.Context, row store.SyncInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[f.key(row.Thing, row.ShadowName)] = row
	return nil
}
func (f *fakeDAO) GetShadowSyncInformation(ctx context.Context, thing, shadowName string) (*store.SyncInfo, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[f.key(thing, shadowName)]
	if !ok {
		return nil, false, nil
	}
	cp := row
	return &cp, true, nil
}
func (f *fakeDAO) ListSyncedShadows(ctx context.Context) ([]store.ThingShadow, error) { return nil, nil }
func (f *fakeDAO) DeleteSyncInformation(ctx context.Context, thing, shadowName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, f.key(thing, shadowName))
	return nil
}
func (f *fakeDAO) Close() error { return nil }

type fakeCloud struct {
	mu            sync.Mutex
	getResp       []byte
	getErr        error
	updatePayload []byte
	updateResp    []byte
	updateErr     error
	deleteErr     error
	deleted       bool
}

func (c *fakeCloud) GetShadow(ctx context.Context, thing, shadowName string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	return c.getResp, nil
}
func (c *fakeCloud) UpdateShadow(ctx context.Context, thing, shadowName string, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updatePayload = payload
	if c.updateErr != nil {
		return nil, c.updateErr
	}
	return c.updateResp, nil
}
func (c *fakeCloud) DeleteShadow(ctx context.Context, thing, shadowName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = true
	return c.deleteErr
}

type fakeApplier struct {
	mu          sync.Mutex
	updateCalls int
	deleteCalls int
	updateResp  handlers.Response
	updateErr   error
	deleteErr   error
}

func (a *fakeApplier) ApplyRemoteUpdate(ctx context.Context, thing, shadowName string, payload []byte) (handlers.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updateCalls++
	return a.updateResp, a.updateErr
}
func (a *fakeApplier) ApplyRemoteDelete(ctx context.Context, thing, shadowName string) (handlers.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleteCalls++
	return handlers.Response{}, a.deleteErr
}

func TestDirectionWrapperDefaults(t *testing.T) {
	d := NewDirectionWrapper(DirectionBidi)
	assert.True(t, d.AllowDeviceToCloud())
	assert.True(t, d.AllowCloudToDevice())

	d.Set(DirectionDeviceToCloud)
	assert.True(t, d.AllowDeviceToCloud())
	assert.False(t, d.AllowCloudToDevice())

	d.Set(DirectionCloudToDevice)
	assert.False(t, d.AllowDeviceToCloud())
	assert.True(t, d.AllowCloudToDevice())
}

func TestClassifyErrors(t *testing.T) {
	assert.Equal(t, outcomeSuccess, classify(nil))
	assert.Equal(t, outcomeFatal, classify(shadowerr.New(shadowerr.KindConflictError, "x")))
	assert.Equal(t, outcomeSkip, classify(shadowerr.New(shadowerr.KindResourceNotFound, "x")))
	assert.Equal(t, outcomeSkip, classify(shadowerr.New(shadowerr.KindInvalidArguments, "x")))
	assert.Equal(t, outcomeRetry, classify(shadowerr.New(shadowerr.KindServiceError, "x")))
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	d1 := backoffDelay(1)
	assert.InDelta(t, float64(backoffInitial), float64(d1), float64(backoffInitial)*backoffJitter+1)

	d5 := backoffDelay(5)
	assert.LessOrEqual(t, d5, backoffCap+time.Duration(float64(backoffCap)*backoffJitter))
}

func TestSyncLocalUpdateWritesSyncRow(t *testing.T) {
	dao := newFakeDAO()
	cloudClient := &fakeCloud{updateResp: mustMarshalWire(t, shadow.WireDocument{Version: 7})}
	p := &Pool{DAO: dao, Cloud: cloudClient}

	doc := shadow.WireDocument{Version: 3, State: shadow.StateDocument{Reported: map[string]interface{}{"on": true}}}
	req := syncqueue.Request{Kind: syncqueue.KindSyncLocalUpdate, Thing: "t1", Payload: mustMarshal(t, doc)}

	err := p.executeRequest(context.Background(), req)
	require.NoError(t, err)

	info, ok, err := dao.GetShadowSyncInformation(context.Background(), "t1", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(7), info.CloudVersion)
	assert.Equal(t, int64(3), info.LocalVersion)
}

func TestSyncLocalUpdateMergesAgainstRemoteDocument(t *testing.T) {
	dao := newFakeDAO()
	remote := mustMarshalWire(t, shadow.WireDocument{
		Version: 9,
		State:   shadow.StateDocument{Reported: map[string]interface{}{"temp": 21}},
	})
	cloudClient := &fakeCloud{
		getResp:    remote,
		updateResp: mustMarshalWire(t, shadow.WireDocument{Version: 10}),
	}
	p := &Pool{DAO: dao, Cloud: cloudClient}

	doc := shadow.WireDocument{Version: 1, State: shadow.StateDocument{Reported: map[string]interface{}{"on": true}}}
	req := syncqueue.Request{Kind: syncqueue.KindSyncLocalUpdate, Thing: "t1", Payload: mustMarshal(t, doc)}

	err := p.executeRequest(context.Background(), req)
	require.NoError(t, err)

	var pushed shadow.WireDocument
	require.NoError(t, json.Unmarshal(cloudClient.updatePayload, &pushed))
	assert.Equal(t, float64(21), pushed.State.Reported["temp"])
	assert.Equal(t, true, pushed.State.Reported["on"])
}

func TestSyncLocalUpdateTreatsMissingRemoteShadowAsEmpty(t *testing.T) {
	dao := newFakeDAO()
	cloudClient := &fakeCloud{
		getErr:     shadowerr.New(shadowerr.KindResourceNotFound, "cloud shadow does not exist"),
		updateResp: mustMarshalWire(t, shadow.WireDocument{Version: 1}),
	}
	p := &Pool{DAO: dao, Cloud: cloudClient}

	doc := shadow.WireDocument{Version: 1, State: shadow.StateDocument{Reported: map[string]interface{}{"on": true}}}
	req := syncqueue.Request{Kind: syncqueue.KindSyncLocalUpdate, Thing: "t1", Payload: mustMarshal(t, doc)}

	err := p.executeRequest(context.Background(), req)
	require.NoError(t, err)

	var pushed shadow.WireDocument
	require.NoError(t, json.Unmarshal(cloudClient.updatePayload, &pushed))
	assert.Equal(t, true, pushed.State.Reported["on"])
}

func TestSyncLocalUpdatePropagatesRemoteServiceError(t *testing.T) {
	dao := newFakeDAO()
	cloudClient := &fakeCloud{getErr: shadowerr.New(shadowerr.KindServiceError, "transient")}
	p := &Pool{DAO: dao, Cloud: cloudClient}

	doc := shadow.WireDocument{Version: 1, State: shadow.StateDocument{Reported: map[string]interface{}{"on": true}}}
	req := syncqueue.Request{Kind: syncqueue.KindSyncLocalUpdate, Thing: "t1", Payload: mustMarshal(t, doc)}

	err := p.executeRequest(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, shadowerr.KindServiceError, shadowerr.KindOf(err))
}

func TestSyncLocalDeleteCallsCloudDelete(t *testing.T) {
	dao := newFakeDAO()
	cloudClient := &fakeCloud{}
	p := &Pool{DAO: dao, Cloud: cloudClient}

	err := p.executeRequest(context.Background(), syncqueue.Request{Kind: syncqueue.KindSyncLocalDelete, Thing: "t1"})
	require.NoError(t, err)
	assert.True(t, cloudClient.deleted)

	info, ok, _ := dao.GetShadowSyncInformation(context.Background(), "t1", "")
	require.True(t, ok)
	assert.True(t, info.CloudDeleted)
}

func TestCloudUpdateLocalRejectsStaleVersion(t *testing.T) {
	dao := newFakeDAO()
	require.NoError(t, dao.UpdateSyncInformation(context.Background(), store.SyncInfo{Thing: "t1", CloudVersion: 5}))
	applier := &fakeApplier{}
	p := &Pool{DAO: dao, Applier: applier}

	err := p.executeRequest(context.Background(), syncqueue.Request{Kind: syncqueue.KindCloudUpdateLocal, Thing: "t1", Version: 5})
	require.Error(t, err)
	assert.Equal(t, shadowerr.KindConflictError, shadowerr.KindOf(err))
	assert.Equal(t, 0, applier.updateCalls)
}

func TestCloudUpdateLocalAppliesNewerVersion(t *testing.T) {
	dao := newFakeDAO()
	require.NoError(t, dao.UpdateSyncInformation(context.Background(), store.SyncInfo{Thing: "t1", CloudVersion: 5}))
	applier := &fakeApplier{updateResp: handlers.Response{Payload: mustMarshalWire(t, shadow.WireDocument{Version: 9})}}
	p := &Pool{DAO: dao, Applier: applier}

	err := p.executeRequest(context.Background(), syncqueue.Request{Kind: syncqueue.KindCloudUpdateLocal, Thing: "t1", Version: 6, Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, 1, applier.updateCalls)

	info, ok, _ := dao.GetShadowSyncInformation(context.Background(), "t1", "")
	require.True(t, ok)
	assert.Equal(t, int64(6), info.CloudVersion)
	assert.Equal(t, int64(9), info.LocalVersion)
}

func TestCloudDeleteLocalReturnsApplierError(t *testing.T) {
	dao := newFakeDAO()
	applier := &fakeApplier{deleteErr: shadowerr.New(shadowerr.KindResourceNotFound, "gone")}
	p := &Pool{DAO: dao, Applier: applier}

	err := p.executeRequest(context.Background(), syncqueue.Request{Kind: syncqueue.KindCloudDeleteLocal, Thing: "t1"})
	assert.Error(t, err)
	assert.Equal(t, shadowerr.KindResourceNotFound, shadowerr.KindOf(err))
}

func TestHandleRetriesServiceError(t *testing.T) {
	dao := newFakeDAO()
	cloudClient := &fakeCloud{updateErr: shadowerr.New(shadowerr.KindServiceError, "transient")}
	queue := syncqueue.NewQueue(8, syncqueue.DefaultMerger{})
	p := &Pool{DAO: dao, Cloud: cloudClient, Queue: queue}

	doc := shadow.WireDocument{Version: 1}
	req := syncqueue.Request{Kind: syncqueue.KindSyncLocalUpdate, Thing: "t1", Payload: mustMarshal(t, doc)}

	p.handle(context.Background(), req)

	require.Eventually(t, func() bool { return queue.Size() == 1 }, 5*time.Second, 20*time.Millisecond)
	requeued, ok := queue.Poll()
	require.True(t, ok)
	assert.Equal(t, 1, requeued.Attempt)
}

func TestRunRealTimeProcessesUntilCancel(t *testing.T) {
	dao := newFakeDAO()
	cloudClient := &fakeCloud{updateResp: mustMarshalWire(t, shadow.WireDocument{Version: 1})}
	queue := syncqueue.NewQueue(8, syncqueue.DefaultMerger{})
	p := &Pool{DAO: dao, Cloud: cloudClient, Queue: queue, Workers: 1}

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	doc := shadow.WireDocument{Version: 2}
	require.NoError(t, queue.Put(context.Background(), syncqueue.Request{Kind: syncqueue.KindSyncLocalUpdate, Thing: "t1", Payload: mustMarshal(t, doc)}))

	require.Eventually(t, func() bool { return queue.IsEmpty() }, time.Second, 10*time.Millisecond)
	cancel()
	p.Stop()
}

func TestRunPeriodicDrainsOnSchedule(t *testing.T) {
	dao := newFakeDAO()
	cloudClient := &fakeCloud{updateResp: mustMarshalWire(t, shadow.WireDocument{Version: 1})}
	queue := syncqueue.NewQueue(8, syncqueue.DefaultMerger{})
	p := &Pool{
		DAO: dao, Cloud: cloudClient, Queue: queue, Workers: 1,
		Strategy: Strategy{Kind: StrategyPeriodic, Delay: time.Second},
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	doc := shadow.WireDocument{Version: 2}
	require.NoError(t, queue.Put(context.Background(), syncqueue.Request{Kind: syncqueue.KindSyncLocalUpdate, Thing: "t1", Payload: mustMarshal(t, doc)}))

	require.Eventually(t, func() bool { return queue.IsEmpty() }, 3*time.Second, 50*time.Millisecond)
	cancel()
	p.Stop()
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func mustMarshalWire(t *testing.T, doc shadow.WireDocument) []byte {
	return mustMarshal(t, doc)
}
