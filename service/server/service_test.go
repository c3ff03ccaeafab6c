package server

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/itiky/deltasync/model"
	"github.com/itiky/deltasync/storage"
)

func newTestService(t *testing.T, opts ...ServiceOpt) *SyncService {
	logger := zaptest.NewLogger(t)

	store, err := storage.NewStore(storage.WithLogger(logger))
	require.NoError(t, err)

	opts = append([]ServiceOpt{WithLogger(logger)}, opts...)
	svc, err := NewSyncService(store, opts...)
	require.NoError(t, err)

	svc.Start()
	t.Cleanup(svc.Stop)

	return svc
}

type exchangeResult struct {
	res *model.Response
	err error
}

// exchangeAsync runs an exchange in background (long-poll).
func exchangeAsync(ctx context.Context, svc *SyncService, req *model.Request) <-chan exchangeResult {
	resCh := make(chan exchangeResult, 1)
	go func() {
		res, err := svc.Exchange(ctx, req)
		resCh <- exchangeResult{res: res, err: err}
	}()

	return resCh
}

func Test_SyncService_Init(t *testing.T) {
	svc := newTestService(t)

	res, err := svc.Exchange(context.Background(), &model.Request{})
	require.NoError(t, err)
	require.Equal(t, model.Revision("0"), res.Revision)
	require.Equal(t, svc.Store().UID(), res.Store)
	require.False(t, res.HasPatch())
	require.Empty(t, res.Data)
	require.Empty(t, res.Ans)

	// nil request is an empty one
	res, err = svc.Exchange(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, model.Revision("0"), res.Revision)
}

// Test parks a long-poll exchange and releases it with a patch sent by another client.
func Test_SyncService_LongPoll(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	uid := svc.Store().UID()

	commitsBefore := testutil.ToFloat64(commitsTotal)

	waitCh := exchangeAsync(ctx, svc, &model.Request{Store: uid, Base: "0", Wait: true})
	select {
	case r := <-waitCh:
		t.Fatalf("long-poll replied before a commit: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	res, err := svc.Exchange(ctx, &model.Request{Store: uid, Base: "0", Patch: model.Map{"x": model.Number(1)}})
	require.NoError(t, err)
	require.Equal(t, model.Revision("1"), res.Revision)
	require.True(t, res.HasPatch())
	require.True(t, model.Equal(model.Map{"x": model.Number(1)}, res.Patch), "got %s", res.Patch)

	select {
	case r := <-waitCh:
		require.NoError(t, r.err)
		require.Equal(t, model.Revision("1"), r.res.Revision)
		require.Equal(t, uid, r.res.Store)
		require.True(t, r.res.HasPatch())
		require.True(t, model.Equal(model.Map{"x": model.Number(1)}, r.res.Patch), "got %s", r.res.Patch)
	case <-time.After(time.Second):
		t.Fatal("long-poll not released")
	}

	require.Equal(t, commitsBefore+1, testutil.ToFloat64(commitsTotal))
}

func Test_SyncService_StaleBaseRepliesImmediately(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	uid := svc.Store().UID()

	_, err := svc.Exchange(ctx, &model.Request{Patch: model.Map{"a": model.String("a")}})
	require.NoError(t, err)

	res, err := svc.Exchange(ctx, &model.Request{Store: uid, Base: "0", Wait: true})
	require.NoError(t, err)
	require.Equal(t, model.Revision("1"), res.Revision)
	require.True(t, model.Equal(model.Map{"a": model.String("a")}, res.Patch), "got %s", res.Patch)

	// Unknown base: full document
	res, err = svc.Exchange(ctx, &model.Request{Store: uid, Base: "100", Wait: true})
	require.NoError(t, err)
	require.False(t, res.HasPatch())
	require.True(t, model.Equal(model.Map{"a": model.String("a")}, res.Data), "got %s", res.Data)
}

func Test_SyncService_EmptyCommitKeepsWaiting(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	uid := svc.Store().UID()

	waitCh := exchangeAsync(ctx, svc, &model.Request{Store: uid, Base: "0", Wait: true})

	// Creating an empty map is a new revision with no visible change
	res, err := svc.Exchange(ctx, &model.Request{Patch: model.Map{"a": model.Map{}}})
	require.NoError(t, err)
	require.Equal(t, model.Revision("1"), res.Revision)

	select {
	case r := <-waitCh:
		t.Fatalf("long-poll released by an empty diff: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	_, err = svc.Exchange(ctx, &model.Request{Patch: model.Map{"a": model.Map{"b": model.Bool(true)}}})
	require.NoError(t, err)

	select {
	case r := <-waitCh:
		require.NoError(t, r.err)
		require.Equal(t, model.Revision("2"), r.res.Revision)
		require.True(t, model.Equal(model.Map{"a": model.Map{"b": model.Bool(true)}}, r.res.Patch), "got %s", r.res.Patch)
	case <-time.After(time.Second):
		t.Fatal("long-poll not released")
	}
}

// Test sends a batch with a patch and RPC calls (known, unknown, reading own patch).
func Test_SyncService_RPC(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	uid := svc.Store().UID()

	res, err := svc.Exchange(ctx, &model.Request{
		Store: uid,
		Base:  "0",
		Patch: model.Map{"a": model.Number(1)},
		RPC: []model.Call{
			{JSONRPC: model.JSONRPCVersion, ID: 1, Method: MethodEcho, Params: model.String("hi")},
			{JSONRPC: model.JSONRPCVersion, ID: 2, Method: "bogus"},
			{JSONRPC: model.JSONRPCVersion, ID: 3, Method: MethodGet, Params: model.Map{"path": model.String("a")}},
			{JSONRPC: model.JSONRPCVersion, ID: 4, Method: MethodPatch, Params: model.Map{"b": model.Number(2)}},
			{JSONRPC: model.JSONRPCVersion, ID: 5, Method: MethodRevision},
		},
		// Ignored: calls are always answered right away
		Wait: true,
	})
	require.NoError(t, err)
	require.Equal(t, model.Revision("1"), res.Revision)
	require.True(t, model.Equal(model.Map{"a": model.Number(1), "b": model.Number(2)}, res.Patch), "got %s", res.Patch)

	require.Len(t, res.Ans, 5)
	for i, ans := range res.Ans {
		require.Equal(t, int64(i+1), ans.ID)
		require.Equal(t, model.JSONRPCVersion, ans.JSONRPC)
	}
	require.Nil(t, res.Ans[0].Error)
	require.Equal(t, model.String("hi"), res.Ans[0].Result)
	require.NotNil(t, res.Ans[1].Error)
	require.Equal(t, model.CodeMethodNotFound, res.Ans[1].Error.Code)
	require.Nil(t, res.Ans[2].Error)
	require.Equal(t, model.Number(1), res.Ans[2].Result)
	require.Nil(t, res.Ans[3].Error)
	require.Equal(t, model.Null{}, res.Ans[3].Result)
	require.Nil(t, res.Ans[4].Error)
	require.Equal(t, model.String("0"), res.Ans[4].Result)
}

// Test checks a failed exchange answers every call and the worker keeps serving.
func Test_SyncService_HandlePanic(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	panicked := false
	svc.Store().OnCommit(func(storage.Snapshot) {
		if !panicked {
			panicked = true
			panic("listener failure")
		}
	})

	res, err := svc.Exchange(ctx, &model.Request{
		Patch: model.Map{"a": model.Number(1)},
		RPC: []model.Call{
			{JSONRPC: model.JSONRPCVersion, ID: 1, Method: MethodEcho},
			{JSONRPC: model.JSONRPCVersion, ID: 2, Method: MethodPatch, Params: model.Map{"b": model.Number(2)}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, model.Revision("1"), res.Revision)
	require.Equal(t, svc.Store().UID(), res.Store)
	require.False(t, res.HasPatch())
	require.Len(t, res.Ans, 2)
	for i, ans := range res.Ans {
		require.Equal(t, int64(i+1), ans.ID)
		require.Nil(t, ans.Result)
		require.NotNil(t, ans.Error)
		require.Equal(t, model.CodeInternalError, ans.Error.Code)
	}

	res, err = svc.Exchange(ctx, &model.Request{Patch: model.Map{"c": model.Number(3)}})
	require.NoError(t, err)
	require.Equal(t, model.Revision("2"), res.Revision)
	require.True(t, model.Equal(model.Map{"a": model.Number(1), "b": model.Number(2), "c": model.Number(3)}, res.Data), "got %s", res.Data)
}

func Test_SyncService_StoreMismatch(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Exchange(ctx, &model.Request{Patch: model.Map{"a": model.Number(1)}})
	require.NoError(t, err)

	res, err := svc.Exchange(ctx, &model.Request{
		Store: "another-store",
		Base:  "1",
		Patch: model.Map{"b": model.Number(2)},
		RPC: []model.Call{
			{JSONRPC: model.JSONRPCVersion, ID: 1, Method: MethodRevision},
			{JSONRPC: model.JSONRPCVersion, ID: 2, Method: MethodPatch, Params: model.Map{"c": model.Number(3)}},
		},
		Wait: true,
	})
	require.NoError(t, err)

	// Snapshot of the untouched document
	require.Equal(t, model.Revision("1"), res.Revision)
	require.Equal(t, svc.Store().UID(), res.Store)
	require.False(t, res.HasPatch())
	require.True(t, model.Equal(model.Map{"a": model.Number(1)}, res.Data), "got %s", res.Data)

	require.Len(t, res.Ans, 2)
	require.Equal(t, model.String("1"), res.Ans[0].Result)
	require.NotNil(t, res.Ans[1].Error)
	require.Equal(t, model.CodeInvalidParams, res.Ans[1].Error.Code)
}

func Test_SyncService_CanceledWaiter(t *testing.T) {
	svc := newTestService(t)
	uid := svc.Store().UID()

	ctx, cancel := context.WithCancel(context.Background())
	waitCh := exchangeAsync(ctx, svc, &model.Request{Store: uid, Base: "0", Wait: true})

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case r := <-waitCh:
		require.ErrorIs(t, r.err, context.Canceled)
		require.Nil(t, r.res)
	case <-time.After(time.Second):
		t.Fatal("canceled long-poll not returned")
	}

	// Service keeps going
	res, err := svc.Exchange(context.Background(), &model.Request{Patch: model.Map{"x": model.Number(1)}})
	require.NoError(t, err)
	require.Equal(t, model.Revision("1"), res.Revision)
}

func Test_SyncService_Reset(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	uid := svc.Store().UID()

	waitCh := exchangeAsync(ctx, svc, &model.Request{Store: uid, Base: "0", Wait: true})
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, svc.Reset(ctx, model.Map{"fresh": model.Bool(true)}))
	require.NotEqual(t, uid, svc.Store().UID())

	select {
	case r := <-waitCh:
		require.NoError(t, r.err)
		require.Equal(t, svc.Store().UID(), r.res.Store)
		require.Equal(t, model.Revision("0"), r.res.Revision)
		require.False(t, r.res.HasPatch())
		require.True(t, model.Equal(model.Map{"fresh": model.Bool(true)}, r.res.Data), "got %s", r.res.Data)
	case <-time.After(time.Second):
		t.Fatal("long-poll not released by reset")
	}
}

func Test_SyncService_Stop(t *testing.T) {
	svc := newTestService(t)
	uid := svc.Store().UID()

	waitCh := exchangeAsync(context.Background(), svc, &model.Request{Store: uid, Base: "0", Wait: true})
	time.Sleep(20 * time.Millisecond)

	svc.Stop()

	select {
	case r := <-waitCh:
		require.ErrorIs(t, r.err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("parked exchange not failed on stop")
	}

	_, err := svc.Exchange(context.Background(), &model.Request{})
	require.ErrorIs(t, err, ErrStopped)
	require.ErrorIs(t, svc.Reset(context.Background(), nil), ErrStopped)
}

func Test_SyncService_Config(t *testing.T) {
	store, err := storage.NewStore()
	require.NoError(t, err)

	_, err = NewSyncService(nil)
	require.Error(t, err)

	_, err = NewSyncService(store, WithConfig(Config{QueueSize: -1, MaxBodyBytes: 1}))
	require.Error(t, err)

	_, err = NewSyncService(store, WithConfig(Config{QueueSize: 1}))
	require.Error(t, err)

	svc, err := NewSyncService(store)
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), svc.Config())

	// Never started
	svc.Stop()
}

func Benchmark_SyncService_Exchange(b *testing.B) {
	store, err := storage.NewStore()
	require.NoError(b, err)

	svc, err := NewSyncService(store)
	require.NoError(b, err)
	svc.Start()
	defer svc.Stop()

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res, err := svc.Exchange(ctx, &model.Request{Base: store.Revision(), Patch: model.Map{"n": model.Number(i)}})
		if err != nil {
			b.Fatal(err)
		}
		if !res.HasPatch() {
			b.Fatal("patch expected")
		}
	}
}
