package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/itiky/deltasync/model"
)

func newTestServer(t *testing.T, opts ...ServiceOpt) (*SyncService, *httptest.Server) {
	svc := newTestService(t, opts...)

	h, err := NewHandler(svc, zaptest.NewLogger(t))
	require.NoError(t, err)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return svc, srv
}

func requireCORS(t *testing.T, resp *http.Response) {
	t.Helper()

	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, "POST, GET, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
	require.Equal(t, "Origin, X-Requested-With, Content-Type, Accept", resp.Header.Get("Access-Control-Allow-Headers"))
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func postJSON(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()

	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, raw
}

func decodeResponse(t *testing.T, raw []byte) model.Response {
	t.Helper()

	var res model.Response
	require.NoError(t, json.Unmarshal(raw, &res), string(raw))

	return res
}

func Test_Handler_Preflight(t *testing.T) {
	_, srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, raw)
	requireCORS(t, resp)
}

func Test_Handler_Get(t *testing.T) {
	svc, srv := newTestServer(t)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	requireCORS(t, resp)
	require.True(t, bytes.HasSuffix(raw, []byte("\n")))

	res := decodeResponse(t, raw)
	require.Equal(t, model.Revision("0"), res.Revision)
	require.Equal(t, svc.Store().UID(), res.Store)
	require.False(t, res.HasPatch())
	require.NotNil(t, res.Data)
}

func Test_Handler_Post(t *testing.T) {
	svc, srv := newTestServer(t)

	// Empty body
	resp, raw := postJSON(t, srv.URL, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, model.Revision("0"), decodeResponse(t, raw).Revision)

	body := `{"store":"` + svc.Store().UID() + `","base":"0","patch":{"a":{"b":1}},` +
		`"rpc":[{"jsonrpc":"2.0","id":1,"method":"echo","params":[1,"x"]}]}`
	resp, raw = postJSON(t, srv.URL, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	requireCORS(t, resp)

	res := decodeResponse(t, raw)
	require.Equal(t, model.Revision("1"), res.Revision)
	require.True(t, model.Equal(model.Map{"a": model.Map{"b": model.Number(1)}}, res.Patch), "got %s", res.Patch)
	require.Len(t, res.Ans, 1)
	require.Equal(t, int64(1), res.Ans[0].ID)
	require.True(t, model.Equal(model.Array{model.Number(1), model.String("x")}, res.Ans[0].Result))
}

// Test parks a request over HTTP and releases it with a patch from another connection.
func Test_Handler_LongPoll(t *testing.T) {
	svc, srv := newTestServer(t)

	body := `{"store":"` + svc.Store().UID() + `","base":"0","wait":true}`
	resCh := make(chan []byte, 1)
	go func() {
		resp, err := http.Post(srv.URL, "application/json", strings.NewReader(body))
		if err != nil {
			resCh <- nil
			return
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		resCh <- raw
	}()

	time.Sleep(50 * time.Millisecond)
	resp, _ := postJSON(t, srv.URL, `{"patch":{"x":"y"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case raw := <-resCh:
		require.NotNil(t, raw)
		res := decodeResponse(t, raw)
		require.Equal(t, model.Revision("1"), res.Revision)
		require.True(t, model.Equal(model.Map{"x": model.String("y")}, res.Patch), "got %s", res.Patch)
	case <-time.After(2 * time.Second):
		t.Fatal("long-poll not released")
	}
}

func Test_Handler_Malformed(t *testing.T) {
	svc, srv := newTestServer(t)

	for _, body := range []string{`{`, `[]`, `{"base": 1}`, `{"patch": [1]}`} {
		resp, raw := postJSON(t, srv.URL, body)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		requireCORS(t, resp)

		var errRes map[string]string
		require.NoError(t, json.Unmarshal(raw, &errRes))
		require.Contains(t, errRes["error"], ErrMalformedRequest.Error())
	}

	require.Equal(t, model.Revision("0"), svc.Store().Revision())
}

func Test_Handler_BodyLimit(t *testing.T) {
	_, srv := newTestServer(t, WithConfig(Config{QueueSize: 1, MaxBodyBytes: 16}))

	resp, _ := postJSON(t, srv.URL, `{"patch":{"key":"a rather long value"}}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func Test_Handler_Stopped(t *testing.T) {
	svc, srv := newTestServer(t)
	svc.Stop()

	resp, raw := postJSON(t, srv.URL, `{}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Contains(t, string(raw), ErrStopped.Error())
}
