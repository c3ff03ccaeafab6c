package main

import (
	"bytes"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/itiky/deltasync/model"
	"github.com/itiky/deltasync/service/server"
	"github.com/itiky/deltasync/storage"
)

func Test_FetchCmd_Set(t *testing.T) {
	logger := zaptest.NewLogger(t)

	store, err := storage.NewStore(storage.WithLogger(logger))
	require.NoError(t, err)
	svc, err := server.NewSyncService(store, server.WithLogger(logger))
	require.NoError(t, err)
	svc.Start()
	defer svc.Stop()

	handler, err := server.NewHandler(svc, logger)
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetArgs([]string{"fetch", "--url", srv.URL, "--path", "a.b", "--set", `{"c": 1}`, "--base", "0"})
	require.NoError(t, rootCmd.Execute())

	expected := model.Map{"a": model.Map{"b": model.Map{"c": model.Number(1)}}}
	require.True(t, model.Equal(expected, store.Data()), "got %s", store.Data())
	require.Contains(t, out.String(), `"revision": "1"`)
	require.Contains(t, out.String(), `"patch"`)
}
