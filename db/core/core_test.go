package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/InsulaLabs/drive/config"
	"github.com/InsulaLabs/drive/db/models"
	"github.com/InsulaLabs/drive/db/registry"
	"github.com/InsulaLabs/drive/db/tkv"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	core   *Core
	server *httptest.Server
	db     tkv.TKV
}

func newTestServer(t *testing.T, mutate func(*config.Node)) *testServer {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg := config.GenerateConfig()
	cfg.DataDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	db, err := tkv.New(tkv.Config{
		Logger:         logger,
		BadgerLogLevel: slog.LevelError,
		Directory:      cfg.DataDir,
		AppCtx:         ctx,
		Engine:         tkv.Engine(cfg.Storage.Engine),
	})
	require.NoError(t, err)

	reg := registry.New(registry.Config{Logger: logger, DB: db})
	c, err := New(ctx, logger, cfg, reg)
	require.NoError(t, err)

	srv := httptest.NewServer(c.Handler())
	t.Cleanup(func() {
		cancel()
		srv.Close()
		c.Stop()
		db.Close()
	})
	return &testServer{core: c, server: srv, db: db}
}

func (ts *testServer) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(ts.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func (ts *testServer) post(t *testing.T, path string, payload any) (int, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(ts.server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestCore_WorkedExample(t *testing.T) {
	for _, engine := range []string{config.EngineBadger, config.EngineSQLite} {
		t.Run(engine, func(t *testing.T) {
			ts := newTestServer(t, func(n *config.Node) { n.Storage.Engine = engine })

			status, body := ts.post(t, "/api/v1/create_folder", models.FolderPayload{FolderName: "Docs"})
			require.Equal(t, http.StatusOK, status)
			folder, err := models.DecodeResult[models.Folder](body)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), folder.ID)

			status, body = ts.post(t, "/api/v1/create_file", models.FilePayload{
				FolderID: 1, FileName: "a.txt", MimeType: "text/plain", Content: "hi",
			})
			require.Equal(t, http.StatusOK, status)
			file, err := models.DecodeResult[models.File](body)
			require.NoError(t, err)
			assert.Equal(t, uint64(2), file.ID)
			require.NotNil(t, file.UpdatedAt)

			status, body = ts.get(t, "/api/v1/get_all_files_by_folder_id?folder_id=1")
			require.Equal(t, http.StatusOK, status)
			files, err := models.DecodeResult[[]models.File](body)
			require.NoError(t, err)
			require.Len(t, files, 1)
			assert.Equal(t, "a.txt", files[0].FileName)

			status, body = ts.post(t, "/api/v1/update_file_name", models.UpdateFileNameRequest{ID: 2, FileName: "b.txt"})
			require.Equal(t, http.StatusOK, status)
			renamed, err := models.DecodeResult[models.File](body)
			require.NoError(t, err)
			assert.Equal(t, "b.txt", renamed.FileName)

			status, body = ts.post(t, "/api/v1/delete_file", models.DeleteFileRequest{ID: 2})
			require.Equal(t, http.StatusOK, status)
			deleted, err := models.DecodeResult[models.File](body)
			require.NoError(t, err)
			assert.Equal(t, "b.txt", deleted.FileName)

			status, body = ts.get(t, "/api/v1/get_file?id=2")
			assert.Equal(t, http.StatusNotFound, status)
			_, err = models.DecodeResult[models.File](body)
			var nf *models.ErrNotFound
			require.True(t, errors.As(err, &nf))
			assert.Equal(t, "a file with id=2 not found", nf.Msg)
		})
	}
}

func TestCore_ErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)

	status, body := ts.post(t, "/api/v1/create_file", models.FilePayload{FileName: "", MimeType: "", Content: ""})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.JSONEq(t, `{"Err":{"CreateFail":{"msg":"Invalid file name"}}}`, string(body))

	status, body = ts.post(t, "/api/v1/update_file", models.UpdateFileRequest{
		ID:      9,
		Payload: models.FilePayload{FileName: "x", MimeType: "text/plain", Content: ""},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.JSONEq(t, `{"Err":{"UpdateFail":{"msg":"Invalid content"}}}`, string(body))

	status, body = ts.get(t, "/api/v1/get_all_folders")
	assert.Equal(t, http.StatusNotFound, status)
	assert.JSONEq(t, `{"Err":{"NotFound":{"msg":"No folder found."}}}`, string(body))

	status, body = ts.post(t, "/api/v1/update_folder", models.UpdateFolderRequest{ID: 4})
	assert.Equal(t, http.StatusNotFound, status)
	assert.JSONEq(t, `{"Err":{"NotFound":{"msg":"Folder with id=4 not found."}}}`, string(body))
}

func TestCore_MalformedRequests(t *testing.T) {
	ts := newTestServer(t, nil)

	cases := []struct {
		name   string
		do     func() (int, []byte)
		status int
	}{
		{"missing id", func() (int, []byte) { return ts.get(t, "/api/v1/get_file") }, http.StatusBadRequest},
		{"non numeric id", func() (int, []byte) { return ts.get(t, "/api/v1/get_folder?id=abc") }, http.StatusBadRequest},
		{"negative folder id", func() (int, []byte) {
			return ts.get(t, "/api/v1/get_all_files_by_folder_id?folder_id=-1")
		}, http.StatusBadRequest},
		{"read via post", func() (int, []byte) { return ts.post(t, "/api/v1/get_all_files", nil) }, http.StatusMethodNotAllowed},
		{"write via get", func() (int, []byte) { return ts.get(t, "/api/v1/create_folder") }, http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, _ := tc.do()
			assert.Equal(t, tc.status, status)
		})
	}

	resp, err := http.Post(ts.server.URL+"/api/v1/create_file", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCore_FolderNameLookups(t *testing.T) {
	ts := newTestServer(t, nil)

	status, body := ts.get(t, "/api/v1/get_all_files_by_folder_name?folder_name=Docs")
	assert.Equal(t, http.StatusNotFound, status)
	assert.JSONEq(t, `{"Err":{"NotFound":{"msg":"No folder found."}}}`, string(body))

	ts.post(t, "/api/v1/create_folder", models.FolderPayload{FolderName: "Docs"})
	ts.post(t, "/api/v1/create_folder", models.FolderPayload{FolderName: "Docs"})

	status, body = ts.get(t, "/api/v1/get_folder_by_name?folder_name=Docs")
	require.Equal(t, http.StatusOK, status)
	folder, err := models.DecodeResult[models.Folder](body)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), folder.ID)

	// No files anywhere yet.
	status, body = ts.get(t, "/api/v1/get_all_files_by_folder_name?folder_name=Docs")
	assert.Equal(t, http.StatusNotFound, status)
	assert.JSONEq(t, `{"Err":{"NotFound":{"msg":"No file found."}}}`, string(body))

	ts.post(t, "/api/v1/create_file", models.FilePayload{FolderID: 2, FileName: "a", MimeType: "m", Content: "c"})

	status, body = ts.get(t, "/api/v1/get_all_files_by_folder_name?folder_name=Docs")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"Ok":[]}`, string(body))
}

func TestCore_StatusAndHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.post(t, "/api/v1/create_folder", models.FolderPayload{FolderName: "Docs"})
	ts.post(t, "/api/v1/create_file", models.FilePayload{FolderID: 1, FileName: "a", MimeType: "m", Content: "c"})

	status, body := ts.get(t, "/api/v1/status")
	require.Equal(t, http.StatusOK, status)
	stats, err := models.DecodeResult[models.Stats](body)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Files)
	assert.Equal(t, 1, stats.Folders)
	assert.Equal(t, uint64(2), stats.LastID)
	assert.Equal(t, config.EngineBadger, stats.Engine)

	status, body = ts.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", string(body))
}

func TestCore_RequestID(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.server.URL + "/api/v1/get_all_files")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	req, err := http.NewRequest(http.MethodGet, ts.server.URL+"/api/v1/get_all_files", nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "fixed-id")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "fixed-id", resp.Header.Get(RequestIDHeader))
}

func TestCore_RateLimit(t *testing.T) {
	ts := newTestServer(t, func(n *config.Node) {
		n.RateLimiters.Reads = config.RateLimiterConfig{Limit: 0.001, Burst: 2}
	})

	for i := 0; i < 2; i++ {
		status, _ := ts.get(t, "/api/v1/get_all_folders")
		assert.Equal(t, http.StatusNotFound, status)
	}

	resp, err := http.Get(ts.server.URL + "/api/v1/get_all_folders")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Writes have their own bucket.
	status, _ := ts.post(t, "/api/v1/create_folder", models.FolderPayload{FolderName: "Docs"})
	assert.Equal(t, http.StatusOK, status)
}

func TestCore_ChangeFeed(t *testing.T) {
	ts := newTestServer(t, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/api/v1/events/subscribe"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ts.core.subscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	ts.post(t, "/api/v1/create_folder", models.FolderPayload{FolderName: "Docs"})
	ts.post(t, "/api/v1/create_file", models.FilePayload{FolderID: 1, FileName: "a", MimeType: "m", Content: "c"})
	ts.post(t, "/api/v1/delete_file", models.DeleteFileRequest{ID: 2})
	// Rejected writes do not publish.
	ts.post(t, "/api/v1/delete_file", models.DeleteFileRequest{ID: 2})

	want := []models.Event{
		{Op: models.OpCreated, Kind: models.KindFolder, RecordID: 1},
		{Op: models.OpCreated, Kind: models.KindFile, RecordID: 2},
		{Op: models.OpDeleted, Kind: models.KindFile, RecordID: 2},
	}
	for _, w := range want {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var got models.Event
		require.NoError(t, conn.ReadJSON(&got))
		assert.NotEmpty(t, got.ID)
		assert.Equal(t, w.Op, got.Op)
		assert.Equal(t, w.Kind, got.Kind)
		assert.Equal(t, w.RecordID, got.RecordID)
	}

	conn.Close()
	require.Eventually(t, func() bool { return ts.core.subscriberCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCore_ChangeFeedConnectionLimit(t *testing.T) {
	ts := newTestServer(t, func(n *config.Node) { n.Sessions.MaxConnections = 1 })

	wsURL := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/api/v1/events/subscribe"
	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return ts.core.subscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// brokenCounterTKV fails every counter increment and serves everything else.
type brokenCounterTKV struct {
	tkv.TKV
}

func (brokenCounterTKV) AtomicAdd(tkv.Region, uint64, uint64) (uint64, error) {
	return 0, &tkv.ErrInternal{Err: errors.New("disk gone")}
}

func TestCore_CounterFailureStopsProcess(t *testing.T) {
	if os.Getenv("DRIVE_CORE_COUNTER_CRASH") == "1" {
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
		cfg := config.GenerateConfig()
		cfg.DataDir = t.TempDir()
		db, err := tkv.New(tkv.Config{
			Logger:         logger,
			BadgerLogLevel: slog.LevelError,
			Directory:      cfg.DataDir,
			AppCtx:         context.Background(),
			Engine:         tkv.Engine(cfg.Storage.Engine),
		})
		require.NoError(t, err)

		reg := registry.New(registry.Config{Logger: logger, DB: brokenCounterTKV{TKV: db}})
		c, err := New(context.Background(), logger, cfg, reg)
		require.NoError(t, err)
		ts := &testServer{core: c, server: httptest.NewServer(c.Handler()), db: db}

		data, err := json.Marshal(models.FolderPayload{FolderName: "Docs"})
		require.NoError(t, err)
		http.Post(ts.server.URL+"/api/v1/create_folder", "application/json", bytes.NewReader(data))

		// Still alive: the create did not take the process down.
		os.Exit(0)
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestCore_CounterFailureStopsProcess$")
	cmd.Env = append(os.Environ(), "DRIVE_CORE_COUNTER_CRASH=1")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()

	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr), "expected a non-zero exit, got %v (stderr: %s)", err, stderr.String())
	assert.Equal(t, 1, exitErr.ExitCode())
	assert.Contains(t, stderr.String(), "cannot increment id counter")
}

func TestCore_RunWaitsForInFlightRequests(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg := config.GenerateConfig()
	cfg.DataDir = t.TempDir()
	cfg.HttpBinding = addr

	db, err := tkv.New(tkv.Config{
		Logger:         logger,
		BadgerLogLevel: slog.LevelError,
		Directory:      cfg.DataDir,
		AppCtx:         ctx,
		Engine:         tkv.Engine(cfg.Storage.Engine),
	})
	require.NoError(t, err)
	defer db.Close()

	c, err := New(ctx, logger, cfg, registry.New(registry.Config{Logger: logger, DB: db}))
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	c.mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusOK)
	})

	runDone := make(chan struct{})
	go func() {
		c.Run()
		close(runDone)
	}()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)

	reqDone := make(chan int, 1)
	go func() {
		resp, err := http.Get("http://" + addr + "/slow")
		if err != nil {
			reqDone <- 0
			return
		}
		resp.Body.Close()
		reqDone <- resp.StatusCode
	}()

	<-entered
	cancel()

	assert.Never(t, func() bool {
		select {
		case <-runDone:
			return true
		default:
			return false
		}
	}, 300*time.Millisecond, 20*time.Millisecond, "Run returned while a request was in flight")

	close(release)
	assert.Equal(t, http.StatusOK, <-reqDone)
	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the request finished")
	}
}
