package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metsuke-ai/metsuke/internal/mcp"
	"github.com/metsuke-ai/metsuke/internal/model"
	"github.com/metsuke-ai/metsuke/internal/pipeline"
	"github.com/metsuke-ai/metsuke/internal/provider"
	"github.com/metsuke-ai/metsuke/internal/registry"
	"github.com/metsuke-ai/metsuke/internal/seed"
	"github.com/metsuke-ai/metsuke/internal/server"
	"github.com/metsuke-ai/metsuke/internal/storage"
	"github.com/metsuke-ai/metsuke/internal/testutil"
	"github.com/metsuke-ai/metsuke/migrations"
)

var (
	testSrv *httptest.Server
	testDB  *storage.DB
	testSup *pipeline.Supervisor
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := testutil.TestLogger()

	// A second DSN gives the broker its dedicated LISTEN connection.
	var err error
	testDB, err = storage.New(ctx, tc.DSN, tc.DSN, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: create DB: %v\n", err)
		return 1
	}
	defer testDB.Close(context.Background())

	if err := testDB.RunMigrations(ctx, migrations.FS); err != nil {
		fmt.Fprintf(os.Stderr, "server test: migrations: %v\n", err)
		return 1
	}
	if err := seed.Apply(ctx, testDB, seed.Default("static"), logger); err != nil {
		fmt.Fprintf(os.Stderr, "server test: seed: %v\n", err)
		return 1
	}

	reg := registry.New(testDB, logger)
	if err := reg.Reload(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "server test: reload registry: %v\n", err)
		return 1
	}

	providers := provider.NewRegistry(provider.NewStaticProvider("test"))
	testSup = pipeline.New(testDB, reg, providers, logger, pipeline.Config{})
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		_ = testSup.Shutdown(shutdownCtx)
	}()

	broker := server.NewBroker(testDB, logger)
	go broker.Start(ctx)

	mcpSrv := mcp.New(testDB, testSup, reg, logger)

	srv := server.New(server.ServerConfig{
		DB:                  testDB,
		Pipeline:            testSup,
		Registry:            reg,
		Providers:           providers,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})

	testSrv = httptest.NewServer(srv.Handler())
	defer testSrv.Close()

	return m.Run()
}

// doJSON issues a request with an optional JSON body and decodes the data
// field of the response envelope into out (when out is non-nil).
func doJSON(t *testing.T, method, path string, body any, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, testSrv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
		if envelope.Data != nil {
			require.NoError(t, json.Unmarshal(envelope.Data, out))
		}
	}
	return resp.StatusCode
}

func startRun(t *testing.T, input string) model.Run {
	t.Helper()
	var run model.Run
	status := doJSON(t, http.MethodPost, "/v1/runs", model.StartRunRequest{Input: input}, &run)
	require.Equal(t, http.StatusCreated, status)
	require.NotEqual(t, uuid.Nil, run.ID)
	return run
}

func waitForRunStatus(t *testing.T, runID uuid.UUID, want model.RunStatus) model.Run {
	t.Helper()
	var run model.Run
	require.Eventually(t, func() bool {
		status := doJSON(t, http.MethodGet, "/v1/runs/"+runID.String(), nil, &run)
		return status == http.StatusOK && run.Status == want
	}, 15*time.Second, 25*time.Millisecond, "run %s never reached %s (last: %s)", runID, want, run.Status)
	return run
}

func TestHealthEndpoint(t *testing.T) {
	var health model.HealthResponse
	status := doJSON(t, http.MethodGet, "/healthz", nil, &health)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, "ok", health.Postgres)
}

func TestStartRunToCompletion(t *testing.T) {
	run := startRun(t, "review the retry logic change")
	final := waitForRunStatus(t, run.ID, model.RunStatusCompleted)

	assert.Equal(t, len(model.EyeCatalog), final.StageIndex)
	assert.Equal(t, model.CodeOK, final.LastCode)
	for _, eye := range model.EyeCatalog {
		assert.Contains(t, final.Context, string(eye), "each stage should leave its output in context")
	}
}

func TestStartRunValidation(t *testing.T) {
	status := doJSON(t, http.MethodPost, "/v1/runs", map[string]any{"input": ""}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status = doJSON(t, http.MethodPost, "/v1/runs", map[string]any{"input": "x", "strictness": "maximal"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status = doJSON(t, http.MethodPost, "/v1/runs", map[string]any{"input": "x", "bogus": true}, nil)
	assert.Equal(t, http.StatusBadRequest, status, "unknown fields are rejected")
}

func TestClarificationFlow(t *testing.T) {
	run := startRun(t, "[clarify] do the thing")
	waitForRunStatus(t, run.ID, model.RunStatusAwaitingClarification)

	var resumed model.Run
	status := doJSON(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/clarification",
		model.ClarificationRequest{Answer: "the thing is the import pipeline"}, &resumed)
	require.Equal(t, http.StatusAccepted, status)

	final := waitForRunStatus(t, run.ID, model.RunStatusCompleted)
	assert.Equal(t, "the thing is the import pipeline", final.Context["clarification_answer"])
}

func TestClarificationConflicts(t *testing.T) {
	run := startRun(t, "a run that sails through")
	waitForRunStatus(t, run.ID, model.RunStatusCompleted)

	// Not awaiting: conflict.
	status := doJSON(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/clarification",
		model.ClarificationRequest{Answer: "nobody asked"}, nil)
	assert.Equal(t, http.StatusConflict, status)

	// Terminal run: cancel also conflicts.
	status = doJSON(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestRunNotFound(t *testing.T) {
	status := doJSON(t, http.MethodGet, "/v1/runs/"+uuid.New().String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status = doJSON(t, http.MethodGet, "/v1/runs/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestListRunsBySession(t *testing.T) {
	sessionID := uuid.New()
	var run model.Run
	status := doJSON(t, http.MethodPost, "/v1/runs",
		model.StartRunRequest{Input: "session run", SessionID: &sessionID}, &run)
	require.Equal(t, http.StatusCreated, status)
	waitForRunStatus(t, run.ID, model.RunStatusCompleted)

	var runs []model.Run
	status = doJSON(t, http.MethodGet, "/v1/runs?session_id="+sessionID.String(), nil, &runs)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)

	status = doJSON(t, http.MethodGet,
		"/v1/runs?session_id="+sessionID.String()+"&status=failed", nil, &runs)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, runs)
}

func TestEventsPagination(t *testing.T) {
	run := startRun(t, "paginated events run")
	waitForRunStatus(t, run.ID, model.RunStatusCompleted)

	var page []model.PipelineEvent
	status := doJSON(t, http.MethodGet, "/v1/runs/"+run.ID.String()+"/events?limit=3", nil, &page)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, page, 3)
	assert.Equal(t, model.EventRunStarted, page[0].EventType)
	assert.Equal(t, int64(1), page[0].Seq)

	var rest []model.PipelineEvent
	status = doJSON(t, http.MethodGet,
		fmt.Sprintf("/v1/runs/%s/events?after_seq=%d&limit=100", run.ID, page[2].Seq), nil, &rest)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, rest)
	assert.Equal(t, page[2].Seq+1, rest[0].Seq, "cursor page continues without gaps")
	assert.Equal(t, model.EventRunCompleted, rest[len(rest)-1].EventType)
}

func TestReplayEndpoint(t *testing.T) {
	run := startRun(t, "[reject] insecure change")
	waitForRunStatus(t, run.ID, model.RunStatusFailed)

	var replay model.ReplayResult
	status := doJSON(t, http.MethodGet, "/v1/runs/"+run.ID.String()+"/replay", nil, &replay)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, model.RunStatusFailed, replay.Status)
	assert.True(t, replay.Consistent, "stored row should match the event fold")
	assert.Greater(t, replay.EventCount, 0)
}

func TestIntegrityEndpoint(t *testing.T) {
	run := startRun(t, "integrity checked run")
	waitForRunStatus(t, run.ID, model.RunStatusCompleted)

	var result model.IntegrityResult
	status := doJSON(t, http.MethodGet, "/v1/runs/"+run.ID.String()+"/integrity", nil, &result)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, result.Verified)
	assert.NotEmpty(t, result.MerkleRoot)
	assert.Greater(t, result.EventCount, 0)
}

func TestExportEndpoint(t *testing.T) {
	run := startRun(t, "exported run")
	waitForRunStatus(t, run.ID, model.RunStatusCompleted)

	resp, err := http.Get(testSrv.URL + "/v1/runs/" + run.ID.String() + "/export")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), run.ID.String())

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Greater(t, len(data), 16)
	assert.Equal(t, "SQLite format 3\x00", string(data[:16]), "bundle should be a SQLite database")
}

func TestStreamEvents(t *testing.T) {
	run := startRun(t, "streamed run")

	req, err := http.NewRequest(http.MethodGet, testSrv.URL+"/v1/runs/"+run.ID.String()+"/events/stream", nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Read frames until the terminal event arrives.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var sawCompleted bool
	var lastSeq int64
	for scanner.Scan() && !sawCompleted {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event model.PipelineEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
		assert.Equal(t, lastSeq+1, event.Seq, "stream must be gapless and ordered")
		lastSeq = event.Seq
		if event.EventType == model.EventRunCompleted {
			sawCompleted = true
		}
	}
	require.True(t, sawCompleted, "stream should deliver the run-completed event")
}

func TestStreamEventsResumesFromCursor(t *testing.T) {
	run := startRun(t, "cursor resumed stream")
	waitForRunStatus(t, run.ID, model.RunStatusCompleted)

	req, err := http.NewRequest(http.MethodGet,
		testSrv.URL+"/v1/runs/"+run.ID.String()+"/events/stream?after_seq=2", nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "id: ") {
			assert.Equal(t, "id: 3", line, "first frame should follow the cursor")
			return
		}
	}
	t.Fatal("no event frame received")
}

func TestListEyes(t *testing.T) {
	var eyes []model.EyeStatus
	status := doJSON(t, http.MethodGet, "/v1/eyes", nil, &eyes)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, eyes, len(model.EyeCatalog))

	for i, eye := range eyes {
		assert.Equal(t, model.EyeCatalog[i], eye.Eye)
		assert.Equal(t, i, eye.DefaultOrdinal)
		require.NotNil(t, eye.ActiveVersion, "seeded eyes have an active persona")
		assert.Equal(t, "static", eye.Provider)
	}
}

func TestPersonaLifecycle(t *testing.T) {
	// New inactive version.
	var created model.Persona
	status := doJSON(t, http.MethodPost, "/v1/personas", model.CreatePersonaRequest{
		Eye:     model.EyePlanBuilder,
		Content: "You review implementation plans for missing steps. Respond with the JSON envelope.",
	}, &created)
	require.Equal(t, http.StatusCreated, status)
	assert.False(t, created.Active)
	assert.Greater(t, created.Version, 1)

	// Activate it.
	var activated model.Persona
	status = doJSON(t, http.MethodPost, "/v1/personas/"+created.ID.String()+"/activate", nil, &activated)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, activated.Active)

	// The catalog reflects the new active version.
	var eyes []model.EyeStatus
	doJSON(t, http.MethodGet, "/v1/eyes", nil, &eyes)
	for _, eye := range eyes {
		if eye.Eye == model.EyePlanBuilder {
			require.NotNil(t, eye.ActiveVersion)
			assert.Equal(t, created.Version, *eye.ActiveVersion)
		}
	}

	// Listing by eye shows every version.
	var versions []model.Persona
	status = doJSON(t, http.MethodGet, "/v1/personas?eye="+string(model.EyePlanBuilder), nil, &versions)
	require.Equal(t, http.StatusOK, status)
	assert.GreaterOrEqual(t, len(versions), 2)
}

func TestPersonaValidation(t *testing.T) {
	status := doJSON(t, http.MethodPost, "/v1/personas", model.CreatePersonaRequest{
		Eye:     "third-eye",
		Content: "anything",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status = doJSON(t, http.MethodPost, "/v1/personas/"+uuid.New().String()+"/activate", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRoutingAdmin(t *testing.T) {
	// Unregistered provider is rejected before it can break runs.
	status := doJSON(t, http.MethodPut, "/v1/routing", model.UpsertRoutingRequest{
		Eye:        model.EyeIntentCheck,
		Provider:   "openai",
		Model:      "gpt-4o",
		Strictness: model.StrictnessStandard,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	// Session-scoped rule on a registered provider.
	sessionID := uuid.New()
	var rule model.RoutingRule
	status = doJSON(t, http.MethodPut, "/v1/routing", model.UpsertRoutingRequest{
		Eye:        model.EyeIntentCheck,
		SessionID:  &sessionID,
		Provider:   "static",
		Model:      "scripted",
		Strictness: model.StrictnessStrict,
	}, &rule)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, model.StrictnessStrict, rule.Strictness)

	var rules []model.RoutingRule
	status = doJSON(t, http.MethodGet, "/v1/routing", nil, &rules)
	require.Equal(t, http.StatusOK, status)
	assert.GreaterOrEqual(t, len(rules), len(model.EyeCatalog)+1)
}

func TestStrictnessAdmin(t *testing.T) {
	var profiles []model.StrictnessProfile
	status := doJSON(t, http.MethodGet, "/v1/strictness", nil, &profiles)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, profiles, 3)

	status = doJSON(t, http.MethodPut, "/v1/strictness/permissive", model.UpsertProfileRequest{
		AmbiguityThreshold: 0.9,
		RetryBudget:        4,
		InvokeTimeoutMs:    90000,
	}, nil)
	require.Equal(t, http.StatusOK, status)

	// Unknown profile names are a closed set.
	status = doJSON(t, http.MethodPut, "/v1/strictness/draconian", model.UpsertProfileRequest{
		AmbiguityThreshold: 0.1,
		RetryBudget:        1,
		InvokeTimeoutMs:    1000,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	doJSON(t, http.MethodGet, "/v1/strictness", nil, &profiles)
	for _, p := range profiles {
		if p.Name == model.StrictnessPermissive {
			assert.Equal(t, 4, p.RetryBudget)
		}
	}
}

func TestRequestIDHeader(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestMCPOverHTTP(t *testing.T) {
	client, err := mcpclient.NewStreamableHttpClient(testSrv.URL + "/mcp")
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	initResult, err := client.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "metsuke", initResult.ServerInfo.Name)

	tools, err := client.ListTools(ctx, mcplib.ListToolsRequest{})
	require.NoError(t, err)

	names := make([]string, 0, len(tools.Tools))
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.Contains(t, names, "metsuke_submit")
	assert.Contains(t, names, "metsuke_clarify")
	assert.Contains(t, names, "metsuke_cancel")
}
