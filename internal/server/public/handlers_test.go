package public

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"training-orchestrator/apiconfig"
	"training-orchestrator/partition"
	"training-orchestrator/registry"
	"training-orchestrator/scheduler"
	"training-orchestrator/scoring"
	"training-orchestrator/store"
	"training-orchestrator/types"
	"training-orchestrator/utils"
	"training-orchestrator/validation"
)

type serverEnv struct {
	srv   *Server
	reg   *registry.Registry
	sched *scheduler.Scheduler
	keys  map[string]*secp256k1.PrivateKey
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	cfg := apiconfig.Defaults()
	mgr := apiconfig.NewConfigManager(cfg)
	st := store.NewMemoryStore()
	reg := registry.NewRegistry(cfg.Registry, st)

	windows := scoring.NewWindowTracker(cfg.Scoring, st, reg, nil)
	require.NoError(t, windows.Restore(context.Background()))

	jobs := make(chan scheduler.VerifyJob, 16)
	sched := scheduler.NewScheduler(cfg.Scheduler, reg, st, windows, jobs)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sched.Run(ctx)

	srv := NewServer(mgr, reg, sched, validation.NewValidator(cfg.Validation), windows, st)
	return &serverEnv{
		srv:   srv,
		reg:   reg,
		sched: sched,
		keys:  make(map[string]*secp256k1.PrivateKey),
	}
}

// registerNode drives the full signed registration flow and keeps the key
// for later requests.
func (e *serverEnv) registerNode(t *testing.T, nodeID string) {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	e.keys[nodeID] = priv
	pubKey := utils.PubKeyToBase64(priv.PubKey())

	body, err := json.Marshal(RegisterNodeRequest{
		NodeID: nodeID,
		PubKey: pubKey,
		Capability: types.Capability{
			ComputeClass: "a100",
			GPUCount:     8,
		},
	})
	require.NoError(t, err)

	ts := time.Now().Unix()
	payload := utils.BuildSignPayload(http.MethodPost, "/v1/nodes", []byte(pubKey), ts, nodeID)

	req := httptest.NewRequest(http.MethodPost, "/v1/nodes", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(utils.XTimestampHeader, strconv.FormatInt(ts, 10))
	req.Header.Set(utils.XSignatureHeader, utils.SignPayload(priv, payload))
	rec := httptest.NewRecorder()
	e.srv.e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// signedRequest issues a request with valid node-signature headers.
func (e *serverEnv) signedRequest(t *testing.T, method, path string, body []byte, nodeID string) *httptest.ResponseRecorder {
	t.Helper()
	priv, ok := e.keys[nodeID]
	require.True(t, ok, "no key for node %s", nodeID)

	ts := time.Now().Unix()
	payload := utils.BuildSignPayload(method, path, body, ts, nodeID)

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(utils.XNodeIdHeader, nodeID)
	req.Header.Set(utils.XTimestampHeader, strconv.FormatInt(ts, 10))
	req.Header.Set(utils.XSignatureHeader, utils.SignPayload(priv, payload))
	rec := httptest.NewRecorder()
	e.srv.e.ServeHTTP(rec, req)
	return rec
}

// addTask seeds the arena the way the admin API would.
func (e *serverEnv) addTask(t *testing.T, task types.TaskDescriptor) {
	t.Helper()
	units, err := partition.Partition(task, time.Now())
	require.NoError(t, err)
	cmd := scheduler.NewAddUnitsCommand(units)
	require.NoError(t, e.sched.QueueMessage(cmd))
	require.NoError(t, <-cmd.Response)
}

func referenceTask(units int) types.TaskDescriptor {
	return types.TaskDescriptor{
		ID:              "task-1",
		DataSize:        uint64(units * 100),
		UnitDataSize:    100,
		ModelPartitions: 1,
		StepsPerUnit:    50,
		UnitType:        types.UnitTypeReference,
	}
}

func TestRegisterRequiresSignature(t *testing.T) {
	env := newServerEnv(t)

	body, err := json.Marshal(RegisterNodeRequest{NodeID: "node-a", PubKey: "key"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/nodes", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	env.srv.e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterAndHeartbeat(t *testing.T) {
	env := newServerEnv(t)
	env.registerNode(t, "node-a")

	node, err := env.reg.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusActive, node.Status)

	rec := env.signedRequest(t, http.MethodPost, "/v1/nodes/node-a/heartbeat", nil, "node-a")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHeartbeatForAnotherNodeForbidden(t *testing.T) {
	env := newServerEnv(t)
	env.registerNode(t, "node-a")
	env.registerNode(t, "node-b")

	rec := env.signedRequest(t, http.MethodPost, "/v1/nodes/node-b/heartbeat", nil, "node-a")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestReregisterReturnsActiveUnits(t *testing.T) {
	env := newServerEnv(t)
	env.registerNode(t, "node-a")
	env.addTask(t, referenceTask(1))

	rec := env.signedRequest(t, http.MethodPost, "/v1/assignments/request", nil, "node-a")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Same key, same id: the node comes back and finds its assignment.
	priv := env.keys["node-a"]
	pubKey := utils.PubKeyToBase64(priv.PubKey())
	body, err := json.Marshal(RegisterNodeRequest{NodeID: "node-a", PubKey: pubKey})
	require.NoError(t, err)
	ts := time.Now().Unix()
	payload := utils.BuildSignPayload(http.MethodPost, "/v1/nodes", []byte(pubKey), ts, "node-a")
	req := httptest.NewRequest(http.MethodPost, "/v1/nodes", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(utils.XTimestampHeader, strconv.FormatInt(ts, 10))
	req.Header.Set(utils.XSignatureHeader, utils.SignPayload(priv, payload))
	reg2 := httptest.NewRecorder()
	env.srv.e.ServeHTTP(reg2, req)
	require.Equal(t, http.StatusOK, reg2.Code, reg2.Body.String())

	var resp struct {
		ActiveUnits []types.WorkUnit `json:"active_units"`
	}
	require.NoError(t, json.Unmarshal(reg2.Body.Bytes(), &resp))
	require.Len(t, resp.ActiveUnits, 1)
	assert.Equal(t, "task-1", resp.ActiveUnits[0].TaskID)
}

func TestAssignmentAndSubmissionFlow(t *testing.T) {
	env := newServerEnv(t)
	env.registerNode(t, "node-a")
	env.addTask(t, referenceTask(1))

	rec := env.signedRequest(t, http.MethodPost, "/v1/assignments/request", nil, "node-a")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var unit types.WorkUnit
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &unit))
	require.NotEmpty(t, unit.ID)

	body, err := json.Marshal(SubmitResultRequest{
		PayloadRef: "sha256:aabbcc",
		Metrics: types.ArtifactMetrics{
			Loss:         1.25,
			GradientNorm: 0.4,
			StepCount:    50,
			SizeBytes:    2048,
		},
	})
	require.NoError(t, err)

	path := "/v1/units/" + unit.ID + "/submissions"
	rec = env.signedRequest(t, http.MethodPost, path, body, "node-a")
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	// The losing duplicate is rejected as a conflict.
	rec = env.signedRequest(t, http.MethodPost, path, body, "node-a")
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestNoPendingWorkReturnsNoContent(t *testing.T) {
	env := newServerEnv(t)
	env.registerNode(t, "node-a")

	rec := env.signedRequest(t, http.MethodPost, "/v1/assignments/request", nil, "node-a")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestInvalidSubmissionRejectedAndCounted(t *testing.T) {
	env := newServerEnv(t)
	env.registerNode(t, "node-a")
	env.addTask(t, referenceTask(1))

	rec := env.signedRequest(t, http.MethodPost, "/v1/assignments/request", nil, "node-a")
	require.Equal(t, http.StatusOK, rec.Code)
	var unit types.WorkUnit
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &unit))

	// Missing payload reference fails the structural check.
	body, err := json.Marshal(SubmitResultRequest{
		Metrics: types.ArtifactMetrics{Loss: 1.0, GradientNorm: 0.1, StepCount: 50, SizeBytes: 10},
	})
	require.NoError(t, err)
	rec = env.signedRequest(t, http.MethodPost, "/v1/units/"+unit.ID+"/submissions", body, "node-a")
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	node, err := env.reg.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, 1, node.Rejections)
}

func TestTaskCreationNotOnPublicApi(t *testing.T) {
	env := newServerEnv(t)

	body, err := json.Marshal(referenceTask(1))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	env.srv.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetUnknownUnitIsNotFound(t *testing.T) {
	env := newServerEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/units/no-such-unit", nil)
	rec := httptest.NewRecorder()
	env.srv.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWindowVectorNotFoundUntilSealed(t *testing.T) {
	env := newServerEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/windows/1/vector", nil)
	rec := httptest.NewRecorder()
	env.srv.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	env := newServerEnv(t)
	env.registerNode(t, "node-a")

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	env.srv.e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status["status"])
	assert.Equal(t, float64(1), status["nodes"])
}

func TestTamperedSignatureRejected(t *testing.T) {
	env := newServerEnv(t)
	env.registerNode(t, "node-a")

	ts := time.Now().Unix()
	payload := utils.BuildSignPayload(http.MethodPost, "/v1/assignments/request", nil, ts, "node-a")
	req := httptest.NewRequest(http.MethodPost, "/v1/assignments/request", nil)
	req.Header.Set(utils.XNodeIdHeader, "node-a")
	// Timestamp shifted after signing.
	req.Header.Set(utils.XTimestampHeader, strconv.FormatInt(ts+1, 10))
	req.Header.Set(utils.XSignatureHeader, utils.SignPayload(env.keys["node-a"], payload))
	rec := httptest.NewRecorder()
	env.srv.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStaleTimestampRejected(t *testing.T) {
	env := newServerEnv(t)
	env.registerNode(t, "node-a")

	ts := time.Now().Add(-5 * time.Minute).Unix()
	payload := utils.BuildSignPayload(http.MethodPost, "/v1/assignments/request", nil, ts, "node-a")
	req := httptest.NewRequest(http.MethodPost, "/v1/assignments/request", nil)
	req.Header.Set(utils.XNodeIdHeader, "node-a")
	req.Header.Set(utils.XTimestampHeader, strconv.FormatInt(ts, 10))
	req.Header.Set(utils.XSignatureHeader, utils.SignPayload(env.keys["node-a"], payload))
	rec := httptest.NewRecorder()
	env.srv.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
