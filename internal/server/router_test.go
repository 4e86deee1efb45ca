package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisor/internal/bus"
	"github.com/loykin/botvisor/internal/identity"
	"github.com/loykin/botvisor/internal/message"
	"github.com/loykin/botvisor/internal/metrics"
	"github.com/loykin/botvisor/pkg/client"
)

// fakeController keeps a map of running identities.
type fakeController struct {
	mu       sync.Mutex
	running  map[string]int
	nextPID  int
	lastArgs []string
	lastStop client.StopOptions
}

func newFakeController() *fakeController {
	return &fakeController{running: map[string]int{}, nextPID: 1000}
}

func (f *fakeController) Start(_ context.Context, target identity.Identity, args ...string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastArgs = args
	if pid, ok := f.running[target.String()]; ok {
		return 0, message.Errorf(message.KindAlreadyRunning, "%s", target).WithPID(pid)
	}
	if target.Name == "needy" && !target.HasInstance() {
		return 0, message.Errorf(message.KindInstanceRequired, "%s", target)
	}
	f.nextPID++
	f.running[target.String()] = f.nextPID
	return f.nextPID, nil
}

func (f *fakeController) Stop(_ context.Context, target identity.Identity, opts client.StopOptions) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastStop = opts
	pid, ok := f.running[target.String()]
	if !ok {
		return 0, message.Errorf(message.KindNotRunning, "%s", target)
	}
	delete(f.running, target.String())
	return pid, nil
}

func (f *fakeController) status(id string) message.Status {
	if pid, ok := f.running[id]; ok {
		return message.Status{Identity: id, PID: message.IntPtr(pid), ProcessState: message.ProcessRunning, PIDFileState: message.PIDFileValid}
	}
	return message.Status{Identity: id, ProcessState: message.ProcessStopped, PIDFileState: message.PIDFileMissing}
}

func (f *fakeController) Status(_ context.Context, target identity.Identity) (message.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status(target.String()), nil
}

func (f *fakeController) ModuleStatus(context.Context) ([]message.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []message.Status
	for id := range f.running {
		out = append(out, f.status(id))
	}
	return out, nil
}

type staticResources map[string]metrics.Usage

func (s staticResources) All() map[string]metrics.Usage { return s }

func setupRouter(tb testing.TB, ctl Controller, base ...string) http.Handler {
	tb.Helper()
	gin.SetMode(gin.TestMode)
	bp := ""
	if len(base) > 0 {
		bp = base[0]
	}
	return NewRouter(ctl, bp).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestStartStatusStop(t *testing.T) {
	ctl := newFakeController()
	h := setupRouter(t, ctl, "/api/")

	rec := doReq(t, h, http.MethodPost, "/api/start/irc@libera", startBody{Args: []string{"-v"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ok := decode[okResp](t, rec)
	assert.True(t, ok.OK)
	require.NotNil(t, ok.PID)
	assert.Equal(t, 1001, *ok.PID)
	assert.Equal(t, []string{"-v"}, ctl.lastArgs)

	rec = doReq(t, h, http.MethodGet, "/api/status/irc@libera", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[message.Status](t, rec)
	assert.Equal(t, message.ProcessRunning, st.ProcessState)

	rec = doReq(t, h, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]message.Status](t, rec), 1)

	rec = doReq(t, h, http.MethodPost, "/api/stop/irc@libera?confirm=1&force", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, client.StopOptions{Confirm: true, Force: true}, ctl.lastStop)

	rec = doReq(t, h, http.MethodGet, "/api/status/irc@libera", nil)
	assert.Equal(t, message.ProcessStopped, decode[message.Status](t, rec).ProcessState)
}

func TestStartWithoutBody(t *testing.T) {
	h := setupRouter(t, newFakeController())
	rec := doReq(t, h, http.MethodPost, "/start/dice", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestEmptyModuleStatusIsArray(t *testing.T) {
	h := setupRouter(t, newFakeController())
	rec := doReq(t, h, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestErrorKindsMapToStatusCodes(t *testing.T) {
	h := setupRouter(t, newFakeController())

	rec := doReq(t, h, http.MethodPost, "/start/irc@libera", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/start/irc@libera", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	e := decode[errorResp](t, rec)
	assert.Equal(t, message.KindAlreadyRunning, e.Kind)
	require.NotNil(t, e.PID)
	assert.Equal(t, 1001, *e.PID)

	rec = doReq(t, h, http.MethodPost, "/stop/dice", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, message.KindNotRunning, decode[errorResp](t, rec).Kind)

	rec = doReq(t, h, http.MethodPost, "/start/needy", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, message.KindInstanceRequired, decode[errorResp](t, rec).Kind)
}

func TestInvalidInput(t *testing.T) {
	h := setupRouter(t, newFakeController())

	rec := doReq(t, h, http.MethodGet, "/status/a@b@c", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, message.KindInvalidRequest, decode[errorResp](t, rec).Kind)

	req := httptest.NewRequest(http.MethodPost, "/start/dice", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusCheckQuery(t *testing.T) {
	ctl := newFakeController()
	h := setupRouter(t, ctl)

	rec := doReq(t, h, http.MethodGet, "/status/dice?check", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "PidFileMissing")

	// without check a stopped module is still a plain 200
	rec = doReq(t, h, http.MethodGet, "/status/dice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/start/dice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodGet, "/status/dice?check=true", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestStatusCodeMapping(t *testing.T) {
	cases := map[message.ErrorKind]int{
		message.KindInvalidRequest:           http.StatusBadRequest,
		message.KindAlreadyRunning:           http.StatusConflict,
		message.KindPidFileInvalid:           http.StatusConflict,
		message.KindPidFileMissing:           http.StatusNotFound,
		message.KindProbeTimeout:             http.StatusGatewayTimeout,
		message.KindReadyTimeout:             http.StatusGatewayTimeout,
		message.KindStopUnconfirmed:          http.StatusGatewayTimeout,
		message.KindChildReportedInitFailure: http.StatusBadGateway,
		message.KindForkFailed:               http.StatusBadGateway,
		message.KindInternal:                 http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusCode(kind), kind)
	}
}

func TestResources(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(newFakeController(), "")
	rec := doReq(t, r.Handler(), http.MethodGet, "/resources", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	r.WithResources(staticResources{"irc@libera": {Identity: "irc@libera", PID: 42, NumThreads: 3}})
	rec = doReq(t, r.Handler(), http.MethodGet, "/resources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]metrics.Usage](t, rec)
	assert.Equal(t, int32(42), got["irc@libera"].PID)
}

func TestMetricsEndpoint(t *testing.T) {
	h := setupRouter(t, newFakeController(), "/x")
	rec := doReq(t, h, http.MethodGet, "/x/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// The router works against the real client too; a bus without a
// supervisor makes every call time out.
func TestClientTimeoutIsGatewayTimeout(t *testing.T) {
	hub := bus.NewLocal()
	defer func() { _ = hub.Close() }()
	c := client.New(client.Config{Bus: hub, Timeout: 50 * time.Millisecond})
	h := setupRouter(t, c)
	rec := doReq(t, h, http.MethodGet, "/status/irc@libera", nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestNewServerStartClose(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", NewRouter(newFakeController(), "/x"), nil)
	require.NoError(t, err)
	_ = srv.Close()

	_, err = NewServer("256.0.0.1:1", NewRouter(newFakeController(), ""), nil)
	assert.Error(t, err)
}
