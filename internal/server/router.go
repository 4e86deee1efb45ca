package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/botvisor/internal/identity"
	"github.com/loykin/botvisor/internal/message"
	"github.com/loykin/botvisor/internal/metrics"
	"github.com/loykin/botvisor/pkg/client"
)

// Controller is the subset of the supervisor client the router drives.
type Controller interface {
	Start(ctx context.Context, target identity.Identity, args ...string) (int, error)
	Stop(ctx context.Context, target identity.Identity, opts client.StopOptions) (int, error)
	Status(ctx context.Context, target identity.Identity) (message.Status, error)
	ModuleStatus(ctx context.Context) ([]message.Status, error)
}

// ResourceSource reports the latest resource samples per identity.
type ResourceSource interface {
	All() map[string]metrics.Usage
}

// Router exposes supervisor requests over HTTP.
// Endpoints:
//
//	GET  {basePath}/status              quick status of every registered identity
//	GET  {basePath}/status/:id          full probe of one identity
//	POST {basePath}/start/:id           body: {"args": [...]} (optional)
//	POST {basePath}/stop/:id            query: confirm=1&force=1
//	GET  {basePath}/resources           latest CPU/memory samples
//	GET  {basePath}/metrics             Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl       Controller
	resources ResourceSource
	basePath  string
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(ctl Controller, basePath string) *Router {
	return &Router{ctl: ctl, basePath: sanitizeBase(basePath)}
}

// WithResources enables the resources endpoint.
func (r *Router) WithResources(src ResourceSource) *Router {
	r.resources = src
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleModuleStatus)
	group.GET("/status/:id", r.handleStatus)
	group.POST("/start/:id", r.handleStart)
	group.POST("/stop/:id", r.handleStop)
	group.GET("/resources", r.handleResources)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// A non-nil tlsConfig serves HTTPS.
func NewServer(addr string, r *Router, tlsConfig *tls.Config) (*http.Server, error) {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// starts wait for the ready handshake
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
		TLSConfig:    tlsConfig,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", addr, err)
	}
	if tlsConfig != nil {
		go func() { _ = server.ServeTLS(ln, "", "") }()
	} else {
		go func() { _ = server.Serve(ln) }()
	}
	return server, nil
}

type errorResp struct {
	Error string            `json:"error"`
	Kind  message.ErrorKind `json:"kind,omitempty"`
	PID   *int              `json:"pid,omitempty"`
}

type okResp struct {
	OK  bool `json:"ok"`
	PID *int `json:"pid,omitempty"`
}

type startBody struct {
	Args []string `json:"args"`
}

func (r *Router) target(c *gin.Context) (identity.Identity, bool) {
	id, err := identity.Parse(c.Param("id"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error(), Kind: message.KindInvalidRequest})
		return identity.Identity{}, false
	}
	return id, true
}

func (r *Router) handleStart(c *gin.Context) {
	id, ok := r.target(c)
	if !ok {
		return
	}
	var body startBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error(), Kind: message.KindInvalidRequest})
			return
		}
	}
	pid, err := r.ctl.Start(c.Request.Context(), id, body.Args...)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true, PID: message.IntPtr(pid)})
}

func (r *Router) handleStop(c *gin.Context) {
	id, ok := r.target(c)
	if !ok {
		return
	}
	opts := client.StopOptions{Confirm: queryBool(c, "confirm"), Force: queryBool(c, "force")}
	pid, err := r.ctl.Stop(c.Request.Context(), id, opts)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true, PID: message.IntPtr(pid)})
}

func (r *Router) handleStatus(c *gin.Context) {
	id, ok := r.target(c)
	if !ok {
		return
	}
	st, err := r.ctl.Status(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if queryBool(c, "check") {
		if err := st.Check(); err != nil {
			writeError(c, err)
			return
		}
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleModuleStatus(c *gin.Context) {
	sts, err := r.ctl.ModuleStatus(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if sts == nil {
		sts = []message.Status{}
	}
	writeJSON(c, http.StatusOK, sts)
}

func (r *Router) handleResources(c *gin.Context) {
	if r.resources == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "resource sampling disabled"})
		return
	}
	writeJSON(c, http.StatusOK, r.resources.All())
}

func queryBool(c *gin.Context, key string) bool {
	v, ok := c.GetQuery(key)
	if !ok {
		return false
	}
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// statusCode maps a supervisor error kind onto an HTTP status.
func statusCode(kind message.ErrorKind) int {
	switch kind {
	case message.KindInvalidRequest, message.KindInstanceRequired:
		return http.StatusBadRequest
	case message.KindAlreadyRunning, message.KindNotRunning, message.KindPidFileInvalid:
		return http.StatusConflict
	case message.KindPidFileMissing:
		return http.StatusNotFound
	case message.KindReadyTimeout, message.KindProbeTimeout, message.KindStopUnconfirmed:
		return http.StatusGatewayTimeout
	case message.KindChildReportedInitFailure, message.KindForkFailed, message.KindLogOpenFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	if errors.Is(err, client.ErrTimeout) {
		writeJSON(c, http.StatusGatewayTimeout, errorResp{Error: err.Error()})
		return
	}
	var me *message.Error
	if errors.As(err, &me) {
		writeJSON(c, statusCode(me.Kind), errorResp{Error: me.Error(), Kind: me.Kind, PID: message.IntPtr(me.PID)})
		return
	}
	writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error(), Kind: message.KindInternal})
}
