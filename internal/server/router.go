package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/appvisor/internal/ecosystem"
	"github.com/loykin/appvisor/internal/manager"
)

// Router exposes a Manager over HTTP.
// Endpoints:
//
//	GET  {basePath}/status       query: name=... (optional, all apps when empty)
//	GET  {basePath}/apps
//	POST {basePath}/start        query: name=...
//	POST {basePath}/stop         query: name=...&wait=1s (wait optional)
//	POST {basePath}/restart      query: name=...
//	POST {basePath}/reload       query: name=...
//
// name=all addresses every app unless an app is literally called "all".
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	mgr      *manager.Manager
	basePath string
	metrics  http.Handler
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/abc" results in /abc/start, /abc/stop, /abc/status.
func NewRouter(mgr *manager.Manager, basePath string) *Router {
	return &Router{mgr: mgr, basePath: sanitizeBase(basePath)}
}

// WithMetrics serves h at /metrics next to the API routes.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.metrics = h
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)
	group.GET("/status", func(c *gin.Context) { writeJSON(c, r.status(c.Query("name"))) })
	group.GET("/apps", func(c *gin.Context) { writeJSON(c, r.apps()) })
	group.POST("/start", func(c *gin.Context) { writeJSON(c, r.start(c.Query("name"))) })
	group.POST("/stop", func(c *gin.Context) { writeJSON(c, r.stop(c.Query("name"), c.Query("wait"))) })
	group.POST("/restart", func(c *gin.Context) { writeJSON(c, r.restart(c.Query("name"))) })
	group.POST("/reload", func(c *gin.Context) { writeJSON(c, r.reload(c.Query("name"))) })
	return g
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// AppInfo is the public part of a declaration. Environment values are
// left out because they commonly hold secrets.
type AppInfo struct {
	Name          string             `json:"name"`
	Script        string             `json:"script"`
	Interpreter   string             `json:"interpreter"`
	Cwd           string             `json:"cwd,omitempty"`
	Port          int                `json:"port,omitempty"`
	Instances     int                `json:"instances"`
	ExecMode      ecosystem.ExecMode `json:"exec_mode"`
	Watch         bool               `json:"watch"`
	AutoRestart   bool               `json:"autorestart"`
	MaxRestarts   int                `json:"max_restarts"`
	MinUptime     string             `json:"min_uptime"`
	RestartDelay  string             `json:"restart_delay,omitempty"`
	InstanceNames []string           `json:"instance_names"`
}

func appInfo(s ecosystem.ManagedProcessSpec) AppInfo {
	info := AppInfo{
		Name:          s.Name,
		Script:        s.EntryPoint,
		Interpreter:   s.Interpreter,
		Cwd:           s.Cwd,
		Port:          s.Port,
		Instances:     s.Instances,
		ExecMode:      s.ExecutionMode,
		Watch:         s.Watch,
		AutoRestart:   s.AutoRestart,
		MaxRestarts:   s.MaxRestarts,
		MinUptime:     s.MinUptime.String(),
		InstanceNames: s.InstanceNames(),
	}
	if s.RestartDelay > 0 {
		info.RestartDelay = s.RestartDelay.String()
	}
	return info
}

// reply is a status code and JSON body. The handlers below return one so
// the gin and echo front ends share them.
type reply struct {
	code int
	body any
}

func (r *Router) status(name string) reply {
	if name == "" || r.isAll(name) {
		sts := r.mgr.StatusAll()
		if sts == nil {
			sts = []manager.InstanceStatus{}
		}
		return reply{http.StatusOK, sts}
	}
	if !isSafeName(name) {
		return badName()
	}
	sts, err := r.mgr.Status(name)
	if err != nil {
		return fail(err)
	}
	return reply{http.StatusOK, sts}
}

func (r *Router) apps() reply {
	specs := r.mgr.Specs()
	out := make([]AppInfo, 0, len(specs))
	for _, s := range specs {
		out = append(out, appInfo(s))
	}
	return reply{http.StatusOK, out}
}

func (r *Router) start(name string) reply {
	return r.apply(name, r.mgr.Start)
}

func (r *Router) stop(name, waitStr string) reply {
	var wait time.Duration
	if waitStr != "" {
		d, err := time.ParseDuration(waitStr)
		if err != nil || d < 0 {
			return reply{http.StatusBadRequest, errorResp{Error: "invalid wait: use a duration such as 2s"}}
		}
		wait = d
	}
	return r.apply(name, func(n string) error { return r.mgr.Stop(n, wait) })
}

func (r *Router) restart(name string) reply {
	return r.apply(name, r.mgr.Restart)
}

func (r *Router) reload(name string) reply {
	return r.apply(name, r.mgr.Reload)
}

// apply runs op for name, or for every app when name is "all".
func (r *Router) apply(name string, op func(string) error) reply {
	if name == "" {
		return reply{http.StatusBadRequest, errorResp{Error: "name query param required"}}
	}
	if r.isAll(name) {
		var errs []error
		for _, s := range r.mgr.Specs() {
			if err := op(s.Name); err != nil && !errors.Is(err, manager.ErrAppRunning) {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			return fail(err)
		}
		return reply{http.StatusOK, okResp{OK: true}}
	}
	if !isSafeName(name) {
		return badName()
	}
	if err := op(name); err != nil {
		return fail(err)
	}
	return reply{http.StatusOK, okResp{OK: true}}
}

func (r *Router) isAll(name string) bool {
	if name != "all" {
		return false
	}
	_, err := r.mgr.Status("all")
	return err != nil
}

func badName() reply {
	return reply{http.StatusBadRequest, errorResp{Error: "invalid name: use letters, digits and - _ . @ : without '..'"}}
}

func fail(err error) reply {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, manager.ErrUnknownApp):
		code = http.StatusNotFound
	case errors.Is(err, manager.ErrAppRunning):
		code = http.StatusConflict
	}
	return reply{code, errorResp{Error: err.Error()}}
}
