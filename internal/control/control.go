// Package control implements the external control-plane adapter
// (SPEC_FULL.md §4.9): a gin router exposing proxies/groups/rules/provider
// status/connections/config endpoints, bearer-secret or JWT auth, and a
// gorilla/websocket live feed for connections and logs. Grounded on the
// mlkmbp-mbp pack member's gin+jwt+websocket API-server layering, adapted
// from its task/queue domain to this one's proxy/connection domain.
package control

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gojson "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/e1732a364fed/clashcore/internal/group"
	"github.com/e1732a364fed/clashcore/internal/logx"
	"github.com/e1732a364fed/clashcore/internal/outbound"
	"github.com/e1732a364fed/clashcore/internal/provider"
	"github.com/e1732a364fed/clashcore/internal/registry"
)

// Server exposes the control-plane HTTP API over the runtime's live state.
// Field access happens through small read-only accessor funcs so a config
// reload (which swaps the whole Runtime) doesn't require restarting the
// control server — callers set these to closures over the latest Runtime.
type Server struct {
	Secret string
	UseJWT bool

	Proxies   func() *outbound.Registry
	Groups    func() map[string]group.Group
	Registry  *registry.Registry
	RuleNames func() []string
	Providers func() map[string]*provider.Provider

	// Mode/SetMode expose the routing mode (rule, global, direct) for the
	// /configs GET/PATCH pair; RSS feeds /memory from the memwatch sampler.
	Mode    func() string
	SetMode func(string) bool
	RSS     func() int64

	engine   *gin.Engine
	upgrader websocket.Upgrader
}

func NewServer(secret string, useJWT bool) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		Secret:   secret,
		UseJWT:   useJWT,
		engine:   gin.New(),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	s.routes()
	return s
}

func (s *Server) ListenAndServe(addr string) error {
	return s.engine.Run(addr)
}

// Handler exposes the router as a plain http.Handler, for tests and for
// embedding under an existing mux.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	s.engine.Use(gin.Recovery(), s.authMiddleware())

	s.engine.GET("/proxies", s.getProxies)
	s.engine.GET("/proxies/:name", s.getProxy)
	s.engine.GET("/groups", s.getGroups)
	s.engine.PUT("/groups/:name", s.putGroupSelection)
	s.engine.GET("/rules", s.getRules)
	s.engine.GET("/providers/proxies", s.getProxyProviders)
	s.engine.GET("/providers/rules", s.getRuleProviders)
	s.engine.GET("/connections", s.getConnections)
	s.engine.DELETE("/connections/:id", s.killConnection)
	s.engine.DELETE("/connections", s.killAllConnections)
	s.engine.GET("/memory", s.getMemory)
	s.engine.GET("/configs", s.getConfigs)
	s.engine.PATCH("/configs", s.patchConfigs)
	s.engine.GET("/logs", s.serveLogsWS)
}

// authMiddleware implements spec.md-style bearer-secret auth with an
// optional JWT variant layered on top (SPEC_FULL.md §4.9): Authorization:
// Bearer <secret-or-token>.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.Secret == "" {
			c.Next()
			return
		}
		const prefix = "Bearer "
		h := c.GetHeader("Authorization")
		if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		token := h[len(prefix):]
		if s.UseJWT {
			if !s.validJWT(token) {
				c.AbortWithStatus(http.StatusUnauthorized)
				return
			}
		} else if token != s.Secret {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

func (s *Server) validJWT(tokenStr string) bool {
	tok, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		return []byte(s.Secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil && tok.Valid
}

type proxyView struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Alive    bool   `json:"alive"`
	DelayMS  int64  `json:"delay_ms"`
}

func toProxyView(p outbound.Proxy) proxyView {
	return proxyView{Name: p.Name(), Type: p.Kind(), Alive: p.Alive(), DelayMS: p.LastDelayMS()}
}

func (s *Server) getProxies(c *gin.Context) {
	out := make(map[string]proxyView)
	for _, p := range s.Proxies().All() {
		out[p.Name()] = toProxyView(p)
	}
	for name, g := range s.Groups() {
		out[name] = toProxyView(g)
	}
	c.JSON(http.StatusOK, gin.H{"proxies": out})
}

func (s *Server) getProxy(c *gin.Context) {
	name := c.Param("name")
	if p, ok := s.Proxies().Get(name); ok {
		c.JSON(http.StatusOK, toProxyView(p))
		return
	}
	if g, ok := s.Groups()[name]; ok {
		c.JSON(http.StatusOK, toProxyView(g))
		return
	}
	c.Status(http.StatusNotFound)
}

type groupView struct {
	Name    string   `json:"name"`
	Now     string   `json:"now"`
	Members []string `json:"all"`
}

func (s *Server) getGroups(c *gin.Context) {
	out := make([]groupView, 0, len(s.Groups()))
	for name, g := range s.Groups() {
		members := make([]string, 0, len(g.Members()))
		for _, m := range g.Members() {
			members = append(members, m.Name())
		}
		now := ""
		if cur, err := g.Now(nil); err == nil {
			now = cur.Name()
		}
		out = append(out, groupView{Name: name, Now: now, Members: members})
	}
	c.JSON(http.StatusOK, gin.H{"groups": out})
}

// putGroupSelection implements the Selector write path (spec.md §4.5): body
// {"name": "<proxy>"} sets the group's current member.
func (s *Server) putGroupSelection(c *gin.Context) {
	name := c.Param("name")
	var body struct {
		Name string `json:"name"`
	}
	if err := c.BindJSON(&body); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	g, ok := s.Groups()[name]
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	sel, ok := g.(*group.Selector)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "group is not a selector"})
		return
	}
	if !sel.SetCurrent(body.Name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown member"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getRules(c *gin.Context) {
	names := []string{}
	if s.RuleNames != nil {
		names = s.RuleNames()
	}
	c.JSON(http.StatusOK, gin.H{"rules": names})
}

type providerView struct {
	Name             string                     `json:"name"`
	Behavior         string                     `json:"behavior"`
	ProxyCount       int                        `json:"proxyCount,omitempty"`
	LastError        string                     `json:"lastError,omitempty"`
	SubscriptionInfo *provider.SubscriptionInfo `json:"subscriptionInfo,omitempty"`
}

func (s *Server) providerViews(wantProxies bool) map[string]providerView {
	out := make(map[string]providerView)
	if s.Providers == nil {
		return out
	}
	for name, p := range s.Providers() {
		isProxies := p.Behavior() == provider.BehaviorProxies
		if isProxies != wantProxies {
			continue
		}
		v := providerView{Name: name, Behavior: string(p.Behavior()), SubscriptionInfo: p.SubscriptionInfo()}
		if err := p.LastError(); err != nil {
			v.LastError = err.Error()
		}
		if art := p.Artifact(); art != nil && isProxies {
			v.ProxyCount = len(art.Proxies())
		}
		out[name] = v
	}
	return out
}

func (s *Server) getProxyProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": s.providerViews(true)})
}

func (s *Server) getRuleProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": s.providerViews(false)})
}

type connectionView struct {
	ID          string    `json:"id"`
	Network     string    `json:"network"`
	Host        string    `json:"host"`
	Port        uint16    `json:"destinationPort"`
	Inbound     string    `json:"inbound"`
	Rule        string    `json:"rule"`
	Chain       []string  `json:"chains"`
	Start       time.Time `json:"start"`
	Upload      int64     `json:"upload"`
	Download    int64     `json:"download"`
}

func (s *Server) getConnections(c *gin.Context) {
	if c.Query("ws") == "true" {
		s.serveConnectionsWS(c)
		return
	}
	snaps := s.Registry.Snapshot()
	views := make([]connectionView, 0, len(snaps))
	var up, down int64
	for _, sn := range snaps {
		views = append(views, connectionView{
			ID: sn.ID, Network: string(sn.Network), Host: sn.Host, Port: sn.DestPort,
			Inbound: sn.Inbound, Rule: sn.RuleMatched, Chain: sn.ProxyChain,
			Start: sn.StartTime, Upload: sn.Uploaded, Download: sn.Downloaded,
		})
		up += sn.Uploaded
		down += sn.Downloaded
	}
	c.JSON(http.StatusOK, gin.H{
		"connections":      views,
		"downloadTotal":    down + s.Registry.TotalDown(),
		"uploadTotal":      up + s.Registry.TotalUp(),
	})
}

// serveConnectionsWS pushes a connections snapshot every second over a
// websocket (spec.md §4.9/SPEC_FULL.md §4.9 live feed).
func (s *Server) serveConnectionsWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		snaps := s.Registry.Snapshot()
		payload, merr := gojson.Marshal(gin.H{"connections": snaps})
		if merr != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func (s *Server) killConnection(c *gin.Context) {
	if s.Registry.Kill(c.Param("id")) {
		c.Status(http.StatusNoContent)
		return
	}
	c.Status(http.StatusNotFound)
}

func (s *Server) killAllConnections(c *gin.Context) {
	s.Registry.ForceCloseAll()
	c.Status(http.StatusNoContent)
}

func (s *Server) getMemory(c *gin.Context) {
	var rss int64
	if s.RSS != nil {
		rss = s.RSS()
	}
	c.JSON(http.StatusOK, gin.H{"inuse": rss, "connections": s.Registry.Count()})
}

func (s *Server) getConfigs(c *gin.Context) {
	mode := ""
	if s.Mode != nil {
		mode = s.Mode()
	}
	c.JSON(http.StatusOK, gin.H{"mode": mode, "log-level": logx.Level})
}

// patchConfigs accepts {"mode": "rule"|"global"|"direct"}; a runtime mode
// flip is the one reload knob the adapter exposes directly (SPEC_FULL.md
// §4.9 — full config PATCH reload stays out of scope per spec.md §1).
func (s *Server) patchConfigs(c *gin.Context) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := c.BindJSON(&body); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	if body.Mode != "" {
		if s.SetMode == nil || !s.SetMode(body.Mode) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown mode"})
			return
		}
	}
	c.Status(http.StatusNoContent)
}

// serveLogsWS streams log lines to the client until it disconnects.
func (s *Server) serveLogsWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	ch := logx.Feed.Subscribe()
	defer logx.Feed.Unsubscribe(ch)
	for line := range ch {
		payload, merr := gojson.Marshal(gin.H{"payload": line})
		if merr != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}
