package web

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/google/uuid"
	"github.com/pharosrelay/pharos/activitypub"
	"github.com/pharosrelay/pharos/db"
	"github.com/pharosrelay/pharos/util"
	"golang.org/x/time/rate"
)

// Server wires the HTTP surface to the protocol engine.
type Server struct {
	database *db.DB
	conf     *util.AppConfig
	keys     *activitypub.KeyManager
	inbox    *activitypub.InboxProcessor
	outbox   *activitypub.Outbox
	beacon   *activitypub.BeaconVerifier
}

func NewServer(database *db.DB, conf *util.AppConfig, keys *activitypub.KeyManager,
	inbox *activitypub.InboxProcessor, outbox *activitypub.Outbox, beacon *activitypub.BeaconVerifier) *Server {
	return &Server{
		database: database,
		conf:     conf,
		keys:     keys,
		inbox:    inbox,
		outbox:   outbox,
		beacon:   beacon,
	}
}

// Router builds the gin engine. Exposed separately from Run so tests can
// drive it with httptest.
func (s *Server) Router() *gin.Engine {
	if !s.conf.Conf.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Public directory API
	g.GET("/", s.HandleRelayInfo)
	g.GET("/apps", s.HandleListApps)
	g.GET("/app/:id", s.HandleGetApp)
	g.GET("/relays", s.HandleListRelays)

	g.GET("/feed", func(c *gin.Context) {
		c.Header("Content-Type", "application/xml; charset=utf-8")
		rss, err := s.GetAppsRSS()
		if err != nil {
			c.Render(404, render.String{Format: ""})
		} else {
			c.Render(200, render.String{Format: rss})
		}
	})

	// App owner endpoints
	g.POST("/beacon", s.HandleBeaconRegister)
	g.POST("/beacon/verify", s.HandleBeaconVerify)

	// Admin endpoints
	g.POST("/login", s.HandleLogin)
	admin := g.Group("/admin", s.adminAuth())
	admin.POST("/follow", s.HandleAdminFollow)
	admin.POST("/togglevisible", s.HandleAdminToggleVisible)

	// Federation endpoints. Stricter rate limit: 5 req/sec per IP,
	// max 1MB request body for activities.
	apLimiter := NewRateLimiter(rate.Limit(5), 10)
	maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024)

	g.GET("/relay", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		c.JSON(200, s.ActorDocument())
	})

	g.POST("/relay/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		s.inbox.HandleInbox(c.Writer, c.Request)
	})

	g.GET("/relay/outbox", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		err, total := s.database.CountActivities()
		if err != nil {
			total = 0
		}
		c.JSON(200, gin.H{
			"@context":   "https://www.w3.org/ns/activitystreams",
			"id":         s.keys.LocalRelay().OutboxURI,
			"type":       "OrderedCollection",
			"totalItems": total,
		})
	})

	g.GET("/relay/activities/:id", s.HandleGetActivity)
	g.GET("/relay/apps/:id", s.HandleGetAppObject)

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		resource := c.Query("resource")
		if !strings.HasPrefix(resource, "acct:") {
			c.JSON(404, gin.H{"detail": "Not Found"})
			return
		}
		account := strings.TrimPrefix(resource, "acct:")
		resp, err := s.ResolveWebFinger(account)
		if err != nil {
			c.JSON(404, gin.H{"detail": "Not Found"})
			return
		}
		c.JSON(200, resp)
	})

	return g
}

// Run starts the HTTP server.
func (s *Server) Run() error {
	log.Printf("Starting %s on %s:%d", util.GetNameAndVersion(), s.conf.Conf.Host, s.conf.Conf.HttpPort)
	return s.Router().Run(fmt.Sprintf(":%d", s.conf.Conf.HttpPort))
}

// HandleGetActivity serves a locally minted activity for dereference.
func (s *Server) HandleGetActivity(c *gin.Context) {
	activityId, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(404, gin.H{"error": "Activity not found"})
		return
	}

	apID := fmt.Sprintf("%s/relay/activities/%s", s.conf.BaseURL(), activityId.String())
	err, activity := s.database.ReadActivityByApID(apID)
	if err != nil || activity == nil || !activity.Local {
		c.JSON(404, gin.H{"error": "Activity not found"})
		return
	}

	c.Header("Content-Type", "application/activity+json; charset=utf-8")
	c.Render(200, render.String{Format: activity.RawJSON})
}

// HandleGetAppObject serves the canonical object document of a locally
// registered app. Remote relays dereference this URI when an activity
// carries the object by reference.
func (s *Server) HandleGetAppObject(c *gin.Context) {
	appId, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(404, gin.H{"error": "App not found"})
		return
	}

	err, app := s.database.ReadAppById(appId)
	if err == sql.ErrNoRows || (err == nil && (app.OriginRelayID != s.keys.LocalRelay().Id || !app.Active)) {
		c.JSON(404, gin.H{"error": "App not found"})
		return
	}
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to read app"})
		return
	}

	var tags []string
	if app.Tags != "" {
		tags = strings.Split(app.Tags, ",")
	}

	c.Header("Content-Type", "application/activity+json; charset=utf-8")
	c.JSON(200, gin.H{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           app.ApID,
		"type":         "Application",
		"attributedTo": s.keys.LocalRelay().ApID,
		"url":          app.URL,
		"name":         app.Name,
		"summary":      app.Description,
		"image":        app.Image,
		"tag":          tags,
		"sensitive":    app.Adult,
		"published":    app.CreatedAt.UTC().Format(time.RFC3339),
	})
}
