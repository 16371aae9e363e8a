package web

import (
	"database/sql"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pharosrelay/pharos/domain"
	"github.com/pharosrelay/pharos/util"
)

// appView is the public JSON shape of an indexed app. Verification codes
// and other local bookkeeping never leave the relay.
type appView struct {
	Id          string   `json:"id"`
	ApID        string   `json:"apId"`
	URL         string   `json:"url"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Image       string   `json:"image,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Adult       bool     `json:"adult"`
	Verified    bool     `json:"verified"`
	Slug        string   `json:"slug,omitempty"`
	Reputation  int      `json:"reputation"`
	CreatedAt   string   `json:"createdAt"`
}

func appToView(app *domain.App, reputation int) appView {
	var tags []string
	if app.Tags != "" {
		tags = strings.Split(app.Tags, ",")
	}
	return appView{
		Id:          app.Id.String(),
		ApID:        app.ApID,
		URL:         app.URL,
		Name:        app.Name,
		Description: app.Description,
		Image:       app.Image,
		Tags:        tags,
		Adult:       app.Adult,
		Verified:    app.Verified(),
		Slug:        app.Slug,
		Reputation:  reputation,
		CreatedAt:   app.CreatedAt.Format(util.DateTimeFormat()),
	}
}

// HandleRelayInfo serves basic relay metadata on the root path.
func (s *Server) HandleRelayInfo(c *gin.Context) {
	err, appCount := s.database.CountActivities()
	if err != nil {
		appCount = 0
	}
	c.JSON(200, gin.H{
		"name":       s.keys.LocalRelay().Name,
		"software":   util.Name,
		"version":    util.GetVersion(),
		"actor":      s.keys.LocalRelay().ApID,
		"activities": appCount,
	})
}

// HandleListApps serves the directory: visible, active apps with their
// reputation counts. Adult apps are filtered out unless the relay opts in.
func (s *Server) HandleListApps(c *gin.Context) {
	err, listings := s.database.ReadAppListings()
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to read directory"})
		return
	}

	views := make([]appView, 0, len(*listings))
	for _, listing := range *listings {
		if listing.Adult && !s.conf.Conf.ShowAdult {
			continue
		}
		views = append(views, appToView(&listing.App, listing.Reputation))
	}

	c.JSON(200, gin.H{"apps": views})
}

// HandleGetApp serves one app by slug or row id.
func (s *Server) HandleGetApp(c *gin.Context) {
	ref := c.Param("id")

	err, app := s.database.ReadAppBySlug(ref)
	if err == sql.ErrNoRows {
		appId, parseErr := uuid.Parse(ref)
		if parseErr != nil {
			c.JSON(404, gin.H{"error": "App not found"})
			return
		}
		err, app = s.database.ReadAppById(appId)
	}
	if err != nil || app == nil {
		c.JSON(404, gin.H{"error": "App not found"})
		return
	}
	if !app.Visible || !app.Active || (app.Adult && !s.conf.Conf.ShowAdult) {
		c.JSON(404, gin.H{"error": "App not found"})
		return
	}

	err, reputation := s.database.AppReputation(app.ApID)
	if err != nil {
		reputation = 0
	}

	c.JSON(200, appToView(app, reputation))
}

// HandleListRelays serves the known relay peers.
func (s *Server) HandleListRelays(c *gin.Context) {
	err, relays := s.database.ReadAllRelays()
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to read relays"})
		return
	}

	type relayView struct {
		ApID          string `json:"apId"`
		Name          string `json:"name"`
		Local         bool   `json:"local"`
		Unreachable   bool   `json:"unreachable"`
		LastRefreshed string `json:"lastRefreshedAt"`
	}

	views := make([]relayView, 0, len(*relays))
	for _, relay := range *relays {
		views = append(views, relayView{
			ApID:          relay.ApID,
			Name:          relay.Name,
			Local:         relay.Local,
			Unreachable:   relay.Unreachable,
			LastRefreshed: relay.LastRefreshedAt.Format(util.DateTimeFormat()),
		})
	}

	c.JSON(200, gin.H{"relays": views})
}
