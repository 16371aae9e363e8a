package web

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pharosrelay/pharos/domain"
	"github.com/pharosrelay/pharos/util"
)

const verifyCodeLength = 32

type beaconRequest struct {
	URL         string   `json:"url" binding:"required"`
	Name        string   `json:"name" binding:"required"`
	Description string   `json:"description"`
	Image       string   `json:"image"`
	Tags        []string `json:"tags"`
	Adult       bool     `json:"adult"`
}

type beaconVerifyRequest struct {
	URL string `json:"url" binding:"required"`
}

// HandleBeaconRegister registers a local app (or updates one registered
// earlier) and issues the verification code its owner must serve.
func (s *Server) HandleBeaconRegister(c *gin.Context) {
	var req beaconRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "url and name are required"})
		return
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		c.JSON(400, gin.H{"error": "url must be absolute"})
		return
	}

	local := s.keys.LocalRelay()
	tags := strings.Join(req.Tags, ",")

	err, existing := s.database.ReadAppByURL(req.URL)
	if err != nil && err != sql.ErrNoRows {
		c.JSON(500, gin.H{"error": "Failed to read app"})
		return
	}

	if existing != nil {
		if existing.OriginRelayID != local.Id {
			c.JSON(409, gin.H{"error": "App is registered on another relay"})
			return
		}
		if err := s.database.UpdateAppFields(existing.Id, req.Name, req.Description, req.Image, tags, req.Adult, true); err != nil {
			c.JSON(500, gin.H{"error": "Failed to update app"})
			return
		}
		existing.Name = req.Name
		existing.Description = req.Description
		existing.Image = req.Image
		existing.Tags = tags
		existing.Adult = req.Adult
		existing.Active = true

		// Already-verified apps rebroadcast their new metadata right away.
		if existing.Verified() {
			if err := s.outbox.AnnounceApp(existing, domain.KindUpdate); err != nil {
				log.Printf("Beacon: Failed to announce update of %s: %v", existing.ApID, err)
			}
		}
		c.JSON(200, s.beaconResponse(existing))
		return
	}

	appId := uuid.New()
	app := &domain.App{
		Id:            appId,
		ApID:          fmt.Sprintf("%s/relay/apps/%s", s.conf.BaseURL(), appId.String()),
		OriginRelayID: local.Id,
		URL:           req.URL,
		Name:          req.Name,
		Description:   req.Description,
		Image:         req.Image,
		Tags:          tags,
		Visible:       true,
		Adult:         req.Adult,
		Active:        true,
		VerifyCode:    util.RandomString(verifyCodeLength),
		Slug:          s.freeSlug(req.Name),
		CreatedAt:     time.Now(),
	}

	if err := s.database.CreateApp(app); err != nil {
		log.Printf("Beacon: Failed to register app %s: %v", req.URL, err)
		c.JSON(500, gin.H{"error": "Failed to register app"})
		return
	}

	log.Printf("Beacon: Registered app %s at %s", app.Name, app.URL)
	c.JSON(201, s.beaconResponse(app))
}

// HandleBeaconVerify triggers the beacon check for a registered app.
// Verification runs only on explicit request, never on a schedule.
func (s *Server) HandleBeaconVerify(c *gin.Context) {
	var req beaconVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "url is required"})
		return
	}

	err, app := s.database.ReadAppByURL(req.URL)
	if err == sql.ErrNoRows {
		c.JSON(404, gin.H{"error": "App not found"})
		return
	}
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to read app"})
		return
	}
	if app.OriginRelayID != s.keys.LocalRelay().Id {
		c.JSON(403, gin.H{"error": "App is registered on another relay"})
		return
	}

	if err := s.beacon.Verify(c.Request.Context(), app); err != nil {
		var failure *domain.VerificationFailed
		if errors.As(err, &failure) {
			c.JSON(422, gin.H{"verified": false, "reason": failure.Reason})
			return
		}
		c.JSON(500, gin.H{"error": "Verification failed"})
		return
	}

	c.JSON(200, gin.H{
		"verified":   true,
		"verifiedAt": app.VerifiedAt.Format(util.DateTimeFormat()),
	})
}

func (s *Server) beaconResponse(app *domain.App) gin.H {
	resp := gin.H{
		"id":       app.Id.String(),
		"apId":     app.ApID,
		"url":      app.URL,
		"slug":     app.Slug,
		"verified": app.Verified(),
	}
	if !app.Verified() {
		resp["verifyCode"] = app.VerifyCode
		resp["beaconPath"] = "/.well-known/pharos-beacon"
	}
	return resp
}

// freeSlug derives a slug from the app name, suffixing it when taken.
func (s *Server) freeSlug(name string) string {
	slug := util.Slugify(name)
	if slug == "" {
		return ""
	}
	err, _ := s.database.ReadAppBySlug(slug)
	if err == sql.ErrNoRows {
		return slug
	}
	return slug + "-" + util.RandomString(4)
}
