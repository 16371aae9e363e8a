package web

import (
	"crypto/subtle"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	adminTokenCookie = "relay-admin-token"
	adminTokenTTL    = 24 * time.Hour
)

type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

type followRequest struct {
	Actor string `json:"actor" binding:"required"`
}

type toggleVisibleRequest struct {
	Id string `json:"id" binding:"required"`
}

// HandleLogin exchanges the admin password for a session token signed with
// the relay key.
func (s *Server) HandleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "password is required"})
		return
	}

	if s.conf.Conf.AdminPassword == "" ||
		subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.conf.Conf.AdminPassword)) != 1 {
		log.Printf("Admin: Failed login from %s", c.ClientIP())
		c.JSON(401, gin.H{"error": "Unauthorized"})
		return
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   "admin",
		Issuer:    s.keys.LocalRelay().ApID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(adminTokenTTL)),
	})

	signed, err := token.SignedString(s.keys.PrivateKey())
	if err != nil {
		log.Printf("Admin: Failed to sign token: %v", err)
		c.JSON(500, gin.H{"error": "Failed to issue token"})
		return
	}

	secure := s.conf.Conf.Protocol != "http://"
	c.SetCookie(adminTokenCookie, signed, int(adminTokenTTL.Seconds()), "/", "", secure, true)
	c.JSON(200, gin.H{"token": signed})
}

// adminAuth gates the admin endpoints on a valid session token, taken from
// the cookie or an Authorization bearer header.
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := c.Cookie(adminTokenCookie)
		if err != nil || tokenString == "" {
			auth := c.GetHeader("Authorization")
			if len(auth) > 7 && auth[:7] == "Bearer " {
				tokenString = auth[7:]
			}
		}
		if tokenString == "" {
			c.JSON(401, gin.H{"error": "Unauthorized"})
			c.Abort()
			return
		}

		token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
			return &s.keys.PrivateKey().PublicKey, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
		if err != nil || !token.Valid {
			c.JSON(401, gin.H{"error": "Unauthorized"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// HandleAdminFollow issues a Follow to a peer relay.
func (s *Server) HandleAdminFollow(c *gin.Context) {
	var req followRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "actor is required"})
		return
	}

	if err := s.outbox.SendFollow(c.Request.Context(), req.Actor); err != nil {
		log.Printf("Admin: Failed to follow %s: %v", req.Actor, err)
		c.JSON(502, gin.H{"error": "Failed to follow relay"})
		return
	}

	c.JSON(202, gin.H{"status": "follow requested"})
}

// HandleAdminToggleVisible flips an app's directory visibility. Visibility
// is a local moderation decision and is never federated.
func (s *Server) HandleAdminToggleVisible(c *gin.Context) {
	var req toggleVisibleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "id is required"})
		return
	}

	appId, err := uuid.Parse(req.Id)
	if err != nil {
		c.JSON(400, gin.H{"error": "id must be a UUID"})
		return
	}

	if err := s.database.ToggleAppVisibility(appId); err != nil {
		c.JSON(500, gin.H{"error": "Failed to toggle visibility"})
		return
	}

	c.JSON(200, gin.H{"status": "toggled"})
}
