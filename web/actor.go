package web

import (
	"github.com/gin-gonic/gin"
)

// relayAccountName is the single WebFinger-addressable account on a relay.
const relayAccountName = "relay"

// ActorDocument renders the local relay's actor document. Relays are
// Service actors; there are no per-user actors on a directory server.
func (s *Server) ActorDocument() gin.H {
	local := s.keys.LocalRelay()
	return gin.H{
		"@context": []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		"id":                        local.ApID,
		"type":                      "Service",
		"preferredUsername":         relayAccountName,
		"name":                      local.Name,
		"summary":                   "Federated directory of spatial web applications",
		"inbox":                     local.InboxURI,
		"outbox":                    local.OutboxURI,
		"url":                       s.conf.BaseURL(),
		"manuallyApprovesFollowers": false,
		"discoverable":              true,
		"publicKey": gin.H{
			"id":           local.ApID + "#main-key",
			"owner":        local.ApID,
			"publicKeyPem": local.PublicKeyPem,
		},
	}
}
