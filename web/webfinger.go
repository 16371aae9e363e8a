package web

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/pharosrelay/pharos/domain"
)

// ResolveWebFinger maps an account identifier to the relay actor's profile
// document. A relay has exactly one resolvable account, "relay@<domain>";
// anything else is NotFound.
func (s *Server) ResolveWebFinger(account string) (gin.H, error) {
	expected := fmt.Sprintf("%s@%s", relayAccountName, s.conf.Conf.SslDomain)
	if account != relayAccountName && account != expected {
		return nil, domain.ErrNotFound
	}

	return gin.H{
		"subject": fmt.Sprintf("acct:%s@%s", relayAccountName, s.conf.Conf.SslDomain),
		"links": []gin.H{
			{
				"rel":  "self",
				"type": "application/activity+json",
				"href": s.keys.LocalRelay().ApID,
			},
		},
	}, nil
}
