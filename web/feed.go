package web

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/feeds"
	"github.com/pharosrelay/pharos/util"
)

const feedItemLimit = 50

// GetAppsRSS renders the most recently indexed apps as an RSS feed.
func (s *Server) GetAppsRSS() (string, error) {
	err, apps := s.database.ReadRecentVisibleApps(feedItemLimit)
	if err != nil {
		log.Println("Could not get apps for feed!", err)
		return "", errors.New("error retrieving apps")
	}

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s - newly indexed apps", s.keys.LocalRelay().Name),
		Link:        &feeds.Link{Href: s.conf.BaseURL() + "/feed"},
		Description: "Spatial web applications recently indexed by this relay",
		Author:      &feeds.Author{Name: util.Name, Email: fmt.Sprintf("%s@%s", relayAccountName, s.conf.Conf.SslDomain)},
		Created:     time.Now(),
	}

	var feedItems []*feeds.Item
	for _, app := range *apps {
		if app.Adult && !s.conf.Conf.ShowAdult {
			continue
		}
		feedItems = append(feedItems,
			&feeds.Item{
				Id:          app.ApID,
				Title:       app.Name,
				Link:        &feeds.Link{Href: app.URL},
				Description: app.Description,
				Created:     app.CreatedAt,
			})
	}

	feed.Items = feedItems
	return feed.ToRss()
}
