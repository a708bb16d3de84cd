package web

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/feeds"
	"github.com/graylingsocial/grayling/db"
	"github.com/graylingsocial/grayling/util"
)

// GetUserFeed renders a local user's notices as an Atom feed, the
// document remote instances subscribe to.
func GetUserFeed(conf *util.AppConfig, nickname string) (string, error) {

	database := db.GetDB()

	err, user := database.ReadUserByNickname(nickname)
	if err != nil || user == nil {
		log.Println(fmt.Sprintf("Could not find user %s!", nickname), err)
		return "", errors.New("error retrieving user by nickname")
	}

	err, notices := database.ReadNoticesByProfileId(user.ProfileId, 50)
	if err != nil {
		log.Println(fmt.Sprintf("Could not get notices from %s!", nickname), err)
		return "", errors.New("error retrieving notices by user")
	}

	link := fmt.Sprintf("%s/feed/%s", conf.BaseURL(), nickname)
	email := fmt.Sprintf("%s@%s", user.Nickname, conf.Conf.SslDomain)

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("Grayling Notices - %s", nickname),
		Link:        &feeds.Link{Href: link},
		Description: fmt.Sprintf("notices by %s", nickname),
		Author:      &feeds.Author{Name: user.Nickname, Email: email},
		Created:     time.Now(),
	}

	var feedItems []*feeds.Item
	for _, notice := range *notices {
		feedItems = append(feedItems,
			&feeds.Item{
				Id:      notice.URI,
				Title:   notice.CreatedAt.Format(util.DateTimeFormat()),
				Link:    &feeds.Link{Href: notice.URL},
				Content: notice.Content,
				Author:  &feeds.Author{Name: user.Nickname, Email: email},
				Created: notice.CreatedAt,
			})
	}

	feed.Items = feedItems
	return feed.ToAtom()
}

// GetNoticeItem renders a single notice as a one-entry feed.
func GetNoticeItem(conf *util.AppConfig, id uuid.UUID) (string, error) {
	err, notice := db.GetDB().ReadNoticeById(id)

	if err != nil || notice == nil {
		log.Println("Could not get notice!", err)
		return "", errors.New("error retrieving notice by id")
	}

	err, profile := db.GetDB().ReadProfileById(notice.ProfileId)
	if err != nil || profile == nil {
		log.Println("Could not get notice author!", err)
		return "", errors.New("error retrieving notice author")
	}

	feed := &feeds.Feed{
		Title:       "Single Grayling Notice",
		Link:        &feeds.Link{Href: notice.URL},
		Description: fmt.Sprintf("notice by %s", profile.Nickname),
		Author:      &feeds.Author{Name: profile.Nickname},
		Created:     time.Now(),
	}

	feed.Items = []*feeds.Item{
		{
			Id:      notice.URI,
			Title:   notice.CreatedAt.Format(util.DateTimeFormat()),
			Link:    &feeds.Link{Href: notice.URL},
			Content: notice.Content,
			Author:  &feeds.Author{Name: profile.Nickname},
			Created: notice.CreatedAt,
		},
	}

	return feed.ToAtom()
}
