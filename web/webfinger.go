package web

import (
	"fmt"

	"github.com/graylingsocial/grayling/db"
	"github.com/graylingsocial/grayling/util"
)

func GetWebfinger(nickname string, conf *util.AppConfig, magicKey string) (error, string) {

	err, user := db.GetDB().ReadUserByNickname(nickname)
	if err != nil {
		return err, GetWebFingerNotFound()
	}

	base := conf.BaseURL()

	return nil, fmt.Sprintf(
		`{
					"subject": "acct:%s@%s",
					"aliases": ["%s"],

					"links": [
						{
							"rel": "http://webfinger.net/rel/profile-page",
							"type": "text/html",
							"href": "%s"
						},
						{
							"rel": "http://schemas.google.com/g/2010#updates-from",
							"type": "application/atom+xml",
							"href": "%s/feed/%s"
						},
						{
							"rel": "salmon",
							"href": "%s/main/salmon/user/%s"
						},
						{
							"rel": "magic-public-key",
							"href": "%s"
						}
					]
				}`, user.Nickname, conf.Conf.SslDomain, user.URI,
		user.URI,
		base, user.Nickname,
		base, user.Id,
		magicKey)
}

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}
