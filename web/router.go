package web

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log"
	"strings"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/google/uuid"
	"github.com/graylingsocial/grayling/db"
	"github.com/graylingsocial/grayling/domain"
	"github.com/graylingsocial/grayling/feed"
	"github.com/graylingsocial/grayling/ostatus"
	"github.com/graylingsocial/grayling/util"
	"golang.org/x/time/rate"
)

// Services bundles the federation machinery the handlers dispatch to.
type Services struct {
	Resolver   *ostatus.Resolver
	Subscriber *ostatus.Subscriber
	Processor  *ostatus.Processor

	// MagicKey is the instance signing key in magic-public-key form,
	// advertised for remote salmon verification.
	MagicKey string
}

func Router(conf *util.AppConfig, services *Services) error {
	log.Printf("Starting federation server on %s:%d", conf.Conf.Host, conf.Conf.HttpPort)
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	perSec := rate.Limit(conf.Conf.RatePerSec)
	g.Use(ThrottleMiddleware(NewThrottle(perSec, conf.Conf.RateBurst)))

	// Inbound federation endpoints get half the allowance
	fedLimiter := NewThrottle(perSec/2, conf.Conf.RateBurst/2)

	maxBodySize := BodyLimitMiddleware(int64(conf.Conf.MaxBodyKb) * 1024)

	g.GET("/", func(c *gin.Context) {
		c.String(200, "%s", util.GetNameAndVersion())
	})

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		c.Header("Content-Type", "application/jrd+json; charset=utf-8")

		resource := c.Query("resource")
		if resource == "" || !strings.HasPrefix(resource, "acct:") {
			c.Render(404, render.String{Format: GetWebFingerNotFound()})
			return
		}
		resource = strings.TrimPrefix(resource, "acct:")
		resource = strings.TrimSuffix(resource, fmt.Sprintf("@%s", conf.Conf.SslDomain))
		err, resp := GetWebfinger(resource, conf, services.MagicKey)
		if err != nil {
			c.Render(404, render.String{Format: GetWebFingerNotFound()})
		} else {
			c.Render(200, render.String{Format: resp})
		}
	})

	// Atom feed of a local user, the document hubs push for us
	g.GET("/feed/:nickname", func(c *gin.Context) {
		c.Header("Content-Type", "application/atom+xml; charset=utf-8")

		atom, err := GetUserFeed(conf, c.Param("nickname"))
		if err != nil {
			c.Render(404, render.String{Format: ""})
		} else {
			c.Render(200, render.String{Format: atom})
		}
	})

	g.GET("/notice/:id", func(c *gin.Context) {
		c.Header("Content-Type", "application/atom+xml; charset=utf-8")

		noticeId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.Render(404, render.String{Format: ""})
			return
		}

		atom, err := GetNoticeItem(conf, noticeId)
		if err != nil {
			c.Render(404, render.String{Format: ""})
		} else {
			c.Render(200, render.String{Format: atom})
		}
	})

	// Canonical page of a local group, target of group mentions
	g.GET("/group/:id/id", func(c *gin.Context) {
		groupId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(404, gin.H{"error": "Invalid group ID"})
			return
		}

		dbErr, group := db.GetDB().ReadGroupById(groupId)
		if dbErr != nil || group == nil {
			c.JSON(404, gin.H{"error": "Group not found"})
			return
		}

		c.JSON(200, gin.H{
			"id":       group.Id.String(),
			"nickname": group.Nickname,
			"fullname": group.Fullname,
			"homepage": group.Homepage,
			"url":      conf.GroupURL(group.Id.String()),
		})
	})

	// Hub verification of a pending (un)subscribe
	g.GET("/main/push/callback/:id", func(c *gin.Context) {
		handlePushVerify(c, services)
	})

	// Pushed feed content
	g.POST("/main/push/callback/:id", ThrottleMiddleware(fedLimiter), maxBodySize, func(c *gin.Context) {
		handlePushContent(c, services)
	})

	// Salmon endpoint of a local user
	g.POST("/main/salmon/user/:id", ThrottleMiddleware(fedLimiter), maxBodySize, func(c *gin.Context) {
		handleSalmon(c, services)
	})

	// Remote subscribe: a local user follows a federated account
	g.POST("/main/ostatussub", func(c *gin.Context) {
		handleRemoteSubscribe(c, conf, services)
	})

	err := g.Run(fmt.Sprintf(":%d", conf.Conf.HttpPort))
	if err != nil {
		return err
	}
	return nil
}

func handlePushVerify(c *gin.Context, services *Services) {
	feedSubId, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.Status(404)
		return
	}

	mode := c.Query("hub.mode")
	topic := c.Query("hub.topic")
	challenge := c.Query("hub.challenge")
	if challenge == "" {
		c.Status(400)
		return
	}

	dbErr, fs := db.GetDB().ReadFeedSubById(feedSubId)
	if dbErr != nil || fs == nil {
		c.Status(404)
		return
	}
	if topic != "" && topic != fs.URI {
		log.Printf("Push: Verification topic %s doesn't match %s", topic, fs.URI)
		c.Status(404)
		return
	}

	if err := services.Subscriber.ConfirmState(feedSubId, mode); err != nil {
		log.Printf("Push: Rejecting %s verification for %s: %v", mode, fs.URI, err)
		c.Status(404)
		return
	}

	c.String(200, "%s", challenge)
}

func handlePushContent(c *gin.Context, services *Services) {
	feedSubId, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.Status(404)
		return
	}

	database := db.GetDB()

	dbErr, fs := database.ReadFeedSubById(feedSubId)
	if dbErr != nil || fs == nil {
		c.Status(404)
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		log.Printf("Push: Failed to read body for %s: %v", fs.URI, err)
		c.Status(400)
		return
	}

	if fs.Secret != "" && !validSignature(c.GetHeader("X-Hub-Signature"), fs.Secret, body) {
		log.Printf("Push: Signature mismatch on content for %s", fs.URI)
		// Per PuSH, bad signatures are swallowed, not bounced.
		c.Status(202)
		return
	}

	atom, err := feed.ParseFeed(body)
	if err != nil {
		log.Printf("Push: Unparseable content for %s: %v", fs.URI, err)
		c.Status(400)
		return
	}

	dbErr, rp := database.ReadRemoteProfileByFeedURI(fs.URI)
	if dbErr != nil || rp == nil {
		log.Printf("Push: No profile behind feed %s", fs.URI)
		c.Status(404)
		return
	}

	saved := services.Processor.ProcessFeed(rp, atom)
	log.Printf("Push: %d notices from %s", saved, fs.URI)
	c.Status(200)
}

func handleSalmon(c *gin.Context, services *Services) {
	userId, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.Status(404)
		return
	}

	dbErr, user := db.GetDB().ReadUserById(userId)
	if dbErr != nil || user == nil {
		c.Status(404)
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.Status(400)
		return
	}

	env, payload, err := ostatus.OpenEnvelope(body)
	if err != nil {
		log.Printf("Salmon: Bad envelope for %s: %v", user.Nickname, err)
		c.Status(400)
		return
	}

	entry, err := feed.ParseEntry(payload)
	if err != nil {
		log.Printf("Salmon: Bad entry for %s: %v", user.Nickname, err)
		c.Status(400)
		return
	}

	// The slap is only as good as its signature, fetch the sender's
	// advertised key and check before letting the entry near the
	// processor.
	senderKey, err := services.Resolver.SenderKey(entry)
	if err != nil {
		log.Printf("Salmon: No sender key for entry %s: %v", entry.Id, err)
		c.Status(400)
		return
	}
	if err := ostatus.VerifyEnvelope(env, senderKey); err != nil {
		log.Printf("Salmon: Rejecting forged envelope for %s: %v", user.Nickname, err)
		c.Status(400)
		return
	}

	if err := services.Processor.ProcessEntry(user, entry); err != nil {
		log.Printf("Salmon: Processing for %s failed: %v", user.Nickname, err)
		c.Status(400)
		return
	}

	c.Status(202)
}

func handleRemoteSubscribe(c *gin.Context, conf *util.AppConfig, services *Services) {
	nickname := c.PostForm("nickname")
	target := c.PostForm("profile")
	if nickname == "" || target == "" {
		c.JSON(400, gin.H{"error": "nickname and profile are required"})
		return
	}

	dbErr, user := db.GetDB().ReadUserByNickname(nickname)
	if dbErr != nil || user == nil {
		c.JSON(404, gin.H{"error": "Unknown local user"})
		return
	}

	rp, err := resolveTarget(target, services)
	if err != nil || rp == nil {
		log.Printf("Subscribe: Could not resolve %s: %v", target, err)
		c.JSON(404, gin.H{"error": "Could not resolve remote profile"})
		return
	}

	if err := services.Subscriber.SubscribeLocalToRemote(user, rp); err != nil {
		log.Printf("Subscribe: %s -> %s failed: %v", nickname, rp.URI, err)
		c.JSON(400, gin.H{"error": "Subscription failed"})
		return
	}

	c.JSON(200, gin.H{"subscribed": rp.URI})
}

func resolveTarget(target string, services *Services) (*domain.RemoteProfile, error) {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return services.Resolver.EnsureProfileByURI(target, nil)
	}
	return services.Resolver.EnsureByAddress(target)
}

// validSignature checks the PuSH HMAC-SHA1 content signature.
func validSignature(header, secret string, body []byte) bool {
	if !strings.HasPrefix(header, "sha1=") {
		return false
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(header, "sha1=")))
}
