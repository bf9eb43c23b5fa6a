package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/cache"
	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Server bundles the federation engine behind the HTTP surface.
type Server struct {
	conf      *util.AppConfig
	db        *db.DB
	processor *activitypub.Processor
	resolver  *activitypub.Resolver
	sessions  *cache.Sessions
	timelines *cache.Timelines
	limiter   *cache.Limiter
}

func NewServer(conf *util.AppConfig, database *db.DB, processor *activitypub.Processor,
	resolver *activitypub.Resolver, sessions *cache.Sessions, timelines *cache.Timelines) *Server {
	return &Server{
		conf:      conf,
		db:        database,
		processor: processor,
		resolver:  resolver,
		sessions:  sessions,
		timelines: timelines,
		limiter:   cache.NewLimiter(rate.Limit(10), 20),
	}
}

func (s *Server) Router() *gin.Engine {
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))
	g.Use(RateLimitMiddleware(s.limiter, "global"))

	g.GET("/metrics", gin.WrapH(promhttp.Handler()))

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		c.Header("Content-Type", "application/json; charset=utf-8")

		resource := c.Query("resource")
		if resource == "" || !strings.HasPrefix(resource, "acct:") {
			c.Render(404, render.String{Format: GetWebFingerNotFound()})
			return
		}
		resource = strings.TrimPrefix(resource, "acct:")
		resource = strings.TrimSuffix(resource, fmt.Sprintf("@%s", s.conf.Conf.SslDomain))
		err, resp := GetWebfinger(s.db, resource, s.conf)
		if err != nil {
			c.Render(404, render.String{Format: GetWebFingerNotFound()})
		} else {
			c.Render(200, render.String{Format: resp})
		}
	})

	if s.conf.Conf.WithAp {
		s.apRoutes(g)
	}
	s.apiRoutes(g)

	return g
}

// Run starts the listener and blocks.
func (s *Server) Run() error {
	log.Printf("Starting federation server on %s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort)
	return s.Router().Run(fmt.Sprintf(":%d", s.conf.Conf.HttpPort))
}

func (s *Server) apRoutes(g *gin.Engine) {
	// Stricter bucket for inbound federation traffic
	apLimit := RateLimitMiddleware(s.limiter, "inbox")
	maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024) // 1MB

	g.GET("/users/:actor", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		err, actor := GetActor(s.db, c.Param("actor"), s.conf)
		if err != nil {
			c.Render(404, render.String{Format: actor})
		} else {
			c.Render(200, render.String{Format: actor})
		}
	})

	g.GET("/notes/:id", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")

		noteId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(404, gin.H{"error": "Invalid note ID"})
			return
		}

		err, note := GetNoteObject(s.db, noteId, s.conf)
		if err != nil {
			c.JSON(404, gin.H{"error": "Note not found"})
		} else {
			c.Render(200, render.String{Format: note})
		}
	})

	g.POST("/users/:actor/inbox", apLimit, maxBodySize, func(c *gin.Context) {
		actor := c.Param("actor")
		log.Printf("POST /users/%s/inbox", actor)
		s.processor.HandleInbox(c.Writer, c.Request, actor)
	})

	g.POST("/inbox", apLimit, maxBodySize, func(c *gin.Context) {
		log.Println("POST /inbox (shared inbox)")
		s.handleSharedInbox(c)
	})

	g.GET("/users/:actor/outbox", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		err, acc := s.db.ReadAccByUsername(c.Param("actor"))
		if err != nil {
			c.Render(404, render.String{Format: "{}"})
			return
		}
		uri := fmt.Sprintf("https://%s/users/%s/outbox", s.conf.Conf.SslDomain, acc.Username)
		c.Render(200, render.String{Format: GetCollection(uri, acc.NotesCount)})
	})

	g.GET("/users/:actor/followers", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		err, acc := s.db.ReadAccByUsername(c.Param("actor"))
		if err != nil {
			c.Render(404, render.String{Format: "{}"})
			return
		}
		uri := fmt.Sprintf("https://%s/users/%s/followers", s.conf.Conf.SslDomain, acc.Username)
		c.Render(200, render.String{Format: GetCollection(uri, acc.FollowersCount)})
	})

	g.GET("/users/:actor/following", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		err, acc := s.db.ReadAccByUsername(c.Param("actor"))
		if err != nil {
			c.Render(404, render.String{Format: "{}"})
			return
		}
		uri := fmt.Sprintf("https://%s/users/%s/following", s.conf.Conf.SslDomain, acc.Username)
		c.Render(200, render.String{Format: GetCollection(uri, acc.FollowingCount)})
	})
}

// handleSharedInbox routes a shared-inbox delivery to the local user it
// addresses, then hands it to the regular inbox path.
func (s *Server) handleSharedInbox(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		log.Printf("Shared inbox: Failed to read body: %v", err)
		c.Status(400)
		return
	}

	var activity map[string]interface{}
	if err := json.Unmarshal(body, &activity); err != nil {
		log.Printf("Shared inbox: Failed to parse activity: %v", err)
		c.Status(400)
		return
	}

	targetUsername := s.targetUsername(activity)
	if targetUsername == "" {
		log.Printf("Shared inbox: Could not determine target username from activity type %v", activity["type"])
		c.Status(202) // Accept anyway to be nice
		return
	}

	log.Printf("Shared inbox: Routing to user %s", targetUsername)
	req := c.Request.Clone(c.Request.Context())
	req.Body = io.NopCloser(bytes.NewReader(body))
	s.processor.HandleInbox(c.Writer, req, targetUsername)
}

// targetUsername extracts the addressed local user from to/cc/object,
// falling back to the first local follower of the sending actor.
func (s *Server) targetUsername(activity map[string]interface{}) string {
	extractUsername := func(uri string) string {
		// One of ours: https://domain/users/username[/...]
		if !strings.Contains(uri, s.conf.Conf.SslDomain) || !strings.Contains(uri, "/users/") {
			return ""
		}
		parts := strings.Split(uri, "/")
		for i, part := range parts {
			if part == "users" && i+1 < len(parts) {
				return parts[i+1]
			}
		}
		return ""
	}

	for _, field := range []string{"to", "cc"} {
		if arr, ok := activity[field].([]interface{}); ok {
			for _, v := range arr {
				if uri, ok := v.(string); ok {
					if username := extractUsername(uri); username != "" {
						return username
					}
				}
			}
		}
	}

	// Follow activities address the target in object
	if objStr, ok := activity["object"].(string); ok {
		if username := extractUsername(objStr); username != "" {
			return username
		}
	}

	// Create/Delete from an actor some local user follows
	actorURI, _ := activity["actor"].(string)
	if actorURI == "" {
		return ""
	}
	err, remoteActor := s.db.ReadRemoteAccountByURI(actorURI)
	if err != nil || remoteActor == nil {
		log.Printf("Shared inbox: Remote actor %s not found in cache", actorURI)
		return ""
	}
	err, followers := s.db.ReadAcceptedFollowersOf(remoteActor.Id)
	if err != nil || followers == nil || len(*followers) == 0 {
		log.Printf("Shared inbox: No local followers found for %s", actorURI)
		return ""
	}
	err, localAccount := s.db.ReadAccById((*followers)[0].AccountId)
	if err != nil || localAccount == nil {
		return ""
	}
	return localAccount.Username
}

// engagementTarget binds {objectUri} and resolves it to a live note
// plus, when the author is remote, the author's account. A local author
// comes back nil: there is no remote inbox to deliver to.
func (s *Server) engagementTarget(c *gin.Context) (*domain.Note, *domain.RemoteAccount, bool) {
	var req struct {
		ObjectURI string `json:"objectUri"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ObjectURI == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "objectUri required"})
		return nil, nil, false
	}

	err, note := s.db.ReadNoteByObjectURI(req.ObjectURI)
	if err != nil || note == nil || note.DeletedAt != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Note not found"})
		return nil, nil, false
	}

	var remoteAuthor *domain.RemoteAccount
	if err, stored := s.db.ReadActivityByObjectURI(req.ObjectURI); err == nil && stored != nil && !stored.Local {
		if err, remote := s.db.ReadRemoteAccountByURI(stored.ActorURI); err == nil && remote != nil {
			remoteAuthor = remote
		}
	}
	return note, remoteAuthor, true
}

// followRequestFrom binds {actor} and resolves it to the follow edge the
// named remote actor holds toward the session's account.
func (s *Server) followRequestFrom(c *gin.Context) (*domain.Follow, *domain.RemoteAccount, *domain.Account, bool) {
	session := sessionFrom(c)
	var req struct {
		Actor string `json:"actor"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Actor == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Actor required"})
		return nil, nil, nil, false
	}

	err, remoteActor := s.db.ReadRemoteAccountByURI(req.Actor)
	if err != nil || remoteActor == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown actor"})
		return nil, nil, nil, false
	}
	err, follow := s.db.ReadFollowByAccountIds(remoteActor.Id, session.AccountId)
	if err != nil || follow == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No follow request"})
		return nil, nil, nil, false
	}
	err, account := s.db.ReadAccById(session.AccountId)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Account not found"})
		return nil, nil, nil, false
	}
	return follow, remoteActor, account, true
}

func (s *Server) apiRoutes(g *gin.Engine) {
	api := g.Group("/api", RateLimitMiddleware(s.limiter, "api"), AuthMiddleware(s.sessions))

	api.POST("/notes", func(c *gin.Context) {
		session := sessionFrom(c)
		var req struct {
			Message    string `json:"message"`
			Visibility string `json:"visibility"`
			InReplyTo  string `json:"inReplyTo"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Message required"})
			return
		}
		if req.Visibility == "" {
			req.Visibility = "public"
		}

		err, account := s.db.ReadAccById(session.AccountId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Account not found"})
			return
		}

		noteId := uuid.New()
		note := &domain.Note{
			Id:               noteId,
			CreatedBy:        account.Username,
			Message:          util.NormalizeInput(req.Message),
			CreatedAt:        time.Now(),
			Visibility:       req.Visibility,
			InReplyToURI:     req.InReplyTo,
			ObjectURI:        fmt.Sprintf("https://%s/notes/%s", s.conf.Conf.SslDomain, noteId),
			FederationStatus: domain.FederationPending,
		}
		if !s.conf.Conf.WithAp {
			note.FederationStatus = domain.FederationLocalOnly
		}

		if err := s.db.CreateNote(note, account.Id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save note"})
			return
		}

		if s.conf.Conf.WithAp {
			if err := activitypub.SendCreate(s.db, note, account, s.conf); err != nil {
				log.Printf("Router: Failed to queue federation of note %s: %v", noteId, err)
			}
		}
		s.timelines.InvalidateUser(account.Id)

		c.JSON(http.StatusCreated, gin.H{"id": noteId, "objectUri": note.ObjectURI})
	})

	api.DELETE("/notes/:id", func(c *gin.Context) {
		session := sessionFrom(c)
		noteId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid note ID"})
			return
		}

		err, note := s.db.ReadNoteById(noteId)
		if err != nil || note == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Note not found"})
			return
		}
		if note.CreatedBy != session.Username {
			c.JSON(http.StatusForbidden, gin.H{"error": "Not your note"})
			return
		}

		err, account := s.db.ReadAccById(session.AccountId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Account not found"})
			return
		}

		if err := activitypub.SendDelete(s.db, note, account, s.conf); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete note"})
			return
		}
		s.timelines.InvalidateUser(account.Id)
		c.Status(http.StatusNoContent)
	})

	api.GET("/timeline", func(c *gin.Context) {
		session := sessionFrom(c)
		page, _ := strconv.Atoi(c.DefaultQuery("page", "0"))

		ids, err := s.timelines.Page(session.AccountId, page)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load timeline"})
			return
		}

		notes := make([]gin.H, 0, len(ids))
		for _, noteId := range ids {
			err, note := s.db.ReadNoteById(noteId)
			if err != nil || note == nil || note.DeletedAt != nil {
				continue
			}
			notes = append(notes, gin.H{
				"id":         note.Id,
				"createdBy":  note.CreatedBy,
				"message":    note.Message,
				"createdAt":  note.CreatedAt,
				"favourites": note.FavouritesCount,
				"reblogs":    note.ReblogsCount,
				"replies":    note.RepliesCount,
			})
		}
		c.JSON(http.StatusOK, gin.H{"page": page, "notes": notes})
	})

	api.GET("/notifications", func(c *gin.Context) {
		session := sessionFrom(c)
		err, notifications := s.db.ReadNotificationsByAccountId(session.AccountId, 50)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load notifications"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"notifications": notifications})
	})

	api.POST("/follow", func(c *gin.Context) {
		session := sessionFrom(c)
		var req struct {
			Actor string `json:"actor"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.Actor == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Actor required"})
			return
		}

		err, account := s.db.ReadAccById(session.AccountId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Account not found"})
			return
		}

		if err := activitypub.SendFollow(s.db, s.resolver, account, req.Actor, s.conf); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to follow actor"})
			return
		}
		c.Status(http.StatusAccepted)
	})

	api.POST("/unfollow", func(c *gin.Context) {
		session := sessionFrom(c)
		var req struct {
			Actor string `json:"actor"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.Actor == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Actor required"})
			return
		}

		err, remoteActor := s.db.ReadRemoteAccountByURI(req.Actor)
		if err != nil || remoteActor == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown actor"})
			return
		}
		err, follow := s.db.ReadFollowByAccountIds(session.AccountId, remoteActor.Id)
		if err != nil || follow == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not following"})
			return
		}
		err, account := s.db.ReadAccById(session.AccountId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Account not found"})
			return
		}

		if err := activitypub.SendUndoFollow(s.db, account, remoteActor, follow, s.conf); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to unfollow"})
			return
		}
		s.timelines.InvalidateUser(account.Id)
		c.Status(http.StatusAccepted)
	})

	api.POST("/favourite", func(c *gin.Context) {
		session := sessionFrom(c)
		note, remoteAuthor, ok := s.engagementTarget(c)
		if !ok {
			return
		}
		err, account := s.db.ReadAccById(session.AccountId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Account not found"})
			return
		}
		if err, existing := s.db.ReadFavouriteURI(account.Id, note.Id); err == nil && existing != "" {
			c.Status(http.StatusNoContent)
			return
		}

		likeURI, err := activitypub.SendLike(s.db, account, remoteAuthor, note.ObjectURI, s.conf)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to queue Like"})
			return
		}
		if _, err := s.db.CreateFavourite(&domain.Favourite{
			Id:        uuid.New(),
			AccountId: account.Id,
			NoteId:    note.Id,
			URI:       likeURI,
			CreatedAt: time.Now(),
		}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save favourite"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": likeURI})
	})

	api.POST("/unfavourite", func(c *gin.Context) {
		session := sessionFrom(c)
		note, remoteAuthor, ok := s.engagementTarget(c)
		if !ok {
			return
		}
		err, account := s.db.ReadAccById(session.AccountId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Account not found"})
			return
		}
		err, likeURI := s.db.ReadFavouriteURI(account.Id, note.Id)
		if err != nil || likeURI == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not favourited"})
			return
		}

		if _, err := s.db.RemoveFavouriteByURI(likeURI); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove favourite"})
			return
		}
		if err, original := s.db.ReadActivityByURI(likeURI); err == nil && original != nil {
			if err := activitypub.SendUndoOf(s.db, account, original, remoteAuthor, s.conf); err != nil {
				log.Printf("Router: Failed to queue Undo of %s: %v", likeURI, err)
			}
		}
		c.Status(http.StatusNoContent)
	})

	api.POST("/reblog", func(c *gin.Context) {
		session := sessionFrom(c)
		note, remoteAuthor, ok := s.engagementTarget(c)
		if !ok {
			return
		}
		err, account := s.db.ReadAccById(session.AccountId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Account not found"})
			return
		}
		if err, existing := s.db.ReadAnnounceURI(account.Id, note.Id); err == nil && existing != "" {
			c.Status(http.StatusNoContent)
			return
		}

		announceURI, err := activitypub.SendAnnounce(s.db, account, remoteAuthor, note.ObjectURI, s.conf)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to queue Announce"})
			return
		}
		if _, err := s.db.CreateAnnounce(&domain.Announce{
			Id:        uuid.New(),
			AccountId: account.Id,
			NoteId:    note.Id,
			URI:       announceURI,
			CreatedAt: time.Now(),
		}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save reblog"})
			return
		}
		s.timelines.InvalidateUser(account.Id)
		c.JSON(http.StatusCreated, gin.H{"id": announceURI})
	})

	api.POST("/unreblog", func(c *gin.Context) {
		session := sessionFrom(c)
		note, remoteAuthor, ok := s.engagementTarget(c)
		if !ok {
			return
		}
		err, account := s.db.ReadAccById(session.AccountId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Account not found"})
			return
		}
		err, announceURI := s.db.ReadAnnounceURI(account.Id, note.Id)
		if err != nil || announceURI == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not reblogged"})
			return
		}

		if _, err := s.db.RemoveAnnounceByURI(announceURI); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove reblog"})
			return
		}
		if err, original := s.db.ReadActivityByURI(announceURI); err == nil && original != nil {
			if err := activitypub.SendUndoOf(s.db, account, original, remoteAuthor, s.conf); err != nil {
				log.Printf("Router: Failed to queue Undo of %s: %v", announceURI, err)
			}
		}
		s.timelines.InvalidateUser(account.Id)
		c.Status(http.StatusNoContent)
	})

	api.POST("/follow_requests/approve", func(c *gin.Context) {
		follow, remoteActor, account, ok := s.followRequestFrom(c)
		if !ok {
			return
		}

		transitioned, err := s.db.AcceptFollowByURI(follow.URI)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to accept follow"})
			return
		}
		if !transitioned {
			// Already accepted
			c.Status(http.StatusNoContent)
			return
		}
		if err := activitypub.SendAccept(s.db, account, remoteActor, follow.URI, s.conf); err != nil {
			log.Printf("Router: Failed to queue Accept of %s: %v", follow.URI, err)
		}
		c.Status(http.StatusAccepted)
	})

	api.POST("/follow_requests/reject", func(c *gin.Context) {
		follow, remoteActor, account, ok := s.followRequestFrom(c)
		if !ok {
			return
		}

		transitioned, err := s.db.RejectFollowByURI(follow.URI)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reject follow"})
			return
		}
		if !transitioned {
			// Already accepted: tear the edge down, counters included
			if _, err := s.db.RemoveFollowByURI(follow.URI); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove follow"})
				return
			}
		}
		if err := activitypub.SendReject(s.db, account, remoteActor, follow.URI, s.conf); err != nil {
			log.Printf("Router: Failed to queue Reject of %s: %v", follow.URI, err)
		}
		c.Status(http.StatusAccepted)
	})

	api.DELETE("/session", func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			if err := s.sessions.Revoke(token); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to revoke session"})
				return
			}
		}
		c.Status(http.StatusNoContent)
	})
}
