package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/socialdistribution/node/internal/cache"
	"github.com/socialdistribution/node/internal/db"
	"github.com/socialdistribution/node/internal/federation"
	"github.com/socialdistribution/node/internal/identity"
	"github.com/socialdistribution/node/pkg/config"
	"github.com/socialdistribution/node/pkg/logging"
)

// Router sets up API routes
type Router struct {
	authors  *AuthorsAPI
	entries  *EntriesAPI
	comments *CommentsAPI
	likes    *LikesAPI
	inbox    *federation.Inbox
	auth     *federation.Authenticator
	db       *db.DB
	cache    *cache.Cache
	logger   *zap.Logger
}

// NewRouter creates a new API router
func NewRouter(database *db.DB, redisCache *cache.Cache, cfg *config.Config) (*Router, error) {
	resolver, err := identity.NewResolver(cfg.Node.Host)
	if err != nil {
		return nil, err
	}

	repo := db.NewRepository(database.DB)
	authorRepo := db.NewAuthorRepository(repo)
	followRepo := db.NewFollowRepository(repo)
	entryRepo := db.NewEntryRepository(repo)
	commentRepo := db.NewCommentRepository(repo)
	likeRepo := db.NewLikeRepository(repo)
	nodeRepo := db.NewRemoteNodeRepository(repo)

	client := federation.NewClient(nodeRepo, &cfg.Federation)
	proxy := federation.NewProxyManager(authorRepo, resolver)
	fanout := federation.NewDispatcher(followRepo, client, resolver, cfg.Federation.MaxWorkers)
	inbox := federation.NewInbox(authorRepo, followRepo, entryRepo, commentRepo, likeRepo, proxy, client, resolver)

	return &Router{
		authors:  NewAuthorsAPI(authorRepo, followRepo, nodeRepo, redisCache, resolver, client, fanout),
		entries:  NewEntriesAPI(authorRepo, followRepo, entryRepo, resolver, fanout),
		comments: NewCommentsAPI(authorRepo, followRepo, entryRepo, commentRepo, resolver, fanout),
		likes:    NewLikesAPI(authorRepo, followRepo, entryRepo, commentRepo, likeRepo, resolver, fanout),
		inbox:    inbox,
		auth:     federation.NewAuthenticator(authorRepo, nodeRepo),
		db:       database,
		cache:    redisCache,
		logger:   logging.GetLogger().With(zap.String("component", "api-router")),
	}, nil
}

// SetupRoutes sets up all API routes
func (r *Router) SetupRoutes(engine *gin.Engine) {
	// FQIDs arrive percent-encoded in path segments; matching must happen
	// on the raw path so the encoded slashes stay in one segment.
	engine.UseRawPath = true

	// Health check endpoints
	engine.GET("/health", r.healthHandler)
	engine.GET("/.well-known/healthcheck.json", r.healthHandler)

	api := engine.Group("/api", r.auth.Middleware())

	authors := api.Group("/authors")
	authors.GET("", r.authors.List)
	authors.GET("/:serial", r.authors.Get)
	authors.PUT("/:serial", r.authors.Update)
	authors.PATCH("/:serial", r.authors.Update)

	authors.POST("/:serial/inbox", r.inbox.Handle)

	authors.GET("/:serial/followers", r.authors.Followers)
	authors.GET("/:serial/followers/*foreign", r.authors.FollowerDetail)
	authors.PUT("/:serial/followers/*foreign", r.authors.ApproveFollower)
	authors.DELETE("/:serial/followers/*foreign", r.authors.RemoveFollower)
	authors.GET("/:serial/following", r.authors.Following)
	authors.GET("/:serial/friends", r.authors.Friends)
	authors.GET("/:serial/follow_requests", r.authors.FollowRequests)

	authors.GET("/:serial/entries", r.entries.ListByAuthor)
	authors.POST("/:serial/entries", r.entries.Create)
	authors.GET("/:serial/entries/:entry", r.entries.Get)
	authors.PUT("/:serial/entries/:entry", r.entries.Update)
	authors.DELETE("/:serial/entries/:entry", r.entries.Delete)

	authors.GET("/:serial/entries/:entry/comments", r.comments.ListOnEntry)
	authors.POST("/:serial/entries/:entry/comments", r.comments.Create)
	authors.GET("/:serial/entries/:entry/likes", r.likes.ListOnEntry)
	authors.POST("/:serial/entries/:entry/likes", r.likes.LikeEntry)
	authors.GET("/:serial/entries/:entry/comments/:comment/likes", r.likes.ListOnComment)
	authors.POST("/:serial/entries/:entry/comments/:comment/likes", r.likes.LikeComment)

	authors.GET("/:serial/commented", r.comments.ListByAuthor)
	authors.GET("/:serial/commented/:comment", r.comments.GetBySerial)
	authors.GET("/:serial/liked", r.likes.ListByAuthor)
	authors.GET("/:serial/liked/:like", r.likes.GetBySerial)

	api.GET("/entries", r.entries.ListPublic)
	api.GET("/entries/*fqid", r.entries.GetByFQID)
	api.GET("/commented/*fqid", r.comments.GetByFQID)
	api.GET("/liked/*fqid", r.likes.GetByFQID)
	api.GET("/stream", r.entries.Stream)
}

// healthHandler handles health check requests
func (r *Router) healthHandler(c *gin.Context) {
	if err := r.db.Health(c.Request.Context()); err != nil {
		c.JSON(503, gin.H{
			"status":  "DOWN",
			"service": "socialnode-api",
		})
		return
	}
	c.JSON(200, gin.H{
		"status":  "OK",
		"service": "socialnode-api",
	})
}
