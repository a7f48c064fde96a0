package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/socialdistribution/node/internal/api/objects"
	"github.com/socialdistribution/node/internal/cache"
	"github.com/socialdistribution/node/internal/db"
	"github.com/socialdistribution/node/internal/federation"
	"github.com/socialdistribution/node/internal/identity"
	"github.com/socialdistribution/node/internal/models"
	"github.com/socialdistribution/node/pkg/logging"
)

const countsTTL = 5 * time.Minute

// AuthorsAPI serves the author directory, profiles, and the follow graph.
type AuthorsAPI struct {
	authors  *db.AuthorRepository
	follows  *db.FollowRepository
	nodes    *db.RemoteNodeRepository
	cache    *cache.Cache
	resolver *identity.Resolver
	client   *federation.Client
	fanout   *federation.Dispatcher
	logger   *zap.Logger
}

// NewAuthorsAPI creates a new authors API handler
func NewAuthorsAPI(
	authors *db.AuthorRepository,
	follows *db.FollowRepository,
	nodes *db.RemoteNodeRepository,
	redisCache *cache.Cache,
	resolver *identity.Resolver,
	client *federation.Client,
	fanout *federation.Dispatcher,
) *AuthorsAPI {
	return &AuthorsAPI{
		authors:  authors,
		follows:  follows,
		nodes:    nodes,
		cache:    redisCache,
		resolver: resolver,
		client:   client,
		fanout:   fanout,
		logger:   logging.WithComponent("authors-api"),
	}
}

// counts returns the relationship counts of an author, cached when redis is
// available.
func (a *AuthorsAPI) counts(ctx context.Context, authorURL string) (cache.Counts, error) {
	if cached, err := a.cache.GetCounts(authorURL); err == nil && cached != nil {
		return *cached, nil
	}
	followers, err := a.follows.CountFollowers(ctx, authorURL)
	if err != nil {
		return cache.Counts{}, err
	}
	following, err := a.follows.CountFollowing(ctx, authorURL)
	if err != nil {
		return cache.Counts{}, err
	}
	friends, err := a.follows.CountFriends(ctx, authorURL)
	if err != nil {
		return cache.Counts{}, err
	}
	counts := cache.Counts{Followers: followers, Following: following, Friends: friends}
	if err := a.cache.SetCounts(authorURL, &counts, countsTTL); err != nil && err != cache.ErrCacheDisabled {
		a.logger.Warn("Failed to cache counts", zap.Error(err))
	}
	return counts, nil
}

func (a *AuthorsAPI) profile(ctx context.Context, author *models.Author) (objects.Profile, error) {
	counts, err := a.counts(ctx, author.URL)
	if err != nil {
		return objects.Profile{}, err
	}
	return objects.NewProfile(author, counts.Followers, counts.Following, counts.Friends), nil
}

// List handles GET /api/authors/. Local authors always appear; remote
// directories are merged in for browser-facing requests only, so two nodes
// listing each other cannot recurse.
func (a *AuthorsAPI) List(c *gin.Context) {
	ctx := c.Request.Context()
	page, size := pagination(c)

	locals, err := a.authors.ListByHost(ctx, a.resolver.Host(), page, size)
	if err != nil {
		a.fail(c, err)
		return
	}

	profiles := make([]objects.Profile, 0, len(locals))
	for _, author := range locals {
		p, err := a.profile(ctx, author)
		if err != nil {
			a.fail(c, err)
			return
		}
		profiles = append(profiles, p)
	}

	principal := federation.PrincipalFrom(c)
	if !principal.IsPeer() && c.Query("local") == "" {
		profiles = append(profiles, a.remoteProfiles(ctx)...)
	}

	c.JSON(http.StatusOK, objects.AuthorsList{Type: objects.TypeAuthors, Authors: profiles})
}

// remoteProfiles merges the directories of all active peers. Failures are
// logged per node and skipped.
func (a *AuthorsAPI) remoteProfiles(ctx context.Context) []objects.Profile {
	nodes, err := a.nodes.ListActive(ctx)
	if err != nil {
		a.logger.Error("Failed to list remote nodes", zap.Error(err))
		return nil
	}
	var profiles []objects.Profile
	for _, node := range nodes {
		remote, err := a.client.FetchAuthors(ctx, node)
		if err != nil {
			a.logger.Warn("Failed to fetch remote authors",
				zap.String("host", node.Host),
				zap.Error(err))
			continue
		}
		for _, author := range remote {
			profiles = append(profiles, objects.Profile{Author: author})
		}
	}
	return profiles
}

// Get handles GET /api/authors/:serial, where :serial is a serial or a
// percent-encoded FQID. Remote FQIDs are proxied to the home node.
func (a *AuthorsAPI) Get(c *gin.Context) {
	ctx := c.Request.Context()

	ref, err := a.resolver.Parse(c.Param("serial"))
	if err != nil {
		detail(c, http.StatusNotFound, "Author not found")
		return
	}

	if ref.Remote {
		remote, err := a.client.FetchAuthor(ctx, ref.URL)
		if err != nil {
			a.logger.Warn("Failed to fetch remote author",
				zap.String("fqid", ref.URL),
				zap.Error(err))
			detail(c, http.StatusBadGateway, "Failed to reach remote node")
			return
		}
		c.JSON(http.StatusOK, remote)
		return
	}

	author, err := a.authors.GetBySerial(ctx, ref.Serial)
	if err != nil {
		a.fail(c, err)
		return
	}
	if author == nil {
		detail(c, http.StatusNotFound, "Author not found")
		return
	}
	p, err := a.profile(ctx, author)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type authorUpdate struct {
	DisplayName  *string `json:"displayName"`
	Github       *string `json:"github"`
	ProfileImage *string `json:"profileImage"`
	Password     *string `json:"password"`
}

// Update handles PUT and PATCH /api/authors/:serial. The author may update
// their own profile, fanning the change out to followers; the authoritative
// remote node may refresh one of its proxy rows.
func (a *AuthorsAPI) Update(c *gin.Context) {
	ctx := c.Request.Context()

	author, ok := a.localAuthor(c)
	if !ok {
		return
	}
	principal := federation.PrincipalFrom(c)
	var peerUpdate bool
	switch {
	case principal.Kind == federation.PrincipalLocalUser && principal.AuthorURL() == author.URL:
	case principal.IsPeer() && !author.IsActive && identity.SameHost(principal.Node.Host, author.Host):
		peerUpdate = true
	case principal.Kind == federation.PrincipalAnonymous:
		detail(c, http.StatusUnauthorized, "Authentication required")
		return
	default:
		detail(c, http.StatusForbidden, "Cannot update another author's profile")
		return
	}

	var update authorUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		detail(c, http.StatusBadRequest, "Malformed JSON")
		return
	}
	if update.DisplayName != nil {
		author.DisplayName = *update.DisplayName
	}
	if update.Github != nil {
		author.Github = *update.Github
	}
	if update.ProfileImage != nil {
		author.ProfileImage = *update.ProfileImage
	}
	if !peerUpdate && update.Password != nil && *update.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(*update.Password), bcrypt.DefaultCost)
		if err != nil {
			a.fail(c, err)
			return
		}
		author.PasswordHash = string(hash)
	}

	if err := a.authors.Update(ctx, author); err != nil {
		a.fail(c, err)
		return
	}

	// Peer refreshes are not re-announced; the home node already fans out.
	if !peerUpdate {
		a.fanout.AuthorUpdated(ctx, author)
	}

	p, err := a.profile(ctx, author)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// Followers handles GET /api/authors/:serial/followers.
func (a *AuthorsAPI) Followers(c *gin.Context) {
	author, ok := a.localAuthor(c)
	if !ok {
		return
	}
	followers, err := a.follows.Followers(c.Request.Context(), author.URL)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, objects.FollowersList{Type: "followers", Followers: wireAuthors(followers)})
}

// Following handles GET /api/authors/:serial/following.
func (a *AuthorsAPI) Following(c *gin.Context) {
	author, ok := a.localAuthor(c)
	if !ok {
		return
	}
	following, err := a.follows.Following(c.Request.Context(), author.URL)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, objects.FollowingList{Type: "following", Following: wireAuthors(following)})
}

// Friends handles GET /api/authors/:serial/friends.
func (a *AuthorsAPI) Friends(c *gin.Context) {
	author, ok := a.localAuthor(c)
	if !ok {
		return
	}
	friends, err := a.follows.Friends(c.Request.Context(), author.URL)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, objects.FriendsList{Type: "friends", Friends: wireAuthors(friends)})
}

// FollowRequests handles GET /api/authors/:serial/follow_requests. Only the
// author may read their pending queue.
func (a *AuthorsAPI) FollowRequests(c *gin.Context) {
	ctx := c.Request.Context()

	author, ok := a.localAuthor(c)
	if !ok {
		return
	}
	principal := federation.PrincipalFrom(c)
	if principal.Kind != federation.PrincipalLocalUser || principal.AuthorURL() != author.URL {
		detail(c, http.StatusForbidden, "Only the author may view follow requests")
		return
	}

	pending, err := a.follows.PendingFor(ctx, author.URL)
	if err != nil {
		a.fail(c, err)
		return
	}
	requests := make([]objects.Follow, 0, len(pending))
	for _, f := range pending {
		if f.Follower == nil {
			continue
		}
		requests = append(requests, objects.NewFollow(f.Follower, author))
	}
	c.JSON(http.StatusOK, objects.FollowRequests{Type: "follow_requests", Requests: requests})
}

// FollowerDetail handles GET /api/authors/:serial/followers/*foreign.
// Responds 200 with the follower's author object when the accepted edge
// exists, 404 otherwise. Pending requests do not count.
func (a *AuthorsAPI) FollowerDetail(c *gin.Context) {
	ctx := c.Request.Context()

	author, follower, ok := a.followerPair(c)
	if !ok {
		return
	}
	accepted, err := a.follows.IsAccepted(ctx, follower.URL, author.URL)
	if err != nil {
		a.fail(c, err)
		return
	}
	if !accepted {
		detail(c, http.StatusNotFound, "Not a follower")
		return
	}
	c.JSON(http.StatusOK, objects.NewAuthor(follower))
}

// ApproveFollower handles PUT /api/authors/:serial/followers/*foreign,
// approving a pending follow request.
func (a *AuthorsAPI) ApproveFollower(c *gin.Context) {
	ctx := c.Request.Context()

	author, follower, ok := a.followerPair(c)
	if !ok {
		return
	}
	if !a.requireOwner(c, author) {
		return
	}

	follow, err := a.follows.Get(ctx, follower.URL, author.URL)
	if err != nil {
		a.fail(c, err)
		return
	}
	if follow == nil {
		detail(c, http.StatusNotFound, "No follow request from this author")
		return
	}
	if follow.Status != models.FollowStatusAccepted {
		follow.Status = models.FollowStatusAccepted
		if err := a.follows.Update(ctx, follow); err != nil {
			a.fail(c, err)
			return
		}
		a.cache.InvalidateCounts(author.URL, follower.URL)
	}
	c.JSON(http.StatusOK, objects.NewAuthor(follower))
}

// RemoveFollower handles DELETE /api/authors/:serial/followers/*foreign.
// The follower may unfollow at any time, removing the edge outright and with
// it any friend access. The followed author may only decline a pending
// request, which is kept as rejected so the follower can re-send later.
func (a *AuthorsAPI) RemoveFollower(c *gin.Context) {
	ctx := c.Request.Context()

	author, follower, ok := a.followerPair(c)
	if !ok {
		return
	}
	principal := federation.PrincipalFrom(c)
	if principal.Kind == federation.PrincipalAnonymous {
		detail(c, http.StatusUnauthorized, "Authentication required")
		return
	}

	follow, err := a.follows.Get(ctx, follower.URL, author.URL)
	if err != nil {
		a.fail(c, err)
		return
	}
	if follow == nil {
		detail(c, http.StatusNotFound, "Not a follower")
		return
	}

	switch {
	case principal.Kind == federation.PrincipalLocalUser && principal.AuthorURL() == follower.URL:
		if err := a.follows.Delete(ctx, follower.URL, author.URL); err != nil {
			a.fail(c, err)
			return
		}
	case principal.Kind == federation.PrincipalLocalUser && principal.AuthorURL() == author.URL:
		if follow.Status != models.FollowStatusPending {
			detail(c, http.StatusForbidden, "Only the follower may remove an accepted follow")
			return
		}
		follow.Status = models.FollowStatusRejected
		if err := a.follows.Update(ctx, follow); err != nil {
			a.fail(c, err)
			return
		}
	default:
		detail(c, http.StatusForbidden, "Not allowed to remove this follow")
		return
	}
	a.cache.InvalidateCounts(author.URL, follower.URL)
	c.Status(http.StatusNoContent)
}

// localAuthor resolves the :serial path param to a local author row,
// writing the 404 itself on failure.
func (a *AuthorsAPI) localAuthor(c *gin.Context) (*models.Author, bool) {
	author, err := a.authors.GetBySerial(c.Request.Context(), c.Param("serial"))
	if err != nil {
		a.fail(c, err)
		return nil, false
	}
	if author == nil {
		detail(c, http.StatusNotFound, "Author not found")
		return nil, false
	}
	return author, true
}

// followerPair resolves the :serial author and the *foreign follower FQID.
func (a *AuthorsAPI) followerPair(c *gin.Context) (*models.Author, *models.Author, bool) {
	author, ok := a.localAuthor(c)
	if !ok {
		return nil, nil, false
	}
	raw := strings.TrimPrefix(c.Param("foreign"), "/")
	ref, err := a.resolver.Parse(raw)
	if err != nil {
		detail(c, http.StatusNotFound, "Follower not found")
		return nil, nil, false
	}
	follower, err := a.authors.GetByURL(c.Request.Context(), ref.URL)
	if err != nil {
		a.fail(c, err)
		return nil, nil, false
	}
	if follower == nil {
		detail(c, http.StatusNotFound, "Follower not found")
		return nil, nil, false
	}
	return author, follower, true
}

// requireOwner rejects callers other than the author themselves.
func (a *AuthorsAPI) requireOwner(c *gin.Context, author *models.Author) bool {
	principal := federation.PrincipalFrom(c)
	if principal.Kind == federation.PrincipalAnonymous {
		detail(c, http.StatusUnauthorized, "Authentication required")
		return false
	}
	if principal.Kind == federation.PrincipalLocalUser && principal.AuthorURL() == author.URL {
		return true
	}
	detail(c, http.StatusForbidden, "Only the author may manage their followers")
	return false
}

func (a *AuthorsAPI) fail(c *gin.Context, err error) {
	a.logger.Error("Request failed", zap.Error(err))
	detail(c, http.StatusInternalServerError, "Internal server error")
}

func wireAuthors(authors []*models.Author) []objects.Author {
	out := make([]objects.Author, 0, len(authors))
	for _, a := range authors {
		out = append(out, objects.NewAuthor(a))
	}
	return out
}
