package federation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/socialdistribution/node/internal/api/objects"
	"github.com/socialdistribution/node/internal/db"
	"github.com/socialdistribution/node/internal/identity"
	"github.com/socialdistribution/node/internal/models"
	"github.com/socialdistribution/node/internal/visibility"
	"github.com/socialdistribution/node/pkg/logging"
)

// Activity is the decoded inbox payload. The field set is the union of the
// four object types; the handler for each type validates what it needs.
type Activity struct {
	Type    string          `json:"type"`
	Summary string          `json:"summary"`
	Actor   *objects.Author `json:"actor"`
	Author  *objects.Author `json:"author"`
	Object  json.RawMessage `json:"object"`

	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Content     string `json:"content"`
	ContentType string `json:"contentType"`
	Visibility  string `json:"visibility"`
	Comment     string `json:"comment"`
	Entry       string `json:"entry"`
	Published   string `json:"published"`
}

// Inbox receives federation objects addressed to one author and applies them
// to local state. Deliveries addressed to a proxy author are relayed to the
// author's home node instead.
type Inbox struct {
	authors  *db.AuthorRepository
	follows  *db.FollowRepository
	entries  *db.EntryRepository
	comments *db.CommentRepository
	likes    *db.LikeRepository
	proxy    *ProxyManager
	client   *Client
	resolver *identity.Resolver
	logger   *zap.Logger
}

// NewInbox creates a new inbox handler
func NewInbox(
	authors *db.AuthorRepository,
	follows *db.FollowRepository,
	entries *db.EntryRepository,
	comments *db.CommentRepository,
	likes *db.LikeRepository,
	proxy *ProxyManager,
	client *Client,
	resolver *identity.Resolver,
) *Inbox {
	return &Inbox{
		authors:  authors,
		follows:  follows,
		entries:  entries,
		comments: comments,
		likes:    likes,
		proxy:    proxy,
		client:   client,
		resolver: resolver,
		logger:   logging.WithComponent("inbox"),
	}
}

// Handle processes POST /api/authors/:serial/inbox/.
func (i *Inbox) Handle(c *gin.Context) {
	ctx := c.Request.Context()

	owner, err := i.authors.GetBySerial(ctx, c.Param("serial"))
	if err != nil {
		i.fail(c, err)
		return
	}
	if owner == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Author not found"})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Unreadable request body"})
		return
	}
	var activity Activity
	if err := json.Unmarshal(body, &activity); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Malformed JSON"})
		return
	}

	kind := strings.ToLower(activity.Type)
	switch kind {
	case objects.TypeFollow, objects.TypeLike, objects.TypeComment, objects.TypeEntry, objects.TypeAuthor:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Unknown inbox object type"})
		return
	}

	if !i.resolver.IsLocal(owner.URL) {
		i.forward(c, owner, kind, &activity, body)
		return
	}

	switch kind {
	case objects.TypeFollow:
		i.handleFollow(c, owner, &activity)
	case objects.TypeLike:
		i.handleLike(c, owner, &activity)
	case objects.TypeComment:
		i.handleComment(c, owner, &activity)
	case objects.TypeEntry:
		i.handleEntry(c, owner, &activity)
	case objects.TypeAuthor:
		i.handleAuthor(c, body)
	}
}

// forward relays the untouched payload to the proxy owner's home node. For
// follow requests the edge is also recorded locally as accepted, since the
// remote node's approval is not observable from here.
func (i *Inbox) forward(c *gin.Context, owner *models.Author, kind string, activity *Activity, body []byte) {
	ctx := c.Request.Context()

	status, respBody, err := i.client.ForwardInbox(ctx, owner.URL, body)
	if err != nil {
		i.logger.Warn("Inbox forward failed",
			zap.String("owner", owner.URL),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"detail": "Failed to forward to remote inbox"})
		return
	}

	if kind == objects.TypeFollow && status < 300 && activity.Actor != nil {
		if err := i.recordOutgoingFollow(ctx, activity.Actor, owner); err != nil {
			i.logger.Error("Failed to record forwarded follow",
				zap.String("owner", owner.URL),
				zap.Error(err))
		}
	}

	if len(respBody) == 0 {
		c.Status(status)
		return
	}
	c.Data(status, "application/json", respBody)
}

func (i *Inbox) recordOutgoingFollow(ctx context.Context, actorObj *objects.Author, owner *models.Author) error {
	actor, err := i.proxy.GetOrCreate(ctx, actorObj)
	if err != nil {
		return err
	}
	existing, err := i.follows.Get(ctx, actor.URL, owner.URL)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	err = i.follows.Create(ctx, &models.Follow{
		FollowerURL:  actor.URL,
		FollowingURL: owner.URL,
		Status:       models.FollowStatusAccepted,
	})
	if err != nil && !isDuplicate(err) {
		return err
	}
	return nil
}

func (i *Inbox) handleFollow(c *gin.Context, owner *models.Author, activity *Activity) {
	ctx := c.Request.Context()

	if activity.Actor == nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Follow requires an actor"})
		return
	}

	// The object, when carried, must name the inbox owner.
	if len(activity.Object) > 0 && string(activity.Object) != "null" {
		var obj objects.Author
		if err := json.Unmarshal(activity.Object, &obj); err != nil || obj.ID == "" ||
			identity.Normalize(obj.ID) != owner.URL {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Follow object does not match the inbox owner"})
			return
		}
	}

	follower, err := i.proxy.GetOrCreate(ctx, activity.Actor)
	if err != nil {
		i.fail(c, err)
		return
	}
	if follower.URL == owner.URL {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Authors cannot follow themselves"})
		return
	}

	// A local user may only request follows as themselves.
	principal := PrincipalFrom(c)
	if principal.Kind == PrincipalLocalUser && principal.AuthorURL() != follower.URL {
		c.JSON(http.StatusForbidden, gin.H{"detail": "Actor must be the authenticated author"})
		return
	}

	existing, err := i.follows.Get(ctx, follower.URL, owner.URL)
	if err != nil {
		i.fail(c, err)
		return
	}
	if existing != nil {
		// Rejected requests may be re-sent; anything else is a no-op.
		if existing.Status == models.FollowStatusRejected {
			existing.Status = models.FollowStatusPending
			if err := i.follows.Update(ctx, existing); err != nil {
				i.fail(c, err)
				return
			}
		}
		c.JSON(http.StatusOK, objects.NewFollow(follower, owner))
		return
	}

	err = i.follows.Create(ctx, &models.Follow{
		FollowerURL:  follower.URL,
		FollowingURL: owner.URL,
		Status:       models.FollowStatusPending,
	})
	if err != nil {
		if isDuplicate(err) {
			c.JSON(http.StatusOK, objects.NewFollow(follower, owner))
			return
		}
		i.fail(c, err)
		return
	}

	i.logger.Info("Follow request received",
		zap.String("follower", follower.URL),
		zap.String("following", owner.URL))
	c.JSON(http.StatusCreated, objects.NewFollow(follower, owner))
}

func (i *Inbox) handleLike(c *gin.Context, owner *models.Author, activity *Activity) {
	ctx := c.Request.Context()

	authorObj := activity.Author
	if authorObj == nil {
		authorObj = activity.Actor
	}
	if authorObj == nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Like requires an author"})
		return
	}
	liker, err := i.proxy.GetOrCreate(ctx, authorObj)
	if err != nil {
		i.fail(c, err)
		return
	}

	var targetURL string
	if err := json.Unmarshal(activity.Object, &targetURL); err != nil || targetURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Like requires an object FQID"})
		return
	}
	targetURL = identity.Normalize(targetURL)

	// Resolve the target and the entry that governs its visibility.
	targetKind := ""
	var governing *models.Entry
	if entry, err := i.entries.GetByURL(ctx, targetURL); err != nil {
		i.fail(c, err)
		return
	} else if entry != nil {
		targetKind = models.LikeTargetEntry
		targetURL = entry.URL
		governing = entry
	} else {
		comment, err := i.comments.GetByURL(ctx, targetURL)
		if err != nil {
			i.fail(c, err)
			return
		}
		if comment == nil {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Liked object not found"})
			return
		}
		targetKind = models.LikeTargetComment
		targetURL = comment.URL
		governing = comment.Entry
	}
	if governing == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Liked object not found"})
		return
	}

	visible, err := visibility.CanViewEntry(ctx, i.follows, liker.URL, governing)
	if err != nil {
		i.fail(c, err)
		return
	}
	if !visible {
		c.JSON(http.StatusForbidden, gin.H{"detail": "Liker cannot view the entry"})
		return
	}

	likeURL := identity.Normalize(activity.ID)
	if likeURL == "" {
		likeURL = identity.Normalize(liker.URL) + "/liked/" + identity.NewSerial()
	}

	like := &models.Like{
		URL:        likeURL,
		Serial:     identity.LastSegment(likeURL),
		AuthorURL:  liker.URL,
		TargetKind: targetKind,
		TargetURL:  targetURL,
		Published:  parseTime(activity.Published),
	}
	if err := i.likes.Create(ctx, like); err != nil {
		if isDuplicate(err) {
			c.JSON(http.StatusConflict, gin.H{"detail": "Already liked"})
			return
		}
		i.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, objects.NewLike(like, liker))
}

func (i *Inbox) handleComment(c *gin.Context, owner *models.Author, activity *Activity) {
	ctx := c.Request.Context()

	if activity.Author == nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Comment requires an author"})
		return
	}
	commenter, err := i.proxy.GetOrCreate(ctx, activity.Author)
	if err != nil {
		i.fail(c, err)
		return
	}

	if activity.Entry == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Comment requires an entry FQID"})
		return
	}
	entry, err := i.entries.GetByURL(ctx, activity.Entry)
	if err != nil {
		i.fail(c, err)
		return
	}
	if entry == nil || entry.IsDeleted {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Entry not found"})
		return
	}

	visible, err := visibility.CanViewEntry(ctx, i.follows, commenter.URL, entry)
	if err != nil {
		i.fail(c, err)
		return
	}
	if !visible {
		c.JSON(http.StatusForbidden, gin.H{"detail": "Commenter cannot view the entry"})
		return
	}

	commentURL := identity.Normalize(activity.ID)
	if commentURL == "" {
		commentURL = identity.Normalize(commenter.URL) + "/commented/" + identity.NewSerial()
	}

	contentType := activity.ContentType
	if contentType == "" {
		contentType = models.ContentTypePlain
	}

	existing, err := i.comments.GetByURL(ctx, commentURL)
	if err != nil {
		i.fail(c, err)
		return
	}
	if existing != nil {
		c.JSON(http.StatusOK, objects.NewComment(existing, commenter))
		return
	}

	comment := &models.Comment{
		URL:         commentURL,
		Serial:      identity.LastSegment(commentURL),
		AuthorURL:   commenter.URL,
		EntryURL:    entry.URL,
		Comment:     activity.Comment,
		ContentType: contentType,
		Published:   parseTime(activity.Published),
	}
	if err := i.comments.Create(ctx, comment); err != nil {
		if isDuplicate(err) {
			c.JSON(http.StatusOK, objects.NewComment(comment, commenter))
			return
		}
		i.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, objects.NewComment(comment, commenter))
}

func (i *Inbox) handleEntry(c *gin.Context, owner *models.Author, activity *Activity) {
	ctx := c.Request.Context()

	if activity.Author == nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Entry requires an author"})
		return
	}
	entryAuthor, err := i.proxy.GetOrCreate(ctx, activity.Author)
	if err != nil {
		i.fail(c, err)
		return
	}

	// Entries are only accepted from authors the inbox owner follows.
	following, err := i.follows.IsAccepted(ctx, owner.URL, entryAuthor.URL)
	if err != nil {
		i.fail(c, err)
		return
	}
	if !following && owner.URL != entryAuthor.URL {
		c.JSON(http.StatusForbidden, gin.H{"detail": "Inbox owner does not follow the entry author"})
		return
	}

	if activity.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Entry requires an id"})
		return
	}
	visibility := strings.ToUpper(activity.Visibility)
	if visibility == "" {
		visibility = models.VisibilityPublic
	}
	if !models.ValidVisibility(visibility) {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid visibility"})
		return
	}

	entryURL := identity.Normalize(activity.ID)
	contentType := activity.ContentType
	if contentType == "" {
		contentType = models.ContentTypePlain
	}

	existing, err := i.entries.GetByURL(ctx, entryURL)
	if err != nil {
		i.fail(c, err)
		return
	}
	if existing != nil {
		existing.Title = activity.Title
		existing.Description = activity.Description
		existing.Content = activity.Content
		existing.ContentType = contentType
		existing.Visibility = visibility
		existing.IsDeleted = visibility == models.VisibilityDeleted
		existing.Updated = time.Now().UTC()
		if err := i.entries.Update(ctx, existing); err != nil {
			i.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, objects.NewEntry(existing, entryAuthor))
		return
	}

	entry := &models.Entry{
		URL:         entryURL,
		Serial:      identity.LastSegment(entryURL),
		AuthorURL:   entryAuthor.URL,
		Title:       activity.Title,
		Description: activity.Description,
		Content:     activity.Content,
		ContentType: contentType,
		Visibility:  visibility,
		IsDeleted:   visibility == models.VisibilityDeleted,
		Published:   parseTime(activity.Published),
		Updated:     time.Now().UTC(),
	}
	if err := i.entries.Create(ctx, entry); err != nil {
		i.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, objects.NewEntry(entry, entryAuthor))
}

// handleAuthor applies a pushed profile update to the sender's proxy row.
// Author objects arrive from profile fan-out on the home node.
func (i *Inbox) handleAuthor(c *gin.Context, body []byte) {
	ctx := c.Request.Context()

	var obj objects.Author
	if err := json.Unmarshal(body, &obj); err != nil || obj.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Author requires an id"})
		return
	}
	author, err := i.proxy.GetOrCreate(ctx, &obj)
	if err != nil {
		i.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, objects.NewAuthor(author))
}

func (i *Inbox) fail(c *gin.Context, err error) {
	i.logger.Error("Inbox processing failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"detail": "Internal server error"})
}

func isDuplicate(err error) bool {
	return err != nil && (errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func parseTime(s string) time.Time {
	if s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}
