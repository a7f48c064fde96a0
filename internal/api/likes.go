package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/socialdistribution/node/internal/api/objects"
	"github.com/socialdistribution/node/internal/db"
	"github.com/socialdistribution/node/internal/federation"
	"github.com/socialdistribution/node/internal/identity"
	"github.com/socialdistribution/node/internal/models"
	"github.com/socialdistribution/node/internal/visibility"
	"github.com/socialdistribution/node/pkg/logging"
)

// LikesAPI serves likes on entries and comments plus per-author like history.
type LikesAPI struct {
	authors  *db.AuthorRepository
	follows  *db.FollowRepository
	entries  *db.EntryRepository
	comments *db.CommentRepository
	likes    *db.LikeRepository
	resolver *identity.Resolver
	fanout   *federation.Dispatcher
	logger   *zap.Logger
}

// NewLikesAPI creates a new likes API handler
func NewLikesAPI(
	authors *db.AuthorRepository,
	follows *db.FollowRepository,
	entries *db.EntryRepository,
	comments *db.CommentRepository,
	likes *db.LikeRepository,
	resolver *identity.Resolver,
	fanout *federation.Dispatcher,
) *LikesAPI {
	return &LikesAPI{
		authors:  authors,
		follows:  follows,
		entries:  entries,
		comments: comments,
		likes:    likes,
		resolver: resolver,
		fanout:   fanout,
		logger:   logging.WithComponent("likes-api"),
	}
}

// ListOnEntry handles GET /api/authors/:serial/entries/:entry/likes.
func (h *LikesAPI) ListOnEntry(c *gin.Context) {
	entry, ok := h.visibleEntry(c)
	if !ok {
		return
	}
	h.listForTarget(c, entry.URL)
}

// LikeEntry handles POST /api/authors/:serial/entries/:entry/likes. A second
// like of the same entry by the same author is a 409.
func (h *LikesAPI) LikeEntry(c *gin.Context) {
	entry, ok := h.visibleEntry(c)
	if !ok {
		return
	}
	h.createLike(c, models.LikeTargetEntry, entry.URL, entry.AuthorURL, entry.AuthorURL, entry.Visibility)
}

// ListOnComment handles GET .../entries/:entry/comments/:comment/likes.
func (h *LikesAPI) ListOnComment(c *gin.Context) {
	comment, ok := h.visibleComment(c)
	if !ok {
		return
	}
	h.listForTarget(c, comment.URL)
}

// LikeComment handles POST .../entries/:entry/comments/:comment/likes.
func (h *LikesAPI) LikeComment(c *gin.Context) {
	comment, ok := h.visibleComment(c)
	if !ok {
		return
	}
	entryAuthorURL := comment.AuthorURL
	entryVisibility := models.VisibilityPublic
	if comment.Entry != nil {
		entryAuthorURL = comment.Entry.AuthorURL
		entryVisibility = comment.Entry.Visibility
	}
	h.createLike(c, models.LikeTargetComment, comment.URL, comment.AuthorURL, entryAuthorURL, entryVisibility)
}

// ListByAuthor handles GET /api/authors/:serial/liked.
func (h *LikesAPI) ListByAuthor(c *gin.Context) {
	ctx := c.Request.Context()
	page, size := pagination(c)

	author, err := h.authors.GetBySerial(ctx, c.Param("serial"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if author == nil {
		detail(c, http.StatusNotFound, "Author not found")
		return
	}

	likes, err := h.likes.ListByAuthor(ctx, author.URL, page, size)
	if err != nil {
		h.fail(c, err)
		return
	}
	count, err := h.likes.CountByAuthor(ctx, author.URL)
	if err != nil {
		h.fail(c, err)
		return
	}

	src := make([]objects.Like, 0, len(likes))
	for _, like := range likes {
		src = append(src, objects.NewLike(like, author))
	}
	c.JSON(http.StatusOK, objects.LikesPage{
		Type:       "likes",
		PageNumber: page,
		Size:       size,
		Count:      count,
		Src:        src,
	})
}

// GetBySerial handles GET /api/authors/:serial/liked/:like.
func (h *LikesAPI) GetBySerial(c *gin.Context) {
	ctx := c.Request.Context()

	author, err := h.authors.GetBySerial(ctx, c.Param("serial"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if author == nil {
		detail(c, http.StatusNotFound, "Author not found")
		return
	}
	like, err := h.likes.GetByAuthorAndSerial(ctx, author.URL, c.Param("like"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if like == nil || like.Author == nil {
		detail(c, http.StatusNotFound, "Like not found")
		return
	}
	c.JSON(http.StatusOK, objects.NewLike(like, like.Author))
}

// GetByFQID handles GET /api/liked/*fqid.
func (h *LikesAPI) GetByFQID(c *gin.Context) {
	ctx := c.Request.Context()

	raw := strings.TrimPrefix(c.Param("fqid"), "/")
	ref, err := h.resolver.Parse(raw)
	if err != nil {
		detail(c, http.StatusNotFound, "Like not found")
		return
	}
	like, err := h.likes.GetByURL(ctx, ref.URL)
	if err != nil {
		h.fail(c, err)
		return
	}
	if like == nil || like.Author == nil {
		detail(c, http.StatusNotFound, "Like not found")
		return
	}
	c.JSON(http.StatusOK, objects.NewLike(like, like.Author))
}

func (h *LikesAPI) listForTarget(c *gin.Context, targetURL string) {
	ctx := c.Request.Context()
	page, size := pagination(c)

	likes, err := h.likes.ListByTarget(ctx, targetURL, page, size)
	if err != nil {
		h.fail(c, err)
		return
	}
	count, err := h.likes.CountByTarget(ctx, targetURL)
	if err != nil {
		h.fail(c, err)
		return
	}

	src := make([]objects.Like, 0, len(likes))
	for _, like := range likes {
		if like.Author == nil {
			continue
		}
		src = append(src, objects.NewLike(like, like.Author))
	}
	c.JSON(http.StatusOK, objects.LikesPage{
		Type:       "likes",
		PageNumber: page,
		Size:       size,
		Count:      count,
		Src:        src,
	})
}

func (h *LikesAPI) createLike(c *gin.Context, targetKind, targetURL, targetAuthorURL, entryAuthorURL, entryVisibility string) {
	ctx := c.Request.Context()

	principal := federation.PrincipalFrom(c)
	if principal.Kind != federation.PrincipalLocalUser {
		detail(c, http.StatusUnauthorized, "Authentication required")
		return
	}
	liker := principal.Author

	serial := identity.NewSerial()
	like := &models.Like{
		URL:        h.resolver.LikeURL(liker.Serial, serial),
		Serial:     serial,
		AuthorURL:  liker.URL,
		TargetKind: targetKind,
		TargetURL:  targetURL,
		Published:  time.Now().UTC(),
	}
	if err := h.likes.Create(ctx, like); err != nil {
		if isDuplicateErr(err) {
			detail(c, http.StatusConflict, "Already liked")
			return
		}
		h.fail(c, err)
		return
	}

	targetAuthor, err := h.authors.GetByURL(ctx, targetAuthorURL)
	if err != nil {
		h.fail(c, err)
		return
	}
	if targetAuthor != nil {
		h.fanout.LikeCreated(ctx, like, liker, targetAuthor, entryAuthorURL, entryVisibility)
	}

	c.JSON(http.StatusCreated, objects.NewLike(like, liker))
}

func (h *LikesAPI) visibleEntry(c *gin.Context) (*models.Entry, bool) {
	ctx := c.Request.Context()

	author, err := h.authors.GetBySerial(ctx, c.Param("serial"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	if author == nil {
		detail(c, http.StatusNotFound, "Author not found")
		return nil, false
	}
	entry, err := h.entries.GetByAuthorAndSerial(ctx, author.URL, c.Param("entry"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	if entry == nil {
		detail(c, http.StatusNotFound, "Entry not found")
		return nil, false
	}

	viewer := federation.PrincipalFrom(c).AuthorURL()
	visible, err := visibility.CanViewEntry(ctx, h.follows, viewer, entry)
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	if !visible {
		if entry.IsDeleted || viewer == "" {
			detail(c, http.StatusNotFound, "Entry not found")
		} else {
			detail(c, http.StatusForbidden, "Not allowed to view this entry")
		}
		return nil, false
	}
	return entry, true
}

func (h *LikesAPI) visibleComment(c *gin.Context) (*models.Comment, bool) {
	entry, ok := h.visibleEntry(c)
	if !ok {
		return nil, false
	}
	ctx := c.Request.Context()
	comment, err := h.comments.GetByEntryAndSerial(ctx, entry.URL, c.Param("comment"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	if comment == nil {
		detail(c, http.StatusNotFound, "Comment not found")
		return nil, false
	}
	viewer := federation.PrincipalFrom(c).AuthorURL()
	readable, err := visibility.CanViewComment(ctx, h.follows, viewer, comment, entry)
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	if !readable {
		detail(c, http.StatusNotFound, "Comment not found")
		return nil, false
	}
	return comment, true
}

func (h *LikesAPI) fail(c *gin.Context, err error) {
	h.logger.Error("Request failed", zap.Error(err))
	detail(c, http.StatusInternalServerError, "Internal server error")
}

func isDuplicateErr(err error) bool {
	return err != nil && (errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint") ||
		strings.Contains(err.Error(), "duplicate key"))
}
