package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/socialdistribution/node/internal/api/objects"
	"github.com/socialdistribution/node/internal/db"
	"github.com/socialdistribution/node/internal/federation"
	"github.com/socialdistribution/node/internal/identity"
	"github.com/socialdistribution/node/internal/models"
	"github.com/socialdistribution/node/internal/visibility"
	"github.com/socialdistribution/node/pkg/logging"
)

// CommentsAPI serves comments on entries and per-author comment history.
type CommentsAPI struct {
	authors  *db.AuthorRepository
	follows  *db.FollowRepository
	entries  *db.EntryRepository
	comments *db.CommentRepository
	resolver *identity.Resolver
	fanout   *federation.Dispatcher
	logger   *zap.Logger
}

// NewCommentsAPI creates a new comments API handler
func NewCommentsAPI(
	authors *db.AuthorRepository,
	follows *db.FollowRepository,
	entries *db.EntryRepository,
	comments *db.CommentRepository,
	resolver *identity.Resolver,
	fanout *federation.Dispatcher,
) *CommentsAPI {
	return &CommentsAPI{
		authors:  authors,
		follows:  follows,
		entries:  entries,
		comments: comments,
		resolver: resolver,
		fanout:   fanout,
		logger:   logging.WithComponent("comments-api"),
	}
}

// ListOnEntry handles GET /api/authors/:serial/entries/:entry/comments.
// On friends-only entries only the entry author's and the viewer's own
// comments appear.
func (h *CommentsAPI) ListOnEntry(c *gin.Context) {
	ctx := c.Request.Context()
	page, size := pagination(c)

	entry, ok := h.visibleEntry(c)
	if !ok {
		return
	}
	viewer := federation.PrincipalFrom(c).AuthorURL()

	comments, err := h.comments.ListByEntry(ctx, entry.URL, page, size)
	if err != nil {
		h.fail(c, err)
		return
	}
	count, err := h.comments.CountByEntry(ctx, entry.URL)
	if err != nil {
		h.fail(c, err)
		return
	}

	src := make([]objects.Comment, 0, len(comments))
	for _, comment := range comments {
		if comment.Author == nil {
			continue
		}
		readable, err := visibility.CanViewComment(ctx, h.follows, viewer, comment, entry)
		if err != nil {
			h.fail(c, err)
			return
		}
		if !readable {
			continue
		}
		src = append(src, objects.NewComment(comment, comment.Author))
	}

	c.JSON(http.StatusOK, objects.CommentsPage{
		Type:       "comments",
		PageNumber: page,
		Size:       size,
		Count:      count,
		Src:        src,
	})
}

type commentInput struct {
	Comment     string `json:"comment"`
	ContentType string `json:"contentType"`
}

// Create handles POST /api/authors/:serial/entries/:entry/comments. Any
// authenticated local author who can see the entry may comment.
func (h *CommentsAPI) Create(c *gin.Context) {
	ctx := c.Request.Context()

	entry, ok := h.visibleEntry(c)
	if !ok {
		return
	}
	principal := federation.PrincipalFrom(c)
	if principal.Kind != federation.PrincipalLocalUser {
		detail(c, http.StatusUnauthorized, "Authentication required")
		return
	}
	commenter := principal.Author

	var in commentInput
	if err := c.ShouldBindJSON(&in); err != nil || in.Comment == "" {
		detail(c, http.StatusBadRequest, "Comment text is required")
		return
	}
	contentType := in.ContentType
	if contentType == "" {
		contentType = models.ContentTypePlain
	}

	serial := identity.NewSerial()
	comment := &models.Comment{
		URL:         h.resolver.CommentURL(commenter.Serial, serial),
		Serial:      serial,
		AuthorURL:   commenter.URL,
		EntryURL:    entry.URL,
		Comment:     in.Comment,
		ContentType: contentType,
		Published:   time.Now().UTC(),
	}
	if err := h.comments.Create(ctx, comment); err != nil {
		h.fail(c, err)
		return
	}

	entryAuthor, err := h.authors.GetByURL(ctx, entry.AuthorURL)
	if err != nil {
		h.fail(c, err)
		return
	}
	if entryAuthor != nil {
		h.fanout.CommentCreated(ctx, comment, commenter, entryAuthor)
	}

	c.JSON(http.StatusCreated, objects.NewComment(comment, commenter))
}

// ListByAuthor handles GET /api/authors/:serial/commented, an author's
// comment history filtered to entries the viewer can see.
func (h *CommentsAPI) ListByAuthor(c *gin.Context) {
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
	viewer := federation.PrincipalFrom(c).AuthorURL()

	comments, err := h.comments.ListByAuthor(ctx, author.URL, page, size)
	if err != nil {
		h.fail(c, err)
		return
	}
	count, err := h.comments.CountByAuthor(ctx, author.URL)
	if err != nil {
		h.fail(c, err)
		return
	}

	src := make([]objects.Comment, 0, len(comments))
	for _, comment := range comments {
		if comment.Entry == nil {
			continue
		}
		readable, err := visibility.CanViewComment(ctx, h.follows, viewer, comment, comment.Entry)
		if err != nil {
			h.fail(c, err)
			return
		}
		if !readable {
			continue
		}
		src = append(src, objects.NewComment(comment, author))
	}

	c.JSON(http.StatusOK, objects.CommentsPage{
		Type:       "comments",
		PageNumber: page,
		Size:       size,
		Count:      count,
		Src:        src,
	})
}

// GetBySerial handles GET /api/authors/:serial/commented/:comment.
func (h *CommentsAPI) GetBySerial(c *gin.Context) {
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
	comment, err := h.comments.GetByAuthorAndSerial(ctx, author.URL, c.Param("comment"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respondComment(c, comment)
}

// GetByFQID handles GET /api/commented/*fqid.
func (h *CommentsAPI) GetByFQID(c *gin.Context) {
	ctx := c.Request.Context()

	raw := strings.TrimPrefix(c.Param("fqid"), "/")
	ref, err := h.resolver.Parse(raw)
	if err != nil {
		detail(c, http.StatusNotFound, "Comment not found")
		return
	}
	comment, err := h.comments.GetByURL(ctx, ref.URL)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respondComment(c, comment)
}

func (h *CommentsAPI) respondComment(c *gin.Context, comment *models.Comment) {
	ctx := c.Request.Context()
	if comment == nil || comment.Author == nil || comment.Entry == nil {
		detail(c, http.StatusNotFound, "Comment not found")
		return
	}
	viewer := federation.PrincipalFrom(c).AuthorURL()
	readable, err := visibility.CanViewComment(ctx, h.follows, viewer, comment, comment.Entry)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !readable {
		detail(c, http.StatusNotFound, "Comment not found")
		return
	}
	c.JSON(http.StatusOK, objects.NewComment(comment, comment.Author))
}

// visibleEntry resolves the :serial/:entry pair and enforces entry
// visibility for the caller.
func (h *CommentsAPI) visibleEntry(c *gin.Context) (*models.Entry, bool) {
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

func (h *CommentsAPI) fail(c *gin.Context, err error) {
	h.logger.Error("Request failed", zap.Error(err))
	detail(c, http.StatusInternalServerError, "Internal server error")
}
