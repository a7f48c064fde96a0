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

// EntriesAPI serves entry CRUD, the public firehose, and the stream.
type EntriesAPI struct {
	authors  *db.AuthorRepository
	follows  *db.FollowRepository
	entries  *db.EntryRepository
	resolver *identity.Resolver
	fanout   *federation.Dispatcher
	logger   *zap.Logger
}

// NewEntriesAPI creates a new entries API handler
func NewEntriesAPI(
	authors *db.AuthorRepository,
	follows *db.FollowRepository,
	entries *db.EntryRepository,
	resolver *identity.Resolver,
	fanout *federation.Dispatcher,
) *EntriesAPI {
	return &EntriesAPI{
		authors:  authors,
		follows:  follows,
		entries:  entries,
		resolver: resolver,
		fanout:   fanout,
		logger:   logging.WithComponent("entries-api"),
	}
}

// ListByAuthor handles GET /api/authors/:serial/entries/. The visibility
// classes included depend on the viewer's relationship to the author.
func (e *EntriesAPI) ListByAuthor(c *gin.Context) {
	ctx := c.Request.Context()
	page, size := pagination(c)

	author, ok := e.author(c)
	if !ok {
		return
	}
	viewer := federation.PrincipalFrom(c).AuthorURL()

	visibilities, err := visibility.ListableVisibilities(ctx, e.follows, viewer, author.URL)
	if err != nil {
		e.fail(c, err)
		return
	}
	entries, err := e.entries.ListByAuthor(ctx, author.URL, visibilities, page, size)
	if err != nil {
		e.fail(c, err)
		return
	}
	count, err := e.entries.CountByAuthor(ctx, author.URL, visibilities)
	if err != nil {
		e.fail(c, err)
		return
	}

	src := make([]objects.Entry, 0, len(entries))
	for _, entry := range entries {
		src = append(src, objects.NewEntry(entry, author))
	}
	c.JSON(http.StatusOK, objects.EntriesPage{
		Type:       objects.TypeEntries,
		PageNumber: page,
		Size:       size,
		Count:      count,
		Src:        src,
	})
}

type entryInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Content     string `json:"content"`
	ContentType string `json:"contentType"`
	Visibility  string `json:"visibility"`
}

func (in *entryInput) normalize() (string, string, bool) {
	contentType := in.ContentType
	if contentType == "" {
		contentType = models.ContentTypePlain
	}
	vis := strings.ToUpper(in.Visibility)
	if vis == "" {
		vis = models.VisibilityPublic
	}
	if !models.ValidVisibility(vis) || vis == models.VisibilityDeleted {
		return "", "", false
	}
	return contentType, vis, true
}

// Create handles POST /api/authors/:serial/entries/.
func (e *EntriesAPI) Create(c *gin.Context) {
	ctx := c.Request.Context()

	author, ok := e.author(c)
	if !ok {
		return
	}
	if !e.requireAuthor(c, author) {
		return
	}

	var in entryInput
	if err := c.ShouldBindJSON(&in); err != nil {
		detail(c, http.StatusBadRequest, "Malformed JSON")
		return
	}
	contentType, vis, ok := in.normalize()
	if !ok {
		detail(c, http.StatusBadRequest, "Invalid visibility")
		return
	}

	now := time.Now().UTC()
	serial := identity.NewSerial()
	entry := &models.Entry{
		URL:         e.resolver.EntryURL(author.Serial, serial),
		Serial:      serial,
		AuthorURL:   author.URL,
		Title:       in.Title,
		Description: in.Description,
		Content:     in.Content,
		ContentType: contentType,
		Visibility:  vis,
		Published:   now,
		Updated:     now,
	}
	if err := e.entries.Create(ctx, entry); err != nil {
		e.fail(c, err)
		return
	}

	e.fanout.EntryChanged(ctx, entry, author)
	c.JSON(http.StatusCreated, objects.NewEntry(entry, author))
}

// Get handles GET /api/authors/:serial/entries/:entry.
func (e *EntriesAPI) Get(c *gin.Context) {
	ctx := c.Request.Context()

	author, entry, ok := e.entryPair(c)
	if !ok {
		return
	}
	viewer := federation.PrincipalFrom(c).AuthorURL()
	visible, err := visibility.CanViewEntry(ctx, e.follows, viewer, entry)
	if err != nil {
		e.fail(c, err)
		return
	}
	if !visible {
		e.hide(c, viewer, entry)
		return
	}
	c.JSON(http.StatusOK, objects.NewEntry(entry, author))
}

// Update handles PUT /api/authors/:serial/entries/:entry.
func (e *EntriesAPI) Update(c *gin.Context) {
	ctx := c.Request.Context()

	author, entry, ok := e.entryPair(c)
	if !ok {
		return
	}
	if entry.IsDeleted {
		detail(c, http.StatusNotFound, "Entry not found")
		return
	}
	if !e.requireAuthor(c, author) {
		return
	}

	var in entryInput
	if err := c.ShouldBindJSON(&in); err != nil {
		detail(c, http.StatusBadRequest, "Malformed JSON")
		return
	}
	contentType, vis, ok := in.normalize()
	if !ok {
		detail(c, http.StatusBadRequest, "Invalid visibility")
		return
	}

	entry.Title = in.Title
	entry.Description = in.Description
	entry.Content = in.Content
	entry.ContentType = contentType
	entry.Visibility = vis
	entry.Updated = time.Now().UTC()
	if err := e.entries.Update(ctx, entry); err != nil {
		e.fail(c, err)
		return
	}

	e.fanout.EntryChanged(ctx, entry, author)
	c.JSON(http.StatusOK, objects.NewEntry(entry, author))
}

// Delete handles DELETE /api/authors/:serial/entries/:entry. Deletes are
// soft: the row stays, flips to DELETED, and the tombstone is fanned out so
// remote copies disappear too.
func (e *EntriesAPI) Delete(c *gin.Context) {
	ctx := c.Request.Context()

	author, entry, ok := e.entryPair(c)
	if !ok {
		return
	}
	if entry.IsDeleted {
		detail(c, http.StatusNotFound, "Entry not found")
		return
	}
	if !e.requireAuthor(c, author) {
		return
	}

	entry.Visibility = models.VisibilityDeleted
	entry.IsDeleted = true
	entry.Updated = time.Now().UTC()
	if err := e.entries.Update(ctx, entry); err != nil {
		e.fail(c, err)
		return
	}

	e.fanout.EntryChanged(ctx, entry, author)
	c.Status(http.StatusNoContent)
}

// GetByFQID handles GET /api/entries/*fqid for percent-encoded entry FQIDs.
func (e *EntriesAPI) GetByFQID(c *gin.Context) {
	ctx := c.Request.Context()

	raw := strings.TrimPrefix(c.Param("fqid"), "/")
	ref, err := e.resolver.Parse(raw)
	if err != nil {
		detail(c, http.StatusNotFound, "Entry not found")
		return
	}
	entry, err := e.entries.GetByURL(ctx, ref.URL)
	if err != nil {
		e.fail(c, err)
		return
	}
	if entry == nil {
		detail(c, http.StatusNotFound, "Entry not found")
		return
	}
	author, err := e.authors.GetByURL(ctx, entry.AuthorURL)
	if err != nil {
		e.fail(c, err)
		return
	}
	if author == nil {
		detail(c, http.StatusNotFound, "Entry not found")
		return
	}

	viewer := federation.PrincipalFrom(c).AuthorURL()
	visible, err := visibility.CanViewEntry(ctx, e.follows, viewer, entry)
	if err != nil {
		e.fail(c, err)
		return
	}
	if !visible {
		e.hide(c, viewer, entry)
		return
	}
	c.JSON(http.StatusOK, objects.NewEntry(entry, author))
}

// ListPublic handles GET /api/entries/, the cross-author public firehose.
func (e *EntriesAPI) ListPublic(c *gin.Context) {
	ctx := c.Request.Context()
	page, size := pagination(c)

	entries, err := e.entries.ListPublic(ctx, page, size)
	if err != nil {
		e.fail(c, err)
		return
	}
	count, err := e.entries.CountPublic(ctx)
	if err != nil {
		e.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, objects.EntriesPage{
		Type:       objects.TypeEntries,
		PageNumber: page,
		Size:       size,
		Count:      count,
		Src:        e.wireEntries(entries),
	})
}

// Stream handles GET /api/stream/: public entries plus unlisted entries from
// followed authors and friends-only entries from friends.
func (e *EntriesAPI) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	page, size := pagination(c)

	principal := federation.PrincipalFrom(c)
	if principal.Kind != federation.PrincipalLocalUser {
		detail(c, http.StatusUnauthorized, "Authentication required")
		return
	}
	viewer := principal.AuthorURL()

	following, err := e.follows.Following(ctx, viewer)
	if err != nil {
		e.fail(c, err)
		return
	}
	friends, err := e.follows.Friends(ctx, viewer)
	if err != nil {
		e.fail(c, err)
		return
	}
	followingURLs := authorURLs(following)
	friendURLs := authorURLs(friends)

	entries, err := e.entries.ListStream(ctx, viewer, followingURLs, friendURLs, page, size)
	if err != nil {
		e.fail(c, err)
		return
	}
	count, err := e.entries.CountStream(ctx, viewer, followingURLs, friendURLs)
	if err != nil {
		e.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, objects.EntriesPage{
		Type:       objects.TypeEntries,
		PageNumber: page,
		Size:       size,
		Count:      count,
		Src:        e.wireEntries(entries),
	})
}

func (e *EntriesAPI) wireEntries(entries []*models.Entry) []objects.Entry {
	src := make([]objects.Entry, 0, len(entries))
	for _, entry := range entries {
		if entry.Author == nil {
			continue
		}
		src = append(src, objects.NewEntry(entry, entry.Author))
	}
	return src
}

// hide writes the correct error for an invisible entry: 404 for deleted or
// anonymous, 403 for an authenticated viewer outside the audience.
func (e *EntriesAPI) hide(c *gin.Context, viewer string, entry *models.Entry) {
	if entry.IsDeleted || viewer == "" {
		detail(c, http.StatusNotFound, "Entry not found")
		return
	}
	detail(c, http.StatusForbidden, "Not allowed to view this entry")
}

func (e *EntriesAPI) author(c *gin.Context) (*models.Author, bool) {
	author, err := e.authors.GetBySerial(c.Request.Context(), c.Param("serial"))
	if err != nil {
		e.fail(c, err)
		return nil, false
	}
	if author == nil {
		detail(c, http.StatusNotFound, "Author not found")
		return nil, false
	}
	return author, true
}

func (e *EntriesAPI) entryPair(c *gin.Context) (*models.Author, *models.Entry, bool) {
	author, ok := e.author(c)
	if !ok {
		return nil, nil, false
	}
	entry, err := e.entries.GetByAuthorAndSerial(c.Request.Context(), author.URL, c.Param("entry"))
	if err != nil {
		e.fail(c, err)
		return nil, nil, false
	}
	if entry == nil {
		detail(c, http.StatusNotFound, "Entry not found")
		return nil, nil, false
	}
	return author, entry, true
}

func (e *EntriesAPI) requireAuthor(c *gin.Context, author *models.Author) bool {
	principal := federation.PrincipalFrom(c)
	if principal.Kind == federation.PrincipalAnonymous {
		detail(c, http.StatusUnauthorized, "Authentication required")
		return false
	}
	if principal.Kind == federation.PrincipalLocalUser && principal.AuthorURL() == author.URL {
		return true
	}
	detail(c, http.StatusForbidden, "Only the author may modify their entries")
	return false
}

func (e *EntriesAPI) fail(c *gin.Context, err error) {
	e.logger.Error("Request failed", zap.Error(err))
	detail(c, http.StatusInternalServerError, "Internal server error")
}

func authorURLs(authors []*models.Author) []string {
	urls := make([]string, 0, len(authors))
	for _, a := range authors {
		urls = append(urls, a.URL)
	}
	return urls
}
