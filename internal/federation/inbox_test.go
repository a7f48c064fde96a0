package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/socialdistribution/node/internal/db"
	"github.com/socialdistribution/node/internal/identity"
	"github.com/socialdistribution/node/internal/models"
	"github.com/socialdistribution/node/pkg/config"
)

const (
	localHost  = "http://node-a/"
	remoteHost = "http://node-b/"
)

type inboxEnv struct {
	engine   *gin.Engine
	authors  *db.AuthorRepository
	follows  *db.FollowRepository
	entries  *db.EntryRepository
	comments *db.CommentRepository
	likes    *db.LikeRepository
	resolver *identity.Resolver
}

func newInboxEnv(t *testing.T) *inboxEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	resolver, err := identity.NewResolver(localHost)
	if err != nil {
		t.Fatalf("failed to build resolver: %v", err)
	}

	repo := db.NewRepository(gdb)
	env := &inboxEnv{
		authors:  db.NewAuthorRepository(repo),
		follows:  db.NewFollowRepository(repo),
		entries:  db.NewEntryRepository(repo),
		comments: db.NewCommentRepository(repo),
		likes:    db.NewLikeRepository(repo),
		resolver: resolver,
	}

	nodes := db.NewRemoteNodeRepository(repo)
	client := NewClient(nodes, &config.FederationConfig{Timeout: 2 * time.Second, MaxWorkers: 2})
	proxy := NewProxyManager(env.authors, resolver)
	inbox := NewInbox(env.authors, env.follows, env.entries, env.comments, env.likes, proxy, client, resolver)

	env.engine = gin.New()
	env.engine.POST("/api/authors/:serial/inbox", inbox.Handle)
	return env
}

func (env *inboxEnv) seedLocalAuthor(t *testing.T, serial, username string) *models.Author {
	t.Helper()
	author := &models.Author{
		URL:      env.resolver.AuthorURL(serial),
		Serial:   serial,
		Username: username,
		Host:     localHost,
		IsActive: true,
	}
	if err := env.authors.Create(context.Background(), author); err != nil {
		t.Fatalf("failed to seed author: %v", err)
	}
	return author
}

func (env *inboxEnv) post(t *testing.T, serial string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/authors/"+serial+"/inbox", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	return w
}

func remoteAuthorObject(serial, name string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "author",
		"id":          remoteHost + "api/authors/" + serial,
		"host":        remoteHost,
		"displayName": name,
	}
}

func TestInboxFollowLifecycle(t *testing.T) {
	env := newInboxEnv(t)
	ctx := context.Background()

	owner := env.seedLocalAuthor(t, "00000000-0000-4000-8000-0000000000aa", "alice")
	actorSerial := "00000000-0000-4000-8000-0000000000bb"
	actorURL := identity.Normalize(remoteHost + "api/authors/" + actorSerial)

	payload := map[string]interface{}{
		"type":   "follow",
		"actor":  remoteAuthorObject(actorSerial, "Bob"),
		"object": map[string]interface{}{"type": "author", "id": owner.URL, "host": localHost},
	}

	w := env.post(t, owner.Serial, payload)
	if w.Code != http.StatusCreated {
		t.Fatalf("first follow status = %d, want 201: %s", w.Code, w.Body.String())
	}

	// a proxy row for the actor now exists
	proxy, err := env.authors.GetByURL(ctx, actorURL)
	if err != nil || proxy == nil {
		t.Fatalf("proxy author not created: %v", err)
	}
	if proxy.IsActive {
		t.Error("proxy author must be inactive")
	}

	follow, err := env.follows.Get(ctx, actorURL, owner.URL)
	if err != nil || follow == nil {
		t.Fatalf("follow edge not created: %v", err)
	}
	if follow.Status != models.FollowStatusPending {
		t.Errorf("follow status = %s, want PENDING", follow.Status)
	}

	// duplicate delivery is a no-op 200
	w = env.post(t, owner.Serial, payload)
	if w.Code != http.StatusOK {
		t.Errorf("repeat follow status = %d, want 200", w.Code)
	}

	// a rejected request may be re-sent and goes back to pending
	follow.Status = models.FollowStatusRejected
	if err := env.follows.Update(ctx, follow); err != nil {
		t.Fatalf("failed to reject follow: %v", err)
	}
	w = env.post(t, owner.Serial, payload)
	if w.Code != http.StatusOK {
		t.Errorf("re-sent follow status = %d, want 200", w.Code)
	}
	follow, _ = env.follows.Get(ctx, actorURL, owner.URL)
	if follow.Status != models.FollowStatusPending {
		t.Errorf("re-sent follow status = %s, want PENDING", follow.Status)
	}
}

func TestInboxEntryRequiresFollow(t *testing.T) {
	env := newInboxEnv(t)
	ctx := context.Background()

	owner := env.seedLocalAuthor(t, "00000000-0000-4000-8000-0000000000cc", "alice")
	authorSerial := "00000000-0000-4000-8000-0000000000dd"
	entryID := remoteHost + "api/authors/" + authorSerial + "/entries/00000000-0000-4000-8000-0000000000ee"

	payload := map[string]interface{}{
		"type":        "entry",
		"id":          entryID,
		"title":       "Hello",
		"content":     "first",
		"contentType": "text/plain",
		"visibility":  "PUBLIC",
		"author":      remoteAuthorObject(authorSerial, "Bob"),
	}

	w := env.post(t, owner.Serial, payload)
	if w.Code != http.StatusForbidden {
		t.Fatalf("entry without follow status = %d, want 403: %s", w.Code, w.Body.String())
	}

	// owner follows the entry author; deliveries are accepted now
	authorURL := identity.Normalize(remoteHost + "api/authors/" + authorSerial)
	if err := env.follows.Create(ctx, &models.Follow{
		FollowerURL:  owner.URL,
		FollowingURL: authorURL,
		Status:       models.FollowStatusAccepted,
	}); err != nil {
		t.Fatalf("failed to create follow: %v", err)
	}

	w = env.post(t, owner.Serial, payload)
	if w.Code != http.StatusCreated {
		t.Fatalf("entry status = %d, want 201: %s", w.Code, w.Body.String())
	}

	// re-delivery with changed fields upserts in place
	payload["title"] = "Hello again"
	payload["visibility"] = "UNLISTED"
	w = env.post(t, owner.Serial, payload)
	if w.Code != http.StatusOK {
		t.Fatalf("entry update status = %d, want 200: %s", w.Code, w.Body.String())
	}

	entry, err := env.entries.GetByURL(ctx, entryID)
	if err != nil || entry == nil {
		t.Fatalf("entry not stored: %v", err)
	}
	if entry.Title != "Hello again" || entry.Visibility != models.VisibilityUnlisted {
		t.Errorf("entry not updated: title=%q visibility=%q", entry.Title, entry.Visibility)
	}

	// a DELETED re-delivery tombstones the local copy
	payload["visibility"] = "DELETED"
	w = env.post(t, owner.Serial, payload)
	if w.Code != http.StatusOK {
		t.Fatalf("entry delete status = %d, want 200", w.Code)
	}
	entry, _ = env.entries.GetByURL(ctx, entryID)
	if !entry.IsDeleted {
		t.Error("DELETED visibility should soft-delete the entry")
	}
}

func TestInboxLike(t *testing.T) {
	env := newInboxEnv(t)
	ctx := context.Background()

	owner := env.seedLocalAuthor(t, "00000000-0000-4000-8000-0000000000f1", "alice")
	entry := &models.Entry{
		URL:        env.resolver.EntryURL(owner.Serial, "00000000-0000-4000-8000-0000000000f2"),
		Serial:     "00000000-0000-4000-8000-0000000000f2",
		AuthorURL:  owner.URL,
		Visibility: models.VisibilityPublic,
		Published:  time.Now().UTC(),
		Updated:    time.Now().UTC(),
	}
	if err := env.entries.Create(ctx, entry); err != nil {
		t.Fatalf("failed to seed entry: %v", err)
	}

	likerSerial := "00000000-0000-4000-8000-0000000000f3"
	payload := map[string]interface{}{
		"type":   "like",
		"author": remoteAuthorObject(likerSerial, "Bob"),
		"id":     remoteHost + "api/authors/" + likerSerial + "/liked/00000000-0000-4000-8000-0000000000f4",
		"object": entry.URL,
	}

	w := env.post(t, owner.Serial, payload)
	if w.Code != http.StatusCreated {
		t.Fatalf("like status = %d, want 201: %s", w.Code, w.Body.String())
	}

	// same liker, same target, fresh id: still a conflict
	payload["id"] = remoteHost + "api/authors/" + likerSerial + "/liked/00000000-0000-4000-8000-0000000000f5"
	w = env.post(t, owner.Serial, payload)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate like status = %d, want 409", w.Code)
	}

	// unknown target
	payload["object"] = localHost + "api/authors/" + owner.Serial + "/entries/00000000-0000-4000-8000-0000000000f6"
	payload["id"] = remoteHost + "api/authors/" + likerSerial + "/liked/00000000-0000-4000-8000-0000000000f7"
	w = env.post(t, owner.Serial, payload)
	if w.Code != http.StatusNotFound {
		t.Errorf("like on unknown target status = %d, want 404", w.Code)
	}
}

func TestInboxComment(t *testing.T) {
	env := newInboxEnv(t)
	ctx := context.Background()

	owner := env.seedLocalAuthor(t, "00000000-0000-4000-8000-0000000000a1", "alice")
	entry := &models.Entry{
		URL:        env.resolver.EntryURL(owner.Serial, "00000000-0000-4000-8000-0000000000a2"),
		Serial:     "00000000-0000-4000-8000-0000000000a2",
		AuthorURL:  owner.URL,
		Visibility: models.VisibilityPublic,
		Published:  time.Now().UTC(),
		Updated:    time.Now().UTC(),
	}
	if err := env.entries.Create(ctx, entry); err != nil {
		t.Fatalf("failed to seed entry: %v", err)
	}

	commenterSerial := "00000000-0000-4000-8000-0000000000a3"
	payload := map[string]interface{}{
		"type":        "comment",
		"author":      remoteAuthorObject(commenterSerial, "Bob"),
		"comment":     "nice entry",
		"contentType": "text/markdown",
		"id":          remoteHost + "api/authors/" + commenterSerial + "/commented/00000000-0000-4000-8000-0000000000a4",
		"entry":       entry.URL,
	}

	w := env.post(t, owner.Serial, payload)
	if w.Code != http.StatusCreated {
		t.Fatalf("comment status = %d, want 201: %s", w.Code, w.Body.String())
	}

	// re-delivery of the same comment id is idempotent
	w = env.post(t, owner.Serial, payload)
	if w.Code != http.StatusOK {
		t.Errorf("repeat comment status = %d, want 200", w.Code)
	}

	count, err := env.comments.CountByEntry(ctx, entry.URL)
	if err != nil {
		t.Fatalf("CountByEntry failed: %v", err)
	}
	if count != 1 {
		t.Errorf("comment count = %d, want 1", count)
	}
}

func TestInboxFollowObjectMustMatchOwner(t *testing.T) {
	env := newInboxEnv(t)
	ctx := context.Background()

	owner := env.seedLocalAuthor(t, "00000000-0000-4000-8000-0000000000c1", "alice")
	other := env.seedLocalAuthor(t, "00000000-0000-4000-8000-0000000000c2", "bob")
	actorSerial := "00000000-0000-4000-8000-0000000000c3"

	w := env.post(t, owner.Serial, map[string]interface{}{
		"type":   "follow",
		"actor":  remoteAuthorObject(actorSerial, "Carol"),
		"object": map[string]interface{}{"type": "author", "id": other.URL, "host": localHost},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("mismatched object status = %d, want 400: %s", w.Code, w.Body.String())
	}

	actorURL := identity.Normalize(remoteHost + "api/authors/" + actorSerial)
	if follow, _ := env.follows.Get(ctx, actorURL, owner.URL); follow != nil {
		t.Errorf("follow edge should not exist, got %+v", follow)
	}
}

// seedFriendsEntry stores a friends-only entry by the owner.
func (env *inboxEnv) seedFriendsEntry(t *testing.T, owner *models.Author, serial string) *models.Entry {
	t.Helper()
	entry := &models.Entry{
		URL:        env.resolver.EntryURL(owner.Serial, serial),
		Serial:     serial,
		AuthorURL:  owner.URL,
		Visibility: models.VisibilityFriends,
		Published:  time.Now().UTC(),
		Updated:    time.Now().UTC(),
	}
	if err := env.entries.Create(context.Background(), entry); err != nil {
		t.Fatalf("failed to seed entry: %v", err)
	}
	return entry
}

func (env *inboxEnv) befriend(t *testing.T, aURL, bURL string) {
	t.Helper()
	for _, pair := range [][2]string{{aURL, bURL}, {bURL, aURL}} {
		if err := env.follows.Create(context.Background(), &models.Follow{
			FollowerURL:  pair[0],
			FollowingURL: pair[1],
			Status:       models.FollowStatusAccepted,
		}); err != nil {
			t.Fatalf("failed to seed follow: %v", err)
		}
	}
}

func TestInboxLikeRequiresEntryVisibility(t *testing.T) {
	env := newInboxEnv(t)

	owner := env.seedLocalAuthor(t, "00000000-0000-4000-8000-0000000000d1", "alice")
	entry := env.seedFriendsEntry(t, owner, "00000000-0000-4000-8000-0000000000d2")

	likerSerial := "00000000-0000-4000-8000-0000000000d3"
	likerURL := identity.Normalize(remoteHost + "api/authors/" + likerSerial)
	payload := map[string]interface{}{
		"type":   "like",
		"author": remoteAuthorObject(likerSerial, "Bob"),
		"id":     remoteHost + "api/authors/" + likerSerial + "/liked/00000000-0000-4000-8000-0000000000d4",
		"object": entry.URL,
	}

	// a stranger cannot like a friends-only entry
	w := env.post(t, owner.Serial, payload)
	if w.Code != http.StatusForbidden {
		t.Fatalf("stranger like status = %d, want 403: %s", w.Code, w.Body.String())
	}
	if count, _ := env.likes.CountByTarget(context.Background(), entry.URL); count != 0 {
		t.Errorf("like count = %d, want 0", count)
	}

	env.befriend(t, likerURL, owner.URL)
	w = env.post(t, owner.Serial, payload)
	if w.Code != http.StatusCreated {
		t.Errorf("friend like status = %d, want 201: %s", w.Code, w.Body.String())
	}
}

func TestInboxCommentRequiresEntryVisibility(t *testing.T) {
	env := newInboxEnv(t)

	owner := env.seedLocalAuthor(t, "00000000-0000-4000-8000-0000000000e1", "alice")
	entry := env.seedFriendsEntry(t, owner, "00000000-0000-4000-8000-0000000000e2")

	commenterSerial := "00000000-0000-4000-8000-0000000000e3"
	commenterURL := identity.Normalize(remoteHost + "api/authors/" + commenterSerial)
	payload := map[string]interface{}{
		"type":    "comment",
		"author":  remoteAuthorObject(commenterSerial, "Bob"),
		"comment": "let me in",
		"id":      remoteHost + "api/authors/" + commenterSerial + "/commented/00000000-0000-4000-8000-0000000000e4",
		"entry":   entry.URL,
	}

	w := env.post(t, owner.Serial, payload)
	if w.Code != http.StatusForbidden {
		t.Fatalf("stranger comment status = %d, want 403: %s", w.Code, w.Body.String())
	}
	if count, _ := env.comments.CountByEntry(context.Background(), entry.URL); count != 0 {
		t.Errorf("comment count = %d, want 0", count)
	}

	env.befriend(t, commenterURL, owner.URL)
	w = env.post(t, owner.Serial, payload)
	if w.Code != http.StatusCreated {
		t.Errorf("friend comment status = %d, want 201: %s", w.Code, w.Body.String())
	}
}

func TestInboxAuthorRefreshesProxy(t *testing.T) {
	env := newInboxEnv(t)
	ctx := context.Background()

	owner := env.seedLocalAuthor(t, "00000000-0000-4000-8000-0000000000f8", "alice")
	remoteSerial := "00000000-0000-4000-8000-0000000000f9"
	remoteURL := identity.Normalize(remoteHost + "api/authors/" + remoteSerial)

	// first sighting creates the proxy
	w := env.post(t, owner.Serial, remoteAuthorObject(remoteSerial, "Bob"))
	if w.Code != http.StatusOK {
		t.Fatalf("author delivery status = %d, want 200: %s", w.Code, w.Body.String())
	}
	proxy, err := env.authors.GetByURL(ctx, remoteURL)
	if err != nil || proxy == nil {
		t.Fatalf("proxy not created: %v", err)
	}
	if proxy.IsActive {
		t.Error("proxy must be inactive")
	}

	// a later delivery refreshes the profile in place
	w = env.post(t, owner.Serial, remoteAuthorObject(remoteSerial, "Bobby"))
	if w.Code != http.StatusOK {
		t.Fatalf("author refresh status = %d, want 200", w.Code)
	}
	proxy, _ = env.authors.GetByURL(ctx, remoteURL)
	if proxy.DisplayName != "Bobby" {
		t.Errorf("proxy displayName = %q, want %q", proxy.DisplayName, "Bobby")
	}
}

func TestInboxRejectsUnknownTypeAndOwner(t *testing.T) {
	env := newInboxEnv(t)
	owner := env.seedLocalAuthor(t, "00000000-0000-4000-8000-0000000000b1", "alice")

	w := env.post(t, owner.Serial, map[string]interface{}{"type": "poke"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown type status = %d, want 400", w.Code)
	}

	w = env.post(t, "00000000-0000-4000-8000-0000000000b2", map[string]interface{}{"type": "follow"})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown owner status = %d, want 404", w.Code)
	}
}
