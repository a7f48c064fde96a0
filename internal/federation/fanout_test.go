package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/socialdistribution/node/internal/db"
	"github.com/socialdistribution/node/internal/identity"
	"github.com/socialdistribution/node/internal/models"
	"github.com/socialdistribution/node/pkg/config"
)

// peerRecorder is a fake remote node that records inbox deliveries.
type peerRecorder struct {
	mu       sync.Mutex
	requests []recordedRequest
	server   *httptest.Server
}

type recordedRequest struct {
	path     string
	username string
	password string
	body     map[string]interface{}
}

func newPeerRecorder(t *testing.T) *peerRecorder {
	t.Helper()
	p := &peerRecorder{}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, _ := r.BasicAuth()
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		p.mu.Lock()
		p.requests = append(p.requests, recordedRequest{
			path:     r.URL.Path,
			username: username,
			password: password,
			body:     body,
		})
		p.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(p.server.Close)
	return p
}

func (p *peerRecorder) host() string {
	return p.server.URL + "/"
}

func (p *peerRecorder) recorded() []recordedRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]recordedRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

type fanoutEnv struct {
	authors  *db.AuthorRepository
	follows  *db.FollowRepository
	nodes    *db.RemoteNodeRepository
	resolver *identity.Resolver
	fanout   *Dispatcher
}

func newFanoutEnv(t *testing.T) *fanoutEnv {
	t.Helper()
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
	env := &fanoutEnv{
		authors:  db.NewAuthorRepository(repo),
		follows:  db.NewFollowRepository(repo),
		nodes:    db.NewRemoteNodeRepository(repo),
		resolver: resolver,
	}
	client := NewClient(env.nodes, &config.FederationConfig{Timeout: 2 * time.Second, MaxWorkers: 4})
	env.fanout = NewDispatcher(env.follows, client, resolver, 4)
	return env
}

func (env *fanoutEnv) seedAuthor(t *testing.T, host, serial, username string, active bool) *models.Author {
	t.Helper()
	author := &models.Author{
		URL:      identity.Normalize(host) + "/api/authors/" + serial,
		Serial:   serial,
		Username: username,
		Host:     host,
		IsActive: active,
	}
	if err := env.authors.Create(context.Background(), author); err != nil {
		t.Fatalf("failed to seed author: %v", err)
	}
	return author
}

func (env *fanoutEnv) seedNode(t *testing.T, host string) {
	t.Helper()
	if err := env.nodes.Create(context.Background(), &models.RemoteNode{
		Host:             host,
		OutgoingUsername: "node-a",
		OutgoingPassword: "sekret",
		IsActive:         true,
	}); err != nil {
		t.Fatalf("failed to seed node: %v", err)
	}
}

func (env *fanoutEnv) follow(t *testing.T, follower, following *models.Author, status string) {
	t.Helper()
	if err := env.follows.Create(context.Background(), &models.Follow{
		FollowerURL:  follower.URL,
		FollowingURL: following.URL,
		Status:       status,
	}); err != nil {
		t.Fatalf("failed to seed follow: %v", err)
	}
}

func testEntry(author *models.Author, serial, vis string) *models.Entry {
	now := time.Now().UTC()
	return &models.Entry{
		URL:        author.URL + "/entries/" + serial,
		Serial:     serial,
		AuthorURL:  author.URL,
		Title:      "t",
		Visibility: vis,
		Published:  now,
		Updated:    now,
	}
}

func TestFanoutEntryToRemoteFollowers(t *testing.T) {
	env := newFanoutEnv(t)
	peer := newPeerRecorder(t)
	env.seedNode(t, peer.host())

	author := env.seedAuthor(t, localHost, "20000000-0000-4000-8000-000000000001", "alice", true)
	remote1 := env.seedAuthor(t, peer.host(), "20000000-0000-4000-8000-000000000002", "proxy_b1", false)
	remote2 := env.seedAuthor(t, peer.host(), "20000000-0000-4000-8000-000000000003", "proxy_b2", false)
	local := env.seedAuthor(t, localHost, "20000000-0000-4000-8000-000000000004", "bob", true)

	env.follow(t, remote1, author, models.FollowStatusAccepted)
	env.follow(t, remote2, author, models.FollowStatusAccepted)
	env.follow(t, local, author, models.FollowStatusAccepted)

	entry := testEntry(author, "20000000-0000-4000-8000-000000000010", models.VisibilityPublic)
	env.fanout.EntryChanged(context.Background(), entry, author)

	got := peer.recorded()
	if len(got) != 2 {
		t.Fatalf("peer received %d deliveries, want 2 (local follower must be skipped)", len(got))
	}
	for _, r := range got {
		if r.username != "node-a" || r.password != "sekret" {
			t.Errorf("delivery used credentials %s:%s, want node-a:sekret", r.username, r.password)
		}
		if r.body["type"] != "entry" {
			t.Errorf("delivery body type = %v, want entry", r.body["type"])
		}
	}
}

func TestFanoutFriendsEntryOnlyToFriends(t *testing.T) {
	env := newFanoutEnv(t)
	peer := newPeerRecorder(t)
	env.seedNode(t, peer.host())

	author := env.seedAuthor(t, localHost, "30000000-0000-4000-8000-000000000001", "alice", true)
	friend := env.seedAuthor(t, peer.host(), "30000000-0000-4000-8000-000000000002", "proxy_f", false)
	follower := env.seedAuthor(t, peer.host(), "30000000-0000-4000-8000-000000000003", "proxy_o", false)

	env.follow(t, friend, author, models.FollowStatusAccepted)
	env.follow(t, author, friend, models.FollowStatusAccepted)
	env.follow(t, follower, author, models.FollowStatusAccepted)

	entry := testEntry(author, "30000000-0000-4000-8000-000000000010", models.VisibilityFriends)
	env.fanout.EntryChanged(context.Background(), entry, author)

	got := peer.recorded()
	if len(got) != 1 {
		t.Fatalf("peer received %d deliveries, want 1 (one-way follower excluded)", len(got))
	}
	wantPath := "/api/authors/" + friend.Serial + "/inbox/"
	if got[0].path != wantPath {
		t.Errorf("delivery path = %s, want %s", got[0].path, wantPath)
	}
}

func TestFanoutSkipsHostsWithoutCredentials(t *testing.T) {
	env := newFanoutEnv(t)
	peer := newPeerRecorder(t)
	env.seedNode(t, peer.host())

	author := env.seedAuthor(t, localHost, "40000000-0000-4000-8000-000000000001", "alice", true)
	known := env.seedAuthor(t, peer.host(), "40000000-0000-4000-8000-000000000002", "proxy_k", false)
	unknown := env.seedAuthor(t, "http://node-x/", "40000000-0000-4000-8000-000000000003", "proxy_u", false)

	env.follow(t, known, author, models.FollowStatusAccepted)
	env.follow(t, unknown, author, models.FollowStatusAccepted)

	entry := testEntry(author, "40000000-0000-4000-8000-000000000010", models.VisibilityPublic)
	env.fanout.EntryChanged(context.Background(), entry, author)

	// delivery to the credentialed peer still happens; the unknown host is
	// dropped without failing the fan-out
	got := peer.recorded()
	if len(got) != 1 {
		t.Fatalf("peer received %d deliveries, want 1", len(got))
	}
}

func TestFanoutLikeToEntryAuthorAudience(t *testing.T) {
	env := newFanoutEnv(t)
	peer := newPeerRecorder(t)
	env.seedNode(t, peer.host())

	entryAuthor := env.seedAuthor(t, localHost, "60000000-0000-4000-8000-000000000001", "alice", true)
	liker := env.seedAuthor(t, localHost, "60000000-0000-4000-8000-000000000002", "bob", true)
	authorFriend := env.seedAuthor(t, peer.host(), "60000000-0000-4000-8000-000000000003", "proxy_f", false)
	likerFollower := env.seedAuthor(t, peer.host(), "60000000-0000-4000-8000-000000000004", "proxy_m", false)

	env.follow(t, authorFriend, entryAuthor, models.FollowStatusAccepted)
	env.follow(t, entryAuthor, authorFriend, models.FollowStatusAccepted)
	env.follow(t, liker, entryAuthor, models.FollowStatusAccepted)
	env.follow(t, entryAuthor, liker, models.FollowStatusAccepted)
	env.follow(t, likerFollower, liker, models.FollowStatusAccepted)

	like := &models.Like{
		URL:        liker.URL + "/liked/60000000-0000-4000-8000-000000000010",
		Serial:     "60000000-0000-4000-8000-000000000010",
		AuthorURL:  liker.URL,
		TargetKind: models.LikeTargetEntry,
		TargetURL:  entryAuthor.URL + "/entries/60000000-0000-4000-8000-000000000011",
		Published:  time.Now().UTC(),
	}
	env.fanout.LikeCreated(context.Background(), like, liker, entryAuthor, entryAuthor.URL, models.VisibilityFriends)

	// the entry author's remote friend hears about the like; the liker's
	// own follower never does
	got := peer.recorded()
	if len(got) != 1 {
		t.Fatalf("peer received %d deliveries, want 1", len(got))
	}
	wantPath := "/api/authors/" + authorFriend.Serial + "/inbox/"
	if got[0].path != wantPath {
		t.Errorf("delivery path = %s, want %s", got[0].path, wantPath)
	}
	if got[0].body["type"] != "like" {
		t.Errorf("delivery body type = %v, want like", got[0].body["type"])
	}
}

func TestFanoutCommentToRemoteEntryAuthor(t *testing.T) {
	env := newFanoutEnv(t)
	peer := newPeerRecorder(t)
	env.seedNode(t, peer.host())

	commenter := env.seedAuthor(t, localHost, "50000000-0000-4000-8000-000000000001", "alice", true)
	entryAuthor := env.seedAuthor(t, peer.host(), "50000000-0000-4000-8000-000000000002", "proxy_e", false)

	comment := &models.Comment{
		URL:         commenter.URL + "/commented/50000000-0000-4000-8000-000000000010",
		Serial:      "50000000-0000-4000-8000-000000000010",
		AuthorURL:   commenter.URL,
		EntryURL:    entryAuthor.URL + "/entries/50000000-0000-4000-8000-000000000011",
		Comment:     "hello",
		ContentType: models.ContentTypePlain,
		Published:   time.Now().UTC(),
	}
	env.fanout.CommentCreated(context.Background(), comment, commenter, entryAuthor)

	got := peer.recorded()
	if len(got) != 1 {
		t.Fatalf("peer received %d deliveries, want 1", len(got))
	}
	if got[0].body["type"] != "comment" {
		t.Errorf("delivery body type = %v, want comment", got[0].body["type"])
	}
}
