package federation

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/socialdistribution/node/internal/api/objects"
	"github.com/socialdistribution/node/internal/db"
	"github.com/socialdistribution/node/internal/identity"
	"github.com/socialdistribution/node/internal/models"
	"github.com/socialdistribution/node/pkg/logging"
	"github.com/socialdistribution/node/pkg/telemetry"
)

// Dispatcher pushes local writes to the inboxes of remote recipients.
// Delivery is best effort: each recipient is attempted independently and
// failures are logged, never surfaced to the writer.
type Dispatcher struct {
	follows  *db.FollowRepository
	client   *Client
	resolver *identity.Resolver
	workers  int
	logger   *zap.Logger
}

// NewDispatcher creates a new fan-out dispatcher
func NewDispatcher(follows *db.FollowRepository, client *Client, resolver *identity.Resolver, workers int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		follows:  follows,
		client:   client,
		resolver: resolver,
		workers:  workers,
		logger:   logging.WithComponent("fanout"),
	}
}

// EntryChanged fans an entry create, update, or soft delete out to the
// author's audience. Friends-only entries go to mutual friends; everything
// else, deletions included, goes to all accepted followers so stale copies
// get overwritten.
func (d *Dispatcher) EntryChanged(ctx context.Context, entry *models.Entry, author *models.Author) {
	ctx, span := telemetry.StartSpan(ctx, "fanout.entry_changed")
	defer span.End()

	recipients, err := d.audience(ctx, author.URL, entry.Visibility)
	if err != nil {
		d.logger.Error("Failed to compute entry audience",
			zap.String("entry", entry.URL),
			zap.Error(err))
		return
	}

	payload := objects.NewEntry(entry, author)
	d.deliver(ctx, recipients, payload)
}

// CommentCreated fans a new comment out to the entry author and the
// commenter's followers.
func (d *Dispatcher) CommentCreated(ctx context.Context, comment *models.Comment, commenter, entryAuthor *models.Author) {
	ctx, span := telemetry.StartSpan(ctx, "fanout.comment_created")
	defer span.End()

	followers, err := d.follows.Followers(ctx, commenter.URL)
	if err != nil {
		d.logger.Error("Failed to list commenter followers",
			zap.String("comment", comment.URL),
			zap.Error(err))
		return
	}

	recipients := append([]*models.Author{entryAuthor}, followers...)
	d.deliver(ctx, recipients, objects.NewComment(comment, commenter))
}

// LikeCreated fans a new like out to the liked object's author and the
// audience of the entry it belongs to, computed over the entry author's
// graph. Only that audience may see the entry, so the like never leaks the
// entry FQID to the liker's own circle.
func (d *Dispatcher) LikeCreated(ctx context.Context, like *models.Like, liker, targetAuthor *models.Author, entryAuthorURL, entryVisibility string) {
	ctx, span := telemetry.StartSpan(ctx, "fanout.like_created")
	defer span.End()

	audience, err := d.audience(ctx, entryAuthorURL, entryVisibility)
	if err != nil {
		d.logger.Error("Failed to compute like audience",
			zap.String("like", like.URL),
			zap.Error(err))
		return
	}

	recipients := append([]*models.Author{targetAuthor}, audience...)
	d.deliver(ctx, recipients, objects.NewLike(like, liker))
}

// AuthorUpdated pushes a profile change to all followers so their nodes
// refresh the proxy row.
func (d *Dispatcher) AuthorUpdated(ctx context.Context, author *models.Author) {
	ctx, span := telemetry.StartSpan(ctx, "fanout.author_updated")
	defer span.End()

	followers, err := d.follows.Followers(ctx, author.URL)
	if err != nil {
		d.logger.Error("Failed to list followers",
			zap.String("author", author.URL),
			zap.Error(err))
		return
	}
	d.deliver(ctx, followers, objects.NewAuthor(author))
}

func (d *Dispatcher) audience(ctx context.Context, authorURL, visibility string) ([]*models.Author, error) {
	if visibility == models.VisibilityFriends {
		return d.follows.Friends(ctx, authorURL)
	}
	return d.follows.Followers(ctx, authorURL)
}

// deliver posts the payload to every remote recipient's inbox, bounded by
// the worker limit. Local recipients are skipped; their state was already
// written by the caller.
func (d *Dispatcher) deliver(ctx context.Context, recipients []*models.Author, payload interface{}) {
	seen := make(map[string]bool, len(recipients))
	var targets []string
	for _, r := range recipients {
		if r == nil || seen[r.URL] {
			continue
		}
		seen[r.URL] = true
		if d.resolver.IsLocal(r.URL) {
			continue
		}
		targets = append(targets, r.URL)
	}
	if len(targets) == 0 {
		return
	}

	sem := make(chan struct{}, d.workers)
	var wg sync.WaitGroup
	for _, url := range targets {
		wg.Add(1)
		sem <- struct{}{}
		go func(url string) {
			defer wg.Done()
			defer func() { <-sem }()
			status, err := d.client.SendToInbox(ctx, url, payload)
			if err != nil {
				d.logger.Warn("Inbox delivery failed",
					zap.String("recipient", url),
					zap.Error(err))
				return
			}
			if status >= 400 {
				d.logger.Warn("Inbox delivery rejected",
					zap.String("recipient", url),
					zap.Int("status", status))
			}
		}(url)
	}
	wg.Wait()
}
