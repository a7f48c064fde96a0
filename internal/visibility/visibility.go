// Package visibility decides who may read which entries and comments.
// Decisions are pure given the follow graph; callers pass the viewer's FQID
// or an empty string for anonymous requests.
package visibility

import (
	"context"

	"github.com/socialdistribution/node/internal/models"
)

// Graph answers follow-graph questions. *db.FollowRepository satisfies it.
type Graph interface {
	IsAccepted(ctx context.Context, followerURL, followingURL string) (bool, error)
	AreFriends(ctx context.Context, aURL, bURL string) (bool, error)
}

// CanViewEntry reports whether the viewer may read the entry by direct link.
// Deleted entries are invisible to everyone, including the author.
func CanViewEntry(ctx context.Context, g Graph, viewerURL string, entry *models.Entry) (bool, error) {
	if entry.IsDeleted {
		return false, nil
	}
	switch entry.Visibility {
	case models.VisibilityPublic, models.VisibilityUnlisted:
		return true, nil
	case models.VisibilityFriends:
		if viewerURL == "" {
			return false, nil
		}
		if viewerURL == entry.AuthorURL {
			return true, nil
		}
		return g.AreFriends(ctx, viewerURL, entry.AuthorURL)
	case models.VisibilityDeleted:
		return false, nil
	}
	// unrecognized values stay private to the author
	return viewerURL != "" && viewerURL == entry.AuthorURL, nil
}

// CanViewComment reports whether the viewer may read a comment. Comments
// inherit the entry's visibility, except on friends-only entries where only
// the entry author's comments and the viewer's own comments are readable.
func CanViewComment(ctx context.Context, g Graph, viewerURL string, comment *models.Comment, entry *models.Entry) (bool, error) {
	ok, err := CanViewEntry(ctx, g, viewerURL, entry)
	if err != nil || !ok {
		return false, err
	}
	if entry.Visibility != models.VisibilityFriends {
		return true, nil
	}
	return comment.AuthorURL == entry.AuthorURL || comment.AuthorURL == viewerURL, nil
}

// ListableVisibilities returns the visibility classes of ownerURL's entries
// the viewer may see in list responses. Unlisted entries stay out of lists
// for strangers even though they are readable by direct link.
func ListableVisibilities(ctx context.Context, g Graph, viewerURL, ownerURL string) ([]string, error) {
	if viewerURL == ownerURL && viewerURL != "" {
		return []string{models.VisibilityPublic, models.VisibilityUnlisted, models.VisibilityFriends}, nil
	}
	if viewerURL == "" {
		return []string{models.VisibilityPublic}, nil
	}
	friends, err := g.AreFriends(ctx, viewerURL, ownerURL)
	if err != nil {
		return nil, err
	}
	if friends {
		return []string{models.VisibilityPublic, models.VisibilityUnlisted, models.VisibilityFriends}, nil
	}
	follows, err := g.IsAccepted(ctx, viewerURL, ownerURL)
	if err != nil {
		return nil, err
	}
	if follows {
		return []string{models.VisibilityPublic, models.VisibilityUnlisted}, nil
	}
	return []string{models.VisibilityPublic}, nil
}
