package db

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/socialdistribution/node/internal/models"
)

// FollowRepository provides follow-graph database operations
type FollowRepository struct {
	*Repository
}

// NewFollowRepository creates a new follow repository
func NewFollowRepository(repo *Repository) *FollowRepository {
	return &FollowRepository{Repository: repo}
}

// Get retrieves the follow edge between two authors
func (r *FollowRepository) Get(ctx context.Context, followerURL, followingURL string) (*models.Follow, error) {
	var follow models.Follow
	if err := r.db.WithContext(ctx).
		Where("follower_url = ? AND following_url = ?", followerURL, followingURL).
		First(&follow).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &follow, nil
}

// Create creates a new follow edge
func (r *FollowRepository) Create(ctx context.Context, follow *models.Follow) error {
	return r.db.WithContext(ctx).Create(follow).Error
}

// Update updates a follow edge
func (r *FollowRepository) Update(ctx context.Context, follow *models.Follow) error {
	return r.db.WithContext(ctx).Save(follow).Error
}

// Delete removes the follow edge between two authors
func (r *FollowRepository) Delete(ctx context.Context, followerURL, followingURL string) error {
	return r.db.WithContext(ctx).
		Where("follower_url = ? AND following_url = ?", followerURL, followingURL).
		Delete(&models.Follow{}).Error
}

// IsAccepted reports whether follower has an accepted follow on following
func (r *FollowRepository) IsAccepted(ctx context.Context, followerURL, followingURL string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.Follow{}).
		Where("follower_url = ? AND following_url = ? AND status = ?",
			followerURL, followingURL, models.FollowStatusAccepted).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// AreFriends reports whether both directed edges exist and are accepted
func (r *FollowRepository) AreFriends(ctx context.Context, aURL, bURL string) (bool, error) {
	forward, err := r.IsAccepted(ctx, aURL, bURL)
	if err != nil || !forward {
		return false, err
	}
	return r.IsAccepted(ctx, bURL, aURL)
}

// Followers retrieves the authors with an accepted follow on the given author
func (r *FollowRepository) Followers(ctx context.Context, authorURL string) ([]*models.Author, error) {
	var authors []*models.Author
	if err := r.db.WithContext(ctx).
		Model(&models.Author{}).
		Joins("JOIN follows ON follows.follower_url = authors.url").
		Where("follows.following_url = ? AND follows.status = ?", authorURL, models.FollowStatusAccepted).
		Order("authors.username ASC").
		Find(&authors).Error; err != nil {
		return nil, err
	}
	return authors, nil
}

// Following retrieves the authors the given author has an accepted follow on
func (r *FollowRepository) Following(ctx context.Context, authorURL string) ([]*models.Author, error) {
	var authors []*models.Author
	if err := r.db.WithContext(ctx).
		Model(&models.Author{}).
		Joins("JOIN follows ON follows.following_url = authors.url").
		Where("follows.follower_url = ? AND follows.status = ?", authorURL, models.FollowStatusAccepted).
		Order("authors.username ASC").
		Find(&authors).Error; err != nil {
		return nil, err
	}
	return authors, nil
}

// Friends retrieves authors with accepted follows in both directions
func (r *FollowRepository) Friends(ctx context.Context, authorURL string) ([]*models.Author, error) {
	var authors []*models.Author
	if err := r.db.WithContext(ctx).
		Model(&models.Author{}).
		Joins("JOIN follows f1 ON f1.follower_url = authors.url AND f1.following_url = ? AND f1.status = ?",
			authorURL, models.FollowStatusAccepted).
		Joins("JOIN follows f2 ON f2.following_url = authors.url AND f2.follower_url = ? AND f2.status = ?",
			authorURL, models.FollowStatusAccepted).
		Order("authors.username ASC").
		Find(&authors).Error; err != nil {
		return nil, err
	}
	return authors, nil
}

// PendingFor retrieves pending follow requests addressed to the given author,
// newest first, with the requesting author preloaded.
func (r *FollowRepository) PendingFor(ctx context.Context, authorURL string) ([]*models.Follow, error) {
	var follows []*models.Follow
	if err := r.db.WithContext(ctx).
		Preload("Follower").
		Where("following_url = ? AND status = ?", authorURL, models.FollowStatusPending).
		Order("created_at DESC").
		Find(&follows).Error; err != nil {
		return nil, err
	}
	return follows, nil
}

// CountFollowers counts accepted followers of the given author
func (r *FollowRepository) CountFollowers(ctx context.Context, authorURL string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.Follow{}).
		Where("following_url = ? AND status = ?", authorURL, models.FollowStatusAccepted).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// CountFollowing counts accepted follows outgoing from the given author
func (r *FollowRepository) CountFollowing(ctx context.Context, authorURL string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.Follow{}).
		Where("follower_url = ? AND status = ?", authorURL, models.FollowStatusAccepted).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// CountFriends counts mutual accepted follows of the given author
func (r *FollowRepository) CountFriends(ctx context.Context, authorURL string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.Follow{}).
		Where("follower_url = ? AND status = ?", authorURL, models.FollowStatusAccepted).
		Where("following_url IN (?)", r.db.
			Model(&models.Follow{}).
			Select("follower_url").
			Where("following_url = ? AND status = ?", authorURL, models.FollowStatusAccepted)).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
