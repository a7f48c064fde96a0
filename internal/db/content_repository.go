package db

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/socialdistribution/node/internal/models"
)

// urlVariants returns the FQID with and without a trailing slash. Peers are
// inconsistent about the trailing slash, so lookups match either form.
func urlVariants(url string) []string {
	trimmed := strings.TrimSuffix(url, "/")
	return []string{trimmed, trimmed + "/"}
}

// EntryRepository provides entry-related database operations
type EntryRepository struct {
	*Repository
}

// NewEntryRepository creates a new entry repository
func NewEntryRepository(repo *Repository) *EntryRepository {
	return &EntryRepository{Repository: repo}
}

// GetByURL retrieves an entry by FQID
func (r *EntryRepository) GetByURL(ctx context.Context, url string) (*models.Entry, error) {
	var entry models.Entry
	if err := r.db.WithContext(ctx).
		Where("url IN ?", urlVariants(url)).
		First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// GetByAuthorAndSerial retrieves an entry by its author and serial
func (r *EntryRepository) GetByAuthorAndSerial(ctx context.Context, authorURL, serial string) (*models.Entry, error) {
	var entry models.Entry
	if err := r.db.WithContext(ctx).
		Where("author_url = ? AND serial = ?", authorURL, serial).
		First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// Create creates a new entry
func (r *EntryRepository) Create(ctx context.Context, entry *models.Entry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// Update updates an entry
func (r *EntryRepository) Update(ctx context.Context, entry *models.Entry) error {
	return r.db.WithContext(ctx).Save(entry).Error
}

// ListByAuthor retrieves non-deleted entries of an author restricted to the
// given visibilities, newest first.
func (r *EntryRepository) ListByAuthor(ctx context.Context, authorURL string, visibilities []string, page, size int) ([]*models.Entry, error) {
	var entries []*models.Entry
	if err := r.db.WithContext(ctx).
		Where("author_url = ? AND is_deleted = ? AND visibility IN ?", authorURL, false, visibilities).
		Order("published DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// CountByAuthor counts non-deleted entries of an author restricted to the
// given visibilities
func (r *EntryRepository) CountByAuthor(ctx context.Context, authorURL string, visibilities []string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.Entry{}).
		Where("author_url = ? AND is_deleted = ? AND visibility IN ?", authorURL, false, visibilities).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// ListPublic retrieves public entries across all authors, newest first
func (r *EntryRepository) ListPublic(ctx context.Context, page, size int) ([]*models.Entry, error) {
	var entries []*models.Entry
	if err := r.db.WithContext(ctx).
		Preload("Author").
		Where("visibility = ? AND is_deleted = ?", models.VisibilityPublic, false).
		Order("published DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// CountPublic counts public non-deleted entries
func (r *EntryRepository) CountPublic(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.Entry{}).
		Where("visibility = ? AND is_deleted = ?", models.VisibilityPublic, false).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// ListStream retrieves the entries visible to a viewer on their stream:
// everything public, unlisted entries from followed authors, friends-only
// entries from friends, and the viewer's own entries. Newest first.
func (r *EntryRepository) ListStream(ctx context.Context, viewerURL string, followingURLs, friendURLs []string, page, size int) ([]*models.Entry, error) {
	var entries []*models.Entry
	if err := r.streamQuery(ctx, viewerURL, followingURLs, friendURLs).
		Preload("Author").
		Order("published DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// CountStream counts the entries visible on a viewer's stream
func (r *EntryRepository) CountStream(ctx context.Context, viewerURL string, followingURLs, friendURLs []string) (int64, error) {
	var count int64
	if err := r.streamQuery(ctx, viewerURL, followingURLs, friendURLs).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *EntryRepository) streamQuery(ctx context.Context, viewerURL string, followingURLs, friendURLs []string) *gorm.DB {
	visible := r.db.
		Where("visibility = ?", models.VisibilityPublic).
		Or("author_url = ?", viewerURL)
	if len(followingURLs) > 0 {
		visible = visible.Or("visibility = ? AND author_url IN ?", models.VisibilityUnlisted, followingURLs)
	}
	if len(friendURLs) > 0 {
		visible = visible.Or("visibility = ? AND author_url IN ?", models.VisibilityFriends, friendURLs)
	}
	return r.db.WithContext(ctx).
		Model(&models.Entry{}).
		Where("is_deleted = ?", false).
		Where(visible)
}

// CommentRepository provides comment-related database operations
type CommentRepository struct {
	*Repository
}

// NewCommentRepository creates a new comment repository
func NewCommentRepository(repo *Repository) *CommentRepository {
	return &CommentRepository{Repository: repo}
}

// GetByURL retrieves a comment by FQID
func (r *CommentRepository) GetByURL(ctx context.Context, url string) (*models.Comment, error) {
	var comment models.Comment
	if err := r.db.WithContext(ctx).
		Preload("Author").
		Preload("Entry").
		Where("url IN ?", urlVariants(url)).
		First(&comment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &comment, nil
}

// GetByAuthorAndSerial retrieves a comment by its author and serial
func (r *CommentRepository) GetByAuthorAndSerial(ctx context.Context, authorURL, serial string) (*models.Comment, error) {
	var comment models.Comment
	if err := r.db.WithContext(ctx).
		Preload("Author").
		Preload("Entry").
		Where("author_url = ? AND serial = ?", authorURL, serial).
		First(&comment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &comment, nil
}

// GetByEntryAndSerial retrieves a comment on an entry by the comment serial
func (r *CommentRepository) GetByEntryAndSerial(ctx context.Context, entryURL, serial string) (*models.Comment, error) {
	var comment models.Comment
	if err := r.db.WithContext(ctx).
		Preload("Author").
		Preload("Entry").
		Where("entry_url IN ? AND serial = ?", urlVariants(entryURL), serial).
		First(&comment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &comment, nil
}

// Create creates a new comment
func (r *CommentRepository) Create(ctx context.Context, comment *models.Comment) error {
	return r.db.WithContext(ctx).Create(comment).Error
}

// ListByEntry retrieves comments on an entry, newest first
func (r *CommentRepository) ListByEntry(ctx context.Context, entryURL string, page, size int) ([]*models.Comment, error) {
	var comments []*models.Comment
	if err := r.db.WithContext(ctx).
		Preload("Author").
		Where("entry_url IN ?", urlVariants(entryURL)).
		Order("published DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&comments).Error; err != nil {
		return nil, err
	}
	return comments, nil
}

// CountByEntry counts comments on an entry
func (r *CommentRepository) CountByEntry(ctx context.Context, entryURL string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.Comment{}).
		Where("entry_url IN ?", urlVariants(entryURL)).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// ListByAuthor retrieves comments written by an author, newest first
func (r *CommentRepository) ListByAuthor(ctx context.Context, authorURL string, page, size int) ([]*models.Comment, error) {
	var comments []*models.Comment
	if err := r.db.WithContext(ctx).
		Preload("Author").
		Preload("Entry").
		Where("author_url = ?", authorURL).
		Order("published DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&comments).Error; err != nil {
		return nil, err
	}
	return comments, nil
}

// CountByAuthor counts comments written by an author
func (r *CommentRepository) CountByAuthor(ctx context.Context, authorURL string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.Comment{}).
		Where("author_url = ?", authorURL).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// LikeRepository provides like-related database operations
type LikeRepository struct {
	*Repository
}

// NewLikeRepository creates a new like repository
func NewLikeRepository(repo *Repository) *LikeRepository {
	return &LikeRepository{Repository: repo}
}

// GetByURL retrieves a like by FQID
func (r *LikeRepository) GetByURL(ctx context.Context, url string) (*models.Like, error) {
	var like models.Like
	if err := r.db.WithContext(ctx).
		Preload("Author").
		Where("url IN ?", urlVariants(url)).
		First(&like).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &like, nil
}

// GetByAuthorAndSerial retrieves a like by its author and serial
func (r *LikeRepository) GetByAuthorAndSerial(ctx context.Context, authorURL, serial string) (*models.Like, error) {
	var like models.Like
	if err := r.db.WithContext(ctx).
		Preload("Author").
		Where("author_url = ? AND serial = ?", authorURL, serial).
		First(&like).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &like, nil
}

// Create creates a new like. Returns gorm.ErrDuplicatedKey when the author
// already liked the target.
func (r *LikeRepository) Create(ctx context.Context, like *models.Like) error {
	return r.db.WithContext(ctx).Create(like).Error
}

// ListByTarget retrieves likes on a target, newest first
func (r *LikeRepository) ListByTarget(ctx context.Context, targetURL string, page, size int) ([]*models.Like, error) {
	var likes []*models.Like
	if err := r.db.WithContext(ctx).
		Preload("Author").
		Where("target_url IN ?", urlVariants(targetURL)).
		Order("published DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&likes).Error; err != nil {
		return nil, err
	}
	return likes, nil
}

// CountByTarget counts likes on a target
func (r *LikeRepository) CountByTarget(ctx context.Context, targetURL string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.Like{}).
		Where("target_url IN ?", urlVariants(targetURL)).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// ListByAuthor retrieves likes given by an author, newest first
func (r *LikeRepository) ListByAuthor(ctx context.Context, authorURL string, page, size int) ([]*models.Like, error) {
	var likes []*models.Like
	if err := r.db.WithContext(ctx).
		Preload("Author").
		Where("author_url = ?", authorURL).
		Order("published DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&likes).Error; err != nil {
		return nil, err
	}
	return likes, nil
}

// CountByAuthor counts likes given by an author
func (r *LikeRepository) CountByAuthor(ctx context.Context, authorURL string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.Like{}).
		Where("author_url = ?", authorURL).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
