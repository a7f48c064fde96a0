package db

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/socialdistribution/node/internal/models"
)

// Repository provides database access methods
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// AuthorRepository provides author-related database operations
type AuthorRepository struct {
	*Repository
}

// NewAuthorRepository creates a new author repository
func NewAuthorRepository(repo *Repository) *AuthorRepository {
	return &AuthorRepository{Repository: repo}
}

// GetByURL retrieves an author by FQID
func (r *AuthorRepository) GetByURL(ctx context.Context, url string) (*models.Author, error) {
	var author models.Author
	if err := r.db.WithContext(ctx).Where("url = ?", url).First(&author).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &author, nil
}

// GetBySerial retrieves an author by serial
func (r *AuthorRepository) GetBySerial(ctx context.Context, serial string) (*models.Author, error) {
	var author models.Author
	if err := r.db.WithContext(ctx).Where("serial = ?", serial).First(&author).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &author, nil
}

// GetByUsername retrieves an author by username
func (r *AuthorRepository) GetByUsername(ctx context.Context, username string) (*models.Author, error) {
	var author models.Author
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&author).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &author, nil
}

// Create creates a new author
func (r *AuthorRepository) Create(ctx context.Context, author *models.Author) error {
	return r.db.WithContext(ctx).Create(author).Error
}

// Update updates an author
func (r *AuthorRepository) Update(ctx context.Context, author *models.Author) error {
	return r.db.WithContext(ctx).Save(author).Error
}

// ListByHost retrieves authors hosted on the given host, ordered by username.
// Pagination uses 1-based pages.
func (r *AuthorRepository) ListByHost(ctx context.Context, host string, page, size int) ([]*models.Author, error) {
	var authors []*models.Author
	if err := r.db.WithContext(ctx).
		Where("host = ?", host).
		Order("username ASC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&authors).Error; err != nil {
		return nil, err
	}
	return authors, nil
}

// CountByHost counts authors hosted on the given host
func (r *AuthorRepository) CountByHost(ctx context.Context, host string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.Author{}).
		Where("host = ?", host).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// RemoteNodeRepository provides peer-node database operations
type RemoteNodeRepository struct {
	*Repository
}

// NewRemoteNodeRepository creates a new remote node repository
func NewRemoteNodeRepository(repo *Repository) *RemoteNodeRepository {
	return &RemoteNodeRepository{Repository: repo}
}

// GetByIncomingUsername retrieves an active node by its incoming basic-auth username
func (r *RemoteNodeRepository) GetByIncomingUsername(ctx context.Context, username string) (*models.RemoteNode, error) {
	var node models.RemoteNode
	if err := r.db.WithContext(ctx).
		Where("incoming_username = ? AND is_active = ?", username, true).
		First(&node).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &node, nil
}

// GetByHost retrieves an active node whose host is a prefix of the given URL
func (r *RemoteNodeRepository) GetByHost(ctx context.Context, url string) (*models.RemoteNode, error) {
	var node models.RemoteNode
	if err := r.db.WithContext(ctx).
		Where("is_active = ? AND ? LIKE host || '%'", true, url).
		First(&node).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &node, nil
}

// ListActive retrieves all active nodes
func (r *RemoteNodeRepository) ListActive(ctx context.Context) ([]*models.RemoteNode, error) {
	var nodes []*models.RemoteNode
	if err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("host ASC").
		Find(&nodes).Error; err != nil {
		return nil, err
	}
	return nodes, nil
}

// Create creates a new remote node
func (r *RemoteNodeRepository) Create(ctx context.Context, node *models.RemoteNode) error {
	return r.db.WithContext(ctx).Create(node).Error
}

// Update updates a remote node
func (r *RemoteNodeRepository) Update(ctx context.Context, node *models.RemoteNode) error {
	return r.db.WithContext(ctx).Save(node).Error
}
