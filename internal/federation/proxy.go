package federation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/socialdistribution/node/internal/api/objects"
	"github.com/socialdistribution/node/internal/db"
	"github.com/socialdistribution/node/internal/identity"
	"github.com/socialdistribution/node/internal/models"
	"github.com/socialdistribution/node/pkg/logging"
)

// ProxyManager materializes remote authors as inactive local rows so the
// follow graph and content tables can reference them by FQID.
type ProxyManager struct {
	authors  *db.AuthorRepository
	resolver *identity.Resolver
	logger   *zap.Logger
}

// NewProxyManager creates a new proxy manager
func NewProxyManager(authors *db.AuthorRepository, resolver *identity.Resolver) *ProxyManager {
	return &ProxyManager{
		authors:  authors,
		resolver: resolver,
		logger:   logging.WithComponent("proxy"),
	}
}

// GetOrCreate resolves an author object from a federation payload to a local
// row. A local FQID must already exist; a remote FQID is created as a proxy
// on first sight and has its mutable profile fields refreshed on every
// subsequent sighting.
func (m *ProxyManager) GetOrCreate(ctx context.Context, obj *objects.Author) (*models.Author, error) {
	if obj == nil || obj.ID == "" {
		return nil, errors.New("author object missing id")
	}
	url := identity.Normalize(obj.ID)

	if m.resolver.IsLocal(url) {
		author, err := m.authors.GetByURL(ctx, url)
		if err != nil {
			return nil, err
		}
		if author == nil {
			return nil, fmt.Errorf("payload names unknown local author %s", url)
		}
		return author, nil
	}

	author, err := m.authors.GetByURL(ctx, url)
	if err != nil {
		return nil, err
	}
	if author != nil {
		return m.refresh(ctx, author, obj)
	}

	host := obj.Host
	if host == "" {
		host, err = identity.HostOf(url)
		if err != nil {
			return nil, fmt.Errorf("author id %q: %w", obj.ID, err)
		}
	}

	// Remote serials are usually UUIDs but nothing guarantees it; take the
	// last path segment as-is.
	serial := identity.LastSegment(url)
	proxy := &models.Author{
		URL:          url,
		Serial:       serial,
		Username:     "proxy_" + serial,
		Host:         host,
		DisplayName:  obj.DisplayName,
		Github:       obj.Github,
		ProfileImage: obj.ProfileImage,
		IsActive:     false,
	}
	if err := m.authors.Create(ctx, proxy); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost a race with a concurrent inbox delivery.
			existing, gerr := m.authors.GetByURL(ctx, url)
			if gerr != nil {
				return nil, gerr
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	m.logger.Info("Created proxy author",
		zap.String("url", url),
		zap.String("host", host))
	return proxy, nil
}

// refresh updates the proxy's mutable profile fields from the latest payload.
func (m *ProxyManager) refresh(ctx context.Context, author *models.Author, obj *objects.Author) (*models.Author, error) {
	if author.IsActive {
		// Never let a federation payload rewrite a real local account.
		return author, nil
	}
	changed := false
	if obj.DisplayName != "" && obj.DisplayName != author.DisplayName {
		author.DisplayName = obj.DisplayName
		changed = true
	}
	if obj.Github != author.Github {
		author.Github = obj.Github
		changed = true
	}
	if obj.ProfileImage != author.ProfileImage {
		author.ProfileImage = obj.ProfileImage
		changed = true
	}
	if obj.Host != "" && obj.Host != author.Host {
		author.Host = obj.Host
		changed = true
	}
	if changed {
		if err := m.authors.Update(ctx, author); err != nil {
			return nil, err
		}
	}
	return author, nil
}
