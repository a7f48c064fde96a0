package federation

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/socialdistribution/node/internal/db"
	"github.com/socialdistribution/node/internal/models"
	"github.com/socialdistribution/node/pkg/logging"
)

// PrincipalKind discriminates the three caller identities.
type PrincipalKind int

const (
	PrincipalAnonymous PrincipalKind = iota
	PrincipalLocalUser
	PrincipalFederatedPeer
)

// Principal is the authenticated caller. Exactly one of Author and Node is
// set, matching the kind; both are nil for anonymous requests.
type Principal struct {
	Kind   PrincipalKind
	Author *models.Author
	Node   *models.RemoteNode
}

// AuthorURL returns the caller's FQID, or empty for anything but a local user.
func (p Principal) AuthorURL() string {
	if p.Author != nil {
		return p.Author.URL
	}
	return ""
}

// IsPeer reports whether the caller is a remote node.
func (p Principal) IsPeer() bool {
	return p.Kind == PrincipalFederatedPeer
}

const principalKey = "principal"

// PrincipalFrom returns the principal set by the auth middleware.
func PrincipalFrom(c *gin.Context) Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(Principal); ok {
			return p
		}
	}
	return Principal{Kind: PrincipalAnonymous}
}

// Authenticator resolves Basic-Auth credentials to a principal. Node
// credentials are checked before local user credentials so a peer node can
// never be shadowed by a same-named author.
type Authenticator struct {
	authors *db.AuthorRepository
	nodes   *db.RemoteNodeRepository
	logger  *zap.Logger
}

// NewAuthenticator creates a new authenticator
func NewAuthenticator(authors *db.AuthorRepository, nodes *db.RemoteNodeRepository) *Authenticator {
	return &Authenticator{
		authors: authors,
		nodes:   nodes,
		logger:  logging.WithComponent("auth"),
	}
}

// Middleware authenticates the request and stores the principal on the
// context. Requests without credentials pass through as anonymous; requests
// with bad credentials are rejected.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		username, password, ok := c.Request.BasicAuth()
		if !ok {
			c.Set(principalKey, Principal{Kind: PrincipalAnonymous})
			c.Next()
			return
		}

		ctx := c.Request.Context()

		node, err := a.nodes.GetByIncomingUsername(ctx, username)
		if err != nil {
			a.logger.Error("node credential lookup failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "Internal server error"})
			return
		}
		if node != nil {
			if bcrypt.CompareHashAndPassword([]byte(node.IncomingPasswordHash), []byte(password)) != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Invalid node credentials"})
				return
			}
			c.Set(principalKey, Principal{Kind: PrincipalFederatedPeer, Node: node})
			c.Next()
			return
		}

		author, err := a.authors.GetByUsername(ctx, username)
		if err != nil {
			a.logger.Error("author credential lookup failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "Internal server error"})
			return
		}
		if author == nil || !author.IsActive || author.PasswordHash == "" ||
			bcrypt.CompareHashAndPassword([]byte(author.PasswordHash), []byte(password)) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Invalid credentials"})
			return
		}

		c.Set(principalKey, Principal{Kind: PrincipalLocalUser, Author: author})
		c.Next()
	}
}
