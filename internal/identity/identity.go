// Package identity resolves the two identifier forms that appear on the API
// surface: bare serials (UUIDs minted by this node) and FQIDs (full URLs,
// possibly percent-encoded, possibly minted by a remote node). All resolution
// goes through one parser so the rest of the code never inspects raw
// identifiers.
package identity

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// ErrMalformed is returned for identifiers that are neither a serial nor a
// well-formed FQID. Callers map it to a not-found response.
var ErrMalformed = errors.New("malformed identifier")

// Ref is a resolved identifier. URL is always set to the canonical FQID;
// Serial is the trailing UUID segment. Remote is true when the FQID belongs
// to another node.
type Ref struct {
	URL    string
	Serial string
	Remote bool
}

// Resolver parses identifiers and mints FQIDs relative to one node host.
type Resolver struct {
	base   string
	scheme string
	host   string
}

// NewResolver creates a resolver for the given node base URL.
func NewResolver(nodeHost string) (*Resolver, error) {
	u, err := url.Parse(nodeHost)
	if err != nil {
		return nil, fmt.Errorf("invalid node host %q: %w", nodeHost, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("node host %q must be an absolute URL", nodeHost)
	}
	return &Resolver{
		base:   strings.TrimSuffix(nodeHost, "/"),
		scheme: u.Scheme,
		host:   u.Host,
	}, nil
}

// Parse resolves a raw identifier from a URL path or payload field. Both
// forms are accepted: a bare serial resolves to a local FQID, an FQID keeps
// its own authority. Percent-encoded FQIDs are decoded first.
func (r *Resolver) Parse(raw string) (Ref, error) {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		decoded = raw
	}
	decoded = strings.TrimSpace(decoded)
	if decoded == "" {
		return Ref{}, ErrMalformed
	}

	if strings.HasPrefix(decoded, "http://") || strings.HasPrefix(decoded, "https://") {
		u, err := url.Parse(decoded)
		if err != nil || u.Host == "" {
			return Ref{}, ErrMalformed
		}
		serial := LastSegment(decoded)
		if _, err := uuid.Parse(serial); err != nil {
			return Ref{}, ErrMalformed
		}
		return Ref{
			URL:    Normalize(decoded),
			Serial: serial,
			Remote: u.Host != r.host,
		}, nil
	}

	if _, err := uuid.Parse(decoded); err != nil {
		return Ref{}, ErrMalformed
	}
	return Ref{
		URL:    r.AuthorURL(decoded),
		Serial: decoded,
		Remote: false,
	}, nil
}

// IsLocal reports whether the FQID's authority is this node.
func (r *Resolver) IsLocal(fqid string) bool {
	u, err := url.Parse(fqid)
	if err != nil {
		return false
	}
	return u.Host == r.host
}

// Host returns the node base URL with a trailing slash.
func (r *Resolver) Host() string {
	return r.base + "/"
}

// AuthorURL mints the FQID of a local author.
func (r *Resolver) AuthorURL(serial string) string {
	return r.base + "/api/authors/" + serial
}

// EntryURL mints the FQID of a local entry.
func (r *Resolver) EntryURL(authorSerial, serial string) string {
	return r.AuthorURL(authorSerial) + "/entries/" + serial
}

// CommentURL mints the FQID of a local comment.
func (r *Resolver) CommentURL(authorSerial, serial string) string {
	return r.AuthorURL(authorSerial) + "/commented/" + serial
}

// LikeURL mints the FQID of a local like.
func (r *Resolver) LikeURL(authorSerial, serial string) string {
	return r.AuthorURL(authorSerial) + "/liked/" + serial
}

// AuthorWebURL mints the browser-facing profile URL of a local author.
func (r *Resolver) AuthorWebURL(serial string) string {
	return r.base + "/authors/" + serial
}

// EntryWebURL mints the browser-facing URL of a local entry.
func (r *Resolver) EntryWebURL(authorSerial, serial string) string {
	return r.AuthorWebURL(authorSerial) + "/entries/" + serial
}

// InboxURL derives an author's inbox endpoint from their FQID.
func InboxURL(authorURL string) string {
	return Normalize(authorURL) + "/inbox/"
}

// Normalize strips the trailing slash from an FQID.
func Normalize(fqid string) string {
	return strings.TrimSuffix(fqid, "/")
}

// LastSegment returns the final path segment of a URL.
func LastSegment(rawURL string) string {
	trimmed := strings.TrimSuffix(rawURL, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

// HostOf returns the base URL of the node that owns the FQID, with a
// trailing slash.
func HostOf(fqid string) (string, error) {
	u, err := url.Parse(fqid)
	if err != nil {
		return "", err
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("fqid %q has no authority", fqid)
	}
	return u.Scheme + "://" + u.Host + "/", nil
}

// SameHost reports whether two FQIDs share an authority.
func SameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Host != "" && ua.Host == ub.Host
}

// NewSerial mints a fresh serial.
func NewSerial() string {
	return uuid.NewString()
}
