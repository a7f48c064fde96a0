package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/socialdistribution/node/internal/api/objects"
	"github.com/socialdistribution/node/internal/db"
	"github.com/socialdistribution/node/internal/identity"
	"github.com/socialdistribution/node/internal/models"
	"github.com/socialdistribution/node/pkg/config"
	"github.com/socialdistribution/node/pkg/logging"
	"github.com/socialdistribution/node/pkg/telemetry"
)

// ErrUnknownNode is returned when no active RemoteNode row covers the
// target host. Deliveries to unknown hosts are never attempted.
var ErrUnknownNode = errors.New("no active credentials for host")

// Client performs outbound node-to-node HTTP calls using the stored
// outgoing credentials of the target node.
type Client struct {
	nodes      *db.RemoteNodeRepository
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new federation client
func NewClient(nodes *db.RemoteNodeRepository, cfg *config.FederationConfig) *Client {
	logger := logging.WithComponent("federation-client")
	return &Client{
		nodes:      nodes,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

func (c *Client) nodeFor(ctx context.Context, url string) (*models.RemoteNode, error) {
	node, err := c.nodes.GetByHost(ctx, url)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, url)
	}
	return node, nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, node *models.RemoteNode) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(node.OutgoingUsername, node.OutgoingPassword)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// SendToInbox delivers a payload to the inbox of the author identified by
// recipientURL. Returns the remote status code.
func (c *Client) SendToInbox(ctx context.Context, recipientURL string, payload interface{}) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "federation.send_to_inbox")
	defer span.End()

	node, err := c.nodeFor(ctx, recipientURL)
	if err != nil {
		return 0, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	inbox := identity.InboxURL(recipientURL)
	status, _, err := c.do(ctx, http.MethodPost, inbox, body, node)
	if err != nil {
		return 0, fmt.Errorf("failed to post to %s: %w", inbox, err)
	}

	c.logger.Debug("Delivered to inbox",
		zap.String("inbox", inbox),
		zap.Int("status", status))
	return status, nil
}

// ForwardInbox relays a raw inbox payload unmodified to the inbox of the
// author identified by recipientURL, returning the remote status and body.
func (c *Client) ForwardInbox(ctx context.Context, recipientURL string, body []byte) (int, []byte, error) {
	ctx, span := telemetry.StartSpan(ctx, "federation.forward_inbox")
	defer span.End()

	node, err := c.nodeFor(ctx, recipientURL)
	if err != nil {
		return 0, nil, err
	}
	inbox := identity.InboxURL(recipientURL)
	status, respBody, err := c.do(ctx, http.MethodPost, inbox, body, node)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to forward to %s: %w", inbox, err)
	}
	return status, respBody, nil
}

// FetchAuthor retrieves an author object from its home node.
func (c *Client) FetchAuthor(ctx context.Context, fqid string) (*objects.Author, error) {
	ctx, span := telemetry.StartSpan(ctx, "federation.fetch_author")
	defer span.End()

	node, err := c.nodeFor(ctx, fqid)
	if err != nil {
		return nil, err
	}
	status, body, err := c.do(ctx, http.MethodGet, identity.Normalize(fqid), nil, node)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("remote node returned %d for %s", status, fqid)
	}
	var author objects.Author
	if err := json.Unmarshal(body, &author); err != nil {
		return nil, fmt.Errorf("failed to unmarshal author %s: %w", fqid, err)
	}
	return &author, nil
}

// FetchAuthors retrieves the author directory of a peer node.
func (c *Client) FetchAuthors(ctx context.Context, node *models.RemoteNode) ([]objects.Author, error) {
	ctx, span := telemetry.StartSpan(ctx, "federation.fetch_authors")
	defer span.End()

	url := identity.Normalize(node.Host) + "/api/authors/"
	status, body, err := c.do(ctx, http.MethodGet, url, nil, node)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("remote node returned %d for %s", status, url)
	}
	var list struct {
		Authors []objects.Author `json:"authors"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authors from %s: %w", url, err)
	}
	return list.Authors, nil
}
