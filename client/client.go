package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/InsulaLabs/drive/db/models"
	"github.com/gorilla/websocket"
)

const (
	defaultTimeout = 10 * time.Second
	apiPrefix      = "/api/v1/"
)

type Endpoint struct {
	HostPort     string
	ClientDomain string
}

type Config struct {
	Endpoint   Endpoint
	SkipVerify bool
	// PlainHTTP talks to a node that was started without a TLS cert.
	PlainHTTP bool
	Timeout   time.Duration
	Logger    *slog.Logger
}

// ErrRateLimited is returned when the node answers 429.
type ErrRateLimited struct {
	RetryAfter time.Duration
	Limit      string
	Burst      string
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited, retry after %s (limit %s, burst %s)", e.RetryAfter, e.Limit, e.Burst)
}

// ErrUnexpectedStatus covers every non-envelope answer: storage faults,
// malformed requests and wrong methods.
type ErrUnexpectedStatus struct {
	StatusCode int
	Body       string
}

func (e *ErrUnexpectedStatus) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Body)
}

// Client is the API client for a drive node. Domain errors come back as
// *models.ErrNotFound, *models.ErrCreateFail or *models.ErrUpdateFail.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	skipVerify bool
	logger     *slog.Logger
}

func NewClient(cfg *Config) (*Client, error) {
	if cfg.Endpoint.HostPort == "" {
		return nil, fmt.Errorf("hostPort cannot be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clientLogger := cfg.Logger.WithGroup("drive_client")

	connectHost, connectPort, err := net.SplitHostPort(cfg.Endpoint.HostPort)
	if err != nil {
		return nil, fmt.Errorf("failed to parse port from HostPort '%s': %w", cfg.Endpoint.HostPort, err)
	}
	if cfg.Endpoint.ClientDomain != "" {
		connectHost = cfg.Endpoint.ClientDomain
	}

	scheme := "https"
	if cfg.PlainHTTP {
		scheme = "http"
		clientLogger.Warn("Using plain HTTP, traffic is not encrypted")
	}
	baseURLStr := fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(connectHost, connectPort))
	baseURL, err := url.Parse(baseURLStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL '%s': %w", baseURLStr, err)
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.SkipVerify},
		},
		Timeout: cfg.Timeout,
	}

	clientLogger.Debug("Drive client initialized", "base_url", baseURL.String(), "tls_skip_verify", cfg.SkipVerify)

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		skipVerify: cfg.SkipVerify,
		logger:     clientLogger,
	}, nil
}

// doRequest sends one request and returns the raw body of any answer that
// carries a result envelope (200, 400 or 404 with a JSON body).
func (c *Client) doRequest(ctx context.Context, method, op string, queryParams url.Values, body any) ([]byte, error) {
	reqURL := c.baseURL.ResolveReference(&url.URL{Path: apiPrefix + op})
	if len(queryParams) > 0 {
		reqURL.RawQuery = queryParams.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body for %s %s: %w", method, op, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request %s %s: %w", method, reqURL.String(), err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("Sending request", "method", method, "url", reqURL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request %s %s failed: %w", method, reqURL.String(), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body for %s %s: %w", method, reqURL.String(), err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusBadRequest, http.StatusNotFound:
		if resp.Header.Get("Content-Type") == "application/json" {
			return respBody, nil
		}
	case http.StatusTooManyRequests:
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return nil, &ErrRateLimited{
			RetryAfter: time.Duration(retryAfter) * time.Second,
			Limit:      resp.Header.Get("X-RateLimit-Limit"),
			Burst:      resp.Header.Get("X-RateLimit-Burst"),
		}
	}

	c.logger.Warn("Received non-envelope response", "method", method, "url", reqURL.String(), "status_code", resp.StatusCode)
	return nil, &ErrUnexpectedStatus{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(respBody))}
}

func call[T any](ctx context.Context, c *Client, method, op string, query url.Values, body any) (T, error) {
	return withRetries(ctx, c.logger, func() (T, error) {
		data, err := c.doRequest(ctx, method, op, query, body)
		if err != nil {
			var zero T
			return zero, err
		}
		return models.DecodeResult[T](data)
	})
}

func idQuery(param string, id uint64) url.Values {
	return url.Values{param: []string{strconv.FormatUint(id, 10)}}
}

// --- File Operations ---

func (c *Client) GetFile(ctx context.Context, id uint64) (models.File, error) {
	return call[models.File](ctx, c, http.MethodGet, "get_file", idQuery("id", id), nil)
}

func (c *Client) GetAllFiles(ctx context.Context) ([]models.File, error) {
	return call[[]models.File](ctx, c, http.MethodGet, "get_all_files", nil, nil)
}

func (c *Client) GetAllFilesByFolderID(ctx context.Context, folderID uint64) ([]models.File, error) {
	return call[[]models.File](ctx, c, http.MethodGet, "get_all_files_by_folder_id", idQuery("folder_id", folderID), nil)
}

func (c *Client) GetAllFilesByFolderName(ctx context.Context, name string) ([]models.File, error) {
	return call[[]models.File](ctx, c, http.MethodGet, "get_all_files_by_folder_name", url.Values{"folder_name": []string{name}}, nil)
}

func (c *Client) CreateFile(ctx context.Context, p models.FilePayload) (models.File, error) {
	return call[models.File](ctx, c, http.MethodPost, "create_file", nil, p)
}

func (c *Client) UpdateFile(ctx context.Context, id uint64, p models.FilePayload) (models.File, error) {
	return call[models.File](ctx, c, http.MethodPost, "update_file", nil, models.UpdateFileRequest{ID: id, Payload: p})
}

func (c *Client) UpdateFileName(ctx context.Context, id uint64, name string) (models.File, error) {
	return call[models.File](ctx, c, http.MethodPost, "update_file_name", nil, models.UpdateFileNameRequest{ID: id, FileName: name})
}

func (c *Client) DeleteFile(ctx context.Context, id uint64) (models.File, error) {
	return call[models.File](ctx, c, http.MethodPost, "delete_file", nil, models.DeleteFileRequest{ID: id})
}

// --- Folder Operations ---

func (c *Client) GetFolder(ctx context.Context, id uint64) (models.Folder, error) {
	return call[models.Folder](ctx, c, http.MethodGet, "get_folder", idQuery("id", id), nil)
}

func (c *Client) GetFolderByName(ctx context.Context, name string) (models.Folder, error) {
	return call[models.Folder](ctx, c, http.MethodGet, "get_folder_by_name", url.Values{"folder_name": []string{name}}, nil)
}

func (c *Client) GetAllFolders(ctx context.Context) ([]models.Folder, error) {
	return call[[]models.Folder](ctx, c, http.MethodGet, "get_all_folders", nil, nil)
}

func (c *Client) CreateFolder(ctx context.Context, p models.FolderPayload) (models.Folder, error) {
	return call[models.Folder](ctx, c, http.MethodPost, "create_folder", nil, p)
}

func (c *Client) UpdateFolder(ctx context.Context, id uint64, p models.FolderPayload) (models.Folder, error) {
	return call[models.Folder](ctx, c, http.MethodPost, "update_folder", nil, models.UpdateFolderRequest{ID: id, Payload: p})
}

// --- System ---

func (c *Client) Status(ctx context.Context) (models.Stats, error) {
	return call[models.Stats](ctx, c, http.MethodGet, "status", nil, nil)
}

// SubscribeToEvents connects to the change feed and calls onEvent for every
// event until ctx is cancelled or the connection drops.
func (c *Client) SubscribeToEvents(ctx context.Context, onEvent func(models.Event)) error {
	wsScheme := "ws"
	if c.baseURL.Scheme == "https" {
		wsScheme = "wss"
	}
	wsURL := url.URL{
		Scheme: wsScheme,
		Host:   c.baseURL.Host,
		Path:   apiPrefix + "events/subscribe",
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.skipVerify},
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		if resp != nil {
			c.logger.Error("WebSocket dial error with response", "url", wsURL.String(), "status", resp.Status, "error", err)
			return fmt.Errorf("failed to dial websocket %s (status: %s): %w", wsURL.String(), resp.Status, err)
		}
		return fmt.Errorf("failed to dial websocket %s: %w", wsURL.String(), err)
	}
	defer conn.Close()

	// Closing the connection is what unblocks ReadMessage on cancellation.
	done := make(chan struct{})
	watcherStopped := make(chan struct{})
	go func() {
		defer close(watcherStopped)
		select {
		case <-ctx.Done():
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			conn.Close()
		case <-done:
		}
	}()
	defer func() {
		close(done)
		<-watcherStopped
	}()

	c.logger.Info("Connected to change feed", "url", wsURL.String())

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Error("Error reading message from WebSocket", "error", err)
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var event models.Event
		if err := json.Unmarshal(message, &event); err != nil {
			c.logger.Error("Failed to unmarshal event message", "error", err, "message", string(message))
			continue
		}
		if onEvent != nil {
			onEvent(event)
		}
	}
}
