// Package apiclient talks to a running daemon's REST API. The monitor and
// the one-shot CLI commands use it.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"p2pshare/internal/domain"
)

// StatusError is a non-2xx answer from the daemon.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon answered %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("daemon answered %d: %s", e.Code, e.Message)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

type Client struct {
	base string
	http *http.Client
}

// New returns a client for the API at base, e.g. "http://localhost:8080".
func New(base string, timeout time.Duration) *Client {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) Files(ctx context.Context) ([]domain.FileInfo, error) {
	var files []domain.FileInfo
	err := c.do(ctx, http.MethodGet, "/api/files", nil, nil, &files)
	return files, err
}

func (c *Client) Search(ctx context.Context, keyword string) ([]domain.FileInfo, error) {
	var files []domain.FileInfo
	err := c.do(ctx, http.MethodGet, "/api/search", url.Values{"q": {keyword}}, nil, &files)
	return files, err
}

type shareBody struct {
	FilePath  string            `json:"filePath"`
	IsReplace int               `json:"isReplace"`
	Peers     []domain.PeerInfo `json:"peers,omitempty"`
}

// Share publishes path to everyone, or only to peers when any are given.
// isReplace follows the API: 0 increments the name, 1 replaces.
func (c *Client) Share(ctx context.Context, path string, isReplace int, peers []domain.PeerInfo) (string, error) {
	var out struct {
		TaskID string `json:"taskId"`
	}
	route := "/api/files"
	if len(peers) > 0 {
		route = "/api/files/share-to-peers"
	}
	err := c.do(ctx, http.MethodPost, route, nil, shareBody{FilePath: path, IsReplace: isReplace, Peers: peers}, &out)
	return out.TaskID, err
}

func (c *Client) FileExists(ctx context.Context, name string) (bool, error) {
	var out struct {
		Exists bool `json:"exists"`
	}
	err := c.do(ctx, http.MethodGet, "/api/files/exists", url.Values{"fileName": {name}}, nil, &out)
	return out.Exists, err
}

func (c *Client) StopSharing(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/files/"+url.PathEscape(name), nil, nil, nil)
}

func (c *Client) SharedPeers(ctx context.Context, name string) ([]domain.PeerInfo, error) {
	var out struct {
		Peers []domain.PeerInfo `json:"peers"`
	}
	err := c.do(ctx, http.MethodGet, "/api/files/"+url.PathEscape(name)+"/shared-peers", nil, nil, &out)
	return out.Peers, err
}

// EditPermission changes who may fetch name. The daemon answers 200 with a
// failure status when the change is refused.
func (c *Client) EditPermission(ctx context.Context, name string, vis domain.Visibility, peers []domain.PeerInfo) error {
	body := struct {
		Permission domain.Visibility `json:"permission"`
		Peers      []domain.PeerInfo `json:"peers"`
	}{vis, peers}
	var out struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := c.do(ctx, http.MethodPut, "/api/files/"+url.PathEscape(name)+"/permission", nil, body, &out); err != nil {
		return err
	}
	if out.Status != "success" {
		return fmt.Errorf("permission change refused: %s", out.Error)
	}
	return nil
}

// Download starts fetching name as published by from and returns the task id.
func (c *Client) Download(ctx context.Context, name, savePath string, from domain.PeerInfo) (string, error) {
	var out struct {
		TaskID string `json:"taskId"`
	}
	q := url.Values{"savePath": {savePath}, "peerInfo": {from.Key()}}
	err := c.do(ctx, http.MethodGet, "/api/files/"+url.PathEscape(name)+"/download", q, nil, &out)
	return out.TaskID, err
}

// Username returns the configured name, empty when none is set.
func (c *Client) Username(ctx context.Context) (string, error) {
	var out struct {
		HasUsername bool   `json:"hasUsername"`
		Username    string `json:"username"`
	}
	err := c.do(ctx, http.MethodGet, "/api/check-username", nil, nil, &out)
	return out.Username, err
}

func (c *Client) SetUsername(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/api/set-username", nil, map[string]string{"username": name}, nil)
}

func (c *Client) Progress(ctx context.Context) (map[string]domain.Task, error) {
	out := map[string]domain.Task{}
	err := c.do(ctx, http.MethodGet, "/api/progress", nil, nil, &out)
	return out, err
}

func (c *Client) Cleanup(ctx context.Context, ids []string) error {
	return c.do(ctx, http.MethodPost, "/api/progress/cleanup", nil, map[string][]string{"taskIds": ids}, nil)
}

func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/cancel", url.Values{"taskId": {id}}, nil, nil)
}

func (c *Client) Resume(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/resume", url.Values{"taskId": {id}}, nil, nil)
}

func (c *Client) KnownPeers(ctx context.Context) ([]domain.PeerInfo, error) {
	var peers []domain.PeerInfo
	err := c.do(ctx, http.MethodGet, "/api/peers/known", nil, nil, &peers)
	return peers, err
}

// Health reports whether the daemon is up and connected to its tracker.
func (c *Client) Health(ctx context.Context) (bool, error) {
	var out struct {
		Connected bool `json:"connected"`
	}
	err := c.do(ctx, http.MethodGet, "/api/health", nil, nil, &out)
	return out.Connected, err
}

// WatchProgress streams task snapshots from the daemon's websocket and
// calls fn with each one until fn returns false, ctx is done or the
// connection drops.
func (c *Client) WatchProgress(ctx context.Context, fn func(map[string]domain.Task) bool) error {
	u, err := url.Parse(c.base)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/api/progress/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("connect progress stream: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		snap := map[string]domain.Task{}
		if err := conn.ReadJSON(&snap); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if !fn(snap) {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return nil
		}
	}
}
