package pseudonym

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// HTTPClient calls a moderation Server over HTTP/HTTPS.
type HTTPClient struct {
	BaseURL string       // Base URL of the moderation server (e.g., "https://mod.example.com")
	Token   string       // Bearer token of the calling moderator
	Client  *http.Client // HTTP client (can customize timeouts, TLS, etc.)
}

// NewHTTPClient creates a client for the server at baseURL authenticating with token.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{},
	}
}

// StatusError is a non-200 response from the server.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Body)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func guildPath(guildID, suffix string) string {
	return "/api/v1/guilds/" + url.PathEscape(guildID) + suffix
}

// Trace asks the server who wrote messageID in guildID.
func (c *HTTPClient) Trace(ctx context.Context, guildID, messageID string) (TraceResult, error) {
	var out TraceResult
	err := c.do(ctx, http.MethodPost, guildPath(guildID, "/trace"), TraceRequest{MessageID: messageID}, &out)
	return out, err
}

// Search lists userID's posts in guildID.
func (c *HTTPClient) Search(ctx context.Context, guildID string, req SearchRequest) (SearchResult, error) {
	var out SearchResult
	err := c.do(ctx, http.MethodPost, guildPath(guildID, "/search"), req, &out)
	return out, err
}

// SearchGlobal lists userID's posts across every guild.
func (c *HTTPClient) SearchGlobal(ctx context.Context, req SearchRequest) (SearchResult, error) {
	var out SearchResult
	err := c.do(ctx, http.MethodPost, "/api/v1/global/search", req, &out)
	return out, err
}

// Delete soft-deletes messageID in guildID.
func (c *HTTPClient) Delete(ctx context.Context, guildID, messageID string) error {
	return c.do(ctx, http.MethodDelete, guildPath(guildID, "/posts/"+url.PathEscape(messageID)), nil, nil)
}

// Audit returns up to limit audit entries of guildID, newest first.
func (c *HTTPClient) Audit(ctx context.Context, guildID string, limit int) ([]AuditEntry, error) {
	return c.audit(ctx, guildPath(guildID, "/audit"), limit)
}

// GlobalAudit returns up to limit audit entries across every guild, newest first.
func (c *HTTPClient) GlobalAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	return c.audit(ctx, "/api/v1/global/audit", limit)
}

func (c *HTTPClient) audit(ctx context.Context, path string, limit int) ([]AuditEntry, error) {
	var out []AuditEntry
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// VerifyAudit asks the server to replay the audit chain.
func (c *HTTPClient) VerifyAudit(ctx context.Context) (AuditVerification, error) {
	var out AuditVerification
	err := c.do(ctx, http.MethodGet, "/api/v1/global/audit/verify", nil, &out)
	return out, err
}

func banPath(guildID, action string) string {
	if guildID == "" {
		return "/api/v1/global/" + action
	}
	return guildPath(guildID, "/"+action)
}

// Ban bans a user in guildID, or everywhere when guildID is empty.
func (c *HTTPClient) Ban(ctx context.Context, guildID string, req BanRequest) error {
	return c.do(ctx, http.MethodPost, banPath(guildID, "ban"), req, nil)
}

// Unban lifts a ban set by Ban with the same scope.
func (c *HTTPClient) Unban(ctx context.Context, guildID string, req BanRequest) error {
	return c.do(ctx, http.MethodPost, banPath(guildID, "unban"), req, nil)
}

// BulkDelete selects, and unless dry-running deletes, posts in guildID.
func (c *HTTPClient) BulkDelete(ctx context.Context, guildID string, body BulkDeleteBody) (BulkDeleteResponse, error) {
	var out BulkDeleteResponse
	err := c.do(ctx, http.MethodPost, guildPath(guildID, "/bulk-delete"), body, &out)
	return out, err
}
