package pseudonym

import (
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Search window bounds, in days.
const (
	DefaultSearchDays = 30
	MaxSearchDays     = 90
)

// Moderator is an authenticated caller of the moderation API.
type Moderator struct {
	ID     string
	Guilds []string
	// Owner may search across every guild.
	Owner bool
}

func (m Moderator) canModerate(guildID string) bool {
	return m.Owner || slices.Contains(m.Guilds, guildID)
}

// TraceRequest is the body of POST /api/v1/guilds/{guild}/trace.
type TraceRequest struct {
	MessageID string `json:"message_id"`
}

// TraceResult identifies the author of one post.
type TraceResult struct {
	UserID     string    `json:"user_id"`
	Pseudonym  string    `json:"pseudonym"`
	MessageID  string    `json:"message_id"`
	KeyVersion int       `json:"key_version"`
	CreatedAt  time.Time `json:"created_at"`
}

// SearchRequest is the body of the search endpoints. Deleted is one of
// exclude (default), include or only.
type SearchRequest struct {
	UserID  string `json:"user_id"`
	Days    int    `json:"days,omitempty"`
	Deleted string `json:"deleted,omitempty"`
}

// PostView is a post as returned to moderators, without its cryptographic fields.
type PostView struct {
	ID        int64      `json:"id"`
	GuildID   string     `json:"guild_id"`
	ChannelID string     `json:"channel_id"`
	MessageID string     `json:"message_id"`
	Pseudonym string     `json:"pseudonym"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// SearchResult lists the posts attributed to the searched user, newest first.
type SearchResult struct {
	Count int        `json:"count"`
	Posts []PostView `json:"posts"`
}

func viewOf(p Post) PostView {
	return PostView{
		ID:        p.ID,
		GuildID:   p.GuildID,
		ChannelID: p.ChannelID,
		MessageID: p.MessageID,
		Pseudonym: p.Pseudonym,
		Content:   p.Content,
		CreatedAt: p.CreatedAt,
		DeletedAt: p.DeletedAt,
	}
}

// BanRequest is the body of the ban and unban endpoints.
type BanRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

// BulkDeleteBody is the body of POST /api/v1/guilds/{guild}/bulk-delete.
// DryRun defaults to true.
type BulkDeleteBody struct {
	UserID        string `json:"user_id,omitempty"`
	ChannelID     string `json:"channel_id,omitempty"`
	Hours         int    `json:"hours,omitempty"`
	Contains      string `json:"contains,omitempty"`
	Pseudonym     string `json:"pseudonym,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	ConvertedOnly bool   `json:"converted_only,omitempty"`
	DryRun        *bool  `json:"dry_run,omitempty"`
}

// BulkDeleteResponse reports the posts a bulk delete matched.
type BulkDeleteResponse struct {
	DryRun  bool       `json:"dry_run"`
	Matched int        `json:"matched"`
	Deleted int        `json:"deleted"`
	Posts   []PostView `json:"posts"`
}

// AuditVerification is the outcome of replaying the audit chain.
type AuditVerification struct {
	OK      bool   `json:"ok"`
	Entries uint64 `json:"entries"`
	Error   string `json:"error,omitempty"`
}

// Server exposes the moderator operations over HTTP. Every trace, search,
// delete and ban is audited with the target identity encrypted.
type Server struct {
	Store      Store
	Reconciler *Reconciler
	Poster     *Poster
	Auditor    *Auditor
	Bans       *BanList
	Metrics    *Metrics
	Logger     *slog.Logger
	Now        func() time.Time

	mu         sync.RWMutex
	moderators map[string]Moderator // bearer token -> moderator
	tlsConfig  *tls.Config
}

// NewServer creates a moderation server over ring and store.
func NewServer(ring *KeyRing, store Store) *Server {
	bans := NewBanList(ring, store)
	poster := NewPoster(ring, store, nil)
	poster.Gates = []Gate{bans}
	return &Server{
		Store:      store,
		Reconciler: NewReconciler(ring),
		Poster:     poster,
		Auditor:    NewAuditor(ring, store),
		Bans:       bans,
		moderators: make(map[string]Moderator),
	}
}

// AddModerator authorizes token as m.
func (s *Server) AddModerator(token string, m Moderator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moderators[token] = m
}

// SetTLSConfig clones cfg and stores it for use when serving HTTPS requests.
// If cfg is nil a default configuration will be used.
func (s *Server) SetTLSConfig(cfg *tls.Config) {
	if cfg == nil {
		s.tlsConfig = nil
		return
	}
	s.tlsConfig = cfg.Clone()
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (Moderator, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		http.Error(w, "Missing bearer token", http.StatusUnauthorized)
		return Moderator{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for t, m := range s.moderators {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return m, true
		}
	}
	http.Error(w, "Invalid bearer token", http.StatusUnauthorized)
	return Moderator{}, false
}

func (s *Server) authorizeGuild(w http.ResponseWriter, r *http.Request) (Moderator, string, bool) {
	m, ok := s.authenticate(w, r)
	if !ok {
		return Moderator{}, "", false
	}
	guildID := r.PathValue("guild")
	if !m.canModerate(guildID) {
		http.Error(w, "Not a moderator of this guild", http.StatusForbidden)
		return Moderator{}, "", false
	}
	return m, guildID, true
}

func (s *Server) authorizeOwner(w http.ResponseWriter, r *http.Request) (Moderator, bool) {
	m, ok := s.authenticate(w, r)
	if !ok {
		return Moderator{}, false
	}
	if !m.Owner {
		http.Error(w, "Owner access required", http.StatusForbidden)
		return Moderator{}, false
	}
	return m, true
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyBanned):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidBulkDelete):
		return http.StatusBadRequest
	case errors.Is(err, ErrDecryptFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNotAuthor):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

// audit records an entry, encrypting userID as the target when set.
func (s *Server) audit(r *http.Request, guildID, action string, m Moderator, userID string, params map[string]string, success bool) {
	e := AuditEntry{
		GuildID:   guildID,
		Action:    action,
		Moderator: m.ID,
		Params:    params,
		Success:   success,
		At:        s.now(),
	}
	if _, err := s.Auditor.Record(r.Context(), e, userID); err != nil {
		s.logger().Error("append audit entry failed", "action", action, "error", err)
	}
}

// HandleTrace handles POST /api/v1/guilds/{guild}/trace.
func (s *Server) HandleTrace(w http.ResponseWriter, r *http.Request) {
	m, guildID, ok := s.authorizeGuild(w, r)
	if !ok {
		return
	}
	var req TraceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MessageID == "" {
		http.Error(w, "Invalid request: message_id is required", http.StatusBadRequest)
		return
	}
	params := map[string]string{"message_id": req.MessageID}

	post, err := s.Store.PostByMessage(r.Context(), guildID, req.MessageID)
	if err != nil {
		s.audit(r, guildID, "trace", m, "", params, false)
		http.Error(w, fmt.Sprintf("Trace failed: %v", err), statusOf(err))
		return
	}
	userID, err := s.Reconciler.TraceOne(post)
	if err != nil {
		s.audit(r, guildID, "trace", m, "", params, false)
		http.Error(w, fmt.Sprintf("Trace failed: %v", err), statusOf(err))
		return
	}
	s.audit(r, guildID, "trace", m, userID, params, true)
	writeJSON(w, TraceResult{
		UserID:     userID,
		Pseudonym:  post.Pseudonym,
		MessageID:  post.MessageID,
		KeyVersion: post.Identity.KeyVersion,
		CreatedAt:  post.CreatedAt,
	})
}

func (s *Server) decodeSearch(w http.ResponseWriter, r *http.Request) (SearchRequest, PostFilter, bool) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "Invalid request: user_id is required", http.StatusBadRequest)
		return req, PostFilter{}, false
	}
	if req.Days == 0 {
		req.Days = DefaultSearchDays
	}
	if req.Days < 1 || req.Days > MaxSearchDays {
		http.Error(w, fmt.Sprintf("Invalid request: days must be between 1 and %d", MaxSearchDays), http.StatusBadRequest)
		return req, PostFilter{}, false
	}
	f := PostFilter{Since: s.now().Add(-time.Duration(req.Days) * 24 * time.Hour)}
	switch req.Deleted {
	case "", "exclude":
		f.Deleted = ExcludeDeleted
	case "include":
		f.Deleted = IncludeDeleted
	case "only":
		f.Deleted = OnlyDeleted
	default:
		http.Error(w, "Invalid request: deleted must be exclude, include or only", http.StatusBadRequest)
		return req, PostFilter{}, false
	}
	return req, f, true
}

func searchParams(req SearchRequest, matches int) map[string]string {
	return map[string]string{
		"days":    strconv.Itoa(req.Days),
		"deleted": req.Deleted,
		"matches": strconv.Itoa(matches),
	}
}

func searchResult(posts []Post) SearchResult {
	out := SearchResult{Count: len(posts), Posts: make([]PostView, 0, len(posts))}
	for _, p := range posts {
		out.Posts = append(out.Posts, viewOf(p))
	}
	return out
}

// HandleSearch handles POST /api/v1/guilds/{guild}/search.
func (s *Server) HandleSearch(w http.ResponseWriter, r *http.Request) {
	m, guildID, ok := s.authorizeGuild(w, r)
	if !ok {
		return
	}
	req, f, ok := s.decodeSearch(w, r)
	if !ok {
		return
	}
	posts, err := s.Reconciler.SearchGuild(r.Context(), s.Store, guildID, req.UserID, f)
	if err != nil {
		s.audit(r, guildID, "search", m, req.UserID, searchParams(req, 0), false)
		http.Error(w, fmt.Sprintf("Search failed: %v", err), statusOf(err))
		return
	}
	s.audit(r, guildID, "search", m, req.UserID, searchParams(req, len(posts)), true)
	writeJSON(w, searchResult(posts))
}

// HandleGlobalSearch handles POST /api/v1/global/search. Owners only.
func (s *Server) HandleGlobalSearch(w http.ResponseWriter, r *http.Request) {
	m, ok := s.authorizeOwner(w, r)
	if !ok {
		return
	}
	req, f, ok := s.decodeSearch(w, r)
	if !ok {
		return
	}
	posts, err := s.Reconciler.SearchGlobal(r.Context(), s.Store, req.UserID, f)
	if err != nil {
		s.audit(r, "", "global_search", m, req.UserID, searchParams(req, 0), false)
		http.Error(w, fmt.Sprintf("Search failed: %v", err), statusOf(err))
		return
	}
	s.audit(r, "", "global_search", m, req.UserID, searchParams(req, len(posts)), true)
	writeJSON(w, searchResult(posts))
}

// HandleDelete handles DELETE /api/v1/guilds/{guild}/posts/{message}.
func (s *Server) HandleDelete(w http.ResponseWriter, r *http.Request) {
	m, guildID, ok := s.authorizeGuild(w, r)
	if !ok {
		return
	}
	messageID := r.PathValue("message")
	params := map[string]string{"message_id": messageID}
	err := s.Poster.Delete(r.Context(), DeleteRequest{GuildID: guildID, MessageID: messageID, Admin: true})
	if err != nil {
		s.audit(r, guildID, "delete", m, "", params, false)
		http.Error(w, fmt.Sprintf("Delete failed: %v", err), statusOf(err))
		return
	}
	s.audit(r, guildID, "delete", m, "", params, true)
	writeJSON(w, map[string]string{"status": "deleted", "message_id": messageID})
}

// HandleBan handles POST /api/v1/guilds/{guild}/ban.
func (s *Server) HandleBan(w http.ResponseWriter, r *http.Request) {
	m, guildID, ok := s.authorizeGuild(w, r)
	if !ok {
		return
	}
	s.handleBan(w, r, m, guildID, true)
}

// HandleUnban handles POST /api/v1/guilds/{guild}/unban.
func (s *Server) HandleUnban(w http.ResponseWriter, r *http.Request) {
	m, guildID, ok := s.authorizeGuild(w, r)
	if !ok {
		return
	}
	s.handleBan(w, r, m, guildID, false)
}

// HandleGlobalBan handles POST /api/v1/global/ban. Owners only.
func (s *Server) HandleGlobalBan(w http.ResponseWriter, r *http.Request) {
	m, ok := s.authorizeOwner(w, r)
	if !ok {
		return
	}
	s.handleBan(w, r, m, "", true)
}

// HandleGlobalUnban handles POST /api/v1/global/unban. Owners only.
func (s *Server) HandleGlobalUnban(w http.ResponseWriter, r *http.Request) {
	m, ok := s.authorizeOwner(w, r)
	if !ok {
		return
	}
	s.handleBan(w, r, m, "", false)
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request, m Moderator, guildID string, ban bool) {
	var req BanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "Invalid request: user_id is required", http.StatusBadRequest)
		return
	}
	action, status := "unban", "unbanned"
	if ban {
		action, status = "ban", "banned"
	}
	if guildID == "" {
		action = "global_" + action
	}
	var params map[string]string
	if req.Reason != "" {
		params = map[string]string{"reason": req.Reason}
	}

	var err error
	if ban {
		err = s.Bans.Ban(r.Context(), guildID, req.UserID, m.ID, req.Reason)
	} else {
		err = s.Bans.Unban(r.Context(), guildID, req.UserID)
	}
	s.audit(r, guildID, action, m, req.UserID, params, err == nil)
	if err != nil {
		http.Error(w, fmt.Sprintf("%s failed: %v", action, err), statusOf(err))
		return
	}
	writeJSON(w, map[string]string{"status": status})
}

// HandleBulkDelete handles POST /api/v1/guilds/{guild}/bulk-delete.
func (s *Server) HandleBulkDelete(w http.ResponseWriter, r *http.Request) {
	m, guildID, ok := s.authorizeGuild(w, r)
	if !ok {
		return
	}
	var body BulkDeleteBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req := BulkDeleteRequest{
		GuildID:       guildID,
		ChannelID:     body.ChannelID,
		UserID:        body.UserID,
		Hours:         body.Hours,
		Contains:      body.Contains,
		Pseudonym:     body.Pseudonym,
		ConvertedOnly: body.ConvertedOnly,
		Limit:         body.Limit,
		DryRun:        body.DryRun == nil || *body.DryRun,
	}
	params := map[string]string{
		"channel_id":     req.ChannelID,
		"hours":          strconv.Itoa(req.Hours),
		"contains":       req.Contains,
		"pseudonym":      req.Pseudonym,
		"converted_only": strconv.FormatBool(req.ConvertedOnly),
		"limit":          strconv.Itoa(req.Limit),
		"dry_run":        strconv.FormatBool(req.DryRun),
	}

	res, err := s.Reconciler.BulkDelete(r.Context(), s.Store, req, s.now())
	params["matched"] = strconv.Itoa(len(res.Matched))
	params["deleted"] = strconv.Itoa(res.Deleted)
	s.audit(r, guildID, "bulk_delete", m, req.UserID, params, err == nil)
	if err != nil {
		http.Error(w, fmt.Sprintf("Bulk delete failed: %v", err), statusOf(err))
		return
	}
	out := BulkDeleteResponse{
		DryRun:  req.DryRun,
		Matched: len(res.Matched),
		Deleted: res.Deleted,
		Posts:   make([]PostView, 0, len(res.Matched)),
	}
	for _, p := range res.Matched {
		out.Posts = append(out.Posts, viewOf(p))
	}
	writeJSON(w, out)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return 0, false
		}
		limit = n
	}
	return limit, true
}

func (s *Server) writeAudit(w http.ResponseWriter, r *http.Request, guildID string, limit int) {
	entries, err := s.Store.ListAudit(r.Context(), guildID, limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("List audit failed: %v", err), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []AuditEntry{}
	}
	writeJSON(w, entries)
}

// HandleAudit handles GET /api/v1/guilds/{guild}/audit?limit=N.
func (s *Server) HandleAudit(w http.ResponseWriter, r *http.Request) {
	_, guildID, ok := s.authorizeGuild(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	s.writeAudit(w, r, guildID, limit)
}

// HandleGlobalAudit handles GET /api/v1/global/audit?limit=N. It lists every
// guild's entries together with the global ones. Owners only.
func (s *Server) HandleGlobalAudit(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorizeOwner(w, r); !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	s.writeAudit(w, r, "", limit)
}

// HandleVerifyAudit handles GET /api/v1/global/audit/verify. Owners only.
func (s *Server) HandleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorizeOwner(w, r); !ok {
		return
	}
	n, err := s.Auditor.Verify(r.Context())
	switch {
	case err == nil:
		writeJSON(w, AuditVerification{OK: true, Entries: n})
	case errors.Is(err, ErrAuditGap), errors.Is(err, ErrAuditTagMismatch):
		s.logger().Error("audit chain verification failed", "error", err)
		writeJSON(w, AuditVerification{Error: err.Error()})
	default:
		http.Error(w, fmt.Sprintf("Verify failed: %v", err), http.StatusInternalServerError)
	}
}

// SetupRoutes configures HTTP routes for the moderation API.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	s.Reconciler.Logger, s.Reconciler.Metrics = s.Logger, s.Metrics
	s.Poster.Logger, s.Poster.Metrics = s.Logger, s.Metrics
	s.Auditor.Logger, s.Auditor.Now = s.Logger, s.Now
	mux.HandleFunc("POST /api/v1/guilds/{guild}/trace", s.HandleTrace)
	mux.HandleFunc("POST /api/v1/guilds/{guild}/search", s.HandleSearch)
	mux.HandleFunc("DELETE /api/v1/guilds/{guild}/posts/{message}", s.HandleDelete)
	mux.HandleFunc("POST /api/v1/guilds/{guild}/bulk-delete", s.HandleBulkDelete)
	mux.HandleFunc("POST /api/v1/guilds/{guild}/ban", s.HandleBan)
	mux.HandleFunc("POST /api/v1/guilds/{guild}/unban", s.HandleUnban)
	mux.HandleFunc("GET /api/v1/guilds/{guild}/audit", s.HandleAudit)
	mux.HandleFunc("POST /api/v1/global/search", s.HandleGlobalSearch)
	mux.HandleFunc("POST /api/v1/global/ban", s.HandleGlobalBan)
	mux.HandleFunc("POST /api/v1/global/unban", s.HandleGlobalUnban)
	mux.HandleFunc("GET /api/v1/global/audit", s.HandleGlobalAudit)
	mux.HandleFunc("GET /api/v1/global/audit/verify", s.HandleVerifyAudit)
	if s.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}))
	}
}

// Handler returns a mux with every route installed.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return mux
}

func (s *Server) tlsConfigWithDefaults() *tls.Config {
	if s.tlsConfig == nil {
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg := s.tlsConfig.Clone()
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}

// HTTPServer returns an http.Server for addr with the routes and TLS defaults installed.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		TLSConfig:         s.tlsConfigWithDefaults(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
