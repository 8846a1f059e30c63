package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ============================================================
// TOKEN MANAGER (password grant, per tenant, cached on disk)
// ============================================================

// tokenSafetyMargin is subtracted from expires_in so a token is never handed
// out in its last minute of life.
const tokenSafetyMargin = 60 * time.Second

// ErrUnauthorized marks an HTTP 401 from the clinical API.
var ErrUnauthorized = errors.New("unauthorized")

// ErrPaginationStalled means the studies listing stopped advancing before
// current_page reached last_page.
var ErrPaginationStalled = errors.New("studies pagination stalled")

// TokenProvider hands out bearer tokens per tenant.
type TokenProvider interface {
	GetToken(ctx context.Context, t Tenant) (string, error)
	RefreshToken(ctx context.Context, t Tenant) (string, error)
}

type tokenState struct {
	mu        sync.Mutex
	token     string
	tokenType string
	expiry    time.Time
}

func (s *tokenState) valid(now time.Time) bool {
	return s.token != "" && now.Before(s.expiry)
}

func (s *tokenState) header() string {
	tt := s.tokenType
	if tt == "" {
		tt = "Bearer"
	}
	return tt + " " + s.token
}

// tokenFile is the on-disk shape of access_token_<tenant key>.json.
type tokenFile struct {
	AccessToken string  `json:"access_token"`
	TokenType   string  `json:"token_type"`
	Expiry      float64 `json:"expiry"`
}

type TokenManager struct {
	dir  string
	http *http.Client
	now  func() time.Time

	mu     sync.Mutex
	states map[string]*tokenState
}

func NewTokenManager(dir string, client *http.Client) *TokenManager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenManager{
		dir:    dir,
		http:   client,
		now:    time.Now,
		states: map[string]*tokenState{},
	}
}

func (tm *TokenManager) state(tenant string) *tokenState {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	st, ok := tm.states[tenant]
	if !ok {
		st = &tokenState{}
		tm.states[tenant] = st
	}
	return st
}

func (tm *TokenManager) cachePath(tenant string) string {
	return filepath.Join(tm.dir, "access_token_"+tenantKey(tenant)+".json")
}

// GetToken returns "<type> <token>" for the tenant, refreshing only when
// neither memory nor disk holds an unexpired token.
func (tm *TokenManager) GetToken(ctx context.Context, t Tenant) (string, error) {
	st := tm.state(t.Name)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.valid(tm.now()) {
		return st.header(), nil
	}
	if tm.loadFromDisk(t.Name, st) && st.valid(tm.now()) {
		return st.header(), nil
	}
	return tm.refreshLocked(ctx, t, st)
}

// RefreshToken forces a new token regardless of what is cached.
func (tm *TokenManager) RefreshToken(ctx context.Context, t Tenant) (string, error) {
	st := tm.state(t.Name)
	st.mu.Lock()
	defer st.mu.Unlock()
	return tm.refreshLocked(ctx, t, st)
}

// TokenStatus reports the cached token state without touching the network.
func (tm *TokenManager) TokenStatus(tenant string) (bool, time.Time) {
	st := tm.state(tenant)
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.valid(tm.now()) {
		tm.loadFromDisk(tenant, st)
	}
	return st.valid(tm.now()), st.expiry
}

func (tm *TokenManager) refreshLocked(ctx context.Context, t Tenant, st *tokenState) (string, error) {
	slog.Info("fetching new access token", "tenant", t.Name)

	data := url.Values{}
	data.Set("grant_type", "password")
	data.Set("client_id", t.ClientID)
	data.Set("client_secret", t.ClientSecret)
	data.Set("username", t.Username)
	data.Set("password", t.Password)

	tokenURL := t.Hostname + "/oauth/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := tm.http.Do(req)
	if err != nil {
		tokenRefreshesTotal.WithLabelValues(t.Name, "error").Inc()
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		tokenRefreshesTotal.WithLabelValues(t.Name, "error").Inc()
		slog.Info("token request rejected", "tenant", t.Name, "status", resp.StatusCode)
		return "", &APIError{Method: http.MethodPost, URL: tokenURL, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result struct {
		AccessToken string      `json:"access_token"`
		TokenType   string      `json:"token_type"`
		ExpiresIn   json.Number `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		tokenRefreshesTotal.WithLabelValues(t.Name, "error").Inc()
		return "", fmt.Errorf("parse token response: %w", err)
	}
	if result.AccessToken == "" {
		tokenRefreshesTotal.WithLabelValues(t.Name, "error").Inc()
		return "", errors.New("token response has no access_token")
	}

	now := tm.now()
	lifetime := tokenLifetime(result.ExpiresIn, result.AccessToken, now)

	st.token = result.AccessToken
	st.tokenType = result.TokenType
	if st.tokenType == "" {
		st.tokenType = "Bearer"
	}
	st.expiry = now.Add(lifetime - tokenSafetyMargin)
	tm.saveToDisk(t.Name, st)

	tokenRefreshesTotal.WithLabelValues(t.Name, "ok").Inc()
	slog.Info("token refreshed", "tenant", t.Name, "expires_in", lifetime.String())
	return st.header(), nil
}

// tokenLifetime prefers expires_in, then the JWT exp claim, then one hour.
func tokenLifetime(expiresIn json.Number, token string, now time.Time) time.Duration {
	if expiresIn != "" {
		if n, err := strconv.ParseFloat(expiresIn.String(), 64); err == nil && n > 0 {
			return time.Duration(n * float64(time.Second))
		}
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		if d := claims.ExpiresAt.Time.Sub(now); d > 0 {
			return d
		}
	}
	return time.Hour
}

func (tm *TokenManager) saveToDisk(tenant string, st *tokenState) {
	data, err := json.Marshal(tokenFile{
		AccessToken: st.token,
		TokenType:   st.tokenType,
		Expiry:      float64(st.expiry.UnixNano()) / float64(time.Second),
	})
	if err == nil {
		err = writeFileAtomic(tm.cachePath(tenant), data, 0o600)
	}
	if err != nil {
		slog.Warn("failed to save token cache", "tenant", tenant, "err", err)
	}
}

func (tm *TokenManager) loadFromDisk(tenant string, st *tokenState) bool {
	data, err := os.ReadFile(tm.cachePath(tenant))
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	if err != nil {
		slog.Warn("failed to load token cache", "tenant", tenant, "err", err)
		return false
	}
	var f tokenFile
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Warn("failed to load token cache", "tenant", tenant, "err", err)
		return false
	}
	st.token = f.AccessToken
	st.tokenType = f.TokenType
	if st.tokenType == "" {
		st.tokenType = "Bearer"
	}
	sec := int64(f.Expiry)
	st.expiry = time.Unix(sec, int64((f.Expiry-float64(sec))*float64(time.Second)))
	return true
}

// withTokenRetry runs op with the tenant's token. On a 401 it refreshes once
// and runs op exactly once more.
func withTokenRetry[T any](ctx context.Context, tokens TokenProvider, t Tenant, op func(token string) (T, error)) (T, error) {
	var zero T
	token, err := tokens.GetToken(ctx, t)
	if err != nil {
		return zero, fmt.Errorf("get token: %w", err)
	}
	out, err := op(token)
	if !errors.Is(err, ErrUnauthorized) {
		return out, err
	}

	slog.Info("token rejected, refreshing", "tenant", t.Name)
	token, err = tokens.RefreshToken(ctx, t)
	if err != nil {
		return zero, fmt.Errorf("refresh after 401: %w", err)
	}
	return op(token)
}

// ============================================================
// CLINICAL API CLIENT
// ============================================================

const studiesPageSize = 1000

// completedStatuses are the study states whose report is final.
var completedStatuses = map[int64]bool{3: true, 4: true, 5: true, 6: true}

// APIError is any non-2xx answer from the clinical API.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, body)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type Study struct {
	SID        flexString  `json:"sid"`
	Status     json.Number `json:"status"`
	PatientMRN flexString  `json:"patient_ie_mrn"`
	RecordedAt string      `json:"recorded_at"`
}

// Completed reports whether the study's report is ready to send.
func (s Study) Completed() bool {
	n, err := s.Status.Int64()
	return err == nil && completedStatuses[n]
}

type studiesPage struct {
	Studies     []Study `json:"studies"`
	CurrentPage int     `json:"current_page"`
	LastPage    int     `json:"last_page"`
}

// StudyAPI is the clinical API surface the loops depend on.
type StudyAPI interface {
	FetchAllStudies(ctx context.Context, hostname, token string) ([]Study, error)
	DownloadReport(ctx context.Context, hostname, token, sid, recipient, dir string) (string, error)
	UploadRoster(ctx context.Context, hostname, token, path string) (map[string]any, error)
}

type ClinicalClient struct {
	http *http.Client
}

func NewClinicalClient(timeout time.Duration) *ClinicalClient {
	return &ClinicalClient{http: &http.Client{Timeout: timeout}}
}

// do sends an authorized request and returns the body of a 2xx response.
func (c *ClinicalClient) do(ctx context.Context, method, rawURL, token string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, &APIError{Method: method, URL: rawURL, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

// FetchAllStudies pages through the tenant's studies, newest first, until the
// server reports the last page.
func (c *ClinicalClient) FetchAllStudies(ctx context.Context, hostname, token string) ([]Study, error) {
	var all []Study
	offset := 0
	for {
		q := url.Values{}
		q.Set("order_by", "studies.recorded_at")
		q.Set("order_by_direction", "DESC")
		q.Set("offset", strconv.Itoa(offset))
		q.Set("limit", strconv.Itoa(studiesPageSize))

		body, err := c.do(ctx, http.MethodGet, hostname+"/api/v1/studies?"+q.Encode(), token, nil, "")
		if err != nil {
			return nil, err
		}
		var page studiesPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("parse studies page at offset %d: %w", offset, err)
		}
		all = append(all, page.Studies...)

		if page.CurrentPage == page.LastPage {
			break
		}
		// A server that never reaches last_page would otherwise loop forever.
		if len(page.Studies) == 0 || page.CurrentPage > page.LastPage {
			slog.Warn("studies pagination stopped early", "current_page", page.CurrentPage, "last_page", page.LastPage)
			return nil, fmt.Errorf("%w: page %d of %d at offset %d", ErrPaginationStalled, page.CurrentPage, page.LastPage, offset)
		}
		offset += studiesPageSize
	}
	return all, nil
}

// DownloadReport writes the study PDF to <dir>/<recipient>.pdf.
func (c *ClinicalClient) DownloadReport(ctx context.Context, hostname, token, sid, recipient, dir string) (string, error) {
	if err := checkRecipientKey(recipient); err != nil {
		return "", err
	}
	body, err := c.do(ctx, http.MethodGet, hostname+"/api/v1/study/pdf/"+url.PathEscape(sid), token, nil, "")
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	path := filepath.Join(dir, recipient+".pdf")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	slog.Info("downloaded report", "sid", sid, "bytes", len(body))
	return path, nil
}

// UploadRoster posts the formatted roster CSV as a multipart file.
func (c *ClinicalClient) UploadRoster(ctx context.Context, hostname, token, path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	body, err := c.do(ctx, http.MethodPost, hostname+"/api/v1/patient-information-entities/import", token, &buf, mw.FormDataContentType())
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("parse upload response: %w", err)
		}
	}
	return result, nil
}

// checkRecipientKey rejects keys that cannot be used as a plain file name.
func checkRecipientKey(recipient string) error {
	if recipient == "" || recipient == "." || recipient == ".." ||
		strings.ContainsAny(recipient, `/\`) || strings.ContainsRune(recipient, 0) {
		return fmt.Errorf("invalid recipient key %q", recipient)
	}
	return nil
}
