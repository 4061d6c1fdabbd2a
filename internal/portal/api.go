package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bloko-capital/fundsync/internal/catalog"
	"github.com/bloko-capital/fundsync/internal/report"
	"github.com/bloko-capital/fundsync/internal/resilience"
)

const (
	authorizePath = "/api/v1/authorize"
	positionsPath = "/api/v1/fundos-posicao"

	apiTimeout = 60 * time.Second
	// apiRate keeps a session under the portal's per-client throttle.
	apiRate = rate.Limit(4)
)

// APISession drives the portal's JSON API directly: bearer-token auth,
// fund lookup by listing positions, and synchronous file downloads. It is
// faster than the web transport but depends on the API staying open.
type APISession struct {
	id      int
	creds   Credentials
	client  *http.Client
	fs      afero.Fs
	scratch string
	limiter *rate.Limiter
	log     *zap.Logger

	mu    sync.Mutex
	token string
}

// NewAPISession creates an API transport bound to scratchDir on fs.
func NewAPISession(id int, creds Credentials, fs afero.Fs, scratchDir string) (*APISession, error) {
	if creds.BaseURL == "" {
		return nil, eris.New("portal: api session requires a base url")
	}
	return &APISession{
		id:      id,
		creds:   creds,
		client:  &http.Client{Timeout: apiTimeout},
		fs:      fs,
		scratch: scratchDir,
		limiter: rate.NewLimiter(apiRate, 1),
		log:     zap.L().Named("api").With(zap.Int("session", id)),
	}, nil
}

// Authenticate exchanges credentials for a bearer token.
func (s *APISession) Authenticate(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"email":    s.creds.Username,
		"password": s.creds.Password,
	})
	if err != nil {
		return eris.Wrap(err, "portal: encode credentials")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.creds.BaseURL+authorizePath, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "portal: build authorize request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "portal: authorize")
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return eris.Wrapf(ErrAuth, "status %d", resp.StatusCode)
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return resilience.NewTransientError(eris.Errorf("portal: authorize returned %d", resp.StatusCode), resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return eris.Errorf("portal: authorize returned %d", resp.StatusCode)
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return eris.Wrap(err, "portal: decode authorize response")
	}

	token := firstString(payload, "access_token", "token", "accessToken")
	if token == "" {
		return eris.Wrap(ErrAuth, "authorize response carried no token")
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	s.log.Info("authenticated")
	return nil
}

// Valid reports whether the session holds a token the portal still
// accepts.
func (s *APISession) Valid(ctx context.Context) bool {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	if token == "" {
		return false
	}

	resp, err := s.get(ctx, positionsPath, nil)
	if err != nil {
		return false
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// LocateFund lists the portal's positions and matches the fund's search
// token against each entry's name.
func (s *APISession) LocateFund(ctx context.Context, fund catalog.Fund) (*Locator, error) {
	resp, err := s.get(ctx, positionsPath, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "portal: list positions for %s", fund.Name)
	}
	defer resp.Body.Close() //nolint:errcheck

	if err := s.checkStatus(resp, "list positions"); err != nil {
		return nil, err
	}

	var payload any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, eris.Wrap(err, "portal: decode positions")
	}

	token := strings.ToLower(fund.Token)
	for _, entry := range listEntries(payload) {
		name := firstString(entry, "nome", "nomeFundo", "name")
		if !strings.Contains(strings.ToLower(name), token) {
			continue
		}
		id := firstString(entry, "uuid", "guid", "id")
		if id == "" {
			continue
		}
		return &Locator{FundName: fund.Name, ID: id}, nil
	}
	return nil, nil
}

// TriggerReport lists the fund's files of the requested kind, filters
// them to the date range, and downloads each into the scratch directory.
// Unlike the web transport the transfer is synchronous; files still pass
// through a .partial name so the collection phase sees the same shape.
func (s *APISession) TriggerReport(ctx context.Context, loc *Locator, typ report.Type, from, to time.Time) error {
	query := url.Values{
		"tipo": {typ.Get().APIParam},
		"p":    {"0"},
	}
	resp, err := s.get(ctx, fmt.Sprintf("%s/%s/arquivos", positionsPath, loc.ID), query)
	if err != nil {
		return eris.Wrapf(err, "portal: list files for %s", loc.FundName)
	}
	defer resp.Body.Close() //nolint:errcheck

	if err := s.checkStatus(resp, "list files"); err != nil {
		return err
	}

	var payload any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return eris.Wrap(err, "portal: decode file list")
	}

	matched := 0
	for _, entry := range listEntries(payload) {
		ref, ok := entryDate(entry)
		if ok && (ref.Before(from) || ref.After(to)) {
			continue
		}
		guid := firstString(entry, "guid", "id")
		if guid == "" {
			continue
		}
		name := firstString(entry, "nome", "nomeArquivo")
		if name == "" {
			name = guid + typ.Extension()
		}
		if err := s.downloadFile(ctx, guid, name); err != nil {
			return eris.Wrapf(err, "portal: download %s", name)
		}
		matched++
	}
	if matched == 0 {
		s.log.Debug("no files in range",
			zap.String("fund", loc.FundName),
			zap.String("type", typ.String()))
	}
	return nil
}

// ScratchDir returns the session's private download directory.
func (s *APISession) ScratchDir() string {
	return s.scratch
}

// Close drops the token. The API is stateless so there is nothing to
// revoke.
func (s *APISession) Close() error {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
	s.client.CloseIdleConnections()
	return nil
}

func (s *APISession) downloadFile(ctx context.Context, guid, name string) error {
	resp, err := s.get(ctx, fmt.Sprintf("%s/arquivo/%s", positionsPath, guid), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if err := s.checkStatus(resp, "download"); err != nil {
		return err
	}

	partial := filepath.Join(s.scratch, filepath.Base(name)+".partial")
	final := filepath.Join(s.scratch, filepath.Base(name))

	out, err := s.fs.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return eris.Wrapf(err, "create %s", partial)
	}

	_, copyErr := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if copyErr != nil {
		_ = s.fs.Remove(partial)
		return eris.Wrap(copyErr, "stream file")
	}
	if closeErr != nil {
		_ = s.fs.Remove(partial)
		return eris.Wrap(closeErr, "flush file")
	}

	if err := s.fs.Rename(partial, final); err != nil {
		return eris.Wrapf(err, "finalize %s", final)
	}
	s.log.Debug("download complete", zap.String("file", filepath.Base(name)))
	return nil
}

func (s *APISession) get(ctx context.Context, apiPath string, query url.Values) (*http.Response, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "portal: rate limit wait")
	}

	target := s.creds.BaseURL + apiPath
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, eris.Wrap(err, "portal: build request")
	}

	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "portal: request")
	}
	return resp, nil
}

func (s *APISession) checkStatus(resp *http.Response, op string) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		s.mu.Lock()
		s.token = ""
		s.mu.Unlock()
		return eris.Wrapf(ErrAuth, "%s returned %d", op, resp.StatusCode)
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return resilience.NewTransientError(eris.Errorf("portal: %s returned %d", op, resp.StatusCode), resp.StatusCode)
	default:
		return eris.Errorf("portal: %s returned %d", op, resp.StatusCode)
	}
}

// listEntries unwraps the API's varying envelope shapes. Lists arrive
// bare, or under content, items, or data depending on the endpoint
// version.
func listEntries(payload any) []map[string]any {
	unwrap := func(v any) []map[string]any {
		raw, ok := v.([]any)
		if !ok {
			return nil
		}
		out := make([]map[string]any, 0, len(raw))
		for _, item := range raw {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}

	if entries := unwrap(payload); entries != nil {
		return entries
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return nil
	}
	for _, key := range []string{"content", "items", "data"} {
		if entries := unwrap(obj[key]); entries != nil {
			return entries
		}
	}
	return nil
}

// entryDate parses the entry's reference date, accepting both bare dates
// and full timestamps.
func entryDate(entry map[string]any) (time.Time, bool) {
	raw := firstString(entry, "data", "dataReferencia")
	if raw == "" {
		return time.Time{}, false
	}
	if len(raw) > 10 {
		raw = raw[:10]
	}
	ref, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, false
	}
	return ref, true
}

func firstString(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := obj[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
