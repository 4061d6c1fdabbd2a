package portal

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/bloko-capital/fundsync/internal/catalog"
	"github.com/bloko-capital/fundsync/internal/report"
	"github.com/bloko-capital/fundsync/internal/resilience"
)

const (
	// batchLinkLabel is the menu entry that opens the portal's date-range
	// download dialog.
	batchLinkLabel = "Download em Lote"
	// batchConfirmLabel is the text on the dialog's confirm control.
	batchConfirmLabel = "Download"

	loginPath     = "/login"
	dashboardHint = "dashboard"

	webTimeout = 60 * time.Second
)

// WebSession drives the portal through its HTML surface: form login,
// link navigation by visible text, and file downloads through the same
// cookie-authenticated client. It mirrors what an operator's browser
// does, which keeps it working when the JSON API is gated.
type WebSession struct {
	id      int
	creds   Credentials
	client  *http.Client
	fs      afero.Fs
	scratch string
	log     *zap.Logger

	mu     sync.Mutex
	authed bool
	closed bool

	// Downloads stream in the background so the caller can watch the
	// scratch directory instead of blocking on the transfer.
	ctx      context.Context
	cancel   context.CancelFunc
	transfer sync.WaitGroup
}

// NewWebSession creates a web transport bound to scratchDir on fs.
func NewWebSession(id int, creds Credentials, fs afero.Fs, scratchDir string) (*WebSession, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, eris.Wrap(err, "portal: create cookie jar")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WebSession{
		id:      id,
		creds:   creds,
		client:  &http.Client{Jar: jar, Timeout: webTimeout},
		fs:      fs,
		scratch: scratchDir,
		log:     zap.L().Named("web").With(zap.Int("session", id)),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Authenticate performs the portal's form login. Success is recognized
// the same way an operator does: the portal lands on the dashboard.
func (s *WebSession) Authenticate(ctx context.Context) error {
	s.mu.Lock()
	if s.authed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	doc, _, err := s.fetchDoc(ctx, s.creds.BaseURL)
	if err != nil {
		return eris.Wrap(err, "portal: load login page")
	}

	action := loginPath
	if form := doc.Find("form").First(); form.Length() > 0 {
		if a, ok := form.Attr("action"); ok && a != "" {
			action = a
		}
	}

	target, err := s.resolve(s.creds.BaseURL, action)
	if err != nil {
		return err
	}

	form := url.Values{
		"email":    {s.creds.Username},
		"password": {s.creds.Password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return eris.Wrap(err, "portal: build login request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "portal: submit login")
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return eris.Wrapf(ErrAuth, "status %d", resp.StatusCode)
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return resilience.NewTransientError(eris.Errorf("portal: login returned %d", resp.StatusCode), resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return eris.Errorf("portal: login returned %d", resp.StatusCode)
	}

	// The portal redirects to the dashboard on success and re-renders the
	// login form on bad credentials.
	if !strings.Contains(strings.ToLower(resp.Request.URL.Path), dashboardHint) {
		return eris.Wrap(ErrAuth, "login did not reach dashboard")
	}

	s.mu.Lock()
	s.authed = true
	s.mu.Unlock()
	s.log.Info("authenticated")
	return nil
}

// Valid checks whether navigating to the portal still shows authenticated
// content rather than a login prompt.
func (s *WebSession) Valid(ctx context.Context) bool {
	s.mu.Lock()
	authed := s.authed
	s.mu.Unlock()
	if !authed {
		return false
	}

	doc, _, err := s.fetchDoc(ctx, s.creds.BaseURL)
	if err != nil {
		return false
	}
	return doc.Find(`input[name="password"]`).Length() == 0
}

// LocateFund finds the fund's link on the dashboard by case-insensitive
// text match on its search token.
func (s *WebSession) LocateFund(ctx context.Context, fund catalog.Fund) (*Locator, error) {
	doc, base, err := s.fetchDoc(ctx, s.creds.BaseURL)
	if err != nil {
		return nil, eris.Wrapf(err, "portal: load dashboard for %s", fund.Name)
	}

	token := strings.ToLower(fund.Token)
	var href string
	doc.Find("a").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if strings.Contains(strings.ToLower(sel.Text()), token) {
			href, _ = sel.Attr("href")
			return false
		}
		return true
	})
	if href == "" {
		return nil, nil
	}

	target, err := s.resolve(base, href)
	if err != nil {
		return nil, err
	}
	return &Locator{FundName: fund.Name, URL: target}, nil
}

// TriggerReport navigates to the fund's detail view and starts the
// download. The artifact appears in the scratch directory; completion is
// the caller's concern.
func (s *WebSession) TriggerReport(ctx context.Context, loc *Locator, typ report.Type, from, to time.Time) error {
	doc, base, err := s.fetchDoc(ctx, loc.URL)
	if err != nil {
		return eris.Wrapf(err, "portal: load fund page %s", loc.FundName)
	}

	if !from.Equal(to) {
		return s.triggerBatch(doc, base, loc, from, to)
	}

	href := controlTarget(doc, typ.Get().ControlLabel)
	if href == "" {
		return eris.Errorf("portal: control %q not found on %s", typ.Get().ControlLabel, loc.FundName)
	}

	target, err := s.resolve(base, href)
	if err != nil {
		return err
	}
	s.startDownload(target, nil)
	return nil
}

// triggerBatch runs the date-range sub-protocol: fill the dialog's date
// inputs and confirm. The dialog's own form is preferred; when the portal
// renders the dialog without one, the batch link target accepts the same
// POST.
func (s *WebSession) triggerBatch(doc *goquery.Document, base string, loc *Locator, from, to time.Time) error {
	action := controlTarget(doc.Find("div.modal").First(), batchConfirmLabel)
	if action == "" {
		if form := doc.Find("div.modal form").First(); form.Length() > 0 {
			action = form.AttrOr("action", "")
		}
	}
	if action == "" {
		action = controlTarget(doc, batchLinkLabel)
	}
	if action == "" {
		return eris.Errorf("portal: batch download control not found on %s", loc.FundName)
	}

	target, err := s.resolve(base, action)
	if err != nil {
		return err
	}

	form := url.Values{
		"dataInicial": {from.Format("2006-01-02")},
		"dataFinal":   {to.Format("2006-01-02")},
	}
	s.startDownload(target, form)
	return nil
}

// ScratchDir returns the session's private download directory.
func (s *WebSession) ScratchDir() string {
	return s.scratch
}

// Close aborts in-flight transfers and releases the session. Idempotent.
func (s *WebSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.authed = false
	s.mu.Unlock()

	s.cancel()
	s.transfer.Wait()
	s.client.CloseIdleConnections()
	s.log.Debug("session closed")
	return nil
}

// startDownload streams the response into the scratch directory in the
// background, writing to a .partial name and renaming into place when the
// last byte arrives, so a half-written file is never mistaken for a
// finished artifact.
func (s *WebSession) startDownload(target string, form url.Values) {
	s.transfer.Add(1)
	go func() {
		defer s.transfer.Done()
		if err := s.download(target, form); err != nil {
			s.log.Warn("download failed", zap.String("url", target), zap.Error(err))
		}
	}()
}

func (s *WebSession) download(target string, form url.Values) error {
	var req *http.Request
	var err error
	if form != nil {
		req, err = http.NewRequestWithContext(s.ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(s.ctx, http.MethodGet, target, nil)
	}
	if err != nil {
		return eris.Wrap(err, "build download request")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "request download")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("download returned %d", resp.StatusCode)
	}

	name := downloadName(resp)
	partial := filepath.Join(s.scratch, name+".partial")
	final := filepath.Join(s.scratch, name)

	out, err := s.fs.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return eris.Wrapf(err, "create %s", partial)
	}

	_, copyErr := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if copyErr != nil {
		_ = s.fs.Remove(partial)
		return eris.Wrap(copyErr, "stream download")
	}
	if closeErr != nil {
		_ = s.fs.Remove(partial)
		return eris.Wrap(closeErr, "flush download")
	}

	if err := s.fs.Rename(partial, final); err != nil {
		return eris.Wrapf(err, "finalize %s", final)
	}
	s.log.Debug("download complete", zap.String("file", name))
	return nil
}

// fetchDoc GETs a page and parses it. Returns the final URL so relative
// links resolve correctly after redirects.
func (s *WebSession) fetchDoc(ctx context.Context, target string) (*goquery.Document, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", eris.Wrap(err, "build request")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", eris.Wrap(err, "request page")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return nil, "", resilience.NewTransientError(eris.Errorf("page returned %d", resp.StatusCode), resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", eris.Errorf("page returned %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, "", eris.Wrap(err, "parse page")
	}
	return doc, resp.Request.URL.String(), nil
}

func (s *WebSession) resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", eris.Wrapf(err, "portal: parse base url %s", base)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", eris.Wrapf(err, "portal: parse link %s", ref)
	}
	return b.ResolveReference(r).String(), nil
}

// controlTarget finds a link-like control by visible text (case
// insensitive) within sel and returns its navigation target.
func controlTarget(sel interface {
	Find(string) *goquery.Selection
}, label string) string {
	lower := strings.ToLower(label)
	var href string
	sel.Find("a, button").EachWithBreak(func(_ int, el *goquery.Selection) bool {
		if !strings.Contains(strings.ToLower(el.Text()), lower) {
			return true
		}
		if h, ok := el.Attr("href"); ok && h != "" {
			href = h
			return false
		}
		if h, ok := el.Attr("data-url"); ok && h != "" {
			href = h
			return false
		}
		return true
	})
	return href
}

// downloadName derives the artifact's filename from Content-Disposition,
// falling back to the URL path.
func downloadName(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return filepath.Base(name)
			}
		}
	}
	if name := path.Base(resp.Request.URL.Path); name != "." && name != "/" {
		return name
	}
	return "download.bin"
}
