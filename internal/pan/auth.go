package pan

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mkallio/panbackup/internal/tokenstore"
)

// Default vendor endpoints. Overridden in tests.
const (
	defaultOAuthBaseURL = "https://openapi.baidu.com/oauth/2.0"
	defaultAPIBaseURL   = "https://pan.baidu.com/rest/2.0/xpan"
)

// expiryMargin is subtracted from the vendor-reported token lifetime so a
// token is proactively treated as stale before the vendor rejects it.
// Policy constant, not part of any vendor contract.
const expiryMargin = 300 * time.Second

// oauthScope is the scope pair Baidu requires for netdisk access.
const oauthScope = "basic,netdisk"

// CodePrompt collects the one-time authorization code from the operator.
// The production implementation blocks on standard input; tests supply a
// fixed code.
type CodePrompt interface {
	ReadCode(authURL string) (string, error)
}

// StdinPrompt prints the authorization URL and instructions to Out, then
// blocks on one line from In. There is no timeout.
type StdinPrompt struct {
	In  io.Reader
	Out io.Writer
}

func (p *StdinPrompt) ReadCode(authURL string) (string, error) {
	fmt.Fprintf(p.Out, "Authorization required.\n")
	fmt.Fprintf(p.Out, "1. Open this URL in your browser:\n   %s\n", authURL)
	fmt.Fprintf(p.Out, "2. Log in and authorize; you will receive an authorization code.\n")
	fmt.Fprintf(p.Out, "3. Paste the code here and press Enter: ")

	line, err := bufio.NewReader(p.In).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("pan: reading authorization code: %w", err)
	}

	return strings.TrimSpace(line), nil
}

// TokenManager owns the credential lifecycle for one Pan account: loading
// the persisted credential, refreshing it when stale, and falling back to
// the interactive authorization flow when refresh is impossible.
//
// A TokenManager is not safe for concurrent use; a single goroutine owns
// it for the duration of a run, matching the single owner of the backing
// credential store.
type TokenManager struct {
	appKey     string
	appSecret  string
	store      tokenstore.Store
	prompt     CodePrompt
	httpClient *http.Client
	logger     *slog.Logger

	// Test seams.
	oauthBase string
	apiBase   string
	now       func() time.Time

	cred *tokenstore.Credential
}

// NewTokenManager creates a TokenManager. Call Initialize before requesting
// tokens. httpClient may be nil (http.DefaultClient); logger may be nil.
func NewTokenManager(
	appKey, appSecret string,
	store tokenstore.Store,
	prompt CodePrompt,
	httpClient *http.Client,
	logger *slog.Logger,
) *TokenManager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &TokenManager{
		appKey:     appKey,
		appSecret:  appSecret,
		store:      store,
		prompt:     prompt,
		httpClient: httpClient,
		logger:     logger,
		oauthBase:  defaultOAuthBaseURL,
		apiBase:    defaultAPIBaseURL,
		now:        time.Now,
	}
}

// Initialize loads the persisted credential and brings it to a usable state:
//
//   - no credential on disk: run the interactive authorization flow
//   - credential expired: refresh, falling back to the interactive flow if
//     the refresh fails (e.g. the refresh token itself expired)
//   - credential valid: no network action
//
// A corrupt store file is a hard failure (tokenstore.ErrCorrupt), never
// treated as absent.
func (m *TokenManager) Initialize(ctx context.Context) error {
	cred, err := m.store.Load()
	if err != nil {
		return err
	}

	m.cred = cred

	switch {
	case m.cred == nil:
		m.logger.Info("no local credential found, starting authorization flow")

		return m.AuthorizeInteractively(ctx)

	case !m.tokenValid():
		m.logger.Info("access token expired, attempting refresh")

		if refreshErr := m.Refresh(ctx); refreshErr != nil {
			m.logger.Warn("token refresh failed, falling back to interactive authorization",
				slog.String("error", refreshErr.Error()),
			)

			return m.AuthorizeInteractively(ctx)
		}

		m.logger.Info("access token refreshed during init")

		return nil

	default:
		m.logger.Debug("stored credential still valid",
			slog.Time("expires_at", m.cred.ExpiresAt),
		)

		return nil
	}
}

// AccessToken returns a currently valid access token, refreshing first if
// the stored one has passed its (margin-adjusted) expiry. Fails with
// ErrNoRefreshToken if the token is expired and no refresh token is stored;
// the caller must re-run the interactive flow.
func (m *TokenManager) AccessToken(ctx context.Context) (string, error) {
	if m.cred == nil {
		return "", ErrNoCredential
	}

	if !m.tokenValid() {
		if err := m.Refresh(ctx); err != nil {
			return "", err
		}
	}

	return m.cred.AccessToken, nil
}

// Refresh exchanges the stored refresh token for a new access/refresh token
// pair and persists the result atomically.
func (m *TokenManager) Refresh(ctx context.Context) error {
	if m.cred == nil || m.cred.RefreshToken == "" {
		return ErrNoRefreshToken
	}

	m.logger.Info("refreshing access token")

	q := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {m.cred.RefreshToken},
		"client_id":     {m.appKey},
		"client_secret": {m.appSecret},
	}

	tr, err := m.requestToken(ctx, q)
	if err != nil {
		return err
	}

	if err := m.saveToken(tr); err != nil {
		return err
	}

	m.logger.Info("access token refreshed",
		slog.Time("expires_at", m.cred.ExpiresAt),
	)

	return nil
}

// AuthorizeInteractively runs the blocking authorization-code flow: print
// the authorization URL, collect the code through the CodePrompt, exchange
// it for tokens, persist them, and verify the fresh token against the
// account identity endpoint.
func (m *TokenManager) AuthorizeInteractively(ctx context.Context) error {
	code, err := m.prompt.ReadCode(m.authorizationURL())
	if err != nil {
		return err
	}

	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("pan: empty authorization code")
	}

	m.logger.Info("exchanging authorization code for tokens")

	q := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {m.appKey},
		"client_secret": {m.appSecret},
		"redirect_uri":  {"oob"},
	}

	tr, err := m.requestToken(ctx, q)
	if err != nil {
		return err
	}

	if err := m.saveToken(tr); err != nil {
		return err
	}

	// Verify the fresh token by fetching account identity.
	info, err := m.UserInfo(ctx)
	if err != nil {
		return err
	}

	m.logger.Info("authorization successful",
		slog.String("account", info.DisplayName),
		slog.Uint64("total_bytes", info.TotalBytes),
		slog.Uint64("used_bytes", info.UsedBytes),
	)

	return nil
}

// UserInfo fetches the account identity and quota. A non-zero vendor errno
// is reported as ErrVerificationFailed.
func (m *TokenManager) UserInfo(ctx context.Context) (*AccountInfo, error) {
	tok, err := m.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	reqURL := m.apiBase + "/nas?method=uinfo&access_token=" + url.QueryEscape(tok)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("pan: creating uinfo request: %w", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pan: uinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	var ui userInfoResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&ui); decErr != nil {
		return nil, fmt.Errorf("pan: decoding uinfo response: %w", decErr)
	}

	if ui.Errno != 0 {
		return nil, &APIError{Op: "uinfo", Errno: ui.Errno, Err: ErrVerificationFailed}
	}

	return &AccountInfo{
		DisplayName: ui.BaiduName,
		TotalBytes:  ui.Total,
		UsedBytes:   ui.Used,
	}, nil
}

// authorizationURL builds the URL the operator must visit to obtain an
// authorization code. redirect_uri=oob makes the vendor display the code
// instead of redirecting.
func (m *TokenManager) authorizationURL() string {
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {m.appKey},
		"redirect_uri":  {"oob"},
		"scope":         {oauthScope},
	}

	return m.oauthBase + "/authorize?" + q.Encode()
}

// requestToken calls the token endpoint with the given query parameters and
// decodes the response, mapping the vendor's error pair to an OAuthError.
// The Baidu token endpoint is GET-based with credentials in the query.
func (m *TokenManager) requestToken(ctx context.Context, q url.Values) (*tokenResponse, error) {
	reqURL := m.oauthBase + "/token?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("pan: creating token request: %w", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pan: token request failed: %w", err)
	}
	defer resp.Body.Close()

	var tr tokenResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&tr); decErr != nil {
		return nil, fmt.Errorf("pan: decoding token response: %w", decErr)
	}

	if tr.Error != "" {
		return nil, &OAuthError{Code: tr.Error, Description: tr.ErrorDescription}
	}

	if tr.AccessToken == "" {
		return nil, fmt.Errorf("pan: token response missing access_token")
	}

	return &tr, nil
}

// saveToken builds a Credential from a token response, persists it, and
// installs it as the live credential. The whole record is overwritten, never
// partially mutated. A refresh response that omits refresh_token keeps the
// previously stored one.
func (m *TokenManager) saveToken(tr *tokenResponse) error {
	cred := &tokenstore.Credential{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    m.now().Add(time.Duration(tr.ExpiresIn)*time.Second - expiryMargin),
	}

	if cred.RefreshToken == "" && m.cred != nil {
		cred.RefreshToken = m.cred.RefreshToken
	}

	if err := m.store.Save(cred); err != nil {
		return err
	}

	m.cred = cred

	m.logger.Debug("credential persisted",
		slog.Time("expires_at", cred.ExpiresAt),
	)

	return nil
}

// tokenValid reports whether the live credential exists and has not passed
// its margin-adjusted expiry.
func (m *TokenManager) tokenValid() bool {
	return m.cred != nil && m.now().Before(m.cred.ExpiresAt)
}
