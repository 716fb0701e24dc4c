package isolarcloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"time"
)

// refreshSkew renews tokens slightly before the vendor expires them.
const refreshSkew = time.Minute

// ErrNoCredential is returned by ImportCredential when the blob holds no
// usable access token.
var ErrNoCredential = errors.New("isolarcloud: no access token in credential")

// Token is the OAuth credential issued by iSolarCloud.
type Token struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token,omitempty"`
	TokenType    string          `json:"token_type,omitempty"`
	ExpiresIn    int64           `json:"expires_in,omitempty"`
	ExpiresAt    UnixTime        `json:"expires_at"`
	AuthPsList   json.RawMessage `json:"auth_ps_list,omitempty"`
}

func (t *Token) fresh(now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return true
	}
	return now.Add(refreshSkew).Before(t.ExpiresAt.Time)
}

// UnixTime is a timestamp stored as unix seconds. It also decodes RFC 3339
// strings and fractional seconds written by older token files.
type UnixTime struct {
	time.Time
}

func (u UnixTime) MarshalJSON() ([]byte, error) {
	if u.IsZero() {
		return []byte("0"), nil
	}
	return []byte(strconv.FormatInt(u.Unix(), 10)), nil
}

func (u *UnixTime) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		u.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s == "" {
			u.Time = time.Time{}
			return nil
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("expires_at: %w", err)
		}
		u.Time = t
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("expires_at: %w", err)
	}
	if f <= 0 {
		u.Time = time.Time{}
		return nil
	}
	sec, frac := math.Modf(f)
	u.Time = time.Unix(int64(sec), int64(frac*1e9))
	return nil
}

// AuthURL returns the consent page the account owner opens in a browser.
// After approval iSolarCloud redirects to redirectURI with ?code=...
func (c *Client) AuthURL(redirectURI string) string {
	q := url.Values{}
	q.Set("cloudId", strconv.Itoa(c.server.CloudID))
	q.Set("applicationId", c.appID)
	q.Set("redirectUrl", redirectURI)
	return c.server.WebURL + "/#/authorized-app?" + q.Encode()
}

// Authorize exchanges an authorization code for a token.
func (c *Client) Authorize(ctx context.Context, code, redirectURI string) error {
	if code == "" {
		return errors.New("isolarcloud: empty authorization code")
	}
	var tok Token
	err := c.post(ctx, "/openapi/apiManage/token", map[string]any{
		"grant_type":   "authorization_code",
		"code":         code,
		"redirect_uri": redirectURI,
	}, false, &tok)
	if err != nil {
		return fmt.Errorf("authorization code exchange: %w", err)
	}
	if tok.AccessToken == "" {
		return errors.New("isolarcloud: authorization response carried no access token")
	}
	c.stamp(&tok)
	c.setToken(&tok)
	return nil
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (*Token, error) {
	var tok Token
	err := c.post(ctx, "/openapi/apiManage/refreshToken", map[string]any{
		"refresh_token": refreshToken,
	}, false, &tok)
	if err != nil {
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, errors.New("isolarcloud: refresh response carried no access token")
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	c.stamp(&tok)
	return &tok, nil
}

func (c *Client) stamp(tok *Token) {
	if tok.ExpiresIn > 0 {
		tok.ExpiresAt = UnixTime{c.now().Add(time.Duration(tok.ExpiresIn) * time.Second)}
	}
}

// accessToken returns a usable bearer token, refreshing it when it is about
// to expire. Concurrent refreshes collapse into one vendor call.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()

	if tok == nil || tok.AccessToken == "" {
		return "", ErrNotAuthorized
	}
	if tok.fresh(c.now()) || tok.RefreshToken == "" {
		return tok.AccessToken, nil
	}

	v, err, _ := c.refreshes.Do(tok.RefreshToken, func() (any, error) {
		refreshed, err := c.refresh(ctx, tok.RefreshToken)
		if err != nil {
			return nil, err
		}
		c.setToken(refreshed)
		return refreshed.AccessToken, nil
	})
	if err != nil {
		return "", fmt.Errorf("refreshing token: %w", err)
	}
	return v.(string), nil
}

func (c *Client) setToken(tok *Token) {
	c.mu.Lock()
	c.token = tok
	hook := c.onTokenChange
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// OnTokenChange registers fn to run after every authorization or refresh.
func (c *Client) OnTokenChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTokenChange = fn
}

// Authorized reports whether an access token is held.
func (c *Client) Authorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != nil && c.token.AccessToken != ""
}

// ExportCredential serializes the held token. ok is false when there is none.
func (c *Client) ExportCredential() (data []byte, ok bool) {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()
	if tok == nil || tok.AccessToken == "" {
		return nil, false
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return nil, false
	}
	return data, true
}

// legacyCredentialKeys are wrapper keys used by token files from older
// bridge versions, probed in order when the blob is not a bare token.
var legacyCredentialKeys = []string{"token", "tokens", "_token", "_tokens"}

// ImportCredential restores a token previously returned by ExportCredential.
// It does not fire the OnTokenChange hook.
func (c *Client) ImportCredential(data []byte) error {
	tok, err := decodeCredential(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
	return nil
}

func decodeCredential(data []byte) (*Token, error) {
	var tok Token
	if err := json.Unmarshal(data, &tok); err == nil && tok.AccessToken != "" {
		return &tok, nil
	}

	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decoding credential: %w", err)
	}
	for _, key := range legacyCredentialKeys {
		raw, ok := wrapped[key]
		if !ok {
			continue
		}
		var inner Token
		if err := json.Unmarshal(raw, &inner); err == nil && inner.AccessToken != "" {
			return &inner, nil
		}
	}
	return nil, ErrNoCredential
}
