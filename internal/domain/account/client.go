package account

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

	"github.com/unihealth/unihealth/internal/domain/records"
	"github.com/unihealth/unihealth/internal/platform/tree"
)

// TokenSetter receives the session token after sign-in. *tree.Remote
// implements it.
type TokenSetter interface {
	SetToken(token string)
}

// Client signs in against a sync server and hands the session token to the
// tree client.
type Client struct {
	identityNotifier

	base   *url.URL
	http   *http.Client
	tokens TokenSetter
}

// NewClient creates a Client for the server at baseURL. tokens may be nil.
func NewClient(baseURL string, tokens TokenSetter, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: u, http: httpClient, tokens: tokens}, nil
}

func (c *Client) SignIn(ctx context.Context, email, password string) (*records.Identity, error) {
	var sess Session
	if err := c.post(ctx, "/auth/signin", Credentials{Email: email, Password: password}, &sess); err != nil {
		return nil, err
	}
	return c.start(&sess), nil
}

// SignUp validates req locally before calling the server.
func (c *Client) SignUp(ctx context.Context, req SignUpRequest) (*records.Identity, error) {
	if req.Role == "" {
		req.Role = records.RolePatient
	}
	if err := records.Validate("sign-up", &req); err != nil {
		return nil, err
	}
	var sess Session
	if err := c.post(ctx, "/auth/signup", req, &sess); err != nil {
		return nil, err
	}
	return c.start(&sess), nil
}

func (c *Client) SignOut(context.Context) error {
	if c.tokens != nil {
		c.tokens.SetToken("")
	}
	c.set(nil)
	return nil
}

func (c *Client) start(sess *Session) *records.Identity {
	if c.tokens != nil {
		c.tokens.SetToken(sess.Token)
	}
	c.set(&sess.Identity)
	id := sess.Identity
	return &id
}

type errorBody struct {
	Message string `json:"message"`
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w: %w", path, tree.ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", path, tree.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: %w: %w", path, tree.ErrUnavailable, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
		return nil
	}

	var eb errorBody
	_ = json.Unmarshal(data, &eb)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrInvalidCredentials
	case http.StatusConflict:
		return ErrEmailTaken
	case http.StatusBadRequest:
		return &records.ValidationError{Entity: strings.TrimPrefix(path, "/auth/"), Err: errors.New(eb.Message)}
	default:
		return fmt.Errorf("%s: %w: status %d", path, tree.ErrUnavailable, resp.StatusCode)
	}
}

var (
	_ Authenticator = (*Service)(nil)
	_ Authenticator = (*Client)(nil)
	_ TokenSetter   = (*tree.Remote)(nil)
)
