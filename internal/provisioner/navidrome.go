package provisioner

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
	"sync"
	"time"

	"github.com/streamclub/allocator/pkg/config"
	pkgerrors "github.com/streamclub/allocator/pkg/errors"
	"github.com/streamclub/allocator/pkg/logger"
	"github.com/streamclub/allocator/pkg/metrics"
)

const (
	authHeader     = "x-nd-authorization"
	maxErrorBody   = 4 << 10
	defaultTimeout = 10 * time.Second
)

var errUnauthorized = errors.New("navidrome rejected credentials")

// NavidromeClient implements AccountProvisioner against the Navidrome REST API.
type NavidromeClient struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	logg     *logger.Logger
	metrics  *metrics.AllocationMetrics

	mu    sync.Mutex
	token string
}

// NavidromeParams configures a NavidromeClient.
type NavidromeParams struct {
	Config     config.ProvisionerConfig
	HTTPClient *http.Client
	Logger     *logger.Logger
	Metrics    *metrics.AllocationMetrics
}

type navidromeUser struct {
	ID       string `json:"id,omitempty"`
	UserName string `json:"userName"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
	IsAdmin  bool   `json:"isAdmin"`
}

func NewNavidromeClient(params NavidromeParams) (*NavidromeClient, error) {
	base := strings.TrimRight(strings.TrimSpace(params.Config.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("provisioner base url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid provisioner base url: %w", err)
	}
	if params.Config.Username == "" || params.Config.Password == "" {
		return nil, fmt.Errorf("provisioner credentials are required")
	}
	httpClient := params.HTTPClient
	if httpClient == nil {
		timeout := params.Config.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &NavidromeClient{
		baseURL:  base,
		username: params.Config.Username,
		password: params.Config.Password,
		http:     httpClient,
		logg:     logg,
		metrics:  params.Metrics,
	}, nil
}

func (c *NavidromeClient) CreateAccount(ctx context.Context, username, password string) (string, error) {
	var created navidromeUser
	err := c.call(ctx, "create", http.MethodPost, "/api/user", navidromeUser{
		UserName: username,
		Name:     username,
		Password: password,
	}, &created)
	if err != nil {
		return "", err
	}
	if created.ID == "" {
		c.metrics.ProvisionerCall("create", metrics.OutcomeError)
		return "", pkgerrors.New(pkgerrors.CodeDependency, "navidrome returned no user id")
	}
	return created.ID, nil
}

// DeleteAccount treats an already missing user as deleted.
func (c *NavidromeClient) DeleteAccount(ctx context.Context, externalID string) error {
	err := c.call(ctx, "delete", http.MethodDelete, "/api/user/"+url.PathEscape(externalID), nil, nil)
	if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		return nil
	}
	return err
}

func (c *NavidromeClient) RenameAccount(ctx context.Context, externalID, username string) error {
	return c.update(ctx, "rename", externalID, func(u *navidromeUser) {
		u.UserName = username
		u.Name = username
	})
}

func (c *NavidromeClient) ResetPassword(ctx context.Context, externalID, password string) error {
	return c.update(ctx, "reset_password", externalID, func(u *navidromeUser) {
		u.Password = password
	})
}

// update loads the user, applies mutate and writes the whole record back;
// Navidrome's PUT replaces every field and expects the id in the body.
func (c *NavidromeClient) update(ctx context.Context, op, externalID string, mutate func(*navidromeUser)) error {
	path := "/api/user/" + url.PathEscape(externalID)
	var current navidromeUser
	if err := c.call(ctx, op, http.MethodGet, path, nil, &current); err != nil {
		return err
	}
	current.ID = externalID
	current.Password = ""
	mutate(&current)
	return c.call(ctx, op, http.MethodPut, path, current, nil)
}

func (c *NavidromeClient) call(ctx context.Context, op, method, path string, body, out any) error {
	err := c.doAuthorized(ctx, method, path, body, out)
	if err != nil {
		c.metrics.ProvisionerCall(op, metrics.OutcomeError)
		c.logg.Warn(c.logg.WithFields(ctx, map[string]any{"operation": op, "path": path, "error": err.Error()}), "navidrome call failed")
		return err
	}
	c.metrics.ProvisionerCall(op, metrics.OutcomeSuccess)
	return nil
}

// doAuthorized sends the request with the cached token, logging in again and
// retrying once when the server answers 401.
func (c *NavidromeClient) doAuthorized(ctx context.Context, method, path string, body, out any) error {
	token, err := c.currentToken(ctx, false)
	if err != nil {
		return err
	}
	err = c.do(ctx, method, path, token, body, out)
	if !errors.Is(err, errUnauthorized) {
		return err
	}
	c.logg.Info(ctx, "navidrome token rejected, logging in again")
	if token, err = c.currentToken(ctx, true); err != nil {
		return err
	}
	err = c.do(ctx, method, path, token, body, out)
	if errors.Is(err, errUnauthorized) {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "navidrome authorization failed")
	}
	return err
}

func (c *NavidromeClient) currentToken(ctx context.Context, refresh bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && !refresh {
		return c.token, nil
	}
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/auth/login", "", map[string]string{
		"username": c.username,
		"password": c.password,
	}, &resp)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "navidrome login failed")
	}
	if resp.Token == "" {
		return "", pkgerrors.New(pkgerrors.CodeDependency, "navidrome login returned no token")
	}
	c.token = resp.Token
	return c.token, nil
}

func (c *NavidromeClient) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode navidrome request")
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build navidrome request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(authHeader, "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "navidrome request failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return pkgerrors.New(pkgerrors.CodeNotFound, "navidrome user not found")
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("navidrome %s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode navidrome response")
	}
	return nil
}
