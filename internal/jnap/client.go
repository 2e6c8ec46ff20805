// Package jnap is a client for the JNAP management API served by
// Linksys routers. JNAP is a JSON-over-HTTP protocol: every request is
// a POST to /JNAP/ naming one or more actions, and every answer carries
// a result code per action.
//
// The client sends each call as a single-action transaction, classifies
// failures into authentication, transport and protocol errors, and
// validates list responses at the boundary so that callers only ever
// see well-formed device and connection entries.
package jnap

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nugget/jnap-presence/internal/httpkit"
)

// Action names, relative to ActionBase.
const (
	ActionCheckAdminPassword    = "core/CheckAdminPassword"
	ActionGetDeviceInfo         = "core/GetDeviceInfo"
	ActionGetDevices            = "devicelist/GetDevices3"
	ActionGetNetworkConnections = "networkconnections/GetNetworkConnections"
	ActionGetWANStatus          = "router/GetWANStatus"
)

const (
	// ActionBase prefixes every action name on the wire.
	ActionBase = "http://linksys.com/jnap/"

	transactionAction = ActionBase + "core/Transaction"
	headerAction      = "X-JNAP-Action"
	headerAuth        = "X-JNAP-Authorization"
	endpointPath      = "/JNAP/"

	resultOK           = "OK"
	resultUnauthorized = "_ErrorUnauthorized"

	// DefaultUsername is the only admin account Linksys firmware has.
	DefaultUsername = "admin"
)

// LevelTrace is the slog level for per-call wire logging. The config
// package re-exports it as config.LevelTrace.
const LevelTrace = slog.Level(-8)

// Options configures a Client.
type Options struct {
	// Host is the router address ("192.168.1.1", "router.lan:8080").
	// A value that already carries a scheme is used as the base URL.
	Host     string
	Username string
	Password string

	// UseHTTPS selects https. Certificates are not verified because
	// routers ship self-signed ones.
	UseHTTPS bool

	// Timeout bounds each request (default 10s).
	Timeout time.Duration
}

// Client talks to one router. It is safe for concurrent use.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.RWMutex
	username string
	password string
}

// NewClient creates a JNAP client. No request is made until the first
// call.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Username == "" {
		opts.Username = DefaultUsername
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	base := opts.Host
	if !strings.Contains(base, "://") {
		scheme := "http"
		if opts.UseHTTPS {
			scheme = "https"
		}
		base = scheme + "://" + base
	}

	httpOpts := []httpkit.ClientOption{
		httpkit.WithTimeout(opts.Timeout),
		httpkit.WithRetry(2, time.Second),
		httpkit.WithLogger(logger),
	}
	if opts.UseHTTPS || strings.HasPrefix(base, "https://") {
		httpOpts = append(httpOpts, httpkit.WithTLSInsecureSkipVerify())
	}

	return &Client{
		endpoint:   strings.TrimRight(base, "/") + endpointPath,
		httpClient: httpkit.NewClient(httpOpts...),
		logger:     logger,
		username:   opts.Username,
		password:   opts.Password,
	}
}

// Endpoint returns the URL requests are posted to.
func (c *Client) Endpoint() string { return c.endpoint }

// SetCredentials replaces the credentials used for subsequent calls.
func (c *Client) SetCredentials(username, password string) {
	if username == "" {
		username = DefaultUsername
	}
	c.mu.Lock()
	c.username = username
	c.password = password
	c.mu.Unlock()
}

func (c *Client) authorization() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return basicAuth(c.username, c.password)
}

func basicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

// CheckAdminPassword verifies the configured credentials. It returns
// nil when the router accepts them and an error wrapping
// ErrAuthentication when it does not.
func (c *Client) CheckAdminPassword(ctx context.Context) error {
	return c.call(ctx, ActionCheckAdminPassword, struct{}{}, nil)
}

// VerifyCredentials checks username and password against the router
// without replacing the credentials the client is using.
func (c *Client) VerifyCredentials(ctx context.Context, username, password string) error {
	if username == "" {
		username = DefaultUsername
	}
	return c.do(ctx, basicAuth(username, password), ActionCheckAdminPassword, struct{}{}, nil)
}

// Ping reports whether the router is reachable with valid credentials.
// It is the connwatch probe for the router.
func (c *Client) Ping(ctx context.Context) error {
	return c.CheckAdminPassword(ctx)
}

// GetDeviceInfo returns the router's identity metadata.
func (c *Client) GetDeviceInfo(ctx context.Context) (*RouterInfo, error) {
	var info RouterInfo
	if err := c.call(ctx, ActionGetDeviceInfo, struct{}{}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetWANStatus returns the router's upstream status and its own MAC.
func (c *Client) GetWANStatus(ctx context.Context) (*WANStatus, error) {
	var status WANStatus
	if err := c.call(ctx, ActionGetWANStatus, struct{}{}, &status); err != nil {
		return nil, err
	}
	status.MACAddress = NormalizeMAC(status.MACAddress)
	return &status, nil
}

// GetDevices returns every device the router knows about. It always
// asks for revision 0, so the answer is a full snapshot rather than a
// delta. Entries without a deviceID are dropped.
func (c *Client) GetDevices(ctx context.Context) ([]Device, error) {
	var out devicesOutput
	req := map[string]int64{"sinceRevision": 0}
	if err := c.call(ctx, ActionGetDevices, req, &out); err != nil {
		return nil, err
	}
	if out.Devices == nil {
		return nil, &ProtocolError{Action: ActionGetDevices, Err: errors.New("response has no devices array")}
	}

	devices, rejected := validDevices(*out.Devices)
	if rejected > 0 {
		c.logger.Warn("dropped malformed device list entries",
			"rejected", rejected,
			"kept", len(devices),
		)
	}
	return devices, nil
}

// GetNetworkConnections returns the links that are active right now.
// Entries without a MAC address are dropped.
func (c *Client) GetNetworkConnections(ctx context.Context) ([]Connection, error) {
	var out connectionsOutput
	if err := c.call(ctx, ActionGetNetworkConnections, struct{}{}, &out); err != nil {
		return nil, err
	}
	if out.Connections == nil {
		return nil, &ProtocolError{Action: ActionGetNetworkConnections, Err: errors.New("response has no connections array")}
	}

	conns, rejected := validConnections(*out.Connections)
	if rejected > 0 {
		c.logger.Warn("dropped malformed connection entries",
			"rejected", rejected,
			"kept", len(conns),
		)
	}
	return conns, nil
}

// call runs a single action inside a transaction and decodes its output
// into out (which may be nil).
func (c *Client) call(ctx context.Context, action string, request any, out any) error {
	return c.do(ctx, c.authorization(), action, request, out)
}

func (c *Client) do(ctx context.Context, auth, action string, request any, out any) error {
	body, err := json.Marshal([]actionRequest{{
		Action:  ActionBase + action,
		Request: request,
	}})
	if err != nil {
		return &ProtocolError{Action: action, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return &ProtocolError{Action: action, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerAction, transactionAction)
	req.Header.Set(headerAuth, auth)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{
			Action:  action,
			Timeout: httpkit.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded),
			Err:     err,
		}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("jnap %s: HTTP %d: %w", action, resp.StatusCode, ErrAuthentication)
	case resp.StatusCode >= http.StatusInternalServerError:
		msg := httpkit.ReadErrorBody(resp.Body, 512)
		return &TransportError{Action: action, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)}
	case resp.StatusCode != http.StatusOK:
		msg := httpkit.ReadErrorBody(resp.Body, 512)
		return &ProtocolError{Action: action, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &ProtocolError{Action: action, Err: fmt.Errorf("decode response: %w", err)}
	}

	c.logger.Log(ctx, LevelTrace, "jnap response",
		"action", action,
		"result", env.Result,
		"responses", len(env.Responses),
		"elapsed", time.Since(start),
	)

	if len(env.Responses) != 1 {
		if env.Result == resultUnauthorized {
			return fmt.Errorf("jnap %s: %w", action, ErrAuthentication)
		}
		return &ProtocolError{
			Action: action,
			Result: env.Result,
			Err:    fmt.Errorf("expected 1 action response, got %d", len(env.Responses)),
		}
	}

	ar := env.Responses[0]
	if ar.Result == resultUnauthorized || env.Result == resultUnauthorized {
		return fmt.Errorf("jnap %s: %w", action, ErrAuthentication)
	}
	if ar.Result != resultOK {
		detail := ar.Error
		if detail == "" {
			detail = "action failed"
		}
		return &ProtocolError{Action: action, Result: ar.Result, Err: errors.New(detail)}
	}
	if env.Result != resultOK {
		return &ProtocolError{Action: action, Result: env.Result, Err: errors.New("transaction failed")}
	}

	if out == nil {
		return nil
	}
	if len(ar.Output) == 0 {
		return &ProtocolError{Action: action, Err: errors.New("response has no output")}
	}
	if err := json.Unmarshal(ar.Output, out); err != nil {
		return &ProtocolError{Action: action, Err: fmt.Errorf("decode output: %w", err)}
	}
	return nil
}
