package eas

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/zjrosen/easync/internal/log"
	"github.com/zjrosen/easync/internal/store"
)

const (
	serverPath = "/Microsoft-Server-ActiveSync"
	userAgent  = "Android/4.4"

	contentTypeWBXML  = "application/vnd.ms-sync.wbxml"
	contentTypeRFC822 = "message/rfc822"

	// commandTimeout is the read timeout for ordinary commands. Ping
	// requests override it with heartbeat + 15s.
	commandTimeout = 20 * time.Second
)

// Protocol versions the driver speaks.
const (
	Version25  = "2.5"
	Version120 = "12.0"
)

// StatusError reports a non-success HTTP status from the server.
type StatusError struct {
	Cmd  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("eas: %s returned HTTP %d", e.Cmd, e.Code)
}

// IsAuthFailure reports whether the status marks rejected credentials.
func (e *StatusError) IsAuthFailure() bool {
	return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
}

// Client composes and sends EAS commands for one account. The heavy
// pieces (auth header, command tail, device id) are computed once and
// cached; the underlying sockets come from the shared Transport.
type Client struct {
	transport *Transport
	http      *http.Client

	baseURL string
	auth    string
	cmdTail string

	// Version is the negotiated protocol version, mutated after OPTIONS
	// discovery. Empty until probed.
	Version string
}

// NewClient builds a client for the account. dataDir locates the
// deviceName file.
func NewClient(t *Transport, a *store.Account, dataDir string) (*Client, error) {
	deviceID, err := DeviceID(dataDir)
	if err != nil {
		return nil, err
	}

	scheme := "http"
	if a.UseTLS {
		scheme = "https"
	}

	creds := a.Username + ":" + a.Password
	return &Client{
		transport: t,
		http: &http.Client{
			Transport: t.RoundTripper(a.TrustAllCerts),
			// Redirects would leak the Authorization header.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		baseURL: scheme + "://" + a.Host + serverPath,
		auth:    "Basic " + base64.StdEncoding.EncodeToString([]byte(creds)),
		cmdTail: "&User=" + url.QueryEscape(a.Username) +
			"&DeviceId=" + deviceID + "&DeviceType=Android",
		Version: a.ProtocolVersion,
	}, nil
}

// Options issues the OPTIONS probe and returns the raw response. The
// caller owns the body.
func (c *Client) Options(ctx context.Context) (*http.Response, error) {
	ctx, cancel := c.transport.RequestContext(ctx)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, commandTimeout)
	defer cancelTimeout()

	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, c.baseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building OPTIONS request: %w", err)
	}
	c.setHeaders(req, "")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending OPTIONS: %w", err)
	}
	return resp, nil
}

// SendCommand posts a WBXML command body and returns the response body
// bytes. Auth failures surface as *StatusError so callers can map them
// to a login-failure exit.
func (c *Client) SendCommand(ctx context.Context, cmd string, body []byte) ([]byte, error) {
	return c.send(ctx, cmd, contentTypeWBXML, body, commandTimeout)
}

// SendCommandTimeout is SendCommand with a caller-chosen read timeout.
// Ping uses heartbeat + 15s.
func (c *Client) SendCommandTimeout(ctx context.Context, cmd string, body []byte, timeout time.Duration) ([]byte, error) {
	return c.send(ctx, cmd, contentTypeWBXML, body, timeout)
}

// SendMail posts an RFC822 message. saveInSent asks the server to file
// a copy in Sent Items.
func (c *Client) SendMail(ctx context.Context, message []byte, saveInSent bool) error {
	cmd := "SendMail"
	if saveInSent {
		cmd += "&SaveInSent=T"
	}
	_, err := c.send(ctx, cmd, contentTypeRFC822, message, commandTimeout)
	return err
}

// Stream posts a command and hands the caller the open response for
// chunked reads. The caller must close the body.
func (c *Client) Stream(ctx context.Context, cmd string) (*http.Response, context.CancelFunc, error) {
	ctx, cancel := c.transport.RequestContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.commandURL(cmd), nil)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("building %s request: %w", cmd, err)
	}
	c.setHeaders(req, contentTypeWBXML)

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("sending %s: %w", cmd, err)
	}
	return resp, cancel, nil
}

func (c *Client) send(ctx context.Context, cmd, contentType string, body []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := c.transport.RequestContext(ctx)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.commandURL(cmd), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", cmd, err)
	}
	c.setHeaders(req, contentType)

	log.Debug(log.CatHTTP, "Command", "cmd", cmd, "bytes", len(body))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", cmd, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Cmd: cmd, Code: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", cmd, err)
	}
	return data, nil
}

func (c *Client) commandURL(cmd string) string {
	return c.baseURL + "?Cmd=" + cmd + c.cmdTail
}

func (c *Client) setHeaders(req *http.Request, contentType string) {
	req.Header.Set("Authorization", c.auth)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("User-Agent", userAgent)
	if c.Version != "" {
		req.Header.Set("MS-ASProtocolVersion", c.Version)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
}
