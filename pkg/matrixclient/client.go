package matrixclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// requestTimeout bounds every request, including an idle sync long-poll.
const requestTimeout = 2 * time.Minute

// Credentials are treated as immutable for the duration of a sync cycle.
type Credentials struct {
	Server      string
	AccessToken string
	UserID      id.UserID
	DeviceID    id.DeviceID
	Login       string
	Password    string
	Insecure    bool
	// ClientCert and ClientKey are PEM files of an optional TLS client
	// certificate.
	ClientCert string
	ClientKey  string
}

// Client is a *mautrix.Client plus the sync and history calls the session
// needs with undecoded events.
type Client struct {
	*Credentials

	mc     *mautrix.Client
	logger *logrus.Entry
}

var logger *logrus.Entry

func init() {
	rootLogger := logrus.New()
	rootLogger.SetFormatter(&prefixed.TextFormatter{
		PrefixPadding: 13,
		DisableColors: true,
	})
	logger = rootLogger.WithFields(logrus.Fields{"prefix": "matrixclient"})
}

func SetLogger(l *logrus.Entry) {
	logger = l
}

func New(cred *Credentials) (*Client, error) {
	if cred.Server == "" {
		return nil, errors.New("matrixclient: server is required")
	}

	server := strings.TrimRight(cred.Server, "/")
	if !strings.HasPrefix(server, "http://") && !strings.HasPrefix(server, "https://") {
		server = "https://" + server
	}

	mc, err := mautrix.NewClient(server, "", "")
	if err != nil {
		return nil, fmt.Errorf("matrixclient: invalid server %q: %w", cred.Server, err)
	}

	mc.UserID = cred.UserID
	mc.AccessToken = cred.AccessToken

	tlsConfig := &tls.Config{
		InsecureSkipVerify: cred.Insecure, //nolint:gosec
	}

	if cred.ClientCert != "" {
		certs, err := newCertReloader(cred.ClientCert, cred.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("matrixclient: loading client certificate: %w", err)
		}

		tlsConfig.GetClientCertificate = certs.GetClientCertificate
	}

	mc.Client = &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig,
			Proxy:           http.ProxyFromEnvironment,
		},
	}

	return &Client{
		Credentials: cred,
		mc:          mc,
		logger:      logger,
	}, nil
}

// Me returns the acting user id.
func (c *Client) Me() id.UserID {
	return c.mc.UserID
}

// NextTxnID returns a transaction id for idempotent PUTs that have no
// content-derived id of their own.
func (c *Client) NextTxnID() string {
	return c.mc.TxnID()
}

// call runs one mautrix request unless ctx is already done. A request in
// flight is not interrupted.
func (c *Client) call(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.logger.Trace(op)

	return wrapError(op, fn())
}

// getJSON issues a GET below the client API prefix with extra query
// parameters and decodes the answer into out.
func (c *Client) getJSON(ctx context.Context, op, endpoint string, query url.Values, out interface{}) error {
	return c.call(ctx, op, func() error {
		_, err := c.mc.MakeRequest(http.MethodGet, withQuery(endpoint, query), nil, out)
		return err
	})
}

// withQuery adds query to a URL built by mautrix, keeping whatever
// parameters it already carries.
func withQuery(endpoint string, query url.Values) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}

	q := u.Query()
	for k, vs := range query {
		q[k] = vs
	}

	u.RawQuery = q.Encode()

	return u.String()
}

// Login exchanges the login/password credentials for an access token and
// stores the result in the client credentials.
func (c *Client) Login(ctx context.Context) error {
	var resp *mautrix.RespLogin

	err := c.call(ctx, "login", func() error {
		var err error
		resp, err = c.mc.Login(&mautrix.ReqLogin{
			Type: "m.login.password",
			Identifier: mautrix.UserIdentifier{
				Type: "m.id.user",
				User: c.Credentials.Login,
			},
			Password:                 c.Credentials.Password,
			DeviceID:                 c.DeviceID,
			InitialDeviceDisplayName: "mxsync",
			StoreCredentials:         true,
		})

		return err
	})
	if err != nil {
		return fmt.Errorf("matrixclient: login failed: %w", err)
	}

	c.AccessToken = resp.AccessToken
	c.UserID = resp.UserID
	c.DeviceID = resp.DeviceID
	c.mc.AccessToken = resp.AccessToken
	c.mc.UserID = resp.UserID

	c.logger.Infof("logged in as %s (device %s)", resp.UserID, resp.DeviceID)

	return nil
}

// Sync issues one /sync call. Events stay undecoded, see RespSync.
func (c *Client) Sync(ctx context.Context, req *ReqSync) (*RespSync, error) {
	query := url.Values{}
	if req.Since != "" {
		query.Set("since", req.Since)
	}

	query.Set("timeout", strconv.FormatInt(req.Timeout.Milliseconds(), 10))

	if req.Filter != nil {
		filter, err := json.Marshal(req.Filter)
		if err != nil {
			return nil, fmt.Errorf("matrixclient: encoding filter: %w", err)
		}

		query.Set("filter", string(filter))
	}

	var resp RespSync
	if err := c.getJSON(ctx, "sync", c.mc.BuildURL("sync"), query, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}
