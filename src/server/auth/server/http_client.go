package server

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/log"
	"github.com/pachyderm/troverepo/src/internal/promutil"
)

// maxResponse bounds the body read from an external check.
const maxResponse = 64 << 10

// externalClient calls the password and entitlement check services.
type externalClient struct {
	client         *http.Client
	passwordURL    string
	entitlementURL string
}

func newExternalClient(env Env) *externalClient {
	return &externalClient{
		client: &http.Client{
			Transport: promutil.InstrumentRoundTripper("auth", env.Transport),
			Timeout:   env.ExternalTimeout,
		},
		passwordURL:    env.PasswordURL,
		entitlementURL: env.EntitlementURL,
	}
}

func (c *externalClient) get(ctx context.Context, base string, q url.Values) ([]byte, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", base)
	}
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.EnsureStack(err)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return nil, errors.EnsureStack(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, errors.Errorf("%s: unexpected status %s", u.Host, res.Status)
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponse))
	return body, errors.EnsureStack(err)
}

type passwordResponse struct {
	XMLName xml.Name `xml:"auth"`
	Valid   string   `xml:"valid,attr"`
	Text    string   `xml:",chardata"`
}

// checkPassword asks the password service whether password is valid for
// user.  Any failure to get an answer counts as invalid.
func (c *externalClient) checkPassword(ctx context.Context, user, password, remoteIP string) bool {
	q := url.Values{"user": {user}, "password": {password}}
	if remoteIP != "" {
		q.Set("remote_ip", remoteIP)
	}
	body, err := c.get(ctx, c.passwordURL, q)
	if err != nil {
		log.Info(ctx, "external password check failed", zap.String("user", user), zap.Error(err))
		return false
	}
	var r passwordResponse
	if err := xml.Unmarshal(body, &r); err != nil {
		log.Info(ctx, "bad external password check response", zap.String("user", user), zap.Error(err))
		return false
	}
	if strings.TrimSpace(r.Text) != "" {
		return false
	}
	return r.Valid == "1" || strings.EqualFold(r.Valid, "true")
}

// entitlementMapping is the stored entitlement a presented one maps to.
type entitlementMapping struct {
	Class string
	Key   string
	// Retry allows a fresh external check once the mapping expires.
	Retry bool
	// TTL is how long the mapping may be cached; nil uses the server's
	// cache timeout.
	TTL *time.Duration
}

type entitlementResponse struct {
	XMLName xml.Name `xml:"entitlement"`
	Server  string   `xml:"server"`
	Class   string   `xml:"class"`
	Key     string   `xml:"key"`
	Timeout *struct {
		Retry string `xml:"retry,attr"`
		Val   string `xml:"val,attr"`
	} `xml:"timeout"`
}

// checkEntitlement asks the entitlement service what server, class and key
// map to.  A nil mapping means the entitlement grants nothing.
func (c *externalClient) checkEntitlement(ctx context.Context, server, class, key, remoteIP string) *entitlementMapping {
	q := url.Values{"server": {server}, "key": {key}}
	if class != "" {
		q.Set("class", class)
	}
	if remoteIP != "" {
		q.Set("remote_ip", remoteIP)
	}
	fields := []log.Field{zap.String("class", class)}
	body, err := c.get(ctx, c.entitlementURL, q)
	if err != nil {
		log.Info(ctx, "external entitlement check failed", append(fields, zap.Error(err))...)
		return nil
	}
	var r entitlementResponse
	if err := xml.Unmarshal(body, &r); err != nil {
		log.Info(ctx, "bad external entitlement check response", append(fields, zap.Error(err))...)
		return nil
	}
	if r.Server != server {
		log.Info(ctx, "external entitlement check answered for another server", append(fields, zap.String("server", r.Server))...)
		return nil
	}
	m := &entitlementMapping{Class: r.Class, Key: r.Key, Retry: true}
	if r.Timeout != nil {
		m.Retry = r.Timeout.Retry == "True"
		if r.Timeout.Val != "" {
			secs, err := strconv.Atoi(r.Timeout.Val)
			if err != nil {
				log.Info(ctx, "bad entitlement timeout", append(fields, zap.String("timeout", r.Timeout.Val))...)
				return nil
			}
			ttl := time.Duration(secs) * time.Second
			m.TTL = &ttl
		}
	}
	return m
}
