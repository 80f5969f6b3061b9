package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"orgstream/pkg/problems"
	"orgstream/pkg/tenants"
)

// Credentials authenticate the business org with the resource-owner password grant.
type Credentials struct {
	OrgID         string
	LoginURL      string
	ClientID      string
	ClientSecret  string
	Username      string
	Password      string
	SecurityToken string
}

// Client is an authenticated REST session on the business org. It logs in again once
// when a request is answered with 401.
type Client struct {
	creds      Credentials
	apiVersion string
	base       *http.Client
	log        *zap.SugaredLogger

	mu          sync.Mutex
	token       *oauth2.Token
	instanceURL string
	issuedAt    time.Time
}

func NewClient(creds Credentials, apiVersion string, timeout time.Duration, log *zap.SugaredLogger) *Client {
	hc := &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	return NewClientWithHTTP(creds, apiVersion, hc, log)
}

func NewClientWithHTTP(creds Credentials, apiVersion string, hc *http.Client, log *zap.SugaredLogger) *Client {
	return &Client{creds: creds, apiVersion: apiVersion, base: hc, log: log}
}

func (c *Client) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.creds.ClientID,
		ClientSecret: c.creds.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  strings.TrimRight(c.creds.LoginURL, "/") + "/services/oauth2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// Login runs the password grant (password + security token) and keeps the token and
// instance_url for subsequent calls.
func (c *Client) Login(ctx context.Context) error {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.base)
	tok, err := c.oauthConfig().PasswordCredentialsToken(ctx, c.creds.Username, c.creds.Password+c.creds.SecurityToken)
	if err != nil {
		return problems.New(problems.Auth, c.creds.OrgID, "platform.login", err)
	}
	instance, _ := tok.Extra("instance_url").(string)
	if instance == "" {
		return problems.Newf(problems.Auth, c.creds.OrgID, "platform.login", "token response without instance_url")
	}
	c.mu.Lock()
	c.token = tok
	c.instanceURL = strings.TrimRight(instance, "/")
	c.issuedAt = time.Now()
	c.mu.Unlock()
	c.log.Infow("business org authenticated", "org", c.creds.OrgID, "instance", instance)
	return nil
}

// Connection is the business org's own connection, used for the control channel.
func (c *Client) Connection() tenants.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := tenants.Connection{
		TenantID:    c.creds.OrgID,
		InstanceURL: c.instanceURL,
		ClientID:    c.creds.ClientID,
		Username:    c.creds.Username,
		IssuedAt:    c.issuedAt,
	}
	if c.token != nil {
		conn.AccessToken = c.token.AccessToken
	}
	return conn
}

func (c *Client) session() (string, *oauth2.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instanceURL, c.token
}

func (c *Client) dataURL(path string) string {
	instance, _ := c.session()
	return instance + "/services/data/v" + c.apiVersion + path
}

// doJSON sends body (if any) and decodes the JSON answer into out.
func (c *Client) doJSON(ctx context.Context, method, url string, body, out any) error {
	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		raw = b
	}
	for attempt := 0; ; attempt++ {
		status, payload, err := c.send(ctx, method, url, raw)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized && attempt == 0 {
			c.log.Warnw("business org session expired, logging in again", "org", c.creds.OrgID)
			if err := c.Login(ctx); err != nil {
				return err
			}
			continue
		}
		if status/100 != 2 {
			return fmt.Errorf("%s %s: status %d: %s", method, url, status, strings.TrimSpace(string(payload)))
		}
		if out == nil || len(payload) == 0 {
			return nil
		}
		return json.Unmarshal(payload, out)
	}
}

func (c *Client) send(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	_, tok := c.session()
	if tok == nil {
		return 0, nil, errors.New("platform: not logged in")
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	tok.SetAuthHeader(req)
	resp, err := c.base.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, payload, nil
}
