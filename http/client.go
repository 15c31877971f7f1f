package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/capstan-io/capstan"
	"github.com/capstan-io/capstan/api"
	"github.com/capstan-io/capstan/ledger"
)

// Client is a typed api.Service speaking to a remote daemon. URLs are
// derived from the shared router, so client and server cannot drift.
type Client struct {
	client   *http.Client
	router   *mux.Router
	endpoint string
}

var _ api.Service = &Client{}

func NewClient(c *http.Client, router *mux.Router, endpoint string) *Client {
	return &Client{
		client:   c,
		router:   router,
		endpoint: endpoint,
	}
}

func (c *Client) RequestPromotion(ctx context.Context, serviceName, version, environmentName string) (capstan.DeploymentID, error) {
	var res postPromotionResponse
	err := c.invoke(ctx, "POST", &res, "PostPromotion",
		"service", serviceName, "version", version, "environment", environmentName)
	return res.DeploymentID, err
}

func (c *Client) RequestRollback(ctx context.Context, id capstan.DeploymentID) error {
	return c.invoke(ctx, "POST", nil, "PostRollback", "id", string(id))
}

func (c *Client) Approve(ctx context.Context, id capstan.DeploymentID, actor string) error {
	return c.invoke(ctx, "POST", nil, "PostApproval", "id", string(id), "actor", actor)
}

func (c *Client) Deny(ctx context.Context, id capstan.DeploymentID, actor string) error {
	return c.invoke(ctx, "POST", nil, "PostDenial", "id", string(id), "actor", actor)
}

func (c *Client) GetStatus(ctx context.Context, id capstan.DeploymentID) (capstan.Deployment, error) {
	var d capstan.Deployment
	err := c.invoke(ctx, "GET", &d, "GetDeployment", "id", string(id))
	return d, err
}

func (c *Client) GetTargetStatus(ctx context.Context, target capstan.Target) (capstan.Deployment, error) {
	var d capstan.Deployment
	err := c.invoke(ctx, "GET", &d, "GetTargetStatus",
		"service", target.ServiceName, "environment", target.EnvironmentName)
	return d, err
}

func (c *Client) History(ctx context.Context, target capstan.Target) ([]ledger.Transition, error) {
	var ts []ledger.Transition
	err := c.invoke(ctx, "GET", &ts, "GetHistory",
		"service", target.ServiceName, "environment", target.EnvironmentName)
	return ts, err
}

func (c *Client) invoke(ctx context.Context, method string, result interface{}, route string, pairs ...string) error {
	u, err := makeURL(c.endpoint, c.router, route, pairs...)
	if err != nil {
		return errors.Wrap(err, "constructing URL")
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return errors.Wrapf(err, "constructing request %s", u)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "executing HTTP request %s", u)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return remoteError(resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return errors.Wrapf(err, "decoding response from %s", u)
	}
	return nil
}

// remoteError reconstitutes the server's error category from the status
// code, so callers can use the same predicates on both sides.
func remoteError(code int, msg string) error {
	if msg == "" {
		msg = http.StatusText(code)
	}
	err := errors.New(msg)
	switch code {
	case http.StatusNotFound:
		return &capstan.NotFoundError{BaseError: &capstan.BaseError{Err: err, Help: msg}}
	case http.StatusConflict:
		return &capstan.ConflictError{BaseError: &capstan.BaseError{Err: err, Help: msg}}
	case http.StatusUnprocessableEntity:
		return &capstan.InvalidStateError{BaseError: &capstan.BaseError{Err: err, Help: msg}}
	case http.StatusBadRequest:
		return &capstan.RenderValidationError{BaseError: &capstan.BaseError{Err: err, Help: msg}}
	}
	return err
}

func makeURL(endpoint string, router *mux.Router, routeName string, urlParams ...string) (*url.URL, error) {
	if len(urlParams)%2 != 0 {
		return nil, errors.New("urlParams must be even!")
	}

	endpointURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing endpoint %s", endpoint)
	}

	// The route fills both path variables and query templates, so the
	// client cannot drift from what the server matches.
	routeURL, err := router.Get(routeName).URL(urlParams...)
	if err != nil {
		return nil, errors.Wrapf(err, "retrieving route path %s", routeName)
	}

	endpointURL.Path = strings.TrimSuffix(endpointURL.Path, "/") + routeURL.Path
	endpointURL.RawQuery = routeURL.RawQuery
	return endpointURL, nil
}
