// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client provides easy and fast in-process access to the REST api

Instead of marshalling HTTP, the client talks directly to the mux router. The client
is the tool of choice for unit tests. With NewWithURL it talks to a remote service
over HTTP instead, which is what the integration tests do.

All responses are expected in the api envelope. The client unwraps the envelope and
unmarshals its data into the passed result.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"
	"github.com/relabs-tech/slopewatch/core/access"
	"github.com/relabs-tech/slopewatch/core/api"
)

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
	auth       *access.Authorization
	ctx        context.Context

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the backend,
// through the mux router
//
// WithAuthorization() adds an authorization to the request context.
// WithContext() specifies a different base context all together.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to the backend
//
// WithToken adds an authorization token to the request header.
func NewWithURL(url string) Client {
	return Client{
		url:            url,
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	headers := make(map[string]string, len(c.defaultHeaders)+1)
	for k, v := range c.defaultHeaders {
		headers[k] = v
	}
	headers[key] = value
	c.defaultHeaders = headers
	return c
}

// WithToken returns a new client which sends token as bearer token
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithAdminAuthorization returns a new client with admin authorizations
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithAdminAuthorization() Client {
	return c.WithAuthorization(&access.Authorization{Identity: "admin", Roles: []string{access.RoleAdmin}})
}

// WithCapabilities returns a new client authorized for the given capabilities only
// (this works only directly against the mux router)
func (c Client) WithCapabilities(identity string, capabilities ...string) Client {
	return c.WithAuthorization(&access.Authorization{Identity: identity, Capabilities: capabilities})
}

// WithAuthorization returns a new client with specific authorizations
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithAuthorization(auth *access.Authorization) Client {
	c.auth = auth
	return c
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context used by the client
func (c Client) Context() context.Context {
	ctx := c.ctx
	if c.ctx == nil {
		ctx = context.Background()
	}
	if c.auth != nil {
		ctx = c.auth.ContextWithAuthorization(ctx)
	}
	return ctx
}

// RawGet makes a GET request and unmarshals the envelope data into result
func (c Client) RawGet(path string, result interface{}) (int, error) {
	status, _, err := c.Do(http.MethodGet, path, nil, result)
	return status, err
}

// RawPost makes a POST request and unmarshals the envelope data into result
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	status, _, err := c.Do(http.MethodPost, path, body, result)
	return status, err
}

// RawPut makes a PUT request and unmarshals the envelope data into result
func (c Client) RawPut(path string, body interface{}, result interface{}) (int, error) {
	status, _, err := c.Do(http.MethodPut, path, body, result)
	return status, err
}

// Do makes a request and returns the status and the decoded envelope. For successful responses
// the envelope data is unmarshalled into result. A body of type []byte is sent as is, everything
// else is marshalled to json. Responses other than http.StatusOK are returned as error.
func (c Client) Do(method, path string, body interface{}, result interface{}) (int, api.Envelope, error) {
	var env api.Envelope
	var reader io.Reader
	if body != nil {
		j, ok := body.([]byte)
		if !ok {
			var err error
			j, err = json.Marshal(body)
			if err != nil {
				return http.StatusBadRequest, env, fmt.Errorf("%s to %s: %w", method, path, err)
			}
		}
		reader = bytes.NewReader(j)
	}

	r, err := http.NewRequestWithContext(c.Context(), method, c.url+path, reader)
	if err != nil {
		return http.StatusBadRequest, env, err
	}
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	for key, value := range c.defaultHeaders {
		r.Header.Add(key, value)
	}

	var status int
	var resBody []byte
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		status = rec.Code
		resBody = rec.Body.Bytes()
	} else {
		if c.token != "" {
			r.Header.Add("Authorization", "Bearer "+c.token)
		}
		res, err := c.httpClient.Do(r)
		if err != nil {
			return http.StatusInternalServerError, env, err
		}
		defer res.Body.Close()
		status = res.StatusCode
		resBody, _ = io.ReadAll(res.Body)
	}

	var data struct {
		api.Envelope
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(resBody, &data); err != nil {
		return status, env, fmt.Errorf("%s %s: status %d, no envelope: %s", method, path, status, bytes.TrimSpace(resBody))
	}
	env = data.Envelope
	if status != http.StatusOK {
		return status, env, fmt.Errorf("%s %s: status %d: %s %v", method, path, status, env.Message, env.Error)
	}
	if result != nil && len(data.Data) > 0 {
		if raw, ok := result.(*[]byte); ok {
			*raw = data.Data
		} else if err := json.Unmarshal(data.Data, result); err != nil {
			return status, env, err
		}
	}
	return status, env, nil
}
