// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package util

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"
)

// Client abstracts the methods of an HTTP client used by the
// mirror pipeline so that decorators can be stacked on top of
// a plain [http.Client].
type Client interface {
	Do(req *http.Request) (*http.Response, error)
	Get(url string) (*http.Response, error)
	Head(url string) (*http.Response, error)
	Post(url, contentType string, body io.Reader) (*http.Response, error)
	PostForm(url string, data url.Values) (*http.Response, error)
}

// LoggingClient is a client that logs called URLs.
type LoggingClient struct {
	Client
	Log func(method, url string)
}

// HeaderClient adds extra HTTP header fields to requests.
type HeaderClient struct {
	Client
	Header http.Header
}

// LimitingClient limits the rate of the requests of a wrapped client.
type LimitingClient struct {
	Client
	Limiter *rate.Limiter
}

// Do implements the respective method of the [Client] interface.
func (lc *LoggingClient) Do(req *http.Request) (*http.Response, error) {
	lc.Log(req.Method, req.URL.String())
	return lc.Client.Do(req)
}

// Get implements the respective method of the [Client] interface.
func (lc *LoggingClient) Get(url string) (*http.Response, error) {
	lc.Log(http.MethodGet, url)
	return lc.Client.Get(url)
}

// Head implements the respective method of the [Client] interface.
func (lc *LoggingClient) Head(url string) (*http.Response, error) {
	lc.Log(http.MethodHead, url)
	return lc.Client.Head(url)
}

// Post implements the respective method of the [Client] interface.
func (lc *LoggingClient) Post(
	url, contentType string,
	body io.Reader,
) (*http.Response, error) {
	lc.Log(http.MethodPost, url)
	return lc.Client.Post(url, contentType, body)
}

// PostForm implements the respective method of the [Client] interface.
func (lc *LoggingClient) PostForm(
	url string,
	data url.Values,
) (*http.Response, error) {
	lc.Log(http.MethodPost, url)
	return lc.Client.PostForm(url, data)
}

// Do implements the respective method of the [Client] interface.
func (hc *HeaderClient) Do(req *http.Request) (*http.Response, error) {
	for key, values := range hc.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	return hc.Client.Do(req)
}

// Get implements the respective method of the [Client] interface.
func (hc *HeaderClient) Get(url string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return hc.Do(req)
}

// Head implements the respective method of the [Client] interface.
func (hc *HeaderClient) Head(url string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodHead, url, nil)
	if err != nil {
		return nil, err
	}
	return hc.Do(req)
}

// Post implements the respective method of the [Client] interface.
func (hc *HeaderClient) Post(
	url, contentType string,
	body io.Reader,
) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return hc.Do(req)
}

// PostForm implements the respective method of the [Client] interface.
func (hc *HeaderClient) PostForm(
	url string,
	data url.Values,
) (*http.Response, error) {
	req, err := http.NewRequest(
		http.MethodPost, url, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return hc.Do(req)
}

func (lc *LimitingClient) wait(req *http.Request) {
	lc.Limiter.Wait(req.Context())
}

// Do implements the respective method of the [Client] interface.
func (lc *LimitingClient) Do(req *http.Request) (*http.Response, error) {
	lc.wait(req)
	return lc.Client.Do(req)
}

// Get implements the respective method of the [Client] interface.
func (lc *LimitingClient) Get(url string) (*http.Response, error) {
	lc.Limiter.Wait(context.Background())
	return lc.Client.Get(url)
}

// Head implements the respective method of the [Client] interface.
func (lc *LimitingClient) Head(url string) (*http.Response, error) {
	lc.Limiter.Wait(context.Background())
	return lc.Client.Head(url)
}

// Post implements the respective method of the [Client] interface.
func (lc *LimitingClient) Post(
	url, contentType string,
	body io.Reader,
) (*http.Response, error) {
	lc.Limiter.Wait(context.Background())
	return lc.Client.Post(url, contentType, body)
}

// PostForm implements the respective method of the [Client] interface.
func (lc *LimitingClient) PostForm(
	url string,
	data url.Values,
) (*http.Response, error) {
	lc.Limiter.Wait(context.Background())
	return lc.Client.PostForm(url, data)
}
