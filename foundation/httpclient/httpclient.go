// Package httpclient provides basic http functions shared by the upstream
// data clients.
package httpclient

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Retry policy shared by all upstream fetches: transient failures
// (connect/read errors and 5xx responses) back off 2, 4, 8 seconds.
const maxRetries = 3

var retryBackoff = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// Client wraps http.Client with the retry policy used against flaky
// municipal endpoints
type Client struct {
	log  *log.Logger
	http *http.Client
	// sleep is replaceable in tests
	sleep func(time.Duration)
}

func NewClient(log *log.Logger, timeout time.Duration) *Client {
	return &Client{
		log:   log,
		http:  &http.Client{Timeout: timeout},
		sleep: time.Sleep,
	}
}

// GetWithRetry performs a GET request, retrying transient failures with
// exponential backoff. label names the fetch in log lines.
func (c *Client) GetWithRetry(requestUrl string, label string) ([]byte, error) {
	return c.doWithRetry(func() (*http.Response, error) {
		return c.http.Get(requestUrl)
	}, label)
}

// PostFormWithRetry performs a form POST with the same retry policy
func (c *Client) PostFormWithRetry(requestUrl string, form url.Values, label string) ([]byte, error) {
	return c.doWithRetry(func() (*http.Response, error) {
		return c.http.Post(requestUrl, "application/x-www-form-urlencoded",
			strings.NewReader(form.Encode()))
	}, label)
}

func (c *Client) doWithRetry(do func() (*http.Response, error), label string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err := do()
		if err != nil {
			lastErr = err
		} else {
			body, status, readErr := readBody(c.log, resp)
			if readErr != nil {
				lastErr = readErr
			} else if status >= 500 {
				lastErr = fmt.Errorf("%s returned HTTP %d", label, status)
			} else if status >= 400 {
				// client errors are not transient, don't retry
				return nil, fmt.Errorf("%s returned HTTP %d", label, status)
			} else {
				return body, nil
			}
		}
		if attempt < maxRetries {
			wait := retryBackoff[attempt]
			c.log.Printf("%s attempt %d/%d failed (%v), retrying in %s",
				label, attempt+1, maxRetries+1, lastErr, wait)
			c.sleep(wait)
		}
	}
	return nil, fmt.Errorf("%s failed after %d attempts: %w", label, maxRetries+1, lastErr)
}

func readBody(log *log.Logger, resp *http.Response) ([]byte, int, error) {
	defer func() {
		if innerErr := resp.Body.Close(); innerErr != nil {
			log.Printf("error closing http response body. error: %v", innerErr)
		}
	}()
	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		return nil, resp.StatusCode, err
	}
	return buf.Bytes(), resp.StatusCode, nil
}
