// Package peers contains the HTTP clients for the services the resolution
// engine collaborates with: the event manager (authoritative event store),
// the proposal and dispute read services, and the best-effort reward and
// notification endpoints.
package peers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "peers")

// ErrStateConflict is returned when the event manager rejects a conditional
// status write because the record moved underneath us. Callers surface it;
// the scheduler never retries it.
var ErrStateConflict = errors.New("event state conflict")

const requestTimeout = 10 * time.Second

// StatusError carries a non-2xx peer response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return "unexpected peer status " + http.StatusText(e.Code)
}

type client struct {
	base string
	http *http.Client
}

func newClient(base string) client {
	return client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: requestTimeout},
	}
}

func (c client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "could not encode request body")
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return errors.Wrap(err, "could not build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Debug("Could not close response body")
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrapf(err, "could not decode %s %s response", method, path)
		}
	}
	return nil
}
