package signal

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const httpTimeout = 8 * time.Second

// statusError is an application-level (non-2xx) failure. Never retried.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.code, e.body)
}

// doRequest performs one blocking room-server request. A single additional
// attempt is made for transient EOF-class I/O failures (stale keep-alive
// connections); everything else, including non-2xx responses, fails
// immediately.
func doRequest(httpc *http.Client, method, url, body string) (string, error) {
	resp, err := doRequestOnce(httpc, method, url, body)
	if err != nil && isTransientIOError(err) {
		log.WithError(err).WithField("url", url).Warn("transient http failure, retrying once")
		resp, err = doRequestOnce(httpc, method, url, body)
	}
	return resp, err
}

func doRequestOnce(httpc *http.Client, method, url, body string) (string, error) {
	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return "", fmt.Errorf("build %s %s: %w", method, url, err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}

	resp, err := httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s response: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}
	return string(data), nil
}

func isTransientIOError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
