// Package transport performs the HTTP fetches of the update pipeline and
// tags their failures with ErrTransport.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/containerd/containerd/log"
	"github.com/machinebox/progress"
)

var ErrTransport = errors.New("transport failure")

type Error struct {
	Op  string
	URL string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrTransport
}

// NewClient clones http.DefaultClient with the given timeout.
func NewClient(timeout time.Duration) *http.Client {
	dc := *http.DefaultClient
	hc := &dc
	hc.Timeout = timeout
	return hc
}

// Response is a streaming response body which counts the bytes read from it.
type Response struct {
	URL           string
	ContentLength int64

	body   io.ReadCloser
	reader *progress.Reader
}

// Get issues a GET request for url. Only 200 OK is accepted; the caller
// must Close the returned Response.
func Get(ctx context.Context, client *http.Client, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Op: "get", URL: url, Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &Error{Op: "get", URL: url, Err: err}
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		resp.Body.Close()
		log.G(ctx).Infof("Not found: %q", url)
		return nil, &Error{Op: "get", URL: url, Err: os.ErrNotExist}
	default:
		resp.Body.Close()
		return nil, &Error{Op: "get", URL: url, Err: fmt.Errorf("unexpected http status %q", resp.Status)}
	}

	return &Response{
		URL:           url,
		ContentLength: resp.ContentLength,
		body:          resp.Body,
		reader:        progress.NewReader(resp.Body),
	}, nil
}

func (r *Response) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if err != nil && err != io.EOF {
		return n, &Error{Op: "read", URL: r.URL, Err: err}
	}
	return n, err
}

func (r *Response) Close() error {
	return r.body.Close()
}

// N returns the number of body bytes read so far.
func (r *Response) N() int64 {
	return r.reader.N()
}

// Track calls fn every interval with the download progress until ctx is
// done or the body has been read completely. Nothing is reported when the
// server did not announce a Content-Length.
func (r *Response) Track(ctx context.Context, interval time.Duration, fn func(progress.Progress)) {
	if r.ContentLength <= 0 || fn == nil {
		return
	}
	go func() {
		progressChan := progress.NewTicker(ctx, r.reader, r.ContentLength, interval)
		for p := range progressChan {
			fn(p)
		}
	}()
}
