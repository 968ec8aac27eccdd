// Package elog posts entries to a PSI electronic logbook. An entry is a
// multipart form submission; the server answers with a redirect whose
// last path segment is the new message id.
package elog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNoRedirect is returned when the logbook does not answer with the
// redirect that carries the message id.
var ErrNoRedirect = errors.New("elog: no message id in response")

// Attachment is one file attached to an entry.
type Attachment struct {
	Name string
	Data []byte
}

// Entry is one logbook submission.
type Entry struct {
	Message     string
	Attributes  map[string]string
	Attachments []Attachment
}

// Client posts entries to one logbook.
type Client struct {
	baseURL string
	author  string
	user    string
	pass    string
	http    *http.Client
	log     *zap.Logger
}

// New builds a logbook client. user/pass may be empty for open logbooks.
func New(baseURL, author, user, pass string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		author:  author,
		user:    user,
		pass:    pass,
		http: &http.Client{
			Timeout: timeout,
			// the redirect target carries the message id; don't follow it
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: log,
	}
}

// Author returns the configured default author.
func (c *Client) Author() string { return c.author }

// EntryURL returns the web address of a posted message.
func (c *Client) EntryURL(id string) string {
	return c.baseURL + "/" + id
}

// Post submits an entry and returns the new message id.
func (c *Client) Post(ctx context.Context, entry Entry) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	fields := map[string]string{
		"cmd":      "Submit",
		"Text":     entry.Message,
		"Encoding": "plain",
	}
	if c.user != "" {
		fields["unm"] = c.user
		fields["upwd"] = c.pass
	}
	for k, v := range entry.Attributes {
		fields[k] = v
	}
	if _, ok := fields["Author"]; !ok {
		fields["Author"] = c.author
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return "", fmt.Errorf("elog: form field %s: %w", k, err)
		}
	}
	for i, att := range entry.Attachments {
		part, err := w.CreateFormFile(fmt.Sprintf("attfile%d", i+1), att.Name)
		if err != nil {
			return "", fmt.Errorf("elog: attachment %s: %w", att.Name, err)
		}
		if _, err := part.Write(att.Data); err != nil {
			return "", fmt.Errorf("elog: attachment %s: %w", att.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("elog: finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", &body)
	if err != nil {
		return "", fmt.Errorf("elog: build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("elog: submit: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return "", fmt.Errorf("elog: unexpected status %s", resp.Status)
	}
	loc := resp.Header.Get("Location")
	id := lastSegment(loc)
	if id == "" {
		return "", ErrNoRedirect
	}
	c.log.Info("logbook entry created", zap.String("id", id), zap.String("url", c.EntryURL(id)))
	return id, nil
}

// lastSegment extracts the trailing path segment of a redirect location.
func lastSegment(loc string) string {
	loc = strings.TrimRight(loc, "/")
	if loc == "" {
		return ""
	}
	if i := strings.LastIndexByte(loc, '/'); i >= 0 {
		loc = loc[i+1:]
	}
	// message ids are numeric; anything else is an error page
	for _, r := range loc {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return loc
}
