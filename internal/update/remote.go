package update

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"go.uber.org/zap"

	"cachegen/internal/faults"
	"cachegen/internal/lifecycle"
)

// Remote reaches a cachegen control API over HTTP.
type Remote struct {
	base   string
	http   *http.Client
	stream *http.Client
	client string
	log    *zap.Logger
}

var _ Background = (*Remote)(nil)

// NewRemote targets base, the control prefix URL (http://host:port/_cachegen).
func NewRemote(base string, log *zap.Logger) *Remote {
	if log == nil {
		log = zap.NewNop()
	}
	return &Remote{
		base:   strings.TrimRight(base, "/"),
		http:   &http.Client{Timeout: 10 * time.Second},
		stream: &http.Client{},
		log:    log.Named("remote"),
	}
}

// Register announces this foreground session and remembers its id.
func (r *Remote) Register(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := r.call(ctx, http.MethodPost, "/clients", nil, &out); err != nil {
		return "", err
	}
	r.client = out.ID
	return out.ID, nil
}

// Unregister ends the session registered by Register.
func (r *Remote) Unregister(ctx context.Context) error {
	if r.client == "" {
		return nil
	}
	err := r.call(ctx, http.MethodDelete, "/clients/"+r.client, nil, nil)
	r.client = ""
	return err
}

func (r *Remote) Post(ctx context.Context, msg lifecycle.Message) (lifecycle.Reply, error) {
	var rep lifecycle.Reply
	err := r.call(ctx, http.MethodPost, "/messages", msg, &rep)
	return rep, err
}

func (r *Remote) Status(ctx context.Context) (lifecycle.Status, error) {
	var st lifecycle.Status
	err := r.call(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// Claim asks the background to take control of every session.
func (r *Remote) Claim(ctx context.Context) (int, error) {
	var out struct {
		Claimed int `json:"claimed"`
	}
	err := r.call(ctx, http.MethodPost, "/claim", nil, &out)
	return out.Claimed, err
}

// Events opens the event stream. Only events for this session's client id
// (when registered) or for no client at all are delivered.
func (r *Remote) Events(ctx context.Context) (<-chan lifecycle.Event, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+"/events", nil)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := r.stream.Do(req)
	if err != nil {
		cancel()
		return nil, nil, faults.Network(err, req.URL.String())
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, nil, fmt.Errorf("events: status %d", resp.StatusCode)
	}

	ch := make(chan lifecycle.Event, 32)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		r.readEvents(ctx, resp.Body, ch)
	}()
	return ch, cancel, nil
}

// readEvents parses "data:" lines of a text/event-stream body.
func (r *Remote) readEvents(ctx context.Context, body io.Reader, ch chan<- lifecycle.Event) {
	sc := bufio.NewScanner(body)
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		case line != "":
			continue
		}
		if data.Len() == 0 {
			continue
		}
		var ev lifecycle.Event
		err := json.Unmarshal([]byte(data.String()), &ev)
		data.Reset()
		if err != nil {
			r.log.Debug("skipping malformed event", zap.Error(err))
			continue
		}
		if ev.Client != "" && r.client != "" && ev.Client != r.client {
			continue
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Remote) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return faults.Network(err, req.URL.String())
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return faults.Network(err, req.URL.String())
	}
	if resp.StatusCode >= 300 {
		var er platformerrors.ErrorResponse
		if json.Unmarshal(b, &er) == nil && er.Code != "" {
			return faults.FromJSON(&er)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(b, out)
}
