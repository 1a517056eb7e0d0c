package couch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/tbourn/go-doc-gateway/internal/domain"
)

const continuousHeartbeat = 30 * time.Second

var errFeedClosed = errors.New("couch: change feed closed by upstream")

type changeRow struct {
	Seq     json.RawMessage `json:"seq"`
	ID      string          `json:"id"`
	Deleted bool            `json:"deleted"`
	Doc     domain.Document `json:"doc"`
	LastSeq json.RawMessage `json:"last_seq"`
}

func (r changeRow) event() domain.ChangeEvent {
	return domain.ChangeEvent{
		Seq:          seqString(r.Seq),
		DocumentID:   r.ID,
		DocumentKind: domain.KindOf(r.ID),
		Deleted:      r.Deleted,
		Doc:          fromCouch(r.Doc),
	}
}

// seqString normalizes CouchDB 1.x numeric and 2.x opaque string sequences.
func seqString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// changesURL builds /{db}/_changes with the filter parameters of q.
func (c *Client) changesURL(q domain.ChangesQuery, continuous bool) *url.URL {
	v := url.Values{}
	v.Set("include_docs", "true")
	since := q.Since
	if since == "" {
		since = "0"
	}
	v.Set("since", since)
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Descending {
		v.Set("descending", "true")
	}
	if q.Filter != "" {
		v.Set("filter", c.design+"/"+string(q.Filter))
	}
	if q.User != "" {
		v.Set("user", q.User)
	}
	if len(q.Scopes) > 0 {
		v.Set("scope", jsonList(q.Scopes))
	}
	if len(q.Outscopes) > 0 {
		v.Set("outscope", jsonList(q.Outscopes))
	}
	if continuous {
		v.Set("feed", "continuous")
		v.Set("heartbeat", strconv.FormatInt(continuousHeartbeat.Milliseconds(), 10))
	}
	u := c.db.JoinPath("_changes")
	u.RawQuery = v.Encode()
	return u
}

func jsonList(ids []string) string {
	b, _ := json.Marshal(ids)
	return string(b)
}

// Changes polls /{db}/_changes once.
func (c *Client) Changes(ctx context.Context, q domain.ChangesQuery) (domain.ChangesPage, error) {
	var res struct {
		Results []changeRow     `json:"results"`
		LastSeq json.RawMessage `json:"last_seq"`
	}
	if err := c.do(ctx, http.MethodGet, c.changesURL(q, false), nil, &res); err != nil {
		return domain.ChangesPage{}, err
	}
	page := domain.ChangesPage{LastSeq: seqString(res.LastSeq)}
	for _, r := range res.Results {
		page.Results = append(page.Results, r.event())
	}
	return page, nil
}

// Subscribe opens a continuous _changes feed. One JSON object arrives per
// line; blank lines are upstream heartbeats.
func (c *Client) Subscribe(ctx context.Context, q domain.ChangesQuery) (domain.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := c.newRequest(ctx, http.MethodGet, c.changesURL(q, true), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := c.streamer.Do(req)
	if err != nil {
		cancel()
		return nil, domain.WrapError(http.StatusBadGateway, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		cancel()
		return nil, statusError(resp)
	}

	sub := &subscription{
		events: make(chan domain.ChangeEvent),
		errs:   make(chan error, 1),
		cancel: cancel,
	}
	go func() {
		defer close(sub.events)
		defer resp.Body.Close()
		sub.read(ctx, resp)
	}()
	return sub, nil
}

type subscription struct {
	events chan domain.ChangeEvent
	errs   chan error
	cancel context.CancelFunc
	once   sync.Once
}

func (s *subscription) Events() <-chan domain.ChangeEvent { return s.events }
func (s *subscription) Errors() <-chan error              { return s.errs }

func (s *subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

func (s *subscription) read(ctx context.Context, resp *http.Response) {
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var row changeRow
		if err := json.Unmarshal(line, &row); err != nil {
			s.errs <- fmt.Errorf("couch: decode change: %w", err)
			return
		}
		if row.ID == "" && len(row.LastSeq) > 0 {
			s.errs <- fmt.Errorf("couch: change feed ended at %s", seqString(row.LastSeq))
			return
		}
		select {
		case s.events <- row.event():
		case <-ctx.Done():
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	if err := sc.Err(); err != nil {
		s.errs <- fmt.Errorf("couch: read change feed: %w", err)
		return
	}
	s.errs <- errFeedClosed
}
