// Package feed distributes the document store's change log to subscribers,
// either as a long-lived server-sent event stream or as a single bounded
// poll. Every message is permission filtered by the store and anonymized for
// the subscriber.
package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-doc-gateway/internal/anonymize"
	"github.com/tbourn/go-doc-gateway/internal/domain"
	"github.com/tbourn/go-doc-gateway/internal/scope"
)

// DefaultContextURL is the JSON-LD context advertised by the poll endpoint.
const DefaultContextURL = "https://sci.pe"

// Config configures a Distributor.
type Config struct {
	Feed       domain.ChangeFeed
	ACL        domain.ACL
	Dispatcher *anonymize.Dispatcher
	// Heartbeat is the comment frame interval; defaults to one second.
	Heartbeat time.Duration
	// MaxLimit caps page sizes; defaults to MaxLimit.
	MaxLimit   int
	ContextURL string
	Logger     zerolog.Logger
}

// Distributor is safe for concurrent use; each subscriber gets its own
// connection state.
type Distributor struct {
	feed       domain.ChangeFeed
	acl        domain.ACL
	dispatcher *anonymize.Dispatcher
	heartbeat  time.Duration
	maxLimit   int
	contextURL string
	log        zerolog.Logger

	newTicker func(time.Duration) ticker
}

// New returns a Distributor.
func New(cfg Config) (*Distributor, error) {
	if cfg.Feed == nil {
		return nil, errors.New("feed: nil change feed")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("feed: nil dispatcher")
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = time.Second
	}
	if cfg.MaxLimit <= 0 || cfg.MaxLimit > MaxLimit {
		cfg.MaxLimit = MaxLimit
	}
	if cfg.ContextURL == "" {
		cfg.ContextURL = DefaultContextURL
	}
	return &Distributor{
		feed:       cfg.Feed,
		acl:        cfg.ACL,
		dispatcher: cfg.Dispatcher,
		heartbeat:  cfg.Heartbeat,
		maxLimit:   cfg.MaxLimit,
		contextURL: cfg.ContextURL,
		log:        cfg.Logger.With().Str("component", "feed").Logger(),
		newTicker:  newTimeTicker,
	}, nil
}

// MaxLimit returns the configured page-size ceiling.
func (d *Distributor) MaxLimit() int { return d.maxLimit }

// ContextLink is the Link header value pointing at the JSON-LD context.
func (d *Distributor) ContextLink() string {
	return fmt.Sprintf(`<%s>; rel="http://www.w3.org/ns/json-ld#context"; type="application/ld+json"`, d.contextURL)
}

// Authorize enforces the filter class of req:
// public needs nothing, user needs an identity and access to every requested
// scope, admin needs an administrator.
func (d *Distributor) Authorize(ctx context.Context, req Request) error {
	switch req.Filter {
	case domain.FeedFilterPublic:
		return nil

	case domain.FeedFilterAdmin:
		if req.Viewer.IsPublic() {
			return domain.NewError(http.StatusUnauthorized, "authentication required")
		}
		if d.acl == nil {
			return domain.NewError(http.StatusForbidden, "Unauthorized: you need to be admin to use the admin filter")
		}
		ok, err := d.acl.IsAdmin(ctx, req.Viewer)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NewError(http.StatusForbidden, "Unauthorized: you need to be admin to use the admin filter")
		}
		return nil

	case domain.FeedFilterUser:
		if req.Viewer.IsPublic() {
			return domain.NewError(http.StatusUnauthorized, "authentication required")
		}
		if len(req.Scopes) == 0 {
			return nil
		}
		scopeIDs := make([]string, len(req.Scopes))
		for i, s := range req.Scopes {
			scopeIDs[i] = scope.ScopeOf(s)
		}
		check := func(string, domain.Permission) bool { return false }
		if d.acl != nil {
			c, err := d.acl.Check(ctx, req.Viewer, scopeIDs)
			if err != nil {
				return err
			}
			check = c
		}
		var denied []string
		for i, id := range scopeIDs {
			if strings.HasPrefix(id, "user:") {
				continue
			}
			if check(id, domain.ReadPermission) || check(id, domain.WritePermission) || check(id, domain.AdminPermission) {
				continue
			}
			denied = append(denied, req.Scopes[i])
		}
		if len(denied) > 0 {
			return domain.NewError(http.StatusForbidden,
				"Unauthorized: scope parameter is used for scopes the user do not have access to: %s",
				strings.Join(denied, ", "))
		}
		return nil
	}
	return domain.NewError(http.StatusBadRequest, "invalid filter %q", req.Filter)
}

// Message transforms one change event for req's viewer. ok is false for
// events that carry no document body.
func (d *Distributor) Message(ctx context.Context, ev domain.ChangeEvent, req Request) (domain.FeedMessage, bool, error) {
	if ev.Doc == nil {
		return domain.FeedMessage{}, false, nil
	}
	item, err := d.dispatcher.Document(ctx, ev.Doc, req.Viewer)
	if err != nil {
		return domain.FeedMessage{}, false, err
	}
	if req.ExcludeNodes {
		if _, composite := item["@graph"]; composite {
			item = item.Clone()
			delete(item, "@graph")
		}
	}
	return domain.FeedMessage{
		EventID:   "seq:" + ev.Seq,
		EventType: EventType(kindOf(ev)),
		Item:      item,
	}, true, nil
}

// Poll performs one bounded read of the change log and returns the DataFeed
// envelope. An empty page yields a single item carrying only the new cursor.
func (d *Distributor) Poll(ctx context.Context, req Request) (domain.Document, error) {
	if req.Limit <= 0 || req.Limit > d.maxLimit {
		req.Limit = d.maxLimit
	}
	page, err := d.feed.Changes(ctx, req.Query())
	if err != nil {
		return nil, err
	}

	elements := make([]any, 0, len(page.Results))
	if len(page.Results) == 0 {
		elements = append(elements, domain.Document{"@id": "seq:" + page.LastSeq, "@type": "DataFeedItem"})
	}
	for _, ev := range page.Results {
		msg, ok, err := d.Message(ctx, ev, req)
		if err != nil {
			return nil, err
		}
		if ok {
			elements = append(elements, msg.DataFeedItem())
		}
	}

	return domain.Document{
		"@context":        d.contextURL,
		"@type":           "DataFeed",
		"dataFeedElement": elements,
	}, nil
}
