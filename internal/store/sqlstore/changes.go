package sqlstore

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tbourn/go-doc-gateway/internal/domain"
)

// publicKinds are always visible to the public filter; other documents need
// a datePublished.
var publicKinds = map[string]bool{
	"org":     true,
	"journal": true,
	"profile": true,
	"service": true,
	"release": true,
}

// visible applies the feed filter classes to one change-log row.
func visible(q domain.ChangesQuery, row changeRow) bool {
	for _, o := range q.Outscopes {
		if inScopes(row.Scopes, o) {
			return false
		}
	}
	if len(q.Scopes) > 0 {
		matched := false
		for _, sc := range q.Scopes {
			if inScopes(row.Scopes, sc) || row.DocID == sc {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	switch q.Filter {
	case domain.FeedFilterAdmin:
		return true
	case domain.FeedFilterUser:
		if len(q.Scopes) > 0 {
			return true
		}
		return q.User != "" && (row.DocID == q.User || strings.Contains(row.Body, `"`+q.User+`"`))
	}
	return publicKinds[row.Kind] || strings.Contains(row.Body, `"datePublished"`)
}

func inScopes(column, id string) bool {
	return strings.Contains(column, ","+id+",")
}

// resolveSince turns a cursor into a sequence number. "now" is the current
// end of the log; "" starts from the beginning.
func (s *Store) resolveSince(ctx context.Context, since string) (int64, error) {
	switch since {
	case "", "0":
		return 0, nil
	case "now":
		var max int64
		err := s.db.WithContext(ctx).Model(&changeRow{}).Select("COALESCE(MAX(seq), 0)").Scan(&max).Error
		return max, err
	}
	n, err := strconv.ParseInt(since, 10, 64)
	if err != nil || n < 0 {
		return 0, domain.NewError(http.StatusBadRequest, "invalid since cursor %q", since)
	}
	return n, nil
}

func (s *Store) scan(ctx context.Context, after int64, desc bool, limit int) ([]changeRow, error) {
	tx := s.db.WithContext(ctx).Where("seq > ?", after)
	if desc {
		tx = tx.Order("seq DESC")
	} else {
		tx = tx.Order("seq ASC")
	}
	var rows []changeRow
	err := tx.Limit(limit).Find(&rows).Error
	return rows, err
}

func toEvent(row changeRow) (domain.ChangeEvent, error) {
	doc, err := decode(row.Body)
	if err != nil {
		return domain.ChangeEvent{}, err
	}
	return domain.ChangeEvent{
		Seq:          strconv.FormatInt(row.Seq, 10),
		DocumentID:   row.DocID,
		DocumentKind: row.Kind,
		Deleted:      row.Deleted,
		Doc:          doc,
	}, nil
}

// Changes implements domain.ChangeFeed with one bounded read of the log.
func (s *Store) Changes(ctx context.Context, q domain.ChangesQuery) (domain.ChangesPage, error) {
	after, err := s.resolveSince(ctx, q.Since)
	if err != nil {
		return domain.ChangesPage{}, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = scanBatch
	}

	page := domain.ChangesPage{LastSeq: strconv.FormatInt(after, 10)}
	if q.Descending {
		// Newest first, bounded below by the cursor.
		rows, err := s.scan(ctx, after, true, scanBatch)
		if err != nil {
			return page, err
		}
		for _, row := range rows {
			if len(page.Results) == limit {
				break
			}
			page.LastSeq = strconv.FormatInt(row.Seq, 10)
			if !visible(q, row) {
				continue
			}
			ev, err := toEvent(row)
			if err != nil {
				return page, err
			}
			page.Results = append(page.Results, ev)
		}
		return page, nil
	}

	for len(page.Results) < limit {
		rows, err := s.scan(ctx, after, false, scanBatch)
		if err != nil {
			return page, err
		}
		for _, row := range rows {
			after = row.Seq
			page.LastSeq = strconv.FormatInt(row.Seq, 10)
			if !visible(q, row) {
				continue
			}
			ev, err := toEvent(row)
			if err != nil {
				return page, err
			}
			page.Results = append(page.Results, ev)
			if len(page.Results) == limit {
				break
			}
		}
		if len(rows) < scanBatch {
			break
		}
	}
	return page, nil
}

// Subscribe implements domain.ChangeFeed. The subscription replays the log
// after q.Since, then follows new commits.
func (s *Store) Subscribe(ctx context.Context, q domain.ChangesQuery) (domain.Subscription, error) {
	id, wake := s.bus.subscribe()
	after, err := s.resolveSince(ctx, q.Since)
	if err != nil {
		s.bus.unsubscribe(id)
		return nil, err
	}
	sub := &subscription{
		events: make(chan domain.ChangeEvent),
		errs:   make(chan error, 1),
		stop:   make(chan struct{}),
	}
	go func() {
		defer s.bus.unsubscribe(id)
		defer close(sub.events)
		sub.pump(ctx, s, q, after, wake)
	}()
	return sub, nil
}

type subscription struct {
	events chan domain.ChangeEvent
	errs   chan error
	stop   chan struct{}
	once   sync.Once
}

func (sub *subscription) Events() <-chan domain.ChangeEvent { return sub.events }
func (sub *subscription) Errors() <-chan error              { return sub.errs }

func (sub *subscription) Close() error {
	sub.once.Do(func() { close(sub.stop) })
	return nil
}

func (sub *subscription) pump(ctx context.Context, s *Store, q domain.ChangesQuery, after int64, wake <-chan struct{}) {
	t := time.NewTicker(s.poll)
	defer t.Stop()
	for {
		// Drain everything committed after the cursor.
		for {
			rows, err := s.scan(ctx, after, false, scanBatch)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Error().Err(err).Msg("change log scan failed")
					sub.errs <- err
				}
				return
			}
			for _, row := range rows {
				after = row.Seq
				if !visible(q, row) {
					continue
				}
				ev, err := toEvent(row)
				if err != nil {
					sub.errs <- err
					return
				}
				select {
				case sub.events <- ev:
				case <-sub.stop:
					return
				case <-ctx.Done():
					return
				}
			}
			if len(rows) < scanBatch {
				break
			}
		}

		select {
		case <-wake:
		case <-t.C:
		case <-sub.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
