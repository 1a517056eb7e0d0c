package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/text/cases"
	"gorm.io/gorm"

	"github.com/tbourn/go-doc-gateway/internal/domain"
	"github.com/tbourn/go-doc-gateway/internal/scope"
)

const (
	defaultSearchLimit = 100
	defaultPoll        = 2 * time.Second
	scanBatch          = 500
)

// Store implements domain.DocumentStore.
type Store struct {
	db        *gorm.DB
	bus       *bus
	extractor *scope.Extractor
	poll      time.Duration
	log       zerolog.Logger
}

var _ domain.DocumentStore = (*Store)(nil)

// Option tunes a Store.
type Option func(*Store)

// WithExtractor sets the scope extractor used to index documents.
func WithExtractor(e *scope.Extractor) Option {
	return func(s *Store) { s.extractor = e }
}

// WithPollInterval sets how often live subscriptions re-read the change log
// without a wakeup, which picks up writes made by other processes sharing the
// database file.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.poll = d
		}
	}
}

// New returns a Store over a migrated database.
func New(db *gorm.DB, logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		db:        db,
		bus:       newBus(),
		extractor: scope.Default(),
		poll:      defaultPoll,
		log:       logger.With().Str("component", "sqlstore").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the current revision of id. A "?version=" suffix is ignored.
func (s *Store) Get(ctx context.Context, id string, _ domain.GetOptions) (domain.Document, error) {
	id = scope.ScopeOf(id)
	var row docRow
	err := s.db.WithContext(ctx).Where("id = ? AND deleted = ?", id, false).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decode(row.Body)
}

// Post creates or replaces a document. When the document carries a "_rev"
// it must match the stored revision.
func (s *Store) Post(ctx context.Context, doc domain.Document, opts domain.WriteOptions) (domain.Document, error) {
	if doc == nil {
		return nil, domain.NewError(http.StatusBadRequest, "empty document")
	}
	doc = doc.Clone()
	id := doc.ID()
	if id == "" {
		id = defaultKind(doc.Type()) + ":" + uuid.NewString()
		doc["@id"] = id
	}
	id = scope.ScopeOf(id)
	if !opts.Viewer.IsPublic() {
		if _, ok := doc["agent"]; !ok && strings.HasPrefix(id, "action:") {
			doc["agent"] = opts.Viewer.UserID()
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev docRow
		err := tx.Where("id = ?", id).First(&prev).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			prev = docRow{}
		case err != nil:
			return err
		}
		if want, ok := doc["_rev"].(string); ok && want != "" && (prev.Rev == 0 || prev.Deleted || want != revString(prev.Rev)) {
			return fmt.Errorf("%w: %s", domain.ErrConflict, id)
		}

		rev := prev.Rev + 1
		doc["_rev"] = revString(rev)
		body, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		row := docRow{
			ID:        id,
			Kind:      domain.KindOf(id),
			Scopes:    s.scopeColumn(doc),
			Name:      foldName(nameOf(doc)),
			Rev:       rev,
			Body:      string(body),
			UpdatedAt: time.Now().UTC(),
		}
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		return appendChange(tx, row)
	})
	if err != nil {
		return nil, err
	}
	s.bus.publish()
	return doc, nil
}

// Delete tombstones id. Deleting a graph also removes every document scoped
// to it. The returned list holds the documents as they were before deletion.
func (s *Store) Delete(ctx context.Context, id string, _ domain.WriteOptions) ([]domain.Document, error) {
	id = scope.ScopeOf(id)
	var deleted []domain.Document
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("deleted = ?", false)
		if domain.KindOf(id) == "graph" {
			q = q.Where("id = ? OR scopes LIKE ?", id, "%,"+id+",%")
		} else {
			q = q.Where("id = ?", id)
		}
		var rows []docRow
		if err := q.Order("id").Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
		}
		for _, row := range rows {
			doc, err := decode(row.Body)
			if err != nil {
				return err
			}
			deleted = append(deleted, doc)

			tomb := domain.Document{"@id": row.ID, "_deleted": true}
			if t := doc.Type(); t != "" {
				tomb["@type"] = t
			}
			row.Rev++
			tomb["_rev"] = revString(row.Rev)
			body, err := json.Marshal(tomb)
			if err != nil {
				return err
			}
			row.Deleted = true
			row.Body = string(body)
			row.UpdatedAt = time.Now().UTC()
			if err := tx.Save(&row).Error; err != nil {
				return err
			}
			if err := appendChange(tx, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.bus.publish()
	return deleted, nil
}

// Search lists live documents of kind, optionally restricted to scopes and a
// case-insensitive name substring.
func (s *Store) Search(ctx context.Context, kind string, q domain.SearchQuery) ([]domain.Document, error) {
	tx := s.db.WithContext(ctx).Model(&docRow{}).Where("kind = ? AND deleted = ?", kind, false)
	if len(q.Scope) > 0 {
		clauses := make([]string, len(q.Scope))
		args := make([]any, len(q.Scope))
		for i, sc := range q.Scope {
			clauses[i] = "scopes LIKE ?"
			args[i] = "%," + scope.ScopeOf(sc) + ",%"
		}
		tx = tx.Where(strings.Join(clauses, " OR "), args...)
	}
	if t := strings.TrimSpace(q.Text); t != "" {
		tx = tx.Where("name LIKE ?", "%"+foldName(t)+"%")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	var rows []docRow
	if err := tx.Order("id").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Document, 0, len(rows))
	for _, row := range rows {
		doc, err := decode(row.Body)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// BulkGet returns the requested documents in request order. Missing ids and
// stale revisions are skipped.
func (s *Store) BulkGet(ctx context.Context, refs []domain.DocRef) ([]domain.Document, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(refs))
	for i, r := range refs {
		ids[i] = scope.ScopeOf(r.ID)
	}
	var rows []docRow
	if err := s.db.WithContext(ctx).Where("id IN ? AND deleted = ?", ids, false).Find(&rows).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]docRow, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	out := make([]domain.Document, 0, len(refs))
	for i, r := range refs {
		row, ok := byID[ids[i]]
		if !ok || (r.Rev != "" && r.Rev != revString(row.Rev)) {
			continue
		}
		doc, err := decode(row.Body)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (s *Store) scopeColumn(doc domain.Document) string {
	scopes := s.extractor.Extract(doc)
	if len(scopes) == 0 {
		return ""
	}
	return "," + strings.Join(scopes, ",") + ","
}

func appendChange(tx *gorm.DB, row docRow) error {
	return tx.Create(&changeRow{
		DocID:     row.ID,
		Kind:      row.Kind,
		Scopes:    row.Scopes,
		Deleted:   row.Deleted,
		Body:      row.Body,
		CreatedAt: time.Now().UTC(),
	}).Error
}

func decode(body string) (domain.Document, error) {
	var doc domain.Document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("sqlstore: decode document: %w", err)
	}
	return doc, nil
}

func revString(rev int) string { return strconv.Itoa(rev) }

// foldName is the case-insensitive form names are indexed and matched in
// ("Straße" and "STRASSE" fold alike).
func foldName(s string) string { return cases.Fold().String(s) }

func nameOf(doc domain.Document) string {
	if s, ok := doc["name"].(string); ok {
		return s
	}
	return ""
}

// defaultKind picks the id prefix for documents posted without an id.
func defaultKind(typ string) string {
	switch {
	case strings.HasSuffix(typ, "Action"):
		return "action"
	case typ == "Graph":
		return "graph"
	case typ == "Periodical":
		return "journal"
	case typ == "Organization":
		return "org"
	}
	return "node"
}
