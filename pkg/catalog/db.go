package catalog

import (
	"fluent/pkg/deck"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS decks (
	id    TEXT PRIMARY KEY,
	title TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS cards (
	id         TEXT PRIMARY KEY,
	deck_id    TEXT NOT NULL,
	position   INTEGER NOT NULL,
	question   TEXT NOT NULL,
	correction TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS cards_by_deck ON cards (deck_id, position);
`

type Storage interface {
	Close() error
	LoadDecks() ([]*deck.Deck, error)
	SaveDeck(d *deck.Deck) error
	DeleteDeck(key string) error
}

type StorageImpl struct {
	db *sqlx.DB
}

type deckRow struct {
	ID    string `db:"id"`
	Title string `db:"title"`
}

type cardRow struct {
	ID         string `db:"id"`
	DeckID     string `db:"deck_id"`
	Position   int    `db:"position"`
	Question   string `db:"question"`
	Correction string `db:"correction"`
}

// Connect opens the sqlite catalog at dbPath, creating its tables if needed.
// The driver must be registered by the caller.
func Connect(dbPath string) (*StorageImpl, error) {
	db, err := sqlx.Open("sqlite3", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "open catalog")
	}
	// one connection, so that ":memory:" is a single database
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create catalog schema")
	}
	return &StorageImpl{db}, nil
}

func (s *StorageImpl) Close() error {
	return s.db.Close()
}

func (s *StorageImpl) LoadDecks() ([]*deck.Deck, error) {
	var decks []deckRow
	if err := s.db.Select(&decks, `SELECT id, title FROM decks ORDER BY title, id`); err != nil {
		return nil, errors.Wrap(err, "select decks")
	}
	var cards []cardRow
	if err := s.db.Select(&cards, `
SELECT id, deck_id, position, question, correction
FROM cards
ORDER BY deck_id, position`); err != nil {
		return nil, errors.Wrap(err, "select cards")
	}

	byKey := make(map[string]*deck.Deck, len(decks))
	res := make([]*deck.Deck, 0, len(decks))
	for _, row := range decks {
		d := &deck.Deck{Key: row.ID, Title: row.Title}
		byKey[row.ID] = d
		res = append(res, d)
	}
	for _, row := range cards {
		d, ok := byKey[row.DeckID]
		if !ok {
			return nil, errors.Errorf("card %q belongs to unknown deck %q", row.ID, row.DeckID)
		}
		d.Cards = append(d.Cards, &deck.Card{Key: row.ID, Question: row.Question, Correction: row.Correction})
	}
	return res, nil
}

// SaveDeck replaces the stored title and card sequence of d. A card saved
// under another deck before is taken over by d.
func (s *StorageImpl) SaveDeck(d *deck.Deck) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return errors.Wrap(err, "begin save")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
INSERT INTO decks (id, title) VALUES (?, ?)
ON CONFLICT (id) DO UPDATE SET title = excluded.title`, d.Key, d.Title); err != nil {
		return errors.Wrapf(err, "upsert deck %q", d.Key)
	}
	if _, err := tx.Exec(`DELETE FROM cards WHERE deck_id = ?`, d.Key); err != nil {
		return errors.Wrapf(err, "clear cards of deck %q", d.Key)
	}
	for i, c := range d.Cards {
		if _, err := tx.NamedExec(`
INSERT OR REPLACE INTO cards (id, deck_id, position, question, correction)
VALUES (:id, :deck_id, :position, :question, :correction)`, cardRow{
			ID:         c.Key,
			DeckID:     d.Key,
			Position:   i,
			Question:   c.Question,
			Correction: c.Correction,
		}); err != nil {
			return errors.Wrapf(err, "insert card %q into deck %q", c.Key, d.Key)
		}
	}
	return errors.Wrapf(tx.Commit(), "commit deck %q", d.Key)
}

func (s *StorageImpl) DeleteDeck(key string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return errors.Wrap(err, "begin delete")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM cards WHERE deck_id = ?`, key); err != nil {
		return errors.Wrapf(err, "delete cards of deck %q", key)
	}
	if _, err := tx.Exec(`DELETE FROM decks WHERE id = ?`, key); err != nil {
		return errors.Wrapf(err, "delete deck %q", key)
	}
	return errors.Wrapf(tx.Commit(), "commit deletion of deck %q", key)
}
