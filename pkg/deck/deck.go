package deck

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrCardNotFound  = errors.New("card not found")
	ErrDuplicateCard = errors.New("duplicate card")
)

// Card is a question and its correction. Two cards are the same card when
// their keys match, whatever their content.
type Card struct {
	Key        string `json:"key"`
	Question   string `json:"question"`
	Correction string `json:"correction"`
}

func NewCard(question, correction string) *Card {
	return &Card{Key: uuid.NewString(), Question: question, Correction: correction}
}

func (c *Card) Same(other *Card) bool {
	return c != nil && other != nil && c.Key == other.Key
}

// Copy returns a card with the same content and a fresh key.
func (c *Card) Copy() *Card {
	return NewCard(c.Question, c.Correction)
}

// Deck is an ordered sequence of cards. Order is display order.
type Deck struct {
	Key   string  `json:"key"`
	Title string  `json:"title"`
	Cards []*Card `json:"cards"`
}

func New(title string, cards ...*Card) *Deck {
	d := &Deck{Key: uuid.NewString(), Title: title}
	for _, c := range cards {
		d.Cards = append(d.Cards, c)
	}
	return d
}

func (d *Deck) Len() int {
	return len(d.Cards)
}

func (d *Deck) Index(key string) int {
	for i, c := range d.Cards {
		if c.Key == key {
			return i
		}
	}
	return -1
}

func (d *Deck) Contains(key string) bool {
	return d.Index(key) >= 0
}

func (d *Deck) Card(key string) (*Card, error) {
	i := d.Index(key)
	if i < 0 {
		return nil, errors.Wrapf(ErrCardNotFound, "card %q in deck %q", key, d.Key)
	}
	return d.Cards[i], nil
}

func (d *Deck) Keys() []string {
	keys := make([]string, len(d.Cards))
	for i, c := range d.Cards {
		keys[i] = c.Key
	}
	return keys
}

// Lookup resolves every key to its card, failing on the first key that is
// not a member of the deck.
func (d *Deck) Lookup(keys []string) ([]*Card, error) {
	cards := make([]*Card, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			return nil, errors.Wrapf(ErrDuplicateCard, "card %q listed twice", k)
		}
		seen[k] = true
		c, err := d.Card(k)
		if err != nil {
			return nil, err
		}
		cards = append(cards, c)
	}
	return cards, nil
}

// Insert places cards at index, clamped to the deck bounds. Nothing is
// inserted if any card is already a member.
func (d *Deck) Insert(index int, cards ...*Card) error {
	seen := make(map[string]bool, len(cards))
	for _, c := range cards {
		if d.Contains(c.Key) || seen[c.Key] {
			return errors.Wrapf(ErrDuplicateCard, "card %q in deck %q", c.Key, d.Key)
		}
		seen[c.Key] = true
	}
	if index < 0 || index > len(d.Cards) {
		index = len(d.Cards)
	}
	merged := make([]*Card, 0, len(d.Cards)+len(cards))
	merged = append(merged, d.Cards[:index]...)
	merged = append(merged, cards...)
	merged = append(merged, d.Cards[index:]...)
	d.Cards = merged
	return nil
}

// Remove drops the cards with the given keys. Nothing is removed if any key
// is missing.
func (d *Deck) Remove(keys ...string) error {
	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !d.Contains(k) {
			return errors.Wrapf(ErrCardNotFound, "card %q in deck %q", k, d.Key)
		}
		drop[k] = true
	}
	kept := d.Cards[:0]
	for _, c := range d.Cards {
		if !drop[c.Key] {
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(d.Cards); i++ {
		d.Cards[i] = nil
	}
	d.Cards = kept
	return nil
}
