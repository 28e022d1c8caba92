package orderbook

import (
	"sort"

	"github.com/shopspring/decimal"

	"cryptostream/models"
)

// side keeps one half of a book sorted by price: descending for bids,
// ascending for asks. Prices are unique.
type side struct {
	levels []models.Level
	desc   bool
}

func newSide(desc bool) side {
	return side{desc: desc}
}

// search returns the index where price is or would be inserted.
func (s *side) search(price decimal.Decimal) int {
	return sort.Search(len(s.levels), func(i int) bool {
		cmp := s.levels[i].Price.Cmp(price)
		if s.desc {
			return cmp <= 0
		}
		return cmp >= 0
	})
}

// update upserts lvl, or deletes its price when the size is zero.
func (s *side) update(lvl models.Level) {
	i := s.search(lvl.Price)
	found := i < len(s.levels) && s.levels[i].Price.Equal(lvl.Price)
	switch {
	case lvl.Size.IsZero() && found:
		s.levels = append(s.levels[:i], s.levels[i+1:]...)
	case lvl.Size.IsZero():
	case found:
		s.levels[i] = lvl
	default:
		s.levels = append(s.levels, models.Level{})
		copy(s.levels[i+1:], s.levels[i:])
		s.levels[i] = lvl
	}
}

func (s *side) replace(levels []models.Level) {
	s.levels = s.levels[:0]
	for _, lvl := range levels {
		s.update(lvl)
	}
}

// trim drops the worst priced levels beyond depth.
func (s *side) trim(depth int) {
	if depth > 0 && len(s.levels) > depth {
		s.levels = s.levels[:depth]
	}
}

func (s *side) get(price decimal.Decimal) (models.Level, bool) {
	i := s.search(price)
	if i < len(s.levels) && s.levels[i].Price.Equal(price) {
		return s.levels[i], true
	}
	return models.Level{}, false
}

func (s *side) snapshot(limit int) []models.Level {
	n := len(s.levels)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]models.Level, n)
	copy(out, s.levels[:n])
	return out
}
