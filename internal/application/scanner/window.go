package scanner

import (
	"sort"
	"time"

	"github.com/alejandrodnm/arbengine/internal/domain"
)

// window is the ranked, bounded set of live opportunities. It is not safe for
// concurrent use; the Scanner guards it with its own mutex.
type window struct {
	limit int
	opps  []domain.Opportunity
}

func newWindow(limit int) *window {
	if limit <= 0 {
		limit = 20
	}
	return &window{limit: limit}
}

// add inserts opportunities, replacing any entry for the same exchange and symbol,
// then keeps the best limit by score. It returns the entries pushed out by the cap.
func (w *window) add(opps []domain.Opportunity) []domain.Opportunity {
	for _, o := range opps {
		replaced := false
		for i := range w.opps {
			if w.opps[i].Exchange == o.Exchange && w.opps[i].Symbol == o.Symbol {
				w.opps[i] = o
				replaced = true
				break
			}
		}
		if !replaced {
			w.opps = append(w.opps, o)
		}
	}

	sort.SliceStable(w.opps, func(i, j int) bool {
		if w.opps[i].Score == w.opps[j].Score {
			return w.opps[i].CreatedAt.After(w.opps[j].CreatedAt)
		}
		return w.opps[i].Score > w.opps[j].Score
	})

	if len(w.opps) <= w.limit {
		return nil
	}
	evicted := append([]domain.Opportunity(nil), w.opps[w.limit:]...)
	w.opps = w.opps[:w.limit]
	return evicted
}

// prune removes and returns every opportunity expired at now.
func (w *window) prune(now time.Time) []domain.Opportunity {
	var expired []domain.Opportunity
	kept := w.opps[:0]
	for _, o := range w.opps {
		if o.IsExpired(now) {
			expired = append(expired, o)
			continue
		}
		kept = append(kept, o)
	}
	w.opps = kept
	return expired
}

// take removes and returns the best unexpired opportunity for exchange.
func (w *window) take(exchange string, now time.Time) (domain.Opportunity, bool) {
	for i, o := range w.opps {
		if o.Exchange != exchange || o.IsExpired(now) {
			continue
		}
		w.opps = append(w.opps[:i], w.opps[i+1:]...)
		return o, true
	}
	return domain.Opportunity{}, false
}

func (w *window) snapshot() []domain.Opportunity {
	return append([]domain.Opportunity(nil), w.opps...)
}
