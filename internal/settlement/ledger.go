package settlement

import (
	"strings"

	"posreturn/internal/domain"
)

type LineKey struct {
	DesignID int64
	Size     string
}

func KeyOf(designID int64, size string) LineKey {
	return LineKey{DesignID: designID, Size: NormalizeSize(size)}
}

func NormalizeSize(size string) string {
	return strings.ToUpper(strings.TrimSpace(size))
}

// Ledger indexes one invoice snapshot by (design, size). It never mutates the
// snapshot it was built from.
type Ledger struct {
	lines map[LineKey]domain.SoldLineItem
}

func NewLedger(items []domain.SoldLineItem) *Ledger {
	lines := make(map[LineKey]domain.SoldLineItem, len(items))
	for _, item := range items {
		key := KeyOf(item.DesignID, item.Size)
		if _, exists := lines[key]; exists {
			continue
		}
		lines[key] = item
	}
	return &Ledger{lines: lines}
}

func (l *Ledger) Lookup(designID int64, size string) (domain.SoldLineItem, bool) {
	line, ok := l.lines[KeyOf(designID, size)]
	return line, ok
}

func (l *Ledger) Returnable(designID int64, size string) int {
	line, ok := l.Lookup(designID, size)
	if !ok {
		return 0
	}
	return line.Returnable()
}
