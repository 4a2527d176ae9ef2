// Package oracle holds the latest accepted price per collateral denom and
// serves it to the core with freshness checks.
package oracle

import (
	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/store"
	"encoding/binary"
	"fmt"
	"time"
)

// Price is one oracle observation. Price carries Exponent decimal places.
type Price struct {
	Denom       string
	Price       uint64
	Exponent    int32
	Confidence  uint64
	PublishedAt int64 // epoch microseconds
	Sequence    int64 // monotonic per denom
}

func (p *Price) CanonicalBytes() []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(len(p.Denom)))
	buf = append(buf, p.Denom...)
	buf = binary.LittleEndian.AppendUint64(buf, p.Price)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.Exponent))
	buf = binary.LittleEndian.AppendUint64(buf, p.Confidence)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.PublishedAt))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.Sequence))
	return buf
}

func (p *Price) Clone() store.Record {
	cp := *p
	return &cp
}

// Key is the record address of a denom's price.
func Key(denom string) store.Key {
	return store.Key{Type: store.RecordPrice, Denom: denom}
}

// PriceFeed is the oracle capability consumed by the core. asOf is the
// versioned timestamp of the command being executed, in epoch microseconds.
type PriceFeed interface {
	Price(denom string, asOf int64) (Price, error)
}

// Book serves prices out of the store.
type Book struct {
	r             store.Reader
	maxAge        time.Duration
	minConfidence uint64
}

func NewBook(r store.Reader, maxAge time.Duration, minConfidence uint64) *Book {
	if minConfidence == 0 {
		minConfidence = 1
	}
	return &Book{r: r, maxAge: maxAge, minConfidence: minConfidence}
}

// Price returns the latest price for denom, rejecting anything missing,
// zero, low-confidence or older than maxAge relative to asOf.
func (b *Book) Price(denom string, asOf int64) (Price, error) {
	rec, ok := b.r.Get(Key(denom))
	if !ok {
		return Price{}, fmt.Errorf("%w: no price for %s", cdperr.ErrStalePrice, denom)
	}
	p := *rec.(*Price)

	if p.Price == 0 {
		return Price{}, fmt.Errorf("%w: zero price for %s", cdperr.ErrStalePrice, denom)
	}
	if p.Confidence < b.minConfidence {
		return Price{}, fmt.Errorf("%w: confidence %d below %d for %s",
			cdperr.ErrStalePrice, p.Confidence, b.minConfidence, denom)
	}
	if age := asOf - p.PublishedAt; age > b.maxAge.Microseconds() {
		return Price{}, fmt.Errorf("%w: %s price is %s old (max %s)",
			cdperr.ErrStalePrice, denom, time.Duration(age)*time.Microsecond, b.maxAge)
	}

	return p, nil
}

// Apply stores an update if it is newer than the current one. Older or
// equal sequences are ignored and reported as not applied.
func Apply(rw store.ReadWriter, update Price) bool {
	key := Key(update.Denom)
	if rec, ok := rw.Get(key); ok {
		if rec.(*Price).Sequence >= update.Sequence {
			return false
		}
	}
	p := update
	rw.Put(key, &p)
	return true
}
