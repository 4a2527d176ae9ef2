package event

// PriceUpdate is an oracle observation. Meta.SourceSeq is monotonic per denom;
// gaps are tolerated and older updates ignored.
type PriceUpdate struct {
	Meta
	Denom       string `json:"denom"`
	Price       uint64 `json:"price"`
	Exponent    int32  `json:"exponent"`
	Confidence  uint64 `json:"confidence"`
	PublishedAt int64  `json:"published_at_us"`
}

func (c *PriceUpdate) EventType() EventType { return EventTypePriceUpdate }
func (c *PriceUpdate) Subject() string      { return "" }
