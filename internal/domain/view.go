package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookView is the full derived state handed to projectors.
type BookView struct {
	Instrument string          `json:"instrument"`
	Increment  decimal.Decimal `json:"increment"`
	Bids       []DepthRow      `json:"bids"`
	Asks       []DepthRow      `json:"asks"`
	Spread     *BookSpread     `json:"spread,omitempty"`
	TopOfBook  *TopOfBook      `json:"top_of_book,omitempty"`
	Condition  *Condition      `json:"condition,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
