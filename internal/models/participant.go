package models

import "github.com/shopspring/decimal"

// ParticipantKind distinguishes ordinary houses from the central grid supply.
type ParticipantKind string

const (
	KindHouse ParticipantKind = "HOUSE"
	KindGrid  ParticipantKind = "GRID"
)

// GridID is the id of the distinguished grid participant. There is exactly
// one participant with kind GRID, and it always carries this id.
const GridID = "GRID_001"

// Participant is a house or the central grid holding a credit balance.
// Balance mutates only through the transfer engine.
type Participant struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Kind    ParticipantKind `json:"kind"`
	Balance decimal.Decimal `json:"balance"`
}
