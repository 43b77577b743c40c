package models

import "github.com/google/uuid"

// MemberMatch is an enrolled member whose reference embedding is close to a
// probe face.
type MemberMatch struct {
	MemberID uuid.UUID `json:"member_id" db:"member_id"`
	Name     string    `json:"name" db:"name"`
	Score    float32   `json:"score" db:"score"` // cosine similarity
}
