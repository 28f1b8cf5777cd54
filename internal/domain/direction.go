package domain

import (
	"strings"

	"github.com/pkg/errors"
)

// Direction is the customer side of a trade.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// ParseDirection validates a direction string.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case DirectionBuy, DirectionSell:
		return d, nil
	default:
		return "", errors.Wrapf(ErrValidation, "unknown direction %q", s)
	}
}

// String returns the string representation of the direction.
func (d Direction) String() string {
	return string(d)
}
