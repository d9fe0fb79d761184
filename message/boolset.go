package message

import "strconv"

// BoolSet is a subset of {false, true}.
type BoolSet uint8

const (
	BoolSetNone  BoolSet = 0
	BoolSetFalse BoolSet = 1
	BoolSetTrue  BoolSet = 2
	BoolSetBoth  BoolSet = 3
)

func BoolSetOf(b bool) BoolSet {
	if b {
		return BoolSetTrue
	}
	return BoolSetFalse
}

func (s BoolSet) Insert(b bool) BoolSet {
	return s | BoolSetOf(b)
}

func (s BoolSet) Contains(b bool) bool {
	return s&BoolSetOf(b) != 0
}

func (s BoolSet) IsSubset(other BoolSet) bool {
	return s&other == s
}

func (s BoolSet) Empty() bool {
	return s == BoolSetNone
}

// Definite returns the single value of a one-element set.
func (s BoolSet) Definite() (bool, bool) {
	switch s {
	case BoolSetFalse:
		return false, true
	case BoolSetTrue:
		return true, true
	default:
		return false, false
	}
}

// Valid reports whether s is a non-empty subset of {false, true}.
func (s BoolSet) Valid() bool {
	return s != BoolSetNone && s <= BoolSetBoth
}

func (s BoolSet) String() string {
	switch s {
	case BoolSetNone:
		return "{}"
	case BoolSetFalse:
		return "{0}"
	case BoolSetTrue:
		return "{1}"
	case BoolSetBoth:
		return "{0,1}"
	default:
		return "BoolSet(" + strconv.Itoa(int(s)) + ")"
	}
}
