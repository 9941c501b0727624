package domain

import "fmt"

// Balance is the balance of an address expressed in the smallest unit.
type Balance struct {
	Confirmed   int64 `json:"confirmed"`
	Unconfirmed int64 `json:"unconfirmed"`
}

func (b Balance) Equal(other Balance) bool {
	return b.Confirmed == other.Confirmed && b.Unconfirmed == other.Unconfirmed
}

func (b Balance) String() string {
	return fmt.Sprintf(
		"{confirmed: %d, unconfirmed: %d}", b.Confirmed, b.Unconfirmed,
	)
}

type AddressBalance struct {
	Address string  `json:"address"`
	Balance Balance `json:"balance"`
}
