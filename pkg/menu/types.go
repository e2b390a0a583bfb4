// ABOUTME: Menu graph data model for versioned snapshots
// ABOUTME: Categories contain items; items reference modifier groups

package menu

import "fmt"

// Cents is a money amount in minor units. Prices are never floats so that
// diffing two snapshots compares exact integers.
type Cents int64

// String renders the amount as a fixed two-decimal string, e.g. "12.00".
func (c Cents) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// BasisPoints is a rate in hundredths of a percent (e.g. 825 = 8.25%).
type BasisPoints int32

// String renders the rate as a percentage string, e.g. "8.25%".
func (b BasisPoints) String() string {
	return fmt.Sprintf("%d.%02d%%", b/100, b%100)
}

// Weekday bitmask values for availability windows.
const (
	Monday uint8 = 1 << iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
	AllWeek = Monday | Tuesday | Wednesday | Thursday | Friday | Saturday | Sunday
)

// Window is the availability window of an item: open/close expressed as
// minutes since midnight plus a weekday bitmask.
type Window struct {
	OpenMinute  int   `json:"open_minute"`
	CloseMinute int   `json:"close_minute"`
	Days        uint8 `json:"days"`
}

// Modifier is a single selectable option with a price delta.
type Modifier struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PriceDelta Cents  `json:"price_delta"`
}

// ModifierGroup is an ordered set of modifiers with selection constraints.
type ModifierGroup struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	MinSelect int        `json:"min_select"`
	MaxSelect int        `json:"max_select"`
	Required  bool       `json:"required"`
	Modifiers []Modifier `json:"modifiers"`
}

// Item is a sellable menu entry within a category.
type Item struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Description      string      `json:"description"`
	Price            Cents       `json:"price"`
	TaxRate          BasisPoints `json:"tax_rate"`
	Available        bool        `json:"available"`
	Availability     Window      `json:"availability"`
	ModifierGroupIDs []string    `json:"modifier_group_ids"`
}

// Category is an ordered set of items.
type Category struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Items []Item `json:"items"`
}

// Snapshot is the full state of one scope's menu graph at a version.
// Snapshots are immutable once stored; display order of categories, items
// and modifiers is preserved as given.
type Snapshot struct {
	Categories     []Category      `json:"categories"`
	ModifierGroups []ModifierGroup `json:"modifier_groups"`
}
