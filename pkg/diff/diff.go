// ABOUTME: Field-level diff between two menu snapshots
// ABOUTME: Pure and deterministic; no I/O

package diff

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/AuraTechWave/menuvault/pkg/menu"
)

// Compare computes the field-level delta from snapshot a to snapshot b.
// Entities are matched by id within their kind; entities only in a are
// removed, only in b are added. Numeric fields compare as fixed integers
// and an item's modifier-group membership compares as a set, since display
// order is not meaningful to pricing. A category's item containment compares
// as the ordered id list.
func Compare(a, b *menu.Snapshot) ChangeSet {
	ia := index(a)
	ib := index(b)

	var cs ChangeSet

	for ref, ea := range ia {
		eb, ok := ib[ref]
		if !ok {
			cs.Removed = append(cs.Removed, ref)
			continue
		}
		fields := compareEntity(ref.Kind, ea, eb)
		if len(fields) > 0 {
			cs.Modified = append(cs.Modified, EntityDiff{Kind: ref.Kind, ID: ref.ID, Fields: fields})
		}
	}
	for ref := range ib {
		if _, ok := ia[ref]; !ok {
			cs.Added = append(cs.Added, ref)
		}
	}

	sort.Slice(cs.Added, func(i, j int) bool { return refLess(cs.Added[i], cs.Added[j]) })
	sort.Slice(cs.Removed, func(i, j int) bool { return refLess(cs.Removed[i], cs.Removed[j]) })
	sort.Slice(cs.Modified, func(i, j int) bool {
		return refLess(EntityRef{cs.Modified[i].Kind, cs.Modified[i].ID},
			EntityRef{cs.Modified[j].Kind, cs.Modified[j].ID})
	})
	return cs
}

// index flattens a snapshot into ref -> entity for the closed kind set.
func index(s *menu.Snapshot) map[EntityRef]any {
	m := make(map[EntityRef]any)
	if s == nil {
		return m
	}
	for i := range s.Categories {
		c := &s.Categories[i]
		m[EntityRef{KindCategory, c.ID}] = c
		for j := range c.Items {
			m[EntityRef{KindItem, c.Items[j].ID}] = &c.Items[j]
		}
	}
	for i := range s.ModifierGroups {
		g := &s.ModifierGroups[i]
		m[EntityRef{KindModifierGroup, g.ID}] = g
		for j := range g.Modifiers {
			m[EntityRef{KindModifier, g.Modifiers[j].ID}] = &g.Modifiers[j]
		}
	}
	return m
}

func compareEntity(kind Kind, a, b any) []FieldChange {
	var fields []FieldChange
	switch kind {
	case KindCategory:
		fields = compareCategory(a.(*menu.Category), b.(*menu.Category))
	case KindItem:
		fields = compareItem(a.(*menu.Item), b.(*menu.Item))
	case KindModifierGroup:
		fields = compareModifierGroup(a.(*menu.ModifierGroup), b.(*menu.ModifierGroup))
	case KindModifier:
		fields = compareModifier(a.(*menu.Modifier), b.(*menu.Modifier))
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
	return fields
}

func compareCategory(a, b *menu.Category) []FieldChange {
	var f []FieldChange
	f = appendStr(f, "name", a.Name, b.Name)
	// Item containment is part of the category record and is ordered, so an
	// item moving between categories shows up on both sides of the move.
	f = appendStr(f, "items", listString(itemIDs(a)), listString(itemIDs(b)))
	return f
}

func itemIDs(c *menu.Category) []string {
	ids := make([]string, len(c.Items))
	for i := range c.Items {
		ids[i] = c.Items[i].ID
	}
	return ids
}

func compareItem(a, b *menu.Item) []FieldChange {
	var f []FieldChange
	f = appendStr(f, "name", a.Name, b.Name)
	f = appendStr(f, "description", a.Description, b.Description)
	if a.Price != b.Price {
		f = append(f, FieldChange{"price", a.Price.String(), b.Price.String()})
	}
	if a.TaxRate != b.TaxRate {
		f = append(f, FieldChange{"tax_rate", a.TaxRate.String(), b.TaxRate.String()})
	}
	if a.Available != b.Available {
		f = append(f, FieldChange{"available", strconv.FormatBool(a.Available), strconv.FormatBool(b.Available)})
	}
	if a.Availability != b.Availability {
		f = append(f, FieldChange{"availability", windowString(a.Availability), windowString(b.Availability)})
	}
	if !sameSet(a.ModifierGroupIDs, b.ModifierGroupIDs) {
		f = append(f, FieldChange{"modifier_groups", setString(a.ModifierGroupIDs), setString(b.ModifierGroupIDs)})
	}
	return f
}

func compareModifierGroup(a, b *menu.ModifierGroup) []FieldChange {
	var f []FieldChange
	f = appendStr(f, "name", a.Name, b.Name)
	if a.MinSelect != b.MinSelect {
		f = append(f, FieldChange{"min_select", strconv.Itoa(a.MinSelect), strconv.Itoa(b.MinSelect)})
	}
	if a.MaxSelect != b.MaxSelect {
		f = append(f, FieldChange{"max_select", strconv.Itoa(a.MaxSelect), strconv.Itoa(b.MaxSelect)})
	}
	if a.Required != b.Required {
		f = append(f, FieldChange{"required", strconv.FormatBool(a.Required), strconv.FormatBool(b.Required)})
	}
	return f
}

func compareModifier(a, b *menu.Modifier) []FieldChange {
	var f []FieldChange
	f = appendStr(f, "name", a.Name, b.Name)
	if a.PriceDelta != b.PriceDelta {
		f = append(f, FieldChange{"price_delta", a.PriceDelta.String(), b.PriceDelta.String()})
	}
	return f
}

func appendStr(f []FieldChange, name, a, b string) []FieldChange {
	if a != b {
		f = append(f, FieldChange{name, a, b})
	}
	return f
}

// sameSet compares two id lists ignoring order and duplicates.
func sameSet(a, b []string) bool {
	sa := make(map[string]struct{}, len(a))
	for _, v := range a {
		sa[v] = struct{}{}
	}
	sb := make(map[string]struct{}, len(b))
	for _, v := range b {
		sb[v] = struct{}{}
	}
	if len(sa) != len(sb) {
		return false
	}
	for v := range sa {
		if _, ok := sb[v]; !ok {
			return false
		}
	}
	return true
}

func listString(ids []string) string {
	return "[" + strings.Join(ids, ",") + "]"
}

func setString(ids []string) string {
	uniq := make(map[string]struct{}, len(ids))
	for _, v := range ids {
		uniq[v] = struct{}{}
	}
	sorted := make([]string, 0, len(uniq))
	for v := range uniq {
		sorted = append(sorted, v)
	}
	sort.Strings(sorted)
	return "{" + strings.Join(sorted, ",") + "}"
}

func windowString(w menu.Window) string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d/0x%02x",
		w.OpenMinute/60, w.OpenMinute%60, w.CloseMinute/60, w.CloseMinute%60, w.Days)
}
