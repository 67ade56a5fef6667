// Package worksheet models worksheets and the sort-key protocol that orders
// their items.
//
// Items appended to a worksheet get no sort key and are ordered by their
// storage id. A replace of the items up to a known id assigns sort keys
// strictly below that id, so items appended after the reader's snapshot keep
// sorting after the replaced range.
package worksheet

import (
	"fmt"
	"sort"
	"strings"

	"github.com/franz/bundle-store/internal/util"
)

// Item types
const (
	TypeBundle    = "bundle"
	TypeWorksheet = "worksheet"
	TypeMarkup    = "markup"
	TypeDirective = "directive"
)

const maxNameLength = 255

// Item is one entry of a worksheet. Empty uuids are stored as NULL.
type Item struct {
	ID               int64
	WorksheetUUID    string
	BundleUUID       string
	SubworksheetUUID string
	Value            string
	Type             string
	SortKey          *int64
}

// BundleItem references a bundle.
func BundleItem(bundleUUID string) Item {
	return Item{BundleUUID: bundleUUID, Type: TypeBundle}
}

// SubworksheetItem references another worksheet.
func SubworksheetItem(worksheetUUID string) Item {
	return Item{SubworksheetUUID: worksheetUUID, Type: TypeWorksheet}
}

// MarkupItem is literal text.
func MarkupItem(text string) Item {
	return Item{Value: text, Type: TypeMarkup}
}

// DirectiveItem is a display directive such as "% schema".
func DirectiveItem(text string) Item {
	return Item{Value: text, Type: TypeDirective}
}

// OrderKey is the value items are sorted by: the sort key when assigned,
// otherwise the storage id.
func (it Item) OrderKey() int64 {
	if it.SortKey != nil {
		return *it.SortKey
	}
	return it.ID
}

// Validate checks that the item carries the reference its type requires.
func (it Item) Validate() error {
	switch it.Type {
	case TypeBundle:
		if !util.IsValidUUID(it.BundleUUID) {
			return util.Usagef(util.ErrInvalid, "bundle item has invalid bundle uuid %q", it.BundleUUID)
		}
		if it.SubworksheetUUID != "" {
			return util.Usagef(util.ErrInvalid, "bundle item may not reference a worksheet")
		}
	case TypeWorksheet:
		if !util.IsValidUUID(it.SubworksheetUUID) {
			return util.Usagef(util.ErrInvalid, "worksheet item has invalid worksheet uuid %q", it.SubworksheetUUID)
		}
		if it.BundleUUID != "" {
			return util.Usagef(util.ErrInvalid, "worksheet item may not reference a bundle")
		}
	case TypeMarkup, TypeDirective:
		if it.BundleUUID != "" || it.SubworksheetUUID != "" {
			return util.Usagef(util.ErrInvalid, "%s item may not reference other objects", it.Type)
		}
	default:
		return util.Usagef(util.ErrInvalid, "unknown item type %q", it.Type)
	}
	return nil
}

// SortItems orders items by OrderKey, breaking ties by storage id.
func SortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		ki, kj := items[i].OrderKey(), items[j].OrderKey()
		if ki != kj {
			return ki < kj
		}
		return items[i].ID < items[j].ID
	})
}

// ReplacementSortKeys returns the sort keys for n items replacing every item
// with id <= lastItemID: lastItemID + i - n for i in [0, n). All keys are
// strictly below lastItemID and increase with i. Keys may be negative.
func ReplacementSortKeys(lastItemID int64, n int) []int64 {
	keys := make([]int64, n)
	for i := range keys {
		keys[i] = lastItemID + int64(i) - int64(n)
	}
	return keys
}

// Worksheet is a mutable, ordered document of items.
type Worksheet struct {
	ID      int64
	UUID    string
	Name    string
	OwnerID string
	Items   []Item
}

// New returns an empty worksheet with a fresh uuid.
func New(name, ownerID string) *Worksheet {
	return &Worksheet{UUID: util.GenerateUUID(), Name: name, OwnerID: ownerID}
}

// Validate checks the worksheet fields and every item.
func (w *Worksheet) Validate() error {
	if !util.IsValidUUID(w.UUID) {
		return util.Usagef(util.ErrInvalid, "invalid worksheet uuid %q", w.UUID)
	}
	if err := ValidateName(w.Name); err != nil {
		return err
	}
	for _, it := range w.Items {
		if it.WorksheetUUID != "" && it.WorksheetUUID != w.UUID {
			return util.Usagef(util.ErrInvalid, "item %d belongs to worksheet %s", it.ID, it.WorksheetUUID)
		}
		if err := it.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ValidateName checks a worksheet name.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return util.Usagef(util.ErrInvalid, "worksheet name must not be empty")
	}
	if len(name) > maxNameLength {
		return util.Usagef(util.ErrInvalid, "worksheet name longer than %d bytes", maxNameLength)
	}
	if strings.ContainsAny(name, " \t\n") {
		return util.Usagef(util.ErrInvalid, "worksheet name %q contains whitespace", name)
	}
	return nil
}

// Snapshot captures the state a replace must be based on: the highest item id
// seen and the number of items at or below it.
type Snapshot struct {
	LastItemID int64
	Length     int
}

// Snapshot returns the update precondition for the items currently loaded.
func (w *Worksheet) Snapshot() Snapshot {
	var s Snapshot
	for _, it := range w.Items {
		if it.ID > s.LastItemID {
			s.LastItemID = it.ID
		}
	}
	s.Length = len(w.Items)
	return s
}

func (w *Worksheet) String() string {
	return fmt.Sprintf("worksheet %s (%s)", w.UUID, w.Name)
}
