package mar

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/caremar/caremar/pkg/clocktime"
)

// The legacy vitals placeholder row is marked by either of these values and
// never participates in grouping.
const (
	vitalsPlaceholderName  = "VITALS"
	vitalsPlaceholderNotes = "Vital Signs Entry"
)

// IsVitalsPlaceholder reports whether m is the legacy placeholder row some
// imported forms carry for their vitals section.
func IsVitalsPlaceholder(m *MarMedication) bool {
	return m.MedicationName == vitalsPlaceholderName || m.Notes == vitalsPlaceholderNotes
}

// GroupKey is the identity of a logical medication. Physical rows sharing
// all nine fields are hour slots of the same medication. Dates are held in
// "2006-01-02" form so the struct stays comparable.
type GroupKey struct {
	MedicationName   string `json:"medication_name"`
	Dosage           string `json:"dosage"`
	StartDate        string `json:"start_date"`
	StopDate         string `json:"stop_date"`
	Route            string `json:"route"`
	Notes            string `json:"notes"`
	Parameter        string `json:"parameter"`
	Frequency        int    `json:"frequency"`
	FrequencyDisplay string `json:"frequency_display"`
}

const dateKeyLayout = "2006-01-02"

func dateKey(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(dateKeyLayout)
}

func parseDateKey(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(dateKeyLayout, s)
	if err != nil {
		return nil
	}
	return &t
}

func keyOf(m *MarMedication) GroupKey {
	return GroupKey{
		MedicationName:   m.MedicationName,
		Dosage:           m.Dosage,
		StartDate:        dateKey(m.StartDate),
		StopDate:         dateKey(m.StopDate),
		Route:            m.Route,
		Notes:            m.Notes,
		Parameter:        m.Parameter,
		Frequency:        m.Frequency,
		FrequencyDisplay: m.FrequencyDisplay,
	}
}

// LogicalMedication is one medication as charted: the shared identity fields
// plus the ordered hour slots. RowIDs aligns with Hours so the grid can map
// each slot back to its physical row. IsGrouped marks multi-row entries for
// UI highlighting only.
type LogicalMedication struct {
	GroupKey
	Hours        []string    `json:"hours"`
	RowIDs       []uuid.UUID `json:"row_ids,omitempty"`
	IsGrouped    bool        `json:"is_grouped"`
	DisplayOrder int         `json:"display_order"`
}

// hourSortKey orders hour strings by parsed wall-clock value; unparseable
// and empty hours sort after every real time.
func hourSortKey(hour string) int {
	t, err := clocktime.Parse(hour)
	if err != nil {
		return 24 * 60
	}
	return t.MinuteOfDay()
}

// Group partitions physical rows into logical medications by GroupKey.
// Vitals placeholder rows are excluded. Each partition's hours are sorted
// ascending by parsed time with unparseable hours last in insertion order,
// and the partition carries its lowest display_order. Output is ordered by
// display_order.
func Group(rows []*MarMedication) []LogicalMedication {
	byKey := make(map[GroupKey]*LogicalMedication)
	var order []GroupKey

	for _, m := range rows {
		if IsVitalsPlaceholder(m) {
			continue
		}
		k := keyOf(m)
		lm, ok := byKey[k]
		if !ok {
			lm = &LogicalMedication{GroupKey: k, DisplayOrder: m.DisplayOrder}
			byKey[k] = lm
			order = append(order, k)
		}
		lm.Hours = append(lm.Hours, m.Hour)
		lm.RowIDs = append(lm.RowIDs, m.ID)
		if m.DisplayOrder < lm.DisplayOrder {
			lm.DisplayOrder = m.DisplayOrder
		}
	}

	out := make([]LogicalMedication, 0, len(order))
	for _, k := range order {
		lm := byKey[k]
		sortHours(lm)
		lm.IsGrouped = len(lm.Hours) > 1
		out = append(out, *lm)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DisplayOrder < out[j].DisplayOrder })
	return out
}

func sortHours(lm *LogicalMedication) {
	idx := make([]int, len(lm.Hours))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return hourSortKey(lm.Hours[idx[a]]) < hourSortKey(lm.Hours[idx[b]])
	})

	hours := make([]string, len(idx))
	ids := make([]uuid.UUID, len(idx))
	for i, j := range idx {
		hours[i] = lm.Hours[j]
		ids[i] = lm.RowIDs[j]
	}
	lm.Hours, lm.RowIDs = hours, ids
}

// ReconcileHours returns a copy whose hour list length matches Frequency:
// missing slots are appended empty, surplus slots are truncated from the
// end. A non-positive frequency leaves the list as given. Applied to entries
// a user edited; rows grouped straight from storage keep their hour list as
// the ground truth.
func (lm LogicalMedication) ReconcileHours() LogicalMedication {
	hours := make([]string, len(lm.Hours))
	copy(hours, lm.Hours)
	lm.Hours = hours
	lm.RowIDs = nil

	if lm.Frequency <= 0 || lm.Frequency == len(lm.Hours) {
		return lm
	}
	if lm.Frequency < len(lm.Hours) {
		lm.Hours = lm.Hours[:lm.Frequency]
		return lm
	}
	for len(lm.Hours) < lm.Frequency {
		lm.Hours = append(lm.Hours, "")
	}
	return lm
}

// Expand turns logical medications back into physical rows, one per hour
// slot (empty hours included). Entry order is preserved and rows are given
// display orders spaced by 10 from that order; ids and the owning form are
// left for the caller to stamp.
func Expand(entries []LogicalMedication) []*MarMedication {
	var rows []*MarMedication
	order := 0
	for _, e := range entries {
		for _, hour := range e.Hours {
			order += 10
			rows = append(rows, &MarMedication{
				MedicationName:   e.MedicationName,
				Dosage:           e.Dosage,
				StartDate:        parseDateKey(e.StartDate),
				StopDate:         parseDateKey(e.StopDate),
				Hour:             hour,
				Route:            e.Route,
				Notes:            e.Notes,
				Parameter:        e.Parameter,
				Frequency:        e.Frequency,
				FrequencyDisplay: e.FrequencyDisplay,
				DisplayOrder:     order,
			})
		}
	}
	return rows
}
