package mar

import (
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
)

func med(name, dosage, hour string, order int) *MarMedication {
	return &MarMedication{
		ID:             uuid.New(),
		MedicationName: name,
		Dosage:         dosage,
		Hour:           hour,
		Frequency:      1,
		DisplayOrder:   order,
	}
}

func TestGroup_PartitionsByKey(t *testing.T) {
	a1 := med("Lisinopril", "10mg", "9:00 AM", 10)
	a2 := med("Lisinopril", "10mg", "9:00 PM", 20)
	a1.Frequency, a2.Frequency = 2, 2
	b := med("Metformin", "500mg", "8:00 AM", 30)

	got := Group([]*MarMedication{a1, a2, b})
	if len(got) != 2 {
		t.Fatalf("Group returned %d entries, want 2", len(got))
	}
	if !got[0].IsGrouped || len(got[0].Hours) != 2 {
		t.Errorf("first entry = %+v, want grouped with 2 hours", got[0])
	}
	if got[1].IsGrouped || len(got[1].Hours) != 1 {
		t.Errorf("second entry = %+v, want single-row with 1 hour", got[1])
	}
	if got[0].MedicationName != "Lisinopril" || got[1].MedicationName != "Metformin" {
		t.Errorf("entry order = %s, %s; want Lisinopril, Metformin",
			got[0].MedicationName, got[1].MedicationName)
	}
}

func TestGroup_SameNameDifferentDosageStaysSplit(t *testing.T) {
	rows := []*MarMedication{
		med("Warfarin", "5mg", "6:00 PM", 10),
		med("Warfarin", "2.5mg", "6:00 PM", 20),
	}
	got := Group(rows)
	if len(got) != 2 {
		t.Fatalf("Group returned %d entries, want 2 (dosage differs)", len(got))
	}
	for _, e := range got {
		if e.IsGrouped {
			t.Errorf("entry %s %s marked grouped, want single-row", e.MedicationName, e.Dosage)
		}
	}
}

func TestGroup_ExcludesVitalsPlaceholder(t *testing.T) {
	byName := med("VITALS", "", "", 5)
	byNotes := med("Temperature", "", "", 6)
	byNotes.Notes = "Vital Signs Entry"
	real := med("Aspirin", "81mg", "8:00 AM", 10)

	got := Group([]*MarMedication{byName, byNotes, real})
	if len(got) != 1 {
		t.Fatalf("Group returned %d entries, want 1 after placeholder exclusion", len(got))
	}
	if got[0].MedicationName != "Aspirin" {
		t.Errorf("surviving entry = %s, want Aspirin", got[0].MedicationName)
	}
}

func TestGroup_SortsHoursByClock(t *testing.T) {
	rows := []*MarMedication{
		med("Insulin", "10u", "9:00 PM", 10),
		med("Insulin", "10u", "7:30 AM", 20),
		med("Insulin", "10u", "whenever", 30),
		med("Insulin", "10u", "2:00 PM", 40),
		med("Insulin", "10u", "", 50),
	}
	for _, r := range rows {
		r.Frequency = 5
	}

	got := Group(rows)
	if len(got) != 1 {
		t.Fatalf("Group returned %d entries, want 1", len(got))
	}
	wantHours := []string{"7:30 AM", "2:00 PM", "9:00 PM", "whenever", ""}
	if !reflect.DeepEqual(got[0].Hours, wantHours) {
		t.Fatalf("Hours = %v, want %v", got[0].Hours, wantHours)
	}

	// RowIDs must follow their hours through the sort.
	wantIDs := []uuid.UUID{rows[1].ID, rows[3].ID, rows[0].ID, rows[2].ID, rows[4].ID}
	if !reflect.DeepEqual(got[0].RowIDs, wantIDs) {
		t.Errorf("RowIDs not aligned with sorted hours")
	}
}

func TestGroup_LowestDisplayOrderWins(t *testing.T) {
	late := med("Senna", "8.6mg", "9:00 PM", 40)
	early := med("Senna", "8.6mg", "9:00 AM", 20)
	late.Frequency, early.Frequency = 2, 2
	other := med("Tylenol", "500mg", "8:00 AM", 30)

	got := Group([]*MarMedication{late, other, early})
	if len(got) != 2 {
		t.Fatalf("Group returned %d entries, want 2", len(got))
	}
	if got[0].MedicationName != "Senna" || got[0].DisplayOrder != 20 {
		t.Errorf("first entry = %s order %d, want Senna order 20", got[0].MedicationName, got[0].DisplayOrder)
	}
}

func TestGroupExpand_RoundTrip(t *testing.T) {
	// Frequency deliberately disagrees with the physical row count; the
	// stored rows are the ground truth and the round trip must keep all of
	// them.
	rows := []*MarMedication{
		med("Levothyroxine", "50mcg", "7:00 AM", 10),
		med("Levothyroxine", "50mcg", "7:00 PM", 20),
	}
	for _, r := range rows {
		r.Frequency = 3
	}

	expanded := Expand(Group(rows))
	if len(expanded) != len(rows) {
		t.Fatalf("round trip produced %d rows, want %d", len(expanded), len(rows))
	}
	if expanded[0].Hour != "7:00 AM" || expanded[1].Hour != "7:00 PM" {
		t.Errorf("round-trip hours = %q, %q", expanded[0].Hour, expanded[1].Hour)
	}
	for _, r := range expanded {
		if r.MedicationName != "Levothyroxine" || r.Dosage != "50mcg" || r.Frequency != 3 {
			t.Errorf("round-trip row lost identity fields: %+v", r)
		}
	}
}

func TestReconcileHours(t *testing.T) {
	tests := []struct {
		name      string
		frequency int
		hours     []string
		want      []string
	}{
		{"grow pads with empty slots", 3, []string{"9:00 AM"}, []string{"9:00 AM", "", ""}},
		{"shrink truncates from the end", 1, []string{"9:00 AM", "2:00 PM", "9:00 PM"}, []string{"9:00 AM"}},
		{"match leaves hours alone", 2, []string{"9:00 AM", "9:00 PM"}, []string{"9:00 AM", "9:00 PM"}},
		{"zero frequency leaves hours alone", 0, []string{"9:00 AM", "9:00 PM"}, []string{"9:00 AM", "9:00 PM"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := LogicalMedication{
				GroupKey: GroupKey{MedicationName: "Any", Frequency: tt.frequency},
				Hours:    tt.hours,
			}
			got := in.ReconcileHours()
			if !reflect.DeepEqual(got.Hours, tt.want) {
				t.Errorf("ReconcileHours = %v, want %v", got.Hours, tt.want)
			}
			if !reflect.DeepEqual(in.Hours, tt.hours) {
				t.Errorf("ReconcileHours mutated its receiver: %v", in.Hours)
			}
		})
	}
}

func TestExpand_DisplayOrderSpacing(t *testing.T) {
	entries := []LogicalMedication{
		{GroupKey: GroupKey{MedicationName: "A", Frequency: 2}, Hours: []string{"8:00 AM", "8:00 PM"}},
		{GroupKey: GroupKey{MedicationName: "B", Frequency: 1}, Hours: []string{"12:00 PM"}},
	}
	rows := Expand(entries)
	if len(rows) != 3 {
		t.Fatalf("Expand produced %d rows, want 3", len(rows))
	}
	for i, want := range []int{10, 20, 30} {
		if rows[i].DisplayOrder != want {
			t.Errorf("rows[%d].DisplayOrder = %d, want %d", i, rows[i].DisplayOrder, want)
		}
	}
	if rows[2].MedicationName != "B" {
		t.Errorf("rows[2] = %s, want B", rows[2].MedicationName)
	}
}

func TestExpand_ParsesDates(t *testing.T) {
	entries := []LogicalMedication{{
		GroupKey: GroupKey{MedicationName: "A", StartDate: "2025-11-01", StopDate: "2025-11-30", Frequency: 1},
		Hours:    []string{"9:00 AM"},
	}}
	rows := Expand(entries)
	if len(rows) != 1 {
		t.Fatalf("Expand produced %d rows, want 1", len(rows))
	}
	want := time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC)
	if rows[0].StartDate == nil || !rows[0].StartDate.Equal(want) {
		t.Errorf("StartDate = %v, want %v", rows[0].StartDate, want)
	}
	if rows[0].StopDate == nil {
		t.Errorf("StopDate = nil, want parsed date")
	}
}

func TestGroup_EmptyInput(t *testing.T) {
	if got := Group(nil); len(got) != 0 {
		t.Errorf("Group(nil) = %v, want empty", got)
	}
}
