package records

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestKeyedObjectToList_Empty(t *testing.T) {
	for _, snap := range []json.RawMessage{nil, json.RawMessage("null")} {
		list, err := KeyedObjectToList[Appointment]("appointment", snap)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if list == nil || len(list) != 0 {
			t.Fatalf("expected empty non-nil list, got %#v", list)
		}
	}
}

func TestKeyedObjectToList_InjectsKeysInKeyOrder(t *testing.T) {
	snap := json.RawMessage(`{
		"k2": {"doctorName": "Dr. B", "status": "completed"},
		"k1": {"doctorName": "Dr. A", "status": "upcoming", "id": "spoofed"}
	}`)

	list, err := KeyedObjectToList[Appointment]("appointment", snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 items, got %d", len(list))
	}
	if list[0].ID != "k1" || list[0].DoctorName != "Dr. A" {
		t.Errorf("unexpected first item: %+v", list[0])
	}
	if list[1].ID != "k2" || list[1].Status != StatusCompleted {
		t.Errorf("unexpected second item: %+v", list[1])
	}
}

func TestKeyedObjectToList_RejectsBadChildren(t *testing.T) {
	tests := []struct {
		name string
		snap string
	}{
		{"scalar child", `{"k1": "oops"}`},
		{"wrong field type", `{"k1": {"daysLeft": "three"}}`},
		{"unknown status", `{"k1": {"status": "paused"}}`},
		{"not an object", `["a", "b"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := KeyedObjectToList[Prescription]("prescription", json.RawMessage(tt.snap))
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Entity != "prescription" {
				t.Fatalf("expected *ValidationError for prescription, got %#v", err)
			}
		})
	}
}

func TestKeyedObjectToList_ReportsFieldNames(t *testing.T) {
	_, err := KeyedObjectToList[Certificate]("certificate", json.RawMessage(`{"c1": {"type": "parking"}}`))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if ve.Key != "c1" {
		t.Errorf("expected key c1, got %q", ve.Key)
	}
	if len(ve.Fields) != 1 || ve.Fields[0].Field != "type" || ve.Fields[0].Rule != "oneof" {
		t.Errorf("unexpected field errors: %+v", ve.Fields)
	}
}

func TestScanByDoctor(t *testing.T) {
	snap := json.RawMessage(`{
		"p1": {
			"x1": {"medicineName": "Aspirin", "doctorId": "d1", "patientName": "Ana"},
			"x2": {"medicineName": "Other", "doctorId": "d2"}
		},
		"p2": {
			"y1": {"medicineName": "Ibuprofen", "doctorId": "d1", "patientId": "stale"}
		}
	}`)

	list, err := ScanByDoctor[Prescription]("prescription", snap, "d1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 prescriptions, got %d", len(list))
	}
	if list[0].ID != "x1" || list[0].PatientID != "p1" || list[0].PatientName != "Ana" {
		t.Errorf("unexpected first prescription: %+v", list[0])
	}
	if list[1].ID != "y1" || list[1].PatientID != "p2" || list[1].PatientName != UnknownPatient {
		t.Errorf("unexpected second prescription: %+v", list[1])
	}
}

func TestScanByDoctor_IgnoresOtherDoctorsInvalidRecords(t *testing.T) {
	snap := json.RawMessage(`{
		"p1": {"r1": {"doctorId": "d1", "status": "active"}},
		"p2": {
			"r2": {"doctorId": "d2", "status": "on-hold"},
			"r3": "not an object"
		},
		"p3": ["not", "keyed"]
	}`)

	list, err := ScanByDoctor[Prescription]("prescription", snap, "d1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 1 || list[0].ID != "r1" || list[0].PatientID != "p1" {
		t.Fatalf("unexpected scan result: %+v", list)
	}
}

func TestScanByDoctor_InvalidKeptRecordFails(t *testing.T) {
	snap := json.RawMessage(`{"p2": {"r2": {"doctorId": "d2", "status": "on-hold"}}}`)

	_, err := ScanByDoctor[Prescription]("prescription", snap, "d2")
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Key != "r2" {
		t.Fatalf("expected a validation error for r2, got %v", err)
	}
}

func TestScanByDoctor_EmptyCollection(t *testing.T) {
	list, err := ScanByDoctor[Certificate]("certificate", nil, "d1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no certificates, got %d", len(list))
	}
}
