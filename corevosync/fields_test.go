package corevosync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/members_backend/models"
)

func TestBuildAssignmentsTriState(t *testing.T) {
	spec, _ := specFor(models.ClassContact)
	rec, err := decodeSourceRecord(json.RawMessage(`{
		"id": "c-1",
		"modified_at": "2026-03-01T10:00:00Z",
		"first_name": "Aye",
		"email": null
	}`))
	if err != nil {
		t.Fatalf("decodeSourceRecord: %v", err)
	}

	assign, err := buildAssignments(spec, rec)
	if err != nil {
		t.Fatalf("buildAssignments: %v", err)
	}

	if got := assign["first_name"]; got != "Aye" {
		t.Fatalf("present value must be assigned, got %v", got)
	}
	if v, ok := assign["email"]; !ok || v != nil {
		t.Fatalf("explicit null must assign nil, got %v (present=%v)", v, ok)
	}
	if _, ok := assign["phone"]; ok {
		t.Fatal("absent field must not produce an assignment")
	}
	if _, ok := assign["last_name"]; ok {
		t.Fatal("absent field must not produce an assignment")
	}
}

func TestSourceRecordSystemFields(t *testing.T) {
	rec, _ := decodeSourceRecord(json.RawMessage(`{"id":" m-7 ","modified_at":"2026-03-01T10:00:00+06:30"}`))

	if rec.NaturalKey() != "m-7" {
		t.Fatalf("expected trimmed natural key, got %q", rec.NaturalKey())
	}
	modified, err := rec.ModifiedAt()
	if err != nil || modified == nil {
		t.Fatalf("ModifiedAt: %v", err)
	}
	want := time.Date(2026, 3, 1, 3, 30, 0, 0, time.UTC)
	if !modified.UTC().Equal(want) {
		t.Fatalf("expected %v, got %v", want, modified.UTC())
	}

	noStamp, _ := decodeSourceRecord(json.RawMessage(`{"id":"m-8","modified_at":null}`))
	if modified, err := noStamp.ModifiedAt(); err != nil || modified != nil {
		t.Fatalf("null modified_at must read as absent, got %v / %v", modified, err)
	}
}

func TestBuildAssignmentsDecimalAndList(t *testing.T) {
	spec, _ := specFor(models.ClassPayment)
	rec, _ := decodeSourceRecord(json.RawMessage(`{
		"id": "p-1",
		"amount": 150000.50,
		"currency": "MMK",
		"paid_on": "2026-02-14"
	}`))

	assign, err := buildAssignments(spec, rec)
	if err != nil {
		t.Fatalf("buildAssignments: %v", err)
	}
	amount, ok := assign["amount"].(decimal.Decimal)
	if !ok || !amount.Equal(decimal.RequireFromString("150000.50")) {
		t.Fatalf("unexpected amount %v", assign["amount"])
	}
	paidOn, ok := assign["paid_on"].(time.Time)
	if !ok || paidOn.Format("2006-01-02") != "2026-02-14" {
		t.Fatalf("unexpected paid_on %v", assign["paid_on"])
	}

	regSpec, _ := specFor(models.ClassRegistration)
	regRec, _ := decodeSourceRecord(json.RawMessage(`{"id":"r-1","payment_ids":["p-1","p-2"]}`))
	regAssign, err := buildAssignments(regSpec, regRec)
	if err != nil {
		t.Fatalf("buildAssignments: %v", err)
	}
	list, ok := regAssign["payment_ids"].(models.StringList)
	if !ok || len(list) != 2 || list[0] != "p-1" {
		t.Fatalf("unexpected payment_ids %v", regAssign["payment_ids"])
	}
}

func TestBuildAssignmentsNormalizesPhone(t *testing.T) {
	spec, _ := specFor(models.ClassContact)
	rec, _ := decodeSourceRecord(json.RawMessage(`{"id":"c-2","phone":"09 79 012 3456"}`))

	assign, err := buildAssignments(spec, rec)
	if err != nil {
		t.Fatalf("buildAssignments: %v", err)
	}
	if got := assign["phone"]; got != "+959790123456" {
		t.Fatalf("expected E.164 phone, got %v", got)
	}
}

func TestBuildAssignmentsRejectsBadValues(t *testing.T) {
	spec, _ := specFor(models.ClassPayment)
	rec, _ := decodeSourceRecord(json.RawMessage(`{"id":"p-2","amount":"not-a-number"}`))
	if _, err := buildAssignments(spec, rec); err == nil {
		t.Fatal("expected error for unparseable amount")
	}

	cSpec, _ := specFor(models.ClassContact)
	badBool, _ := decodeSourceRecord(json.RawMessage(`{"id":"c-3","active":"yes"}`))
	if _, err := buildAssignments(cSpec, badBool); err == nil {
		t.Fatal("expected error for non-boolean active flag")
	}

	badEmail, _ := decodeSourceRecord(json.RawMessage(`{"id":"c-4","email":"not-an-address"}`))
	if _, err := buildAssignments(cSpec, badEmail); err == nil {
		t.Fatal("expected error for malformed email")
	}
	okEmail, _ := decodeSourceRecord(json.RawMessage(`{"id":"c-4","email":"aye@example.com"}`))
	assign, err := buildAssignments(cSpec, okEmail)
	if err != nil {
		t.Fatalf("buildAssignments: %v", err)
	}
	if assign["email"] != "aye@example.com" {
		t.Fatalf("unexpected email %v", assign["email"])
	}
	nullEmail, _ := decodeSourceRecord(json.RawMessage(`{"id":"c-4","email":null}`))
	assign, err = buildAssignments(cSpec, nullEmail)
	if err != nil {
		t.Fatalf("buildAssignments: %v", err)
	}
	if assign["email"] != nil {
		t.Fatalf("null email must clear, got %v", assign["email"])
	}
}

func TestBuildPushPayloadRoundTrip(t *testing.T) {
	spec, _ := specFor(models.ClassContact)
	started := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	row := map[string]interface{}{
		"first_name": []byte("Aye"),
		"last_name":  "Mya",
		"is_active":  int64(1),
		"phone":      "+959790123456",
		"created_at": started,
	}

	payload := buildPushPayload(spec, row)
	if payload["first_name"] != "Aye" {
		t.Fatalf("byte columns must convert to strings, got %v", payload["first_name"])
	}
	if payload["active"] != true {
		t.Fatalf("tinyint must convert to bool, got %v", payload["active"])
	}
	if _, ok := payload["created_at"]; ok {
		t.Fatal("columns outside the field table must not be pushed")
	}
	if _, ok := payload["id"]; ok {
		t.Fatal("the natural key is never part of a push payload")
	}
}

func TestParseIdList(t *testing.T) {
	ids := ParseIdList("c-1, c-2\nc-3\r\n c-1 ,\n")
	if len(ids) != 3 || ids[0] != "c-1" || ids[1] != "c-2" || ids[2] != "c-3" {
		t.Fatalf("unexpected ids %v", ids)
	}
	if got := ParseIdList("  \n , "); len(got) != 0 {
		t.Fatalf("expected empty list, got %v", got)
	}
}

func TestValidateFirstRecordGate(t *testing.T) {
	spec, _ := specFor(models.ClassContact)

	if err := validateFirstRecord(spec, json.RawMessage(`{"id":"c-1","first_name":"Aye"}`)); err != nil {
		t.Fatalf("valid first record rejected: %v", err)
	}
	if err := validateFirstRecord(spec, json.RawMessage(`{"first_name":"Aye"}`)); err == nil {
		t.Fatal("first record without natural key must be rejected")
	}
	if err := validateFirstRecord(spec, json.RawMessage(`{"id":"c-1","modified_at":"yesterday"}`)); err == nil {
		t.Fatal("unparseable modified_at must be rejected")
	}
	if err := validateFirstRecord(spec, json.RawMessage(`{"id":"c-1","shoe_size":43}`)); err == nil {
		t.Fatal("unknown fields must be rejected")
	}
}
