package corevosync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/members_backend/config"
	"bitbucket.org/mmdatafocus/members_backend/models"
)

// fakeCorevo serves the paginated list/get/patch surface the engine
// consumes, backed by in-memory records.
type fakeCorevo struct {
	mu      sync.Mutex
	data    map[string][]map[string]interface{}
	patches []fakePatch
}

type fakePatch struct {
	Class string
	Id    string
	Body  map[string]interface{}
}

func newFakeCorevo() *fakeCorevo {
	return &fakeCorevo{data: map[string][]map[string]interface{}{}}
}

func (f *fakeCorevo) setRecord(class string, rec map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, _ := rec["id"].(string)
	for i, existing := range f.data[class] {
		if existing["id"] == id {
			f.data[class][i] = rec
			return
		}
	}
	f.data[class] = append(f.data[class], rec)
}

func (f *fakeCorevo) patchedIds(class string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, p := range f.patches {
		if p.Class == class {
			ids = append(ids, p.Id)
		}
	}
	return ids
}

func (f *fakeCorevo) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case len(parts) == 1 && r.Method == http.MethodGet:
			class := parts[0]
			records := f.data[class]
			limit := 100
			if v := r.URL.Query().Get("limit"); v != "" {
				if n, err := strconv.Atoi(v); err == nil && n > 0 {
					limit = n
				}
			}
			offset := 0
			if v := r.URL.Query().Get("cursor"); v != "" {
				if n, err := strconv.Atoi(v); err == nil {
					offset = n
				}
			}
			end := offset + limit
			if end > len(records) {
				end = len(records)
			}
			var page []map[string]interface{}
			if offset < len(records) {
				page = records[offset:end]
			}
			results := make([]json.RawMessage, 0, len(page))
			for _, rec := range page {
				b, _ := json.Marshal(rec)
				results = append(results, b)
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"results":   results,
				"remaining": len(records) - offset - len(page),
			})

		case len(parts) == 2 && r.Method == http.MethodGet:
			class, id := parts[0], parts[1]
			for _, rec := range f.data[class] {
				if rec["id"] == id {
					_ = json.NewEncoder(w).Encode(rec)
					return
				}
			}
			http.NotFound(w, r)

		case len(parts) == 2 && r.Method == http.MethodPatch:
			class, id := parts[0], parts[1]
			var body map[string]interface{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.patches = append(f.patches, fakePatch{Class: class, Id: id, Body: body})
			w.WriteHeader(http.StatusOK)

		default:
			http.NotFound(w, r)
		}
	})
}

func setupIntegration(t *testing.T) *gorm.DB {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "members_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	return config.GetDB()
}

func setupFakeSource(t *testing.T, fake *fakeCorevo) {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	t.Setenv("COREVO_API_BASE_URL", srv.URL)
	t.Setenv("COREVO_RATE_LIMIT_PER_MIN", "600000")
	t.Setenv("COREVO_PAGE_SIZE", "100")
}

func createConnection(t *testing.T, db *gorm.DB) *models.SyncConnection {
	t.Helper()
	conn := &models.SyncConnection{
		Provider:      models.SyncProviderCorevo,
		Status:        models.SyncStatusConnected,
		AuthSecretRef: "test-key",
		SettingsJSON:  EncodeClasses(DefaultClasses()),
	}
	if err := db.Create(conn).Error; err != nil {
		t.Fatalf("create connection: %v", err)
	}
	return conn
}

func runSync(t *testing.T, db *gorm.DB, connId uint, params SyncRunParams) *models.SyncRun {
	t.Helper()
	run := &models.SyncRun{
		ConnectionId: connId,
		Provider:     models.SyncProviderCorevo,
		Status:       models.SyncRunStatusQueued,
		Mode:         params.Mode,
		TriggeredBy:  models.SyncTriggeredManual,
		SessionId:    fmt.Sprintf("test-session-%d", time.Now().UnixNano()),
		ParamsJSON:   EncodeRunParams(params),
	}
	if err := db.Create(run).Error; err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := CreateSession(run.SessionId); err != nil {
		t.Fatalf("create session: %v", err)
	}
	_ = processSyncRun(context.Background(), SyncPubSubPayload{RunId: run.ID, ConnectionId: connId})

	if err := db.Where("id = ?", run.ID).Take(run).Error; err != nil {
		t.Fatalf("reload run: %v", err)
	}
	return run
}

func TestSyncRunEndToEnd(t *testing.T) {
	db := setupIntegration(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	stamp := func(d time.Duration) string { return base.Add(d).Format(time.RFC3339) }

	fake := newFakeCorevo()
	fake.setRecord("contacts", map[string]interface{}{
		"id": "c-1", "modified_at": stamp(0),
		"first_name": "Aye", "last_name": "Mya",
		"email": "aye@example.com", "phone": "09790123456",
		"nrc_number": "12/ABC(N)123456", "active": true,
	})
	fake.setRecord("employments", map[string]interface{}{
		"id": "e-1", "modified_at": stamp(0),
		"contact_id": "c-1", "employer": "Shwe Ltd", "position": "Clerk",
	})
	fake.setRecord("employments", map[string]interface{}{
		"id": "e-2", "modified_at": stamp(0),
		"contact_id": "ghost", "employer": "Nowhere Inc",
	})
	fake.setRecord("payments", map[string]interface{}{
		"id": "p-1", "modified_at": stamp(0),
		"amount": 150000.5, "currency": "MMK", "method": "cash",
		"receipt_no": "R-100", "paid_on": stamp(-24 * time.Hour),
	})
	fake.setRecord("registrations", map[string]interface{}{
		"id": "r-1", "modified_at": stamp(0),
		"payment_ids": []string{"p-1", "p-missing"},
		"registration_type": "new", "status": "Submitted",
	})
	fake.setRecord("members", map[string]interface{}{
		"id": "m-1", "modified_at": stamp(0),
		"member_no": "M-0001", "contact_id": "c-1",
		"registration_ids": []string{"r-1"},
		"nrc_number":       "12/ABC(N)123456", "status": "Active",
	})
	setupFakeSource(t, fake)

	conn := createConnection(t, db)
	run := runSync(t, db, conn.ID, SyncRunParams{Mode: models.SyncModeFull, Classes: DefaultClasses()})

	// e-2's ghost contact fails, so the run is partial but far from empty.
	if run.Status != models.SyncRunStatusPartial {
		t.Fatalf("expected partial run, got %s", run.Status)
	}
	if run.RecordsSynced < 5 {
		t.Fatalf("expected at least 5 synced records, got %d", run.RecordsSynced)
	}

	var contact models.Contact
	if err := db.Where("corevo_id = ?", "c-1").Take(&contact).Error; err != nil {
		t.Fatalf("contact not synced: %v", err)
	}
	if contact.FirstName != "Aye" || contact.Phone != "+959790123456" {
		t.Fatalf("unexpected contact row: %+v", contact)
	}
	if contact.LastReconciledAt == nil || contact.SourceModifiedAt == nil {
		t.Fatal("contact watermarks not set")
	}

	var payment models.Payment
	if err := db.Where("corevo_id = ?", "p-1").Take(&payment).Error; err != nil {
		t.Fatalf("payment not synced: %v", err)
	}
	if payment.RegistrationId != "r-1" {
		t.Fatalf("repair pass did not restore payment back-reference, got %q", payment.RegistrationId)
	}

	var reg models.Registration
	if err := db.Where("corevo_id = ?", "r-1").Take(&reg).Error; err != nil {
		t.Fatalf("registration not synced: %v", err)
	}
	if reg.MemberId != "m-1" {
		t.Fatalf("repair pass did not restore registration back-reference, got %q", reg.MemberId)
	}
	if reg.NrcNumber != "12/ABC(N)123456" {
		t.Fatalf("nrc was not propagated from the member, got %q", reg.NrcNumber)
	}

	if run.RepairCount < 2 {
		t.Fatalf("expected at least 2 repairs recorded on the run, got %d", run.RepairCount)
	}

	// Orphans land in the problem queue, keyed so re-reporting replaces.
	problems, err := ListProblems(ctx, db, "")
	if err != nil {
		t.Fatalf("ListProblems: %v", err)
	}
	var sawEmployment, sawMissingPayment bool
	for _, p := range problems {
		if p.EntityClass == models.ClassEmployment && p.CorevoId == "e-2" && p.Reason == models.ProblemUnresolvedForeignKey {
			sawEmployment = true
		}
		if p.EntityClass == models.ClassPayment && p.CorevoId == "p-missing" && p.ClaimedParent == "r-1" {
			sawMissingPayment = true
		}
	}
	if !sawEmployment {
		t.Fatalf("expected an unresolved foreign key problem for e-2, got %+v", problems)
	}
	if !sawMissingPayment {
		t.Fatalf("expected a problem for the missing listed payment, got %+v", problems)
	}

	// Second pass over the same snapshot: no writes move, nothing pushed.
	contactBefore := contact
	run2 := runSync(t, db, conn.ID, SyncRunParams{Mode: models.SyncModeFull, Classes: DefaultClasses()})
	if run2.RecordsPushed != 0 {
		t.Fatalf("an unchanged snapshot must not push, got %d", run2.RecordsPushed)
	}
	if got := fake.patchedIds("contacts"); len(got) != 0 {
		t.Fatalf("unexpected patches %v", got)
	}
	if err := db.Where("corevo_id = ?", "c-1").Take(&contact).Error; err != nil {
		t.Fatalf("reload contact: %v", err)
	}
	if !contact.UpdatedAt.Equal(contactBefore.UpdatedAt) || contact.FirstName != contactBefore.FirstName {
		t.Fatalf("idempotent rerun modified the contact row: %+v vs %+v", contact, contactBefore)
	}

	// A local edit after reconciliation pushes back to the source.
	editAt := time.Now().Add(2 * time.Second)
	if err := db.Table("contacts").Where("corevo_id = ?", "c-1").Updates(map[string]interface{}{
		"first_name": "Edited",
		"updated_at": editAt,
	}).Error; err != nil {
		t.Fatalf("local edit: %v", err)
	}
	run3 := runSync(t, db, conn.ID, SyncRunParams{Mode: models.SyncModeFull, Classes: DefaultClasses()})
	if run3.RecordsPushed != 1 {
		t.Fatalf("expected exactly one push, got %d", run3.RecordsPushed)
	}
	patched := fake.patchedIds("contacts")
	if len(patched) != 1 || patched[0] != "c-1" {
		t.Fatalf("unexpected patches %v", patched)
	}
	fake.mu.Lock()
	pushedName := fake.patches[0].Body["first_name"]
	fake.mu.Unlock()
	if pushedName != "Edited" {
		t.Fatalf("push carried %v, want the locally edited value", pushedName)
	}

	// Source-side registration change cascades through the member even
	// though the registration class itself never overwrites.
	fake.setRecord("registrations", map[string]interface{}{
		"id": "r-1", "modified_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		"payment_ids": []string{"p-1"},
		"registration_type": "new", "status": "Approved",
	})
	run4 := runSync(t, db, conn.ID, SyncRunParams{Mode: models.SyncModeFull, Classes: DefaultClasses()})
	if run4.Status == models.SyncRunStatusFailed {
		t.Fatalf("cascade run failed: %+v", run4)
	}
	if err := db.Where("corevo_id = ?", "r-1").Take(&reg).Error; err != nil {
		t.Fatalf("reload registration: %v", err)
	}
	if reg.Status != models.RegistrationStatusApproved {
		t.Fatalf("member cascade did not force the stale registration, status %q", reg.Status)
	}
}

func TestMemberCascadeRefreshesStaleListedPayment(t *testing.T) {
	db := setupIntegration(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	fake := newFakeCorevo()
	fake.setRecord("contacts", map[string]interface{}{
		"id": "c-1", "modified_at": base.Format(time.RFC3339), "first_name": "Aye",
	})
	fake.setRecord("payments", map[string]interface{}{
		"id": "p-1", "modified_at": base.Format(time.RFC3339),
		"amount": "5000", "currency": "MMK", "receipt_no": "R-100",
	})
	fake.setRecord("registrations", map[string]interface{}{
		"id": "r-1", "modified_at": base.Format(time.RFC3339),
		"payment_ids": []string{"p-1"}, "status": "Submitted",
	})
	fake.setRecord("members", map[string]interface{}{
		"id": "m-1", "modified_at": base.Format(time.RFC3339),
		"member_no": "M-0001", "contact_id": "c-1",
		"registration_ids": []string{"r-1"},
	})
	setupFakeSource(t, fake)

	conn := createConnection(t, db)
	runSync(t, db, conn.ID, SyncRunParams{Mode: models.SyncModeFull, Classes: DefaultClasses()})

	// Only the payment moves on the source side; its registration and the
	// member stay put, so the refresh can only come through the member's
	// grandchild walk.
	time.Sleep(1200 * time.Millisecond)
	fake.setRecord("payments", map[string]interface{}{
		"id": "p-1", "modified_at": time.Now().UTC().Format(time.RFC3339),
		"amount": "5000", "currency": "MMK", "receipt_no": "R-200",
	})
	run := runSync(t, db, conn.ID, SyncRunParams{Mode: models.SyncModeFull, Classes: DefaultClasses()})
	if run.Status == models.SyncRunStatusFailed {
		t.Fatalf("cascade run failed: %+v", run)
	}

	var payment models.Payment
	if err := db.Where("corevo_id = ?", "p-1").Take(&payment).Error; err != nil {
		t.Fatalf("reload payment: %v", err)
	}
	if payment.ReceiptNo != "R-200" {
		t.Fatalf("member cascade did not refresh the listed payment, receipt %q", payment.ReceiptNo)
	}
	if childIsStale(ctx, db, models.ClassPayment, "p-1") {
		t.Fatal("refreshed payment must not remain flagged stale")
	}

	// With every child consistent again the member is a clean skip: a
	// third run moves no watermark on the aggregate.
	var memberBefore models.Member
	if err := db.Where("corevo_id = ?", "m-1").Take(&memberBefore).Error; err != nil {
		t.Fatalf("reload member: %v", err)
	}
	runSync(t, db, conn.ID, SyncRunParams{Mode: models.SyncModeFull, Classes: DefaultClasses()})
	var member models.Member
	if err := db.Where("corevo_id = ?", "m-1").Take(&member).Error; err != nil {
		t.Fatalf("reload member: %v", err)
	}
	if !member.UpdatedAt.Equal(memberBefore.UpdatedAt) ||
		!member.LastReconciledAt.Equal(*memberBefore.LastReconciledAt) {
		t.Fatalf("clean rerun re-stamped the member row: %+v vs %+v", member, memberBefore)
	}
}

func TestMemberLocalEditPushesDespiteStaleChildren(t *testing.T) {
	db := setupIntegration(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	fake := newFakeCorevo()
	fake.setRecord("contacts", map[string]interface{}{
		"id": "c-1", "modified_at": base.Format(time.RFC3339), "first_name": "Aye",
	})
	fake.setRecord("registrations", map[string]interface{}{
		"id": "r-1", "modified_at": base.Format(time.RFC3339), "status": "Submitted",
	})
	fake.setRecord("members", map[string]interface{}{
		"id": "m-1", "modified_at": base.Format(time.RFC3339),
		"member_no": "M-0001", "contact_id": "c-1",
		"registration_ids": []string{"r-1"},
	})
	setupFakeSource(t, fake)

	conn := createConnection(t, db)
	runSync(t, db, conn.ID, SyncRunParams{Mode: models.SyncModeFull, Classes: DefaultClasses()})

	// The member is edited locally while one of its registrations moves on
	// the source side. The registration is pulled, the member is pushed.
	time.Sleep(1200 * time.Millisecond)
	if err := db.Table("members").Where("corevo_id = ?", "m-1").Updates(map[string]interface{}{
		"member_no":  "LOCAL-EDIT",
		"updated_at": time.Now().Add(2 * time.Second),
	}).Error; err != nil {
		t.Fatalf("local edit: %v", err)
	}
	fake.setRecord("registrations", map[string]interface{}{
		"id": "r-1", "modified_at": time.Now().UTC().Format(time.RFC3339), "status": "Approved",
	})

	run := runSync(t, db, conn.ID, SyncRunParams{Mode: models.SyncModeFull, Classes: DefaultClasses()})
	if run.RecordsPushed != 1 {
		t.Fatalf("expected exactly one push, got %d", run.RecordsPushed)
	}
	patched := fake.patchedIds("members")
	if len(patched) != 1 || patched[0] != "m-1" {
		t.Fatalf("unexpected member patches %v", patched)
	}
	fake.mu.Lock()
	var pushedNo interface{}
	for _, p := range fake.patches {
		if p.Class == "members" && p.Id == "m-1" {
			pushedNo = p.Body["member_no"]
		}
	}
	fake.mu.Unlock()
	if pushedNo != "LOCAL-EDIT" {
		t.Fatalf("push carried %v, want the locally edited member_no", pushedNo)
	}

	var member models.Member
	if err := db.Where("corevo_id = ?", "m-1").Take(&member).Error; err != nil {
		t.Fatalf("reload member: %v", err)
	}
	if member.MemberNo != "LOCAL-EDIT" {
		t.Fatalf("local edit was overwritten by source data, got %q", member.MemberNo)
	}

	var reg models.Registration
	if err := db.Where("corevo_id = ?", "r-1").Take(&reg).Error; err != nil {
		t.Fatalf("reload registration: %v", err)
	}
	if reg.Status != models.RegistrationStatusApproved {
		t.Fatalf("stale registration was not refreshed, status %q", reg.Status)
	}
}

func TestSyncDependentClassFetchesParentOnDemand(t *testing.T) {
	db := setupIntegration(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	fake := newFakeCorevo()
	// c-9 is fetchable by key but employments sync first in this run, so
	// the parent is only reachable through the on-demand path.
	fake.setRecord("contacts", map[string]interface{}{
		"id": "c-9", "modified_at": base.Format(time.RFC3339),
		"first_name": "Hla", "last_name": "Win",
	})
	fake.setRecord("employments", map[string]interface{}{
		"id": "e-9", "modified_at": base.Format(time.RFC3339),
		"contact_id": "c-9", "employer": "Golden Ltd",
	})
	setupFakeSource(t, fake)

	conn := createConnection(t, db)
	run := runSync(t, db, conn.ID, SyncRunParams{
		Mode:    models.SyncModeFull,
		Classes: SyncClasses{Employments: true},
	})
	if run.Status != models.SyncRunStatusSuccess {
		t.Fatalf("expected success, got %s", run.Status)
	}

	var contact models.Contact
	if err := db.Where("corevo_id = ?", "c-9").Take(&contact).Error; err != nil {
		t.Fatalf("parent contact was not fetched on demand: %v", err)
	}
	var emp models.Employment
	if err := db.Where("corevo_id = ?", "e-9").Take(&emp).Error; err != nil {
		t.Fatalf("employment not synced: %v", err)
	}
	if emp.ContactId != "c-9" {
		t.Fatalf("unexpected employment row: %+v", emp)
	}
}

func TestSyncNonDestructiveMerge(t *testing.T) {
	db := setupIntegration(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	fake := newFakeCorevo()
	fake.setRecord("contacts", map[string]interface{}{
		"id": "c-5", "modified_at": base.Format(time.RFC3339),
		"first_name": "Su", "last_name": "Su",
		"email": "su@example.com", "address": "Yangon",
	})
	setupFakeSource(t, fake)

	conn := createConnection(t, db)
	runSync(t, db, conn.ID, SyncRunParams{Mode: models.SyncModeFull, Classes: SyncClasses{Contacts: true}})

	// A later partial record: one field updated, one explicitly cleared,
	// the rest absent.
	fake.setRecord("contacts", map[string]interface{}{
		"id": "c-5", "modified_at": base.Add(time.Hour).Format(time.RFC3339),
		"first_name": "Su Su", "email": nil,
	})
	runSync(t, db, conn.ID, SyncRunParams{Mode: models.SyncModeFull, Classes: SyncClasses{Contacts: true}})

	var contact models.Contact
	if err := db.Where("corevo_id = ?", "c-5").Take(&contact).Error; err != nil {
		t.Fatalf("reload contact: %v", err)
	}
	if contact.FirstName != "Su Su" {
		t.Fatalf("present field not updated, got %q", contact.FirstName)
	}
	if contact.Email != "" {
		t.Fatalf("explicit null must clear the column, got %q", contact.Email)
	}
	if contact.Address != "Yangon" || contact.LastName != "Su" {
		t.Fatalf("absent fields must survive the merge: %+v", contact)
	}
}

func TestSyncIdListSkipsCurrentRows(t *testing.T) {
	db := setupIntegration(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	fake := newFakeCorevo()
	fake.setRecord("contacts", map[string]interface{}{
		"id": "c-6", "modified_at": base.Format(time.RFC3339), "first_name": "Mg",
	})
	fake.setRecord("contacts", map[string]interface{}{
		"id": "c-7", "modified_at": base.Format(time.RFC3339), "first_name": "Kyaw",
	})
	setupFakeSource(t, fake)

	conn := createConnection(t, db)
	runSync(t, db, conn.ID, SyncRunParams{Mode: models.SyncModeFull, Classes: SyncClasses{Contacts: true}})

	run := runSync(t, db, conn.ID, SyncRunParams{
		Mode:  models.SyncModeIdList,
		Class: string(models.ClassContact),
		Ids:   []string{"c-6", "c-7", "c-unknown"},
	})

	var stats map[models.EntityClass]classStats
	if err := json.Unmarshal(run.StatsJSON, &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	got := stats[models.ClassContact]
	if got.Skipped != 2 {
		t.Fatalf("current rows must be skipped without fetching, got %+v", got)
	}
	if got.Failed != 1 {
		t.Fatalf("the unknown key must fail, got %+v", got)
	}

	problems, _ := ListProblems(context.Background(), db, models.ClassContact)
	found := false
	for _, p := range problems {
		if p.CorevoId == "c-unknown" && p.Reason == models.ProblemUnresolvedForeignKey {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a problem entry for the unknown key, got %+v", problems)
	}
}
