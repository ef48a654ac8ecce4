package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/TobiSchelling/BioGraph/internal/database"
	"github.com/TobiSchelling/BioGraph/internal/dbtest"
	"github.com/TobiSchelling/BioGraph/internal/materialize"
	"github.com/TobiSchelling/BioGraph/internal/metrics"
)

const testSecret = "test-secret"

type fixture struct {
	db  *database.DB
	mat *materialize.Materializer
	srv *Server
	ch  dbtest.Chain
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	db, _ := dbtest.Open(t)
	mat := materialize.New(db, materialize.Options{})
	srv, err := New(db, Options{Materializer: mat, Metrics: metrics.New(), AdminSecret: secret})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return &fixture{db: db, mat: mat, srv: srv, ch: dbtest.SeedChain(t, db, "ISS_1")}
}

func (f *fixture) get(t *testing.T, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
}

func adminToken(t *testing.T) string {
	t.Helper()
	tok, err := IssueToken([]byte(testSecret), "ops@example.com", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return tok
}

func TestNewRequiresMaterializer(t *testing.T) {
	db, _ := dbtest.Open(t)
	if _, err := New(db, Options{}); err == nil {
		t.Error("expected error without a materializer")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, "")
	if rec := f.get(t, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", rec.Code)
	}
	rec := f.get(t, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Errorf("metrics: expected 200, got %d", rec.Code)
	}
}

func TestIndexListsIssuers(t *testing.T) {
	f := newFixture(t, "")
	rec := f.get(t, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `href="/issuers/ISS_1"`) {
		t.Error("expected issuer link in index")
	}
	if rec := f.get(t, "/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown page, got %d", rec.Code)
	}
}

func TestExplanationsBeforeAndAfterMaterialization(t *testing.T) {
	f := newFixture(t, "")

	var resp explanationsResponse
	rec := f.get(t, "/api/v1/issuers/ISS_1/explanations", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	decode(t, rec, &resp)
	if resp.Materialized || len(resp.Explanations) != 0 {
		t.Errorf("expected nothing before materialization, got %+v", resp)
	}

	if _, err := f.mat.Run(context.Background(), "ISS_1", f.db.Now()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec = f.get(t, "/api/v1/issuers/ISS_1/explanations?as_of="+database.FormatDate(f.db.Now()), "")
	decode(t, rec, &resp)
	if !resp.Materialized || resp.Strategy != "product" {
		t.Errorf("expected materialized product snapshot, got %+v", resp)
	}
	if len(resp.Explanations) != 1 {
		t.Fatalf("expected 1 explanation, got %d", len(resp.Explanations))
	}
	x := resp.Explanations[0]
	if x.DrugProgramID != f.ch.Drug || x.TargetID != f.ch.Target || x.DiseaseID != f.ch.Disease {
		t.Errorf("unexpected tuple %+v", x)
	}
	if x.IssuerDrugAssertionID != f.ch.Develops || x.TargetDiseaseAssertionID != f.ch.Associated {
		t.Errorf("unexpected assertion ids %+v", x)
	}
	if x.Chain != nil {
		t.Error("chain must be omitted without drilldown")
	}
}

func TestExplanationsDrilldownAndFilters(t *testing.T) {
	f := newFixture(t, "")
	if _, err := f.mat.Run(context.Background(), "ISS_1", f.db.Now()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var resp explanationsResponse
	decode(t, f.get(t, "/api/v1/issuers/ISS_1/explanations?drilldown=1", ""), &resp)
	if len(resp.Explanations) != 1 {
		t.Fatalf("expected 1 explanation, got %d", len(resp.Explanations))
	}
	chain := resp.Explanations[0].Chain
	if len(chain) != 3 {
		t.Fatalf("expected 3 links, got %d", len(chain))
	}
	wantPredicates := []string{"develops", "targets", "associated_with"}
	wantSources := []string{"sec_edgar", "chembl", "opentargets"}
	for i, l := range chain {
		if l.Predicate != wantPredicates[i] {
			t.Errorf("link %d: predicate %q, want %q", i, l.Predicate, wantPredicates[i])
		}
		if l.Confidence == nil || l.Band == "" {
			t.Errorf("link %d: missing confidence or band", i)
		}
		if len(l.Evidence) != 1 || l.Evidence[0].SourceSystem != wantSources[i] {
			t.Errorf("link %d: unexpected evidence %+v", i, l.Evidence)
		}
	}

	decode(t, f.get(t, "/api/v1/issuers/ISS_1/explanations?disease=EFO_0000001", ""), &resp)
	if len(resp.Explanations) != 0 {
		t.Errorf("disease filter: expected 0 rows, got %d", len(resp.Explanations))
	}
	decode(t, f.get(t, "/api/v1/issuers/ISS_1/explanations?target="+f.ch.Target, ""), &resp)
	if len(resp.Explanations) != 1 {
		t.Errorf("target filter: expected 1 row, got %d", len(resp.Explanations))
	}
}

func TestExplanationsErrors(t *testing.T) {
	f := newFixture(t, "")
	if rec := f.get(t, "/api/v1/issuers/ISS_1/explanations?as_of=June", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad date: expected 400, got %d", rec.Code)
	}
	if rec := f.get(t, "/api/v1/issuers/ISS_404/explanations", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown issuer: expected 404, got %d", rec.Code)
	}
}

func TestChanges(t *testing.T) {
	f := newFixture(t, "")
	day := database.FormatDate(f.db.Now())

	if rec := f.get(t, "/api/v1/issuers/ISS_1/changes", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing since: expected 400, got %d", rec.Code)
	}
	rec := f.get(t, "/api/v1/issuers/ISS_1/changes?since=2026-07-01&as_of="+day, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("reversed range: expected 400, got %d", rec.Code)
	}

	rec = f.get(t, "/api/v1/issuers/ISS_1/changes?since=2026-05-01&as_of="+day, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var resp changesResponse
	decode(t, rec, &resp)
	if resp.Since != "2026-05-01" || resp.AsOf != day {
		t.Errorf("unexpected range %s..%s", resp.Since, resp.AsOf)
	}
	if len(resp.Added) != 1 || len(resp.Removed) != 0 || len(resp.Changed) != 0 {
		t.Errorf("expected one added explanation, got %+v", resp)
	}
}

func TestAdminRequiresToken(t *testing.T) {
	f := newFixture(t, testSecret)

	if rec := f.get(t, "/api/v1/admin/quality", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", rec.Code)
	}
	if rec := f.get(t, "/api/v1/admin/quality", "garbage"); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: expected 401, got %d", rec.Code)
	}

	wrongKey, _ := IssueToken([]byte("other"), "ops", time.Hour, time.Now())
	if rec := f.get(t, "/api/v1/admin/quality", wrongKey); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: expected 401, got %d", rec.Code)
	}

	expired, _ := IssueToken([]byte(testSecret), "ops", time.Hour, time.Now().Add(-2*time.Hour))
	if rec := f.get(t, "/api/v1/admin/quality", expired); rec.Code != http.StatusUnauthorized {
		t.Errorf("expired token: expected 401, got %d", rec.Code)
	}

	reader, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "reader",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: "reader",
	}).SignedString([]byte(testSecret))
	if rec := f.get(t, "/api/v1/admin/quality", reader); rec.Code != http.StatusForbidden {
		t.Errorf("reader role: expected 403, got %d", rec.Code)
	}
}

func TestAdminDisabledWithoutSecret(t *testing.T) {
	f := newFixture(t, "")
	tok := adminToken(t)
	if rec := f.get(t, "/api/v1/admin/assertions", tok); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 when admin API is not configured, got %d", rec.Code)
	}
}

func TestAdminEndpoints(t *testing.T) {
	f := newFixture(t, testSecret)
	tok := adminToken(t)

	rec := f.get(t, "/api/v1/admin/assertions?limit=2", tok)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var list struct {
		Assertions []assertionJSON `json:"assertions"`
	}
	decode(t, rec, &list)
	if len(list.Assertions) != 2 {
		t.Errorf("expected 2 assertions, got %d", len(list.Assertions))
	}

	if rec := f.get(t, "/api/v1/admin/assertions?limit=0", tok); rec.Code != http.StatusBadRequest {
		t.Errorf("limit=0: expected 400, got %d", rec.Code)
	}

	var q map[string]any
	decode(t, f.get(t, "/api/v1/admin/quality", tok), &q)
	if q["ok"] != true {
		t.Errorf("expected a clean quality report, got %v", q)
	}
}

func TestIssuerPageRendersNotes(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	if err := f.db.SetIssuerNotes(ctx, "ISS_1", "## Pipeline\n\nLead asset is **Zolbetuximab**.", "curator"); err != nil {
		t.Fatalf("SetIssuerNotes: %v", err)
	}

	rec := f.get(t, "/issuers/ISS_1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<strong>Zolbetuximab</strong>") {
		t.Error("expected markdown notes rendered as HTML")
	}
	if !strings.Contains(body, "Not materialized yet") {
		t.Error("expected empty explanations message")
	}

	if _, err := f.mat.Run(ctx, "ISS_1", f.db.Now()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	body = f.get(t, "/issuers/ISS_1", "").Body.String()
	if !strings.Contains(body, f.ch.Target) {
		t.Error("expected explanation row on issuer page")
	}

	if rec := f.get(t, "/issuers/ISS_404", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
