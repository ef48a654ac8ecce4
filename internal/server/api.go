package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/TobiSchelling/BioGraph/internal/database"
	"github.com/TobiSchelling/BioGraph/internal/guard"
	"github.com/TobiSchelling/BioGraph/internal/materialize"
)

const (
	defaultAssertionLimit = 100
	maxAssertionLimit     = 1000
)

type evidenceJSON struct {
	ID           int64     `json:"id"`
	SourceSystem string    `json:"source_system"`
	License      string    `json:"license"`
	Locator      string    `json:"locator,omitempty"`
	ObservedAt   time.Time `json:"observed_at"`
}

type linkJSON struct {
	AssertionID int64          `json:"assertion_id"`
	Predicate   string         `json:"predicate"`
	Confidence  *float64       `json:"confidence"`
	Band        string         `json:"band"`
	Evidence    []evidenceJSON `json:"evidence"`
}

type explanationJSON struct {
	ID                       int64      `json:"id"`
	DrugProgramID            string     `json:"drug_program_id"`
	TargetID                 string     `json:"target_id"`
	DiseaseID                string     `json:"disease_id"`
	Strength                 float64    `json:"strength"`
	IssuerDrugAssertionID    int64      `json:"issuer_drug_assertion_id"`
	DrugTargetAssertionID    int64      `json:"drug_target_assertion_id"`
	TargetDiseaseAssertionID int64      `json:"target_disease_assertion_id"`
	Chain                    []linkJSON `json:"chain,omitempty"`
}

type explanationsResponse struct {
	IssuerID     string            `json:"issuer_id"`
	AsOf         string            `json:"as_of"`
	Materialized bool              `json:"materialized"`
	Strategy     string            `json:"strategy,omitempty"`
	Explanations []explanationJSON `json:"explanations"`
}

type changeJSON struct {
	DrugProgramID string  `json:"drug_program_id"`
	TargetID      string  `json:"target_id"`
	DiseaseID     string  `json:"disease_id"`
	Before        float64 `json:"before"`
	After         float64 `json:"after"`
	Delta         float64 `json:"delta"`
}

type changesResponse struct {
	IssuerID string            `json:"issuer_id"`
	Since    string            `json:"since"`
	AsOf     string            `json:"as_of"`
	Added    []explanationJSON `json:"added"`
	Removed  []explanationJSON `json:"removed"`
	Changed  []changeJSON      `json:"changed"`
}

type assertionJSON struct {
	ID            int64      `json:"id"`
	SubjectType   string     `json:"subject_type"`
	SubjectID     string     `json:"subject_id"`
	Predicate     string     `json:"predicate"`
	ObjectType    string     `json:"object_type"`
	ObjectID      string     `json:"object_id"`
	EffectiveFrom time.Time  `json:"effective_from"`
	RetractedAt   *time.Time `json:"retracted_at,omitempty"`
	Confidence    *float64   `json:"confidence"`
	Band          string     `json:"band"`
	Method        string     `json:"method"`
	CuratorDelta  float64    `json:"curator_delta,omitempty"`
	CreatedBy     string     `json:"created_by"`
}

func (s *Server) handleExplanations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	issuerID := r.PathValue("id")
	q := r.URL.Query()

	asOf, err := dateParam(q.Get("as_of"), s.db.Now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.requireIssuer(r, issuerID); err != nil {
		s.fail(w, r, err)
		return
	}

	resp := explanationsResponse{IssuerID: issuerID, AsOf: database.FormatDate(asOf), Explanations: []explanationJSON{}}
	snap, err := s.db.GetSnapshot(ctx, issuerID, asOf)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if snap != nil {
		resp.Materialized = true
		resp.Strategy = snap.Strategy
	}

	rows, err := s.db.ListExplanations(ctx, database.ExplanationFilter{
		IssuerID:  issuerID,
		AsOf:      asOf,
		DiseaseID: q.Get("disease"),
		TargetID:  q.Get("target"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	drill := q.Get("drilldown") == "1" || q.Get("drilldown") == "true"
	for _, x := range rows {
		out := toExplanationJSON(x)
		if drill {
			chain, err := s.db.ExplanationChain(ctx, x)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			out.Chain = toChainJSON(chain)
		}
		resp.Explanations = append(resp.Explanations, out)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	issuerID := r.PathValue("id")
	q := r.URL.Query()

	if q.Get("since") == "" {
		s.fail(w, r, guard.Invalid("since is required"))
		return
	}
	since, err := dateParam(q.Get("since"), time.Time{})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	asOf, err := dateParam(q.Get("as_of"), s.db.Now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.requireIssuer(r, issuerID); err != nil {
		s.fail(w, r, err)
		return
	}

	diff, err := s.mat.Changes(r.Context(), issuerID, since, asOf)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChangesResponse(diff))
}

func (s *Server) handleAdminAssertions(w http.ResponseWriter, r *http.Request) {
	limit := defaultAssertionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.fail(w, r, guard.Invalid("limit must be a positive integer"))
			return
		}
		limit = min(n, maxAssertionLimit)
	}
	list, err := s.db.ListAssertions(r.Context(), database.AssertionFilter{
		IncludeRetracted: r.URL.Query().Get("retracted") == "1",
		Limit:            limit,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]assertionJSON, 0, len(list))
	for _, a := range list {
		out = append(out, assertionJSON{
			ID:            a.ID,
			SubjectType:   a.Subject.Type,
			SubjectID:     a.Subject.ID,
			Predicate:     a.Predicate,
			ObjectType:    a.Object.Type,
			ObjectID:      a.Object.ID,
			EffectiveFrom: a.EffectiveFrom,
			RetractedAt:   a.RetractedAt,
			Confidence:    a.Confidence,
			Band:          string(a.Band),
			Method:        string(a.Method),
			CuratorDelta:  a.CuratorDelta,
			CreatedBy:     a.CreatedBy,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"assertions": out})
}

func (s *Server) handleAdminQuality(w http.ResponseWriter, r *http.Request) {
	q, err := s.db.Quality(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                          q.OK(),
		"assertions_without_evidence": q.AssertionsWithoutEvidence,
		"missing_confidence":          q.MissingConfidence,
		"unsafe_license_evidence":     q.UnsafeLicenseEvidence,
		"contextual_only_assertions":  q.ContextualOnlyAssertions,
		"stale_explanation_links":     q.StaleExplanationLinks,
	})
}

func (s *Server) requireIssuer(r *http.Request, id string) error {
	iss, err := s.db.GetIssuer(r.Context(), id)
	if err != nil {
		return err
	}
	if iss == nil {
		return guard.NotFound("issuer", id)
	}
	return nil
}

func dateParam(v string, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	t, err := database.ParseDate(v)
	if err != nil {
		return time.Time{}, guard.Invalid("bad date %q, want YYYY-MM-DD", v)
	}
	return t, nil
}

func toExplanationJSON(x database.Explanation) explanationJSON {
	return explanationJSON{
		ID:                       x.ID,
		DrugProgramID:            x.DrugProgramID,
		TargetID:                 x.TargetID,
		DiseaseID:                x.DiseaseID,
		Strength:                 x.Strength,
		IssuerDrugAssertionID:    x.IssuerDrugAssertionID,
		DrugTargetAssertionID:    x.DrugTargetAssertionID,
		TargetDiseaseAssertionID: x.TargetDiseaseAssertionID,
	}
}

func toChainJSON(chain []database.ChainLink) []linkJSON {
	out := make([]linkJSON, 0, len(chain))
	for _, l := range chain {
		link := linkJSON{
			AssertionID: l.Assertion.ID,
			Predicate:   l.Assertion.Predicate,
			Confidence:  l.Assertion.Confidence,
			Band:        string(l.Assertion.Band),
			Evidence:    make([]evidenceJSON, 0, len(l.Evidence)),
		}
		for _, e := range l.Evidence {
			link.Evidence = append(link.Evidence, evidenceJSON{
				ID:           e.ID,
				SourceSystem: e.SourceSystem,
				License:      e.License,
				Locator:      e.Locator,
				ObservedAt:   e.ObservedAt,
			})
		}
		out = append(out, link)
	}
	return out
}

func toChangesResponse(d materialize.Diff) changesResponse {
	resp := changesResponse{
		IssuerID: d.IssuerID,
		Since:    d.Since,
		AsOf:     d.AsOf,
		Added:    make([]explanationJSON, 0, len(d.Added)),
		Removed:  make([]explanationJSON, 0, len(d.Removed)),
		Changed:  make([]changeJSON, 0, len(d.Changed)),
	}
	for _, x := range d.Added {
		resp.Added = append(resp.Added, toExplanationJSON(x))
	}
	for _, x := range d.Removed {
		resp.Removed = append(resp.Removed, toExplanationJSON(x))
	}
	for _, c := range d.Changed {
		resp.Changed = append(resp.Changed, changeJSON{
			DrugProgramID: c.DrugProgramID,
			TargetID:      c.TargetID,
			DiseaseID:     c.DiseaseID,
			Before:        c.Before,
			After:         c.After,
			Delta:         c.Delta(),
		})
	}
	return resp
}

// fail maps the error taxonomy onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, guard.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, guard.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, guard.ErrStaleMaterialization):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "5")
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
