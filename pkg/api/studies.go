package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strconv"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-chi/chi/v5"

	"github.com/openstudybuilder/study-mdr/pkg/authz"
	"github.com/openstudybuilder/study-mdr/pkg/graph"
	"github.com/openstudybuilder/study-mdr/pkg/study"
	"github.com/openstudybuilder/study-mdr/pkg/studyrepo"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// readOnlyMetadata lists metadata keys a PATCH may not set.
var readOnlyMetadata = mapset.NewThreadUnsafeSet(
	"version_timestamp",
	"locked_version_author",
	"locked_version_info",
)

var lifecycleActions = mapset.NewThreadUnsafeSet(
	study.ActionRelease,
	study.ActionUnrelease,
	study.ActionLock,
	study.ActionNewDraft,
)

// repoFor binds the repository to the caller.
func (s *Server) repoFor(r *http.Request) *studyrepo.Repository {
	id, _ := authz.IdentityFromContext(r.Context())
	return s.repo.ForUser(id.User)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return invalid("", "request body is required")
		}
		return invalid("", fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

// createStudy allocates a uid and persists a new draft study.
func (s *Server) createStudy(w http.ResponseWriter, r *http.Request) {
	var metadata study.MetadataSnapshot
	if err := decodeBody(r, &metadata); err != nil {
		s.writeError(w, r, err)
		return
	}
	repo := s.repoFor(r)
	ctx := r.Context()

	var created study.DefinitionSnapshot
	err := graph.RunInTx(ctx, repo.Store(), func(tx graph.Tx) error {
		uid, err := repo.GenerateUID(ctx, tx)
		if err != nil {
			return err
		}
		created, err = study.NewDraftSnapshot(uid, metadata, s.now())
		if err != nil {
			return err
		}
		return repo.Create(ctx, tx, created)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("study created", "uid", created.UID, "user", repo.User())
	w.Header().Set("Location", BasePath+"/studies/"+created.UID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getStudy(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	snap, _, err := s.repo.Load(r.Context(), nil, uid, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if snap == nil {
		s.writeError(w, r, fmt.Errorf("%w: study %s", study.ErrNotFound, uid))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// mutate loads the study for update, applies change and saves the result.
func (s *Server) mutate(ctx context.Context, repo *studyrepo.Repository, uid string, change func(study.DefinitionSnapshot) (study.DefinitionSnapshot, error)) (study.DefinitionSnapshot, error) {
	var next study.DefinitionSnapshot
	err := graph.RunInTx(ctx, repo.Store(), func(tx graph.Tx) error {
		snap, cl, err := repo.Load(ctx, tx, uid, true)
		if err != nil {
			return err
		}
		if snap == nil {
			return fmt.Errorf("%w: study %s", study.ErrNotFound, uid)
		}
		if next, err = change(*snap); err != nil {
			return err
		}
		return repo.Save(ctx, tx, next, cl)
	})
	return next, err
}

// patchStudy merges a partial metadata document into the current metadata
// of a draft study. Keys set to null clear the field.
func (s *Server) patchStudy(w http.ResponseWriter, r *http.Request) {
	var patch map[string]json.RawMessage
	if err := decodeBody(r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	for k := range patch {
		if readOnlyMetadata.Contains(k) {
			s.writeError(w, r, invalid(k, "field is read-only"))
			return
		}
	}
	repo := s.repoFor(r)
	uid := chi.URLParam(r, "uid")
	next, err := s.mutate(r.Context(), repo, uid, func(snap study.DefinitionSnapshot) (study.DefinitionSnapshot, error) {
		return study.EditMetadata(snap, s.now(), func(m *study.MetadataSnapshot) error {
			return mergeMetadata(m, patch)
		})
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func mergeMetadata(m *study.MetadataSnapshot, patch map[string]json.RawMessage) error {
	current, err := json.Marshal(m)
	if err != nil {
		return err
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(current, &merged); err != nil {
		return err
	}
	maps.Copy(merged, patch)
	buf, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.DisallowUnknownFields()
	var out study.MetadataSnapshot
	if err := dec.Decode(&out); err != nil {
		return invalid("", fmt.Sprintf("invalid metadata: %v", err))
	}
	*m = out
	return nil
}

type actionRequest struct {
	ChangeDescription string `json:"change_description"`
}

// studyAction runs a lifecycle action: release, unrelease, lock or new-draft.
func (s *Server) studyAction(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	if !lifecycleActions.Contains(action) {
		s.writeError(w, r, invalid("action", fmt.Sprintf("unknown study action %q", action)))
		return
	}
	var req actionRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	repo := s.repoFor(r)
	uid := chi.URLParam(r, "uid")
	next, err := s.mutate(r.Context(), repo, uid, func(snap study.DefinitionSnapshot) (study.DefinitionSnapshot, error) {
		return study.Apply(snap, action, repo.User(), req.ChangeDescription, s.now())
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("study action applied", "uid", uid, "action", action, "user", repo.User(), "status", next.Status)
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) auditTrail(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	entries, err := s.repo.AuditTrail(r.Context(), nil, uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		s.writeError(w, r, fmt.Errorf("%w: study %s", study.ErrNotFound, uid))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (s *Server) versionHistory(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	versions, err := s.repo.History(r.Context(), nil, uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if versions == nil {
		s.writeError(w, r, fmt.Errorf("%w: study %s", study.ErrNotFound, uid))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": versions})
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	number, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || number < 1 {
		s.writeError(w, r, invalid("version", "must be a positive integer"))
		return
	}
	v, err := s.repo.LoadVersion(r.Context(), nil, uid, number)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if v == nil {
		s.writeError(w, r, fmt.Errorf("%w: version %d of study %s", study.ErrNotFound, number, uid))
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// releasedVersion answers the released version in effect at the "at" query
// parameter, or now when it is absent.
func (s *Server) releasedVersion(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	at := time.Now()
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, r, invalid("at", "must be an RFC 3339 timestamp"))
			return
		}
		at = parsed
	}
	v, err := s.repo.LatestReleasedAt(r.Context(), nil, uid, at)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if v == nil {
		s.writeError(w, r, fmt.Errorf("%w: no released version of study %s at %s", study.ErrNotFound, uid, at.UTC().Format(time.RFC3339)))
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type selectionRequest struct {
	Props          map[string]any `json:"props"`
	LibraryItemUID string         `json:"library_item_uid"`
}

type selectionResponse struct {
	ID             string         `json:"id"`
	StudyUID       string         `json:"study_uid"`
	Label          string         `json:"label"`
	Props          map[string]any `json:"props"`
	LibraryItemUID string         `json:"library_item_uid,omitempty"`
}

func (s *Server) attachSelection(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	repo := s.repoFor(r)
	ctx := r.Context()
	uid := chi.URLParam(r, "uid")
	family := chi.URLParam(r, "family")

	var node *graph.Node
	err := graph.RunInTx(ctx, repo.Store(), func(tx graph.Tx) error {
		var err error
		node, err = repo.AttachSelection(ctx, tx, uid, family, graph.Props(req.Props), req.LibraryItemUID)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, selectionResponse{
		ID:             node.ID,
		StudyUID:       uid,
		Label:          node.Label,
		Props:          node.Props,
		LibraryItemUID: req.LibraryItemUID,
	})
}

func (s *Server) listStudies(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.repo.List(r.Context(), nil, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listByLibraryItem(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.repo.ListByLibraryItem(r.Context(), nil, chi.URLParam(r, "uid"), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// parseListOptions reads page_number, page_size, sort_by=field:asc|desc
// (repeatable or comma separated), filter, total_count and the has_*
// selection flags.
func parseListOptions(r *http.Request) (studyrepo.ListOptions, error) {
	q := r.URL.Query()
	var opts studyrepo.ListOptions

	ints := map[string]*int{"page_number": &opts.PageNumber, "page_size": &opts.PageSize}
	for name, dst := range ints {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return opts, invalid(name, fmt.Sprintf("%q is not a number", v))
			}
			*dst = n
		}
	}

	flags := map[string]**bool{
		"has_study_objective":            &opts.HasStudyObjective,
		"has_study_endpoint":             &opts.HasStudyEndpoint,
		"has_study_criteria":             &opts.HasStudyCriteria,
		"has_study_activity":             &opts.HasStudyActivity,
		"has_study_activity_instruction": &opts.HasStudyActivityInstruction,
	}
	for name, dst := range flags {
		if v := q.Get(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return opts, invalid(name, fmt.Sprintf("%q is not a boolean", v))
			}
			*dst = &b
		}
	}
	if v := q.Get("total_count"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, invalid("total_count", fmt.Sprintf("%q is not a boolean", v))
		}
		opts.TotalCount = b
	}

	for _, raw := range q["sort_by"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			field, dir, _ := strings.Cut(part, ":")
			sf := studyrepo.SortField{Field: field, Ascending: true}
			switch strings.ToLower(dir) {
			case "", "asc":
			case "desc":
				sf.Ascending = false
			default:
				return opts, invalid("sort_by", fmt.Sprintf("unknown sort direction %q", dir))
			}
			opts.SortBy = append(opts.SortBy, sf)
		}
	}
	opts.Filter = q.Get("filter")
	return opts, nil
}
