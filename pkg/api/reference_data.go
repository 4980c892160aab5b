package api

import (
	"io"
	"net/http"

	"github.com/openstudybuilder/study-mdr/pkg/graph"
	"github.com/openstudybuilder/study-mdr/pkg/terminology"
)

// seedReferenceData loads CT terms, dictionary terms, projects and library
// items from a YAML or JSON body. Existing entries are kept.
func (s *Server) seedReferenceData(w http.ResponseWriter, r *http.Request) {
	data, err := terminology.ParseSeed(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, invalid("", err.Error()))
		return
	}
	ctx := r.Context()
	var res terminology.SeedResult
	err = graph.RunInTx(ctx, s.repo.Store(), func(tx graph.Tx) error {
		var err error
		res, err = s.terms.Seed(ctx, tx, data)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("reference data seeded", "created", res.Created, "existing", res.Existing)
	writeJSON(w, http.StatusOK, res)
}
