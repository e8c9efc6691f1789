package server

import (
	"net/http"
	"time"

	"github.com/orneryd/soundgraph/pkg/cluster"
)

// handleClusterPoints clusters sound_ids. The body is the clustering
// response itself, {error, result, graph}, with result and graph null when
// no graph could be built.
//
//	GET /clustering/cluster_points?query_params=dogs&sound_ids=1,2,3,4
func (s *Server) handleClusterPoints(w http.ResponseWriter, r *http.Request) {
	if s.state.Engine == nil {
		s.writeResult(w, failure(http.StatusInternalServerError, "Clustering is not enabled."))
		return
	}
	raw := param(r, "sound_ids")
	if raw == "" {
		s.writeResult(w, missingParam("sound_ids"))
		return
	}
	query := param(r, "query_params")
	if query == "" {
		query = param(r, "query")
	}
	req := cluster.Request{
		QueryParams: query,
		FeatureSet:  param(r, "feature_set"),
		SoundIDs:    cluster.ParseIDs(raw),
	}

	ctx := r.Context()
	if err := s.clusterSlots.Acquire(ctx, 1); err != nil {
		s.writeResult(w, failure(http.StatusServiceUnavailable, "Clustering request cancelled."))
		return
	}
	start := time.Now()
	res, err := s.state.Engine.ClusterPoints(ctx, req)
	s.clusterSlots.Release(1)
	s.metrics.observeClustering(res, err, time.Since(start))

	if err != nil {
		s.log.Error().Err(err).Int("ids", len(req.SoundIDs)).Msg("clustering failed")
		s.writeResult(w, failure(statusFor(err), err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, res.Response())
}

// handleKNearestNeighbors answers the k sounds closest to sound_id.
//
//	GET /clustering/k_nearest_neighbors?sound_id=1234&k=5
func (s *Server) handleKNearestNeighbors(w http.ResponseWriter, r *http.Request) {
	if s.state.Engine == nil {
		s.writeResult(w, failure(http.StatusInternalServerError, "Clustering is not enabled."))
		return
	}
	id := param(r, "sound_id")
	if id == "" {
		s.writeResult(w, missingParam("sound_id"))
		return
	}
	k, ok := intParam(r, "k", s.config.DefaultNumResults)
	if !ok {
		s.writeResult(w, invalidParam("k"))
		return
	}

	neighbors, err := s.state.Engine.KNearestNeighbors(r.Context(), id, k, param(r, "feature_set"))
	if err != nil {
		s.writeResult(w, failure(statusFor(err), err.Error()))
		return
	}
	s.writeResult(w, success(neighbors))
}

// =============================================================================
// Health/Status
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.Stats()
	idx := s.state.Index

	response := map[string]interface{}{
		"status": "running",
		"server": map[string]interface{}{
			"uptime_seconds": stats.Uptime.Seconds(),
			"requests":       stats.RequestCount,
			"errors":         stats.ErrorCount,
			"active":         stats.ActiveRequests,
		},
		"index": map[string]interface{}{
			"points":         idx.Len(),
			"presets":        idx.Presets(),
			"default_preset": idx.DefaultPreset(),
		},
	}

	if s.state.Engine != nil {
		if cs, ok := s.state.Engine.CacheStats(); ok {
			response["cache"] = cs
		}
	}

	if s.state.Features != nil {
		counts := make(map[string]int, len(s.state.FeatureSets))
		for _, name := range s.state.FeatureSets {
			n, err := s.state.Features.Count(name)
			if err != nil {
				s.log.Warn().Err(err).Str("feature_set", name).Msg("feature count failed")
				continue
			}
			counts[name] = n
		}
		response["features"] = counts
	}

	s.writeJSON(w, http.StatusOK, response)
}
