package server

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/orneryd/soundgraph/pkg/cluster"
	"github.com/orneryd/soundgraph/pkg/search"
)

// Target types accepted by nnrange.
const (
	targetSoundID          = "sound_id"
	targetDescriptorValues = "descriptor_values"
)

// handleAddPoint adds the analysis file at location as sound_id.
//
//	GET /similarity/add_point?location=/analysis/1234.yaml&sound_id=1234
func (s *Server) handleAddPoint(w http.ResponseWriter, r *http.Request) {
	location, id := param(r, "location"), param(r, "sound_id")
	if location == "" {
		s.writeResult(w, missingParam("location"))
		return
	}
	if id == "" {
		s.writeResult(w, missingParam("sound_id"))
		return
	}

	p, err := search.ReadAnalysisFile(location, id)
	if errors.Is(err, fs.ErrNotExist) {
		s.writeResult(w, failure(http.StatusInternalServerError, fmt.Sprintf(
			"Point with name %s could NOT be added because analysis file does not exist (%s).", id, location)))
		return
	}
	if err == nil {
		err = s.state.Index.AddPoint(p)
	}
	if err != nil {
		s.log.Info().Err(err).Str("sound_id", id).Msg("point not added")
		s.writeResult(w, failure(statusFor(err), fmt.Sprintf(
			"Point with name %s could NOT be added (%v).", id, err)))
		return
	}

	s.indexChanged()
	msg := fmt.Sprintf("Added point with name %s. Index has now %d points.", id, s.state.Index.Len())
	s.log.Info().Str("sound_id", id).Int("points", s.state.Index.Len()).Msg("point added")
	s.writeResult(w, success(msg))
}

func (s *Server) handleDeletePoint(w http.ResponseWriter, r *http.Request) {
	id := param(r, "sound_id")
	if id == "" {
		s.writeResult(w, missingParam("sound_id"))
		return
	}
	if err := s.state.Index.DeletePoint(id); err != nil {
		if errors.Is(err, search.ErrNotFound) {
			s.writeResult(w, failure(http.StatusNotFound, fmt.Sprintf(
				"Can't delete point with name %s because it does not exist.", id)))
			return
		}
		s.writeResult(w, failure(statusFor(err), err.Error()))
		return
	}
	s.indexChanged()
	s.log.Info().Str("sound_id", id).Int("points", s.state.Index.Len()).Msg("point deleted")
	s.writeResult(w, success(true))
}

// indexChanged drops clustering results computed against the old index.
func (s *Server) indexChanged() {
	if s.state.Engine != nil {
		s.state.Engine.InvalidateCache()
	}
}

func (s *Server) handleContains(w http.ResponseWriter, r *http.Request) {
	id := param(r, "sound_id")
	if id == "" {
		s.writeResult(w, missingParam("sound_id"))
		return
	}
	s.writeResult(w, success(s.state.Index.Contains(id)))
}

func (s *Server) handleGetAllPointNames(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, success(s.state.Index.PointNames()))
}

func (s *Server) handleGetDescriptorNames(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, success(s.state.Index.DescriptorNames()))
}

// handleGetSoundsDescriptors returns descriptor values per sound. Single
// values are reported as scalars. Unknown sound ids are omitted.
//
//	GET /similarity/get_sounds_descriptors?sound_ids=1,2&descriptor_names=lowlevel.pitch.mean
func (s *Server) handleGetSoundsDescriptors(w http.ResponseWriter, r *http.Request) {
	raw := param(r, "sound_ids")
	if raw == "" {
		s.writeResult(w, missingParam("sound_ids"))
		return
	}

	var names []string
	for _, name := range cluster.ParseIDs(param(r, "descriptor_names")) {
		if !strings.HasPrefix(name, ".") {
			name = "." + name
		}
		if !s.state.Index.KnownDescriptor(name) {
			s.writeResult(w, failure(http.StatusBadRequest, "Wrong descriptor names, unable to create layout."))
			return
		}
		names = append(names, name)
	}

	data := make(map[string]map[string]any)
	for _, id := range cluster.ParseIDs(raw) {
		p, ok := s.state.Index.GetPoint(id)
		if !ok {
			continue
		}
		data[id] = pointDescriptors(p, names)
	}
	s.writeResult(w, success(data))
}

func pointDescriptors(p *search.Point, names []string) map[string]any {
	out := make(map[string]any)
	add := func(name string) {
		if values, ok := p.Descriptors[name]; ok {
			if len(values) == 1 {
				out[name] = values[0]
			} else {
				out[name] = values
			}
			return
		}
		if label, ok := p.Labels[name]; ok {
			out[name] = label
		}
	}
	if len(names) > 0 {
		for _, name := range names {
			add(name)
		}
		return out
	}
	for name := range p.Descriptors {
		add(name)
	}
	for name := range p.Labels {
		add(name)
	}
	return out
}

// handleNNSearch answers sound_id's nearest neighbors under preset.
// Unknown presets use the default one.
//
//	GET /similarity/nnsearch?sound_id=1234&num_results=10&offset=0
func (s *Server) handleNNSearch(w http.ResponseWriter, r *http.Request) {
	id := param(r, "sound_id")
	if id == "" {
		s.writeResult(w, missingParam("sound_id"))
		return
	}
	k, ok := intParam(r, "num_results", s.config.DefaultNumResults)
	if !ok {
		s.writeResult(w, invalidParam("num_results"))
		return
	}
	offset, ok := intParam(r, "offset", 0)
	if !ok {
		s.writeResult(w, invalidParam("offset"))
		return
	}

	res, err := s.state.Index.SearchNearestNeighbors(r.Context(), id, k, search.SearchOptions{
		Preset: param(r, "preset"),
		Offset: offset,
	})
	if err != nil {
		if errors.Is(err, search.ErrNotFound) {
			s.writeResult(w, failure(http.StatusNotFound, fmt.Sprintf(
				"Sound with id %s doesn't exist in the dataset.", id)))
			return
		}
		s.writeResult(w, failure(statusFor(err), err.Error()))
		return
	}
	s.writeResult(w, success(res))
}

// handleNNRange runs a filtered and optionally targeted search.
//
//	GET /similarity/nnrange?target=.lowlevel.pitch.mean:220&filter=.sfx.duration:[1 TO *]
//	GET /similarity/nnrange?target=1234&target_type=sound_id&in_ids=1,2,3
func (s *Server) handleNNRange(w http.ResponseWriter, r *http.Request) {
	target := strings.ReplaceAll(param(r, "target"), "'", `"`)
	filter := strings.ReplaceAll(param(r, "filter"), "'", `"`)
	if target == "" && filter == "" {
		s.writeResult(w, failure(http.StatusBadRequest, "At least 'target' or 'filter' should be specified."))
		return
	}

	k, ok := intParam(r, "num_results", s.config.DefaultNumResults)
	if !ok {
		s.writeResult(w, invalidParam("num_results"))
		return
	}
	offset, ok := intParam(r, "offset", 0)
	if !ok {
		s.writeResult(w, invalidParam("offset"))
		return
	}

	q := search.RangeQuery{
		K:      k,
		Offset: offset,
		Preset: param(r, "preset"),
		InIDs:  cluster.ParseIDs(param(r, "in_ids")),
	}

	if target != "" {
		targetType := param(r, "target_type")
		if targetType == "" {
			targetType = targetSoundID
			if search.IsDescriptorTarget(target) {
				targetType = targetDescriptorValues
			}
		}
		switch targetType {
		case targetSoundID:
			q.TargetID = target
		case targetDescriptorValues:
			values, err := search.ParseTarget(target, s.state.Index.KnownDescriptor)
			if err != nil {
				s.writeResult(w, failure(http.StatusBadRequest, parseMessage(err, "Invalid descriptor values for target.")))
				return
			}
			q.TargetValues = values
		default:
			s.writeResult(w, failure(http.StatusBadRequest, "Invalid target type."))
			return
		}
	}

	if filter != "" {
		expr, err := search.ParseFilter(filter, s.state.Index.KnownDescriptor)
		if err != nil {
			s.writeResult(w, failure(http.StatusBadRequest, parseMessage(err, "Bad filter syntax.")))
			return
		}
		q.Filter = expr
	}

	res, err := s.state.Index.QueryRange(r.Context(), q)
	if err != nil {
		if errors.Is(err, search.ErrNotFound) && q.TargetID != "" {
			s.writeResult(w, failure(http.StatusNotFound, fmt.Sprintf(
				"Sound with id %s doesn't exist in the dataset and can not be set as similarity target.", q.TargetID)))
			return
		}
		s.writeResult(w, failure(statusFor(err), err.Error()))
		return
	}
	s.writeResult(w, success(res))
}

// parseMessage keeps the descriptor-level message of unknown field errors
// and uses fallback for syntax errors.
func parseMessage(err error, fallback string) string {
	var unknown *search.UnknownDescriptorError
	if errors.As(err, &unknown) {
		return unknown.Error()
	}
	return fallback
}

// handleSave persists the index. A bare filename is placed next to the
// configured snapshot.
func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	path := s.savePath(param(r, "filename"))
	if err := s.state.Index.Save(path); err != nil {
		s.log.Error().Err(err).Str("path", path).Msg("save failed")
		s.writeResult(w, failure(statusFor(err), err.Error()))
		return
	}
	s.writeResult(w, success(path))
}

func (s *Server) savePath(filename string) string {
	switch {
	case filename == "":
		return s.config.SnapshotPath
	case filepath.IsAbs(filename) || s.config.SnapshotPath == "":
		return filename
	default:
		return filepath.Join(filepath.Dir(s.config.SnapshotPath), filepath.Base(filename))
	}
}
