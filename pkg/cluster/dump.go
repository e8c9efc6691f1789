package cluster

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	sg "github.com/orneryd/soundgraph/pkg/graph"
)

// dump is the diagnostic record written to SaveResultsDir. Field names
// match the files existing analysis notebooks read.
type dump struct {
	QueryParams              string       `json:"query_params"`
	SoundIDs                 []string     `json:"sound_ids"`
	NumClusters              int          `json:"num_clusters"`
	Graph                    *sg.NodeLink `json:"graph"`
	Features                 string       `json:"features"`
	Modularity               *float64     `json:"modularity"`
	RatioIntraCommunityEdges []float64    `json:"ratio_intra_community_edges"`
	AverageMutualInformation *float64     `json:"average_mutual_information"`
	SilhouetteCoeff          *float64     `json:"silouhette_coeff"`
	CalinskiHarabaszScore    *float64     `json:"calinski_harabaz_score"`
	Communities              [][]string   `json:"communities"`
}

// saveResults writes res to <SaveResultsDir>/<fingerprint>.json.
func (e *Engine) saveResults(req Request, ids []string, res *Result) error {
	d := dump{
		QueryParams:              req.QueryParams,
		SoundIDs:                 ids,
		NumClusters:              res.NumDetected,
		Graph:                    res.Graph,
		Features:                 res.FeatureSet,
		Modularity:               res.Modularity,
		RatioIntraCommunityEdges: res.IntraRatios,
		Communities:              res.Communities,
	}
	if ext := res.External; ext != nil {
		d.AverageMutualInformation = ext.AverageMutualInformation
		d.SilhouetteCoeff = ext.Silhouette
		d.CalinskiHarabaszScore = ext.CalinskiHarabasz
	}

	if err := os.MkdirAll(e.opts.SaveResultsDir, 0o755); err != nil {
		return fmt.Errorf("creating results dir: %w", err)
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}
	path := filepath.Join(e.opts.SaveResultsDir, res.Fingerprint+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing results: %w", err)
	}
	return nil
}

// DumpPath returns where the diagnostic dump of res is written, or "" when
// dumps are disabled.
func (e *Engine) DumpPath(res *Result) string {
	if e.opts.SaveResultsDir == "" || res == nil || res.Empty() {
		return ""
	}
	return filepath.Join(e.opts.SaveResultsDir, res.Fingerprint+".json")
}
