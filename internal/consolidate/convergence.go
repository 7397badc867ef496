package consolidate

import (
	"context"
	"fmt"

	"github.com/commontrace/commontrace/internal/engine"
	"github.com/commontrace/commontrace/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Metadata keys that describe where a trace's solution applies, broadest
// first. The first key whose values differ inside a cluster sets its level.
var convergenceKeys = []string{"language", "ecosystem", "framework", "os"}

// ConvergenceLevel grades how widely a cluster's solution holds:
// 0 differs by language (universal) ... 4 single environment.
func ConvergenceLevel(members []store.Trace) int {
	for level, key := range convergenceKeys {
		seen := make(map[string]bool)
		for _, t := range members {
			if v, ok := t.Metadata[key].(string); ok && v != "" {
				seen[v] = true
			}
		}
		if len(seen) > 1 {
			return level
		}
	}
	return len(convergenceKeys)
}

// greedyClusters groups vectors whose cosine similarity to a cluster's
// first member is at least threshold. Each index lands in at most one
// cluster and singletons are dropped.
func greedyClusters(vecs [][]float64, threshold float64) [][]int {
	claimed := make([]bool, len(vecs))
	var clusters [][]int
	for i := range vecs {
		if claimed[i] || vecs[i] == nil {
			continue
		}
		cluster := []int{i}
		for j := i + 1; j < len(vecs); j++ {
			if claimed[j] || vecs[j] == nil {
				continue
			}
			if engine.CosineSimilarity(vecs[i], vecs[j]) >= threshold {
				cluster = append(cluster, j)
			}
		}
		if len(cluster) < 2 {
			continue
		}
		for _, idx := range cluster {
			claimed[idx] = true
		}
		clusters = append(clusters, cluster)
	}
	return clusters
}

// embeddingModel is the model whose vectors are clustered: the configured
// one, else the model with the most stored vectors.
func (s *Scheduler) embeddingModel(ctx context.Context) (string, error) {
	if s.cfg.EmbeddingModel != "" {
		return s.cfg.EmbeddingModel, nil
	}
	counts, err := s.db.EmbeddingModelCounts(ctx)
	if err != nil {
		return "", err
	}
	best, bestN := "", 0
	for model, n := range counts {
		if n > bestN || (n == bestN && model < best) {
			best, bestN = model, n
		}
	}
	return best, nil
}

// detectConvergence clusters embedded episodic traces and stamps each
// cluster's members with a cluster id and level. A cluster keeps the id
// one of its members already carries so later cycles extend it.
func (s *Scheduler) detectConvergence(ctx context.Context) (any, error) {
	model, err := s.embeddingModel(ctx)
	if err != nil {
		return nil, err
	}
	if model == "" {
		return 0, nil
	}

	traces, err := s.db.ClusterableTraces(ctx, model)
	if err != nil {
		return nil, err
	}
	records, err := s.db.VectorsByModel(ctx, model)
	if err != nil {
		return nil, err
	}
	byID := make(map[string][]float64, len(records))
	for _, r := range records {
		byID[r.TraceID] = r.Embedding
	}
	vecs := make([][]float64, len(traces))
	for i, t := range traces {
		vecs[i] = byID[t.ID]
	}

	clusters := greedyClusters(vecs, s.cfg.ConvergenceThreshold)
	for _, idxs := range clusters {
		members := make([]store.Trace, len(idxs))
		ids := make([]string, len(idxs))
		clusterID := ""
		for k, idx := range idxs {
			members[k] = traces[idx]
			ids[k] = traces[idx].ID
			if clusterID == "" {
				clusterID = traces[idx].ClusterID
			}
		}
		if clusterID == "" {
			clusterID = uuid.NewString()
		}
		level := ConvergenceLevel(members)
		if err := s.db.AssignCluster(ctx, clusterID, level, ids); err != nil {
			return nil, fmt.Errorf("assign cluster %s: %w", clusterID, err)
		}
		s.logger.Debug("convergence_cluster",
			zap.String("cluster_id", clusterID),
			zap.Int("size", len(ids)),
			zap.Int("level", level),
		)
	}
	return len(clusters), nil
}
