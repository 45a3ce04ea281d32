// Package scheduler implements the pluggable usage scorer (§4.4) and the
// select_service_node placement routine (§4.5) used by the CRM loop to
// decide which node should run a service next.
package scheduler

import (
	"sort"
	"sync"

	"github.com/bins-dev/pve-ha-manager/pkg/types"
)

// NodeStats is the per-node resource snapshot the static scorer needs.
// Zero value means "unknown" and causes the static scorer to fail closed
// to the basic scorer for that node.
type NodeStats struct {
	CPUs      float64
	MemoryMiB int64
}

// Usage is the pluggable scoring interface. Implementations are not safe
// for concurrent use; callers serialize calls per CRM loop iteration.
type Usage interface {
	// AddNode registers a node as a scoring candidate with zero load.
	AddNode(node string)
	// AddServiceUsageToNode charges sid's configured resources against node.
	AddServiceUsageToNode(node string, sid types.ServiceID, cfg types.ServiceConfig)
	// ScoreNodesToStartService returns node -> score, lower is better.
	ScoreNodesToStartService() map[string]float64
}

// BasicUsage scores nodes by the number of services already accounted to
// them. Ties are broken by node name by the caller (ScoreNodesToStartService
// returns raw scores only).
type BasicUsage struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewBasicUsage() *BasicUsage {
	return &BasicUsage{counts: make(map[string]int)}
}

func (b *BasicUsage) AddNode(node string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.counts[node]; !ok {
		b.counts[node] = 0
	}
}

func (b *BasicUsage) AddServiceUsageToNode(node string, sid types.ServiceID, cfg types.ServiceConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[node]++
}

func (b *BasicUsage) ScoreNodesToStartService() map[string]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]float64, len(b.counts))
	for n, c := range b.counts {
		out[n] = float64(c)
	}
	return out
}

// StaticUsage scores nodes by weighted CPU/memory utilisation:
// cpu_share^2 + mem_share^2. A node with no stats (Stats not set or zero
// CPUs) falls back to the basic per-node service count so one node's
// missing telemetry never blocks scheduling cluster-wide.
type StaticUsage struct {
	mu    sync.Mutex
	stats map[string]NodeStats
	cpu   map[string]float64
	mem   map[string]int64
	basic *BasicUsage
}

func NewStaticUsage(stats map[string]NodeStats) *StaticUsage {
	s := &StaticUsage{
		stats: stats,
		cpu:   make(map[string]float64),
		mem:   make(map[string]int64),
		basic: NewBasicUsage(),
	}
	return s
}

func (s *StaticUsage) AddNode(node string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cpu[node]; !ok {
		s.cpu[node] = 0
		s.mem[node] = 0
	}
	s.basic.AddNode(node)
}

func (s *StaticUsage) AddServiceUsageToNode(node string, sid types.ServiceID, cfg types.ServiceConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cpu[node] += cfg.MaxCPU
	s.mem[node] += cfg.MaxMemory
	s.basic.AddServiceUsageToNode(node, sid, cfg)
}

func (s *StaticUsage) ScoreNodesToStartService() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	basicScores := s.basic.ScoreNodesToStartService()
	out := make(map[string]float64, len(s.cpu))
	for node := range s.cpu {
		st, ok := s.stats[node]
		if !ok || st.CPUs <= 0 || st.MemoryMiB <= 0 {
			out[node] = basicScores[node]
			continue
		}
		cpuShare := s.cpu[node] / st.CPUs
		memShare := float64(s.mem[node]) / float64(st.MemoryMiB)
		out[node] = cpuShare*cpuShare + memShare*memShare
	}
	return out
}

// SortNodesByScore orders nodes by (score asc, name asc), the tie-break
// used throughout placement.
func SortNodesByScore(nodes []string, scores map[string]float64) {
	sort.Slice(nodes, func(i, j int) bool {
		si, sj := scores[nodes[i]], scores[nodes[j]]
		if si != sj {
			return si < sj
		}
		return nodes[i] < nodes[j]
	})
}
