package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/config"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/log"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/metrics"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/models"
)

// Selection strategies
const (
	StrategyBalanced     = "balanced"
	StrategyTrafficBased = "traffic_based"
	StrategyIntelligent  = "intelligent"
)

// PanelLoad is the observed load of one panel. Nil percentages are unknown.
type PanelLoad struct {
	Users          *int
	CPUPercent     *float64
	MemoryPercent  *float64
	TrafficPercent *float64
}

// LoadSource reports the current load of a panel
type LoadSource interface {
	Load(ctx context.Context, panel *models.Panel) (*PanelLoad, error)
}

// Selection is the panel chosen for the next user
type Selection struct {
	Panel    *models.Panel
	Strategy string
	Score    float64
}

// Selector picks the configured, healthy panel that receives the next user
type Selector struct {
	panels PanelStore
	loads  LoadSource
	cfg    config.SelectorConfig
	logger zerolog.Logger
}

func NewSelector(panels PanelStore, loads LoadSource, cfg *config.SelectorConfig) *Selector {
	return &Selector{
		panels: panels,
		loads:  loads,
		cfg:    *cfg,
		logger: log.WithComponent("selector"),
	}
}

type candidate struct {
	panel   *models.Panel
	score   float64
	unknown bool
}

// Select ranks the pool with the configured strategy. Lower scores win and
// ties go to the lowest panel id. Panels in ERROR are never returned.
func (s *Selector) Select(ctx context.Context) (*Selection, error) {
	return s.SelectWith(ctx, s.cfg.Strategy)
}

// SelectWith ranks the pool with an explicit strategy. An empty name means
// the configured one.
func (s *Selector) SelectWith(ctx context.Context, strategy string) (*Selection, error) {
	if strategy == "" {
		strategy = s.cfg.Strategy
	}
	pool, err := s.panels.ListByStatus(ctx, models.StatusConfigured)
	if err != nil {
		return nil, fmt.Errorf("list panels: %w", err)
	}

	healthy := pool[:0:0]
	for _, p := range pool {
		if p.Status == models.StatusConfigured {
			healthy = append(healthy, p)
		}
	}
	if len(healthy) == 0 {
		metrics.PanelSelectionsTotal.WithLabelValues(strategy, "no_healthy_panel").Inc()
		return nil, ErrNoHealthyPanel
	}

	var candidates []candidate
	switch strategy {
	case StrategyBalanced:
		candidates = s.balanced(healthy)
	case StrategyTrafficBased:
		candidates = s.trafficBased(ctx, healthy)
	case StrategyIntelligent:
		candidates = s.intelligent(ctx, healthy)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownStrategy, strategy)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.unknown != b.unknown {
			return !a.unknown
		}
		if a.score != b.score {
			return a.score < b.score
		}
		return a.panel.ID < b.panel.ID
	})

	best := candidates[0]
	metrics.PanelSelectionsTotal.WithLabelValues(strategy, "selected").Inc()
	s.logger.Debug().
		Int64("panel_id", best.panel.ID).
		Str("strategy", strategy).
		Float64("score", best.score).
		Int("pool", len(candidates)).
		Msg("Panel selected")

	return &Selection{Panel: best.panel, Strategy: strategy, Score: best.score}, nil
}

func (s *Selector) balanced(pool []*models.Panel) []candidate {
	out := make([]candidate, 0, len(pool))
	for _, p := range pool {
		out = append(out, candidate{panel: p, score: float64(p.UsersCount)})
	}
	return out
}

// trafficBased ranks panels without traffic data after all others
func (s *Selector) trafficBased(ctx context.Context, pool []*models.Panel) []candidate {
	out := make([]candidate, 0, len(pool))
	for _, p := range pool {
		load := s.load(ctx, p)
		if load == nil || load.TrafficPercent == nil {
			out = append(out, candidate{panel: p, score: 100, unknown: true})
			continue
		}
		out = append(out, candidate{panel: p, score: *load.TrafficPercent})
	}
	return out
}

// intelligent combines users (normalised to the pool maximum), CPU, memory
// and traffic into one weighted score. Unknown metrics count as full load.
func (s *Selector) intelligent(ctx context.Context, pool []*models.Panel) []candidate {
	loads := make([]*PanelLoad, len(pool))
	users := make([]int, len(pool))
	maxUsers := 0
	for i, p := range pool {
		loads[i] = s.load(ctx, p)
		users[i] = p.UsersCount
		if loads[i] != nil && loads[i].Users != nil {
			users[i] = *loads[i].Users
		}
		if users[i] > maxUsers {
			maxUsers = users[i]
		}
	}

	out := make([]candidate, 0, len(pool))
	for i, p := range pool {
		userShare := 0.0
		if maxUsers > 0 {
			userShare = float64(users[i]) / float64(maxUsers)
		}
		var cpu, mem, traffic *float64
		if l := loads[i]; l != nil {
			cpu, mem, traffic = l.CPUPercent, l.MemoryPercent, l.TrafficPercent
		}
		score := s.cfg.UserWeight*userShare +
			s.cfg.CPUWeight*share(cpu) +
			s.cfg.MemoryWeight*share(mem) +
			s.cfg.TrafficWeight*share(traffic)
		out = append(out, candidate{panel: p, score: score})
	}
	return out
}

func (s *Selector) load(ctx context.Context, p *models.Panel) *PanelLoad {
	if s.loads == nil {
		return nil
	}
	load, err := s.loads.Load(ctx, p)
	if err != nil {
		s.logger.Warn().Err(err).Int64("panel_id", p.ID).Msg("Panel load unavailable, deprioritising")
		return nil
	}
	return load
}

// share converts a percentage to [0,1]; unknown is 1
func share(pct *float64) float64 {
	if pct == nil {
		return 1
	}
	v := *pct / 100
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
