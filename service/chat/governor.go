package chat

import (
	"math"
	"time"

	"ppchat/global/config"

	"golang.org/x/time/rate"
)

// Verdict 限流判定
type Verdict int

const (
	Allow     Verdict = iota
	AllowWarn         // 放行，并下发一次 RATE_LIMIT_WARNING
	Reject            // 拒绝，回 RATE_LIMITED
	Throttle          // 静默丢弃
	CloseConn         // 违规过多，4005 关闭
)

// Governor 每连接一个，只在读协程里调用，不加锁
type Governor struct {
	cfg     config.Rate
	limiter *rate.Limiter
	now     func() time.Time

	windowStart time.Time
	used        int
	warned      bool
	warnAt      int

	violations []time.Time
}

func NewGovernor(cfg config.Rate, now func() time.Time) *Governor {
	if now == nil {
		now = time.Now
	}
	every := cfg.Window / time.Duration(max(cfg.Max, 1))
	warnAt := int(math.Ceil(cfg.WarnRatio * float64(cfg.Max)))
	if warnAt <= 0 {
		warnAt = cfg.Max
	}
	return &Governor{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(every), cfg.Max),
		now:     now,
		warnAt:  warnAt,
	}
}

// Admit 读到一个计费帧时调用
func (g *Governor) Admit() Verdict {
	now := g.now()
	if g.windowStart.IsZero() || now.Sub(g.windowStart) >= g.cfg.Window {
		g.windowStart = now
		g.used = 0
		g.warned = false
	}
	if g.limiter.AllowN(now, 1) {
		g.used++
		if !g.warned && g.used >= g.warnAt {
			g.warned = true
			return AllowWarn
		}
		return Allow
	}
	return g.violate(now)
}

func (g *Governor) violate(now time.Time) Verdict {
	cut := now.Add(-g.cfg.ViolationWindow)
	keep := g.violations[:0]
	for _, t := range g.violations {
		if t.After(cut) {
			keep = append(keep, t)
		}
	}
	g.violations = append(keep, now)
	n := len(g.violations)
	switch {
	case n >= g.cfg.CloseAt:
		return CloseConn
	case n >= g.cfg.ThrottleAt:
		return Throttle
	default:
		return Reject
	}
}

// Used 当前窗口内已放行的帧数
func (g *Governor) Used() int { return g.used }

// Violations 窗口内的违规次数
func (g *Governor) Violations() int { return len(g.violations) }

// Limit 配置的窗口额度
func (g *Governor) Limit() (int, time.Duration) { return g.cfg.Max, g.cfg.Window }
