package audit

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"broadcastbot/internal/storage"
	logx "broadcastbot/pkg/logx"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a prune schedule spec.
func ParseSchedule(spec string) error {
	_, err := parser.Parse(spec)
	return err
}

// Pruner drops audit entries older than the retention window on a cron schedule.
type Pruner struct {
	store     storage.Store
	spec      string
	retention time.Duration
	log       logx.Logger
	now       func() time.Time

	mu sync.Mutex
	c  *cron.Cron
}

func NewPruner(store storage.Store, spec string, retention time.Duration, log logx.Logger) *Pruner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pruner{
		store:     store,
		spec:      spec,
		retention: retention,
		log:       log.With(logx.String("comp", "audit.prune")),
		now:       time.Now,
	}
}

// Start registers the prune job and starts triggering. ctx bounds each run.
func (p *Pruner) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c != nil {
		return nil
	}
	c := cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC))
	if _, err := c.AddJob(p.spec, cron.FuncJob(func() {
		rctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		_, _ = p.PruneNow(rctx)
	})); err != nil {
		return err
	}
	c.Start()
	p.c = c
	p.log.Info("service started", logx.String("schedule", p.spec), logx.Duration("retention", p.retention))
	return nil
}

// PruneNow runs one prune pass.
func (p *Pruner) PruneNow(ctx context.Context) (int, error) {
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.PruneAudit(ctx, cutoff)
	if err != nil {
		p.log.Warn("audit prune failed", logx.Err(err))
		return 0, err
	}
	if n > 0 {
		p.log.Info("audit pruned", logx.Int("removed", n), logx.Time("before", cutoff))
	}
	return n, nil
}

func (p *Pruner) Stop(ctx context.Context) {
	p.mu.Lock()
	c := p.c
	p.c = nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
