package callview

import (
	"context"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
)

// Source is satisfied by *call.Session.
type Source interface {
	Subscribe() (<-chan call.Snapshot, func())
}

type Presenter struct {
	src  Source
	now  func() time.Time
	tick time.Duration
}

func NewPresenter(src Source) *Presenter {
	return &Presenter{src: src, now: time.Now, tick: time.Second}
}

// Subscribe streams models until ctx ends: one per session change and, while
// connected, one per tick so the elapsed timer advances. A slow reader only
// ever sees the latest model.
func (p *Presenter) Subscribe(ctx context.Context) <-chan Model {
	out := make(chan Model, 1)
	snaps, cancel := p.src.Subscribe()

	go func() {
		defer close(out)
		defer cancel()

		ticker := time.NewTicker(p.tick)
		defer ticker.Stop()

		var last call.Snapshot
		have := false
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-snaps:
				if !ok {
					return
				}
				last, have = s, true
			case <-ticker.C:
				if !have || last.State != call.Connected {
					continue
				}
			}
			offer(out, Build(last, p.now()))
		}
	}()
	return out
}

func offer(out chan Model, m Model) {
	select {
	case <-out:
	default:
	}
	select {
	case out <- m:
	default:
	}
}
