package capture

import (
	"sync/atomic"

	"github.com/LouYuanbo1/apicapture/internal/domain/model"
)

// commitGuard 是会话唯一的决胜点: 第一个 tryCommit 成功的结果就是最终结果
type commitGuard struct {
	committed atomic.Bool
	slot      chan *model.Outcome
}

func newCommitGuard() *commitGuard {
	return &commitGuard{slot: make(chan *model.Outcome, 1)}
}

// tryCommit reports whether o became the session outcome. The send never blocks:
// only the CAS winner writes and the slot holds one value.
func (g *commitGuard) tryCommit(o *model.Outcome) bool {
	if !g.committed.CompareAndSwap(false, true) {
		return false
	}
	g.slot <- o
	return true
}

func (g *commitGuard) isCommitted() bool {
	return g.committed.Load()
}

// outcome 只能由协调循环读取一次
func (g *commitGuard) outcome() <-chan *model.Outcome {
	return g.slot
}
