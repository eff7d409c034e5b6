package orchestrator

import (
	"context"

	"github.com/shaiso/Strata/internal/telemetry"
)

// maintainLeases продлевает аренду корневых графов и забирает графы,
// аренда которых истекла у других экземпляров.
func (o *Orchestrator) maintainLeases(ctx context.Context) {
	interval := o.leaseTTL / 3
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.clock.After(interval):
		}

		o.renewLeases(ctx)

		n, err := o.adopt(ctx)
		if err != nil {
			if ctx.Err() == nil {
				o.logger.Warn("failed to take over expired workflows", "error", err)
			}
			continue
		}
		if n > 0 {
			o.logger.Info("took over workflows with expired leases", "count", n)
		}
	}
}

// renewLeases продлевает аренду всех корневых графов экземпляра.
//
// Граф, аренду которого забрал другой экземпляр, бросается. При ошибке
// хранилища граф ведётся дальше, пока не истечёт последняя продлённая аренда.
func (o *Orchestrator) renewLeases(ctx context.Context) {
	now := o.clock.Now().UTC()
	until := now.Add(o.leaseTTL)

	for _, st := range o.roots() {
		id := st.WorkflowID()
		ok, err := o.store.Workflows.RenewLease(ctx, id, o.id, until)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			o.logger.Warn("failed to renew workflow lease", "workflow_id", id, "error", err)
			st.mu.Lock()
			expired := st.Workflow.LeaseExpired(now)
			st.mu.Unlock()
			if expired {
				o.abandon(st, "lease expired")
			}
		case !ok:
			o.abandon(st, "lease taken by another instance")
		default:
			st.mu.Lock()
			st.Workflow.LeaseUntil = &until
			st.mu.Unlock()
		}
	}
}

// roots возвращает активные корневые графы.
func (o *Orchestrator) roots() []*WorkflowState {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]*WorkflowState, 0, len(o.active))
	for _, st := range o.active {
		if !st.Workflow.IsChild() {
			out = append(out, st)
		}
	}
	return out
}

// abandon прекращает ведение графа без записи результата: граф и его
// дочерние графы остаются RUNNING для нового владельца аренды.
func (o *Orchestrator) abandon(st *WorkflowState, reason string) {
	st.mu.Lock()
	if st.finished {
		st.mu.Unlock()
		return
	}
	st.finished = true
	if st.release != nil {
		st.release()
		st.release = nil
	}
	st.mu.Unlock()

	id := st.WorkflowID()
	o.removeActive(id)
	telemetry.WithWorkflowID(o.logger, id.String()).Error("workflow abandoned", "reason", reason)

	for _, childID := range o.children(id) {
		if child := o.getActive(childID); child != nil {
			o.abandon(child, "parent workflow abandoned")
		}
	}
}
