package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/penguiflow/penguiflow/runtime/group"
	"github.com/penguiflow/penguiflow/runtime/hooks"
	"github.com/penguiflow/penguiflow/runtime/planner"
	"github.com/penguiflow/penguiflow/runtime/snapshot"
	"github.com/penguiflow/penguiflow/runtime/steering"
	"github.com/penguiflow/penguiflow/runtime/store"
	"github.com/penguiflow/penguiflow/runtime/stream"
	"github.com/penguiflow/penguiflow/runtime/task"
)

// dispatch claims every runnable task for the session and starts a flow per
// claim. The registry enforces the concurrency cap and the one-foreground
// rule, so claiming in a loop is safe from any goroutine.
func (c *Coordinator) dispatch(sess *session) {
	for {
		if c.isClosed() {
			return
		}
		st, ok := c.tasks.Claim(sess.id)
		if !ok {
			return
		}
		c.wg.Add(1)
		go c.runTask(sess, st)
	}
}

func (c *Coordinator) runTask(sess *session, st task.State) {
	defer c.wg.Done()

	sess.mu.Lock()
	if st.Type == task.TypeForeground {
		sess.turn++
		sess.fgProgress++
		sess.foreground = st.TaskID
		inbox := sess.inboxes[st.TaskID]
		for _, ev := range sess.buffered {
			ev.TaskID = st.TaskID
			inbox.Push(ev)
		}
		sess.buffered = nil
	}
	query := sess.queries[st.TaskID]
	inbox := sess.inboxes[st.TaskID]
	sess.mu.Unlock()

	ctx := c.base
	var cancel context.CancelFunc
	if c.cfg.Tasks.MaxTaskLifetimeS > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Tasks.TaskLifetime())
		defer cancel()
	}

	c.emit(ctx, sess.id, st.TaskID, stream.Update{
		Type:    stream.UpdateStatusChange,
		Content: map[string]any{"status": string(task.StatusRunning), "reason": "claimed"},
	})
	if err := c.saveEvent(ctx, sess.id, st.TaskID, store.KindTaskStatusChanged, map[string]any{
		"status": string(task.StatusRunning),
	}); err != nil {
		c.failCore(ctx, sess, st, err)
		return
	}

	token, err := c.tasks.Token(st.TaskID)
	if err != nil {
		c.failCore(ctx, sess, st, err)
		return
	}

	out, err := c.rt.Run(ctx, planner.RunSpec{
		SessionID: sess.id,
		TaskID:    st.TaskID,
		Query:     query,
		Snapshot:  st.Snapshot,
		Token:     token,
		Inbox:     inbox,
		Spawn:     c.spawnFunc(sess),
		OnControl: c.controlFunc(sess),
	})
	if err != nil {
		c.failCore(ctx, sess, st, err)
		return
	}
	c.settle(ctx, sess, st, out)
	c.dispatch(sess)
}

// settle records a planner outcome: terminal registry transition, audit
// events, context merging for background tasks, group membership, and the
// foreground yield.
func (c *Coordinator) settle(ctx context.Context, sess *session, st task.State, out planner.Outcome) {
	switch out.Reason {
	case planner.ReasonComplete:
		result, merr := json.Marshal(map[string]any{"answer": out.Answer, "cost_usd": out.CostUSD})
		if merr != nil {
			result = nil
		}
		if _, err := c.tasks.Complete(st.TaskID, result); err != nil {
			c.logger.Warn(ctx, "complete transition", "task_id", st.TaskID, "error", err.Error())
		}
		if err := c.saveEvent(ctx, sess.id, st.TaskID, store.KindTaskResultReady, map[string]any{
			"cost_usd": out.CostUSD,
		}); err != nil {
			c.logger.Error(ctx, "result event write failed", "task_id", st.TaskID, "error", err.Error())
		}
		if st.Type == task.TypeForeground {
			sess.mu.Lock()
			query := sess.queries[st.TaskID]
			sess.mu.Unlock()
			if err := c.mem.AppendTurn(ctx, sess.id, query, out.Answer); err != nil {
				c.logger.Warn(ctx, "memory append", "session_id", sess.id, "error", err.Error())
			}
		} else {
			patch := c.buildPatch(st, out)
			sess.mu.Lock()
			strategy := sess.mergeStrategies()[st.TaskID]
			sess.mu.Unlock()
			if _, err := c.mergePatch(ctx, sess, patch, strategy); err != nil {
				c.logger.Error(ctx, "context merge failed", "task_id", st.TaskID, "error", err.Error())
			}
			c.memberDone(ctx, sess, st, &patch, false)
		}

	case planner.ReasonPaused:
		// Token first: a RESUME racing the transition must find it.
		sess.mu.Lock()
		sess.pauseTokens[st.TaskID] = out.PauseToken
		sess.mu.Unlock()
		if _, err := c.tasks.Pause(st.TaskID); err != nil {
			c.logger.Warn(ctx, "pause transition", "task_id", st.TaskID, "error", err.Error())
		}
		c.recordStatus(ctx, sess, st.TaskID, task.StatusPaused)
		return

	case planner.ReasonCancelled:
		reason := "cancelled"
		if out.Err != nil {
			reason = out.Err.Message
		}
		c.tasks.Cancel(st.TaskID, reason, true) //nolint:errcheck
		c.memberDone(ctx, sess, st, nil, true)

	default: // failed, budget_exceeded
		info := task.ErrInfo{Kind: out.Reason, Message: out.Reason}
		if out.Err != nil {
			info = *out.Err
		}
		if _, err := c.tasks.Fail(st.TaskID, info); err != nil {
			c.logger.Warn(ctx, "fail transition", "task_id", st.TaskID, "error", err.Error())
		}
		c.memberDone(ctx, sess, st, nil, true)
	}

	final, err := c.tasks.Get(st.TaskID)
	if err == nil {
		c.recordStatus(ctx, sess, st.TaskID, final.Status)
		c.persistTaskRow(ctx, final)
	}
	c.cleanupTask(sess, st.TaskID)

	if st.Type == task.TypeForeground {
		c.yieldForeground(ctx, sess, st.TaskID)
	}
}

// yieldForeground releases the foreground slot and, per configuration, seals
// every group opened during the finished turn. Tasks spawned with retain_turn
// hold the yield until they settle or the retain-turn timeout forces it.
func (c *Coordinator) yieldForeground(ctx context.Context, sess *session, taskID string) {
	c.waitRetained(ctx, sess, taskID)

	sess.mu.Lock()
	if sess.foreground == taskID {
		sess.foreground = ""
	}
	turnID := sess.turnID()
	sess.mu.Unlock()

	if !c.cfg.Groups.AutoSealGroupsOnYield {
		return
	}
	for _, groupID := range c.groups.AutoSealTurn(sess.id, turnID) {
		c.maybeReport(ctx, sess, groupID)
	}
}

// waitRetained blocks the foreground yield while retain_turn background tasks
// are still live. On timeout the turn is released anyway with a NOTIFICATION;
// the background work continues under the continuation hop budget.
func (c *Coordinator) waitRetained(ctx context.Context, sess *session, taskID string) {
	sess.mu.Lock()
	retained := sess.retained
	sess.retained = nil
	sess.mu.Unlock()
	if len(retained) == 0 || c.cfg.Tasks.RetainTurnTimeoutS <= 0 {
		return
	}

	deadline := time.NewTimer(c.cfg.Tasks.RetainTurnTimeout())
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		if c.allSettled(retained) {
			return
		}
		select {
		case <-deadline.C:
			c.emit(ctx, sess.id, taskID, stream.Update{
				Type: stream.UpdateNotification,
				Content: map[string]any{
					"title":    "Turn released",
					"reason":   "retain_turn timeout",
					"task_ids": retained,
				},
			})
			c.metrics.IncCounter("penguiflow.session.retain_turn_timeouts", 1)
			return
		case <-tick.C:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) allSettled(taskIDs []string) bool {
	for _, id := range taskIDs {
		st, err := c.tasks.Get(id)
		if err != nil {
			continue
		}
		if !st.Status.Terminal() {
			return false
		}
	}
	return true
}

// sealGroupAfterTimeout closes a group that is still OPEN when the configured
// group timeout elapses, so a turn that never yields cannot hold its report
// forever.
func (c *Coordinator) sealGroupAfterTimeout(sess *session, groupID string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-time.After(c.cfg.Groups.GroupTimeout()):
		case <-c.base.Done():
			return
		}
		g, err := c.groups.Get(groupID)
		if err != nil || g.Status != group.StatusOpen {
			return
		}
		if _, err := c.groups.Seal(groupID); err != nil {
			c.logger.Warn(c.base, "group timeout seal", "group_id", groupID, "error", err.Error())
			return
		}
		c.logger.Warn(c.base, "group sealed on timeout", "group_id", groupID)
		c.maybeReport(c.base, sess, groupID)
	}()
}

// failCore surfaces a core store or runtime failure as a FAILED task.
func (c *Coordinator) failCore(ctx context.Context, sess *session, st task.State, err error) {
	info := task.ErrInfo{Kind: "internal", Message: err.Error()}
	if _, ferr := c.tasks.Fail(st.TaskID, info); ferr != nil {
		c.tasks.Cancel(st.TaskID, err.Error(), false) //nolint:errcheck
	}
	c.emit(ctx, sess.id, st.TaskID, stream.Update{
		Type:    stream.UpdateError,
		Content: map[string]any{"kind": info.Kind, "message": info.Message},
	})
	c.recordStatus(ctx, sess, st.TaskID, task.StatusFailed)
	c.memberDone(ctx, sess, st, nil, true)
	c.cleanupTask(sess, st.TaskID)
	if st.Type == task.TypeForeground {
		c.yieldForeground(ctx, sess, st.TaskID)
	}
	c.dispatch(sess)
}

// spawnFunc hands the planner a spawn callback that admits background tasks
// into this session, bounded by the continuation hop budget.
func (c *Coordinator) spawnFunc(sess *session) planner.SpawnFunc {
	return func(ctx context.Context, req planner.SpawnRequest) (string, error) {
		if maxHops := c.cfg.Tasks.BackgroundContinuationMaxHops; maxHops > 0 && c.hops(req.ParentTaskID)+1 > maxHops {
			return "", ErrContinuationBudget
		}
		st, err := c.Spawn(ctx, SpawnSpec{
			SessionID:     sess.id,
			Query:         req.Query,
			Description:   req.Description,
			Type:          task.TypeBackground,
			Priority:      req.Priority,
			ParentTaskID:  req.ParentTaskID,
			GroupName:     req.GroupName,
			MergeStrategy: req.MergeStrategy,
			RetainTurn:    req.RetainTurn,
		})
		if err != nil {
			return "", err
		}
		return st.TaskID, nil
	}
}

// controlFunc handles control events the planner forwards instead of
// consuming: patch approval, rejection, and reprioritization.
func (c *Coordinator) controlFunc(sess *session) planner.ControlFunc {
	return func(ctx context.Context, ev steering.Event) error {
		switch ev.Type {
		case steering.EventApprove:
			return c.approve(ctx, sess, patchIDFrom(ev))
		case steering.EventReject:
			return c.reject(ctx, sess, patchIDFrom(ev))
		case steering.EventPrioritize:
			return c.prioritize(ev)
		}
		return nil
	}
}

// hops counts the parent chain length above the task.
func (c *Coordinator) hops(taskID string) int {
	n := 0
	for taskID != "" {
		st, err := c.tasks.Get(taskID)
		if err != nil || st.ParentTaskID == "" {
			break
		}
		taskID = st.ParentTaskID
		n++
	}
	return n
}

// buildPatch packages a background result as a context patch.
func (c *Coordinator) buildPatch(st task.State, out planner.Outcome) snapshot.Patch {
	patch := snapshot.Patch{
		PatchID:     uuid.NewString(),
		TaskID:      st.TaskID,
		CompletedAt: c.now(),
		Facts:       map[string]any{"answer": out.Answer},
	}
	if st.Snapshot != nil {
		patch.SpawnedFromEventID = st.Snapshot.SpawnedFromEventID
	}
	if digest := truncate(out.Answer, 200); digest != "" {
		patch.Digest = []string{digest}
	}
	return patch
}

// mergePatch lands a patch in the session context under the strategy:
// append and replace apply immediately, human_gated queues the patch and
// announces it for approval. Reports whether the context changed now.
func (c *Coordinator) mergePatch(ctx context.Context, sess *session, patch snapshot.Patch, strategy snapshot.MergeStrategy) (bool, error) {
	if strategy == "" {
		strategy = snapshot.MergeAppend
	}
	if err := c.saveEvent(ctx, sess.id, patch.TaskID, store.KindContextPatchReady, map[string]any{
		"patch_id": patch.PatchID,
		"strategy": string(strategy),
	}); err != nil {
		return false, fmt.Errorf("session: record patch: %w", err)
	}
	if c.divergedSinceSpawn(sess, patch) {
		c.emit(ctx, sess.id, patch.TaskID, stream.Update{
			Type: stream.UpdateNotification,
			Content: map[string]any{
				"title":                 "Foreground moved past this result",
				"patch_id":              patch.PatchID,
				"spawned_from_event_id": patch.SpawnedFromEventID,
			},
		})
	}

	switch strategy {
	case snapshot.MergeAppend:
		sess.mu.Lock()
		applied, err := sess.merger.Append(sess.llmContext, patch)
		sess.mu.Unlock()
		if err != nil || !applied {
			return false, err
		}
		return true, c.patchApplied(ctx, sess, patch)

	case snapshot.MergeReplace:
		sess.mu.Lock()
		applied, err := sess.merger.Replace(sess.llmContext, patch, "latest_result", patch.Facts)
		sess.mu.Unlock()
		if err != nil || !applied {
			return false, err
		}
		return true, c.patchApplied(ctx, sess, patch)

	case snapshot.MergeHumanGated:
		queued, err := sess.merger.QueueHumanGated(patch)
		if err != nil || !queued {
			return false, err
		}
		title := "Background task complete"
		if st, gerr := c.tasks.Get(patch.TaskID); gerr == nil && st.Description != "" {
			title = st.Description + " complete"
		}
		c.emit(ctx, sess.id, patch.TaskID, stream.Update{
			Type: stream.UpdateNotification,
			Content: map[string]any{
				"title":    title,
				"patch_id": patch.PatchID,
				"actions":  []any{map[string]any{"id": "apply"}, map[string]any{"id": "dismiss"}},
			},
		})
		if err := c.saveEvent(ctx, sess.id, patch.TaskID, store.KindControlRequested, map[string]any{
			"patch_id": patch.PatchID,
		}); err != nil {
			c.logger.Error(ctx, "control request event write failed", "patch_id", patch.PatchID, "error", err.Error())
		}
		return false, nil
	}
	return false, fmt.Errorf("session: unknown merge strategy %q", strategy)
}

// approve merges a queued human-gated patch and announces the application.
func (c *Coordinator) approve(ctx context.Context, sess *session, patchID string) error {
	if patchID == "" {
		return fmt.Errorf("session: approve requires patch_id")
	}
	sess.mu.Lock()
	patch, applied, err := sess.merger.Approve(sess.llmContext, patchID)
	sess.mu.Unlock()
	if err != nil {
		return err
	}
	if !applied {
		c.logger.Debug(ctx, "approve for unknown or settled patch", "patch_id", patchID)
		return nil
	}
	return c.patchApplied(ctx, sess, patch)
}

// reject drops a queued human-gated patch for good.
func (c *Coordinator) reject(ctx context.Context, sess *session, patchID string) error {
	if patchID == "" {
		return fmt.Errorf("session: reject requires patch_id")
	}
	if !sess.merger.Reject(patchID) {
		return nil
	}
	return c.saveEvent(ctx, sess.id, "", store.KindControlConfirmed, map[string]any{
		"action":   "reject",
		"patch_id": patchID,
	})
}

// divergedSinceSpawn reports whether the foreground context advanced after the
// patch's task was spawned: a new turn started or another patch landed. The
// warning fires once per spawn mark.
func (c *Coordinator) divergedSinceSpawn(sess *session, patch snapshot.Patch) bool {
	if patch.SpawnedFromEventID == "" {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	mark, ok := sess.spawnMarks[patch.SpawnedFromEventID]
	if !ok {
		return false
	}
	delete(sess.spawnMarks, patch.SpawnedFromEventID)
	return sess.fgProgress > mark
}

func (c *Coordinator) patchApplied(ctx context.Context, sess *session, patch snapshot.Patch) error {
	if err := c.saveEvent(ctx, sess.id, patch.TaskID, store.KindContextPatchApplied, map[string]any{
		"patch_id": patch.PatchID,
	}); err != nil {
		return fmt.Errorf("session: record patch application: %w", err)
	}
	c.emit(ctx, sess.id, patch.TaskID, stream.Update{
		Type:    stream.UpdateNotification,
		Content: map[string]any{"title": "Context patch applied", "patch_id": patch.PatchID},
	})
	sess.mu.Lock()
	sess.fgProgress++
	sess.mu.Unlock()
	c.metrics.IncCounter("penguiflow.session.patches_applied", 1)
	return nil
}

func (c *Coordinator) prioritize(ev steering.Event) error {
	var payload struct {
		TaskID   string `json:"task_id"`
		Priority int    `json:"priority"`
	}
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("session: decode prioritize payload: %w", err)
		}
	}
	if payload.TaskID == "" {
		payload.TaskID = ev.TaskID
	}
	_, err := c.tasks.Prioritize(payload.TaskID, payload.Priority)
	return err
}

// cancelIdle cancels a task that has no running loop to drain the event:
// queued tasks and durably paused ones. Descendants cancel with it.
func (c *Coordinator) cancelIdle(ctx context.Context, sess *session, st task.State, reason string) error {
	ids, err := c.tasks.Cancel(st.TaskID, reason, true)
	if err != nil {
		return err
	}
	for _, id := range ids {
		c.emit(ctx, sess.id, id, stream.Update{
			Type:    stream.UpdateResult,
			Content: map[string]any{"success": false, "error": map[string]any{"kind": "cancelled", "message": reason}},
		})
		c.recordStatus(ctx, sess, id, task.StatusCancelled)
		if cancelled, gerr := c.tasks.Get(id); gerr == nil {
			c.persistTaskRow(ctx, cancelled)
			c.memberDone(ctx, sess, cancelled, nil, true)
		}
		c.cleanupTask(sess, id)
	}
	sess.mu.Lock()
	if sess.foreground == st.TaskID {
		sess.foreground = ""
	}
	sess.mu.Unlock()
	return nil
}

// resumeTask restarts a durably paused run from its pause token.
func (c *Coordinator) resumeTask(sess *session, taskID string) error {
	sess.mu.Lock()
	token := sess.pauseTokens[taskID]
	delete(sess.pauseTokens, taskID)
	query := sess.queries[taskID]
	inbox := sess.inboxes[taskID]
	sess.mu.Unlock()
	if token == "" {
		return fmt.Errorf("session: no pause token for task %s", taskID)
	}
	st, err := c.tasks.Resume(taskID)
	if err != nil {
		return err
	}
	cancelToken, err := c.tasks.Token(taskID)
	if err != nil {
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx := c.base
		var cancel context.CancelFunc
		if c.cfg.Tasks.MaxTaskLifetimeS > 0 {
			ctx, cancel = context.WithTimeout(ctx, c.cfg.Tasks.TaskLifetime())
			defer cancel()
		}
		out, rerr := c.rt.Resume(ctx, token, planner.RunSpec{
			SessionID: sess.id,
			TaskID:    taskID,
			Query:     query,
			Token:     cancelToken,
			Inbox:     inbox,
			Spawn:     c.spawnFunc(sess),
			OnControl: c.controlFunc(sess),
		})
		if rerr != nil {
			if errors.Is(rerr, planner.ErrAlreadyResumed) {
				c.logger.Warn(ctx, "pause token already consumed", "task_id", taskID)
				return
			}
			c.failCore(ctx, sess, st, rerr)
			return
		}
		c.settle(ctx, sess, st, out)
		c.dispatch(sess)
	}()
	return nil
}

// memberDone records the member outcome with its group and collects the
// report when the group becomes terminal.
func (c *Coordinator) memberDone(ctx context.Context, sess *session, st task.State, patch *snapshot.Patch, failed bool) {
	if st.GroupID == "" {
		return
	}
	if _, err := c.groups.MemberDone(st.GroupID, st.TaskID, patch, failed); err != nil {
		c.logger.Warn(ctx, "group member done", "group_id", st.GroupID, "task_id", st.TaskID, "error", err.Error())
		return
	}
	c.maybeReport(ctx, sess, st.GroupID)
}

// maybeReport emits the group-level RESULT exactly once after the group
// reaches a terminal status. The report streams under the group id.
func (c *Coordinator) maybeReport(ctx context.Context, sess *session, groupID string) {
	rep, ok, err := c.groups.CollectReport(groupID)
	if err != nil {
		c.logger.Warn(ctx, "collect group report", "group_id", groupID, "error", err.Error())
		return
	}
	if !ok {
		return
	}
	patches := rep.Patches
	if rep.Status == group.StatusFailed && !c.cfg.Groups.GroupPartialOnFailure {
		patches = nil
	}
	if rep.MergeStrategy == snapshot.MergeHumanGated && len(patches) > 0 {
		patches = redactUnapproved(patches, sess.merger.Pending())
	}
	c.emit(ctx, sess.id, groupID, stream.Update{
		Type: stream.UpdateResult,
		Content: map[string]any{
			"group_id":        rep.GroupID,
			"display_name":    rep.DisplayName,
			"status":          string(rep.Status),
			"member_count":    rep.MemberCount,
			"succeeded_count": rep.SucceededCount,
			"failed_task_ids": rep.FailedTaskIDs,
			"patches":         patches,
		},
	})
	if err := c.saveEvent(ctx, sess.id, groupID, store.KindTaskResultReady, map[string]any{
		"group_id": rep.GroupID,
		"status":   string(rep.Status),
	}); err != nil {
		c.logger.Error(ctx, "group report event write failed", "group_id", groupID, "error", err.Error())
	}
	if err := c.bus.Publish(ctx, hooks.GroupReportReady{SessionID: sess.id, GroupID: groupID}); err != nil {
		c.logger.Warn(ctx, "hook publish failed", "event", "group_report_ready", "error", err.Error())
	}
}

// redactUnapproved strips gated content from report patches that are still
// waiting for approval. Ids and provenance survive so the report stays
// countable and the patch remains approvable by id.
func redactUnapproved(patches, pending []snapshot.Patch) []snapshot.Patch {
	gated := make(map[string]struct{}, len(pending))
	for _, p := range pending {
		gated[p.PatchID] = struct{}{}
	}
	out := make([]snapshot.Patch, len(patches))
	for i, p := range patches {
		if _, waiting := gated[p.PatchID]; waiting {
			p.Digest = nil
			p.Facts = nil
			p.Sources = nil
			p.Assumptions = nil
			p.RecommendedNextSteps = nil
		}
		out[i] = p
	}
	return out
}

func (c *Coordinator) recordStatus(ctx context.Context, sess *session, taskID string, status task.Status) {
	if err := c.saveEvent(ctx, sess.id, taskID, store.KindTaskStatusChanged, map[string]any{
		"status": string(status),
	}); err != nil {
		c.logger.Error(ctx, "status event write failed", "task_id", taskID, "error", err.Error())
	}
}

func (c *Coordinator) cleanupTask(sess *session, taskID string) {
	sess.mu.Lock()
	delete(sess.inboxes, taskID)
	delete(sess.queries, taskID)
	delete(sess.pauseTokens, taskID)
	if sess.taskMerges != nil {
		delete(sess.taskMerges, taskID)
	}
	sess.mu.Unlock()
}

func (c *Coordinator) emit(ctx context.Context, sessionID, taskID string, u stream.Update) {
	u.SessionID = sessionID
	u.TaskID = taskID
	if _, err := c.emitter.Emit(ctx, u); err != nil {
		c.logger.Warn(ctx, "emit update", "update_type", string(u.Type), "error", err.Error())
	}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
