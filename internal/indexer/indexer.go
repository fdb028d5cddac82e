package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/flowctl/flowctl/internal/clock"
	"github.com/flowctl/flowctl/internal/domain"
	"github.com/flowctl/flowctl/internal/store"
)

// Checksum returns the content hash used to detect whether a flow file
// has changed since it was last indexed (spec §4.6 step 2). sha256 is
// used in place of the original's md5 — there is no wire-compatibility
// requirement on the checksum format, only the "changed vs unchanged"
// comparison it backs.
func Checksum(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Result is the outcome handed back to the caller of Reindex, mapped to
// the `flow index` exit code contract (spec §6).
type Result struct {
	Status domain.FlowIndexStatus
	FlowID string
}

// Reindex runs the six-step algorithm of spec §4.6 against relPath, relative
// to projectDir (every caller passes the flows directory), persisting the
// parsed definition through st.
func Reindex(ctx context.Context, st *store.Store, projectDir, relPath string, force bool, now time.Time) (*Result, error) {
	absPath := relPath
	if projectDir != "" {
		absPath = projectDir + string(os.PathSeparator) + relPath
	}

	def, err := Parse(absPath)
	if err != nil {
		return &Result{Status: domain.FlowIndexStatusFailed}, err
	}

	checksum, err := Checksum(absPath)
	if err != nil {
		return &Result{Status: domain.FlowIndexStatusFailed}, err
	}

	existing, err := st.GetFlowByPathAndName(ctx, relPath, def.Name)
	if err != nil && err != store.ErrNotFound {
		return &Result{Status: domain.FlowIndexStatusFailed}, err
	}

	if existing != nil && !force && existing.Checksum == checksum {
		return &Result{Status: domain.FlowIndexStatusUnchanged, FlowID: existing.ID}, nil
	}

	tx, err := st.Begin(ctx)
	if err != nil {
		return &Result{Status: domain.FlowIndexStatusFailed}, err
	}

	flowID := clock.NewID()
	createdAt := now
	if existing != nil {
		flowID = existing.ID
		createdAt = existing.CreatedAt
	}

	active := true
	if def.Active != nil {
		active = *def.Active
	}

	flowRow := &domain.Flow{
		ID: flowID, Path: relPath, Name: def.Name, Description: def.Description,
		CronExprs: def.CronExprs, MaxDelay: def.MaxDelay, Checksum: checksum, Active: active,
		CreatedAt: createdAt, ModifiedAt: now,
	}
	if err := tx.UpsertFlow(ctx, flowRow); err != nil {
		tx.Rollback()
		return &Result{Status: domain.FlowIndexStatusFailed}, err
	}

	existingTaskIDs := map[string]string{}
	if existing != nil {
		rows, err := st.ListTasksByFlowID(ctx, flowID)
		if err != nil {
			tx.Rollback()
			return &Result{Status: domain.FlowIndexStatusFailed}, err
		}
		for _, row := range rows {
			existingTaskIDs[row.Name] = row.ID
		}
	}

	taskIDs := make(map[string]string, len(def.Tasks))
	var keepIDs []string
	for _, td := range def.Tasks {
		taskID, ok := existingTaskIDs[td.Name]
		if !ok {
			taskID = clock.NewID()
		}
		taskIDs[td.Name] = taskID
		keepIDs = append(keepIDs, taskID)
		task := &domain.Task{
			ID: taskID, FlowID: flowID, Name: td.Name,
			RetryMax: td.RetryMax, RetryDelay: td.RetryDelay, Config: td.Config,
		}
		if err := tx.UpsertTask(ctx, task); err != nil {
			tx.Rollback()
			return &Result{Status: domain.FlowIndexStatusFailed}, err
		}
	}
	if existing != nil {
		if err := tx.DeleteTasksNotIn(ctx, flowID, keepIDs); err != nil {
			tx.Rollback()
			return &Result{Status: domain.FlowIndexStatusFailed}, err
		}
	}

	var keepEdges [][2]string
	for _, ed := range def.Edges {
		srcID, ok := taskIDs[ed.From]
		if !ok {
			continue
		}
		dstID, ok := taskIDs[ed.To]
		if !ok {
			continue
		}
		keepEdges = append(keepEdges, [2]string{srcID, dstID})
		edge := &domain.TaskEdge{ID: clock.NewID(), SourceID: srcID, DownstreamID: dstID}
		if err := tx.UpsertTaskEdge(ctx, edge); err != nil {
			tx.Rollback()
			return &Result{Status: domain.FlowIndexStatusFailed}, err
		}
	}
	if existing != nil {
		if err := tx.DeleteTaskEdgesNotIn(ctx, flowID, keepEdges); err != nil {
			tx.Rollback()
			return &Result{Status: domain.FlowIndexStatusFailed}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &Result{Status: domain.FlowIndexStatusFailed}, err
	}

	return &Result{Status: domain.FlowIndexStatusUpdated, FlowID: flowID}, nil
}
