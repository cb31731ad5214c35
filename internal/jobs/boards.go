package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"barsync/internal/canonical"
	"barsync/internal/model"
	"barsync/internal/provider"
)

// BoardRebuild refreshes the board-to-constituent mapping for every
// configured board. Each board is fetched with its own retry budget;
// a board that exhausts its retries is skipped so one flaky board
// cannot starve the rest. When Force is false, boards that already
// have a persisted constituent list are not refetched, which lets an
// interrupted rebuild resume where it stopped.
type BoardRebuild struct {
	Orch    *Orchestrator
	Client  *provider.Client
	Boards  map[string]string // board code -> display name
	Retries int
	Backoff time.Duration
	Force   bool
}

func (j *BoardRebuild) Name() string { return "board_rebuild" }

func (j *BoardRebuild) Run(ctx context.Context) error {
	started := time.Now()

	done := make(map[string]bool)
	if !j.Force {
		have, err := j.Orch.store.BoardsWithData(ctx)
		if err != nil {
			j.Orch.audit(ctx, j.Name(), model.JobFailed, 0, err, started)
			return err
		}
		for _, c := range have {
			done[c] = true
		}
	}

	saved, exhausted := 0, 0
	for _, board := range sortedKeys(j.Boards) {
		if ctx.Err() != nil {
			break
		}
		if done[boardKey(board)] {
			continue
		}
		mapping, err := j.rebuildOne(ctx, board, j.Boards[board])
		if err != nil {
			exhausted++
			j.Orch.log.Warn("board rebuild exhausted retries", "board", board, "err", err)
			continue
		}
		if err := j.Orch.store.SaveBoard(ctx, *mapping); err != nil {
			j.Orch.audit(ctx, j.Name(), model.JobFailed, saved, err, started)
			return err
		}
		saved++
	}

	var jobErr error
	status := model.JobCompleted
	switch {
	case ctx.Err() != nil:
		status = model.JobFailed
		jobErr = ctx.Err()
	case exhausted > 0 && saved == 0 && len(done) == 0:
		status = model.JobFailed
		jobErr = fmt.Errorf("all %d boards failed", exhausted)
	case exhausted > 0:
		jobErr = fmt.Errorf("%d boards skipped after retries", exhausted)
	case saved == 0:
		status = model.JobSkipped
	}
	j.Orch.audit(ctx, j.Name(), status, saved, jobErr, started)
	if status == model.JobFailed {
		return jobErr
	}
	return nil
}

func (j *BoardRebuild) rebuildOne(ctx context.Context, board, name string) (*model.BoardMapping, error) {
	var lastErr error
	for attempt := 0; attempt <= j.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay(j.Backoff, attempt)):
			}
		}
		recs, err := j.Client.Fetch(ctx, board, model.TFDay, 0)
		if err != nil {
			if errors.Is(err, provider.ErrNoData) {
				return nil, err
			}
			lastErr = err
			continue
		}
		m := &model.BoardMapping{BoardCode: boardKey(board), BoardName: name}
		for _, r := range recs {
			code, err := canonical.NormalizeTicker(r.Code)
			if err != nil {
				j.Orch.dropRecord("ticker", r.Code, err)
				continue
			}
			m.Constituents = append(m.Constituents, code)
		}
		if len(m.Constituents) == 0 {
			return nil, provider.ErrNoData
		}
		return m, nil
	}
	return nil, lastErr
}

// retry sleep ceiling, mirrors the provider client's backoff cap
const maxRetryDelay = 30 * time.Second

// retryDelay doubles from base per attempt: base, 2*base, 4*base, up
// to the cap.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base << (attempt - 1)
	if d <= 0 || d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

// boardKey stores boards under their bare numeric identity so lookups
// work whether configs say "BK0465" or "0465".
func boardKey(board string) string {
	if len(board) > 2 && board[:2] == "BK" {
		return board[2:]
	}
	return board
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
