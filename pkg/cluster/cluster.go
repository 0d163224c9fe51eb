// Package cluster partitions the bot credential pool across sibling
// processes, reforks dead siblings and owns each sibling's
// self-termination policies.
package cluster

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// EnvSiblingID carries the 1-based partition index into forked siblings.
// Its absence means the process is the supervisor.
const EnvSiblingID = "INSPECTD_CLUSTER_ID"

// SiblingID reports the partition index from the environment.
func SiblingID() (int, bool) {
	v := os.Getenv(EnvSiblingID)
	if v == "" {
		return 0, false
	}
	id, err := strconv.Atoi(v)
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}

// Supervise forks count copies of this binary, each tagged with its
// partition index, and reforks any sibling that exits for any reason.
// Crash-only recovery: there is no backoff and no exit-code inspection.
// Blocks until ctx is cancelled.
func Supervise(ctx context.Context, count int, log *zap.Logger) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	log.Info("supervisor running", zap.Int("pid", os.Getpid()), zap.Int("siblings", count))

	for i := 1; i <= count; i++ {
		go reforkLoop(ctx, exe, i, log)
	}
	<-ctx.Done()
	return nil
}

func reforkLoop(ctx context.Context, exe string, id int, log *zap.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		cmd := exec.Command(exe, os.Args[1:]...)
		cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", EnvSiblingID, id))
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Start(); err != nil {
			log.Error("sibling start failed", zap.Int("sibling", id), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		log.Info("sibling started", zap.Int("sibling", id), zap.Int("pid", cmd.Process.Pid))

		err := cmd.Wait()
		if ctx.Err() != nil {
			return
		}
		log.Warn("sibling died, restarting", zap.Int("sibling", id), zap.Error(err))
	}
}

// PartitionAccounts returns sibling id's contiguous slice of the account
// list: total/clusters lines each, by 1-based index. Out-of-range bounds
// clamp to the list.
func PartitionAccounts(lines []string, total, clusters, id int) []string {
	if clusters < 1 || id < 1 || total < 1 {
		return nil
	}
	per := total / clusters
	lo := (id - 1) * per
	hi := id * per
	if lo >= len(lines) {
		return nil
	}
	if hi > len(lines) {
		hi = len(lines)
	}
	return lines[lo:hi]
}

// ReadyCounter is the health view of the bot pool.
type ReadyCounter interface {
	ReadyAmount() int
}

// StartHealthWatch terminates the sibling when the ready-bot fraction has
// not reached minFraction of its share once the grace period since startup
// has passed. A pool that never comes up signals a stuck login pipeline,
// not transient latency; the supervisor reforks us into a clean slate.
func StartHealthWatch(ctx context.Context, pool ReadyCounter, share int, minFraction float64, grace time.Duration, log *zap.Logger, exit func(int)) {
	start := time.Now()
	// The floor stays fractional: truncating it to an int would let a
	// small share (share < 1/minFraction) pass with zero ready bots.
	floor := float64(share) * minFraction
	go func() {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if time.Since(start) < grace {
					continue
				}
				if ready := pool.ReadyAmount(); float64(ready) < floor {
					log.Error("ready bots below healthy floor, terminating",
						zap.Int("ready", ready), zap.Float64("floor", floor), zap.Int("share", share))
					exit(1)
					return
				}
			}
		}
	}()
}

// RotationDeadline is when sibling id must retire: the base lifetime plus
// an index-proportional stagger so siblings never rotate together.
func RotationDeadline(life, stagger time.Duration, id int) time.Duration {
	return life + time.Duration(id)*stagger
}

// ScheduleRotation arms the staggered lifetime timer.
func ScheduleRotation(life, stagger time.Duration, id int, log *zap.Logger, exit func(int)) *time.Timer {
	d := RotationDeadline(life, stagger, id)
	return time.AfterFunc(d, func() {
		log.Info("rotation lifetime reached, terminating", zap.Int("sibling", id), zap.Duration("after", d))
		exit(1)
	})
}
