package bot

import (
	"context"
	"strings"
	"time"

	cmdpkg "github.com/stupiduntilnot/ollabot/internal/commander"
	"github.com/stupiduntilnot/ollabot/internal/db"
)

// Run long-polls the commander and dispatches updates until ctx is done.
// In-flight exchanges are awaited before Run returns.
func (b *Bot) Run(ctx context.Context) error {
	defer b.wg.Wait()

	var offset int64
	if b.dropPending {
		bootstrapped, err := bootstrapOffset(ctx, b.commander, b.pendingWindow, b.pendingMax)
		if err != nil {
			b.logger.Warn("bootstrap_offset_error", "error", err.Error())
		} else {
			offset = bootstrapped
		}
	}

	b.logger.Info("bot_running", "prefix", b.prefix, "offset", offset)

	for ctx.Err() == nil {
		allowed, halfOpened := b.circuit.Allow(time.Now())
		if !allowed {
			b.pause(ctx)
			continue
		}
		if halfOpened {
			b.events.Log(b.processEventID, db.EventCircuitHalfOpen, map[string]any{
				"error_class": b.circuit.OpenedClass(),
			})
		}

		updates, err := b.commander.GetUpdates(ctx, offset, b.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			errClass := classifyError(err)
			b.logger.Warn("get_updates_error", "error_class", errClass, "error", err.Error())
			if b.circuit.RecordFailure(errClass, time.Now()) {
				b.logger.Warn("circuit_opened", "error_class", errClass, "cooldown", b.circuit.Cooldown)
				b.events.Log(b.processEventID, db.EventCircuitOpened, map[string]any{
					"error_class":      errClass,
					"threshold":        b.circuit.Threshold,
					"cooldown_seconds": int(b.circuit.Cooldown.Seconds()),
				})
			}
			b.pause(ctx)
			continue
		}
		if b.circuit.RecordSuccess() {
			b.logger.Info("circuit_closed")
			b.events.Log(b.processEventID, db.EventCircuitClosed, map[string]any{"recovered": true})
		}

		for _, update := range updates {
			offset = update.UpdateID + 1
			b.HandleUpdate(ctx, update)
		}
		if len(updates) == 0 && b.pollTimeout == 0 {
			b.pause(ctx)
		}
	}

	b.logger.Info("bot_stopping")
	return nil
}

func (b *Bot) pause(ctx context.Context) {
	t := time.NewTimer(b.sleep)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// bootstrapOffset skips updates that queued up while the bot was down,
// keeping at most pendingMax of those sent within the last
// pendingWindowSeconds.
func bootstrapOffset(ctx context.Context, commander cmdpkg.Commander, pendingWindowSeconds int64, pendingMax int) (int64, error) {
	updates, err := commander.GetUpdates(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, nil
	}

	cutoff := time.Now().Unix() - pendingWindowSeconds

	var inWindow []cmdpkg.Update
	for _, u := range updates {
		if u.Message != nil && u.Message.Date >= cutoff {
			inWindow = append(inWindow, u)
		}
	}

	if len(inWindow) == 0 {
		return updates[len(updates)-1].UpdateID + 1, nil
	}

	if pendingMax > 0 && len(inWindow) > pendingMax {
		inWindow = inWindow[len(inWindow)-pendingMax:]
	}

	return inWindow[0].UpdateID, nil
}

func classifyError(err error) string {
	if err == nil {
		return "unknown"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "telegram"), strings.Contains(msg, "commander"):
		return "command_source_api"
	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timeout"):
		return "timeout"
	default:
		return "unknown"
	}
}
