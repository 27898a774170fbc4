package tm

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// holdInterrupts returns the context of a critical section that must not be abandoned half way,
// like a protocol broadcast. It ignores cancellation of ctx; a cancellation that arrives meanwhile
// stays pending on ctx for the next checkForInterrupts.
func holdInterrupts(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// checkForInterrupts reports a pending cancellation. Callers only check where stopping is safe:
// before a broadcast begins, never between PREPARED and the commit record.
func checkForInterrupts(ctx context.Context, gid string) error {
	if err := ctx.Err(); err != nil {
		log.WithFields(log.Fields{"gid": gid, "error": err.Error()}).Info("tm::interrupts::checkForInterrupts; cancelled before broadcast")
		return err
	}
	return nil
}
