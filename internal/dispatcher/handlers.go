package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"shroombot/internal/storage"
	"shroombot/internal/transport"
	logx "shroombot/pkg/logx"
)

var markdown = &transport.SendOptions{ParseMode: "Markdown"}

func (d *Dispatcher) handleStart(ctx context.Context, req *Request) error {
	cmd := req.Cmd
	if err := d.deps.Store.UpsertSeen(ctx, cmd.UserID, cmd.DisplayName, d.deps.Now()); err != nil {
		// Registration is retried on the next /start; the welcome still goes out.
		req.Logger.Warn("register user failed", logx.Err(err))
	} else {
		req.Logger.Info("user started bot", logx.String("name", cmd.DisplayName))
	}
	d.replyOpts(ctx, req, welcomeText(cmd.DisplayName), markdown)
	return nil
}

func (d *Dispatcher) handleStats(ctx context.Context, req *Request) error {
	cmd := req.Cmd
	// Only existing users are refreshed; an unregistered caller leaves no trace.
	if _, err := d.deps.Store.Touch(ctx, cmd.UserID, d.deps.Now()); err != nil {
		req.Logger.Debug("touch failed", logx.Err(err))
	}
	st, ok, err := d.deps.Store.GetStats(ctx, cmd.UserID)
	switch {
	case errors.Is(err, storage.ErrUnavailable):
		req.Logger.Warn("stats unavailable", logx.Err(err))
		d.reply(ctx, req, textStoreDown)
		return nil
	case err != nil:
		return fmt.Errorf("get stats: %w", err)
	case !ok:
		d.reply(ctx, req, textNotRegistered)
		return nil
	}
	d.replyOpts(ctx, req, statsText(st), markdown)
	return nil
}

func (d *Dispatcher) handleHelp(ctx context.Context, req *Request) error {
	d.reply(ctx, req, textHelp)
	return nil
}

func (d *Dispatcher) handleBroadcast(ctx context.Context, req *Request) error {
	cmd := req.Cmd
	admin := d.deps.AdminID()
	if admin == 0 || cmd.UserID != admin {
		d.reply(ctx, req, textForbidden)
		return ErrUnauthorized
	}
	if cmd.Args == "" {
		d.reply(ctx, req, textUsage)
		return nil
	}

	unlock, ok, err := d.deps.Locker.TryLock(ctx, broadcastLockKey)
	if err != nil {
		return fmt.Errorf("acquire broadcast lock: %w", err)
	}
	if !ok {
		d.reply(ctx, req, textBusyBroadcast)
		return nil
	}
	defer unlock()

	ids, err := d.deps.Store.RecipientIDs(ctx)
	if errors.Is(err, storage.ErrUnavailable) {
		req.Logger.Warn("recipients unavailable", logx.Err(err))
		d.reply(ctx, req, textStoreDown)
		return nil
	}
	if err != nil {
		return fmt.Errorf("list recipients: %w", err)
	}

	d.reply(ctx, req, broadcastStartedText(len(ids)))
	res := d.deps.Broadcaster.SendAll(ctx, ids, broadcastPayload(cmd.Args))
	req.Logger.Info("admin broadcast done",
		logx.Int("recipients", len(ids)),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
		logx.Int("skipped", res.Skipped),
	)
	d.reply(ctx, req, broadcastSummaryText(res.Sent, res.Failed, res.Skipped))
	return nil
}
