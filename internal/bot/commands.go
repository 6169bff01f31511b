package bot

import (
	"context"
	"errors"
	"strconv"

	"adventbot/internal/broadcast"
	"adventbot/internal/calendar"
	logx "adventbot/pkg/logx"
)

func (r *Router) builtinCommands() []Command {
	return []Command{
		{Name: "start", Description: "Open your advent calendar", Handle: r.handleStart},
		{Name: "calendar", Description: "Show the calendar", Handle: r.handleCalendar},
		{Name: "progress", Description: "Show your progress", Handle: r.handleProgress},
		{Name: "answers", Description: "List answers [day]", Admin: true, Handle: r.handleAnswers},
		{Name: "broadcast", Description: "Notify every user now", Admin: true, Handle: r.handleBroadcast},
	}
}

func (r *Router) handleStart(ctx context.Context, req *Request) error {
	u := r.cal.Unlocker()
	header := calendar.WelcomeText(req.User.Name, u.Month, r.cal.Table().Days)
	return r.cal.ShowCalendar(ctx, req.User, header, "")
}

func (r *Router) handleCalendar(ctx context.Context, req *Request) error {
	return r.cal.ShowCalendar(ctx, req.User, calendar.CalendarLegend, "")
}

func (r *Router) handleProgress(ctx context.Context, req *Request) error {
	return r.reply(ctx, req, r.cal.Progress(req.User.ID, r.now()))
}

func (r *Router) handleAnswers(ctx context.Context, req *Request) error {
	day := 0
	if len(req.Args) > 0 {
		d, err := strconv.Atoi(req.Args[0])
		if err != nil || d < 1 {
			return r.reply(ctx, req, "usage: /answers [day]")
		}
		day = d
	}
	return r.reply(ctx, req, r.cal.AnswersReport(day))
}

// handleBroadcast starts a run in the background; the summary is sent to
// the admin when it finishes.
func (r *Router) handleBroadcast(ctx context.Context, req *Request) error {
	if r.bc == nil {
		return r.reply(ctx, req, "broadcast is disabled")
	}
	log := req.Logger
	chat := req.ChatID
	r.background("bot.broadcast", func(bctx context.Context) {
		s, err := r.bc.Trigger(bctx, r.now())
		text := "📣 Broadcast " + s.String()
		if errors.Is(err, broadcast.ErrEnumerate) {
			text = "📣 Broadcast failed: " + err.Error()
		}
		if _, err := r.msg.SendText(bctx, kitTarget(chat), text, nil); err != nil {
			log.Warn("broadcast summary reply failed", logx.Err(err))
		}
	})
	return r.reply(ctx, req, "📣 Broadcast started.")
}

func (r *Router) handleUnknown(ctx context.Context, req *Request) error {
	return r.reply(ctx, req, "Unknown command. Try /calendar or /progress.")
}

func (r *Router) handleText(ctx context.Context, req *Request) error {
	text := req.Update.Message.Text
	if _, ok := r.cal.SubmitAnswer(ctx, req.User, text); !ok {
		req.Logger.Debug("idle text dropped")
	}
	return nil
}
