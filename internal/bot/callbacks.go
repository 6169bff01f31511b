package bot

import (
	"context"

	"adventbot/internal/calendar"
	kit "adventbot/internal/transport"
)

func kitTarget(chatID int64) kit.ChatTarget { return kit.ChatTarget{ChatID: chatID} }

func (r *Router) callbackHandler(cb *kit.Callback) HandlerFunc {
	if cb.Data == calendar.DataBackToCalendar {
		return func(ctx context.Context, req *Request) error {
			return r.cal.ShowCalendar(ctx, req.User, calendar.CalendarLegend, cb.ID)
		}
	}
	if _, day, ok := calendar.ParseDayData(cb.Data); ok {
		return func(ctx context.Context, req *Request) error {
			_, err := r.cal.Open(ctx, req.User, day, cb.ID)
			return err
		}
	}
	// unknown buttons only stop the client spinner
	return func(ctx context.Context, req *Request) error {
		return r.msg.AnswerCallback(ctx, cb.ID, "", false)
	}
}
