package client

import (
	"context"

	"github.com/devcollab/internal/ws"
)

// View is the state behind one open chat: its timeline plus the ephemeral
// typing, scroll and progress state.
type View struct {
	SelfID   string
	Timeline *Timeline
	Typing   *TypingSet
	Scroll   *ScrollTracker
	Progress *ProgressTracker
}

func NewView(chatID, selfID string, typing *TypingSet) *View {
	if typing == nil {
		typing = NewTypingSet(TypingTimeout, nil, nil)
	}
	return &View{
		SelfID:   selfID,
		Timeline: NewTimeline(chatID),
		Typing:   typing,
		Scroll:   NewScrollTracker(DefaultScrollThreshold),
		Progress: NewProgressTracker(),
	}
}

// Update is what a view should do after an event.
type Update struct {
	NewMessage bool
	AutoScroll bool
}

// HandleEvent applies a realtime event addressed to this chat.
func (v *View) HandleEvent(ev Event) (Update, error) {
	chatID := v.Timeline.ChatID()
	switch ev.Type {
	case ws.EventReceiveMessage:
		var p ws.ReceiveMessagePayload
		if err := ev.Decode(&p); err != nil {
			return Update{}, err
		}
		if p.Message == nil || p.Message.ChatID != chatID {
			return Update{}, nil
		}
		// Evaluated before the message lands, as the viewport was at arrival.
		scroll := v.Scroll.ShouldAutoScroll()
		added := v.Timeline.ApplyEvent(*p.Message)
		v.Progress.Observe(*p.Message)
		return Update{NewMessage: added, AutoScroll: added && scroll}, nil
	case ws.EventUserTyping:
		var p ws.UserTypingPayload
		if err := ev.Decode(&p); err != nil {
			return Update{}, err
		}
		if p.ChatID == chatID && p.UserID != v.SelfID {
			v.Typing.Typing(p.DisplayName)
		}
	}
	return Update{}, nil
}

// Resync refetches history and merges it. Used on open and after reconnects.
func (v *View) Resync(ctx context.Context, api *API) (int, error) {
	msgs, err := api.History(ctx, v.Timeline.ChatID())
	if err != nil {
		return 0, err
	}
	added := v.Timeline.MergeHistory(msgs)
	v.Progress.ObserveAll(msgs)
	return added, nil
}
