package stream

import "encoding/json"

// Handlers dispatches a Session's events to callbacks. Every callback is
// optional; registration methods return the receiver so calls chain:
//
//	done := new(stream.Handlers).
//		OnText(func(s string) { fmt.Print(s) }).
//		OnError(func(err error) { log.Print(err) }).
//		Consume(sess)
type Handlers struct {
	text      func(string)
	thinking  func(string)
	tool      func(ToolEvent)
	rateLimit func(json.RawMessage)
	result    func(ResultEvent)
	sessionID func(string)
	errFn     func(error)
	done      func(DoneEvent)
}

// OnText registers the text callback.
func (h *Handlers) OnText(fn func(text string)) *Handlers {
	h.text = fn
	return h
}

// OnThinking registers the thinking callback.
func (h *Handlers) OnThinking(fn func(thinking string)) *Handlers {
	h.thinking = fn
	return h
}

// OnTool registers the tool callback.
func (h *Handlers) OnTool(fn func(ToolEvent)) *Handlers {
	h.tool = fn
	return h
}

// OnRateLimit registers the rate-limit callback.
func (h *Handlers) OnRateLimit(fn func(info json.RawMessage)) *Handlers {
	h.rateLimit = fn
	return h
}

// OnResult registers the result callback.
func (h *Handlers) OnResult(fn func(ResultEvent)) *Handlers {
	h.result = fn
	return h
}

// OnSessionID registers the session id callback.
func (h *Handlers) OnSessionID(fn func(id string)) *Handlers {
	h.sessionID = fn
	return h
}

// OnError registers the error callback.
func (h *Handlers) OnError(fn func(error)) *Handlers {
	h.errFn = fn
	return h
}

// OnDone registers the done callback. It fires exactly once.
func (h *Handlers) OnDone(fn func(DoneEvent)) *Handlers {
	h.done = fn
	return h
}

// Dispatch invokes the callback registered for ev, if any.
func (h *Handlers) Dispatch(ev Event) {
	switch e := ev.(type) {
	case TextEvent:
		if h.text != nil {
			h.text(e.Text)
		}
	case ThinkingEvent:
		if h.thinking != nil {
			h.thinking(e.Thinking)
		}
	case ToolEvent:
		if h.tool != nil {
			h.tool(e)
		}
	case RateLimitEvent:
		if h.rateLimit != nil {
			h.rateLimit(e.Info)
		}
	case ResultEvent:
		if h.result != nil {
			h.result(e)
		}
	case SessionIDEvent:
		if h.sessionID != nil {
			h.sessionID(e.SessionID)
		}
	case ErrorEvent:
		if h.errFn != nil {
			h.errFn(e.Err)
		}
	case DoneEvent:
		if h.done != nil {
			h.done(e)
		}
	}
}

// Consume drains s, dispatching every event, and returns the DoneEvent.
func (h *Handlers) Consume(s *Session) DoneEvent {
	var done DoneEvent
	for ev := range s.Events() {
		if d, ok := ev.(DoneEvent); ok {
			done = d
		}
		h.Dispatch(ev)
	}
	return done
}
