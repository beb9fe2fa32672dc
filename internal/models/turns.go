package models

import "iter"

// TurnPair groups a user message with the assistant answers it produced. Pairs are derived from a thread on
// every read and never stored.
type TurnPair struct {
	User    Message   `json:"user"`
	Answers []Message `json:"answers"`
}

// Pairs projects a flat message sequence into turn pairs. Each user message opens a new pair, each assistant
// message joins the most recently opened pair, and assistant messages that appear before any user message
// are dropped. System messages are skipped. The returned sequence can be ranged over any number of times.
func Pairs(messages []Message) iter.Seq[TurnPair] {
	return func(yield func(TurnPair) bool) {
		var (
			cur  TurnPair
			open bool
		)
		for _, msg := range messages {
			switch msg.Role {
			case RoleUser:
				if open && !yield(cur) {
					return
				}
				cur = TurnPair{User: msg, Answers: []Message{}}
				open = true
			case RoleAssistant:
				if open {
					cur.Answers = append(cur.Answers, msg)
				}
			}
		}
		if open {
			yield(cur)
		}
	}
}
