// Package buildsys talks to the build tag service: it batches tag mutations,
// submits them in one call and waits for the resulting tasks.
package buildsys

import "fmt"

// ActionKind is the kind of tag mutation.
type ActionKind string

const (
	ActionAdd    ActionKind = "add"
	ActionMove   ActionKind = "move"
	ActionRemove ActionKind = "remove"
)

// TagAction is one tag mutation for one build.
type TagAction struct {
	Kind  ActionKind `json:"kind"`
	From  string     `json:"from,omitempty"`
	To    string     `json:"to,omitempty"`
	Build string     `json:"build"`
}

func Add(tag, build string) TagAction {
	return TagAction{Kind: ActionAdd, To: tag, Build: build}
}

func Move(from, to, build string) TagAction {
	return TagAction{Kind: ActionMove, From: from, To: to, Build: build}
}

func Remove(tag, build string) TagAction {
	return TagAction{Kind: ActionRemove, From: tag, Build: build}
}

func (a TagAction) String() string {
	switch a.Kind {
	case ActionAdd:
		return fmt.Sprintf("add %s to %s", a.Build, a.To)
	case ActionMove:
		return fmt.Sprintf("move %s from %s to %s", a.Build, a.From, a.To)
	case ActionRemove:
		return fmt.Sprintf("remove %s from %s", a.Build, a.From)
	}
	return fmt.Sprintf("%s %s", a.Kind, a.Build)
}

// Batch accumulates actions to be sent in a single request.
type Batch struct {
	actions []TagAction
}

func NewBatch(actions ...TagAction) *Batch {
	return &Batch{actions: append([]TagAction(nil), actions...)}
}

func (b *Batch) Add(tag, build string) *Batch {
	return b.Append(Add(tag, build))
}

func (b *Batch) Move(from, to, build string) *Batch {
	return b.Append(Move(from, to, build))
}

func (b *Batch) Remove(tag, build string) *Batch {
	return b.Append(Remove(tag, build))
}

func (b *Batch) Append(actions ...TagAction) *Batch {
	b.actions = append(b.actions, actions...)
	return b
}

// Actions returns a copy of the queued actions in submission order.
func (b *Batch) Actions() []TagAction {
	if b == nil {
		return nil
	}
	return append([]TagAction(nil), b.actions...)
}

func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.actions)
}
