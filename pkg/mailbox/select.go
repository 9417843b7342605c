package mailbox

import (
	"context"
	"reflect"
	"time"
)

// Select waits until one of boxes has a message, the timeout elapses or ctx
// is done. The index identifies the mailbox the message (or ErrClosed) came
// from; it is -1 for timeouts and cancellation. Buffered messages are
// preferred in argument order before any blocking wait.
func Select(ctx context.Context, timeout time.Duration, boxes ...*Mailbox) (int, Message, error) {
	if i, msg, ok := poll(boxes); ok {
		return i, msg, nil
	}

	// Layout: one receive case per mailbox, one done case per mailbox, then
	// the context and the timer.
	cases := make([]reflect.SelectCase, 0, 2*len(boxes)+2)
	for _, b := range boxes {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(b.ch)})
	}
	for _, b := range boxes {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(b.done)})
	}
	ctxIdx := len(cases)
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

	timerIdx := -1
	if timeout != Infinite {
		if timeout < 0 {
			timeout = 0
		}
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerIdx = len(cases)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timer.C)})
	}

	chosen, value, _ := reflect.Select(cases)
	switch {
	case chosen < len(boxes):
		return chosen, value.Interface().(Message), nil
	case chosen < 2*len(boxes):
		i := chosen - len(boxes)
		// A message may have raced with Close.
		select {
		case msg := <-boxes[i].ch:
			return i, msg, nil
		default:
			return i, Message{}, ErrClosed
		}
	case chosen == ctxIdx:
		return -1, Message{}, ctx.Err()
	case chosen == timerIdx:
		return -1, Message{}, ErrTimeout
	}
	return -1, Message{}, ErrTimeout
}

func poll(boxes []*Mailbox) (int, Message, bool) {
	for i, b := range boxes {
		select {
		case msg := <-b.ch:
			return i, msg, true
		default:
		}
	}
	return -1, Message{}, false
}
