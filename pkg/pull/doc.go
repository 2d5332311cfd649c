// Package pull bridges push-style delivery to pull-style consumption.
//
// An Iterator has two states, open and closed. While open, Push either hands a
// value straight to the one suspended Pull or appends it to a bounded FIFO
// buffer, so values always come out in the order they were pushed. A full
// buffer makes Push wait for the consumer, the producer slows down and nothing
// is dropped. Close is terminal: it releases a suspended Pull with the done
// signal, fails a waiting Push and drops the buffer, which makes cancellation
// visible to the consumer right away instead of after a drain.
//
// The iterator allows exactly one consumer. A second Pull issued while the
// first one is still waiting fails with ErrConcurrentPull rather than being
// queued behind it.
//
// Example usage:
//
//	it := pull.New[string](16)
//	go func() {
//	    for _, word := range words {
//	        if err := it.Push(ctx, word); err != nil {
//	            return
//	        }
//	    }
//	}()
//	defer it.Close()
//
//	for {
//	    v, ok, err := it.Pull(ctx)
//	    if err != nil || !ok {
//	        break
//	    }
//	    fmt.Println(v)
//	}
package pull
