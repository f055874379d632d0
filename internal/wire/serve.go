package wire

import (
	"context"
	"errors"
	"net"
	"sync"
)

// Serve accepts connections on ln and runs handle for each in its own
// goroutine until ctx is done. It closes ln and waits for handlers before
// returning.
func Serve(ctx context.Context, ln net.Listener, handle func(ctx context.Context, conn net.Conn)) error {
	var wg sync.WaitGroup
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			closeOnDone := context.AfterFunc(ctx, func() { conn.Close() })
			defer closeOnDone()
			handle(ctx, conn)
		}()
	}
}
