/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcchannel

import (
	"bytes"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"google.golang.org/grpc"
)

// constructionCall is an in-flight or completed construction of a channel.
type constructionCall struct {
	wg   sync.WaitGroup
	conn *grpc.ClientConn
	err  error
}

// constructionGroup suppresses duplicate channel constructions for the same authority.
// Callers that come while a construction is in flight wait for it and receive its result.
type constructionGroup struct {
	mu    sync.Mutex
	calls map[string]*constructionCall
}

// Do runs construct unless a construction for the same authority is already in flight,
// in which case it waits for that one. shared reports whether the result came from another caller.
func (g *constructionGroup) Do(
	authority string, construct func() (*grpc.ClientConn, error),
) (conn *grpc.ClientConn, err error, shared bool) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[string]*constructionCall)
	}
	if c, ok := g.calls[authority]; ok {
		g.mu.Unlock()
		c.wg.Wait()
		return c.conn, c.err, true
	}
	c := &constructionCall{}
	c.wg.Add(1)
	g.calls[authority] = c
	g.mu.Unlock()

	conn, err = g.do(c, authority, construct)
	return conn, err, false
}

func (g *constructionGroup) do(
	c *constructionCall, authority string, construct func() (*grpc.ClientConn, error),
) (conn *grpc.ClientConn, err error) {
	normalReturn := false
	recovered := false

	// double-defer to distinguish panic from runtime.Goexit
	defer func() {
		if !normalReturn && !recovered {
			c.err = errConstructionGoexit
		}

		c.wg.Done()

		g.mu.Lock()
		delete(g.calls, authority)
		g.mu.Unlock()

		if recovered {
			panic(c.err.(*ConstructionPanicError).Value) // re-panic on the constructing goroutine
		}

		conn, err = c.conn, c.err
	}()

	defer func() {
		if !normalReturn {
			if v := recover(); v != nil {
				c.err = newConstructionPanicError(v)
				recovered = true
			}
		}
	}()

	c.conn, c.err = construct()
	normalReturn = true

	return c.conn, c.err
}

var errConstructionGoexit = errors.New("runtime.Goexit was called during gRPC channel construction")

// ConstructionPanicError is returned to callers that waited for a channel construction which panicked.
// The goroutine that ran the construction re-panics with the original value.
type ConstructionPanicError struct {
	Value interface{}
	Stack []byte
}

func (p *ConstructionPanicError) Error() string {
	return fmt.Sprintf("gRPC channel construction panicked: %v\n\n%s", p.Value, p.Stack)
}

// Unwrap returns the panic value if it is an error.
func (p *ConstructionPanicError) Unwrap() error {
	err, ok := p.Value.(error)
	if !ok {
		return nil
	}
	return err
}

func newConstructionPanicError(v interface{}) error {
	stack := debug.Stack()

	// The first line is "goroutine N [status]:", which is misleading by the time waiters see it.
	if line := bytes.IndexByte(stack, '\n'); line >= 0 {
		stack = stack[line+1:]
	}
	return &ConstructionPanicError{Value: v, Stack: stack}
}
