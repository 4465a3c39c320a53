package session

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Loopback runs a server and a client session against each other in one
// process. Both sessions are closed before it returns.
func Loopback(ctx context.Context, server, client *Session) (*ServerResult, *Result, error) {
	var (
		sres *ServerResult
		cres *Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer server.Close()
		var err error
		sres, err = server.RunServer(gctx)
		return err
	})
	g.Go(func() error {
		defer client.Close()
		var err error
		cres, err = client.RunClient(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return sres, cres, nil
}
