/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcchannel_test

import (
	"fmt"
	golog "log"
	"time"

	"google.golang.org/grpc/keepalive"

	"github.com/acronis/go-appkit/log"

	"github.com/acronis/go-grpcclient/grpcchannel"
)

func Example() {
	cfg := grpcchannel.NewDefaultConfig()
	cfg.UserAgent = "my-service/1.0"

	factory, err := grpcchannel.New(cfg, log.NewDisabledLogger())
	if err != nil {
		golog.Fatal(err)
	}
	defer func() {
		if destroyErr := factory.Destroy(); destroyErr != nil {
			golog.Print(destroyErr)
		}
	}()

	// The first build constructs the channel.
	conn, err := factory.CreateChannel("localhost:50051").
		WithKeepalive(keepalive.ClientParameters{Time: time.Minute}).
		Build()
	if err != nil {
		golog.Fatal(err)
	}

	// Any later build for the same authority returns the cached channel, its configuration is ignored.
	sameConn, err := factory.CreateChannel("localhost:50051").WithUserAgent("ignored").Build()
	if err != nil {
		golog.Fatal(err)
	}

	fmt.Println(conn == sameConn, factory.Authorities())

	// Output:
	// true [localhost:50051]
}
