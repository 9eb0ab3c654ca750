package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"time"

	"github.com/golang/glog"
	"golang.org/x/net/websocket"

	"github.com/render-se/PX4-Autopilot/pkg/framework"
	"github.com/render-se/PX4-Autopilot/pkg/iolink/wire"
	"github.com/render-se/PX4-Autopilot/pkg/iosim"
)

//go-build: CGO_ENABLED=0

var (
	listenAddr = ":8812"
	dropN      int
	corruptN   int
	delayMS    int
)

func init() {
	flag.StringVar(&listenAddr, "listen", listenAddr, "Listen address.")
	flag.IntVar(&dropN, "drop", 0, "Drop the first N replies per connection.")
	flag.IntVar(&corruptN, "corrupt", 0, "Corrupt the first N replies per connection.")
	flag.IntVar(&delayMS, "delay", 0, "Delay every reply by this many milliseconds.")
}

type server struct {
	addr string
}

func (s *server) Name() string {
	return "px4iosim"
}

func (s *server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/io", websocket.Handler(serveIO))
	srv := &http.Server{Addr: s.addr, Handler: mux}
	return framework.RunWithContextCloser(ctx, srv, func() error {
		glog.Infof("listening on %s", s.addr)
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
}

// serveIO runs one simulated co-processor per connection. It returns
// when the client hangs up or the server closes the connection.
func serveIO(conn *websocket.Conn) {
	sim := iosim.NewCoproc(wire.NewWS(conn))
	if dropN > 0 {
		sim.DropReplies(dropN)
	}
	if corruptN > 0 {
		sim.CorruptReplies(corruptN)
	}
	if delayMS > 0 {
		sim.SetReplyDelay(time.Duration(delayMS) * time.Millisecond)
	}
	glog.Infof("io connection from %s", conn.Request().RemoteAddr)
	sim.Run(context.Background())
	glog.Infof("io connection from %s closed", conn.Request().RemoteAddr)
}

func main() {
	flag.Parse()

	runner := framework.NewRunner().HandleSignals()
	runner.Go(&server{addr: listenAddr})
	if err := runner.Wait(); err != nil {
		glog.Exitf("px4iosim: %v", err)
	}
}
