package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/jimsnab/go-cmdline"
	"github.com/jimsnab/go-elock"
	"github.com/jimsnab/go-elock/elocktest"
	"github.com/jimsnab/go-lane"
	"golang.org/x/term"
)

type (
	mainEngine struct {
		mu          sync.Mutex
		args        cmdline.Values
		l           lane.Lane
		server      elocktest.Server
		terminating bool
	}
)

func main() {
	cl := cmdline.NewCommandLine()

	cl.RegisterCommand(
		mainHandler,
		"~?Runs an in-memory eLock server for development and testing.",
		"[--trace]?Enable trace logging",
		fmt.Sprintf("[--port <int-port>]?Specify the TCP port to listen on. The default is %d.", elock.DefaultPort),
		"[--endpoint <string-interface>]?Specify the network interface to listen on. The default is all network interfaces.",
		"[--grace <int-ms>]?Milliseconds a disconnected session keeps its locks. The default is 30000.",
	)

	args := os.Args[1:] // exclude executable name in os.Args[0]
	err := cl.Process(args)
	if err != nil {
		cl.Help(err, "elock-testserver", args)
	}
}

func mainHandler(args cmdline.Values) error {
	eng := mainEngine{args: args}

	if err := eng.start(); err != nil {
		return err
	}
	eng.server.WaitForTermination()

	return nil
}

func (eng *mainEngine) start() error {
	eng.l = lane.NewLogLane(context.Background())

	isTrace := eng.args["--trace"].(bool)
	if !isTrace {
		eng.l.SetLogLevel(lane.LogLevelInfo)
	}

	port := eng.args["port"].(int)
	if port == 0 {
		port = elock.DefaultPort
	}

	eng.server = elocktest.NewServer(eng.l)
	if eng.args["--grace"].(bool) {
		eng.server.SetDefaultGrace(time.Duration(eng.args["ms"].(int)) * time.Millisecond)
	}

	if err := eng.server.StartServer(eng.args["interface"].(string), port); err != nil {
		return err
	}

	fmt.Printf("\n\neLock test server is now running on %s\n\nPress any key to quit\n\n", eng.server.ServerAddr())

	// launch termination monitiors
	eng.killSignalMonitor()
	eng.exitKeyMonitor()
	return nil
}

func (eng *mainEngine) startTermination() {
	// ensure only one termination
	eng.mu.Lock()
	isTerminating := eng.terminating
	eng.terminating = true
	eng.mu.Unlock()

	if isTerminating {
		return
	}

	if err := eng.server.StopServer(); err != nil {
		eng.l.Errorf("stop server: %s", err)
	}
}

func (eng *mainEngine) killSignalMonitor() {
	// register a graceful termination handler
	sigs := make(chan os.Signal, 10)
	signal.Notify(sigs, os.Interrupt)

	go func() {
		sig := <-sigs
		eng.l.Infof("termination %s signaled for %s", sig, eng.server.ServerAddr())
		eng.startTermination()
	}()
}

func (eng *mainEngine) exitKeyMonitor() {
	// Upon termination triggered another way, this goroutine will leak.
	// Go does not give a reasonable way to cancel a blocking I/O call.
	go func() {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			fmt.Println(err)
			return
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)

		b := make([]byte, 1)
		_, err = os.Stdin.Read(b)
		if err == nil {
			eng.startTermination()
		}
	}()
}
