package elocktest

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jimsnab/go-lane"
)

type (
	mainEngine struct {
		mu          sync.Mutex
		started     bool
		l           lane.Lane
		server      net.Listener
		canExit     chan struct{}
		terminating bool
		port        int
		iface       string
		dispatcher  *cmdDispatcher
		table       *lockTable
		sessions    *sessionRegistry
		clients     map[int64]*clientState
		clientId    int64
	}

	// Server is an in-process eLock server speaking the line protocol. It
	// keeps all state in memory.
	Server interface {
		// Starts a socket server using the specified network interface and port.
		//
		// If endpoint is "", the server will listen on all network interfaces.
		// If port is 0, the server will listen on an ephemeral port; see Port.
		//
		// Each request is one line: a command name followed by space-separated
		// arguments. The response is a line starting with a three digit code,
		// followed by "END"-terminated detail lines for stats and debug.
		StartServer(endpoint string, port int) error

		// Initiates server termination, if it is running.
		StopServer() error

		// Waits for the server to stop
		WaitForTermination()

		// Returns the server address
		ServerAddr() string

		// Returns the port the server is listening on
		Port() int

		// Sets the unlock grace period given to new sessions
		SetDefaultGrace(grace time.Duration)
	}
)

func NewServer(l lane.Lane) Server {
	eng := mainEngine{
		l:        l,
		sessions: newSessionRegistry(),
		clients:  map[int64]*clientState{},
	}
	return &eng
}

func (eng *mainEngine) StartServer(endpoint string, port int) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	if eng.started {
		return fmt.Errorf("already started")
	}

	eng.port = port
	eng.iface = endpoint
	eng.table = newLockTable(eng.l)
	eng.dispatcher = newCmdDispatcher()

	// launch termination monitiors
	eng.canExit = make(chan struct{}, 1)

	// start accepting connections and processing them
	if err := eng.startServer(); err != nil {
		return err
	}
	eng.started = true

	return nil
}

func (eng *mainEngine) StopServer() error {
	// ensure only one termination
	eng.mu.Lock()
	if !eng.started {
		eng.mu.Unlock()
		return fmt.Errorf("not started")
	}

	isTerminating := eng.terminating
	eng.terminating = true
	eng.mu.Unlock()

	if !isTerminating {
		go func() { eng.onTerminate() }()
	}

	return nil
}

func (eng *mainEngine) onTerminate() {
	if eng.server != nil {
		// close the server and wait for all active connections to finish
		eng.l.Tracef("closing server")
		eng.server.Close()

		eng.l.Infof("waiting for any open request connections to complete")
		eng.requestAllCxnClose()
		eng.waitForAllCxnClose()
		eng.l.Infof("termination of %s completed", eng.server.Addr().String())
	}

	eng.sessions.stopAll()
	eng.canExit <- struct{}{}
}

func (eng *mainEngine) processAllClients(fn func(id int64, cs *clientState)) {
	eng.mu.Lock()
	clients := make(map[int64]*clientState, len(eng.clients))
	for id, cs := range eng.clients {
		clients[id] = cs
	}
	eng.mu.Unlock()

	for id, cs := range clients {
		fn(id, cs)
	}
}

func (eng *mainEngine) requestAllCxnClose() {
	eng.processAllClients(func(id int64, cs *clientState) {
		cs.cc.RequestClose()
	})
}

func (eng *mainEngine) isClientActive() bool {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	return len(eng.clients) > 0
}

func (eng *mainEngine) waitForAllCxnClose() {
	for {
		if !eng.isClientActive() {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Called when a connection ends. The session's locks are released after
// its grace period unless another connection adopts it first.
func (eng *mainEngine) detachSession(s *session) {
	eng.sessions.detach(s, func(id string) {
		count := eng.table.releaseAll(id)
		eng.l.Debugf("session %s expired, released %d locks", id, count)
	})
}

func (eng *mainEngine) startServer() error {
	// establish socket service
	var err error

	addr := net.JoinHostPort(eng.iface, strconv.Itoa(eng.port))
	eng.server, err = net.Listen("tcp", addr)
	if err != nil {
		eng.l.Errorf("error listening: %s", err.Error())
		return err
	}
	eng.port = eng.server.Addr().(*net.TCPAddr).Port
	eng.l.Infof("listening on %s", eng.server.Addr().String())

	go func() {
		// accept connections and process commands
		for {
			connection, err := eng.server.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					eng.l.Errorf("accept error: %s", err)
				}
				break
			}
			eng.l.Infof("client connected: %s", connection.RemoteAddr().String())
			newClientCxn(eng.l, connection, eng)
		}
	}()

	return nil
}

func (eng *mainEngine) WaitForTermination() {
	// wait for server to quiesque
	<-eng.canExit
	eng.l.Info("finished serving requests")
}

func (eng *mainEngine) ServerAddr() string {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	if eng.server == nil {
		return ""
	}

	return eng.server.Addr().String()
}

func (eng *mainEngine) Port() int {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	return eng.port
}

func (eng *mainEngine) SetDefaultGrace(grace time.Duration) {
	eng.sessions.setDefaultGrace(grace)
}
