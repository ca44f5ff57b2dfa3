package server

import (
	"sync"
	"time"

	"cpgw/internal"
	"cpgw/internal/config"
	"cpgw/types"

	"github.com/gorilla/websocket"
)

// fakeConn stands in for a gorilla connection so dispatch and correlation can
// be exercised without a network.
type fakeConn struct {
	mux     sync.Mutex
	written [][]byte
	inbound chan []byte
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.inbound
	if !ok {
		return 0, nil, errClosedConn
	}
	return websocket.TextMessage, data, nil
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mux.Lock()
	defer f.mux.Unlock()
	if f.closed {
		return errClosedConn
	}
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.mux.Lock()
	defer f.mux.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbound)
	}
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.closed
}

func (f *fakeConn) sent() [][]byte {
	f.mux.Lock()
	defer f.mux.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

var errClosedConn = &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "connection closed"}

func newTestSystem() *CentralSystem {
	logger := internal.NewLogger(time.UTC)
	cs := &CentralSystem{
		logger:      logger,
		registry:    NewRegistry(logger, 300*time.Second),
		ledger:      NewLedger(),
		callTimeout: time.Second,
	}
	handler := NewSystemHandler(cs.registry, cs.ledger)
	handler.SetLogger(logger)
	cs.SetCoreHandler(handler)

	wsServer := NewServer(&config.Config{}, logger)
	wsServer.AddSupportedSubProtocol(types.SubProtocol16)
	wsServer.SetMessageHandler(cs.handleIncomingMessage)
	wsServer.SetConnectHandler(cs.handleConnect)
	wsServer.SetDisconnectHandler(cs.handleDisconnect)
	cs.server = wsServer
	return cs
}

func admitFake(cs *CentralSystem, id string) (*WebSocket, *fakeConn) {
	conn := newFakeConn()
	ws := &WebSocket{conn: conn, id: id, protocol: types.SubProtocol16}
	cs.registry.Admit(id, ws)
	return ws, conn
}
