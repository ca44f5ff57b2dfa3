package server

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	"cpgw/internal"
	"cpgw/internal/config"
	"cpgw/ocpp"
	"cpgw/utility"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const wsEndpoint = "/ws/:id"

// wsConn is the slice of gorilla's connection the server relies on; tests
// substitute their own.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Server struct {
	conf              *config.Config
	httpServer        *http.Server
	upgrader          websocket.Upgrader
	messageHandler    func(ws *WebSocket, data []byte) error
	connectHandler    func(ws *WebSocket)
	disconnectHandler func(ws *WebSocket)
	logger            internal.LogHandler
}

// WebSocket is one charge point connection. Writes are serialized: the
// response path and concurrent operator calls share the socket.
type WebSocket struct {
	conn     wsConn
	id       string
	protocol string
	writeMux sync.Mutex
	closed   bool
}

func (ws *WebSocket) ID() string {
	return ws.id
}

// Protocol reports the negotiated OCPP subprotocol.
func (ws *WebSocket) Protocol() string {
	return ws.protocol
}

func (ws *WebSocket) write(data []byte) error {
	ws.writeMux.Lock()
	defer ws.writeMux.Unlock()
	if ws.closed {
		return utility.Err("connection is closed")
	}
	return ws.conn.WriteMessage(websocket.TextMessage, data)
}

func (ws *WebSocket) Close() {
	ws.writeMux.Lock()
	defer ws.writeMux.Unlock()
	if ws.closed {
		return
	}
	ws.closed = true
	_ = ws.conn.Close()
}

func NewServer(conf *config.Config, logger internal.LogHandler) *Server {
	server := Server{
		conf:     conf,
		logger:   logger,
		upgrader: websocket.Upgrader{Subprotocols: []string{}},
	}
	// register itself as a router for httpServer handler
	router := httprouter.New()
	server.Register(router)
	server.httpServer = &http.Server{
		Handler: router,
	}
	return &server
}

func (s *Server) AddSupportedSubProtocol(proto string) {
	for _, sub := range s.upgrader.Subprotocols {
		if sub == proto {
			return
		}
	}
	s.upgrader.Subprotocols = append(s.upgrader.Subprotocols, proto)
}

func (s *Server) SetMessageHandler(handler func(ws *WebSocket, data []byte) error) {
	s.messageHandler = handler
}

func (s *Server) SetConnectHandler(handler func(ws *WebSocket)) {
	s.connectHandler = handler
}

func (s *Server) SetDisconnectHandler(handler func(ws *WebSocket)) {
	s.disconnectHandler = handler
}

func (s *Server) Register(router *httprouter.Router) {
	router.GET(wsEndpoint, s.handleWsRequest)
}

func (s *Server) handleWsRequest(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	s.logger.Debug(fmt.Sprintf("connection initiated from remote %s", r.RemoteAddr))

	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}

	clientSubProto := websocket.Subprotocols(r)
	requestedProto := ""
	for _, proto := range clientSubProto {
		if len(s.upgrader.Subprotocols) == 0 {
			// supporting all protocols
			requestedProto = proto
			break
		}
		if utility.Contains(s.upgrader.Subprotocols, proto) {
			requestedProto = proto
			break
		}
	}
	responseHeader := http.Header{}
	if requestedProto != "" {
		responseHeader.Add("Sec-WebSocket-Protocol", requestedProto)
	}

	conn, err := s.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		s.logger.Error("upgrade failed", err)
		return
	}

	s.logger.Debug(fmt.Sprintf("upgraded socket for %s and ready to receive data", id))
	ws := &WebSocket{
		conn:     conn,
		id:       id,
		protocol: requestedProto,
	}
	if s.connectHandler != nil {
		s.connectHandler(ws)
	}

	go s.messageReader(ws)
}

// messageReader handles inbound frames of one connection strictly in arrival
// order; the protocol's causal ordering depends on it.
func (s *Server) messageReader(ws *WebSocket) {
	for {
		_, message, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, 3001) {
				s.logger.Debug(fmt.Sprintf("id %s leaving session", ws.id))
			} else {
				s.logger.Debug(fmt.Sprintf("id %s is closing session %s", ws.id, err))
			}
			ws.Close()
			if s.disconnectHandler != nil {
				s.disconnectHandler(ws)
			}
			return
		}
		s.logger.RawDataEvent("IN", string(message))
		if s.messageHandler != nil {
			err = s.messageHandler(ws, message)
			if err != nil {
				s.logger.Error(fmt.Sprintf("handling message from %s", ws.id), err)
				continue
			}
		}
	}
}

func (s *Server) Start() error {
	if s.conf == nil {
		return utility.Err("configuration not loaded")
	}
	serverAddress := fmt.Sprintf("%s:%s", s.conf.Listen.BindIP, s.conf.Listen.Port)
	s.logger.Debug(fmt.Sprintf("starting websocket server on %s", serverAddress))
	listener, err := net.Listen("tcp", serverAddress)
	if err != nil {
		return err
	}
	if s.conf.Listen.TLS {
		err = s.httpServer.ServeTLS(listener, s.conf.Listen.CertFile, s.conf.Listen.KeyFile)
	} else {
		err = s.httpServer.Serve(listener)
	}
	return err
}

// SendFrame encodes and writes one OCPP-J frame to the connection.
func (s *Server) SendFrame(ws *WebSocket, frame *ocpp.Frame) error {
	data, err := frame.MarshalJSON()
	if err != nil {
		s.logger.Error("error encoding frame", err)
		return err
	}
	s.logger.RawDataEvent("OUT", string(data))
	if err = ws.write(data); err != nil {
		s.logger.Error("error sending frame", err)
	}
	return err
}
