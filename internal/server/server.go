package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/fiberwinder/internal/device"
	"github.com/shaunagostinho/fiberwinder/internal/history"
	"github.com/shaunagostinho/fiberwinder/internal/logger"
	"github.com/shaunagostinho/fiberwinder/internal/winder"
)

// Server exposes the winder controller over HTTP and streams every recorded
// sample and status line to WebSocket clients.
type Server struct {
	cfg     *Config
	ctl     *winder.Controller
	journal *logger.Journal

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Update     *winder.Update `json:"update,omitempty"`
	Status     *logger.Entry  `json:"status,omitempty"`
	Connection *Connection    `json:"connection,omitempty"`
	Stamp      int64          `json:"stamp"` // Unix ms
}

// Connection describes the link state shown to clients.
type Connection struct {
	Connected bool     `json:"connected"`
	Port      string   `json:"port"`
	Backend   string   `json:"backend"`
	Polling   []string `json:"polling"`
}

// New creates a new Server and subscribes it to the controller's updates
// and the journal's status lines.
func New(cfg *Config, ctl *winder.Controller, journal *logger.Journal) *Server {
	s := &Server{
		cfg:     cfg,
		ctl:     ctl,
		journal: journal,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	ctl.Subscribe(func(u winder.Update) {
		s.broadcast(Frame{Update: &u, Stamp: u.Stamp})
	})
	if journal != nil {
		journal.Subscribe(func(e logger.Entry) {
			s.broadcast(Frame{Status: &e, Stamp: e.Stamp.UnixMilli()})
		})
	}
	return s
}

// Handler returns the HTTP routes of the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// Connection
	mux.HandleFunc("/api/ports", s.handlePorts)
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)

	// Transactions
	mux.HandleFunc("/api/read", s.handleRead)
	mux.HandleFunc("/api/write", s.handleWrite)
	mux.HandleFunc("/api/read-all", s.handleReadAll)
	mux.HandleFunc("/api/polling", s.handlePolling)
	mux.HandleFunc("/api/command", s.handleCommand)

	// Motors and encoders
	mux.HandleFunc("/api/motor", s.handleMotor)
	mux.HandleFunc("/api/encoder/zero", s.handleZeroEncoder)

	// Readings and status
	mux.HandleFunc("/api/latest", s.handleLatest)
	mux.HandleFunc("/api/readings", s.handleReadings)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/catalog", s.handleCatalog)

	// Config API
	mux.HandleFunc("/api/config", s.handleConfig)

	return mux
}

// Run starts the HTTP server and blocks until ctx ends or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		s.closeClients()
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) connection() *Connection {
	return &Connection{
		Connected: s.ctl.Connected(),
		Port:      s.ctl.Port(),
		Backend:   s.ctl.Backend(),
		Polling:   s.ctl.Polling(),
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Initial connection state goes out before any broadcast can.
	hello := Frame{Connection: s.connection(), Stamp: time.Now().UnixMilli()}
	if data, err := json.Marshal(hello); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, incoming messages are ignored)
	go func() {
		defer s.dropClient(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) dropClient(c *wsClient) {
	s.clientsMu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, c)
	n := len(s.clients)
	close(c.send)
	s.clientsMu.Unlock()
	log.Printf("[ws] client disconnected (%d total)", n)
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	ports, err := s.ctl.ListPorts()
	if err != nil && len(ports) == 0 {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if ports == nil {
		ports = []device.PortInfo{}
	}
	writeJSON(w, http.StatusOK, ports)
}

type connectRequest struct {
	Port string `json:"port"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req connectRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Port == "" {
		s.cfg.mu.RLock()
		req.Port = s.cfg.Device.Port
		s.cfg.mu.RUnlock()
	}
	if req.Port == "" {
		writeError(w, http.StatusBadRequest, errors.New("no port given"))
		return
	}
	if err := s.ctl.Connect(req.Port); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	state := s.connection()
	s.broadcast(Frame{Connection: state, Stamp: time.Now().UnixMilli()})
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if err := s.ctl.Disconnect(); err != nil {
		log.Printf("[server] disconnect: %v", err)
	}
	state := s.connection()
	s.broadcast(Frame{Connection: state, Stamp: time.Now().UnixMilli()})
	writeJSON(w, http.StatusOK, state)
}

// outcomeResponse is the API view of one transaction.
type outcomeResponse struct {
	device.Outcome
	Error   string           `json:"error,omitempty"`
	Reading *history.Reading `json:"reading,omitempty"`
}

func (s *Server) outcome(out device.Outcome) outcomeResponse {
	resp := outcomeResponse{Outcome: out}
	if err := out.Err(); err != nil {
		resp.Error = err.Error()
	}
	if r, ok := s.ctl.Latest(out.Command.Name); ok && out.HasText() {
		resp.Reading = &r
	}
	return resp
}

type readRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req readRequest
	if !decode(w, r, &req) {
		return
	}
	if !s.ctl.Catalog().Readable(req.Name) {
		writeError(w, http.StatusBadRequest, winder.ErrUnknownCommand)
		return
	}
	writeJSON(w, http.StatusOK, s.outcome(s.ctl.SendRead(req.Name)))
}

type commandRequest struct {
	Command string `json:"command"`
}

// handleCommand is the debug console: the line goes to the controller as
// typed, catalog or not.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req commandRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.ctl.SendCommand(req.Command)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.outcome(out))
}

// motorRequest changes one stepper motor. Fields left out are not touched;
// shutdown is applied first, then speed, then direction.
type motorRequest struct {
	Motor     int    `json:"motor"`
	Direction string `json:"direction,omitempty"`
	Shutdown  *bool  `json:"shutdown,omitempty"`
	Speed     *int   `json:"speed,omitempty"`
}

func (s *Server) handleMotor(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req motorRequest
	if !decode(w, r, &req) {
		return
	}

	var dir winder.Direction
	if req.Direction != "" {
		d, err := winder.ParseDirection(req.Direction)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		dir = d
	}

	err := func() error {
		if req.Shutdown != nil {
			if err := s.ctl.SetShutdown(req.Motor, *req.Shutdown); err != nil {
				return err
			}
		}
		if req.Speed != nil {
			if err := s.ctl.SetSpeed(req.Motor, *req.Speed); err != nil {
				return err
			}
		}
		if dir != "" {
			return s.ctl.SetDirection(req.Motor, dir)
		}
		return nil
	}()
	if err != nil {
		writeError(w, commandErrorCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type zeroRequest struct {
	Encoder int `json:"encoder"`
}

func (s *Server) handleZeroEncoder(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req zeroRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.ctl.ZeroEncoder(req.Encoder); err != nil {
		writeError(w, commandErrorCode(err), err)
		return
	}
	name := "encoder_" + strconv.Itoa(req.Encoder)
	reading, _ := s.ctl.Latest(name)
	writeJSON(w, http.StatusOK, latestResponse{
		Quantity: name,
		Reading:  reading,
		Mode:     history.ModeRaw.String(),
		Display:  reading.Format(history.ModeRaw),
	})
}

// commandErrorCode maps rejected requests to 400 and device failures to 502.
func commandErrorCode(err error) int {
	switch {
	case errors.Is(err, winder.ErrNoSuchMotor),
		errors.Is(err, winder.ErrOutOfRange),
		errors.Is(err, winder.ErrUnknownCommand):
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

type writeRequest struct {
	Name  string `json:"name"`
	Value *int   `json:"value"`
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req writeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, errors.New("missing value"))
		return
	}
	out, err := s.ctl.Write(req.Name, *req.Value)
	if errors.Is(err, winder.ErrUnknownCommand) || errors.Is(err, winder.ErrOutOfRange) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.outcome(out))
}

func (s *Server) handleReadAll(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	outs := s.ctl.ReadAll()
	resp := make([]outcomeResponse, len(outs))
	for i, out := range outs {
		resp[i] = s.outcome(out)
	}
	writeJSON(w, http.StatusOK, resp)
}

// pollingRequest toggles polling of one quantity. Policy fields left empty
// take the configured polling defaults.
type pollingRequest struct {
	Quantity string `json:"quantity"`
	Enabled  bool   `json:"enabled"`
	Policy   struct {
		Mode    string `json:"mode"`
		Pair    string `json:"pair"`
		DelayMs int    `json:"delayMs"`
	} `json:"policy"`
}

type pollingEntry struct {
	Quantity string `json:"quantity"`
	Mode     string `json:"mode"`
	Pair     string `json:"pair,omitempty"`
	DelayMs  int64  `json:"delayMs,omitempty"`
}

func (s *Server) polling() []pollingEntry {
	active := s.ctl.Polling()
	out := make([]pollingEntry, 0, len(active))
	for _, q := range active {
		p, ok := s.ctl.PollingPolicy(q)
		if !ok {
			continue
		}
		out = append(out, pollingEntry{
			Quantity: q,
			Mode:     string(p.Mode),
			Pair:     p.Pair,
			DelayMs:  p.Delay.Milliseconds(),
		})
	}
	return out
}

func (s *Server) handlePolling(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.polling())

	case http.MethodPost:
		var req pollingRequest
		if !decode(w, r, &req) {
			return
		}
		if req.Enabled && !s.ctl.Catalog().Readable(req.Quantity) {
			writeError(w, http.StatusBadRequest, winder.ErrUnknownCommand)
			return
		}
		policy := s.cfg.Policy(req.Policy.Mode, req.Policy.Pair, req.Policy.DelayMs)
		if err := s.ctl.SetPolling(req.Quantity, req.Enabled, policy); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.broadcast(Frame{Connection: s.connection(), Stamp: time.Now().UnixMilli()})
		writeJSON(w, http.StatusOK, s.polling())

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type latestResponse struct {
	Quantity string          `json:"quantity"`
	Reading  history.Reading `json:"reading"`
	Mode     string          `json:"mode"`
	Display  string          `json:"display"`
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query().Get("quantity")
	modeName := r.URL.Query().Get("mode")
	if modeName == "" {
		s.cfg.mu.RLock()
		modeName = s.cfg.History.LoadMode
		s.cfg.mu.RUnlock()
	}
	mode, err := history.ParseMode(modeName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reading, ok := s.ctl.Latest(q)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no samples for "+strconv.Quote(q)))
		return
	}
	writeJSON(w, http.StatusOK, latestResponse{
		Quantity: q,
		Reading:  reading,
		Mode:     mode.String(),
		Display:  reading.Format(mode),
	})
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.ctl.Readings())
}

type statusResponse struct {
	Connection
	Logging bool           `json:"logging"`
	Recent  []logger.Entry `json:"recent"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	resp := statusResponse{Connection: *s.connection(), Recent: []logger.Entry{}}
	if s.journal != nil {
		resp.Logging = s.journal.IsEnabled()
		resp.Recent = s.journal.Recent(n)
	}
	writeJSON(w, http.StatusOK, resp)
}

type catalogResponse struct {
	Reads  []string                    `json:"reads"`
	Writes map[string]winder.WriteSpec `json:"writes"`
	Order  []string                    `json:"order"`
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	cat := s.ctl.Catalog()
	writeJSON(w, http.StatusOK, catalogResponse{Reads: cat.Reads, Writes: cat.Writes, Order: cat.WriteNames()})
}

type configResponse struct {
	Status  string   `json:"status"`
	Restart []string `json:"restart"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		before := s.cfg.startupSections()
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		if s.journal != nil {
			s.journal.SetEnabled(s.cfg.JournalConfig().Enabled)
		}

		// device.port, history.load_mode, polling delays and logging.enabled
		// apply immediately; anything listed here waits for a restart.
		restart := changedSections(before, s.cfg.startupSections())
		if len(restart) > 0 {
			log.Printf("[config] restart needed for %v", restart)
		}
		writeJSON(w, http.StatusOK, configResponse{Status: "ok", Restart: restart})

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
