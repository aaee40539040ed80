// HTTP and websocket control surface
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package api serves the host's network control surface: a REST API
// for scripts and frontends, a JSON-RPC endpoint, and a websocket feed
// that pushes a notify_align_update whenever the host state changes.
// Every handler drives the same Host surface the interactive console
// uses, so mutations respect the shutdown latch and share the single
// run path.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	uuid "github.com/satori/go.uuid"

	"zalign/pkg/align"
	"zalign/pkg/errors"
	"zalign/pkg/gcode"
	"zalign/pkg/log"
)

// Server is the HTTP and websocket API server.
type Server struct {
	host       *gcode.Host
	dispatcher *gcode.Dispatcher
	version    string
	addr       string

	httpServer *http.Server
	logger     *log.Logger

	wsUpgrader websocket.Upgrader
	wsClientMu sync.RWMutex
	wsClients  map[string]*WSClient

	// lastStatus gates the notification feed: a push goes out only
	// when the serialized status differs from the last one sent.
	statusMu   sync.Mutex
	lastStatus []byte

	running   atomic.Bool
	startTime time.Time
}

// Config collects the server collaborators.
type Config struct {
	// Addr is the HTTP listen address, e.g. ":7130".
	Addr string

	// Version is reported by the info endpoints.
	Version string

	// Host executes alignment runs and point edits.
	Host *gcode.Host

	// Dispatcher executes console lines for the passthrough endpoint
	// and the estop/restart methods.
	Dispatcher *gcode.Dispatcher
}

// New creates the API server.
func New(cfg Config) (*Server, error) {
	if cfg.Host == nil || cfg.Dispatcher == nil {
		return nil, errors.InternalError("api server needs a host and a dispatcher")
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{
		host:       cfg.Host,
		dispatcher: cfg.Dispatcher,
		version:    version,
		addr:       cfg.Addr,
		logger:     log.GetLogger("api"),
		wsClients:  make(map[string]*WSClient),
		startTime:  time.Now(),
	}
	s.wsUpgrader = websocket.Upgrader{
		// Frontends are served from other origins
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s, nil
}

// Handler returns the routed HTTP handler, CORS included.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/machine/info", s.handleGet("machine.info"))
	mux.Handle("/align/status", s.handleGet("align.status"))
	mux.Handle("/align/run", s.handlePost("align.run"))
	mux.HandleFunc("/align/point", s.handleAlignPoint)
	mux.Handle("/align/estop", s.handlePost("align.estop"))
	mux.Handle("/align/restart", s.handlePost("align.restart"))
	mux.Handle("/console/command", s.handlePost("console.command"))
	mux.HandleFunc("/access/oneshot_token", s.handleOneshotToken)
	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)
	mux.HandleFunc("/websocket", s.handleWebSocket)
	return s.corsMiddleware(mux)
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}
	s.running.Store(true)
	s.logger.Info("api server listening on %s", s.addr)
	go s.statusLoop()
	return s.httpServer.ListenAndServe()
}

// Stop closes every websocket client and the HTTP server.
func (s *Server) Stop() error {
	s.running.Store(false)

	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.Close()
	}
	s.wsClients = make(map[string]*WSClient)
	s.wsClientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// JSON-RPC 2.0 envelope, shared by /jsonrpc and the websocket.

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// invoke runs a method and then pushes a status notification if the
// call changed the host state. Routing every entry point through here
// means console-made changes also reach websocket clients at the next
// API activity.
func (s *Server) invoke(method string, params map[string]any, client *WSClient) (any, error) {
	result, err := s.dispatchMethod(method, params, client)
	s.broadcastStatus()
	return result, err
}

func (s *Server) dispatchMethod(method string, params map[string]any, client *WSClient) (any, error) {
	switch method {
	case "server.info":
		return s.methodServerInfo()
	case "machine.info":
		return s.methodMachineInfo()
	case "align.status":
		return s.statusPayload(), nil
	case "align.run":
		return s.methodAlignRun(params)
	case "align.set_point":
		return s.methodSetPoint(params)
	case "align.estop":
		return s.methodConsoleLine("ESTOP")
	case "align.restart":
		return s.methodConsoleLine("FIRMWARE_RESTART")
	case "console.command":
		return s.methodConsole(params)
	case "server.connection.identify":
		return s.methodIdentify(params, client)
	default:
		return nil, errors.UnknownCommandError(method)
	}
}

func (s *Server) methodServerInfo() (any, error) {
	s.wsClientMu.RLock()
	clients := len(s.wsClients)
	s.wsClientMu.RUnlock()
	return map[string]any{
		"app":             "zalign",
		"version":         s.version,
		"websocket_count": clients,
		"uptime":          time.Since(s.startTime).Seconds(),
	}, nil
}

func (s *Server) methodMachineInfo() (any, error) {
	hostname, _ := os.Hostname()
	info := map[string]any{
		"app":       "zalign",
		"version":   s.version,
		"hostname":  hostname,
		"actuators": s.host.Controller().Points().Count(),
		"simulated": s.host.Board() == nil,
	}
	if board := s.host.Board(); board != nil {
		if bi, err := board.Info(); err == nil {
			info["board"] = map[string]any{
				"version":      bi.Version,
				"motors":       bi.Motors,
				"tools":        bi.HasTools,
				"compensation": bi.HasComp,
			}
		}
	}
	return info, nil
}

func (s *Server) methodAlignRun(params map[string]any) (any, error) {
	p, err := runParams(params, s.host.Controller().Defaults())
	if err != nil {
		return nil, err
	}
	report, err := s.host.RunAlign(p)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status":     report.Status.String(),
		"iterations": report.Iterations,
		"accuracy":   report.AchievedAccuracy,
	}, nil
}

func (s *Server) methodSetPoint(params map[string]any) (any, error) {
	if reset, ok := params["reset"].(bool); ok && reset {
		if err := s.host.Safety().CheckOperational(); err != nil {
			return nil, err
		}
		s.host.Controller().Points().Reset()
		return s.pointTable(), nil
	}

	id, err := intParam(params, "align.set_point", "actuator")
	if err != nil {
		return nil, err
	}
	x, err := floatParam(params, "align.set_point", "x")
	if err != nil {
		return nil, err
	}
	y, err := floatParam(params, "align.set_point", "y")
	if err != nil {
		return nil, err
	}
	if err := s.host.Safety().CheckOperational(); err != nil {
		return nil, err
	}
	if err := s.host.Controller().Points().Set(id, align.Point{X: x, Y: y}); err != nil {
		return nil, err
	}
	return s.pointTable(), nil
}

func (s *Server) methodConsoleLine(line string) (any, error) {
	out, err := s.dispatcher.Execute(line)
	if err != nil {
		return nil, err
	}
	return map[string]any{"message": out}, nil
}

func (s *Server) methodConsole(params map[string]any) (any, error) {
	line, ok := params["command"].(string)
	if !ok || line == "" {
		return nil, errors.MissingParameterError("console.command", "command")
	}
	out, err := s.dispatcher.Execute(line)
	if err != nil {
		return nil, err
	}
	return map[string]any{"output": out}, nil
}

func (s *Server) methodIdentify(params map[string]any, client *WSClient) (any, error) {
	name := "unknown"
	if v, ok := params["client_name"].(string); ok {
		name = v
	}
	id := uuid.NewV4().String()
	if client != nil {
		id = client.id
	}
	s.logger.Info("client identified as %s (%s)", name, id)
	return map[string]any{"connection_id": id}, nil
}

// Parameter helpers. JSON numbers arrive as float64.

func floatParam(params map[string]any, method, name string) (float64, error) {
	v, ok := params[name]
	if !ok {
		return 0, errors.MissingParameterError(method, name)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, errors.CommandParamError(method, name, fmt.Sprint(v), "not a number")
	}
	return f, nil
}

func intParam(params map[string]any, method, name string) (int, error) {
	f, err := floatParam(params, method, name)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, errors.CommandParamError(method, name, fmt.Sprint(f), "not an integer")
	}
	return int(f), nil
}

func runParams(params map[string]any, p align.Params) (align.Params, error) {
	var err error
	if _, ok := params["iterations"]; ok {
		if p.Iterations, err = intParam(params, "align.run", "iterations"); err != nil {
			return p, err
		}
	}
	if _, ok := params["accuracy"]; ok {
		if p.Accuracy, err = floatParam(params, "align.run", "accuracy"); err != nil {
			return p, err
		}
	}
	if _, ok := params["gain"]; ok {
		if p.Gain, err = floatParam(params, "align.run", "gain"); err != nil {
			return p, err
		}
	}
	if v, ok := params["stow_probe"]; ok {
		b, ok := v.(bool)
		if !ok {
			return p, errors.CommandParamError("align.run", "stow_probe", fmt.Sprint(v), "not a boolean")
		}
		p.StowProbe = b
	}
	return p, nil
}

// statusPayload is the document served by align.status and carried by
// notify_align_update.
func (s *Server) statusPayload() map[string]any {
	ctrl := s.host.Controller()
	status := ctrl.GetStatus()

	st := s.host.Safety().GetStatus()
	status["state"] = st.State
	if st.ShutdownReason != "" {
		status["shutdown_reason"] = st.ShutdownReason
		status["shutdown_message"] = st.ShutdownMsg
	}

	d := ctrl.Defaults()
	status["defaults"] = map[string]any{
		"iterations": d.Iterations,
		"accuracy":   d.Accuracy,
		"gain":       d.Gain,
		"stow_probe": d.StowProbe,
	}
	return status
}

func (s *Server) pointTable() map[string]any {
	pts := s.host.Controller().Points().All()
	coords := make([][2]float64, len(pts))
	for i, p := range pts {
		coords[i] = [2]float64{p.X, p.Y}
	}
	return map[string]any{"points": coords}
}

// statusNotification marshals the current status and wraps it in a
// notify_align_update frame. Map keys serialize in sorted order, so
// equal statuses produce equal bytes.
func (s *Server) statusNotification() (payload, frame []byte, err error) {
	payload, err = json.Marshal(s.statusPayload())
	if err != nil {
		return nil, nil, err
	}
	frame, err = json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "notify_align_update",
		"params":  []any{json.RawMessage(payload)},
	})
	if err != nil {
		return nil, nil, err
	}
	return payload, frame, nil
}

// broadcastStatus pushes a notify_align_update to every websocket
// client when the status changed since the last push.
func (s *Server) broadcastStatus() {
	payload, frame, err := s.statusNotification()
	if err != nil {
		return
	}

	s.statusMu.Lock()
	if bytes.Equal(payload, s.lastStatus) {
		s.statusMu.Unlock()
		return
	}
	s.lastStatus = payload
	s.statusMu.Unlock()

	s.wsClientMu.RLock()
	for _, client := range s.wsClients {
		client.Send(frame)
	}
	s.wsClientMu.RUnlock()
}

// statusLoop catches state changes made outside the API, the console
// REPL in particular.
func (s *Server) statusLoop() {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for s.running.Load() {
		<-ticker.C
		s.broadcastStatus()
	}
}

// REST plumbing.

// handleGet adapts a read method to a GET endpoint.
func (s *Server) handleGet(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		result, err := s.invoke(method, nil, nil)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeResult(w, result)
	}
}

// handlePost adapts a method to a POST endpoint taking a JSON body as
// the params object.
func (s *Server) handlePost(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		params, err := decodeParams(r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		result, err := s.invoke(method, params, nil)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeResult(w, result)
	}
}

// handleAlignPoint serves the point table on GET and edits it on POST.
func (s *Server) handleAlignPoint(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeResult(w, s.pointTable())
	case http.MethodPost:
		params, err := decodeParams(r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		result, err := s.invoke("align.set_point", params, nil)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeResult(w, result)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleOneshotToken(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, uuid.NewV4().String())
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeRPC(w, rpcResponse{JSONRPC: "2.0",
			Error: &rpcError{Code: -32700, Message: "Parse error"}})
		return
	}
	result, err := s.invoke(req.Method, req.Params, nil)
	if err != nil {
		s.writeRPC(w, rpcResponse{JSONRPC: "2.0",
			Error: &rpcError{Code: rpcCodeFor(err), Message: err.Error()}, ID: req.ID})
		return
	}
	s.writeRPC(w, rpcResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
}

func decodeParams(r *http.Request) (map[string]any, error) {
	params := map[string]any{}
	if r.Body == nil {
		return params, nil
	}
	err := json.NewDecoder(r.Body).Decode(&params)
	if err != nil && err != io.EOF {
		return nil, errors.New(errors.ErrCommandParse, "request body must be a JSON object")
	}
	return params, nil
}

func (s *Server) writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"result": result})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatusFor(err))
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    string(errors.CodeOf(err)),
			"message": err.Error(),
		},
	})
}

func (s *Server) writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// httpStatusFor maps transient host conditions to 503 and everything
// else to 400.
func httpStatusFor(err error) int {
	if errors.Is(err, errors.ErrShutdown) || errors.Is(err, errors.ErrAlignBusy) {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}

func rpcCodeFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrCommandUnknown):
		return -32601
	case errors.Is(err, errors.ErrInvalidParameter),
		errors.Is(err, errors.ErrCommandInvalidParam),
		errors.Is(err, errors.ErrCommandMissingParam),
		errors.Is(err, errors.ErrPointBounds):
		return -32602
	default:
		return -32000
	}
}

// corsMiddleware lets browser frontends on other origins call the API.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
