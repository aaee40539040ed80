// API server tests over loopback HTTP and websocket
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	uuid "github.com/satori/go.uuid"

	"zalign/pkg/align"
	"zalign/pkg/gcode"
	"zalign/pkg/log"
	"zalign/pkg/safety"
	"zalign/pkg/simulator"
)

func TestMain(m *testing.M) {
	silent := log.New("test")
	silent.SetWriter(io.Discard)
	log.SetDefaultLogger(silent)
	os.Exit(m.Run())
}

var apiPoints = []align.Point{
	{X: 20, Y: 20},
	{X: 115, Y: 200},
	{X: 210, Y: 20},
}

type testAPI struct {
	srv  *Server
	ts   *httptest.Server
	sim  *simulator.Simulator
	host *gcode.Host
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	sim := simulator.New(apiPoints)
	settings := &align.Settings{
		Steppers:  3,
		Points:    append([]align.Point(nil), apiPoints...),
		Defaults:  align.Params{Iterations: 5, Accuracy: 0.02, Gain: 1.0},
		Clearance: 5,
		MaxGrade:  5,
		Limits:    align.Limits{XMin: 0, XMax: 250, YMin: 0, YMax: 250},
	}
	ctrl, err := align.NewController(settings, sim.Machine())
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	mgr := safety.New()
	mgr.RegisterMotors(sim)

	host, err := gcode.NewHost(gcode.HostConfig{Controller: ctrl, Safety: mgr})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	d := gcode.NewDispatcher()
	host.Register(d)

	srv, err := New(Config{Version: "test", Host: host, Dispatcher: d})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
	})
	return &testAPI{srv: srv, ts: ts, sim: sim, host: host}
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return doc
}

func (a *testAPI) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(a.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (a *testAPI) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(a.ts.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func resultOf(t *testing.T, doc map[string]any) map[string]any {
	t.Helper()
	result, ok := doc["result"].(map[string]any)
	if !ok {
		t.Fatalf("no result object in %v", doc)
	}
	return result
}

func errorCodeOf(t *testing.T, doc map[string]any) string {
	t.Helper()
	errObj, ok := doc["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error object in %v", doc)
	}
	code, _ := errObj["code"].(string)
	return code
}

func TestMachineInfo(t *testing.T) {
	a := newTestAPI(t)

	resp, doc := a.get(t, "/machine/info")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	result := resultOf(t, doc)
	if result["app"] != "zalign" {
		t.Errorf("app = %v, want zalign", result["app"])
	}
	if result["version"] != "test" {
		t.Errorf("version = %v, want test", result["version"])
	}
	if result["actuators"] != float64(3) {
		t.Errorf("actuators = %v, want 3", result["actuators"])
	}
	if result["simulated"] != true {
		t.Errorf("simulated = %v, want true", result["simulated"])
	}
}

func TestAlignStatus(t *testing.T) {
	a := newTestAPI(t)

	resp, doc := a.get(t, "/align/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	result := resultOf(t, doc)
	if result["state"] != "running" {
		t.Errorf("state = %v, want running", result["state"])
	}
	if result["busy"] != false {
		t.Errorf("busy = %v, want false", result["busy"])
	}
	points, ok := result["points"].([]any)
	if !ok || len(points) != 3 {
		t.Fatalf("points = %v, want 3 entries", result["points"])
	}
	defaults, ok := result["defaults"].(map[string]any)
	if !ok {
		t.Fatalf("no defaults in %v", result)
	}
	if defaults["iterations"] != float64(5) {
		t.Errorf("default iterations = %v, want 5", defaults["iterations"])
	}
}

func TestAlignRun(t *testing.T) {
	a := newTestAPI(t)
	a.sim.SetDeviations([]float64{0.5, 0, 0.25})

	resp, doc := a.post(t, "/align/run", map[string]any{"iterations": 8})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %v", resp.StatusCode, doc)
	}
	result := resultOf(t, doc)
	if result["status"] != "converged" {
		t.Errorf("run status = %v, want converged", result["status"])
	}
	if n, _ := result["iterations"].(float64); n < 1 {
		t.Errorf("iterations = %v, want >= 1", result["iterations"])
	}
	if lr := a.sim.LevelRange(); lr > 0.02 {
		t.Errorf("level range %.4f after run, want <= 0.02", lr)
	}
}

func TestAlignRunRejectsBadParams(t *testing.T) {
	a := newTestAPI(t)

	resp, doc := a.post(t, "/align/run", map[string]any{"iterations": 0})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if code := errorCodeOf(t, doc); code != "INVALID_PARAMETER" {
		t.Errorf("error code = %q, want INVALID_PARAMETER", code)
	}
	if n := len(a.sim.Trace()); n != 0 {
		t.Errorf("machine saw %d events for a rejected run", n)
	}

	resp, doc = a.post(t, "/align/run", map[string]any{"iterations": 2.5})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if code := errorCodeOf(t, doc); code != "COMMAND_INVALID_PARAM" {
		t.Errorf("error code = %q, want COMMAND_INVALID_PARAM", code)
	}
}

func TestSetPointAndTable(t *testing.T) {
	a := newTestAPI(t)

	resp, doc := a.post(t, "/align/point", map[string]any{"actuator": 1, "x": 100, "y": 150})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %v", resp.StatusCode, doc)
	}
	p, err := a.host.Controller().Points().Get(1)
	if err != nil || p.X != 100 || p.Y != 150 {
		t.Errorf("point 1 = %v (%v), want (100, 150)", p, err)
	}

	_, doc = a.get(t, "/align/point")
	result := resultOf(t, doc)
	points, ok := result["points"].([]any)
	if !ok || len(points) != 3 {
		t.Fatalf("points = %v, want 3 entries", result["points"])
	}
	moved, ok := points[1].([]any)
	if !ok || len(moved) != 2 || moved[0] != float64(100) || moved[1] != float64(150) {
		t.Errorf("point 1 in table = %v, want [100 150]", points[1])
	}

	// Reset restores the configured coordinates
	resp, _ = a.post(t, "/align/point", map[string]any{"reset": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d, want 200", resp.StatusCode)
	}
	p, _ = a.host.Controller().Points().Get(1)
	if p.X != 115 || p.Y != 200 {
		t.Errorf("point 1 after reset = %v, want (115, 200)", p)
	}
}

func TestSetPointRejected(t *testing.T) {
	a := newTestAPI(t)

	resp, doc := a.post(t, "/align/point", map[string]any{"actuator": 1, "x": 999, "y": 150})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if code := errorCodeOf(t, doc); code != "POINT_BOUNDS" {
		t.Errorf("error code = %q, want POINT_BOUNDS", code)
	}

	resp, doc = a.post(t, "/align/point", map[string]any{"actuator": 1, "x": 50})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if code := errorCodeOf(t, doc); code != "COMMAND_MISSING_PARAM" {
		t.Errorf("error code = %q, want COMMAND_MISSING_PARAM", code)
	}

	p, _ := a.host.Controller().Points().Get(1)
	if p.X != 115 || p.Y != 200 {
		t.Errorf("point 1 = %v after rejected edits, want (115, 200)", p)
	}
}

func TestConsoleCommand(t *testing.T) {
	a := newTestAPI(t)

	resp, doc := a.post(t, "/console/command", map[string]any{"command": "M422"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %v", resp.StatusCode, doc)
	}
	result := resultOf(t, doc)
	out, _ := result["output"].(string)
	if !strings.Contains(out, "actuator 0") {
		t.Errorf("output = %q, want point table", out)
	}

	resp, doc = a.post(t, "/console/command", map[string]any{"command": "NOT_A_COMMAND"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if code := errorCodeOf(t, doc); code != "COMMAND_UNKNOWN" {
		t.Errorf("error code = %q, want COMMAND_UNKNOWN", code)
	}
}

func TestEStopAndRestart(t *testing.T) {
	a := newTestAPI(t)

	resp, _ := a.post(t, "/align/estop", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("estop status = %d, want 200", resp.StatusCode)
	}
	if !a.host.Safety().IsShutdown() {
		t.Fatal("host not latched after estop")
	}

	resp, doc := a.post(t, "/align/run", map[string]any{})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("run status = %d while latched, want 503", resp.StatusCode)
	}
	if code := errorCodeOf(t, doc); code != "SHUTDOWN" {
		t.Errorf("error code = %q, want SHUTDOWN", code)
	}

	_, doc = a.get(t, "/align/status")
	result := resultOf(t, doc)
	if result["state"] != "error" {
		t.Errorf("state = %v while latched, want error", result["state"])
	}
	if result["shutdown_reason"] != "emergency_stop" {
		t.Errorf("shutdown_reason = %v, want emergency_stop", result["shutdown_reason"])
	}

	resp, _ = a.post(t, "/align/restart", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restart status = %d, want 200", resp.StatusCode)
	}
	if a.host.Safety().IsShutdown() {
		t.Fatal("host still latched after restart")
	}

	a.sim.SetDeviations([]float64{0.2, 0, 0.1})
	resp, doc = a.post(t, "/align/run", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run after restart = %d, want 200: %v", resp.StatusCode, doc)
	}
	if result := resultOf(t, doc); result["status"] != "converged" {
		t.Errorf("run after restart = %v, want converged", result["status"])
	}
}

func TestOneshotToken(t *testing.T) {
	a := newTestAPI(t)

	_, doc := a.get(t, "/access/oneshot_token")
	token, ok := doc["result"].(string)
	if !ok {
		t.Fatalf("result = %v, want a token string", doc["result"])
	}
	if _, err := uuid.FromString(token); err != nil {
		t.Errorf("token %q is not a uuid: %v", token, err)
	}
}

func TestJSONRPC(t *testing.T) {
	a := newTestAPI(t)

	resp, doc := a.post(t, "/jsonrpc", map[string]any{
		"jsonrpc": "2.0", "method": "align.status", "id": 7,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if doc["id"] != float64(7) {
		t.Errorf("id = %v, want 7", doc["id"])
	}
	result := resultOf(t, doc)
	if result["state"] != "running" {
		t.Errorf("state = %v, want running", result["state"])
	}

	_, doc = a.post(t, "/jsonrpc", map[string]any{
		"jsonrpc": "2.0", "method": "machine.not_a_method", "id": 8,
	})
	errObj, ok := doc["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error for unknown method: %v", doc)
	}
	if errObj["code"] != float64(-32601) {
		t.Errorf("rpc error code = %v, want -32601", errObj["code"])
	}
}

func TestCORSPreflight(t *testing.T) {
	a := newTestAPI(t)

	req, err := http.NewRequest(http.MethodOptions, a.ts.URL+"/align/status", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("preflight status = %d, want 200", resp.StatusCode)
	}
	if origin := resp.Header.Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("Allow-Origin = %q, want *", origin)
	}
}

func (a *testAPI) dialWS(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(a.ts.URL, "http") + "/websocket"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var doc map[string]any
	if err := conn.ReadJSON(&doc); err != nil {
		t.Fatalf("read websocket: %v", err)
	}
	return doc
}

func notifyParams(t *testing.T, doc map[string]any) map[string]any {
	t.Helper()
	if doc["method"] != "notify_align_update" {
		t.Fatalf("method = %v, want notify_align_update", doc["method"])
	}
	params, ok := doc["params"].([]any)
	if !ok || len(params) != 1 {
		t.Fatalf("params = %v, want one status entry", doc["params"])
	}
	status, ok := params[0].(map[string]any)
	if !ok {
		t.Fatalf("status = %v, want an object", params[0])
	}
	return status
}

func TestWebSocketNotifications(t *testing.T) {
	a := newTestAPI(t)
	conn := a.dialWS(t)

	// A fresh client gets the current status straight away
	status := notifyParams(t, readWS(t, conn))
	if status["state"] != "running" {
		t.Errorf("initial state = %v, want running", status["state"])
	}

	// A point edit over HTTP reaches the websocket
	a.post(t, "/align/point", map[string]any{"actuator": 2, "x": 205, "y": 25})
	status = notifyParams(t, readWS(t, conn))
	points, ok := status["points"].([]any)
	if !ok || len(points) != 3 {
		t.Fatalf("points = %v, want 3 entries", status["points"])
	}
	moved, ok := points[2].([]any)
	if !ok || len(moved) != 2 || moved[0] != float64(205) || moved[1] != float64(25) {
		t.Errorf("point 2 in notification = %v, want [205 25]", points[2])
	}
}

func TestWebSocketRPC(t *testing.T) {
	a := newTestAPI(t)
	conn := a.dialWS(t)

	err := conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0",
		"method":  "server.connection.identify",
		"params":  map[string]any{"client_name": "test-client"},
		"id":      5,
	})
	if err != nil {
		t.Fatalf("write request: %v", err)
	}

	// Notifications may interleave with the response
	var doc map[string]any
	for i := 0; i < 5; i++ {
		doc = readWS(t, conn)
		if doc["id"] == float64(5) {
			break
		}
	}
	if doc["id"] != float64(5) {
		t.Fatalf("no response to request 5, last frame %v", doc)
	}
	result := resultOf(t, doc)
	id, _ := result["connection_id"].(string)
	if _, err := uuid.FromString(id); err != nil {
		t.Errorf("connection_id %q is not a uuid: %v", id, err)
	}
}
