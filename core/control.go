package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/macroflight/frankenrouter/wire"
)

// Control is the optional read/write REST surface used for live
// reconfiguration. Disabled unless listen.rest_api_port is set.
type Control struct {
	TaskBase

	ln  net.Listener
	srv *http.Server
}

// NewControl creates the control API task.
func NewControl(r *Router) *Control {
	return &Control{TaskBase: NewTaskBase(r, "control-api")}
}

// Prepare binds the API port, or reports the task disabled.
func (t *Control) Prepare(context.Context) error {
	port := t.R.Cfg.Listen.RestAPIPort
	if port == 0 {
		return ErrTaskDisabled
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("control api: %w", err)
	}
	t.ln = ln
	t.Info().Int("port", port).Msg("control api listening")
	return nil
}

// Run serves the API until stopped.
func (t *Control) Run(ctx context.Context) error {
	mux := chi.NewRouter()
	mux.Get("/clients", t.handleClients)
	mux.Post("/upstream/set", t.handleUpstreamSet)

	t.srv = &http.Server{
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	err := t.srv.Serve(t.ln)
	if err == http.ErrServerClosed || ctx.Err() != nil {
		return ErrTaskStopped
	}
	return err
}

// Stop shuts the HTTP server down.
func (t *Control) Stop() error {
	if t.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return t.srv.Shutdown(ctx)
}

// handleClients returns the connected clients as JSON.
func (t *Control) handleClients(w http.ResponseWriter, _ *http.Request) {
	type clientInfo struct {
		IP          string `json:"ip"`
		Port        uint16 `json:"port"`
		DisplayName string `json:"display_name"`
	}
	var out []clientInfo
	t.R.Clients.Range(func(c *wire.Conn) bool {
		name, _ := c.DisplayName()
		out = append(out, clientInfo{
			IP:          c.RemoteIP().String(),
			Port:        c.RemotePort(),
			DisplayName: name,
		})
		return true
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// handleUpstreamSet changes the upstream endpoint and requests a
// reconnect.
func (t *Control) handleUpstreamSet(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	host := req.PostFormValue("host")
	port, err := strconv.Atoi(req.PostFormValue("port"))
	if host == "" || err != nil || port <= 0 || port > 65535 {
		http.Error(w, "need host and port", http.StatusBadRequest)
		return
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	if addr == t.R.UpstreamAddr() {
		fmt.Fprintln(w, "Already connected to that host/port")
		return
	}

	t.Info().Str("addr", addr).Msg("upstream change requested")
	t.R.SetUpstreamAddr(addr)
	select {
	case t.R.ReconnectUpstream <- struct{}{}:
	default:
	}
	fmt.Fprintln(w, "Connecting to new host/port")
}
