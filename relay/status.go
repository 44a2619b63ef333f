package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// StatusServer serves the supervisor's state over HTTP for operators and health checks.
type StatusServer struct {
	log        *zap.SugaredLogger
	supervisor *Supervisor
	addr       string
	httpServer *http.Server
}

func NewStatusServer(log *zap.SugaredLogger, supervisor *Supervisor, addr string) *StatusServer {
	s := &StatusServer{
		log:        log,
		supervisor: supervisor,
		addr:       addr,
	}

	router := httprouter.New()
	router.GET("/status", s.status)
	router.GET("/healthz", s.healthz)
	s.httpServer = &http.Server{Handler: router}
	return s
}

// Run serves until Stop is called.
func (s *StatusServer) Run() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	s.log.Infow("status server listening", "Addr", listener.Addr().String())

	err = s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *StatusServer) Stop() error {
	return s.httpServer.Close()
}

func (s *StatusServer) status(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	b, err := json.Marshal(s.supervisor.Status())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// healthz is healthy only while a session is open.
func (s *StatusServer) healthz(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	state := s.supervisor.State()
	if state != StateOpen {
		http.Error(w, state.String(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, state)
}
