package service

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/telamesh/exitd/src/admission"
	"github.com/telamesh/exitd/src/billing"
	cm "github.com/telamesh/exitd/src/common"
	"github.com/telamesh/exitd/src/registry"
)

// Service exposes the client-facing HTTP API and a small admin surface.
// Requests are handled concurrently; per-client correctness comes from the
// registry's conflict-checked update, not from a lock here.
type Service struct {
	bindAddress string
	ctrl        *admission.Controller
	enforcer    *billing.Enforcer
	logger      *logrus.Entry
	mux         *http.ServeMux
	start       time.Time
}

// NewService ...
func NewService(bindAddress string, ctrl *admission.Controller, enforcer *billing.Enforcer, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		ctrl:        ctrl,
		enforcer:    enforcer,
		logger:      logger,
		mux:         http.NewServeMux(),
		start:       time.Now(),
	}

	service.registerHandlers()

	return &service
}

func (s *Service) registerHandlers() {
	s.logger.Debug("Registering exitd API handlers")
	s.mux.HandleFunc("/register", s.makeHandler(s.Register))
	s.mux.HandleFunc("/verify", s.makeHandler(s.Verify))
	s.mux.HandleFunc("/status/", s.makeHandler(s.Status))
	s.mux.HandleFunc("/clients", s.makeHandler(s.Clients))
	s.mux.HandleFunc("/clients/", s.makeHandler(s.Client))
	s.mux.HandleFunc("/stats", s.makeHandler(s.Stats))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Mux returns the handler tree, for embedding the API in another server.
func (s *Service) Mux() *http.ServeMux {
	return s.mux
}

// Serve calls ListenAndServe. This is a blocking call.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving exitd API")

	err := http.ListenAndServe(s.bindAddress, s.mux)
	if err != nil {
		s.logger.Error(err)
	}
}

type registerRequest struct {
	Contact   string `json:"contact"`
	PublicKey string `json:"public_key"`
}

type verifyRequest struct {
	Contact string `json:"contact"`
	Code    string `json:"code"`
}

type clientResponse struct {
	ClientID string   `json:"client_id,omitempty"`
	State    string   `json:"state"`
	Address  string   `json:"address,omitempty"`
	Subnets  []string `json:"assigned_subnets,omitempty"`
	Debt     int64    `json:"debt"`
}

// Register handles POST /register.
func (s *Service) Register(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Contact == "" {
		writeError(w, http.StatusBadRequest, "bad_request")
		return
	}

	if err := s.ctrl.Register(req.Contact, req.PublicKey); err != nil {
		switch {
		case cm.Is(err, cm.AlreadyRegistered):
			writeError(w, http.StatusConflict, "already_registered")
		case cm.Is(err, cm.TooSoon):
			writeError(w, http.StatusTooManyRequests, "too_soon")
		default:
			s.logger.WithError(err).Error("Registering client")
			writeError(w, http.StatusInternalServerError, "internal")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "code_sent"})
}

// Verify handles POST /verify.
func (s *Service) Verify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Contact == "" {
		writeError(w, http.StatusBadRequest, "bad_request")
		return
	}

	c, err := s.ctrl.Verify(req.Contact, req.Code)
	if err != nil {
		switch {
		case cm.Is(err, cm.Expired):
			writeError(w, http.StatusBadRequest, "expired")
		case cm.Is(err, cm.Mismatch):
			writeError(w, http.StatusBadRequest, "mismatch")
		case cm.Is(err, cm.NotFound):
			writeError(w, http.StatusBadRequest, "not_found")
		case cm.Is(err, cm.PoolExhausted):
			writeError(w, http.StatusServiceUnavailable, "pool_exhausted")
		case cm.Is(err, cm.KernelFailure), cm.Is(err, cm.RoutingFailure):
			writeError(w, http.StatusServiceUnavailable, "provisioning_failed")
		default:
			s.logger.WithError(err).Error("Verifying client")
			writeError(w, http.StatusInternalServerError, "internal")
		}
		return
	}

	writeJSON(w, http.StatusOK, clientResponse{
		ClientID: c.ID,
		State:    c.State.String(),
		Address:  c.MeshIP,
		Subnets:  c.Subnets,
		Debt:     c.Debt,
	})
}

// Status handles GET /status/{client_id}.
func (s *Service) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	param := r.URL.Path[len("/status/"):]

	c, err := s.ctrl.Status(param)
	if err != nil {
		if cm.Is(err, cm.NotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		s.logger.WithError(err).Errorf("Retrieving client %s", param)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}

	writeJSON(w, http.StatusOK, clientResponse{
		ClientID: c.ID,
		State:    c.State.String(),
		Address:  c.MeshIP,
		Subnets:  c.Subnets,
		Debt:     c.Debt,
	})
}

// Clients handles GET /clients, optionally filtered with ?state=.
func (s *Service) Clients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var (
		clients []*registry.Client
		err     error
	)

	if stateParam := r.URL.Query().Get("state"); stateParam != "" {
		state, ok := registry.ParseState(stateParam)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown_state")
			return
		}
		clients, err = s.ctrl.ClientsByState(state)
	} else {
		clients, err = s.ctrl.AllClients()
	}

	if err != nil {
		s.logger.WithError(err).Error("Listing clients")
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}

	res := []clientResponse{}
	for _, c := range clients {
		res = append(res, clientResponse{
			ClientID: c.ID,
			State:    c.State.String(),
			Address:  c.MeshIP,
			Subnets:  c.Subnets,
			Debt:     c.Debt,
		})
	}

	writeJSON(w, http.StatusOK, res)
}

// Client handles DELETE /clients/{client_id}, the operator removal path.
func (s *Service) Client(w http.ResponseWriter, r *http.Request) {
	param := r.URL.Path[len("/clients/"):]

	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.ctrl.RemoveClient(param); err != nil {
		if cm.Is(err, cm.NotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		s.logger.WithError(err).Errorf("Removing client %s", param)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// Stats handles GET /stats.
func (s *Service) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := s.ctrl.Stats()
	if err != nil {
		s.logger.WithError(err).Error("Gathering stats")
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}

	stats["uptime"] = time.Since(s.start).String()
	if s.enforcer != nil {
		stats["enforcer_cycles"] = strconv.FormatUint(s.enforcer.Cycles(), 10)
	}

	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
