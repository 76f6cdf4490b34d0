package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/infinibay/infinization/internal/model"
	"github.com/infinibay/infinization/internal/orchestrator"
	"github.com/infinibay/infinization/internal/store"
)

const maxBodySize = 1 << 20 // 1 MB

// createVMRequest is the JSON body for POST /v1/vms.
type createVMRequest struct {
	DisplayName     string                    `json:"display_name"`
	OS              string                    `json:"os"`
	CPUCores        int                       `json:"cpu_cores"`
	RAMGB           float64                   `json:"ram_gb"`
	Disks           []model.Disk              `json:"disks"`
	Bridge          string                    `json:"bridge"`
	DisplayType     string                    `json:"display_type"`
	DisplayPort     int                       `json:"display_port"`
	Passthrough     *model.PassthroughDevice  `json:"passthrough"`
	MachineType     string                    `json:"machine_type"`
	CPUModel        string                    `json:"cpu_model"`
	DiskBus         string                    `json:"disk_bus"`
	Cache           string                    `json:"cache"`
	NetworkModel    string                    `json:"network_model"`
	QueueCount      *int                      `json:"queue_count"`
	MemBalloon      *bool                     `json:"mem_balloon"`
	Firmware        string                    `json:"firmware"`
	Hugepages       *bool                     `json:"hugepages"`
	CPUPinCores     []int                     `json:"cpu_pin_cores"`
	MACOverride     string                    `json:"mac_override"`
	Unattended      *model.UnattendedInstall  `json:"unattended"`
}

// listVMsResponse wraps the list response.
type listVMsResponse struct {
	VMs []*model.VM `json:"vms"`
}

func (s *Server) handleCreateVM(w http.ResponseWriter, r *http.Request) {
	var req createVMRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	now := time.Now().UTC()
	vm := &model.VM{
		ID:           model.NewID(),
		DisplayName:  req.DisplayName,
		InternalName: req.DisplayName,
		OS:           req.OS,
		CPUCores:     req.CPUCores,
		RAMGB:        req.RAMGB,
		Disks:        req.Disks,
		Bridge:       req.Bridge,
		DisplayType:  req.DisplayType,
		DisplayPort:  req.DisplayPort,
		Passthrough:  req.Passthrough,
		MachineType:  req.MachineType,
		CPUModel:     req.CPUModel,
		DiskBus:      req.DiskBus,
		Cache:        req.Cache,
		NetworkModel: req.NetworkModel,
		QueueCount:   req.QueueCount,
		MemBalloon:   req.MemBalloon,
		Firmware:     req.Firmware,
		Hugepages:    req.Hugepages,
		CPUPinCores:  req.CPUPinCores,
		MACOverride:  req.MACOverride,
		Unattended:   req.Unattended,
		Status:       model.StatusBuilding,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	res, err := s.lifecycle.Create(r.Context(), vm)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetVM(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	vm, err := s.store.FindMachineWithConfig(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "vm not found")
		return
	}
	if err != nil {
		s.logger.Error("get vm", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get vm")
		return
	}

	s.writeJSON(w, http.StatusOK, vm)
}

func (s *Server) handleListVMs(w http.ResponseWriter, r *http.Request) {
	vms, err := s.store.ListVMs(r.Context())
	if err != nil {
		s.logger.Error("list vms", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list vms")
		return
	}

	if vms == nil {
		vms = []*model.VM{}
	}

	s.writeJSON(w, http.StatusOK, listVMsResponse{VMs: vms})
}

func (s *Server) handleDeleteVM(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	vm, err := s.store.FindMachineWithConfig(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "vm not found")
		return
	}
	if err != nil {
		s.logger.Error("get vm for delete", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get vm")
		return
	}
	if vm.Status == model.StatusRunning || vm.Status == model.StatusSuspended || vm.Status == model.StatusPaused {
		s.writeError(w, http.StatusConflict, "vm must be stopped before it can be deleted")
		return
	}

	if err := s.store.DeleteVM(r.Context(), id); err != nil {
		s.logger.Error("delete vm", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete vm")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := s.lifecycle.Status(r.Context(), id)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := s.lifecycle.Start(r.Context(), id)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}

// stopRequest is the optional JSON body for POST /v1/vms/{id}/stop.
type stopRequest struct {
	Graceful *bool `json:"graceful"`
	TimeoutS *int  `json:"timeout_s"`
	Force    *bool `json:"force"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	opts := orchestrator.DefaultStopOptions()
	if r.ContentLength != 0 {
		var req stopRequest
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Graceful != nil {
			opts.Graceful = *req.Graceful
		}
		if req.TimeoutS != nil {
			opts.Timeout = time.Duration(*req.TimeoutS) * time.Second
		}
		if req.Force != nil {
			opts.Force = *req.Force
		}
	}

	res, err := s.lifecycle.Stop(r.Context(), id, opts)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := s.lifecycle.Restart(r.Context(), id)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := s.lifecycle.Suspend(r.Context(), id)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := s.lifecycle.Resume(r.Context(), id)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := s.lifecycle.Reset(r.Context(), id)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}
