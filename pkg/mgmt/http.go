package mgmt

import (
	"context"
	"encoding/json"
	"net/http"

	"k8s.io/klog/v2"
)

// Handler returns an http.Handler exposing the management surface as plain
// JSON request/response pairs, one path per operation. It is meant to be
// mounted alongside the metrics handler on the node's internal listener,
// never on the CSI gRPC endpoint.
func (f *Facade) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/nexus", f.handleListNexus)
	mux.HandleFunc("/v1/nexus/create", f.handleCreateNexus)
	mux.HandleFunc("/v1/nexus/destroy", f.handleDestroyNexus)
	mux.HandleFunc("/v1/nexus/publish", f.handlePublishNexus)
	mux.HandleFunc("/v1/nexus/unpublish", f.handleUnpublishNexus)
	mux.HandleFunc("/v1/child/offline", f.handleOfflineChild)
	mux.HandleFunc("/v1/child/online", f.handleOnlineChild)
	mux.HandleFunc("/v1/rebuild/stop", f.handleStopRebuild)
	mux.HandleFunc("/v1/rebuild/pause", f.handlePauseRebuild)
	mux.HandleFunc("/v1/rebuild/resume", f.handleResumeRebuild)
	mux.HandleFunc("/v1/rebuild/state", f.handleRebuildState)
	mux.HandleFunc("/v1/rebuild/progress", f.handleRebuildProgress)
	mux.HandleFunc("/v1/pool/create", f.handleCreatePool)
	mux.HandleFunc("/v1/replica/create", f.handleCreateReplica)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.Errorf("mgmt: encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (f *Facade) handleListNexus(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("name"); name != "" {
		info, err := f.GetNexus(name)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
		return
	}
	writeJSON(w, http.StatusOK, f.ListNexus())
}

func (f *Facade) handleCreateNexus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string   `json:"name"`
		BlockSize uint32   `json:"block_size"`
		NumBlocks uint64   `json:"num_blocks"`
		Children  []string `json:"children"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	info, err := f.CreateNexus(r.Context(), req.Name, req.BlockSize, req.NumBlocks, req.Children)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (f *Facade) handleDestroyNexus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := f.DestroyNexus(r.Context(), req.Name); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (f *Facade) handlePublishNexus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Protocol string `json:"protocol"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	uri, err := f.PublishNexus(req.Name, req.Protocol)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"uri": uri})
}

func (f *Facade) handleUnpublishNexus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := f.UnpublishNexus(req.Name); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

type childRequest struct {
	Name     string `json:"name"`
	BdevName string `json:"bdev_name"`
}

func (f *Facade) handleOfflineChild(w http.ResponseWriter, r *http.Request) {
	var req childRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := f.OfflineChild(req.Name, req.BdevName); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (f *Facade) handleOnlineChild(w http.ResponseWriter, r *http.Request) {
	var req childRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := f.OnlineChild(r.Context(), req.Name, req.BdevName); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (f *Facade) handleStopRebuild(w http.ResponseWriter, r *http.Request) {
	var req childRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := f.StopRebuild(req.Name, req.BdevName); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (f *Facade) handlePauseRebuild(w http.ResponseWriter, r *http.Request) {
	var req childRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := f.PauseRebuild(req.Name, req.BdevName); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (f *Facade) handleResumeRebuild(w http.ResponseWriter, r *http.Request) {
	var req childRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := f.ResumeRebuild(req.Name, req.BdevName); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (f *Facade) handleRebuildState(w http.ResponseWriter, r *http.Request) {
	name, bdevName := r.URL.Query().Get("name"), r.URL.Query().Get("bdev_name")
	state, err := f.RebuildState(name, bdevName)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": state})
}

func (f *Facade) handleRebuildProgress(w http.ResponseWriter, r *http.Request) {
	name, bdevName := r.URL.Query().Get("name"), r.URL.Query().Get("bdev_name")
	copied, total, err := f.RebuildProgress(name, bdevName)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"copied": copied, "total": total})
}

func (f *Facade) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string   `json:"name"`
		Devices []string `json:"devices"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := f.CreatePool(context.Background(), req.Name, req.Devices); err != nil {
		writeError(w, http.StatusNotImplemented, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (f *Facade) handleCreateReplica(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pool string `json:"pool"`
		Name string `json:"name"`
		Size uint64 `json:"size"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := f.CreateReplica(context.Background(), req.Pool, req.Name, req.Size); err != nil {
		writeError(w, http.StatusNotImplemented, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}
