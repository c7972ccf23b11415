package server

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Admin 管理与监控接口
type Admin struct {
	srv  *Server
	loop *Loop
}

func NewAdmin(srv *Server, loop *Loop) *Admin {
	return &Admin{srv: srv, loop: loop}
}

// Register 挂载路由
func (a *Admin) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/server", a.HandleServer)
	mux.HandleFunc("/admin/clients", a.HandleClients)
	mux.HandleFunc("/admin/world", a.HandleWorld)
	mux.HandleFunc("/metrics", a.HandleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleServer 查询或切换中继状态
// GET  /admin/server               返回当前状态
// POST /admin/server?action=start  启动监听（重复启动返回 already-running）
// POST /admin/server?action=stop   停止监听（重复停止返回 already-stopped）
func (a *Admin) HandleServer(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		payload := map[string]any{"state": a.srv.State().String()}
		if addr := a.srv.Addr(); addr != nil {
			payload["addr"] = addr.String()
		}
		if err := a.srv.Err(); err != nil {
			payload["error"] = err.Error()
		}
		writeJSON(w, http.StatusOK, payload)
	case http.MethodPost:
		var err error
		action := r.URL.Query().Get("action")
		switch action {
		case "start":
			err = a.srv.Start()
		case "stop":
			err = a.srv.Stop()
		default:
			http.Error(w, "unknown action", http.StatusBadRequest)
			return
		}
		switch {
		case err == nil:
			Log.Infof("admin %s: state=%s", action, a.srv.State())
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "state": a.srv.State().String()})
		case errors.Is(err, ErrAlreadyRunning):
			writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "result": "already-running"})
		case errors.Is(err, ErrAlreadyStopped):
			writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "result": "already-stopped", "error": err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleClients 列出登记的客户端
func (a *Admin) HandleClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"clients": a.srv.Clients(),
		"pending": a.srv.Store().Len(),
	})
}

// HandleWorld 输出最近一次 Tick 的世界快照
func (a *Admin) HandleWorld(w http.ResponseWriter, r *http.Request) {
	if a.loop == nil {
		http.Error(w, "no simulation", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a.loop.Snapshot())
}

// HandleMetrics 输出运行指标
func (a *Admin) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"state":   a.srv.State().String(),
		"metrics": a.srv.Metrics().Snapshot(),
	}
	if a.loop != nil {
		payload["tick"] = a.loop.TickCount()
	}
	writeJSON(w, http.StatusOK, payload)
}
