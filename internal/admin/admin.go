package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"auto-nat/config"
	"auto-nat/internal/device"
	"auto-nat/internal/service"
	"auto-nat/internal/util"

	"github.com/sirupsen/logrus"
)

// AdminServer HTTP管理服务器
type AdminServer struct {
	config  *config.Config
	logger  *logrus.Logger
	manager *service.Manager
	server  *http.Server
}

// NewAdminServer 创建新的管理服务器
func NewAdminServer(cfg *config.Config, logger *logrus.Logger, manager *service.Manager) *AdminServer {
	return &AdminServer{
		config:  cfg,
		logger:  logger,
		manager: manager,
	}
}

// Start 启动管理服务器
func (as *AdminServer) Start() error {
	if !as.config.Admin.Enabled {
		as.logger.Info("管理服务已禁用")
		return nil
	}

	// 设置路由
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", as.authMiddleware(as.handleStatus))
	mux.HandleFunc("/api/devices", as.authMiddleware(as.handleDevices))
	mux.HandleFunc("/api/mappings", as.authMiddleware(as.handleMappings))
	mux.HandleFunc("/api/external-address", as.authMiddleware(as.handleExternalAddress))
	mux.HandleFunc("/api/add-mapping", as.authMiddleware(as.handleAddMapping))
	mux.HandleFunc("/api/remove-mapping", as.authMiddleware(as.handleRemoveMapping))

	// 创建HTTP服务器
	as.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", as.config.Admin.Host, as.config.Admin.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	as.logger.WithFields(logrus.Fields{
		"host": as.config.Admin.Host,
		"port": as.config.Admin.Port,
	}).Info("启动HTTP管理服务")

	go func() {
		if err := as.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			as.logger.WithError(err).Error("HTTP管理服务启动失败")
		}
	}()

	return nil
}

// Stop 停止管理服务器
func (as *AdminServer) Stop() error {
	if as.server != nil {
		as.logger.Info("停止HTTP管理服务")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return as.server.Shutdown(ctx)
	}
	return nil
}

// authMiddleware 基本认证中间件
func (as *AdminServer) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(username), []byte(as.config.Admin.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(as.config.Admin.Password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="auto-nat"`)
			as.writeJSON(w, http.StatusUnauthorized, &APIResponse{
				Status:  "error",
				Message: "认证失败",
			})
			return
		}
		next(w, r)
	}
}

// handleStatus 服务状态
func (as *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	as.writeJSON(w, http.StatusOK, &APIResponse{
		Status: "ok",
		Data:   as.manager.GetStatus(),
	})
}

// handleDevices 当前跟踪的设备及其登记映射
func (as *AdminServer) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := as.manager.Devices()
	data := make([]map[string]interface{}, 0, len(devices))

	for _, dev := range devices {
		data = append(data, map[string]interface{}{
			"name":           dev.Name(),
			"kind":           string(dev.Kind()),
			"gateway":        dev.GatewayAddr(),
			"last_seen":      dev.LastSeen().Format(time.RFC3339),
			"owned_mappings": dev.OwnedMappings(),
		})
	}

	as.writeJSON(w, http.StatusOK, &APIResponse{Status: "ok", Data: data})
}

// handleMappings 各设备的实时映射列表
func (as *AdminServer) handleMappings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	as.writeJSON(w, http.StatusOK, &APIResponse{
		Status: "ok",
		Data:   as.manager.AllMappings(ctx),
	})
}

// handleExternalAddress 外部地址核对
func (as *AdminServer) handleExternalAddress(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	as.writeJSON(w, http.StatusOK, &APIResponse{
		Status: "ok",
		Data:   as.manager.CheckExternalAddress(ctx),
	})
}

// handleAddMapping 添加端口映射
func (as *AdminServer) handleAddMapping(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		as.writeJSON(w, http.StatusMethodNotAllowed, &APIResponse{
			Status:  "error",
			Message: "仅支持POST请求",
		})
		return
	}

	var req AddMappingRequest
	if err := as.readRequest(r, &req); err != nil {
		as.writeJSON(w, http.StatusBadRequest, &APIResponse{
			Status:  "error",
			Message: fmt.Sprintf("解析请求失败: %v", err),
		})
		return
	}

	mapping := device.Mapping{
		Protocol:     device.Protocol(strings.ToUpper(req.Protocol)),
		ExternalPort: req.ExternalPort,
		InternalIP:   net.ParseIP(req.InternalIP),
		InternalPort: req.InternalPort,
		Description:  req.Description,
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := as.manager.CreateMapping(ctx, req.Gateway, mapping); err != nil {
		as.writeJSON(w, http.StatusBadGateway, &APIResponse{
			Status:  "error",
			Message: err.Error(),
		})
		return
	}

	as.writeJSON(w, http.StatusOK, &APIResponse{Status: "ok", Message: "端口映射添加成功"})
}

// handleRemoveMapping 删除端口映射
func (as *AdminServer) handleRemoveMapping(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		as.writeJSON(w, http.StatusMethodNotAllowed, &APIResponse{
			Status:  "error",
			Message: "仅支持POST请求",
		})
		return
	}

	var req RemoveMappingRequest
	if err := as.readRequest(r, &req); err != nil {
		as.writeJSON(w, http.StatusBadRequest, &APIResponse{
			Status:  "error",
			Message: fmt.Sprintf("解析请求失败: %v", err),
		})
		return
	}

	mapping := device.Mapping{
		Protocol:     device.Protocol(strings.ToUpper(req.Protocol)),
		ExternalPort: req.ExternalPort,
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := as.manager.DeleteMapping(ctx, req.Gateway, mapping); err != nil {
		as.writeJSON(w, http.StatusBadGateway, &APIResponse{
			Status:  "error",
			Message: err.Error(),
		})
		return
	}

	as.writeJSON(w, http.StatusOK, &APIResponse{Status: "ok", Message: "端口映射删除成功"})
}

// readRequest 读取并解析请求体
func (as *AdminServer) readRequest(r *http.Request, v interface{}) error {
	body, err := util.ReadToEnd(r.Body)
	if err != nil {
		return fmt.Errorf("读取请求体失败: %w", err)
	}
	return json.Unmarshal(body, v)
}

// writeJSON 输出JSON响应
func (as *AdminServer) writeJSON(w http.ResponseWriter, statusCode int, resp *APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		as.logger.WithError(err).Error("写入响应失败")
	}
}
