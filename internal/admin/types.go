package admin

// AddMappingRequest 添加映射请求
type AddMappingRequest struct {
	Gateway      string `json:"gateway,omitempty"`
	Protocol     string `json:"protocol"`
	ExternalPort int    `json:"external_port"`
	InternalIP   string `json:"internal_ip"`
	InternalPort int    `json:"internal_port"`
	Description  string `json:"description"`
}

// RemoveMappingRequest 删除映射请求
type RemoveMappingRequest struct {
	Gateway      string `json:"gateway,omitempty"`
	Protocol     string `json:"protocol"`
	ExternalPort int    `json:"external_port"`
}

// APIResponse API响应
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}
