package httptransport

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"mailflow/backend/internal/domain"
	"mailflow/backend/internal/service"
	"mailflow/backend/internal/storage"
)

// APIKeyHandler API Key管理处理器
type APIKeyHandler struct {
	apiKeys *service.APIKeyService
}

// NewAPIKeyHandler 创建API Key处理器
func NewAPIKeyHandler(apiKeys *service.APIKeyService) *APIKeyHandler {
	return &APIKeyHandler{
		apiKeys: apiKeys,
	}
}

// createAPIKeyRequest 创建API Key请求
type createAPIKeyRequest struct {
	Name      string `json:"name" binding:"required"` // API Key名称/用途说明
	ExpiresIn string `json:"expiresIn,omitempty"`     // 过期时间（如 "720h" 表示30天）
}

// apiKeyResponse API Key响应
type apiKeyResponse struct {
	ID         string     `json:"id"`
	Key        string     `json:"key,omitempty"` // 明文密钥，仅创建时返回一次
	KeyPrefix  string     `json:"keyPrefix"`
	Name       string     `json:"name"`
	IsActive   bool       `json:"isActive"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

func toAPIKeyResponse(k *domain.APIKey) apiKeyResponse {
	return apiKeyResponse{
		ID:         k.ID,
		KeyPrefix:  k.KeyPrefix,
		Name:       k.Name,
		IsActive:   k.IsActive,
		CreatedAt:  k.CreatedAt,
		ExpiresAt:  k.ExpiresAt,
		LastUsedAt: k.LastUsedAt,
	}
}

// CreateAPIKey godoc
// @Summary 创建API Key
// @Description 创建一个新的API Key，明文密钥只在本次响应中返回
// @Tags APIKeys
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param request body createAPIKeyRequest true "API Key参数"
// @Success 201 {object} apiKeyResponse
// @Failure 400 {object} Response
// @Failure 500 {object} Response
// @Router /api/v1/api-keys [post]
func (h *APIKeyHandler) CreateAPIKey(c *gin.Context) {
	var req createAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	// 解析过期时间
	var expiresIn *time.Duration
	if req.ExpiresIn != "" {
		duration, err := time.ParseDuration(req.ExpiresIn)
		if err != nil {
			BadRequest(c, MsgInvalidExpiresIn)
			return
		}
		expiresIn = &duration
	}

	key, plaintext, err := h.apiKeys.Create(service.CreateAPIKeyInput{
		Name:      req.Name,
		ExpiresIn: expiresIn,
	})
	if err != nil {
		InternalError(c, MsgAPIKeyCreateFailed)
		return
	}

	// 明文密钥只出现在创建响应里，之后无法再次获取
	resp := toAPIKeyResponse(key)
	resp.Key = plaintext

	Created(c, resp)
}

// ListAPIKeys godoc
// @Summary 获取API Key列表
// @Description 返回全部API Key，只展示密钥前缀
// @Tags APIKeys
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} object{items=[]apiKeyResponse,count=int}
// @Failure 500 {object} Response
// @Router /api/v1/api-keys [get]
func (h *APIKeyHandler) ListAPIKeys(c *gin.Context) {
	keys, err := h.apiKeys.List()
	if err != nil {
		InternalError(c, MsgAPIKeyListFailed)
		return
	}

	items := make([]apiKeyResponse, 0, len(keys))
	for _, key := range keys {
		items = append(items, toAPIKeyResponse(key))
	}

	Success(c, gin.H{
		"items": items,
		"count": len(items),
	})
}

// GetAPIKey godoc
// @Summary 获取API Key详情
// @Description 获取指定API Key的详细信息，不含明文密钥
// @Tags APIKeys
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "API Key ID"
// @Success 200 {object} apiKeyResponse
// @Failure 404 {object} Response
// @Router /api/v1/api-keys/{id} [get]
func (h *APIKeyHandler) GetAPIKey(c *gin.Context) {
	key, err := h.apiKeys.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrAPIKeyNotFound) {
			NotFound(c, MsgAPIKeyNotFound)
		} else {
			InternalError(c, MsgInternalError)
		}
		return
	}

	Success(c, toAPIKeyResponse(key))
}

// DeleteAPIKey godoc
// @Summary 删除API Key
// @Description 删除指定的API Key，立即使其失效
// @Tags APIKeys
// @Security ApiKeyAuth
// @Param id path string true "API Key ID"
// @Success 204
// @Failure 404 {object} Response
// @Router /api/v1/api-keys/{id} [delete]
func (h *APIKeyHandler) DeleteAPIKey(c *gin.Context) {
	err := h.apiKeys.Delete(c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrAPIKeyNotFound) {
			NotFound(c, MsgAPIKeyNotFound)
		} else {
			InternalError(c, MsgAPIKeyDeleteFailed)
		}
		return
	}

	NoContent(c)
}
