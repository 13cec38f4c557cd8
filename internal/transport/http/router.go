package httptransport

import (
	"errors"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailflow/backend/internal/config"
	"mailflow/backend/internal/domain"
	"mailflow/backend/internal/health"
	"mailflow/backend/internal/middleware"
	"mailflow/backend/internal/monitoring"
	"mailflow/backend/internal/service"
	"mailflow/backend/internal/storage"
	"mailflow/backend/internal/websocket"
)

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	domains  *service.DomainService
	aliases  *service.AliasService
	rules    *service.RuleService
	messages *service.MessageService
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config         *config.Config
	DomainService  *service.DomainService
	AliasService   *service.AliasService
	RuleService    *service.RuleService
	MessageService *service.MessageService
	APIKeyService  *service.APIKeyService
	WebSocketHub   *websocket.Hub        // 投递事件推送，可为 nil
	Health         *health.HealthChecker // 健康检查端点，可为 nil
	Metrics        *monitoring.Metrics   // Prometheus 指标，可为 nil
	Logger         *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	// 使用自定义中间件替代默认中间件
	router.Use(middleware.RecoveryHandler(deps.Logger, deps.Metrics))
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())

	// 全局请求体大小限制
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))

	if deps.Metrics != nil {
		router.Use(middleware.HTTPMetrics(deps.Metrics))
	}

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	// 创建处理器
	handler := &Handler{
		domains:  deps.DomainService,
		aliases:  deps.AliasService,
		rules:    deps.RuleService,
		messages: deps.MessageService,
	}

	apiKeyHandler := NewAPIKeyHandler(deps.APIKeyService)

	// 创建中间件
	apiKeyAuth := middleware.NewAPIKeyAuth(deps.APIKeyService, deps.Config.Admin.APIKey)

	// 健康检查与指标端点不走认证
	if deps.Health != nil {
		router.GET("/healthz", gin.WrapF(deps.Health.LiveEndpoint()))
		router.GET("/readyz", gin.WrapF(deps.Health.ReadyEndpoint()))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	// V1 API，全部端点要求 API 密钥
	v1 := router.Group("/api/v1")
	v1.Use(apiKeyAuth.RequireAPIKey())
	{
		// ========== Domain Routes ==========
		domainRoutes := v1.Group("/domains")
		{
			domainRoutes.POST("", handler.createDomain)
			domainRoutes.GET("", handler.listDomains)
			domainRoutes.GET("/:id", handler.getDomain)
			domainRoutes.PATCH("/:id", handler.updateDomain)
			domainRoutes.DELETE("/:id", handler.deleteDomain)
			domainRoutes.GET("/:id/dns", handler.getDomainDNS)
			domainRoutes.POST("/:id/dkim/rotate", handler.rotateDKIM)

			// 域名下的别名端点
			domainRoutes.POST("/:id/aliases", handler.createAlias)
			domainRoutes.GET("/:id/aliases", handler.listAliases)
			domainRoutes.GET("/:id/aliases/:aliasId", handler.getAlias)
			domainRoutes.PATCH("/:id/aliases/:aliasId", handler.updateAlias)
			domainRoutes.DELETE("/:id/aliases/:aliasId", handler.deleteAlias)

			// 别名下的转发规则端点
			domainRoutes.POST("/:id/aliases/:aliasId/rules", handler.createRule)
			domainRoutes.GET("/:id/aliases/:aliasId/rules", handler.listRules)
			domainRoutes.GET("/:id/aliases/:aliasId/rules/:ruleId", handler.getRule)
			domainRoutes.PATCH("/:id/aliases/:aliasId/rules/:ruleId", handler.updateRule)
			domainRoutes.DELETE("/:id/aliases/:aliasId/rules/:ruleId", handler.deleteRule)
		}

		// ========== Message Routes ==========
		messageRoutes := v1.Group("/messages")
		{
			messageRoutes.GET("", handler.listMessages)
			messageRoutes.GET("/:id", handler.getMessage)
		}

		// ========== Statistics Routes ==========
		v1.GET("/stats", handler.getStatistics)

		// ========== API Key Routes ==========
		apiKeyRoutes := v1.Group("/api-keys")
		{
			apiKeyRoutes.POST("", apiKeyHandler.CreateAPIKey)
			apiKeyRoutes.GET("", apiKeyHandler.ListAPIKeys)
			apiKeyRoutes.GET("/:id", apiKeyHandler.GetAPIKey)
			apiKeyRoutes.DELETE("/:id", apiKeyHandler.DeleteAPIKey)
		}

		// ========== WebSocket Routes ==========
		if deps.WebSocketHub != nil {
			v1.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub))
		}
	}

	return router
}

// ========== Domain Handlers ==========

type createDomainRequest struct {
	Name            string `json:"name" binding:"required"` // 完整域名，如 example.com
	DKIMSelector    string `json:"dkimSelector,omitempty"`  // 留空时使用 default
	CatchAllEmail   string `json:"catchAllEmail,omitempty"`
	NotifyEmail     string `json:"notifyEmail,omitempty"`
	NotifyOnFailure bool   `json:"notifyOnFailure,omitempty"`
	WebhookURL      string `json:"webhookUrl,omitempty"`
}

type updateDomainRequest struct {
	DKIMSelector    *string `json:"dkimSelector"`
	CatchAllEmail   *string `json:"catchAllEmail"`
	NotifyEmail     *string `json:"notifyEmail"`
	NotifyOnFailure *bool   `json:"notifyOnFailure"`
	WebhookURL      *string `json:"webhookUrl"`
}

type domainResponse struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	DKIMSelector    string    `json:"dkimSelector"`
	HasDKIM         bool      `json:"hasDkim"`
	CatchAllEmail   string    `json:"catchAllEmail,omitempty"`
	NotifyEmail     string    `json:"notifyEmail,omitempty"`
	NotifyOnFailure bool      `json:"notifyOnFailure"`
	WebhookURL      string    `json:"webhookUrl,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type domainListResponse struct {
	Items []domainResponse `json:"items"`
	Count int              `json:"count"`
}

func toDomainResponse(d *domain.Domain) domainResponse {
	return domainResponse{
		ID:              d.ID,
		Name:            d.Name,
		DKIMSelector:    d.DKIMSelector,
		HasDKIM:         d.HasDKIM(),
		CatchAllEmail:   d.CatchAllEmail,
		NotifyEmail:     d.NotifyEmail,
		NotifyOnFailure: d.NotifyOnFailure,
		WebhookURL:      d.WebhookURL,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

// createDomain godoc
// @Summary 创建托管域名
// @Description 注册一个接收转发邮件的域名，同时生成该域名的 DKIM 签名密钥
// @Tags Domains
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param request body createDomainRequest true "域名参数"
// @Success 201 {object} domainResponse
// @Failure 400 {object} Response
// @Failure 409 {object} Response
// @Router /api/v1/domains [post]
func (h *Handler) createDomain(c *gin.Context) {
	var req createDomainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	d, err := h.domains.Create(service.CreateDomainInput{
		Name:            req.Name,
		DKIMSelector:    req.DKIMSelector,
		CatchAllEmail:   req.CatchAllEmail,
		NotifyEmail:     req.NotifyEmail,
		NotifyOnFailure: req.NotifyOnFailure,
		WebhookURL:      req.WebhookURL,
	})
	if err != nil {
		if errors.Is(err, storage.ErrDomainExists) {
			Conflict(c, GetErrorMessage(err))
		} else {
			BadRequest(c, err.Error())
		}
		return
	}

	Created(c, toDomainResponse(d))
}

// listDomains godoc
// @Summary 获取域名列表
// @Description 返回全部托管域名
// @Tags Domains
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} domainListResponse
// @Router /api/v1/domains [get]
func (h *Handler) listDomains(c *gin.Context) {
	domains, err := h.domains.List()
	if err != nil {
		InternalError(c, MsgDomainListFailed)
		return
	}

	items := make([]domainResponse, 0, len(domains))
	for _, d := range domains {
		items = append(items, toDomainResponse(d))
	}

	Success(c, domainListResponse{
		Items: items,
		Count: len(items),
	})
}

// getDomain godoc
// @Summary 获取域名详情
// @Description 根据域名 ID 查看详细信息
// @Tags Domains
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "域名ID"
// @Success 200 {object} domainResponse
// @Failure 404 {object} Response
// @Router /api/v1/domains/{id} [get]
func (h *Handler) getDomain(c *gin.Context) {
	d, err := h.domains.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrDomainNotFound) {
			NotFound(c, GetErrorMessage(err))
		} else {
			InternalError(c, MsgInternalError)
		}
		return
	}

	Success(c, toDomainResponse(d))
}

// updateDomain godoc
// @Summary 更新域名配置
// @Description 更新兜底地址、失败通知或 DKIM 选择器，未提供的字段保持不变
// @Tags Domains
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "域名ID"
// @Param request body updateDomainRequest true "更新参数"
// @Success 200 {object} domainResponse
// @Failure 400 {object} Response
// @Failure 404 {object} Response
// @Router /api/v1/domains/{id} [patch]
func (h *Handler) updateDomain(c *gin.Context) {
	var req updateDomainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	d, err := h.domains.Update(c.Param("id"), service.UpdateDomainInput{
		CatchAllEmail:   req.CatchAllEmail,
		NotifyEmail:     req.NotifyEmail,
		NotifyOnFailure: req.NotifyOnFailure,
		WebhookURL:      req.WebhookURL,
		DKIMSelector:    req.DKIMSelector,
	})
	if err != nil {
		if errors.Is(err, storage.ErrDomainNotFound) {
			NotFound(c, GetErrorMessage(err))
		} else {
			BadRequest(c, err.Error())
		}
		return
	}

	Success(c, toDomainResponse(d))
}

// deleteDomain godoc
// @Summary 删除托管域名
// @Description 删除域名后，该域名下的邮件一律拒收
// @Tags Domains
// @Security ApiKeyAuth
// @Param id path string true "域名ID"
// @Success 204
// @Failure 404 {object} Response
// @Router /api/v1/domains/{id} [delete]
func (h *Handler) deleteDomain(c *gin.Context) {
	err := h.domains.Delete(c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrDomainNotFound) {
			NotFound(c, GetErrorMessage(err))
		} else {
			InternalError(c, MsgDomainDeleteFailed)
		}
		return
	}

	NoContent(c)
}

// getDomainDNS godoc
// @Summary 获取域名 DNS 配置
// @Description 返回让该域名正常收信所需的 MX、SPF 和 DKIM 记录
// @Tags Domains
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "域名ID"
// @Success 200 {object} Response
// @Failure 404 {object} Response
// @Router /api/v1/domains/{id}/dns [get]
func (h *Handler) getDomainDNS(c *gin.Context) {
	records, err := h.domains.DNSRecords(c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrDomainNotFound) {
			NotFound(c, GetErrorMessage(err))
		} else {
			InternalError(c, MsgDNSRecordsFailed)
		}
		return
	}

	Success(c, gin.H{"records": records})
}

// rotateDKIM godoc
// @Summary 轮换 DKIM 签名密钥
// @Description 生成新的 DKIM 密钥并替换旧密钥，需同步更新 DNS TXT 记录
// @Tags Domains
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "域名ID"
// @Success 200 {object} domainResponse
// @Failure 404 {object} Response
// @Router /api/v1/domains/{id}/dkim/rotate [post]
func (h *Handler) rotateDKIM(c *gin.Context) {
	d, err := h.domains.RotateDKIMKey(c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrDomainNotFound) {
			NotFound(c, GetErrorMessage(err))
		} else {
			InternalError(c, MsgDKIMRotateFailed)
		}
		return
	}

	Success(c, toDomainResponse(d))
}

// ========== Alias Handlers ==========

type createAliasRequest struct {
	LocalPart string   `json:"localPart" binding:"required"` // @ 前面的部分
	Targets   []string `json:"targets" binding:"required"`   // 转发目标地址
	ExpiresIn string   `json:"expiresIn,omitempty"`          // 过期时长（如 "720h" 表示30天）
}

type updateAliasRequest struct {
	Targets     []string `json:"targets"` // nil 表示保持不变
	ExpiresIn   string   `json:"expiresIn,omitempty"`
	ClearExpiry bool     `json:"clearExpiry,omitempty"`
}

type aliasResponse struct {
	ID        string     `json:"id"`
	DomainID  string     `json:"domainId"`
	LocalPart string     `json:"localPart"`
	Targets   []string   `json:"targets"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

type aliasListResponse struct {
	Items []aliasResponse `json:"items"`
	Count int             `json:"count"`
}

func toAliasResponse(a *domain.Alias) aliasResponse {
	return aliasResponse{
		ID:        a.ID,
		DomainID:  a.DomainID,
		LocalPart: a.LocalPart,
		Targets:   domain.SplitTargets(a.Targets),
		ExpiresAt: a.ExpiresAt,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

// aliasInDomain 校验路径中的别名属于路径中的域名，不属于时按不存在处理。
func (h *Handler) aliasInDomain(c *gin.Context) (*domain.Alias, bool) {
	alias, err := h.aliases.Get(c.Param("aliasId"))
	if err != nil {
		if errors.Is(err, storage.ErrAliasNotFound) {
			NotFound(c, GetErrorMessage(err))
		} else {
			InternalError(c, MsgInternalError)
		}
		return nil, false
	}
	if alias.DomainID != c.Param("id") {
		NotFound(c, MsgAliasNotFound)
		return nil, false
	}
	return alias, true
}

// createAlias godoc
// @Summary 创建转发别名
// @Description 在域名下创建别名，发往该别名的邮件转发到目标地址
// @Tags Aliases
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "域名ID"
// @Param request body createAliasRequest true "别名参数"
// @Success 201 {object} aliasResponse
// @Failure 400 {object} Response
// @Failure 404 {object} Response
// @Failure 409 {object} Response
// @Router /api/v1/domains/{id}/aliases [post]
func (h *Handler) createAlias(c *gin.Context) {
	var req createAliasRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	var expiresAt *time.Time
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil {
			BadRequest(c, MsgInvalidExpiresIn)
			return
		}
		t := time.Now().UTC().Add(d)
		expiresAt = &t
	}

	alias, err := h.aliases.Create(service.CreateAliasInput{
		DomainID:  c.Param("id"),
		LocalPart: req.LocalPart,
		Targets:   req.Targets,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrDomainNotFound):
			NotFound(c, GetErrorMessage(err))
		case errors.Is(err, storage.ErrAliasExists):
			Conflict(c, GetErrorMessage(err))
		default:
			BadRequest(c, err.Error())
		}
		return
	}

	Created(c, toAliasResponse(alias))
}

// listAliases godoc
// @Summary 获取别名列表
// @Description 返回域名下的全部转发别名
// @Tags Aliases
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "域名ID"
// @Success 200 {object} aliasListResponse
// @Failure 404 {object} Response
// @Router /api/v1/domains/{id}/aliases [get]
func (h *Handler) listAliases(c *gin.Context) {
	aliases, err := h.aliases.ListByDomain(c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrDomainNotFound) {
			NotFound(c, GetErrorMessage(err))
		} else {
			InternalError(c, MsgAliasListFailed)
		}
		return
	}

	items := make([]aliasResponse, 0, len(aliases))
	for _, a := range aliases {
		items = append(items, toAliasResponse(a))
	}

	Success(c, aliasListResponse{
		Items: items,
		Count: len(items),
	})
}

// getAlias godoc
// @Summary 获取别名详情
// @Description 根据别名 ID 查看详细信息
// @Tags Aliases
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "域名ID"
// @Param aliasId path string true "别名ID"
// @Success 200 {object} aliasResponse
// @Failure 404 {object} Response
// @Router /api/v1/domains/{id}/aliases/{aliasId} [get]
func (h *Handler) getAlias(c *gin.Context) {
	alias, ok := h.aliasInDomain(c)
	if !ok {
		return
	}

	Success(c, toAliasResponse(alias))
}

// updateAlias godoc
// @Summary 更新别名
// @Description 更新别名的转发目标或过期时间，未提供的字段保持不变
// @Tags Aliases
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "域名ID"
// @Param aliasId path string true "别名ID"
// @Param request body updateAliasRequest true "更新参数"
// @Success 200 {object} aliasResponse
// @Failure 400 {object} Response
// @Failure 404 {object} Response
// @Router /api/v1/domains/{id}/aliases/{aliasId} [patch]
func (h *Handler) updateAlias(c *gin.Context) {
	var req updateAliasRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	input := service.UpdateAliasInput{
		Targets:     req.Targets,
		ClearExpiry: req.ClearExpiry,
	}
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil {
			BadRequest(c, MsgInvalidExpiresIn)
			return
		}
		t := time.Now().UTC().Add(d)
		input.ExpiresAt = &t
	}

	alias, err := h.aliases.Update(c.Param("id"), c.Param("aliasId"), input)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrDomainNotFound),
			errors.Is(err, storage.ErrAliasNotFound),
			errors.Is(err, service.ErrAliasOwnership):
			NotFound(c, GetErrorMessage(err))
		default:
			BadRequest(c, err.Error())
		}
		return
	}

	Success(c, toAliasResponse(alias))
}

// deleteAlias godoc
// @Summary 删除别名
// @Description 删除后发往该别名的邮件按无路由拒收
// @Tags Aliases
// @Security ApiKeyAuth
// @Param id path string true "域名ID"
// @Param aliasId path string true "别名ID"
// @Success 204
// @Failure 404 {object} Response
// @Router /api/v1/domains/{id}/aliases/{aliasId} [delete]
func (h *Handler) deleteAlias(c *gin.Context) {
	err := h.aliases.Delete(c.Param("id"), c.Param("aliasId"))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrAliasNotFound),
			errors.Is(err, service.ErrAliasOwnership):
			NotFound(c, GetErrorMessage(err))
		default:
			InternalError(c, MsgAliasDeleteFailed)
		}
		return
	}

	NoContent(c)
}

// ========== Rule Handlers ==========

type createRuleRequest struct {
	Priority       int    `json:"priority"` // 数值越小越先评估
	ConditionType  string `json:"conditionType" binding:"required"`
	ConditionValue string `json:"conditionValue"`
	ActionType     string `json:"actionType" binding:"required"`
	ActionValue    string `json:"actionValue,omitempty"` // REDIRECT 的目标地址列表，逗号分隔
}

type updateRuleRequest struct {
	Priority       *int    `json:"priority"`
	ConditionType  *string `json:"conditionType"`
	ConditionValue *string `json:"conditionValue"`
	ActionType     *string `json:"actionType"`
	ActionValue    *string `json:"actionValue"`
	IsActive       *bool   `json:"isActive"`
}

type ruleResponse struct {
	ID             string    `json:"id"`
	AliasID        string    `json:"aliasId"`
	Priority       int       `json:"priority"`
	ConditionType  string    `json:"conditionType"`
	ConditionValue string    `json:"conditionValue"`
	ActionType     string    `json:"actionType"`
	ActionValue    string    `json:"actionValue,omitempty"`
	IsActive       bool      `json:"isActive"`
	MatchCount     int64     `json:"matchCount"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type ruleListResponse struct {
	Items []ruleResponse `json:"items"`
	Count int            `json:"count"`
}

func toRuleResponse(r *domain.ForwardingRule) ruleResponse {
	return ruleResponse{
		ID:             r.ID,
		AliasID:        r.AliasID,
		Priority:       r.Priority,
		ConditionType:  string(r.ConditionType),
		ConditionValue: r.ConditionValue,
		ActionType:     string(r.ActionType),
		ActionValue:    r.ActionValue,
		IsActive:       r.IsActive,
		MatchCount:     r.MatchCount,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

// createRule godoc
// @Summary 创建转发规则
// @Description 在别名上创建一条转发规则，按优先级参与邮件路由决策
// @Tags Rules
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "域名ID"
// @Param aliasId path string true "别名ID"
// @Param request body createRuleRequest true "规则参数"
// @Success 201 {object} ruleResponse
// @Failure 400 {object} Response
// @Failure 404 {object} Response
// @Router /api/v1/domains/{id}/aliases/{aliasId}/rules [post]
func (h *Handler) createRule(c *gin.Context) {
	alias, ok := h.aliasInDomain(c)
	if !ok {
		return
	}

	var req createRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	rule, err := h.rules.Create(service.CreateRuleInput{
		AliasID:        alias.ID,
		Priority:       req.Priority,
		ConditionType:  req.ConditionType,
		ConditionValue: req.ConditionValue,
		ActionType:     req.ActionType,
		ActionValue:    req.ActionValue,
	})
	if err != nil {
		BadRequest(c, err.Error())
		return
	}

	Created(c, toRuleResponse(rule))
}

// listRules godoc
// @Summary 获取规则列表
// @Description 返回别名下的全部转发规则，含已停用的
// @Tags Rules
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "域名ID"
// @Param aliasId path string true "别名ID"
// @Success 200 {object} ruleListResponse
// @Failure 404 {object} Response
// @Router /api/v1/domains/{id}/aliases/{aliasId}/rules [get]
func (h *Handler) listRules(c *gin.Context) {
	alias, ok := h.aliasInDomain(c)
	if !ok {
		return
	}

	rules, err := h.rules.ListByAlias(alias.ID)
	if err != nil {
		InternalError(c, MsgRuleListFailed)
		return
	}

	items := make([]ruleResponse, 0, len(rules))
	for _, r := range rules {
		items = append(items, toRuleResponse(r))
	}

	Success(c, ruleListResponse{
		Items: items,
		Count: len(items),
	})
}

// getRule godoc
// @Summary 获取规则详情
// @Description 根据规则 ID 查看详细信息
// @Tags Rules
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "域名ID"
// @Param aliasId path string true "别名ID"
// @Param ruleId path string true "规则ID"
// @Success 200 {object} ruleResponse
// @Failure 404 {object} Response
// @Router /api/v1/domains/{id}/aliases/{aliasId}/rules/{ruleId} [get]
func (h *Handler) getRule(c *gin.Context) {
	alias, ok := h.aliasInDomain(c)
	if !ok {
		return
	}

	rule, err := h.rules.Get(c.Param("ruleId"))
	if err != nil {
		if errors.Is(err, storage.ErrRuleNotFound) {
			NotFound(c, GetErrorMessage(err))
		} else {
			InternalError(c, MsgInternalError)
		}
		return
	}
	if rule.AliasID != alias.ID {
		NotFound(c, MsgRuleNotFound)
		return
	}

	Success(c, toRuleResponse(rule))
}

// updateRule godoc
// @Summary 更新转发规则
// @Description 更新规则的条件、动作、优先级或启停状态，未提供的字段保持不变
// @Tags Rules
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "域名ID"
// @Param aliasId path string true "别名ID"
// @Param ruleId path string true "规则ID"
// @Param request body updateRuleRequest true "更新参数"
// @Success 200 {object} ruleResponse
// @Failure 400 {object} Response
// @Failure 404 {object} Response
// @Router /api/v1/domains/{id}/aliases/{aliasId}/rules/{ruleId} [patch]
func (h *Handler) updateRule(c *gin.Context) {
	alias, ok := h.aliasInDomain(c)
	if !ok {
		return
	}

	var req updateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	rule, err := h.rules.Update(alias.ID, c.Param("ruleId"), service.UpdateRuleInput{
		Priority:       req.Priority,
		ConditionType:  req.ConditionType,
		ConditionValue: req.ConditionValue,
		ActionType:     req.ActionType,
		ActionValue:    req.ActionValue,
		IsActive:       req.IsActive,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrRuleNotFound),
			errors.Is(err, service.ErrRuleOwnership):
			NotFound(c, GetErrorMessage(err))
		default:
			BadRequest(c, err.Error())
		}
		return
	}

	Success(c, toRuleResponse(rule))
}

// deleteRule godoc
// @Summary 删除转发规则
// @Description 删除后该规则立即停止参与路由决策
// @Tags Rules
// @Security ApiKeyAuth
// @Param id path string true "域名ID"
// @Param aliasId path string true "别名ID"
// @Param ruleId path string true "规则ID"
// @Success 204
// @Failure 404 {object} Response
// @Router /api/v1/domains/{id}/aliases/{aliasId}/rules/{ruleId} [delete]
func (h *Handler) deleteRule(c *gin.Context) {
	alias, ok := h.aliasInDomain(c)
	if !ok {
		return
	}

	err := h.rules.Delete(alias.ID, c.Param("ruleId"))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrRuleNotFound),
			errors.Is(err, service.ErrRuleOwnership):
			NotFound(c, GetErrorMessage(err))
		default:
			InternalError(c, MsgRuleDeleteFailed)
		}
		return
	}

	NoContent(c)
}

// ========== Message Handlers ==========

type listMessagesQuery struct {
	DomainID  string `form:"domainId"`
	Status    string `form:"status"`
	Sender    string `form:"sender"`
	Recipient string `form:"recipient"`
	StartDate string `form:"startDate"` // RFC3339
	EndDate   string `form:"endDate"`   // RFC3339
	Page      int    `form:"page"`
	PageSize  int    `form:"pageSize"`
}

// listMessages godoc
// @Summary 获取投递记录列表
// @Description 分页查询投递记录，支持按域名、状态、收发件人和时间范围过滤
// @Tags Messages
// @Produce json
// @Security ApiKeyAuth
// @Param domainId query string false "按域名ID过滤"
// @Param status query string false "按状态过滤（PENDING/PROCESSING/DELIVERED/FAILED/BOUNCED/REJECTED）"
// @Param sender query string false "按发件人过滤"
// @Param recipient query string false "按收件人过滤"
// @Param startDate query string false "起始时间（RFC3339）"
// @Param endDate query string false "结束时间（RFC3339）"
// @Param page query int false "页码，从 1 开始"
// @Param pageSize query int false "每页条数，默认 20，最大 100"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Router /api/v1/messages [get]
func (h *Handler) listMessages(c *gin.Context) {
	var q listMessagesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	filter := domain.MessageFilter{
		DomainID:  q.DomainID,
		Sender:    q.Sender,
		Recipient: q.Recipient,
		Page:      q.Page,
		PageSize:  q.PageSize,
	}

	if q.Status != "" {
		status, err := domain.ParseMessageStatus(q.Status)
		if err != nil {
			BadRequest(c, err.Error())
			return
		}
		filter.Status = &status
	}
	if q.StartDate != "" {
		t, err := time.Parse(time.RFC3339, q.StartDate)
		if err != nil {
			BadRequest(c, MsgInvalidDate)
			return
		}
		filter.StartDate = &t
	}
	if q.EndDate != "" {
		t, err := time.Parse(time.RFC3339, q.EndDate)
		if err != nil {
			BadRequest(c, MsgInvalidDate)
			return
		}
		filter.EndDate = &t
	}

	list, err := h.messages.List(filter)
	if err != nil {
		InternalError(c, MsgMessageListFailed)
		return
	}

	Success(c, list)
}

// getMessage godoc
// @Summary 获取投递详情
// @Description 根据记录 ID 查看单条投递记录
// @Tags Messages
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "记录ID"
// @Success 200 {object} Response
// @Failure 404 {object} Response
// @Router /api/v1/messages/{id} [get]
func (h *Handler) getMessage(c *gin.Context) {
	m, err := h.messages.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			NotFound(c, GetErrorMessage(err))
		} else {
			InternalError(c, MsgMessageGetFailed)
		}
		return
	}

	Success(c, m)
}

// getStatistics godoc
// @Summary 获取投递统计
// @Description 返回域名、别名、投递记录的汇总统计
// @Tags Statistics
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} Response
// @Router /api/v1/stats [get]
func (h *Handler) getStatistics(c *gin.Context) {
	stats, err := h.messages.Statistics()
	if err != nil {
		InternalError(c, MsgStatisticsFailed)
		return
	}

	Success(c, stats)
}
