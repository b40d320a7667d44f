// Package apihandler 暴露编排器的管理HTTP API。
package apihandler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/hewenyu/fleet-orchestrator/internal/config"
	"github.com/hewenyu/fleet-orchestrator/internal/orchestrator"
	"github.com/hewenyu/fleet-orchestrator/pkg/model"
)

// Handler 定义API处理器接口
type Handler interface {
	// Start 启动管理API服务
	Start() error

	// Shutdown 优雅关闭API服务
	Shutdown(ctx context.Context) error
}

// EchoHandler 实现Handler接口
type EchoHandler struct {
	server *echo.Echo
	cfg    *config.Config
	logger config.Logger
	orch   *orchestrator.Orchestrator
}

// NewAPIHandler 创建一个新的API处理器
func NewAPIHandler(cfg *config.Config, logger config.Logger, orch *orchestrator.Orchestrator) *EchoHandler {
	return &EchoHandler{
		cfg:    cfg,
		logger: logger,
		orch:   orch,
	}
}

// Start 启动管理API服务
func (h *EchoHandler) Start() error {
	h.logger.Info("启动管理API服务",
		zap.String("address", h.cfg.API.ListenAddress),
		zap.Int("port", h.cfg.API.Port))

	// 创建Echo实例
	h.server = echo.New()
	h.server.HideBanner = true

	// 添加中间件
	h.server.Use(middleware.Recover())
	h.server.Use(middleware.Logger())

	// 添加CORS中间件
	h.server.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	// 注册路由
	h.registerRoutes()

	// 启动服务（非阻塞）
	go func() {
		addr := fmt.Sprintf("%s:%d", h.cfg.API.ListenAddress, h.cfg.API.Port)
		if err := h.server.Start(addr); err != nil && err != http.ErrServerClosed {
			h.logger.Error("管理API服务启动失败", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown 优雅关闭API服务
func (h *EchoHandler) Shutdown(ctx context.Context) error {
	h.logger.Info("正在关闭管理API服务...")
	if h.server != nil {
		if err := h.server.Shutdown(ctx); err != nil {
			h.logger.Error("关闭管理API服务出错", zap.Error(err))
			return err
		}
	}
	return nil
}

// registerRoutes 注册管理API路由
func (h *EchoHandler) registerRoutes() {
	// 健康检查端点
	h.server.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
			"service":   "fleet-orchestrator-api",
		})
	})

	// 服务管理端点
	h.server.POST("/services", h.registerServiceHandler)
	h.server.GET("/services", h.listServicesHandler)
	h.server.GET("/services/:serviceId", h.getServiceHandler)
	h.server.DELETE("/services/:serviceId", h.deregisterServiceHandler)
	h.server.GET("/services/:serviceId/instances", h.listInstancesHandler)
	h.server.GET("/services/:serviceId/health", h.getHealthHandler)
	h.server.GET("/services/:serviceId/metrics", h.getMetricsHandler)
	h.server.GET("/services/:serviceId/circuit", h.getCircuitHandler)
	h.server.POST("/services/:serviceId/scale", h.scaleHandler)

	// 部署端点
	h.server.POST("/services/:serviceId/deploy", h.deployHandler)
	h.server.GET("/services/:serviceId/deployments", h.listDeploymentsHandler)
	h.server.GET("/deployments/:deploymentId", h.getDeploymentHandler)
	h.server.POST("/deployments/:deploymentId/rollback", h.rollbackHandler)

	// 服务发现端点
	h.server.GET("/discovery/:serviceName", h.resolveHandler)
}

// respondOK 返回成功响应
func respondOK(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, &model.ApiResponse{
		Code:    0,
		Message: "ok",
		Data:    data,
	})
}

// respondError 按错误代码映射HTTP状态码
func (h *EchoHandler) respondError(c echo.Context, err error) error {
	code := model.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case model.ErrNotFound:
		status = http.StatusNotFound
	case model.ErrInvalidArgument:
		status = http.StatusBadRequest
	case model.ErrDeploymentConflict:
		status = http.StatusConflict
	case model.ErrCircuitOpen:
		status = http.StatusServiceUnavailable
	case model.ErrHealthCheckTimeout:
		status = http.StatusGatewayTimeout
	case model.ErrProvisioningFailure:
		status = http.StatusBadGateway
	}
	return c.JSON(status, &model.ApiResponse{
		Code:    code,
		Message: err.Error(),
	})
}

// registerServiceHandler 处理服务注册请求
func (h *EchoHandler) registerServiceHandler(c echo.Context) error {
	req := new(model.ServiceRegistrationRequest)
	if err := c.Bind(req); err != nil {
		h.logger.Error("解析服务注册请求失败", zap.Error(err))
		return h.respondError(c, model.NewInvalidArgumentError("请求格式错误: "+err.Error()))
	}

	svc, err := h.orch.RegisterService(c.Request().Context(), *req)
	if err != nil {
		h.logger.Error("注册服务失败", zap.String("name", req.Name), zap.Error(err))
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusCreated, &model.ApiResponse{
		Code:    0,
		Message: "服务注册成功",
		Data:    svc,
	})
}

// listServicesHandler 获取服务列表
func (h *EchoHandler) listServicesHandler(c echo.Context) error {
	services, err := h.orch.ListServices(c.Request().Context())
	if err != nil {
		return h.respondError(c, err)
	}
	return respondOK(c, services)
}

// getServiceHandler 获取服务详情
func (h *EchoHandler) getServiceHandler(c echo.Context) error {
	svc, err := h.orch.GetService(c.Request().Context(), c.Param("serviceId"))
	if err != nil {
		return h.respondError(c, err)
	}
	return respondOK(c, svc)
}

// deregisterServiceHandler 注销服务
func (h *EchoHandler) deregisterServiceHandler(c echo.Context) error {
	serviceID := c.Param("serviceId")
	if err := h.orch.DeregisterService(c.Request().Context(), serviceID); err != nil {
		h.logger.Error("注销服务失败", zap.String("service_id", serviceID), zap.Error(err))
		return h.respondError(c, err)
	}
	return respondOK(c, nil)
}

// listInstancesHandler 获取服务实例列表
func (h *EchoHandler) listInstancesHandler(c echo.Context) error {
	instances, err := h.orch.ListInstances(c.Request().Context(), c.Param("serviceId"))
	if err != nil {
		return h.respondError(c, err)
	}
	return respondOK(c, instances)
}

// getHealthHandler 获取服务健康报告
func (h *EchoHandler) getHealthHandler(c echo.Context) error {
	report, err := h.orch.GetHealth(c.Request().Context(), c.Param("serviceId"))
	if err != nil {
		return h.respondError(c, err)
	}
	return respondOK(c, report)
}

// getMetricsHandler 获取服务指标报告
func (h *EchoHandler) getMetricsHandler(c echo.Context) error {
	report, err := h.orch.GetMetrics(c.Request().Context(), c.Param("serviceId"))
	if err != nil {
		return h.respondError(c, err)
	}
	return respondOK(c, report)
}

// getCircuitHandler 获取服务熔断器状态
func (h *EchoHandler) getCircuitHandler(c echo.Context) error {
	serviceID := c.Param("serviceId")
	if _, err := h.orch.GetService(c.Request().Context(), serviceID); err != nil {
		return h.respondError(c, err)
	}
	return respondOK(c, map[string]string{
		"service_id": serviceID,
		"state":      string(h.orch.CircuitState(serviceID)),
	})
}

// scaleHandler 手动伸缩服务
func (h *EchoHandler) scaleHandler(c echo.Context) error {
	req := new(model.ScaleRequest)
	if err := c.Bind(req); err != nil {
		return h.respondError(c, model.NewInvalidArgumentError("请求格式错误: "+err.Error()))
	}
	serviceID := c.Param("serviceId")
	if err := h.orch.Scale(c.Request().Context(), serviceID, req.Replicas); err != nil {
		h.logger.Error("手动伸缩失败", zap.String("service_id", serviceID), zap.Error(err))
		return h.respondError(c, err)
	}
	return respondOK(c, map[string]interface{}{
		"service_id": serviceID,
		"replicas":   req.Replicas,
	})
}

// deployHandler 发起部署
func (h *EchoHandler) deployHandler(c echo.Context) error {
	req := new(model.DeployRequest)
	if err := c.Bind(req); err != nil {
		return h.respondError(c, model.NewInvalidArgumentError("请求格式错误: "+err.Error()))
	}
	serviceID := c.Param("serviceId")
	deploymentID, err := h.orch.Deploy(c.Request().Context(), serviceID, *req)
	if err != nil {
		h.logger.Error("发起部署失败", zap.String("service_id", serviceID), zap.Error(err))
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, &model.ApiResponse{
		Code:    0,
		Message: "部署已入队",
		Data:    map[string]string{"deployment_id": deploymentID},
	})
}

// listDeploymentsHandler 获取服务的部署历史
func (h *EchoHandler) listDeploymentsHandler(c echo.Context) error {
	deployments, err := h.orch.ListDeployments(c.Request().Context(), c.Param("serviceId"))
	if err != nil {
		return h.respondError(c, err)
	}
	return respondOK(c, deployments)
}

// getDeploymentHandler 获取部署详情
func (h *EchoHandler) getDeploymentHandler(c echo.Context) error {
	d, err := h.orch.GetDeployment(c.Request().Context(), c.Param("deploymentId"))
	if err != nil {
		return h.respondError(c, err)
	}
	return respondOK(c, d)
}

// rollbackHandler 回滚部署
func (h *EchoHandler) rollbackHandler(c echo.Context) error {
	deploymentID := c.Param("deploymentId")
	if err := h.orch.Rollback(c.Request().Context(), deploymentID); err != nil {
		h.logger.Error("回滚失败", zap.String("deployment_id", deploymentID), zap.Error(err))
		return h.respondError(c, err)
	}
	return respondOK(c, map[string]string{"deployment_id": deploymentID})
}

// resolveHandler 按名称解析服务端点
func (h *EchoHandler) resolveHandler(c echo.Context) error {
	endpoints, err := h.orch.Resolve(c.Request().Context(), c.Param("serviceName"))
	if err != nil {
		return h.respondError(c, err)
	}
	return respondOK(c, endpoints)
}
