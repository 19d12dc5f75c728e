package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/speakertune/backend/config"
)

// ConfigHandler 只读返回生效配置，数据库 DSN 与训练进程环境变量不输出
type ConfigHandler struct {
	cfg *config.Config
}

func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

func (h *ConfigHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, h.cfg)
}

func (h *ConfigHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
