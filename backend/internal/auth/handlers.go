package auth

import (
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"chatwiki/backend/internal/store"
)

type credentialsReq struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type refreshReq struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

type Handler struct {
	users  UserRepository
	signer *Signer
}

func NewHandler(users UserRepository, signer *Signer) *Handler {
	return &Handler{users: users, signer: signer}
}

// Register 挂到 /v1/auth 路由组
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/login", h.Login)
	rg.POST("/register", h.SignUp)
	rg.POST("/verify", h.Verify)
	rg.POST("/refresh", h.Refresh)
}

func (h *Handler) Login(c *gin.Context) {
	var req credentialsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "JSON格式错误", "details": err.Error()})
		return
	}

	u, err := h.users.GetByUsername(c.Request.Context(), req.Username)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "用户名或密码错误"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("load user failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取用户失败"})
		return
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "用户名或密码错误"})
		return
	}
	h.issue(c, u.ID, u.Username)
}

func (h *Handler) issue(c *gin.Context, userID uint64, username string) {
	access, _, err := h.signer.SignAccessToken(userID, username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "生成访问令牌失败"})
		return
	}
	refresh, _, err := h.signer.SignRefreshToken(userID, username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "生成刷新令牌失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accessToken":  access,
		"refreshToken": refresh,
		"expiresIn":    int(h.signer.AccessTTL().Seconds()),
		"tokenType":    "Bearer",
		"user":         gin.H{"id": userID, "username": username},
	})
}

func (h *Handler) SignUp(c *gin.Context) {
	var req credentialsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "JSON格式错误"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if n := utf8.RuneCountInString(req.Username); n < 3 || n > 32 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "用户名长度应为 3-32"})
		return
	}
	if len(req.Password) < 6 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "密码至少 6 位"})
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "生成密码哈希失败"})
		return
	}
	id, err := h.users.CreateUser(c.Request.Context(), req.Username, hash)
	if err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "用户名已存在"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("create user failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建用户失败"})
		return
	}
	log.Info().Uint64("user", id).Str("username", req.Username).Msg("user registered")
	c.JSON(http.StatusOK, gin.H{"userId": id})
}

// Verify 正确返回 200 + claims；失败返回 401
func (h *Handler) Verify(c *gin.Context) {
	token := ExtractBearer(c.GetHeader("Authorization"))
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid Authorization header"})
		return
	}
	claims, err := h.signer.ParseToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":   claims.UserID,
		"username": claims.Username,
		"typ":      claims.Type,
		"exp":      claims.ExpiresAt,
	})
}

// Refresh 用刷新令牌换新的访问令牌
func (h *Handler) Refresh(c *gin.Context) {
	var req refreshReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "JSON格式错误", "details": err.Error()})
		return
	}
	claims, err := h.signer.ParseToken(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refreshToken 无效"})
		return
	}
	if claims.Type != TypeRefresh {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refreshToken 类型错误"})
		return
	}
	access, _, err := h.signer.SignAccessToken(claims.UserID, claims.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "更新访问令牌失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accessToken": access,
		"expiresIn":   int(h.signer.AccessTTL().Seconds()),
		"tokenType":   "Bearer",
		"user":        gin.H{"id": claims.UserID, "username": claims.Username},
	})
}

// ExtractBearer 处理 "Bearer" 前缀（大小写不敏感）
func ExtractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
