// Package account serves local registration, login and logout. Users that
// authenticate through OIDC never touch these routes except /v1/auth/me.
package account

import (
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	registryroute "github.com/chirino/chat-service/internal/registry/route"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 8

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "account",
		Order: 10,
		API: func(r *gin.Engine, svc *registryroute.Services) error {
			MountRoutes(r, svc.Store, svc.Config, svc.Sessions, svc.Auth)
			return nil
		},
	})
}

// MountRoutes mounts the /v1/auth routes on the given router.
func MountRoutes(r *gin.Engine, store registrystore.ChatStore, cfg *config.Config, sessions *security.Sessions, auth gin.HandlerFunc) {
	h := &handlers{store: store, cfg: cfg, sessions: sessions}
	g := r.Group("/v1/auth")
	g.POST("/register", h.register)
	g.POST("/login", h.login)
	g.POST("/logout", h.logout)
	g.GET("/me", auth, h.me)
}

type handlers struct {
	store    registrystore.ChatStore
	cfg      *config.Config
	sessions *security.Sessions
}

type registerRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *handlers) register(c *gin.Context) {
	if h.sessions == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "local accounts are not enabled"})
		return
	}
	if !h.cfg.AllowRegister {
		c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": "registration is disabled"})
		return
	}
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	email := strings.TrimSpace(req.Email)
	if !strings.Contains(email, "@") {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "a valid email is required", "field": "email"})
		return
	}
	if len(req.Password) < minPasswordLength {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "password must be at least 8 characters", "field": "password"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), h.cfg.PasswordCost)
	if err != nil {
		log.Error("Failed to hash password", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	user, err := h.store.CreateUser(c.Request.Context(), model.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		FirstName:    strings.TrimSpace(req.FirstName),
		LastName:     strings.TrimSpace(req.LastName),
	})
	if err != nil {
		handleError(c, err)
		return
	}
	log.Info("User registered", "userId", user.ID)
	h.startSession(c, http.StatusCreated, user)
}

func (h *handlers) login(c *gin.Context) {
	if h.sessions == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "local accounts are not enabled"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.store.GetUserByEmail(c.Request.Context(), req.Email)
	if registrystore.IsNotFound(err) {
		invalidCredentials(c)
		return
	}
	if err != nil {
		handleError(c, err)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		invalidCredentials(c)
		return
	}
	h.startSession(c, http.StatusOK, user)
}

func (h *handlers) logout(c *gin.Context) {
	security.ClearSessionCookie(c, h.cfg)
	c.Status(http.StatusNoContent)
}

func (h *handlers) me(c *gin.Context) {
	userID := security.GetUserID(c)
	user, err := h.store.GetUser(c.Request.Context(), userID)
	if registrystore.IsNotFound(err) {
		// Identities from an external provider have no local profile.
		c.JSON(http.StatusOK, gin.H{"id": userID})
		return
	}
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *handlers) startSession(c *gin.Context, status int, user *model.User) {
	token, expiresAt, err := h.sessions.Issue(user.ID)
	if err != nil {
		log.Error("Failed to issue session", "userId", user.ID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	security.SetSessionCookie(c, h.cfg, token, expiresAt)
	c.JSON(status, gin.H{"user": user, "token": token, "expiresAt": expiresAt})
}

func invalidCredentials(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_credentials", "error": "invalid email or password"})
}

func handleError(c *gin.Context, err error) {
	var validation *registrystore.ValidationError
	var conflict *registrystore.ConflictError

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"code": conflict.Code, "error": err.Error()})
	default:
		log.Error("Account request failed", "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
