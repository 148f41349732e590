package chats

import (
	"context"
	"errors"
	"net/http"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/memory"
	registryroute "github.com/chirino/chat-service/internal/registry/route"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const maxTitleLength = 500

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "chats",
		Order: 20,
		API: func(r *gin.Engine, svc *registryroute.Services) error {
			MountRoutes(r, svc.Store, svc.Memory, svc.Auth)
			return nil
		},
	})
}

// MountRoutes mounts chat routes on the given router.
func MountRoutes(r *gin.Engine, store registrystore.ChatStore, mem *memory.Index, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.GET("/chats", func(c *gin.Context) {
		listChats(c, store)
	})
	g.POST("/chats", func(c *gin.Context) {
		createChat(c, store)
	})
	g.GET("/chats/:chatId", func(c *gin.Context) {
		getChat(c, store)
	})
	g.PATCH("/chats/:chatId", func(c *gin.Context) {
		renameChat(c, store)
	})
	g.DELETE("/chats/:chatId", func(c *gin.Context) {
		deleteChat(c, store, mem)
	})
	g.GET("/chats/:chatId/messages", func(c *gin.Context) {
		listMessages(c, store)
	})
}

type titleRequest struct {
	Title string `json:"title"`
}

func listChats(c *gin.Context, store registrystore.ChatStore) {
	chats, err := store.ListChats(c.Request.Context(), security.GetUserID(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": chats})
}

func createChat(c *gin.Context, store registrystore.ChatStore) {
	var req titleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if utf8.RuneCountInString(req.Title) > maxTitleLength {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "title exceeds maximum length", "field": "title"})
		return
	}
	chat, err := store.CreateChat(c.Request.Context(), security.GetUserID(c), req.Title)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, chat)
}

func getChat(c *gin.Context, store registrystore.ChatStore) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	chat, err := store.GetChat(c.Request.Context(), security.GetUserID(c), chatID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

func renameChat(c *gin.Context, store registrystore.ChatStore) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	var req titleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if utf8.RuneCountInString(req.Title) > maxTitleLength {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "title exceeds maximum length", "field": "title"})
		return
	}
	chat, err := store.RenameChat(c.Request.Context(), security.GetUserID(c), chatID, req.Title)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

func deleteChat(c *gin.Context, store registrystore.ChatStore, mem *memory.Index) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	if err := store.DeleteChat(c.Request.Context(), security.GetUserID(c), chatID); err != nil {
		handleError(c, err)
		return
	}
	// Memory records of a deleted chat can no longer be resolved, so this is
	// housekeeping and runs even if the client has gone.
	mem.Forget(context.WithoutCancel(c.Request.Context()), chatID)
	log.Info("Chat deleted", "chatId", chatID, "userId", security.GetUserID(c))
	c.Status(http.StatusNoContent)
}

func listMessages(c *gin.Context, store registrystore.ChatStore) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	msgs, err := store.ListMessages(c.Request.Context(), security.GetUserID(c), chatID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": msgs})
}

func chatIDParam(c *gin.Context) (uuid.UUID, bool) {
	chatID, err := uuid.Parse(c.Param("chatId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "chat not found"})
		return uuid.Nil, false
	}
	return chatID, true
}

// handleError maps store errors to responses. A chat owned by someone else
// is reported exactly like a missing one.
func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var conflict *registrystore.ConflictError
	var forbidden *registrystore.ForbiddenError

	switch {
	case errors.As(err, &notFound), errors.As(err, &forbidden):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "chat not found"})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"code": conflict.Code, "error": err.Error()})
	default:
		log.Error("Chat request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
