// Package api exposes the chat application over HTTP: REST routes for
// chats, messages, settings and providers, plus a websocket feed that
// relays the event bus to connected clients.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ollie-app/ollie/events"
	"github.com/ollie-app/ollie/models"
	"github.com/ollie-app/ollie/providers/ollama"
	"github.com/ollie-app/ollie/session"
	"github.com/ollie-app/ollie/settings"
	"github.com/ollie-app/ollie/stores"
)

// Server wires the HTTP surface over the application's parts. One
// session controller is kept per chat so the single-run-per-chat rule
// holds across requests.
type Server struct {
	Store    stores.ChatStore
	Runner   session.Runner
	Bus      *events.Bus
	Settings *settings.Manager
	Logger   *log.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session.Controller
}

// NewServer builds a server over the given parts.
func NewServer(store stores.ChatStore, runner session.Runner, bus *events.Bus, mgr *settings.Manager) *Server {
	return &Server{
		Store:    store,
		Runner:   runner,
		Bus:      bus,
		Settings: mgr,
		Logger:   log.New(os.Stdout, "[API] ", log.LstdFlags),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The desktop shell is the only client; skip origin checks.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*session.Controller),
	}
}

// Routes registers every endpoint on the router.
func (s *Server) Routes(r *gin.Engine) {
	api := r.Group("/api")
	{
		api.POST("/chats", s.createChat)
		api.GET("/chats", s.listChats)
		api.DELETE("/chats/:chatID", s.deleteChat)
		api.PUT("/chats/:chatID/model", s.setChatModel)

		api.GET("/chats/:chatID/messages", s.listMessages)
		api.POST("/chats/:chatID/messages", s.sendMessage)
		api.POST("/chats/:chatID/cancel", s.cancelRun)
		api.POST("/chats/:chatID/edit", s.editAndRegenerate)

		api.GET("/settings", s.getSettings)
		api.PUT("/settings", s.putSettings)

		api.GET("/providers", s.listProviders)
		api.POST("/providers", s.addProvider)
		api.PUT("/providers/:providerID", s.updateProvider)
		api.DELETE("/providers/:providerID", s.deleteProvider)
		api.POST("/providers/:providerID/activate", s.activateProvider)

		api.GET("/models", s.listModels)
	}

	r.GET("/ws", s.eventFeed)
}

// controllerFor returns the chat's session controller, creating and
// hydrating it on first use.
func (s *Server) controllerFor(chatID string) (*session.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.sessions[chatID]; ok {
		return c, nil
	}

	chat, err := s.Store.GetChat(chatID)
	if err != nil {
		return nil, err
	}

	c := session.NewController(session.Conversation{
		ID:           chat.ID,
		Title:        chat.Title,
		Model:        chat.Model,
		SystemPrompt: chat.SystemPrompt,
	}, s.Store, s.Runner, s.Bus)
	c.Options = decodeParams(chat.ParamsJSON)

	if cfg, err := s.Settings.Get(); err == nil {
		c.ProviderID = cfg.ActiveProviderID
		c.TitleModel = ollama.TitleModelForActive(context.Background(), cfg.Providers, cfg.ActiveProviderID, "")
	}

	if err := c.Load(); err != nil {
		return nil, err
	}

	s.sessions[chatID] = c
	return c, nil
}

func decodeParams(raw string) *models.ChatOptions {
	if raw == "" {
		return nil
	}
	var opts models.ChatOptions
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return nil
	}
	return &opts
}

type createChatRequest struct {
	Model        string              `json:"model" binding:"required"`
	SystemPrompt string              `json:"system_prompt"`
	Params       *models.ChatOptions `json:"params"`
}

func (s *Server) createChat(c *gin.Context) {
	var req createChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	paramsJSON := ""
	if req.Params != nil {
		if data, err := json.Marshal(req.Params); err == nil {
			paramsJSON = string(data)
		}
	}

	chat, err := s.Store.CreateChat(req.Model, req.SystemPrompt, paramsJSON)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, chat)
}

func (s *Server) listChats(c *gin.Context) {
	chats, err := s.Store.ListChats(0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

func (s *Server) deleteChat(c *gin.Context) {
	chatID := c.Param("chatID")

	s.mu.Lock()
	if ctrl, ok := s.sessions[chatID]; ok {
		ctrl.Cancel()
		delete(s.sessions, chatID)
	}
	s.mu.Unlock()

	if err := s.Store.DeleteChat(chatID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": chatID})
}

type setModelRequest struct {
	Model string `json:"model" binding:"required"`
}

func (s *Server) setChatModel(c *gin.Context) {
	chatID := c.Param("chatID")

	var req setModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.Store.SetChatModel(chatID, req.Model); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// A hydrated controller keeps its own copy of the model; rebuild
	// it lazily on the next request.
	s.mu.Lock()
	delete(s.sessions, chatID)
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"model": req.Model})
}

func (s *Server) listMessages(c *gin.Context) {
	ctrl, err := s.controllerFor(c.Param("chatID"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	conv := ctrl.Conversation()
	c.JSON(http.StatusOK, gin.H{
		"state":    ctrl.State(),
		"title":    conv.Title,
		"messages": conv.Messages,
	})
}

type sendMessageRequest struct {
	Content string   `json:"content" binding:"required"`
	Images  []string `json:"images"`
}

func (s *Server) sendMessage(c *gin.Context) {
	ctrl, err := s.controllerFor(c.Param("chatID"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// The run outlives the request; net/http cancels the request
	// context as soon as the handler returns its 202.
	if err := ctrl.Send(context.WithoutCancel(c.Request.Context()), req.Content, req.Images); err != nil {
		status := http.StatusInternalServerError
		if err == session.ErrRunActive {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"state": ctrl.State()})
}

func (s *Server) cancelRun(c *gin.Context) {
	ctrl, err := s.controllerFor(c.Param("chatID"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	ctrl.Cancel()
	c.JSON(http.StatusOK, gin.H{"state": ctrl.State()})
}

type editRequest struct {
	MessageID string `json:"message_id" binding:"required"`
	Content   string `json:"content" binding:"required"`
}

func (s *Server) editAndRegenerate(c *gin.Context) {
	ctrl, err := s.controllerFor(c.Param("chatID"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Detached for the same reason as sendMessage: the regenerated
	// run must survive the handler returning.
	if err := ctrl.EditAndRegenerate(context.WithoutCancel(c.Request.Context()), req.MessageID, req.Content); err != nil {
		status := http.StatusInternalServerError
		switch err {
		case session.ErrMessageNotFound:
			status = http.StatusNotFound
		case session.ErrRunActive:
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"state": ctrl.State()})
}

func (s *Server) getSettings(c *gin.Context) {
	cfg, err := s.Settings.Get()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) putSettings(c *gin.Context) {
	var cfg settings.Settings
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Settings.Set(cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) listModels(c *gin.Context) {
	configs, activeID, err := s.Settings.ProviderConfigs()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	baseURL := ""
	for _, cfg := range configs {
		if cfg.ID == activeID {
			baseURL = cfg.ResolveBaseURL()
			break
		}
	}
	if baseURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("active provider '%s' has no endpoint", activeID)})
		return
	}

	resp, err := ollama.ListModels(c.Request.Context(), baseURL)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}
