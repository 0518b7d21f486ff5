package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ollie-app/ollie/providers"
	"github.com/ollie-app/ollie/session"
)

func (s *Server) listProviders(c *gin.Context) {
	roster, err := s.Settings.ListProviders()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": roster})
}

func (s *Server) addProvider(c *gin.Context) {
	var cfg providers.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if cfg.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider id is required"})
		return
	}

	roster, err := s.Settings.AddProvider(cfg)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": roster})
}

func (s *Server) updateProvider(c *gin.Context) {
	var cfg providers.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg.ID = c.Param("providerID")

	roster, err := s.Settings.UpdateProvider(cfg)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": roster})
}

func (s *Server) deleteProvider(c *gin.Context) {
	roster, err := s.Settings.DeleteProvider(c.Param("providerID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": roster})
}

func (s *Server) activateProvider(c *gin.Context) {
	cfg, err := s.Settings.SetActiveProvider(c.Param("providerID"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	// Hydrated controllers pin the provider they were built with;
	// rebuild them against the new selection on next use.
	s.mu.Lock()
	for id, ctrl := range s.sessions {
		if ctrl.State() == session.StateIdle {
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, cfg)
}
