// Package web serves the REST API and the live state WebSocket.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"emg-bridge/analytics"
	"emg-bridge/ble"
	"emg-bridge/racp"
)

// Retriever runs and aborts offline log retrievals of one band.
type Retriever interface {
	Retrieve(ctx context.Context) ([]racp.Record, error)
	Abort() bool
}

// LookupFunc finds the retriever of a connected band. It returns an error
// wrapping ble.ErrUnknownDevice when no band has the ID.
type LookupFunc func(id string) (Retriever, error)

// Server is the HTTP surface of the bridge.
type Server struct {
	router           *gin.Engine
	monitor          *analytics.Monitor
	lookup           LookupFunc
	hub              *Hub
	retrievalTimeout time.Duration
}

// NewServer builds the router.
func NewServer(monitor *analytics.Monitor, lookup LookupFunc, hub *Hub, retrievalTimeout time.Duration) *Server {
	s := &Server{
		router:           gin.New(),
		monitor:          monitor,
		lookup:           lookup,
		hub:              hub,
		retrievalTimeout: retrievalTimeout,
	}
	s.router.Use(gin.Recovery())

	api := s.router.Group("/api")
	api.GET("/state", s.getState)
	api.GET("/devices", s.getDevices)
	api.GET("/devices/:id", s.getDevice)
	api.DELETE("/devices/:id", s.forgetDevice)
	api.POST("/devices/:id/retrieval", s.startRetrieval)
	api.DELETE("/devices/:id/retrieval", s.abortRetrieval)
	s.router.GET("/ws", s.serveWS)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	log.Infof("HTTP/WS server on %s", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) getState(c *gin.Context) {
	c.JSON(http.StatusOK, s.monitor.GetState())
}

func (s *Server) getDevices(c *gin.Context) {
	c.JSON(http.StatusOK, s.monitor.GetState().Devices)
}

func (s *Server) getDevice(c *gin.Context) {
	d, ok := s.monitor.Device(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown device"})
		return
	}
	c.JSON(http.StatusOK, d)
}

// forgetDevice drops the statistics of a band.
func (s *Server) forgetDevice(c *gin.Context) {
	if err := s.monitor.Forget(c.Param("id")); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) startRetrieval(c *gin.Context) {
	id := c.Param("id")
	r, err := s.lookup(id)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.retrievalTimeout)
	defer cancel()
	records, err := r.Retrieve(ctx)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"device":  id,
		"count":   len(records),
		"records": records,
	})
}

func (s *Server) abortRetrieval(c *gin.Context) {
	r, err := s.lookup(c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"aborted": r.Abort()})
}

func (s *Server) serveWS(c *gin.Context) {
	greeting, err := json.Marshal(s.monitor.GetState())
	if err != nil {
		greeting = nil
	}
	s.hub.ServeWS(c.Writer, c.Request, greeting)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ble.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, racp.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
