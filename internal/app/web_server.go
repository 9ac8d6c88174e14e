package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"lightsout/internal/domain"
	"lightsout/internal/pkg/config"
)

// WebServerConfig holds listener settings
type WebServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type WebServer struct {
	cfg         WebServerConfig
	nodes       *NodeService
	telemetry   *TelemetryService
	broadcaster *Broadcaster
	catalog     *FirmwareCatalog
	builds      *BuildService
	commands    *CommandService
	tlsService  domain.TLSService
	router      *gin.Engine
	server      *http.Server
	upgrader    websocket.Upgrader
	startedAt   time.Time
}

// NewWebServer wires the HTTP API. tlsService may be nil for plain HTTP.
func NewWebServer(
	cfg WebServerConfig,
	nodes *NodeService,
	telemetry *TelemetryService,
	broadcaster *Broadcaster,
	catalog *FirmwareCatalog,
	builds *BuildService,
	commands *CommandService,
	tlsService domain.TLSService,
) *WebServer {
	ws := &WebServer{
		cfg:         cfg,
		nodes:       nodes,
		telemetry:   telemetry,
		broadcaster: broadcaster,
		catalog:     catalog,
		builds:      builds,
		commands:    commands,
		tlsService:  tlsService,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		startedAt: time.Now(),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())
	ws.setupRoutes(router)
	ws.router = router

	return ws
}

// Handler exposes the router, mainly for tests
func (ws *WebServer) Handler() http.Handler {
	return ws.router
}

func (ws *WebServer) Start(ctx context.Context) error {
	ws.server = &http.Server{
		Addr:         ws.cfg.Addr,
		Handler:      ws.router,
		ReadTimeout:  ws.cfg.ReadTimeout,
		WriteTimeout: ws.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	if ws.tlsService == nil {
		log.Printf("Starting HTTP server on %s...", ws.cfg.Addr)
		go func() {
			if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("HTTP server error: %v", err)
			}
		}()
		return nil
	}

	if err := ws.tlsService.GenerateSelfSignedCert(); err != nil {
		return fmt.Errorf("failed to generate TLS certificate: %w", err)
	}
	certPath, keyPath, err := ws.tlsService.GetCertPath()
	if err != nil {
		return fmt.Errorf("failed to get certificate paths: %w", err)
	}

	log.Printf("Starting HTTPS server on %s...", ws.cfg.Addr)
	go func() {
		if err := ws.server.ListenAndServeTLS(certPath, keyPath); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTPS server error: %v", err)
		}
	}()

	return nil
}

func (ws *WebServer) Stop(ctx context.Context) error {
	if ws.server == nil {
		return nil
	}

	log.Println("Shutting down web server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to gracefully shutdown server: %w", err)
	}

	return nil
}

func (ws *WebServer) setupRoutes(r *gin.Engine) {
	r.GET("/health", ws.handleHealth)

	// Live observer channel
	r.GET("/ws", ws.handleWebSocket)

	// Telemetry ingestion
	r.POST("/telemetry", ws.handleTelemetry)
	r.POST("/telemetry/:nodeId", ws.handleNodeTelemetry)

	// Registry
	r.GET("/nodes", ws.handleNodes)
	r.GET("/nodes/:nodeId", ws.handleNode)
	r.POST("/nodes/:nodeId/status", ws.handleNodeStatus)
	r.POST("/node/:nodeId/command", ws.handleCommand)

	// Firmware distribution
	fw := r.Group("/firmware")
	{
		fw.GET("/latest", ws.handleLatestFirmware)
		fw.GET("/builds", ws.handleBuilds)
		fw.GET("/download/:ref", ws.handleDownload)
		fw.POST("/build", ws.handleBuild)
		fw.GET("/build/status", ws.handleBuildStatus)
		fw.GET("/attempts", ws.handleAttempts)
	}
}

func (ws *WebServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"timestamp":   time.Now().Format(time.RFC3339),
		"known_nodes": ws.nodes.Count(),
		"observers":   ws.broadcaster.ObserverCount(),
		"firmware":    ws.catalog.CurrentVersion(),
		"build_state": ws.builds.Status().State,
		"uptime":      time.Since(ws.startedAt).Round(time.Second).String(),
	})
}

func (ws *WebServer) handleWebSocket(c *gin.Context) {
	conn, err := ws.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade websocket: %v", err)
		return
	}

	observer := newWSObserver(conn)
	defer func() {
		ws.broadcaster.RemoveObserver(observer.ID())
		observer.close()
	}()

	if err := ws.broadcaster.AddObserver(observer); err != nil {
		return
	}

	// Removal is driven by the connection closing, not by failed pushes
	observer.drain()
}

// handleTelemetry never rejects based on content; bad envelopes are logged and acknowledged.
// The body is decoded field by field, so a wrongly typed optional field only loses that field.
func (ws *WebServer) handleTelemetry(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		log.Printf("Warning: failed to read telemetry: %v", err)
	} else if err := ws.telemetry.IngestPacket(body); err != nil {
		log.Printf("Warning: dropping telemetry: %v | body=%s", err, config.Truncate(body, 256))
	}

	c.JSON(http.StatusOK, gin.H{"status": "received"})
}

func (ws *WebServer) handleNodeTelemetry(c *gin.Context) {
	nodeID := c.Param("nodeId")

	var data map[string]any
	if err := c.ShouldBindJSON(&data); err != nil {
		log.Printf("Warning: failed to decode telemetry for node %s: %v", nodeID, err)
		data = map[string]any{}
	}

	if err := ws.telemetry.Ingest(&domain.TelemetryEnvelope{NodeID: nodeID, Data: data}); err != nil {
		log.Printf("Warning: dropping telemetry: %v", err)
	}

	c.JSON(http.StatusOK, gin.H{"status": "received"})
}

func (ws *WebServer) handleNodes(c *gin.Context) {
	c.JSON(http.StatusOK, ws.nodes.Snapshot())
}

func (ws *WebServer) handleNode(c *gin.Context) {
	node, err := ws.nodes.GetNodeByID(c.Request.Context(), c.Param("nodeId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

func (ws *WebServer) handleNodeStatus(c *gin.Context) {
	var req struct {
		Status domain.NodeStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := ws.nodes.UpdateNodeStatus(c.Request.Context(), c.Param("nodeId"), req.Status); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

func (ws *WebServer) handleCommand(c *gin.Context) {
	command := c.Query("command")
	if command == "" {
		var req struct {
			Command string `json:"command"`
		}
		if err := c.ShouldBindJSON(&req); err == nil {
			command = req.Command
		}
	}

	if err := ws.commands.Send(c.Param("nodeId"), command); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

func (ws *WebServer) handleLatestFirmware(c *gin.Context) {
	latest, err := ws.catalog.Latest()
	if err != nil {
		if errors.Is(err, domain.ErrNoFirmware) {
			c.JSON(http.StatusOK, domain.FirmwareQuery{UpdateAvailable: false})
			return
		}
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, domain.FirmwareQuery{
		UpdateAvailable: true,
		Version:         latest.Version,
		Filename:        latest.Filename,
		Size:            latest.SizeBytes,
		Date:            latest.BuiltAt.Format(time.RFC3339),
		SHA256:          latest.SHA256,
	})
}

func (ws *WebServer) handleBuilds(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": ws.catalog.CurrentVersion(),
		"builds":  ws.catalog.Builds(),
	})
}

func (ws *WebServer) handleDownload(c *gin.Context) {
	build, path, err := ws.catalog.Resolve(c.Param("ref"))
	if err != nil {
		writeError(c, err)
		return
	}

	if _, err := os.Stat(path); err != nil {
		log.Printf("Firmware %s is in the catalog but unreadable: %v", build.Filename, err)
		c.JSON(http.StatusNotFound, gin.H{"error": "firmware file not found"})
		return
	}

	c.Header("X-Firmware-Version", build.Version)
	if build.SHA256 != "" {
		c.Header("X-Firmware-SHA256", build.SHA256)
	}
	c.FileAttachment(path, build.Filename)
}

func (ws *WebServer) handleBuild(c *gin.Context) {
	var req domain.BuildRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid build request"})
			return
		}
	}

	attempt, err := ws.builds.TriggerBuild(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":  "building",
		"buildId": attempt.ID,
		"version": attempt.Version,
	})
}

func (ws *WebServer) handleBuildStatus(c *gin.Context) {
	c.JSON(http.StatusOK, ws.builds.Status())
}

func (ws *WebServer) handleAttempts(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	attempts, err := ws.builds.Attempts(c.Request.Context(), limit)
	if err != nil {
		log.Printf("Failed to list build attempts: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}

// writeError maps the error taxonomy onto HTTP statuses
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrNoFirmware):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrBuildInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidVersion), errors.Is(err, domain.ErrMalformedPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrTransportUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		log.Printf("Internal error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		log.Printf("%s %s %d %v %s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start), c.ClientIP())
	}
}
