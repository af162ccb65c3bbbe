package server

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/talvik/pairline/internal/credstore"
	"github.com/talvik/pairline/internal/history"
	"github.com/talvik/pairline/internal/pairing"
	"github.com/talvik/pairline/internal/transport"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.POST("/generate-code", handleGenerateCode(opts))
	router.GET("/validate-code/:code", handleValidateCode(opts))
	router.POST("/complete-pairing/:code", handleCompletePairing(opts))
	router.GET("/pairing-status/:code", handlePairingStatus(opts))
	router.GET("/session-status", handleSessionStatus(opts))
	router.POST("/clear-session", handleClearSession(opts))
	router.POST("/api/generate-pairing-code", handleTransportPairingCode(opts))
	if opts.History != nil {
		router.GET("/pairing-history", handlePairingHistory(opts))
	}
}

type generateCodeRequest struct {
	UserID      string `json:"userId"`
	PhoneNumber string `json:"phoneNumber"`
}

func handleGenerateCode(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req generateCodeRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.PhoneNumber == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Phone number is required"})
			return
		}

		code, ttl, err := opts.Pairing.Generate(req.PhoneNumber, req.UserID)
		if err != nil {
			log.Printf("server: generate code: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not generate code"})
			return
		}

		if opts.History != nil {
			err := opts.History.Record(history.PairingEvent{
				Code:        code,
				PhoneNumber: req.PhoneNumber,
				UserID:      req.UserID,
				Event:       history.EventGenerated,
			})
			if err != nil {
				log.Printf("server: %v", err)
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"code":      code,
			"expiresIn": int(ttl.Seconds()),
		})
	}
}

func handleValidateCode(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := opts.Pairing.Status(c.Param("code"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"valid": false, "message": "Code not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"valid":       true,
			"userId":      req.UserID,
			"phoneNumber": req.PhoneNumber,
		})
	}
}

func handleCompletePairing(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := opts.Pairing.Complete(c.Param("code"))
		switch {
		case errors.Is(err, pairing.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Code not found"})
			return
		case errors.Is(err, pairing.ErrAlreadyUsed):
			c.JSON(http.StatusConflict, gin.H{"success": false, "message": "Code already used"})
			return
		case err != nil:
			log.Printf("server: complete pairing: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "userId": req.UserID})
	}
}

func handlePairingStatus(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := opts.Pairing.Status(c.Param("code"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"status": "invalid"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": req.Status})
	}
}

func handleSessionStatus(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		valid := opts.Store.IsValid(ctx, opts.SessionID)

		info, err := opts.Store.Info(ctx, opts.SessionID)
		if err != nil && !errors.Is(err, credstore.ErrNotFound) {
			log.Printf("server: session info: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read session"})
			return
		}

		resp := gin.H{
			"hasValidSession": valid,
			"sessionInfo":     info,
			"isConnected":     opts.Conn.Connected(),
		}
		if material := opts.Conn.PairingMaterial(); material != "" {
			resp["pairingMaterial"] = material
		}
		c.JSON(http.StatusOK, resp)
	}
}

func handleClearSession(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		opts.Conn.Terminate()
		if err := opts.Store.Clear(c.Request.Context(), opts.SessionID); err != nil {
			log.Printf("server: clear session: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not clear session"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

type transportPairingRequest struct {
	PhoneNumber string `json:"phoneNumber"`
}

func handleTransportPairingCode(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req transportPairingRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.PhoneNumber == "" {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Phone number is required"})
			return
		}

		code, err := opts.Conn.RequestPairingCode(c.Request.Context(), req.PhoneNumber)
		switch {
		case errors.Is(err, transport.ErrNotConnected):
			c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "transport unavailable"})
			return
		case err != nil:
			log.Printf("server: transport pairing code: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "could not request code"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "code": code})
	}
}

func handlePairingHistory(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		events, err := opts.History.Recent(limit)
		if err != nil {
			log.Printf("server: pairing history: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read history"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	}
}
