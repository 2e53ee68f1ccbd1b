package adminhttp

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"cryptobots/internal/backtest"
	"cryptobots/internal/strategy"
)

type deployRequest struct {
	Type     string         `json:"type" binding:"required"`
	Interval string         `json:"interval"`
	Params   map[string]any `json:"params" binding:"required"`
}

func (s *Server) handleDeploy(c *gin.Context) {
	var req deployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	typ, err := strategy.ParseType(req.Type)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.runner.Run(c.Request.Context(), typ, req.Params, req.Interval)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) handleInstances(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	list, err := s.runner.Instances(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": list})
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.runner.Stop(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) handleTicks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	logs, err := s.runner.TickLogs(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticks": logs})
}

func (s *Server) handleFetch(c *gin.Context) {
	if s.sync == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "candle sync not enabled"})
		return
	}
	var req struct {
		Instrument string `json:"instrument" binding:"required"`
		Timeframe  string `json:"timeframe" binding:"required"`
		StartTS    int64  `json:"start_ts" binding:"required"`
		EndTS      int64  `json:"end_ts" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.sync.SubmitFetch(backtest.FetchParams{
		Instrument: req.Instrument,
		Timeframe:  req.Timeframe,
		Start:      req.StartTS,
		End:        req.EndTS,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (s *Server) handleJobs(c *gin.Context) {
	if s.sync == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "candle sync not enabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": s.sync.JobsSnapshot()})
}

func (s *Server) handleJobStatus(c *gin.Context) {
	if s.sync == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "candle sync not enabled"})
		return
	}
	job, ok := s.sync.JobSnapshot(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *Server) handleManifest(c *gin.Context) {
	if s.sync == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "candle sync not enabled"})
		return
	}
	instrument := c.Query("instrument")
	timeframe := c.Query("timeframe")
	if instrument == "" || timeframe == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instrument and timeframe are required"})
		return
	}
	info, err := s.sync.ManifestInfo(c.Request.Context(), instrument, timeframe)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"manifest": info})
}

func (s *Server) handleRunStart(c *gin.Context) {
	if s.engine == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backtest engine not enabled"})
		return
	}
	var req backtest.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run, err := s.engine.StartRun(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run": run})
}

func (s *Server) handleRunList(c *gin.Context) {
	if s.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "result store not enabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.results.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleRunDetail(c *gin.Context) {
	if s.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "result store not enabled"})
		return
	}
	run, err := s.results.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func (s *Server) handleRunFills(c *gin.Context) {
	if s.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "result store not enabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "500"))
	fills, err := s.results.ListFills(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fills": fills})
}

func (s *Server) handleRunEquity(c *gin.Context) {
	if s.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "result store not enabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "5000"))
	points, err := s.results.ListEquity(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"equity": points})
}
