package hubcache

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmgilman/go/errors"
)

// Handler returns the HTTP entry point: control endpoints under the control
// prefix, everything else goes through the cache.
func (s *Service) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.accessLog())

	ctl := r.Group(s.cfg.Server.ControlPrefix)
	ctl.POST("/message", s.postMessage)
	ctl.POST("/sync", s.postSync)
	ctl.GET("/events", s.getEvents)
	ctl.POST("/push", s.postPush)
	ctl.POST("/notificationclick", s.postNotificationClick)
	ctl.GET("/stats", s.getStats)

	r.NoRoute(func(c *gin.Context) {
		s.handle(c.Writer, c.Request)
	})
	r.NoMethod(func(c *gin.Context) {
		s.handle(c.Writer, c.Request)
	})
	return r
}

func (s *Service) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"cache", c.Writer.Header().Get(cacheHeader),
			"latency", time.Since(start),
		)
	}
}

func (s *Service) postMessage(c *gin.Context) {
	var msg Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, failReply(errors.Wrap(err, errors.CodeInvalidInput, "malformed message")))
		return
	}
	reply, err := s.HandleMessage(c.Request.Context(), msg)
	if err != nil {
		if errors.GetCode(err) == errors.CodeInvalidInput {
			c.JSON(http.StatusBadRequest, reply)
			return
		}
		c.JSON(http.StatusInternalServerError, failReply(err))
		return
	}
	if reply == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, reply)
}

type syncRequest struct {
	Tag string `json:"tag" binding:"required"`
}

func (s *Service) postSync(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	res, err := s.HandleSync(c.Request.Context(), req.Tag)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.GetCode(err) == errors.CodeInvalidInput {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
		"skipped":   res.Skipped,
	})
}

// getEvents streams page events as server-sent events until the page goes
// away.
func (s *Service) getEvents(c *gin.Context) {
	client := s.hub.Subscribe(c.Query("url"))
	defer s.hub.Unsubscribe(client.ID)

	c.Header("Cache-Control", "no-store")
	c.SSEvent("hello", gin.H{"clientId": client.ID})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-client.C:
			if !ok {
				return false
			}
			c.SSEvent(ev.Type, ev.Data)
			return true
		}
	})
}

func (s *Service) postPush(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.HandlePush(raw))
}

type clickRequest struct {
	URL string `json:"url"`
}

func (s *Service) postNotificationClick(c *gin.Context) {
	var req clickRequest
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, s.HandleNotificationClick(req.URL))
}

func (s *Service) getStats(c *gin.Context) {
	st, err := s.Status()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	body := gin.H{
		"status":    st,
		"responses": s.stats.Snapshot(),
		"latency":   s.latency.All(),
	}
	if rss, ok := processRSSBytes(); ok {
		body["rssBytes"] = rss
	}
	c.JSON(http.StatusOK, body)
}
