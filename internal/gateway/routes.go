package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/signalsfoundry/fleet-simulator/model"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	// Event streams are open to any client, like the dashboard they feed.
	router.GET("/events", s.handleSSE())
	router.GET("/ws", s.handleWS())

	api := router.Group("/", s.requireKey())

	api.GET("/robots", s.listRobots)
	api.GET("/robots/:id", s.getRobot)
	api.PUT("/robots/:id", s.upsertRobot)
	api.POST("/robots/:id/cancel", s.cancelRobot)
	api.POST("/robots/:id/maintenance", s.setMaintenance)
	api.DELETE("/robots/:id/maintenance", s.clearMaintenance)

	api.GET("/missions", s.listMissions)
	api.POST("/missions", s.createMission)
	api.GET("/missions/:id", s.getMission)
	api.POST("/missions/:id/cancel", s.cancelMission)

	api.GET("/stats", func(c *gin.Context) {
		respond(c, http.StatusOK, s.engine.Stats())
	})
}

func (s *Server) listRobots(c *gin.Context) {
	var filter model.RobotFilter
	if raw := c.Query("status"); raw != "" {
		status := model.RobotStatus(raw)
		if !status.Valid() {
			fail(c, fmt.Errorf("%w: unknown robot status %q", errBadRequest, raw))
			return
		}
		filter.Status = status
	}
	if raw, ok := c.GetQuery("reassignable"); ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			fail(c, fmt.Errorf("%w: reassignable must be true or false", errBadRequest))
			return
		}
		filter.Reassignable = &v
	}
	respond(c, http.StatusOK, s.engine.ListRobots(filter))
}

func (s *Server) getRobot(c *gin.Context) {
	r, err := s.engine.GetRobot(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, r)
}

type robotBody struct {
	Status           model.RobotStatus `json:"status"`
	BatteryPct       *float64          `json:"batteryPct"`
	CurrentMissionID *string           `json:"currentMissionId"`
	Reassignable     *bool             `json:"reassignable"`
}

// upsertRobot is the actuation entry point: it replaces the robot snapshot
// wholesale. Omitted fields take seed defaults.
func (s *Server) upsertRobot(c *gin.Context) {
	var body robotBody
	if err := decodeStrict(c, &body); err != nil {
		fail(c, err)
		return
	}
	r := model.Robot{
		ID:               c.Param("id"),
		Status:           body.Status,
		BatteryPct:       100,
		CurrentMissionID: body.CurrentMissionID,
		Reassignable:     true,
	}
	if r.Status == "" {
		r.Status = model.RobotIdle
	}
	if body.BatteryPct != nil {
		r.BatteryPct = *body.BatteryPct
	}
	if body.Reassignable != nil {
		r.Reassignable = *body.Reassignable
	}
	out, err := s.engine.UpsertRobot(c.Request.Context(), r)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, out)
}

type cancelBody struct {
	Reason model.CancelReason `json:"reason"`
}

func (s *Server) cancelRobot(c *gin.Context) {
	var body cancelBody
	if err := decodeStrict(c, &body); err != nil {
		fail(c, err)
		return
	}
	r, err := s.engine.CancelRobot(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusAccepted, gin.H{"accepted": true, "robotId": r.ID})
}

type maintenanceBody struct {
	Message string `json:"message"`
}

func (s *Server) setMaintenance(c *gin.Context) {
	var body maintenanceBody
	if err := decodeStrict(c, &body); err != nil {
		fail(c, err)
		return
	}
	r, err := s.engine.SetHardwareIssue(c.Request.Context(), c.Param("id"), body.Message)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, r)
}

func (s *Server) clearMaintenance(c *gin.Context) {
	r, err := s.engine.ClearMaintenance(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, r)
}

func (s *Server) listMissions(c *gin.Context) {
	var filter model.MissionFilter
	if raw := c.Query("status"); raw != "" {
		status := model.MissionStatus(raw)
		if !status.Valid() {
			fail(c, fmt.Errorf("%w: unknown mission status %q", errBadRequest, raw))
			return
		}
		filter.Status = status
	}
	page, err := intQuery(c, "page", 1)
	if err != nil {
		fail(c, err)
		return
	}
	limit, err := intQuery(c, "limit", defaultPageLimit)
	if err != nil {
		fail(c, err)
		return
	}
	page = max(1, page)
	limit = min(maxPageLimit, max(1, limit))

	missions := s.engine.ListMissions(filter)
	total := len(missions)
	start := total
	if page-1 < total/limit+1 {
		start = min((page-1)*limit, total)
	}
	end := min(start+limit, total)

	c.JSON(http.StatusOK, envelope{
		Success: true,
		Data:    missions[start:end],
		Meta: &meta{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: int(math.Ceil(float64(total) / float64(limit))),
		},
	})
}

func (s *Server) createMission(c *gin.Context) {
	if s.limiter != nil && !s.limiter.Allow() {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, envelope{Success: false, Message: "mission creation rate exceeded"})
		return
	}
	respond(c, http.StatusCreated, s.engine.CreateMission(c.Request.Context()))
}

func (s *Server) getMission(c *gin.Context) {
	m, err := s.engine.GetMission(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, m)
}

func (s *Server) cancelMission(c *gin.Context) {
	var body cancelBody
	if err := decodeStrict(c, &body); err != nil {
		fail(c, err)
		return
	}
	m, err := s.engine.CancelMission(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, m)
}

// decodeStrict decodes an optional JSON body, rejecting unknown fields.
func decodeStrict(c *gin.Context, out any) error {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", errBadRequest, key)
	}
	return v, nil
}
