package followuphandler

import (
	"errors"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"worksheetroomgo/internal/occupancy"
	"worksheetroomgo/internal/services/followup"
)

// Handler serves the non-real-time surface: the resync reads a client performs
// before trusting its live channel, plus room occupancy for dashboards.
type Handler struct {
	svc followup.IFollowUpService
	rdc *redis.Client
}

func New(svc followup.IFollowUpService, rdc *redis.Client) *Handler {
	return &Handler{svc: svc, rdc: rdc}
}

func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/follow-ups/:id", h.info)
	r.GET("/follow-ups/:id/activities", h.activities)
	r.GET("/rooms", h.rooms)
}

// @Summary		Get a follow-up record
// @Description	Returns the durable record; clients re-fetch this after (re)connecting.
// @Tags			FollowUps
// @Param			id	path		string	true	"Follow-up ID"	default(fu123)
// @Success		200	{object}	followup.FollowUpDTO
// @Failure		404	{object}	ErrorResponse
// @Router			/follow-ups/{id} [get]
func (h *Handler) info(c *gin.Context) {
	dto, err := h.svc.GetFollowUp(c, c.Param("id"))
	if err != nil {
		if errors.Is(err, followup.ErrFollowUpNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, dto)
}

// @Summary		List activity entries
// @Description	Paginated, newest-first activity log for one follow-up.
// @Tags			FollowUps
// @Param			id		path		string	true	"Follow-up ID"	default(fu123)
// @Param			limit	query		int		false	"Max results (0‑100)"	minimum(0)	maximum(100)	default(20)
// @Param			offset	query		int		false	"Offset for pagination"	minimum(0)	default(0)
// @Success		200		{array}		followup.ActivityDTO
// @Failure		400		{object}	ErrorResponse
// @Failure		500		{object}	ErrorResponse
// @Router			/follow-ups/{id}/activities [get]
func (h *Handler) activities(c *gin.Context) {
	var q ListActivitiesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	out, err := h.svc.ListActivities(c, c.Param("id"), q.Limit, q.Offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary		List live rooms
// @Description	Last mirrored occupancy of every live worksheet room.
// @Tags			Rooms
// @Success		200	{array}		RoomOccupancy
// @Failure		500	{object}	ErrorResponse
// @Router			/rooms [get]
func (h *Handler) rooms(c *gin.Context) {
	rosters, err := occupancy.Read(c, h.rdc)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	out := make([]RoomOccupancy, 0, len(rosters))
	for wid, members := range rosters {
		out = append(out, RoomOccupancy{WorksheetID: wid, Members: members})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorksheetID < out[j].WorksheetID })
	c.JSON(http.StatusOK, out)
}
