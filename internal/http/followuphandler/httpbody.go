package followuphandler

import "worksheetroomgo/internal/ws"

type ErrorResponse struct {
	Error string `json:"error"`
} // @name ErrorResponse

type ListActivitiesQuery struct {
	Limit  int `form:"limit,default=20"  binding:"gte=0,lte=100"`
	Offset int `form:"offset,default=0"  binding:"gte=0"`
} // @name ListActivitiesQuery

type RoomOccupancy struct {
	WorksheetID string          `json:"worksheet_id"`
	Members     []ws.RoomMember `json:"members"`
} // @name RoomOccupancy
